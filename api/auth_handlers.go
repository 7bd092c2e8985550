package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/sessionkeeper/internal/util"
	"github.com/jmcleod/sessionkeeper/storage"
)

// Login establishes a server session for the bearer credential, creating
// the user record on first sight.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := a.clientAddr(r)

	if wait, scope := a.guard.wait(clientIP); wait > 0 {
		a.audit.logFailure(AuditLoginRateLimited, r, scope+" lockout", slog.String("client_ip", clientIP))
		a.metrics.outcome("login", "rate_limited")
		setRetryAfter(w, wait)
		writeError(w, http.StatusTooManyRequests, "Too many failed attempts, try again later")
		return
	}

	fail := func(status int, msg, reason string) {
		a.guard.fail(clientIP)
		a.audit.logFailure(AuditLoginFailure, r, reason, slog.String("client_ip", clientIP))
		a.metrics.outcome("login", "rejected")
		writeError(w, status, msg)
	}

	token := bearerToken(r)
	if token == "" {
		fail(http.StatusUnauthorized, "No token provided", "missing token")
		return
	}

	key := util.HashToken(token)
	now := time.Now()
	if sess, ok := a.sessions.Get(key); ok {
		if u, err := a.users.get(sess.UID); err == nil {
			a.touchSession(key, sess, now)
			a.metrics.outcome("login", "resumed")
			writeJSON(w, http.StatusOK, LoginResponse{Message: "Already authenticated", User: u.info()})
			return
		}
		a.sessions.Delete(key)
	}

	claims, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		a.logger.Debug("credential rejected", "error", err)
		fail(http.StatusUnauthorized, "Invalid or expired token", "invalid token")
		return
	}
	if claims.UID == "" || claims.Email == "" {
		fail(http.StatusBadRequest, "Incomplete user information in token", "incomplete claims")
		return
	}

	u, created, err := a.users.getOrCreate(claims.UID, claims.Email, now)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			a.audit.logFailure(AuditLoginFailure, r, "email registered to another user",
				slog.String("uid", claims.UID))
		} else {
			a.logger.Error("loading user", "uid", claims.UID, "error", err)
		}
		a.metrics.outcome("login", "error")
		mapError(w, err)
		return
	}
	if created {
		a.metrics.userCreated()
		a.audit.logEvent(AuditUserCreated, r, u.UID)
	}

	a.sessions.Put(key, AuthSession{
		UserID:         u.ID,
		UID:            u.UID,
		ExpiresAt:      now.Add(a.sessionTTL),
		LastAccessedAt: now,
	})
	a.guard.forgive(clientIP)
	a.audit.logEvent(AuditLoginSuccess, r, u.UID, slog.String("client_ip", clientIP))
	a.metrics.outcome("login", "established")

	writeJSON(w, http.StatusOK, LoginResponse{Message: "Authentication successful", User: u.info()})
}

// authorize verifies the bearer credential and loads its user. On failure
// it has already written the response and returns ok=false.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, op string) (u *User, ok bool) {
	token := bearerToken(r)
	if token == "" {
		a.metrics.outcome(op, "rejected")
		writeInvalid(w, http.StatusUnauthorized, "No token provided")
		return nil, false
	}

	claims, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		a.audit.logFailure(AuditValidateFailure, r, "invalid token", slog.String("operation", op))
		a.metrics.outcome(op, "rejected")
		writeInvalid(w, http.StatusUnauthorized, "Invalid or expired token")
		return nil, false
	}
	if claims.UID == "" {
		a.audit.logFailure(AuditValidateFailure, r, "missing uid", slog.String("operation", op))
		a.metrics.outcome(op, "rejected")
		writeInvalid(w, http.StatusUnauthorized, "Invalid user information in token")
		return nil, false
	}

	u, err = a.users.get(claims.UID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		a.metrics.outcome(op, "unknown_user")
		writeInvalid(w, http.StatusNotFound, "User not found")
		return nil, false
	case err != nil:
		a.logger.Error("loading user", "uid", claims.UID, "error", err)
		a.metrics.outcome(op, "error")
		writeInvalid(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}

	key := util.HashToken(token)
	if sess, found := a.sessions.Get(key); found {
		a.touchSession(key, sess, time.Now())
	}
	return u, true
}

// Validate reports whether the bearer credential is still accepted.
func (a *API) Validate(w http.ResponseWriter, r *http.Request) {
	u, ok := a.authorize(w, r, "validate")
	if !ok {
		return
	}
	a.metrics.outcome("validate", "valid")
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: true, Message: "Token is valid", User: u.info()})
}

// Heartbeat records that the user is still active.
func (a *API) Heartbeat(w http.ResponseWriter, r *http.Request) {
	u, ok := a.authorize(w, r, "heartbeat")
	if !ok {
		return
	}

	if allowed, retryAfter := a.heartbeats.allow(u.UID); !allowed {
		a.audit.logEvent(AuditHeartbeatLimited, r, u.UID)
		a.metrics.outcome("heartbeat", "rate_limited")
		setRetryAfter(w, retryAfter)
		writeInvalid(w, http.StatusTooManyRequests, "Too many heartbeats")
		return
	}

	if _, err := a.users.touch(u.UID, time.Now()); err != nil {
		a.logger.Error("recording heartbeat", "uid", u.UID, "error", err)
		a.metrics.outcome("heartbeat", "error")
		mapError(w, err)
		return
	}
	a.metrics.outcome("heartbeat", "recorded")
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: true, Message: "Heartbeat received"})
}

// Logout ends the server session bound to the bearer credential. The
// credential itself is not checked: holding it is enough to end its session.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusBadRequest, "No user to log out")
		return
	}
	key := util.HashToken(token)
	sess, ok := a.sessions.Get(key)
	if !ok {
		a.metrics.outcome("logout", "no_session")
		writeError(w, http.StatusBadRequest, "No user to log out")
		return
	}

	a.sessions.Delete(key)
	a.audit.logEvent(AuditLogout, r, sess.UID)
	a.metrics.outcome("logout", "ended")
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Successfully logged out"})
}

// CurrentUser returns the user bound to the bearer credential's server
// session, if any.
func (a *API) CurrentUser(w http.ResponseWriter, r *http.Request) {
	resp := CurrentUserResponse{}
	if token := bearerToken(r); token != "" {
		key := util.HashToken(token)
		if sess, ok := a.sessions.Get(key); ok {
			if u, err := a.users.get(sess.UID); err == nil {
				a.touchSession(key, sess, time.Now())
				resp.Authenticated = true
				resp.User = u.info()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
