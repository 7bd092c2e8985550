package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// bearerToken returns the credential from the Authorization header. A value
// without the "Bearer " scheme is taken as the credential itself.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	if scheme, rest, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest)
	}
	return h
}

// touchSession slides the session's idle deadline forward.
func (a *API) touchSession(key string, sess AuthSession, now time.Time) {
	sess.LastAccessedAt = now
	a.sessions.Put(key, sess)
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// RunJanitor sweeps idle rate-limiter state every interval until ctx is
// done. Session stores run their own expiry.
func (a *API) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.guard.prune()
			a.heartbeats.sweep()
		}
	}
}
