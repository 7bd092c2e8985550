package session

import (
	"context"
	"net/http"
	"time"

	"github.com/jmcleod/sessionkeeper/record"
)

// RefreshSession makes sure the session for user is established and fresh.
// Unless force is set, a session that does not need refreshing is only
// revalidated. Otherwise a new credential is minted and exchanged with the
// backend, retrying with exponential backoff on rejection. A failure while
// the host is offline queues the refresh and reports Pending.
func (c *Controller) RefreshSession(ctx context.Context, user IdentityUser, force bool) Result {
	if user == nil {
		return Result{Outcome: Failed, Message: "no signed-in user"}
	}

	c.mu.Lock()
	needs := c.needsRefreshLocked(c.clock.Now())
	c.mu.Unlock()

	if !force && !needs && c.ValidateSession(ctx) {
		return Result{Outcome: Authenticated, Message: "session is valid"}
	}
	return c.refresh(ctx, user, force)
}

// needsRefreshLocked reports whether the held session is missing, stale,
// idle past the timeout, or recovering from a failure. It is always false
// while offline.
func (c *Controller) needsRefreshLocked(now time.Time) bool {
	if c.offline {
		return false
	}
	return c.token == "" ||
		now.Sub(c.lastCheck) >= c.cfg.CheckInterval ||
		now.Sub(c.lastActivity) >= c.cfg.SessionTimeout ||
		c.retryAttempts > 0
}

func (c *Controller) refresh(ctx context.Context, user IdentityUser, force bool) Result {
	c.mu.Lock()
	epoch := c.epoch
	hadToken := c.token != ""
	var ev Event
	if c.state != Authenticating {
		ev = c.setStateLocked(Refreshing, LevelInfo, "")
	}
	c.mu.Unlock()
	c.publish(ev)

	for {
		token, u, err := c.exchange(ctx, user)
		if err == nil {
			return c.established(epoch, hadToken, token, u)
		}
		if ctx.Err() != nil {
			return c.abandon(epoch, "refresh cancelled: "+ctx.Err().Error())
		}

		if !c.online() {
			if res, queued := c.deferRefresh(epoch, user.UID(), force, err); queued {
				return res
			}
			c.logger.Info("connectivity returned before the refresh was queued, retrying", "uid", user.UID())
		}

		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return Result{Outcome: Failed, Message: "session was reset during refresh"}
		}
		if c.retryAttempts >= c.cfg.MaxRetries {
			c.mu.Unlock()
			c.logger.Warn("refresh retries exhausted", "uid", user.UID(), "error", err)
			c.clear(ctx, Unauthenticated, LevelError, "Authentication failed: "+err.Error(), false)
			return Result{Outcome: Failed, Message: "Authentication failed: " + err.Error()}
		}
		c.retryAttempts++
		attempt := c.retryAttempts
		c.mu.Unlock()

		delay := c.cfg.Backoff(attempt)
		c.logger.Warn("refresh failed, backing off", "attempt", attempt, "delay", delay, "error", err)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return c.abandon(epoch, "refresh cancelled: "+err.Error())
		}
		force = true
	}
}

func (c *Controller) exchange(ctx context.Context, user IdentityUser) (string, *User, error) {
	token, err := user.IDToken(ctx, true)
	if err != nil {
		return "", nil, err
	}
	u, err := c.backend.Establish(ctx, token)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

func (c *Controller) established(epoch uint64, hadToken bool, token string, u *User) Result {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Info("discarding refresh result for a cleared session")
		return Result{Outcome: Failed, Message: "session was reset during refresh"}
	}
	c.token = token
	c.user = u
	c.lastCheck = c.clock.Now()
	c.retryAttempts = 0
	c.touchLocked()
	c.armHeartbeatLocked()
	msg, level := "", LevelInfo
	if !hadToken {
		msg, level = "Successfully logged in!", LevelSuccess
	}
	ev := c.setStateLocked(Valid, level, msg)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.save(snap)
	c.logger.Info("session established")
	c.publish(ev)
	return Result{Outcome: Authenticated, Message: "session established"}
}

func (c *Controller) deferRefresh(epoch uint64, uid string, force bool, cause error) (Result, bool) {
	const msg = "You are offline. Sign-in will complete when the connection returns."
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return Result{Outcome: Failed, Message: "session was reset during refresh"}, true
	}
	// Checked again under the lock: an online event that landed after the
	// caller's check found nothing to run, so queuing now would strand the op.
	if c.conn.Online() {
		c.mu.Unlock()
		return Result{}, false
	}
	c.offline = true
	c.pending = &PendingOp{Kind: PendingRefresh, UID: uid, Force: force, QueuedAt: c.clock.Now()}
	ev := c.setStateLocked(OfflinePending, LevelInfo, msg)
	c.mu.Unlock()

	c.logger.Info("offline, refresh queued", "uid", uid, "error", cause)
	c.publish(ev)
	return Result{Outcome: Pending, Message: msg}, true
}

// abandon restores a resting state after a refresh stopped without an
// outcome.
func (c *Controller) abandon(epoch uint64, msg string) Result {
	c.mu.Lock()
	var ev Event
	if c.epoch == epoch {
		next := Unauthenticated
		if c.token != "" {
			next = Valid
		}
		ev = c.setStateLocked(next, LevelInfo, "")
	}
	c.mu.Unlock()
	c.publish(ev)
	return Result{Outcome: Failed, Message: msg}
}

// ValidateSession asks the backend whether the held token is still good.
// A 401 clears the session. Other rejections report false without clearing.
// A transport failure reports true while offline and false otherwise.
func (c *Controller) ValidateSession(ctx context.Context) bool {
	c.mu.Lock()
	token := c.token
	epoch := c.epoch
	c.mu.Unlock()
	if token == "" {
		return false
	}

	valid, message, err := c.backend.Validate(ctx, token)
	if err != nil {
		switch code := statusCode(err); {
		case code == http.StatusUnauthorized:
			c.logger.Info("session rejected by backend", "error", err)
			if c.currentEpoch() == epoch {
				c.clear(ctx, Unauthenticated, LevelError, "Your session is no longer valid. Please sign in again.", false)
			}
			return false
		case code != 0:
			c.logger.Warn("validation failed", "status", code, "error", err)
			return false
		case !c.online():
			c.logger.Info("validation unreachable while offline, assuming valid", "error", err)
			return true
		default:
			c.logger.Warn("validation request failed", "error", err)
			return false
		}
	}
	if !valid {
		c.logger.Info("backend reports session invalid", "message", message)
		return false
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.lastCheck = c.clock.Now()
	c.touchLocked()
	ev := c.setStateLocked(Valid, LevelInfo, "")
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.save(snap)
	c.publish(ev)
	return true
}

func (c *Controller) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// touchLocked marks the user active now and restarts the inactivity
// countdown.
func (c *Controller) touchLocked() {
	c.lastActivity = c.clock.Now()
	c.armInactivityLocked()
}

// adoptLocked takes over a session written by another tab.
func (c *Controller) adoptLocked(snap record.Snapshot) Event {
	c.token = snap.Token
	c.lastCheck = snap.LastCheck
	c.lastActivity = snap.LastActivity
	c.armInactivityLocked()
	c.armHeartbeatLocked()
	return c.setStateLocked(Valid, LevelInfo, "")
}
