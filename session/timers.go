package session

import "github.com/jmcleod/sessionkeeper/clock"

// Each callback captures the epoch it was armed in and does nothing if a
// clear happened since.

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// stopTimersLocked cancels everything tied to the current session. The
// reconciliation timer is not session-scoped and is left alone.
func (c *Controller) stopTimersLocked() {
	stopTimer(&c.heartbeat)
	stopTimer(&c.inactivity)
	stopTimer(&c.visibility)
}

func (c *Controller) armHeartbeatLocked() {
	if c.heartbeat != nil || c.closed {
		return
	}
	epoch := c.epoch
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.onHeartbeat(epoch) })
}

func (c *Controller) onHeartbeat(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.heartbeat = nil
	c.armHeartbeatLocked()
	token, offline := c.token, c.offline
	c.mu.Unlock()

	if token == "" || offline {
		return
	}
	if err := c.backend.Heartbeat(c.ctx, token); err != nil {
		c.logger.Warn("heartbeat failed", "error", err)
	}
}

// armInactivityLocked schedules the expiry check for when the current
// lastActivity would reach the session timeout.
func (c *Controller) armInactivityLocked() {
	stopTimer(&c.inactivity)
	if c.closed {
		return
	}
	wait := c.cfg.SessionTimeout - c.clock.Now().Sub(c.lastActivity)
	if wait < 0 {
		wait = 0
	}
	epoch := c.epoch
	c.inactivity = c.clock.AfterFunc(wait, func() { c.onInactivity(epoch) })
}

func (c *Controller) onInactivity(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.token == "" {
		c.mu.Unlock()
		return
	}
	c.inactivity = nil
	if c.clock.Now().Sub(c.lastActivity) < c.cfg.SessionTimeout {
		// Another tab reported activity since this was armed.
		c.armInactivityLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Info("session expired through inactivity")
	c.clear(c.ctx, Expired, LevelError, "Your session expired due to inactivity.", true)
}

func (c *Controller) armReconcileLocked() {
	stopTimer(&c.reconcile)
	epoch := c.epoch
	c.reconcile = c.clock.AfterFunc(c.cfg.CheckInterval, func() { c.onReconcile(epoch) })
}

// onReconcile revalidates a signed-in user's session and forces a refresh
// when validation fails.
func (c *Controller) onReconcile(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.armReconcileLocked()
	offline := c.offline
	c.mu.Unlock()

	if offline {
		return
	}
	user := c.idp.CurrentUser()
	if user == nil {
		return
	}
	if !c.ValidateSession(c.ctx) {
		c.logger.Info("reconciliation failed validation, forcing refresh")
		c.RefreshSession(c.ctx, user, true)
	}
}
