package session

import "github.com/jmcleod/sessionkeeper/record"

// onRecordChange reconciles with a record written by another tab. A fresh
// session is adopted as is; an absent, malformed, tokenless or idle one
// clears this tab too.
func (c *Controller) onRecordChange(_, next *record.Snapshot) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fresh := next != nil && next.Token != "" &&
		c.clock.Now().Sub(next.LastActivity) < c.cfg.SessionTimeout
	if !fresh {
		held := c.token != ""
		c.mu.Unlock()
		msg := ""
		if held {
			msg = "Signed out in another tab."
		}
		c.logger.Info("session record cleared or stale in another tab")
		c.clear(c.ctx, Unauthenticated, LevelInfo, msg, false)
		return
	}

	if next.Token != c.token {
		c.user = nil
	}
	ev := c.adoptLocked(*next)
	c.mu.Unlock()
	c.logger.Debug("adopted session record from another tab")
	c.publish(ev)
}
