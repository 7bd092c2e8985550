package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Controllers send one heartbeat a minute per tab; a few open tabs fit
	// in the burst.
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatBurst    = 6
	heartbeatLimiterIdle     = 30 * time.Minute
)

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// heartbeatLimiter throttles heartbeats per uid.
type heartbeatLimiter struct {
	mu     sync.Mutex
	every  rate.Limit
	burst  int
	byUser map[string]*userLimiter
}

func newHeartbeatLimiter(interval time.Duration, burst int) *heartbeatLimiter {
	return &heartbeatLimiter{
		every:  rate.Every(interval),
		burst:  burst,
		byUser: make(map[string]*userLimiter),
	}
}

// allow reports whether uid may send a heartbeat now, and otherwise how
// long until it may.
func (hl *heartbeatLimiter) allow(uid string) (bool, time.Duration) {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	now := time.Now()
	ul, ok := hl.byUser[uid]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(hl.every, hl.burst)}
		hl.byUser[uid] = ul
	}
	ul.lastSeen = now

	r := ul.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// sweep forgets users with no recent heartbeats.
func (hl *heartbeatLimiter) sweep() {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	cutoff := time.Now().Add(-heartbeatLimiterIdle)
	for uid, ul := range hl.byUser {
		if ul.lastSeen.Before(cutoff) {
			delete(hl.byUser, uid)
		}
	}
}
