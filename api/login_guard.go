package api

import (
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// strikeMemory is how long a client's failures are remembered after the
	// most recent one.
	strikeMemory = time.Hour

	clientStrikeLimit = 20
	clientPenaltyBase = time.Minute
	clientPenaltyCap  = 30 * time.Minute

	globalWindow      = time.Minute
	globalStrikeLimit = 100
	globalPenalty     = 5 * time.Minute
)

// clientStrikes is one client's run of failed establish attempts.
type clientStrikes struct {
	count int
	last  time.Time
	until time.Time
}

// loginGuard throttles session establishment after repeated failures, per
// client address and across all clients. A credential that fails
// verification names no trustworthy uid, so nothing is keyed by account.
type loginGuard struct {
	now func() time.Time

	mu          sync.Mutex
	clients     map[string]*clientStrikes
	recent      []time.Time
	closedUntil time.Time
}

func newLoginGuard(now func() time.Time) *loginGuard {
	if now == nil {
		now = time.Now
	}
	return &loginGuard{now: now, clients: make(map[string]*clientStrikes)}
}

// penalty is the lockout earned by a client's strikes: nothing below the
// limit, then clientPenaltyBase doubled per strike over it, up to the cap.
func penalty(strikes int) time.Duration {
	over := strikes - clientStrikeLimit
	switch {
	case over < 0:
		return 0
	case over >= 5:
		return clientPenaltyCap
	}
	return min(clientPenaltyBase<<over, clientPenaltyCap)
}

// wait reports how long client must hold off, and whether the whole
// endpoint or just this client is closed. Zero means go ahead.
func (g *loginGuard) wait(client string) (time.Duration, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Before(g.closedUntil) {
		return g.closedUntil.Sub(now), "global"
	}
	s, ok := g.clients[client]
	if !ok {
		return 0, ""
	}
	if now.Sub(s.last) > strikeMemory {
		delete(g.clients, client)
		return 0, ""
	}
	if now.Before(s.until) {
		return s.until.Sub(now), "client"
	}
	return 0, ""
}

// fail charges a failed attempt to client and to the global window.
func (g *loginGuard) fail(client string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	s, ok := g.clients[client]
	if !ok {
		s = &clientStrikes{}
		g.clients[client] = s
	}
	s.count++
	s.last = now
	if d := penalty(s.count); d > 0 {
		s.until = now.Add(d)
	}

	g.recent = trimWindow(append(g.recent, now), now, globalWindow)
	if len(g.recent) >= globalStrikeLimit {
		g.closedUntil = now.Add(globalPenalty)
	}
}

// forgive clears client's strikes after an established session.
func (g *loginGuard) forgive(client string) {
	g.mu.Lock()
	delete(g.clients, client)
	g.mu.Unlock()
}

// prune drops clients whose last failure is older than strikeMemory.
func (g *loginGuard) prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for client, s := range g.clients {
		if now.Sub(s.last) > strikeMemory {
			delete(g.clients, client)
		}
	}
	g.recent = trimWindow(g.recent, now, globalWindow)
}

// setRetryAfter sets Retry-After to wait rounded up to whole seconds.
func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	w.Header().Set("Retry-After", retryAfterSeconds(wait))
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	return strconv.Itoa(max(secs, 1))
}

// clientAddr returns the address failures are charged to. Forwarding
// headers count only when the peer is a configured proxy. X-Forwarded-For
// is read from the right, skipping further trusted hops, so a client cannot
// pick its own address by prepending entries.
func (a *API) clientAddr(r *http.Request) string {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !a.trustedProxy(peer) {
		return peer.String()
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, ok := parseAddr(hops[i])
			if !ok {
				break
			}
			peer = hop
			if !a.trustedProxy(hop) {
				break
			}
		}
		return peer.String()
	}
	if xrip, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return xrip.String()
	}
	return peer.String()
}

func (a *API) trustedProxy(addr netip.Addr) bool {
	for _, p := range a.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseAddr accepts a bare address or host:port, bracketed or not, and
// normalises IPv4-mapped IPv6 to IPv4.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().WithZone("").Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}
