// Package connectivity tracks whether the host can currently reach the
// network and forwards online/offline transitions to subscribers.
package connectivity

import "sync"

// Checker reports the last known reachability.
type Checker interface {
	Online() bool
}

// Monitor holds the host's most recent online/offline signal. It keeps no
// state of its own beyond that flag.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

var _ Checker = (*Monitor)(nil)

// NewMonitor returns a Monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]func(bool))}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a reachability signal. Subscribers are called only
// when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers fn for future transitions.
func (m *Monitor) Subscribe(fn func(online bool)) (stop func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Source is a Checker that also announces transitions.
type Source interface {
	Checker
	Subscribe(fn func(online bool)) (stop func())
}

var _ Source = (*Monitor)(nil)
