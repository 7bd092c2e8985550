// Package activity turns raw user-interaction signals into debounced
// "activity observed" notifications.
package activity

import (
	"sync"
	"time"

	"github.com/jmcleod/sessionkeeper/clock"
)

// Signal is a kind of user interaction.
type Signal string

const (
	PointerDown Signal = "pointerdown"
	KeyDown     Signal = "keydown"
	TouchStart  Signal = "touchstart"
	Scroll      Signal = "scroll"
)

// DefaultDebounce is the quiet period after the last signal before the
// handler runs.
const DefaultDebounce = time.Second

var tracked = map[Signal]bool{
	PointerDown: true,
	KeyDown:     true,
	TouchStart:  true,
	Scroll:      true,
}

// ParseSignal maps an event name to a tracked Signal.
func ParseSignal(name string) (Signal, bool) {
	s := Signal(name)
	return s, tracked[s]
}

// Tracker debounces signals and calls its handler once per burst.
type Tracker struct {
	clock    clock.Clock
	debounce time.Duration
	handler  func()

	mu      sync.Mutex
	timer   clock.Timer
	last    time.Time
	stopped bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the tracker's clock.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) {
		t.debounce = d
	}
}

// NewTracker returns a Tracker that calls handler after each debounced
// burst of signals.
func NewTracker(handler func(), opts ...Option) *Tracker {
	t := &Tracker{
		clock:    clock.Real(),
		debounce: DefaultDebounce,
		handler:  handler,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records a signal. Untracked signals are ignored and reported as
// false.
func (t *Tracker) Observe(s Signal) bool {
	if !tracked[s] {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.last = t.clock.Now()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(t.debounce, t.fire)
	return true
}

// Last returns when the most recent tracked signal arrived.
func (t *Tracker) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Stop cancels any pending notification and ignores later signals.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.handler()
}
