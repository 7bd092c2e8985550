// Package memory provides an in-process record.Backend. All tabs created
// from one Origin share its storage, and each tab is notified of writes
// made by the others.
package memory

import (
	"sync"

	"github.com/jmcleod/sessionkeeper/record"
)

// Origin is the storage shared by every tab of one origin.
type Origin struct {
	mu       sync.Mutex
	data     map[string][]byte
	nextID   int
	watchers map[int]watcher
}

type watcher struct {
	tab *Tab
	fn  func(record.Change)
}

// NewOrigin creates empty origin storage.
func NewOrigin() *Origin {
	return &Origin{
		data:     make(map[string][]byte),
		watchers: make(map[int]watcher),
	}
}

// Tab returns a new handle on the origin.
func (o *Origin) Tab() *Tab {
	return &Tab{origin: o}
}

// Tab is one tab's handle on an Origin.
type Tab struct {
	origin *Origin
}

var _ record.Backend = (*Tab)(nil)

func (t *Tab) Get(key string) ([]byte, error) {
	o := t.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.data[key]
	if !ok {
		return nil, record.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *Tab) Set(key string, value []byte) error {
	o := t.origin
	o.mu.Lock()
	old, had := o.data[key]
	o.data[key] = append([]byte(nil), value...)
	change := record.Change{Key: key, New: append([]byte(nil), value...)}
	if had {
		change.Old = old
	}
	targets := o.targetsLocked(t)
	o.mu.Unlock()

	notify(targets, change)
	return nil
}

func (t *Tab) Remove(key string) error {
	o := t.origin
	o.mu.Lock()
	old, had := o.data[key]
	if !had {
		o.mu.Unlock()
		return nil
	}
	delete(o.data, key)
	targets := o.targetsLocked(t)
	o.mu.Unlock()

	notify(targets, record.Change{Key: key, Old: old})
	return nil
}

func (t *Tab) Watch(fn func(record.Change)) (stop func()) {
	o := t.origin
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = watcher{tab: t, fn: fn}
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.watchers, id)
			o.mu.Unlock()
		})
	}
}

// targetsLocked collects the callbacks of every tab except the writer.
func (o *Origin) targetsLocked(writer *Tab) []func(record.Change) {
	var fns []func(record.Change)
	for _, w := range o.watchers {
		if w.tab != writer {
			fns = append(fns, w.fn)
		}
	}
	return fns
}

func notify(fns []func(record.Change), c record.Change) {
	for _, fn := range fns {
		fn(c)
	}
}
