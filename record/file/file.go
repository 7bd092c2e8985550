// Package file provides a record.Backend stored as one file per key in a
// directory. Separate processes that open the same directory behave like
// tabs of one origin: each is told about the others' writes through
// fsnotify.
package file

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jmcleod/sessionkeeper/record"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9_.-]*$`)

// ErrInvalidKey is returned for keys that cannot be used as file names.
var ErrInvalidKey = errors.New("invalid record key")

// Dir is one process's handle on a shared record directory.
type Dir struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	// writeMu orders this handle's renames against event handling, so an
	// event never reads a file this handle replaced before seen catches up.
	writeMu sync.Mutex

	mu       sync.Mutex
	seen     map[string][]byte
	own      map[string][]byte
	nextID   int
	handlers map[int]func(record.Change)

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ record.Backend = (*Dir)(nil)

// Option configures a Dir.
type Option func(*Dir)

// WithLogger sets the logger for watch errors.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dir) {
		d.logger = logger
	}
}

// Open creates dir if needed and starts watching it.
func Open(dir string, opts ...Option) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating record directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	d := &Dir{
		dir:      dir,
		watcher:  w,
		seen:     make(map[string][]byte),
		own:      make(map[string][]byte),
		handlers: make(map[int]func(record.Change)),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	d.logger = d.logger.With("component", "record_file", "dir", dir)

	if err := d.prime(); err != nil {
		w.Close()
		return nil, err
	}

	d.wg.Add(1)
	go d.loop()
	return d, nil
}

// Close stops the watcher.
func (d *Dir) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.watcher.Close()
		d.wg.Wait()
	})
	return err
}

func (d *Dir) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(d.dir, key), nil
}

func (d *Dir) Get(key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

func (d *Dir) Set(key string, value []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tmp, err := os.CreateTemp(d.dir, "."+key+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("replacing %s: %w", key, err)
	}

	v := append([]byte(nil), value...)
	d.mu.Lock()
	d.seen[key] = v
	d.own[key] = v
	d.mu.Unlock()
	return nil
}

func (d *Dir) Remove(key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	d.mu.Lock()
	delete(d.seen, key)
	delete(d.own, key)
	d.mu.Unlock()
	return nil
}

func (d *Dir) Watch(fn func(record.Change)) (stop func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

// prime records the directory's current contents so the first event for
// an existing key reports the right old value.
func (d *Dir) prime() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("listing record directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !validKey.MatchString(e.Name()) {
			continue
		}
		data, err := d.Get(e.Name())
		if err != nil {
			continue
		}
		d.seen[e.Name()] = data
	}
	return nil
}

func (d *Dir) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(event)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("record watch error", "error", err)
		}
	}
}

func (d *Dir) handleEvent(event fsnotify.Event) {
	key := filepath.Base(event.Name)
	if strings.HasPrefix(key, ".") || !validKey.MatchString(key) {
		return
	}

	d.writeMu.Lock()
	current, err := d.Get(key)
	present := err == nil
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		d.writeMu.Unlock()
		d.logger.Warn("reading changed record", "key", key, "error", err)
		return
	}

	d.mu.Lock()
	d.writeMu.Unlock()
	prev, had := d.seen[key]
	if had == present && bytes.Equal(prev, current) {
		d.mu.Unlock()
		return
	}
	// A late event for a value this handle wrote is not news to it.
	if mine, ok := d.own[key]; ok && present && bytes.Equal(mine, current) {
		d.seen[key] = current
		d.mu.Unlock()
		return
	}
	delete(d.own, key)
	if present {
		d.seen[key] = current
	} else {
		delete(d.seen, key)
	}
	fns := make([]func(record.Change), 0, len(d.handlers))
	for _, fn := range d.handlers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	change := record.Change{Key: key}
	if had {
		change.Old = prev
	}
	if present {
		change.New = current
	}
	for _, fn := range fns {
		fn(change)
	}
}
