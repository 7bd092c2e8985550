package file

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessionkeeper/record"
)

func openDir(t *testing.T, dir string) *Dir {
	t.Helper()
	d, err := Open(dir, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

type changeLog struct {
	mu      sync.Mutex
	changes []record.Change
}

func (l *changeLog) add(c record.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) snapshot() []record.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]record.Change(nil), l.changes...)
}

func TestSetGetRemove(t *testing.T) {
	d := openDir(t, t.TempDir())

	_, err := d.Get("sessionState")
	assert.ErrorIs(t, err, record.ErrNotFound)

	require.NoError(t, d.Set("sessionState", []byte(`{"a":1}`)))
	got, err := d.Get("sessionState")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	require.NoError(t, d.Remove("sessionState"))
	require.NoError(t, d.Remove("sessionState"))
	_, err = d.Get("sessionState")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestInvalidKey(t *testing.T) {
	d := openDir(t, t.TempDir())
	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		assert.ErrorIs(t, d.Set(key, []byte("x")), ErrInvalidKey, key)
	}
}

func TestOtherHandleIsNotified(t *testing.T) {
	dir := t.TempDir()
	writer := openDir(t, dir)
	reader := openDir(t, dir)

	var log changeLog
	stop := reader.Watch(log.add)
	defer stop()

	require.NoError(t, writer.Set("sessionState", []byte("v1")))
	require.Eventually(t, func() bool {
		for _, c := range log.snapshot() {
			if string(c.New) == "v1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, writer.Remove("sessionState"))
	require.Eventually(t, func() bool {
		changes := log.snapshot()
		if len(changes) == 0 {
			return false
		}
		last := changes[len(changes)-1]
		return last.New == nil && string(last.Old) == "v1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOwnWritesDoNotEcho(t *testing.T) {
	d := openDir(t, t.TempDir())

	var log changeLog
	stop := d.Watch(log.add)
	defer stop()

	require.NoError(t, d.Set("sessionState", []byte("mine")))
	require.NoError(t, d.Remove("sessionState"))

	assert.Never(t, func() bool { return len(log.snapshot()) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestPrimeReportsOldValue(t *testing.T) {
	dir := t.TempDir()
	first := openDir(t, dir)
	require.NoError(t, first.Set("sessionState", []byte("before")))

	second := openDir(t, dir)
	var log changeLog
	stop := second.Watch(log.add)
	defer stop()

	require.NoError(t, first.Set("sessionState", []byte("after")))
	require.Eventually(t, func() bool {
		for _, c := range log.snapshot() {
			if string(c.New) == "after" {
				return string(c.Old) == "before"
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFailedSetLeavesSeenUntouched(t *testing.T) {
	dir := t.TempDir()
	writer := openDir(t, dir)
	failing := openDir(t, dir)

	var log changeLog
	stop := failing.Watch(log.add)
	defer stop()

	// A non-empty directory in the way makes the rename fail.
	blocker := filepath.Join(dir, "sessionState")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "child"), 0o700))
	require.Error(t, failing.Set("sessionState", []byte("never-written")))
	require.NoError(t, os.RemoveAll(blocker))

	require.NoError(t, writer.Set("sessionState", []byte("theirs")))
	require.Eventually(t, func() bool {
		for _, c := range log.snapshot() {
			if string(c.New) == "theirs" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	for _, c := range log.snapshot() {
		assert.NotEqual(t, "never-written", string(c.Old), "a failed write must not become the old value")
	}
}

func TestRewriteOfOwnValueByOtherHandleIsReported(t *testing.T) {
	dir := t.TempDir()
	mine := openDir(t, dir)
	other := openDir(t, dir)

	var log changeLog
	stop := mine.Watch(log.add)
	defer stop()

	require.NoError(t, mine.Set("sessionState", []byte("x")))
	require.NoError(t, other.Set("sessionState", []byte("y")))
	require.Eventually(t, func() bool {
		changes := log.snapshot()
		return len(changes) > 0 && string(changes[len(changes)-1].New) == "y"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, other.Set("sessionState", []byte("x")))
	require.Eventually(t, func() bool {
		changes := log.snapshot()
		last := changes[len(changes)-1]
		return string(last.Old) == "y" && string(last.New) == "x"
	}, 5*time.Second, 10*time.Millisecond)

	for _, c := range log.snapshot() {
		assert.NotNil(t, c.Old, "this handle's own first write must not echo")
	}
}
