package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	c := NewFake(epoch)
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestFakeStop(t *testing.T) {
	c := NewFake(epoch)
	called := false
	tm := c.AfterFunc(time.Second, func() { called = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(time.Minute)
	assert.False(t, called)
	assert.Zero(t, c.Pending())
}

func TestFakeCallbackSeesDeadline(t *testing.T) {
	c := NewFake(epoch)
	var at time.Time
	c.AfterFunc(10*time.Second, func() { at = c.Now() })
	c.Advance(time.Minute)
	assert.Equal(t, epoch.Add(10*time.Second), at)
	assert.Equal(t, epoch.Add(time.Minute), c.Now())
}

func TestFakeRearmFromCallback(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
}

func TestFakeSleepRecordsAndAdvances(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	c.AfterFunc(3*time.Second, func() { fired = true })

	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))

	assert.True(t, fired)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, c.Sleeps())
	assert.Equal(t, epoch.Add(4*time.Second), c.Now())
}

func TestFakeSleepCancelled(t *testing.T) {
	c := NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
	assert.Empty(t, c.Sleeps())
}

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real().Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
