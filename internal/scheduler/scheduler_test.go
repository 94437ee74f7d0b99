package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock drives AfterFunc timers from a manually advanced time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires every due timer in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(c.now) {
			due = append(due, t)
			continue
		}
		if !t.stopped {
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func newTestScheduler(clock *fakeClock, frame, throttle time.Duration, runs *int32) *Scheduler {
	return New(Options{
		Frame:     frame,
		Throttle:  throttle,
		Run:       func() { atomic.AddInt32(runs, 1) },
		AfterFunc: clock.AfterFunc,
		Now:       clock.Now,
	})
}

func TestScheduleCoalescesWithinFrame(t *testing.T) {
	clock := newFakeClock()
	var runs int32
	s := newTestScheduler(clock, 16*time.Millisecond, 0, &runs)

	for i := 0; i < 10; i++ {
		s.Schedule()
	}
	assert.True(t, s.Pending())
	assert.Len(t, clock.timers, 1)

	clock.Advance(15 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	clock.Advance(time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.False(t, s.Pending())

	s.Schedule()
	clock.Advance(16 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestThrottleSpacesRuns(t *testing.T) {
	clock := newFakeClock()
	var runs int32
	s := newTestScheduler(clock, 16*time.Millisecond, 250*time.Millisecond, &runs)

	s.Schedule()
	clock.Advance(16 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&runs))

	// requested right after a run: must wait for the throttle, not just the frame
	s.Schedule()
	clock.Advance(16 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	clock.Advance(233 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	clock.Advance(time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))

	// after a quiet period only the frame delay applies
	clock.Advance(time.Second)
	s.Schedule()
	clock.Advance(16 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))
}

func TestStopCancelsPendingRun(t *testing.T) {
	clock := newFakeClock()
	var runs int32
	s := newTestScheduler(clock, 16*time.Millisecond, 0, &runs)

	s.Schedule()
	s.Stop()
	clock.Advance(time.Second)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	s.Schedule()
	assert.False(t, s.Pending())
	assert.Empty(t, clock.timers)
}

func TestStopIgnoresAlreadyFiredTimer(t *testing.T) {
	clock := newFakeClock()
	var runs int32
	s := newTestScheduler(clock, 16*time.Millisecond, 0, &runs)

	s.Schedule()
	fired := clock.timers[0]
	s.Stop()

	// a timer callback racing with Stop must not run
	fired.f()
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestStopWaitsForRunInProgress(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	s := New(Options{
		Frame: 0,
		Run: func() {
			close(started)
			<-release
			finished.Store(true)
		},
	})
	s.Schedule()
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in progress")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
		assert.True(t, finished.Load())
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
