package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Timer is a pending run.
type Timer interface {
	Stop() bool
}

type Options struct {
	// Frame is the coalescing window: requests made while a run is pending
	// are folded into it.
	Frame time.Duration
	// Throttle is the minimum spacing between two runs. Zero disables it.
	Throttle time.Duration
	Run      func()

	AfterFunc func(d time.Duration, f func()) Timer
	Now       func() time.Time
}

// Scheduler coalesces rebuild requests into at most one pending run and
// keeps runs at least Throttle apart.
type Scheduler struct {
	opts    Options
	limiter *rate.Limiter

	mu      sync.Mutex
	pending bool
	stopped bool
	timer   Timer

	runMu sync.Mutex
}

func New(opts Options) *Scheduler {
	if opts.Frame < 0 {
		opts.Frame = 0
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{opts: opts}
	if opts.Throttle > 0 {
		s.limiter = rate.NewLimiter(rate.Every(opts.Throttle), 1)
	}
	return s
}

// Schedule requests a run. It is a no-op while a run is pending or after Stop.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.pending {
		return
	}
	s.pending = true
	s.timer = s.opts.AfterFunc(s.delay(), s.fire)
}

// Pending reports whether a run is waiting to fire.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// delay is the frame window, stretched when the throttle needs more time.
func (s *Scheduler) delay() time.Duration {
	if s.limiter == nil {
		return s.opts.Frame
	}
	at := s.opts.Now().Add(s.opts.Frame)
	r := s.limiter.ReserveN(at, 1)
	return s.opts.Frame + r.DelayFrom(at)
}

func (s *Scheduler) fire() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.timer = nil
	s.mu.Unlock()

	s.opts.Run()
}

// Stop cancels any pending run and waits for a run in progress. No run
// starts after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.runMu.Lock()
	s.runMu.Unlock()
}
