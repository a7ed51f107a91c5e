package engine

import (
	"sync"
	"time"
)

// SchedulerState tracks the scheduler lifecycle.
type SchedulerState int

const (
	SchedulerStopped SchedulerState = iota
	SchedulerInitializing
	SchedulerRunning
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerInitializing:
		return "initializing"
	case SchedulerRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Scheduler owns the engine's two timers: polling (new-message discovery)
// and cycling (cluster advancement). The callbacks are expected to
// serialize engine-state access themselves; the scheduler only guarantees
// lifecycle discipline: Stop cancels both timers, is idempotent, and
// does not return until no callback can fire again.
type Scheduler struct {
	pollEvery  time.Duration
	cycleEvery time.Duration
	pollFn     func()
	cycleFn    func()

	mu     sync.Mutex
	state  SchedulerState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(pollEvery, cycleEvery time.Duration, pollFn, cycleFn func()) *Scheduler {
	return &Scheduler{
		pollEvery:  pollEvery,
		cycleEvery: cycleEvery,
		pollFn:     pollFn,
		cycleFn:    cycleFn,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches both timers. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SchedulerStopped {
		return
	}
	s.state = SchedulerInitializing
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.loop(s.pollEvery, s.pollFn)
	go s.loop(s.cycleEvery, s.cycleFn)

	s.state = SchedulerRunning
}

func (s *Scheduler) loop(every time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A tick racing the stop signal must not fire the callback.
			select {
			case <-s.stopCh:
				return
			default:
			}
			fn()
		case <-s.stopCh:
			return
		}
	}
}

// Stop cancels both timers and waits for any in-flight callback to
// finish. Safe to call when never started, or twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == SchedulerStopped {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.state = SchedulerStopped
	s.mu.Unlock()

	s.wg.Wait()
}
