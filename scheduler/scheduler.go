// Package scheduler drives the periodic simulation and fan-out pass.
package scheduler

import (
	"context"
	"sync"
	"time"

	"emberlink/logging"
)

// Scheduler runs one function on a fixed interval from a single
// goroutine, so ticks never overlap. If a pass runs longer than the
// interval, the overdue tick is skipped with a warning rather than
// queued up behind it.
type Scheduler struct {
	interval time.Duration
	run      func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	skipped uint64 // Ticks dropped because the previous pass overran
}

// New creates a scheduler. The run function is invoked once per interval.
func New(interval time.Duration, run func()) *Scheduler {
	return &Scheduler{
		interval: interval,
		run:      run,
	}
}

// Start launches the tick loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.run()

			if elapsed := time.Since(start); elapsed > s.interval {
				// Drop the tick that queued up while we were busy
				select {
				case <-ticker.C:
					s.mu.Lock()
					s.skipped++
					s.mu.Unlock()
					logging.DebugLog("scheduler",
						"tick overran interval (%v > %v), skipping one tick", elapsed, s.interval)
				default:
				}
			}
		}
	}
}

// Stop cancels future ticks and waits up to grace for the in-flight pass
// to finish. Returns false if the pass didn't finish in time.
func (s *Scheduler) Stop(grace time.Duration) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return true
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		logging.DebugLog("scheduler", "timeout waiting for in-flight tick to finish")
		return false
	}
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Skipped returns how many overdue ticks have been dropped.
func (s *Scheduler) Skipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}
