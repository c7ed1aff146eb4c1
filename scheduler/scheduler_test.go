package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTicksFire(t *testing.T) {
	var count int64
	s := New(10*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
	})

	s.Start()
	time.Sleep(105 * time.Millisecond)
	s.Stop(time.Second)

	got := atomic.LoadInt64(&count)
	if got < 5 || got > 12 {
		t.Errorf("expected roughly 10 ticks, got %d", got)
	}
}

func TestTicksNeverOverlap(t *testing.T) {
	var active int32
	var overlapped int32
	s := New(5*time.Millisecond, func() {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(12 * time.Millisecond) // Overrun the interval every pass
		atomic.AddInt32(&active, -1)
	})

	s.Start()
	time.Sleep(80 * time.Millisecond)
	s.Stop(time.Second)

	if atomic.LoadInt32(&overlapped) == 1 {
		t.Error("two ticks ran concurrently")
	}
	if s.Skipped() == 0 {
		t.Error("expected overdue ticks to be recorded as skipped")
	}
}

func TestStopWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	var finished int32
	s := New(5*time.Millisecond, func() {
		<-release
		atomic.StoreInt32(&finished, 1)
	})

	s.Start()
	time.Sleep(15 * time.Millisecond) // Ensure a tick is in flight

	var mu sync.Mutex
	var clean bool
	done := make(chan struct{})
	go func() {
		c := s.Stop(2 * time.Second)
		mu.Lock()
		clean = c
		mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while a tick was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if !clean {
		t.Error("expected clean shutdown once the tick finished")
	}
	if atomic.LoadInt32(&finished) != 1 {
		t.Error("in-flight tick did not finish")
	}
}

func TestStopTimesOutOnStuckTick(t *testing.T) {
	block := make(chan struct{})
	s := New(5*time.Millisecond, func() {
		<-block
	})

	s.Start()
	time.Sleep(15 * time.Millisecond)

	if clean := s.Stop(30 * time.Millisecond); clean {
		t.Error("expected unclean shutdown report for a stuck tick")
	}
	close(block) // Let the goroutine exit
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(10*time.Millisecond, func() {})

	s.Start()
	s.Start() // No-op
	if !s.Running() {
		t.Error("expected running after Start")
	}

	s.Stop(time.Second)
	if s.Running() {
		t.Error("expected stopped after Stop")
	}
	if !s.Stop(time.Second) {
		t.Error("second Stop should be a clean no-op")
	}
}

func TestNoTicksAfterStop(t *testing.T) {
	var count int64
	s := New(5*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
	})

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop(time.Second)

	before := atomic.LoadInt64(&count)
	time.Sleep(30 * time.Millisecond)
	if after := atomic.LoadInt64(&count); after != before {
		t.Errorf("ticks fired after Stop: %d -> %d", before, after)
	}
}
