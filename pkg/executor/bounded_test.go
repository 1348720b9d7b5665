package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestNewBoundedExecutor_Validation(t *testing.T) {
	tests := []struct {
		name           string
		maxConcurrency int
		expectError    bool
	}{
		{name: "valid", maxConcurrency: 1, expectError: false},
		{name: "zero", maxConcurrency: 0, expectError: true},
		{name: "negative", maxConcurrency: -5, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewBoundedExecutor(tt.maxConcurrency)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if e != nil {
				e.Stop()
			}
		})
	}
}

func TestBoundedExecutor_RunsAllTasks(t *testing.T) {
	e, err := NewBoundedExecutor(4)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer e.Stop()

	var counter int64
	for i := 0; i < 50; i++ {
		e.Execute(func() { atomic.AddInt64(&counter, 1) })
	}

	if !waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&counter) == 50 }) {
		t.Fatalf("Ran %d tasks, want 50", atomic.LoadInt64(&counter))
	}

	if stats := e.Stats(); stats.CompletedCount != 50 {
		t.Errorf("CompletedCount = %d, want 50", stats.CompletedCount)
	}
}

func TestBoundedExecutor_BoundsConcurrency(t *testing.T) {
	const bound = 3

	e, err := NewBoundedExecutor(bound)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer e.Stop()

	var mu sync.Mutex
	active, maxActive := 0, 0
	var done int64

	for i := 0; i < 30; i++ {
		e.Execute(func() {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			atomic.AddInt64(&done, 1)
		})
	}

	if !waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&done) == 30 }) {
		t.Fatalf("Ran %d tasks, want 30", atomic.LoadInt64(&done))
	}

	mu.Lock()
	defer mu.Unlock()
	if maxActive > bound {
		t.Errorf("Observed %d concurrent tasks, want at most %d", maxActive, bound)
	}
}

func TestBoundedExecutor_PreservesSubmissionOrder(t *testing.T) {
	e, err := NewBoundedExecutor(1)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer e.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		e.Execute(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	if !waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 10
	}) {
		t.Fatal("Not all tasks ran")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("Task order %v, want ascending", order)
		}
	}
}

func TestBoundedExecutor_StopDropsQueuedTasks(t *testing.T) {
	e, err := NewBoundedExecutor(1)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	e.Execute(func() {
		close(started)
		<-release
	})
	<-started

	var ran int64
	for i := 0; i < 10; i++ {
		e.Execute(func() { atomic.AddInt64(&ran, 1) })
	}

	e.Stop()
	close(release)

	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt64(&ran); got != 0 {
		t.Errorf("Queued tasks ran after Stop: %d, want 0", got)
	}

	// Submissions after Stop are dropped too.
	e.Execute(func() { atomic.AddInt64(&ran, 1) })
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&ran); got != 0 {
		t.Errorf("Task submitted after Stop ran: %d, want 0", got)
	}

	stats := e.Stats()
	if !stats.Stopped {
		t.Error("Stats should report the executor as stopped")
	}
	if stats.QueuedCount != 0 {
		t.Errorf("QueuedCount after Stop = %d, want 0", stats.QueuedCount)
	}
}

func TestBoundedExecutor_ContainsPanics(t *testing.T) {
	e, err := NewBoundedExecutor(1)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer e.Stop()

	var ran int64
	e.Execute(func() { panic("buggy callback") })
	e.Execute(func() { atomic.AddInt64(&ran, 1) })

	if !waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&ran) == 1 }) {
		t.Error("Task after a panicking task should still run")
	}
}

func TestBoundedExecutor_Stats(t *testing.T) {
	e, err := NewBoundedExecutor(2)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer e.Stop()

	stats := e.Stats()
	if stats.QueuedCount != 0 || stats.ActiveCount != 0 || stats.CompletedCount != 0 {
		t.Errorf("Fresh executor stats = %+v, want zeros", stats)
	}

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		e.Execute(func() {
			started <- struct{}{}
			<-release
		})
	}
	<-started
	<-started

	// Both workers busy; these queue up.
	e.Execute(func() {})
	e.Execute(func() {})

	stats = e.Stats()
	if stats.ActiveCount != 2 {
		t.Errorf("ActiveCount = %d, want 2", stats.ActiveCount)
	}
	if stats.QueuedCount != 2 {
		t.Errorf("QueuedCount = %d, want 2", stats.QueuedCount)
	}

	close(release)
	if !waitFor(t, 2*time.Second, func() bool { return e.Stats().CompletedCount == 4 }) {
		t.Errorf("CompletedCount = %d, want 4", e.Stats().CompletedCount)
	}
}
