// Package executor provides a bounded-concurrency executor for network
// completion callbacks.
package executor

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for the callback executor.
var (
	callbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_callback_queue_depth",
		Help: "Number of callbacks waiting for a free worker",
	})

	callbacksCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_callbacks_completed_total",
		Help: "Total number of callbacks executed to completion",
	})

	callbacksDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_callbacks_dropped_total",
		Help: "Total number of callbacks dropped by Stop or submitted after Stop",
	})
)

// BoundedExecutor runs submitted tasks on at most maxConcurrency goroutines.
// Concurrency is bounded independently of the number of submitters, so slow
// callback logic cannot starve transport I/O or grow the goroutine count
// with every registered source.
type BoundedExecutor struct {
	maxConcurrency int
	logger         zerolog.Logger

	mu        sync.Mutex
	queue     []func()
	active    int
	completed uint64
	stopped   bool
}

// Stats is a point-in-time snapshot of executor activity.
type Stats struct {
	QueuedCount    int
	ActiveCount    int
	CompletedCount uint64
	Stopped        bool
}

// NewBoundedExecutor creates a bounded executor.
func NewBoundedExecutor(maxConcurrency int) (*BoundedExecutor, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1 (got %d)", maxConcurrency)
	}

	return &BoundedExecutor{
		maxConcurrency: maxConcurrency,
		logger:         log.With().Str("component", "callback-executor").Logger(),
	}, nil
}

// Execute queues a task for execution. Tasks run in submission order.
// Submissions after Stop are dropped.
func (e *BoundedExecutor) Execute(task func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		callbacksDroppedTotal.Inc()
		return
	}

	e.queue = append(e.queue, task)
	callbackQueueDepth.Set(float64(len(e.queue)))

	spawn := e.active < e.maxConcurrency
	if spawn {
		e.active++
	}
	e.mu.Unlock()

	if spawn {
		go e.drain()
	}
}

// drain runs queued tasks until the queue is empty or the executor stops.
func (e *BoundedExecutor) drain() {
	for {
		e.mu.Lock()
		if e.stopped || len(e.queue) == 0 {
			e.active--
			e.mu.Unlock()
			return
		}
		task := e.queue[0]
		e.queue = e.queue[1:]
		callbackQueueDepth.Set(float64(len(e.queue)))
		e.mu.Unlock()

		e.run(task)

		e.mu.Lock()
		e.completed++
		e.mu.Unlock()
		callbacksCompletedTotal.Inc()
	}
}

// run executes a single task, containing panics so a buggy callback cannot
// take a worker down with it.
func (e *BoundedExecutor) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic", r).
				Msg("Callback panicked")
		}
	}()
	task()
}

// Stop immediately discards all queued tasks and rejects new submissions.
// Tasks already running are not interrupted, but no further tasks start.
func (e *BoundedExecutor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	dropped := len(e.queue)
	e.queue = nil
	callbackQueueDepth.Set(0)
	e.mu.Unlock()

	if dropped > 0 {
		callbacksDroppedTotal.Add(float64(dropped))
	}

	e.logger.Info().
		Int("dropped", dropped).
		Msg("Callback executor stopped")
}

// Stats returns a snapshot of queue depth and task counts.
func (e *BoundedExecutor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		QueuedCount:    len(e.queue),
		ActiveCount:    e.active,
		CompletedCount: e.completed,
		Stopped:        e.stopped,
	}
}
