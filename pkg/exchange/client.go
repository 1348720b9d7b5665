package exchange

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/exchange-client/pkg/executor"
	"github.com/Sternrassler/exchange-client/pkg/memory"
	"github.com/Sternrassler/exchange-client/pkg/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for exchange client operations.
var (
	bufferedBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_buffered_bytes",
		Help: "Bytes currently buffered across all exchange clients",
	})

	pagesPolledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_pages_polled_total",
		Help: "Total pages handed to consumers",
	})

	clientsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_clients_failed_total",
		Help: "Total exchange clients that transitioned to failed",
	})
)

// Status represents the lifecycle state of an exchange client.
type Status string

const (
	// StatusQueued means no location has been registered yet.
	StatusQueued Status = "queued"

	// StatusRunning means at least one source may still produce pages.
	StatusRunning Status = "running"

	// StatusFinished means all sources finished and the buffer is drained.
	StatusFinished Status = "finished"

	// StatusFailed means a source exhausted its error-duration budget.
	StatusFailed Status = "failed"

	// StatusClosed means the consumer released the client.
	StatusClosed Status = "closed"
)

// Client turns N remote page streams into one locally consumed,
// memory-bounded stream. It owns the page buffer, the per-location pullers,
// and the admission decisions pacing outstanding fetches against free
// buffer space.
//
// All shared state is guarded by one client-wide mutex; fetches and
// acknowledgements happen outside it, on transport goroutines, with their
// completions marshalled through the factory's bounded callback executor.
type Client struct {
	maxBufferedBytes int64
	maxResponseSize  int64
	multiplier       int
	minErrorDuration time.Duration
	maxErrorDuration time.Duration
	httpClient       *http.Client
	executor         *executor.BoundedExecutor
	listener         memory.UsageListener
	ctx              context.Context
	cancel           context.CancelFunc
	callback         *clientCallback
	logger           zerolog.Logger

	mu              sync.Mutex
	status          Status
	failure         error
	locations       []string
	locationSet     map[string]bool
	sources         map[string]*source.Client
	finishedSources map[string]bool
	noMoreLocations bool
	pages           []*source.Page
	bufferedBytes   int64
	outstanding     int
	readyCh         chan struct{}
}

func newClient(f *Factory, listener memory.UsageListener) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		maxBufferedBytes: f.config.MaxBufferedBytes,
		maxResponseSize:  f.maxResponseSize,
		multiplier:       f.config.ConcurrentRequestMultiplier,
		minErrorDuration: f.config.MinErrorDuration,
		maxErrorDuration: f.config.MaxErrorDuration,
		httpClient:       f.httpClient,
		executor:         f.executor,
		listener:         listener,
		ctx:              ctx,
		cancel:           cancel,
		logger:           log.With().Str("component", "exchange-client").Logger(),
		status:           StatusQueued,
		locationSet:      make(map[string]bool),
		sources:          make(map[string]*source.Client),
		finishedSources:  make(map[string]bool),
		readyCh:          make(chan struct{}),
	}
	c.callback = &clientCallback{client: c}
	return c
}

// AddLocation registers a new remote page source. Duplicate locations are a
// no-op. Returns ErrClientClosed, the failure cause, or ErrNoMoreLocations
// when the client no longer accepts locations.
func (c *Client) AddLocation(location string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case StatusClosed:
		return ErrClientClosed
	case StatusFailed:
		return c.failure
	}
	if c.noMoreLocations {
		return ErrNoMoreLocations
	}
	if c.locationSet[location] {
		return nil
	}

	c.locationSet[location] = true
	c.locations = append(c.locations, location)
	if c.status == StatusQueued {
		c.status = StatusRunning
	}

	c.logger.Debug().
		Str("location", location).
		Int("locations", len(c.locations)).
		Msg("Location added")

	c.scheduleRequestsLocked()
	return nil
}

// NoMoreLocations declares the location set final. Once every source has
// finished and the buffer is drained, the client finishes.
func (c *Client) NoMoreLocations() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case StatusClosed, StatusFailed, StatusFinished:
		return
	}

	c.noMoreLocations = true
	if c.status == StatusQueued {
		c.status = StatusRunning
	}
	c.checkFinishedLocked()
}

// Poll returns the next buffered page without blocking. (nil, nil) means no
// page is ready yet; combine with IsFinished or Ready to avoid busy-polling.
// A failed client reports its failure instead of further pages; a closed
// client reports ErrClientClosed.
func (c *Client) Poll() (*source.Page, error) {
	c.mu.Lock()

	switch c.status {
	case StatusFailed:
		err := c.failure
		c.mu.Unlock()
		return nil, err
	case StatusClosed:
		c.mu.Unlock()
		return nil, ErrClientClosed
	}

	if len(c.pages) == 0 {
		c.checkFinishedLocked()
		c.mu.Unlock()
		return nil, nil
	}

	page := c.pages[0]
	c.pages = c.pages[1:]
	c.bufferedBytes -= page.Size()

	// Listener calls stay under the lock so accounting updates arrive in
	// order; listeners are required to return quickly.
	c.listener.UpdateMemoryUsage(-page.Size(), c.bufferedBytes)
	c.checkFinishedLocked()
	c.scheduleRequestsLocked()
	c.mu.Unlock()

	bufferedBytesGauge.Sub(float64(page.Size()))
	pagesPolledTotal.Inc()

	return page, nil
}

// IsFinished reports whether all sources finished and the buffer drained.
func (c *Client) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusFinished
}

// Status returns the current lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// BufferedBytes returns the bytes currently buffered.
func (c *Client) BufferedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferedBytes
}

// SourceStats returns a per-source diagnostics snapshot, in registration
// order. Locations not yet admitted have no entry.
func (c *Client) SourceStats() []source.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make([]source.Stats, 0, len(c.sources))
	for _, location := range c.locations {
		if src, ok := c.sources[location]; ok {
			stats = append(stats, src.Stats())
		}
	}
	return stats
}

// readyNow is handed out by Ready whenever no waiting is needed.
var readyNow = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Ready returns a channel to wait on after Poll returned no page. It is
// level-triggered: while a page is buffered or the client is in a terminal
// state the channel is already closed, so a page enqueued between Poll and
// Ready is never missed. Otherwise the channel closes on the next state
// change; callers re-arm by calling Ready again after each wakeup.
func (c *Client) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pages) > 0 {
		return readyNow
	}
	switch c.status {
	case StatusFinished, StatusFailed, StatusClosed:
		return readyNow
	}
	return c.readyCh
}

// Close releases the client: terminal and idempotent. Buffered pages are
// dropped, accounting returns to zero, in-flight fetches are cancelled and
// their late completions discarded.
func (c *Client) Close() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}

	released := c.bufferedBytes
	dropped := len(c.pages)
	c.pages = nil
	c.bufferedBytes = 0
	c.status = StatusClosed
	c.notifyLocked()
	if released > 0 {
		c.listener.UpdateMemoryUsage(-released, 0)
	}

	sources := make([]*source.Client, 0, len(c.sources))
	for _, src := range c.sources {
		sources = append(sources, src)
	}
	c.mu.Unlock()

	c.cancel()
	for _, src := range sources {
		src.Close()
	}

	if released > 0 {
		bufferedBytesGauge.Sub(float64(released))
	}

	c.logger.Debug().
		Int("dropped_pages", dropped).
		Int64("released_bytes", released).
		Msg("Exchange client closed")
}

// notifyLocked wakes all Ready waiters. Callers must hold c.mu.
func (c *Client) notifyLocked() {
	close(c.readyCh)
	c.readyCh = make(chan struct{})
}

// checkFinishedLocked transitions to finished when the location set is
// final, every source finished, and the buffer is drained. Callers must
// hold c.mu.
func (c *Client) checkFinishedLocked() {
	if c.status != StatusRunning || !c.noMoreLocations {
		return
	}
	if len(c.pages) > 0 || len(c.finishedSources) != len(c.locations) {
		return
	}

	c.status = StatusFinished
	c.notifyLocked()
	c.logger.Debug().
		Int("locations", len(c.locations)).
		Msg("Exchange client finished")
}

// scheduleRequestsLocked is the admission controller: while the buffer is
// under its byte ceiling it admits new fetches, up to multiplier x
// locations in aggregate and at most one per source. Pullers are created
// lazily on first admission. Callers must hold c.mu.
func (c *Client) scheduleRequestsLocked() {
	if c.status != StatusRunning {
		return
	}
	if c.bufferedBytes >= c.maxBufferedBytes {
		return
	}

	limit := c.multiplier * len(c.locations)
	for _, location := range c.locations {
		if c.outstanding >= limit {
			break
		}

		src, ok := c.sources[location]
		if !ok {
			src = source.NewClient(
				c.ctx,
				location,
				c.httpClient,
				c.maxResponseSize,
				c.minErrorDuration,
				c.maxErrorDuration,
				c.callback,
				c.executor,
			)
			c.sources[location] = src
		}

		if src.ScheduleRequest() {
			c.outstanding++
		}
	}
}

// clientCallback adapts source events onto the client's single
// state-mutation path. All methods run on the bounded callback executor.
type clientCallback struct {
	client *Client
}

// AddPages implements source.Callback. Enqueue never fails: a response
// already received is absorbed even if it transiently overshoots the byte
// ceiling; admission simply stays shut until the buffer drains.
func (cb *clientCallback) AddPages(src *source.Client, pages []*source.Page) {
	c := cb.client

	var delta int64
	for _, page := range pages {
		delta += page.Size()
	}

	c.mu.Lock()
	if c.status != StatusRunning {
		// Late pages after close or failure are discarded unaccounted.
		c.mu.Unlock()
		return
	}

	c.pages = append(c.pages, pages...)
	c.bufferedBytes += delta
	total := c.bufferedBytes
	c.listener.UpdateMemoryUsage(delta, total)
	c.notifyLocked()
	c.mu.Unlock()

	if total > c.maxBufferedBytes {
		c.logger.Debug().
			Int64("buffered_bytes", total).
			Int64("max_buffered_bytes", c.maxBufferedBytes).
			Msg("Buffer transiently over ceiling")
	}

	bufferedBytesGauge.Add(float64(delta))
}

// RequestComplete implements source.Callback.
func (cb *clientCallback) RequestComplete(src *source.Client) {
	c := cb.client

	c.mu.Lock()
	c.outstanding--
	c.scheduleRequestsLocked()
	c.mu.Unlock()
}

// Finished implements source.Callback.
func (cb *clientCallback) Finished(src *source.Client) {
	c := cb.client

	c.mu.Lock()
	c.outstanding--
	c.finishedSources[src.Location()] = true
	c.checkFinishedLocked()
	c.scheduleRequestsLocked()
	c.mu.Unlock()
}

// Failed implements source.Callback. One permanently failed source fails
// the whole exchange; the remaining sources are released since a partial
// result set is incorrect to return.
func (cb *clientCallback) Failed(src *source.Client, err error) {
	c := cb.client

	c.mu.Lock()
	c.outstanding--
	if c.status != StatusRunning {
		c.mu.Unlock()
		return
	}

	c.status = StatusFailed
	c.failure = &FailedError{Location: src.Location(), Err: err}
	c.notifyLocked()

	sources := make([]*source.Client, 0, len(c.sources))
	for _, other := range c.sources {
		if other != src {
			sources = append(sources, other)
		}
	}
	c.mu.Unlock()

	clientsFailedTotal.Inc()
	c.logger.Error().
		Err(err).
		Str("location", src.Location()).
		Msg("Exchange client failed")

	for _, other := range sources {
		other.Close()
	}
}
