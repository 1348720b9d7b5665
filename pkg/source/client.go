package source

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/exchange-client/pkg/executor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page source operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_fetch_requests_total",
		Help: "Total page fetch requests by outcome",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_fetch_duration_seconds",
		Help:    "Page fetch duration in seconds by outcome",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"outcome"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_fetch_errors_total",
		Help: "Total fetch errors by class",
	}, []string{"class"})

	sourcesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_sources_failed_total",
		Help: "Total sources that exhausted their error-duration budget",
	})

	pagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_pages_received_total",
		Help: "Total pages received from remote sources",
	})
)

// Status represents the lifecycle state of one page source.
type Status string

const (
	// StatusRunning means the source may still produce pages.
	StatusRunning Status = "running"

	// StatusFinished means the source reported end-of-stream.
	StatusFinished Status = "finished"

	// StatusFailed means the source exhausted its error-duration budget.
	StatusFailed Status = "failed"

	// StatusClosed means the consumer released the source.
	StatusClosed Status = "closed"
)

// Callback receives source events. All callbacks are invoked on the bounded
// callback executor, never on transport I/O goroutines, and never while the
// source's own lock is held.
type Callback interface {
	// AddPages hands over fetched pages, in production order. The source
	// stays unschedulable until AddPages returns, so at most one batch per
	// source is ever in delivery.
	AddPages(client *Client, pages []*Page)

	// RequestComplete signals that the source has no outstanding request and
	// may be scheduled again.
	RequestComplete(client *Client)

	// Finished signals that the source reached end-of-stream.
	Finished(client *Client)

	// Failed signals that the source exhausted its error-duration budget.
	Failed(client *Client, err error)
}

// Client pulls pages from exactly one remote page source. It keeps at most
// one request outstanding at a time and advances a monotonic cursor, so
// per-source page order is preserved.
type Client struct {
	location        string
	httpClient      *http.Client
	maxResponseSize int64
	callback        Callback
	executor        *executor.BoundedExecutor
	ctx             context.Context
	logger          zerolog.Logger

	mu          sync.Mutex
	status      Status
	token       int64
	outstanding bool
	backoff     *Backoff
	lastError   error

	requestsScheduled int64
	requestsCompleted int64
	requestsFailed    int64
	pagesReceived     int64
}

// Stats is a point-in-time snapshot of one source's progress, exposed for
// diagnostics.
type Stats struct {
	Location          string
	Status            Status
	Token             int64
	RequestsScheduled int64
	RequestsCompleted int64
	RequestsFailed    int64
	PagesReceived     int64
}

// NewClient creates a puller for one remote location. Requests are issued
// lazily via ScheduleRequest; ctx cancellation aborts in-flight transport
// calls when the owning exchange client closes.
func NewClient(ctx context.Context, location string, httpClient *http.Client, maxResponseSize int64, minErrorDuration, maxErrorDuration time.Duration, callback Callback, boundedExecutor *executor.BoundedExecutor) *Client {
	return &Client{
		location:        location,
		httpClient:      httpClient,
		maxResponseSize: maxResponseSize,
		callback:        callback,
		executor:        boundedExecutor,
		ctx:             ctx,
		status:          StatusRunning,
		backoff:         NewBackoff(minErrorDuration, maxErrorDuration),
		logger:          log.With().Str("component", "page-source").Str("location", location).Logger(),
	}
}

// Location returns the remote location this client pulls from.
func (c *Client) Location() string {
	return c.location
}

// Status returns the current lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stats returns a snapshot of this source's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Location:          c.location,
		Status:            c.status,
		Token:             c.token,
		RequestsScheduled: c.requestsScheduled,
		RequestsCompleted: c.requestsCompleted,
		RequestsFailed:    c.requestsFailed,
		PagesReceived:     c.pagesReceived,
	}
}

// CanSchedule reports whether the source is running with no outstanding
// request.
func (c *Client) CanSchedule() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusRunning && !c.outstanding
}

// ScheduleRequest issues the next fetch, honoring the current backoff delay.
// The source counts as outstanding for the whole delay so the admission
// controller cannot double-schedule it. Returns false if the source is not
// schedulable.
func (c *Client) ScheduleRequest() bool {
	c.mu.Lock()
	if c.status != StatusRunning || c.outstanding {
		c.mu.Unlock()
		return false
	}
	c.outstanding = true
	c.requestsScheduled++
	delay := c.backoff.Delay()
	c.mu.Unlock()

	if delay > 0 {
		c.logger.Debug().
			Dur("delay", delay).
			Msg("Delaying fetch for backoff")
		time.AfterFunc(delay, c.sendGetResults)
	} else {
		go c.sendGetResults()
	}
	return true
}

// sendGetResults performs the fetch on a transport goroutine and hands the
// completion to the bounded executor before any shared state is touched.
func (c *Client) sendGetResults() {
	c.mu.Lock()
	if c.status != StatusRunning {
		c.outstanding = false
		c.mu.Unlock()
		return
	}
	token := c.token
	c.mu.Unlock()

	start := time.Now()
	batch, err := fetchPages(c.ctx, c.httpClient, c.location, token, c.maxResponseSize)
	elapsed := time.Since(start)

	if err != nil {
		fetchRequestsTotal.WithLabelValues("failure").Inc()
		fetchDuration.WithLabelValues("failure").Observe(elapsed.Seconds())
		c.executor.Execute(func() { c.handleFailure(err) })
		return
	}

	fetchRequestsTotal.WithLabelValues("success").Inc()
	fetchDuration.WithLabelValues("success").Observe(elapsed.Seconds())
	c.executor.Execute(func() { c.handleSuccess(batch) })
}

// handleSuccess absorbs one successful response: advances the cursor,
// resets the failure streak, enqueues pages, acknowledges consumed cursor
// positions, and finishes the source on end-of-stream.
func (c *Client) handleSuccess(batch *PageBatch) {
	c.mu.Lock()
	if c.status != StatusRunning {
		// Late completion after close; discard the result.
		c.outstanding = false
		c.mu.Unlock()
		return
	}

	c.requestsCompleted++
	c.backoff.Success()
	c.lastError = nil
	c.token = batch.NextToken
	c.pagesReceived += int64(len(batch.Pages))
	ackToken := batch.NextToken
	complete := batch.Complete
	if complete {
		c.status = StatusFinished
	}
	c.mu.Unlock()

	pages := make([]*Page, 0, len(batch.Pages))
	for _, data := range batch.Pages {
		pages = append(pages, &Page{Location: c.location, Data: data})
	}
	if len(pages) > 0 {
		pagesReceivedTotal.Add(float64(len(pages)))
		c.callback.AddPages(c, pages)
	}

	// The source stays outstanding until its pages are buffered. Admitting
	// the next fetch any earlier would let two responses race for insertion
	// order, breaking per-source ordering.
	c.mu.Lock()
	c.outstanding = false
	c.mu.Unlock()

	// Producer-side cleanup only; failures never affect the read path.
	go c.acknowledge(ackToken)

	if complete {
		c.logger.Debug().
			Int64("token", ackToken).
			Msg("Source reached end of stream")
		go c.sendDelete()
		c.callback.Finished(c)
		return
	}

	c.callback.RequestComplete(c)
}

// handleFailure records one failed fetch, transitioning the source to
// failed when the streak exhausts the maximum error duration.
func (c *Client) handleFailure(err error) {
	class := ErrorClassNetwork
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		class = fetchErr.Class
	}
	fetchErrorsTotal.WithLabelValues(string(class)).Inc()

	c.mu.Lock()
	if c.status != StatusRunning {
		c.outstanding = false
		c.mu.Unlock()
		return
	}

	c.outstanding = false
	c.requestsFailed++
	c.lastError = err
	exhausted := c.backoff.Failure(time.Now())
	failures := c.backoff.Failures()
	if exhausted {
		c.status = StatusFailed
	}
	c.mu.Unlock()

	event := c.logger.Warn()
	if class == ErrorClassMalformed || class == ErrorClassOversized {
		// Protocol violations retry like transient errors but are surfaced
		// louder: retrying cannot help unless the producer changes state.
		event = c.logger.Error()
	}
	event.
		Err(err).
		Str("error_class", string(class)).
		Int("failures", failures).
		Msg("Page fetch failed")

	if exhausted {
		sourcesFailedTotal.Inc()
		c.logger.Error().
			Err(err).
			Int("failures", failures).
			Msg("Source exhausted error-duration budget")
		c.callback.Failed(c, err)
		return
	}

	c.callback.RequestComplete(c)
}

// cleanupTimeout bounds fire-and-forget acknowledge/close calls. These use
// their own context so closing the exchange does not abort the very calls
// that let the producer reclaim its buffers.
const cleanupTimeout = 5 * time.Second

// acknowledge is fire-and-forget: log and move on.
func (c *Client) acknowledge(token int64) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := acknowledgePages(ctx, c.httpClient, c.location, token); err != nil {
		c.logger.Debug().
			Err(err).
			Int64("token", token).
			Msg("Acknowledge failed")
	}
}

// sendDelete is fire-and-forget, like acknowledge.
func (c *Client) sendDelete() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := closeSource(ctx, c.httpClient, c.location); err != nil {
		c.logger.Debug().
			Err(err).
			Msg("Source close failed")
	}
}

// Close releases the source. Terminal and idempotent; results of in-flight
// fetches are discarded once observed. A running source gets a best-effort
// close call so the producer can reclaim its buffers.
func (c *Client) Close() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	wasRunning := c.status == StatusRunning
	c.status = StatusClosed
	c.mu.Unlock()

	if wasRunning {
		go c.sendDelete()
	}
}
