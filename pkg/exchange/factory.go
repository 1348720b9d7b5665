package exchange

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/exchange-client/pkg/executor"
	"github.com/Sternrassler/exchange-client/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// responseSizeHeadroomRatio leaves room in each response for framing and
// encoding overhead. A tunable heuristic, not a protocol constant.
const responseSizeHeadroomRatio = 0.75

// Default configuration values.
const (
	DefaultMaxBufferedBytes            = 32 << 20 // 32 MiB
	DefaultMaxResponseSize             = 16 << 20 // 16 MiB
	DefaultTransportMaxContentLength   = 16 << 20 // 16 MiB
	DefaultConcurrentRequestMultiplier = 3
	DefaultMinErrorDuration            = 50 * time.Millisecond
	DefaultMaxErrorDuration            = 1 * time.Minute
	DefaultMaxCallbackThreads          = 25
)

// Config holds the exchange client configuration shared by all clients a
// factory hands out.
type Config struct {
	// MaxBufferedBytes caps the bytes held in a client's page buffer.
	// Admission of new fetches stops at the cap; a single in-flight response
	// may overshoot it transiently rather than be truncated.
	MaxBufferedBytes int64

	// MaxResponseSize caps a single fetch response. The effective cap is
	// reduced by responseSizeHeadroomRatio and never exceeds the transport's
	// own content-length limit.
	MaxResponseSize int64

	// TransportMaxContentLength is the transport's content-length ceiling.
	TransportMaxContentLength int64

	// ConcurrentRequestMultiplier scales aggregate fetch concurrency:
	// up to multiplier x locations outstanding fetches, at most one per
	// source.
	ConcurrentRequestMultiplier int

	// MinErrorDuration is the backoff floor between retries of a failing
	// source.
	MinErrorDuration time.Duration

	// MaxErrorDuration is the continuous-failure window after which a
	// source, and with it the whole exchange, fails permanently.
	MaxErrorDuration time.Duration

	// MaxCallbackThreads bounds the callback executor, independent of the
	// number of registered locations.
	MaxCallbackThreads int

	// HTTPClient is the transport used for fetches and acknowledgements.
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		MaxBufferedBytes:            DefaultMaxBufferedBytes,
		MaxResponseSize:             DefaultMaxResponseSize,
		TransportMaxContentLength:   DefaultTransportMaxContentLength,
		ConcurrentRequestMultiplier: DefaultConcurrentRequestMultiplier,
		MinErrorDuration:            DefaultMinErrorDuration,
		MaxErrorDuration:            DefaultMaxErrorDuration,
		MaxCallbackThreads:          DefaultMaxCallbackThreads,
	}
}

// Factory validates configuration once and creates exchange clients that
// share one bounded callback executor and one transport.
type Factory struct {
	config          Config
	maxResponseSize int64
	httpClient      *http.Client
	executor        *executor.BoundedExecutor
	logger          zerolog.Logger
}

// NewFactory creates a factory from the given configuration, failing fast
// on invalid settings.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.MaxBufferedBytes <= 0 {
		return nil, fmt.Errorf("max buffered bytes must be at least 1 byte (got %d)", cfg.MaxBufferedBytes)
	}
	if cfg.MaxResponseSize <= 0 {
		return nil, fmt.Errorf("max response size must be at least 1 byte (got %d)", cfg.MaxResponseSize)
	}
	if cfg.TransportMaxContentLength <= 0 {
		cfg.TransportMaxContentLength = DefaultTransportMaxContentLength
	}
	if cfg.ConcurrentRequestMultiplier < 1 {
		return nil, fmt.Errorf("concurrent request multiplier must be at least 1 (got %d)", cfg.ConcurrentRequestMultiplier)
	}
	if cfg.MinErrorDuration <= 0 {
		return nil, fmt.Errorf("min error duration must be positive (got %s)", cfg.MinErrorDuration)
	}
	if cfg.MaxErrorDuration < cfg.MinErrorDuration {
		return nil, fmt.Errorf("max error duration %s must be at least min error duration %s", cfg.MaxErrorDuration, cfg.MinErrorDuration)
	}
	if cfg.MaxCallbackThreads < 1 {
		return nil, fmt.Errorf("max callback threads must be at least 1 (got %d)", cfg.MaxCallbackThreads)
	}

	// Leave headroom for framing overhead below the transport's own cap.
	maxResponseSize := cfg.MaxResponseSize
	if cfg.TransportMaxContentLength < maxResponseSize {
		maxResponseSize = cfg.TransportMaxContentLength
	}
	maxResponseSize = int64(float64(maxResponseSize) * responseSizeHeadroomRatio)
	if maxResponseSize <= 0 {
		return nil, fmt.Errorf("effective max response size must be at least 1 byte (got %d)", maxResponseSize)
	}

	boundedExecutor, err := executor.NewBoundedExecutor(cfg.MaxCallbackThreads)
	if err != nil {
		return nil, fmt.Errorf("create callback executor: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Factory{
		config:          cfg,
		maxResponseSize: maxResponseSize,
		httpClient:      httpClient,
		executor:        boundedExecutor,
		logger:          log.With().Str("component", "exchange-factory").Logger(),
	}, nil
}

// MaxResponseSize returns the effective single-response cap after headroom.
func (f *Factory) MaxResponseSize() int64 {
	return f.maxResponseSize
}

// NewClient creates an exchange client reporting buffered-byte changes to
// the given listener. A nil listener disables accounting.
func (f *Factory) NewClient(listener memory.UsageListener) *Client {
	if listener == nil {
		listener = memory.NopListener{}
	}
	return newClient(f, listener)
}

// ExecutorStats exposes callback-pool statistics for external monitoring.
func (f *Factory) ExecutorStats() executor.Stats {
	return f.executor.Stats()
}

// Stop forcefully terminates the shared callback executor. Outstanding
// callbacks are dropped, not drained, so process shutdown is never blocked
// by slow callbacks. Clients created by this factory stop making progress.
func (f *Factory) Stop() {
	f.executor.Stop()
	f.logger.Info().Msg("Exchange factory stopped")
}
