// Package metrics provides the centralized Prometheus metrics registry for
// the exchange client. All metrics are defined in their respective packages
// (exchange, source, executor, memory) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the exchange client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Exchange Client Metrics (pkg/exchange):
//   - exchange_buffered_bytes (Gauge): Bytes currently buffered across all clients
//   - exchange_pages_polled_total (Counter): Pages handed to consumers
//   - exchange_clients_failed_total (Counter): Clients that transitioned to failed
//
// Page Source Metrics (pkg/source):
//   - exchange_fetch_requests_total{outcome} (Counter): Fetch requests by outcome
//   - exchange_fetch_duration_seconds{outcome} (Histogram): Fetch duration by outcome
//   - exchange_fetch_errors_total{class} (Counter): Fetch errors by class
//     (network, server, client, malformed, oversized)
//   - exchange_sources_failed_total (Counter): Sources that exhausted the error budget
//   - exchange_pages_received_total (Counter): Pages received from remote sources
//
// Callback Executor Metrics (pkg/executor):
//   - exchange_callback_queue_depth (Gauge): Callbacks waiting for a free worker
//   - exchange_callbacks_completed_total (Counter): Callbacks executed to completion
//   - exchange_callbacks_dropped_total (Counter): Callbacks dropped by Stop
//
// Memory Accounting Metrics (pkg/memory):
//   - exchange_memory_accounting_errors_total (Counter): Failed cluster accounting updates
//
// Example Prometheus Queries:
//
//   # Buffer occupancy against a 32 MiB budget
//   exchange_buffered_bytes / (32 * 1024 * 1024)
//
//   # Fetch Error Rate
//   rate(exchange_fetch_errors_total[5m])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(exchange_fetch_duration_seconds_bucket{outcome="success"}[5m]))
//
//   # Callback backlog (sustained > 0 indicates slow callbacks)
//   exchange_callback_queue_depth
