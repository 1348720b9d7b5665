// Package memory bridges the exchange client's buffered-byte accounting to
// an external memory accountant.
package memory

// UsageListener receives every net change to the exchange client's buffered
// bytes. Implementations must not block the caller for long and must never
// fail the read path; this is a pure notification. A listener that decides
// the query must stop reacts by closing the exchange client externally.
type UsageListener interface {
	// UpdateMemoryUsage reports a buffered-byte change. deltaBytes is the
	// signed change, totalBytes the client's new buffered total.
	UpdateMemoryUsage(deltaBytes, totalBytes int64)
}

// NopListener discards all updates.
type NopListener struct{}

// UpdateMemoryUsage implements UsageListener.
func (NopListener) UpdateMemoryUsage(deltaBytes, totalBytes int64) {}
