package exchange

import (
	"errors"
	"fmt"
)

// Common errors returned by the exchange client.
var (
	// ErrClientClosed is returned when a closed client is used.
	ErrClientClosed = errors.New("exchange client is closed")

	// ErrNoMoreLocations is returned when a location is added after the
	// location set was declared final.
	ErrNoMoreLocations = errors.New("exchange client accepts no more locations")
)

// FailedError wraps the cause that moved the whole exchange to failed. One
// permanently failed source makes the result set incomplete, so there is no
// partial-result mode.
type FailedError struct {
	Location string
	Err      error
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	return fmt.Sprintf("exchange failed: source %s: %v", e.Location, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FailedError) Unwrap() error {
	return e.Err
}
