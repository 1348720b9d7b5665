package source

import (
	"errors"
	"fmt"
)

// Common errors returned by the page source client.
var (
	// ErrOversizedResponse is returned when a single response exceeds the
	// negotiated maximum response size. This is a protocol violation on the
	// producer side, logged distinctly, but retried like a transient error
	// since a misbehaving server may self-correct.
	ErrOversizedResponse = errors.New("response exceeds maximum response size")

	// ErrMalformedResponse is returned when a response body cannot be decoded
	// or does not match the requested token.
	ErrMalformedResponse = errors.New("malformed page response")
)

// ErrorClass categorizes a fetch failure for logging and metrics. All
// classes are transient from the retry policy's point of view; only the
// error-duration budget decides when a source gives up.
type ErrorClass string

const (
	// ErrorClassNetwork represents transport-level failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassClient represents non-success, non-5xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassMalformed represents undecodable or inconsistent payloads.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassOversized represents responses above the negotiated maximum size.
	ErrorClassOversized ErrorClass = "oversized"
)

// FetchError describes a failed fetch against one remote page source.
type FetchError struct {
	Location   string
	StatusCode int
	Class      ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch from %s failed (%s, status %d): %v",
			e.Location, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch from %s failed (%s): %v", e.Location, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// classifyError categorizes a fetch failure. statusCode is zero for
// transport-level failures.
func classifyError(statusCode int, err error) ErrorClass {
	switch {
	case errors.Is(err, ErrOversizedResponse):
		return ErrorClassOversized
	case errors.Is(err, ErrMalformedResponse):
		return ErrorClassMalformed
	case statusCode >= 500:
		return ErrorClassServer
	case statusCode >= 400:
		return ErrorClassClient
	default:
		return ErrorClassNetwork
	}
}
