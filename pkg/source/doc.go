// Package source implements the per-location half of the exchange client.
//
// Each Client owns the state machine for exactly one remote page source:
//
//	RUNNING --fetch success, pages--> RUNNING
//	RUNNING --fetch success, end-of-stream--> FINISHED
//	RUNNING --fetch failure, within budget--> RUNNING (retry after backoff)
//	RUNNING --fetch failure, budget exhausted--> FAILED
//	any     --Close()--> CLOSED
//
// At most one request is outstanding per source, so the cursor advances
// monotonically and per-source page order is preserved. Completions are
// marshalled onto a bounded executor before touching shared state; fetches
// and acknowledgements run on transport goroutines outside any lock.
//
// Retry policy is duration-bounded rather than attempt-counted: the first
// failure of a streak starts a wall clock and retries immediately, later
// retries back off exponentially from the minimum error duration, and the
// source fails permanently once the streak outlives the maximum error
// duration. Acknowledgements and producer-side closes are fire-and-forget.
//
// The wire protocol is JSON over HTTP:
//
//	GET    {location}/pages/{token}   -> {"token":n,"nextToken":m,"complete":b,"pages":[...]}
//	DELETE {location}/pages/{token}   -> acknowledge consumption up to token
//	DELETE {location}                 -> release the producer's output buffer
package source
