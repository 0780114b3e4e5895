package types

import "errors"

// Sentinel error kinds for the cycle pipeline. Components wrap these with
// fmt.Errorf("...: %w", err) so callers can classify with errors.Is while
// keeping the call-site context.
var (
	// ErrDataUnavailable aborts the cycle before any agent call.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrExchangeAuth is a non-retryable authentication failure at the venue.
	ErrExchangeAuth = errors.New("exchange authentication failed")

	// ErrExchangeDown is a catastrophic venue failure; remaining intents are
	// abandoned and the cycle ends with status EXCHANGE_DOWN.
	ErrExchangeDown = errors.New("exchange unavailable")

	// ErrExchangeTransient is retryable with the same idempotency key.
	ErrExchangeTransient = errors.New("transient exchange error")

	// ErrOrderRejected is a venue-side refusal of one order. It is not
	// retried; the order record finalizes as REJECTED.
	ErrOrderRejected = errors.New("order rejected by venue")

	// ErrNoPosition rejects a CLOSE intent with no live position behind it.
	ErrNoPosition = errors.New("no position for coin")

	// ErrPersistence is fatal within a cycle; the scheduler continues.
	ErrPersistence = errors.New("persistence failure")
)
