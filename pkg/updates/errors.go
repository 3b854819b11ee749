package updates

import "errors"

var (
	// ErrInvalidEvent marks an unknown event type or an unusable payload.
	ErrInvalidEvent = errors.New("invalid update event")
	// ErrAllocationExhausted is returned when sequence allocation kept racing
	// past the retry budget.
	ErrAllocationExhausted = errors.New("sequence allocation retries exhausted")
	// ErrCallerTransaction is returned by Append when ctx already carries a
	// transaction. A unique violation aborts that transaction, so allocation
	// could not retry.
	ErrCallerTransaction = errors.New("append must run outside a caller transaction")
	// ErrMalformedMessage marks a bus message that cannot be delivered.
	ErrMalformedMessage = errors.New("malformed bus message")
	// ErrBusClosed is returned by a bus after Close.
	ErrBusClosed = errors.New("update bus closed")
)
