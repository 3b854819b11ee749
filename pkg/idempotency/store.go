package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// Subject identifies who sent a request.
type Subject struct {
	Type string
	ID   string
}

// RecordKey is the identity of an idempotency record.
type RecordKey struct {
	Subject Subject
	Scope   string
	Key     string
}

// Record is one remembered request. Response is nil while the first
// request is still running.
type Record struct {
	RecordKey
	RequestHash string
	Response    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists idempotency records.
type Store interface {
	// Insert creates rec unless a record with the same key exists. It
	// reports whether rec was inserted.
	Insert(ctx context.Context, rec Record) (bool, error)
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, key RecordKey) (*Record, error)
	SaveResponse(ctx context.Context, key RecordKey, response json.RawMessage, at time.Time) error
	// Delete removes the record if it still carries requestHash.
	Delete(ctx context.Context, key RecordKey, requestHash string) error
	// DeleteBefore removes up to limit records created before the cutoff.
	DeleteBefore(ctx context.Context, before time.Time, limit int) (int, error)
}
