package updates

import (
	"context"
	"encoding/json"
)

const (
	// DefaultMaxRetained is how many events a recipient keeps after trimming.
	DefaultMaxRetained = 5000
	// DefaultTrimInterval spaces trims so that only every Nth append pays for one.
	DefaultTrimInterval = 100
	// DefaultAllocationRetries bounds retries after a (recipient, seqno) unique violation.
	DefaultAllocationRetries = 5
)

// Bounds describes what a recipient's stream currently holds.
type Bounds struct {
	// MinRetained is the lowest stored seqno, 0 when nothing is stored.
	MinRetained int64
	// Head is the highest seqno ever issued, 0 when none.
	Head int64
}

// Log is the durable per-recipient event stream.
type Log interface {
	// Append allocates the next seqno for recipientID and stores the event.
	Append(ctx context.Context, recipientID string, eventType EventType, payload json.RawMessage) (UpdateEvent, error)
	// ListAfter returns up to limit events with seqno > offset in ascending order.
	ListAfter(ctx context.Context, recipientID string, offset int64, limit int) ([]UpdateEvent, error)
	// Bounds returns the retained range for recipientID.
	Bounds(ctx context.Context, recipientID string) (Bounds, error)
}

// RetentionPolicy controls trimming.
type RetentionPolicy struct {
	MaxRetained  int64
	TrimInterval int64
}

func (p RetentionPolicy) normalize() RetentionPolicy {
	if p.MaxRetained <= 0 {
		p.MaxRetained = DefaultMaxRetained
	}
	if p.TrimInterval <= 0 {
		p.TrimInterval = DefaultTrimInterval
	}
	return p
}

// trimBelow returns the seqno at or below which events may be deleted after
// seqno was appended, or 0 when this append does not trigger a trim.
func (p RetentionPolicy) trimBelow(seqno int64) int64 {
	if seqno <= p.MaxRetained || seqno%p.TrimInterval != 0 {
		return 0
	}
	return seqno - p.MaxRetained
}
