package updates

import (
	"context"
	"fmt"
)

const (
	// DefaultDiffLimit applies when a catch-up request carries no limit.
	DefaultDiffLimit = 200
	// MaxDiffLimit caps the page size of one catch-up request.
	MaxDiffLimit = 1000
)

// DiffResult answers a catch-up request.
type DiffResult struct {
	Updates       []UpdateEvent `json:"updates"`
	HeadOffset    int64         `json:"headOffset"`
	ResetRequired bool          `json:"resetRequired"`
}

// CatchUp serves "what did I miss since offset".
type CatchUp struct {
	log          Log
	defaultLimit int
	maxLimit     int
}

// NewCatchUp builds a CatchUp over log. Non-positive limits use the defaults.
func NewCatchUp(log Log, defaultLimit, maxLimit int) *CatchUp {
	if maxLimit <= 0 {
		maxLimit = MaxDiffLimit
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultDiffLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &CatchUp{log: log, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Diff returns events after offset. ResetRequired is set when offset is
// more than one below the lowest retained seqno; the client then has to
// resynchronize out of band and treat Updates as informational.
func (c *CatchUp) Diff(ctx context.Context, recipientID string, offset int64, limit int) (DiffResult, error) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = c.defaultLimit
	case limit > c.maxLimit:
		limit = c.maxLimit
	}

	bounds, err := c.log.Bounds(ctx, recipientID)
	if err != nil {
		return DiffResult{}, fmt.Errorf("catch-up bounds: %w", err)
	}

	result := DiffResult{
		Updates:       []UpdateEvent{},
		HeadOffset:    bounds.Head,
		ResetRequired: bounds.MinRetained > 0 && offset < bounds.MinRetained-1,
	}
	if bounds.Head <= offset {
		return result, nil
	}

	events, err := c.log.ListAfter(ctx, recipientID, offset, limit)
	if err != nil {
		return DiffResult{}, fmt.Errorf("catch-up list: %w", err)
	}
	result.Updates = events
	return result, nil
}
