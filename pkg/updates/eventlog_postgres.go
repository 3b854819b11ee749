package updates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/observability/tracing"
	"github.com/nimburion/chatsync/pkg/store/postgres"
)

const advisoryLockNamespace = "update_events"

// PostgresLogConfig configures PostgresLog.
type PostgresLogConfig struct {
	Retention         RetentionPolicy
	AllocationRetries int
	Now               func() time.Time
}

// PostgresLog stores events in the update_events table. Sequence allocation
// serializes per recipient on a transaction-scoped advisory lock so every
// process sharing the database allocates from the same counter.
type PostgresLog struct {
	db        postgres.DB
	retention RetentionPolicy
	retries   int
	now       func() time.Time
	log       logger.Logger
	metrics   *Metrics
}

// NewPostgresLog builds a PostgresLog on db.
func NewPostgresLog(db postgres.DB, cfg PostgresLogConfig, log logger.Logger, m *Metrics) *PostgresLog {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.AllocationRetries < 0 {
		cfg.AllocationRetries = 0
	} else if cfg.AllocationRetries == 0 {
		cfg.AllocationRetries = DefaultAllocationRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PostgresLog{
		db:        db,
		retention: cfg.Retention.normalize(),
		retries:   cfg.AllocationRetries,
		now:       cfg.Now,
		log:       log.With("component", "update_log"),
		metrics:   m,
	}
}

const (
	lockRecipientSQL = `SELECT pg_advisory_xact_lock($1)`
	maxSeqnoSQL      = `SELECT COALESCE(MAX(seqno), 0) FROM update_events WHERE recipient_id = $1`
	insertEventSQL   = `INSERT INTO update_events (id, recipient_id, seqno, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	trimEventsSQL    = `DELETE FROM update_events WHERE recipient_id = $1 AND seqno <= $2`
	listAfterSQL     = `SELECT id, recipient_id, seqno, event_type, payload, created_at FROM update_events WHERE recipient_id = $1 AND seqno > $2 ORDER BY seqno ASC LIMIT $3`
	boundsSQL        = `SELECT COALESCE(MIN(seqno), 0), COALESCE(MAX(seqno), 0) FROM update_events WHERE recipient_id = $1`
)

// Append allocates seqno = max + 1 under the recipient lock and inserts the
// event. A unique violation on (recipient_id, seqno) retries the whole step,
// so each attempt owns its transaction: ctx must not carry one.
func (l *PostgresLog) Append(ctx context.Context, recipientID string, eventType EventType, payload json.RawMessage) (evt UpdateEvent, err error) {
	ctx, span := tracing.StartSpan(ctx, "updates.append",
		attribute.String("recipient.id", recipientID),
		attribute.String("event.type", string(eventType)),
	)
	defer func() { tracing.End(span, err) }()

	if _, inTx := postgres.TxFromContext(ctx); inTx {
		return UpdateEvent{}, ErrCallerTransaction
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	for attempt := 0; ; attempt++ {
		evt, err = l.allocate(ctx, recipientID, eventType, payload)
		if err == nil {
			break
		}
		if !postgres.IsUniqueViolation(err) {
			return UpdateEvent{}, fmt.Errorf("append event for %s: %w", recipientID, err)
		}
		if attempt >= l.retries {
			return UpdateEvent{}, fmt.Errorf("%w: recipient %s after %d attempts: %v", ErrAllocationExhausted, recipientID, attempt+1, err)
		}
		l.metrics.incAllocRetry()
		l.log.Warn("sequence allocation raced, retrying", "recipient_id", recipientID, "attempt", attempt+1)
	}

	if below := l.retention.trimBelow(evt.Seqno); below > 0 {
		l.trim(ctx, recipientID, below)
	}
	return evt, nil
}

func (l *PostgresLog) allocate(ctx context.Context, recipientID string, eventType EventType, payload json.RawMessage) (UpdateEvent, error) {
	evt := UpdateEvent{
		ID:          NewEventID(),
		RecipientID: recipientID,
		EventType:   eventType,
		Payload:     payload,
		CreatedAt:   l.now().UTC(),
	}

	err := l.db.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := l.db.ExecContext(txCtx, lockRecipientSQL, postgres.AdvisoryLockKey(advisoryLockNamespace, recipientID)); err != nil {
			return fmt.Errorf("lock recipient: %w", err)
		}
		var head int64
		if err := l.db.QueryRowContext(txCtx, maxSeqnoSQL, recipientID).Scan(&head); err != nil {
			return fmt.Errorf("read head seqno: %w", err)
		}
		evt.Seqno = head + 1
		if _, err := l.db.ExecContext(txCtx, insertEventSQL,
			evt.ID, evt.RecipientID, evt.Seqno, string(evt.EventType), string(evt.Payload), evt.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	return evt, err
}

// trim runs outside the allocation transaction; a failure only delays it to
// the next interval.
func (l *PostgresLog) trim(ctx context.Context, recipientID string, below int64) {
	result, err := l.db.ExecContext(ctx, trimEventsSQL, recipientID, below)
	if err != nil {
		l.log.Warn("trim update events failed", "recipient_id", recipientID, "below", below, "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil {
		l.metrics.addTrimmed(n)
		l.log.Debug("trimmed update events", "recipient_id", recipientID, "below", below, "deleted", n)
	}
}

// ListAfter returns up to limit events with seqno > offset.
func (l *PostgresLog) ListAfter(ctx context.Context, recipientID string, offset int64, limit int) ([]UpdateEvent, error) {
	rows, err := l.db.QueryContext(ctx, listAfterSQL, recipientID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", recipientID, err)
	}
	defer rows.Close()

	events := make([]UpdateEvent, 0, limit)
	for rows.Next() {
		var (
			evt       UpdateEvent
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&evt.ID, &evt.RecipientID, &evt.Seqno, &eventType, &payload, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.EventType = EventType(eventType)
		evt.Payload = json.RawMessage(payload)
		evt.CreatedAt = evt.CreatedAt.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Bounds returns the lowest retained and the highest issued seqno. Trimming
// never removes the newest event, so MAX(seqno) is the head.
func (l *PostgresLog) Bounds(ctx context.Context, recipientID string) (Bounds, error) {
	var b Bounds
	err := l.db.QueryRowContext(ctx, boundsSQL, recipientID).Scan(&b.MinRetained, &b.Head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Bounds{}, fmt.Errorf("read bounds for %s: %w", recipientID, err)
	}
	return b, nil
}
