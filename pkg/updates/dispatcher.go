package updates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/observability/tracing"
)

// DefaultPublishConcurrency bounds concurrent recipients per publish call.
const DefaultPublishConcurrency = 16

// Deliverer hands an event to the live connections held by this process.
type Deliverer interface {
	Deliver(event UpdateEvent)
}

// DispatcherConfig wires a Dispatcher. Log is required. Without a Bus,
// events go straight to Local and the service runs single-process.
type DispatcherConfig struct {
	Log         Log
	Filter      Filter
	Bus         Bus
	Local       Deliverer
	Mirror      Mirror
	Concurrency int
	Logger      logger.Logger
	Metrics     *Metrics
}

// Dispatcher turns a mutation into one event per interested recipient.
type Dispatcher struct {
	log         Log
	filter      Filter
	bus         Bus
	local       Deliverer
	mirror      Mirror
	concurrency int
	logger      logger.Logger
	metrics     *Metrics
}

// NewDispatcher validates cfg and applies defaults.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Log == nil {
		return nil, errors.New("dispatcher requires an event log")
	}
	if cfg.Filter == nil {
		cfg.Filter = AllowAll{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultPublishConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Dispatcher{
		log:         cfg.Log,
		filter:      cfg.Filter,
		bus:         cfg.Bus,
		local:       cfg.Local,
		mirror:      cfg.Mirror,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.With("component", "dispatcher"),
		metrics:     cfg.Metrics,
	}, nil
}

// Publish is PublishToRecipients for a single recipient.
func (d *Dispatcher) Publish(ctx context.Context, recipientID string, eventType EventType, payload any) error {
	return d.PublishToRecipients(ctx, []string{recipientID}, eventType, payload)
}

// PublishToRecipients filters, appends and delivers one event per unique
// recipient. Recipients run concurrently and independently: every failure
// is returned, joined, after all recipients have finished.
func (d *Dispatcher) PublishToRecipients(ctx context.Context, recipientIDs []string, eventType EventType, payload any) (err error) {
	if !eventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	recipients := UniqueRecipients(recipientIDs)
	if len(recipients) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "updates.publish",
		attribute.String("event.type", string(eventType)),
		attribute.Int("recipients", len(recipients)),
	)
	defer func() { tracing.End(span, err) }()
	started := time.Now()

	errs := make([]error, len(recipients))
	var group errgroup.Group
	group.SetLimit(d.concurrency)
	for i, recipientID := range recipients {
		group.Go(func() error {
			if err := d.publishOne(ctx, recipientID, eventType, raw); err != nil {
				errs[i] = fmt.Errorf("recipient %s: %w", recipientID, err)
				d.logger.WithContext(ctx).Error("publish to recipient failed",
					"recipient_id", recipientID, "event_type", eventType, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()

	d.metrics.observePublish(time.Since(started).Seconds())
	return errors.Join(errs...)
}

func (d *Dispatcher) publishOne(ctx context.Context, recipientID string, eventType EventType, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			d.metrics.incFailure("panic")
			err = fmt.Errorf("publish panicked: %v", p)
		}
	}()

	deliverable, err := d.filter.IsDeliverable(ctx, recipientID, eventType, payload)
	if err != nil {
		d.metrics.incFailure("filter")
		return fmt.Errorf("notification filter: %w", err)
	}
	if !deliverable {
		d.metrics.incFiltered(eventType)
		return nil
	}

	event, err := d.log.Append(ctx, recipientID, eventType, payload)
	if err != nil {
		d.metrics.incFailure("append")
		return err
	}
	d.metrics.incPublished(eventType)

	// The event is committed; delivery runs to completion regardless of
	// the caller's cancellation.
	d.deliver(context.WithoutCancel(ctx), event)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, event UpdateEvent) {
	switch {
	case d.bus != nil:
		if err := d.bus.Publish(ctx, event); err != nil {
			d.metrics.incBusError()
			d.logger.Warn("bus publish failed; event remains available through catch-up",
				"recipient_id", event.RecipientID, "seqno", event.Seqno, "error", err)
		}
	case d.local != nil:
		d.local.Deliver(event)
	}

	if d.mirror != nil {
		if err := d.mirror.Mirror(ctx, event); err != nil {
			d.metrics.incFailure("mirror")
			d.logger.Warn("event mirror failed", "recipient_id", event.RecipientID, "seqno", event.Seqno, "error", err)
		}
	}
}

// UniqueRecipients drops blanks and duplicates, keeping first-seen order.
func UniqueRecipients(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
