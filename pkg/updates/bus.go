package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// DefaultBusPrefix namespaces bus channels.
const DefaultBusPrefix = "chatsync:updates"

// Bus carries appended events between processes on one channel per recipient.
// Publishing also reaches subscribers in the publishing process.
type Bus interface {
	Publish(ctx context.Context, event UpdateEvent) error
	// Subscribe calls handler for every event that arrives on recipientID's
	// channel and passes the recipient check. The subscription outlives ctx,
	// which only bounds the subscribe call itself.
	Subscribe(ctx context.Context, recipientID string, handler func(UpdateEvent)) (Subscription, error)
	Close() error
}

// Subscription is a cancelable bus subscription. Close is idempotent.
type Subscription interface {
	Close() error
}

// ChannelName is the bus channel that carries recipientID's events.
func ChannelName(prefix, recipientID string) string {
	if prefix == "" {
		prefix = DefaultBusPrefix
	}
	return prefix + ":recipient:" + recipientID
}

// EncodeBusMessage serializes event for the bus.
func EncodeBusMessage(event UpdateEvent) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode bus message: %w", err)
	}
	return raw, nil
}

// DecodeBusMessage parses a message received on recipientID's channel. The
// embedded recipient must match the channel.
func DecodeBusMessage(recipientID string, raw []byte) (UpdateEvent, error) {
	var event UpdateEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return UpdateEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if event.RecipientID != recipientID {
		return UpdateEvent{}, fmt.Errorf("%w: recipient %q on channel of %q", ErrMalformedMessage, event.RecipientID, recipientID)
	}
	if event.Seqno <= 0 || event.EventType == "" {
		return UpdateEvent{}, fmt.Errorf("%w: missing seqno or event type", ErrMalformedMessage)
	}
	return event, nil
}

// receiver decodes incoming messages and drops bad ones with a sampled log
// line. It never panics on input.
type receiver struct {
	log     logger.Logger
	metrics *Metrics
	sample  rate.Sometimes
}

func newReceiver(log logger.Logger, m *Metrics) *receiver {
	if log == nil {
		log = logger.NewNop()
	}
	return &receiver{log: log, metrics: m, sample: rate.Sometimes{First: 5, Interval: 10 * time.Second}}
}

func (r *receiver) deliver(recipientID string, raw []byte, handler func(UpdateEvent)) {
	event, err := DecodeBusMessage(recipientID, raw)
	if err != nil {
		r.metrics.incDropped("malformed")
		r.sample.Do(func() {
			r.log.Warn("dropping bus message", "recipient_id", recipientID, "error", err, "size", len(raw))
		})
		return
	}
	handler(event)
}

// subscriptionTable tracks local handlers per recipient for bus
// implementations that multiplex many recipients over one connection.
type subscriptionTable struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]func(UpdateEvent)
	nextID   uint64
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{handlers: make(map[string]map[uint64]func(UpdateEvent))}
}

// add registers handler and reports whether it is the recipient's first.
func (t *subscriptionTable) add(recipientID string, handler func(UpdateEvent)) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	first := len(t.handlers[recipientID]) == 0
	if first {
		t.handlers[recipientID] = make(map[uint64]func(UpdateEvent))
	}
	t.handlers[recipientID][t.nextID] = handler
	return t.nextID, first
}

// remove drops a handler and reports whether the recipient has none left.
func (t *subscriptionTable) remove(recipientID string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers, ok := t.handlers[recipientID]
	if !ok {
		return false
	}
	delete(handlers, id)
	if len(handlers) > 0 {
		return false
	}
	delete(t.handlers, recipientID)
	return true
}

func (t *subscriptionTable) count(recipientID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers[recipientID])
}

// fanout returns a handler that calls every current handler of recipientID.
func (t *subscriptionTable) fanout(recipientID string) (func(UpdateEvent), bool) {
	t.mu.RLock()
	handlers := make([]func(UpdateEvent), 0, len(t.handlers[recipientID]))
	for _, h := range t.handlers[recipientID] {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()
	if len(handlers) == 0 {
		return nil, false
	}
	return func(event UpdateEvent) {
		for _, h := range handlers {
			h(event)
		}
	}, true
}

// InMemoryBus connects publishers and subscribers inside one process. It
// still round-trips through the wire encoding so it behaves like a remote bus.
type InMemoryBus struct {
	table  *subscriptionTable
	recv   *receiver
	mu     sync.RWMutex
	closed bool
}

// NewInMemoryBus returns an empty in-process bus.
func NewInMemoryBus(log logger.Logger, m *Metrics) *InMemoryBus {
	return &InMemoryBus{table: newSubscriptionTable(), recv: newReceiver(log, m)}
}

// Publish implements Bus.
func (b *InMemoryBus) Publish(_ context.Context, event UpdateEvent) error {
	raw, err := EncodeBusMessage(event)
	if err != nil {
		return err
	}
	return b.PublishRaw(event.RecipientID, raw)
}

// PublishRaw delivers raw bytes on recipientID's channel.
func (b *InMemoryBus) PublishRaw(recipientID string, raw []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	if handler, ok := b.table.fanout(recipientID); ok {
		b.recv.deliver(recipientID, raw, handler)
	}
	return nil
}

// Subscribe implements Bus.
func (b *InMemoryBus) Subscribe(_ context.Context, recipientID string, handler func(UpdateEvent)) (Subscription, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBusClosed
	}
	id, _ := b.table.add(recipientID, handler)
	return &funcSubscription{close: func() error {
		b.table.remove(recipientID, id)
		return nil
	}}, nil
}

// Subscribers returns how many handlers listen on recipientID's channel.
func (b *InMemoryBus) Subscribers(recipientID string) int {
	return b.table.count(recipientID)
}

// Close implements Bus.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type funcSubscription struct {
	once  sync.Once
	close func() error
	err   error
}

func (s *funcSubscription) Close() error {
	s.once.Do(func() { s.err = s.close() })
	return s.err
}
