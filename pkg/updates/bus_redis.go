package updates

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/observability/tracing"
)

// redisPubSubClient is the part of *redis.Client the bus uses.
type redisPubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBusConfig configures RedisBus.
type RedisBusConfig struct {
	Prefix           string
	OperationTimeout time.Duration
}

// RedisBus fans events out over Redis pub/sub. All recipients subscribed by
// this process share one PubSub connection; channels are added on a
// recipient's first local subscriber and removed after its last.
type RedisBus struct {
	client    redisPubSubClient
	prefix    string
	opTimeout time.Duration
	table     *subscriptionTable
	recv      *receiver
	log       logger.Logger

	// cmdMu serializes SUBSCRIBE/UNSUBSCRIBE so they reach Redis in the
	// order the table changed.
	cmdMu  sync.Mutex
	pubsub *redis.PubSub
	closed bool
	done   chan struct{}
}

// NewRedisBus builds a bus on client, usually the shared redis adapter client.
func NewRedisBus(client redisPubSubClient, cfg RedisBusConfig, log logger.Logger, m *Metrics) *RedisBus {
	if log == nil {
		log = logger.NewNop()
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultBusPrefix
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 3 * time.Second
	}
	return &RedisBus{
		client:    client,
		prefix:    prefix,
		opTimeout: cfg.OperationTimeout,
		table:     newSubscriptionTable(),
		recv:      newReceiver(log, m),
		log:       log.With("component", "redis_bus"),
		done:      make(chan struct{}),
	}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, event UpdateEvent) (err error) {
	channel := ChannelName(b.prefix, event.RecipientID)
	ctx, span := tracing.StartProducerSpan(ctx, "redis", channel)
	defer func() { tracing.End(span, err) }()

	raw, err := EncodeBusMessage(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, recipientID string, handler func(UpdateEvent)) (Subscription, error) {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	id, first := b.table.add(recipientID, handler)
	if first {
		if err := b.subscribeChannel(ctx, ChannelName(b.prefix, recipientID)); err != nil {
			b.table.remove(recipientID, id)
			return nil, err
		}
	}

	return &funcSubscription{close: func() error {
		return b.unsubscribe(recipientID, id)
	}}, nil
}

func (b *RedisBus) subscribeChannel(ctx context.Context, channel string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	if b.pubsub != nil {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			return fmt.Errorf("redis subscribe %s: %w", channel, err)
		}
		return nil
	}

	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	b.pubsub = pubsub
	go b.dispatch(pubsub.Channel())
	return nil
}

func (b *RedisBus) unsubscribe(recipientID string, id uint64) error {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	if !b.table.remove(recipientID, id) || b.closed || b.pubsub == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)
	defer cancel()
	channel := ChannelName(b.prefix, recipientID)
	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", channel, err)
	}
	return nil
}

// dispatch runs until the PubSub is closed.
func (b *RedisBus) dispatch(messages <-chan *redis.Message) {
	defer close(b.done)
	channelPrefix := ChannelName(b.prefix, "")
	for msg := range messages {
		recipientID, ok := strings.CutPrefix(msg.Channel, channelPrefix)
		if !ok {
			b.recv.metrics.incDropped("foreign_channel")
			continue
		}
		if handler, ok := b.table.fanout(recipientID); ok {
			b.recv.deliver(recipientID, []byte(msg.Payload), handler)
		}
	}
}

// Close drops every subscription. The Redis client stays open; it belongs
// to the redis adapter. cmdMu is released before waiting on dispatch since
// a handler may unsubscribe while the bus closes.
func (b *RedisBus) Close() error {
	b.cmdMu.Lock()
	if b.closed {
		b.cmdMu.Unlock()
		return nil
	}
	b.closed = true
	pubsub := b.pubsub
	b.cmdMu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-b.done
	return err
}
