package updates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/observability/tracing"
)

const amqpRoutingPrefix = "recipient."

// AMQPBusConfig configures AMQPBus.
type AMQPBusConfig struct {
	URL              string
	Exchange         string
	OperationTimeout time.Duration
}

func (c *AMQPBusConfig) normalize() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("amqp URL is required")
	}
	if c.Exchange == "" {
		c.Exchange = "chatsync.updates"
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
	return nil
}

// RoutingKey is the topic routing key of recipientID's events.
func RoutingKey(recipientID string) string {
	return amqpRoutingPrefix + recipientID
}

// AMQPBus fans events out over a RabbitMQ topic exchange. Each process owns
// one exclusive auto-delete queue and binds a routing key per recipient it
// currently serves.
type AMQPBus struct {
	cfg   AMQPBusConfig
	conn  *amqp.Connection
	table *subscriptionTable
	recv  *receiver
	log   logger.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	cmdMu  sync.Mutex
	subCh  *amqp.Channel
	queue  string
	closed bool
	done   chan struct{}
}

// NewAMQPBus dials RabbitMQ, declares the exchange and starts consuming
// from a private queue.
func NewAMQPBus(cfg AMQPBusConfig, log logger.Logger, m *Metrics) (*AMQPBus, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	b := &AMQPBus{
		cfg:   cfg,
		conn:  conn,
		table: newSubscriptionTable(),
		recv:  newReceiver(log, m),
		log:   log.With("component", "amqp_bus"),
		done:  make(chan struct{}),
	}
	if err := b.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *AMQPBus) setup() error {
	pubCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pubCh.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)
	}

	subCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	queue, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := subCh.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", queue.Name, err)
	}

	b.pubCh, b.subCh, b.queue = pubCh, subCh, queue.Name
	go b.dispatch(deliveries)
	return nil
}

// Publish implements Bus.
func (b *AMQPBus) Publish(ctx context.Context, event UpdateEvent) (err error) {
	key := RoutingKey(event.RecipientID)
	ctx, span := tracing.StartProducerSpan(ctx, "rabbitmq", b.cfg.Exchange+"/"+key)
	defer func() { tracing.End(span, err) }()

	raw, err := EncodeBusMessage(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil {
		return ErrBusClosed
	}
	err = b.pubCh.PublishWithContext(ctx, b.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    event.ID,
		Timestamp:    event.CreatedAt,
		DeliveryMode: amqp.Transient,
		Body:         raw,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", key, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *AMQPBus) Subscribe(_ context.Context, recipientID string, handler func(UpdateEvent)) (Subscription, error) {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	id, first := b.table.add(recipientID, handler)
	if first {
		if err := b.subCh.QueueBind(b.queue, RoutingKey(recipientID), b.cfg.Exchange, false, nil); err != nil {
			b.table.remove(recipientID, id)
			return nil, fmt.Errorf("bind %s: %w", RoutingKey(recipientID), err)
		}
	}
	return &funcSubscription{close: func() error {
		return b.unsubscribe(recipientID, id)
	}}, nil
}

func (b *AMQPBus) unsubscribe(recipientID string, id uint64) error {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	if !b.table.remove(recipientID, id) || b.closed {
		return nil
	}
	if err := b.subCh.QueueUnbind(b.queue, RoutingKey(recipientID), b.cfg.Exchange, nil); err != nil {
		return fmt.Errorf("unbind %s: %w", RoutingKey(recipientID), err)
	}
	return nil
}

func (b *AMQPBus) dispatch(deliveries <-chan amqp.Delivery) {
	defer close(b.done)
	for delivery := range deliveries {
		recipientID, ok := strings.CutPrefix(delivery.RoutingKey, amqpRoutingPrefix)
		if !ok {
			b.recv.metrics.incDropped("foreign_channel")
			continue
		}
		if handler, ok := b.table.fanout(recipientID); ok {
			b.recv.deliver(recipientID, delivery.Body, handler)
		}
	}

	b.cmdMu.Lock()
	closed := b.closed
	b.cmdMu.Unlock()
	if !closed {
		b.log.Error("amqp delivery channel closed unexpectedly; live fan-out stopped until restart")
	}
}

// Close deletes the private queue and closes the connection.
func (b *AMQPBus) Close() error {
	b.cmdMu.Lock()
	if b.closed {
		b.cmdMu.Unlock()
		return nil
	}
	b.closed = true
	b.cmdMu.Unlock()

	b.pubMu.Lock()
	b.pubCh = nil
	b.pubMu.Unlock()

	err := b.conn.Close()
	<-b.done
	return err
}

// HealthCheck reports whether the broker connection is still open.
func (b *AMQPBus) HealthCheck(context.Context) error {
	if b.conn == nil || b.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}
