package updates

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/resilience"
)

// Mirror receives a copy of every appended event for downstream consumers.
// Mirror errors never fail a publish.
type Mirror interface {
	Mirror(ctx context.Context, event UpdateEvent) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirrorConfig configures KafkaMirror.
type KafkaMirrorConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	MaxAttempts  int
	// BreakerFailures consecutive write failures stop mirroring for
	// BreakerCooldown, so an unreachable cluster does not slow publishes.
	BreakerFailures int
	BreakerCooldown time.Duration
	Logger          logger.Logger
}

// KafkaMirror writes events to a Kafka topic keyed by recipient, so one
// partition sees a recipient's events in seqno order.
type KafkaMirror struct {
	writer  kafkaWriter
	topic   string
	breaker *resilience.CircuitBreaker
}

// NewKafkaMirror builds a synchronous hash-balanced writer.
func NewKafkaMirror(cfg KafkaMirrorConfig) (*KafkaMirror, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaMirrorWithWriter(writer, cfg), nil
}

func newKafkaMirrorWithWriter(writer kafkaWriter, cfg KafkaMirrorConfig) *KafkaMirror {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("component", "kafka_mirror", "topic", cfg.Topic)
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		MaxFailures: cfg.BreakerFailures,
		Cooldown:    cfg.BreakerCooldown,
		OnStateChange: func(from, to resilience.State) {
			if to == resilience.StateOpen {
				log.Warn("kafka mirror paused after repeated failures", "from", from.String())
				return
			}
			log.Info("kafka mirror state changed", "from", from.String(), "to", to.String())
		},
	})
	return &KafkaMirror{writer: writer, topic: cfg.Topic, breaker: breaker}
}

// Mirror implements Mirror.
func (m *KafkaMirror) Mirror(ctx context.Context, event UpdateEvent) error {
	msg, err := kafkaMessage(event)
	if err != nil {
		return err
	}
	err = m.breaker.Execute(ctx, func(ctx context.Context) error {
		return m.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("kafka mirror %s: %w", m.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}

func kafkaMessage(event UpdateEvent) (kafka.Message, error) {
	value, err := EncodeBusMessage(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.RecipientID),
		Value: value,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "seqno", Value: []byte(strconv.FormatInt(event.Seqno, 10))},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}, nil
}
