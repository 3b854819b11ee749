package sse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/updates"
)

var (
	// ErrTooManyConnections indicates max local connections reached.
	ErrTooManyConnections = errors.New("too many live connections")
	// ErrRegistryClosed is returned by Subscribe after Close.
	ErrRegistryClosed = errors.New("live registry closed")
	// ErrInvalidRecipient indicates an empty recipient id.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Config configures the live registry.
type Config struct {
	MaxConnections     int
	ClientBuffer       int
	DropOnBackpressure bool
	HeartbeatInterval  time.Duration
}

// DefaultConfig returns defaults tuned for API SSE usage.
func DefaultConfig() Config {
	return Config{
		MaxConnections:     10000,
		ClientBuffer:       64,
		DropOnBackpressure: true,
		HeartbeatInterval:  20 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	return cfg
}

// SubscribeRequest describes a new live connection.
type SubscribeRequest struct {
	RecipientID string
	// OrganizationID is a hint kept for logging; routing is per recipient.
	OrganizationID string
}

// Registry tracks this process's live connections per recipient. A
// recipient's first connection opens one bus subscription that is shared by
// every later connection and closed with the last one.
type Registry struct {
	cfg     Config
	bus     updates.Bus
	log     logger.Logger
	metrics *Metrics

	mu         sync.RWMutex
	recipients map[string]*recipientEntry
	total      int
	closed     bool
}

type recipientEntry struct {
	conns map[string]*Connection

	// subMu guards sub; it is held across the bus Subscribe call so that
	// concurrent first connections subscribe once.
	subMu sync.Mutex
	sub   updates.Subscription
}

// NewRegistry creates a registry. With a nil bus the registry only receives
// events through Deliver.
func NewRegistry(cfg Config, bus updates.Bus, log logger.Logger, m *Metrics) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		cfg:        normalizeConfig(cfg),
		bus:        bus,
		log:        log.With("component", "live_registry"),
		metrics:    m,
		recipients: make(map[string]*recipientEntry),
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

// Subscribe registers a connection for req.RecipientID. The returned
// connection already holds its ready frame.
func (r *Registry) Subscribe(ctx context.Context, req SubscribeRequest) (*Connection, error) {
	recipientID := strings.TrimSpace(req.RecipientID)
	if recipientID == "" {
		return nil, ErrInvalidRecipient
	}

	conn := &Connection{
		id:             uuid.NewString(),
		recipientID:    recipientID,
		organizationID: strings.TrimSpace(req.OrganizationID),
		frames:         make(chan Frame, r.cfg.ClientBuffer),
		done:           make(chan struct{}),
		registry:       r,
		openedAt:       time.Now(),
	}
	conn.frames <- readyFrame()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if r.total >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.metrics.incRejected("max_connections")
		return nil, ErrTooManyConnections
	}
	entry := r.recipients[recipientID]
	newRecipient := entry == nil
	if newRecipient {
		entry = &recipientEntry{conns: make(map[string]*Connection)}
		r.recipients[recipientID] = entry
	}
	entry.conns[conn.id] = conn
	r.total++
	r.mu.Unlock()
	r.metrics.connOpened(newRecipient)

	if err := r.ensureBusSubscription(ctx, entry, recipientID); err != nil {
		conn.Close()
		return nil, err
	}

	r.log.Debug("live connection opened", "recipient_id", recipientID, "connection_id", conn.id,
		"organization_id", conn.organizationID)
	return conn, nil
}

func (r *Registry) ensureBusSubscription(ctx context.Context, entry *recipientEntry, recipientID string) error {
	if r.bus == nil {
		return nil
	}
	entry.subMu.Lock()
	defer entry.subMu.Unlock()
	if entry.sub != nil {
		return nil
	}
	sub, err := r.bus.Subscribe(ctx, recipientID, r.Deliver)
	if err != nil {
		r.metrics.incBusSubscribeError()
		return fmt.Errorf("subscribe bus for %s: %w", recipientID, err)
	}

	// The entry may have been released while the bus call was in flight.
	r.mu.RLock()
	live := r.recipients[recipientID] == entry
	r.mu.RUnlock()
	if !live {
		_ = sub.Close()
		return ErrRegistryClosed
	}
	entry.sub = sub
	return nil
}

// Unsubscribe closes conn. It is the same as conn.Close.
func (r *Registry) Unsubscribe(conn *Connection) {
	if conn != nil {
		conn.Close()
	}
}

// remove runs once per connection, from Connection.Close.
func (r *Registry) remove(conn *Connection) {
	r.mu.Lock()
	entry := r.recipients[conn.recipientID]
	if entry == nil || entry.conns[conn.id] != conn {
		r.mu.Unlock()
		return
	}
	delete(entry.conns, conn.id)
	r.total--
	last := len(entry.conns) == 0
	if last {
		delete(r.recipients, conn.recipientID)
	}
	r.mu.Unlock()
	r.metrics.connClosed(last)

	r.log.Debug("live connection closed", "recipient_id", conn.recipientID, "connection_id", conn.id,
		"duration", time.Since(conn.openedAt))
	if last {
		r.closeBusSubscription(entry, conn.recipientID)
	}
}

func (r *Registry) closeBusSubscription(entry *recipientEntry, recipientID string) {
	entry.subMu.Lock()
	sub := entry.sub
	entry.sub = nil
	entry.subMu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		r.log.Warn("close bus subscription failed", "recipient_id", recipientID, "error", err)
	}
}

// Deliver queues an update frame on every local connection of the event's
// recipient without blocking. A full buffer disconnects that connection, or
// drops the frame when DropOnBackpressure is off.
func (r *Registry) Deliver(event updates.UpdateEvent) {
	r.mu.RLock()
	entry := r.recipients[event.RecipientID]
	var snapshot []*Connection
	if entry != nil {
		snapshot = make([]*Connection, 0, len(entry.conns))
		for _, c := range entry.conns {
			snapshot = append(snapshot, c)
		}
	}
	r.mu.RUnlock()

	frame := updateFrame(event)
	for _, c := range snapshot {
		switch c.enqueue(frame) {
		case enqueueOK:
			r.metrics.incEnqueued()
		case enqueueFull:
			if r.cfg.DropOnBackpressure {
				r.metrics.incBackpressure("disconnect")
				r.log.Warn("live connection too slow, disconnecting",
					"recipient_id", c.recipientID, "connection_id", c.id, "seqno", event.Seqno)
				c.Close()
			} else {
				r.metrics.incBackpressure("drop_frame")
			}
		}
	}
}

// Connections returns the number of local connections for recipientID.
func (r *Registry) Connections(recipientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry := r.recipients[recipientID]; entry != nil {
		return len(entry.conns)
	}
	return 0
}

// Total returns the number of local connections.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Close releases every connection and bus subscription. The bus itself is
// left open; it belongs to the caller.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.recipients
	r.recipients = make(map[string]*recipientEntry)
	r.total = 0
	r.mu.Unlock()

	for recipientID, entry := range entries {
		remaining := len(entry.conns)
		for _, c := range entry.conns {
			c.closeOnce.Do(func() { close(c.done) })
			remaining--
			r.metrics.connClosed(remaining == 0)
		}
		r.closeBusSubscription(entry, recipientID)
	}
	return nil
}

// Connection is one live subscription.
type Connection struct {
	id             string
	recipientID    string
	organizationID string
	frames         chan Frame
	done           chan struct{}
	closeOnce      sync.Once
	registry       *Registry
	openedAt       time.Time
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// RecipientID returns the subscribed recipient.
func (c *Connection) RecipientID() string { return c.recipientID }

// Frames returns queued frames. The channel is never closed; select on Done.
func (c *Connection) Frames() <-chan Frame { return c.frames }

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close unregisters the connection. It is safe to call concurrently and
// more than once; only the first call has an effect.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.registry.remove(c)
	})
}

type enqueueResult int

const (
	enqueueOK enqueueResult = iota
	enqueueFull
	enqueueClosed
)

func (c *Connection) enqueue(f Frame) enqueueResult {
	select {
	case <-c.done:
		return enqueueClosed
	default:
	}
	select {
	case c.frames <- f:
		return enqueueOK
	default:
		return enqueueFull
	}
}
