package updates

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryLog is a process-local Log for single-process deployments and tests.
type MemoryLog struct {
	mu        sync.Mutex
	streams   map[string]*memoryStream
	retention RetentionPolicy
	now       func() time.Time
}

type memoryStream struct {
	head   int64
	events []UpdateEvent
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog(retention RetentionPolicy) *MemoryLog {
	return &MemoryLog{
		streams:   make(map[string]*memoryStream),
		retention: retention.normalize(),
		now:       time.Now,
	}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, recipientID string, eventType EventType, payload json.RawMessage) (UpdateEvent, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stream := l.streams[recipientID]
	if stream == nil {
		stream = &memoryStream{}
		l.streams[recipientID] = stream
	}
	stream.head++
	evt := UpdateEvent{
		ID:          NewEventID(),
		RecipientID: recipientID,
		Seqno:       stream.head,
		EventType:   eventType,
		Payload:     append(json.RawMessage(nil), payload...),
		CreatedAt:   l.now().UTC(),
	}
	stream.events = append(stream.events, evt)

	if below := l.retention.trimBelow(evt.Seqno); below > 0 {
		cut := sort.Search(len(stream.events), func(i int) bool { return stream.events[i].Seqno > below })
		stream.events = append([]UpdateEvent(nil), stream.events[cut:]...)
	}
	return evt, nil
}

// ListAfter implements Log.
func (l *MemoryLog) ListAfter(_ context.Context, recipientID string, offset int64, limit int) ([]UpdateEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stream := l.streams[recipientID]
	if stream == nil || limit <= 0 {
		return []UpdateEvent{}, nil
	}
	start := sort.Search(len(stream.events), func(i int) bool { return stream.events[i].Seqno > offset })
	end := start + limit
	if end > len(stream.events) {
		end = len(stream.events)
	}
	return append([]UpdateEvent{}, stream.events[start:end]...), nil
}

// Bounds implements Log.
func (l *MemoryLog) Bounds(_ context.Context, recipientID string) (Bounds, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stream := l.streams[recipientID]
	if stream == nil || len(stream.events) == 0 {
		return Bounds{}, nil
	}
	return Bounds{MinRetained: stream.events[0].Seqno, Head: stream.head}, nil
}
