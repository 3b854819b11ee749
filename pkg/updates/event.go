// Package updates implements per-recipient update streams: durable sequence
// allocation, notification filtering, fan-out across processes and catch-up.
package updates

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType tags an UpdateEvent. The set of known types is closed.
type EventType string

const (
	EventMessageCreated           EventType = "message.created"
	EventMessageUpdated           EventType = "message.updated"
	EventMessageDeleted           EventType = "message.deleted"
	EventReactionAdded            EventType = "reaction.added"
	EventReactionRemoved          EventType = "reaction.removed"
	EventChannelCreated           EventType = "channel.created"
	EventChannelUpdated           EventType = "channel.updated"
	EventChannelDeleted           EventType = "channel.deleted"
	EventChannelMemberJoined      EventType = "channel.member.joined"
	EventChannelMemberLeft        EventType = "channel.member.left"
	EventChannelMemberUpdated     EventType = "channel.member.updated"
	EventOrganizationUpdated      EventType = "organization.updated"
	EventOrganizationMemberJoined EventType = "organization.member.joined"
	EventOrganizationMemberLeft   EventType = "organization.member.left"
	EventFileCreated              EventType = "file.created"
	EventFileDeleted              EventType = "file.deleted"
	EventBotCreated               EventType = "bot.created"
	EventBotUpdated               EventType = "bot.updated"
	EventBotDeleted               EventType = "bot.deleted"
)

var knownEventTypes = map[EventType]struct{}{
	EventMessageCreated:           {},
	EventMessageUpdated:           {},
	EventMessageDeleted:           {},
	EventReactionAdded:            {},
	EventReactionRemoved:          {},
	EventChannelCreated:           {},
	EventChannelUpdated:           {},
	EventChannelDeleted:           {},
	EventChannelMemberJoined:      {},
	EventChannelMemberLeft:        {},
	EventChannelMemberUpdated:     {},
	EventOrganizationUpdated:      {},
	EventOrganizationMemberJoined: {},
	EventOrganizationMemberLeft:   {},
	EventFileCreated:              {},
	EventFileDeleted:              {},
	EventBotCreated:               {},
	EventBotUpdated:               {},
	EventBotDeleted:               {},
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// UpdateEvent is one entry of a recipient's stream.
type UpdateEvent struct {
	ID          string
	RecipientID string
	Seqno       int64
	EventType   EventType
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// envelope is the wire form shared by push frames, catch-up responses and
// the bus. createdAt travels as epoch milliseconds.
type envelope struct {
	ID          string          `json:"id"`
	RecipientID string          `json:"recipientId"`
	Seqno       int64           `json:"seqno"`
	EventType   EventType       `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   int64           `json:"createdAt"`
}

// MarshalJSON encodes the wire envelope.
func (e UpdateEvent) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(envelope{
		ID:          e.ID,
		RecipientID: e.RecipientID,
		Seqno:       e.Seqno,
		EventType:   e.EventType,
		Payload:     payload,
		CreatedAt:   e.CreatedAt.UnixMilli(),
	})
}

// UnmarshalJSON decodes the wire envelope.
func (e *UpdateEvent) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*e = UpdateEvent{
		ID:          env.ID,
		RecipientID: env.RecipientID,
		Seqno:       env.Seqno,
		EventType:   env.EventType,
		Payload:     env.Payload,
		CreatedAt:   time.UnixMilli(env.CreatedAt).UTC(),
	}
	return nil
}

// NewEventID returns a time-sortable unique identifier.
func NewEventID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// EncodePayload turns a caller payload into raw JSON. Raw JSON and byte
// slices pass through after a validity check.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return validRaw(v)
	case []byte:
		return validRaw(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidEvent, err)
		}
		return raw, nil
	}
}

func validRaw(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}
	return append(json.RawMessage(nil), raw...), nil
}
