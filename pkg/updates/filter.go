package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// NotificationLevel is a channel member's notification preference.
type NotificationLevel string

const (
	LevelAll          NotificationLevel = "ALL"
	LevelMentionsOnly NotificationLevel = "MENTIONS_ONLY"
	LevelMuted        NotificationLevel = "MUTED"
)

// Membership is the part of a channel membership the filter reads.
type Membership struct {
	Level       NotificationLevel
	MuteForever bool
	MuteUntil   *time.Time
}

// MembershipReader looks up channel memberships and mentions.
type MembershipReader interface {
	// ActiveMembership returns nil, nil when userID is not an active member.
	ActiveMembership(ctx context.Context, channelID, userID string) (*Membership, error)
	HasMention(ctx context.Context, messageID, userID string) (bool, error)
}

// Filter decides whether an event reaches a recipient at all.
type Filter interface {
	IsDeliverable(ctx context.Context, recipientID string, eventType EventType, payload json.RawMessage) (bool, error)
}

// AllowAll delivers everything.
type AllowAll struct{}

// IsDeliverable implements Filter.
func (AllowAll) IsDeliverable(context.Context, string, EventType, json.RawMessage) (bool, error) {
	return true, nil
}

// NotificationFilter applies mute and mentions-only rules to
// message.created. Every other event type is delivered.
type NotificationFilter struct {
	members MembershipReader
	now     func() time.Time
}

// NewNotificationFilter builds a filter over members.
func NewNotificationFilter(members MembershipReader) *NotificationFilter {
	return &NotificationFilter{members: members, now: time.Now}
}

// messageRef holds the reserved payload fields of message.created.
type messageRef struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// IsDeliverable implements Filter.
func (f *NotificationFilter) IsDeliverable(ctx context.Context, recipientID string, eventType EventType, payload json.RawMessage) (bool, error) {
	switch eventType {
	case EventMessageCreated:
		return f.messageCreated(ctx, recipientID, payload)
	default:
		return true, nil
	}
}

func (f *NotificationFilter) messageCreated(ctx context.Context, recipientID string, payload json.RawMessage) (bool, error) {
	var ref messageRef
	// A payload without a channel and message is a system event; deliver it.
	if err := json.Unmarshal(payload, &ref); err != nil || ref.ChannelID == "" || ref.MessageID == "" {
		return true, nil
	}

	membership, err := f.members.ActiveMembership(ctx, ref.ChannelID, recipientID)
	if err != nil {
		return false, fmt.Errorf("load membership: %w", err)
	}
	if membership == nil || membership.MuteForever {
		return false, nil
	}
	activeMute := membership.MuteUntil != nil && membership.MuteUntil.After(f.now())
	if activeMute {
		return false, nil
	}

	switch membership.Level {
	case LevelAll:
		return true, nil
	case LevelMentionsOnly:
		mentioned, err := f.members.HasMention(ctx, ref.MessageID, recipientID)
		if err != nil {
			return false, fmt.Errorf("load mention: %w", err)
		}
		return mentioned, nil
	default:
		// MUTED without an active mute timestamp stays muted, as does any
		// level this build does not know.
		return false, nil
	}
}
