package updates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nimburion/chatsync/pkg/store/postgres"
)

// PostgresMembershipReader reads the business tables owned by the chat
// application:
//
//	channel_members(channel_id, user_id, notification_level, mute_until, mute_forever, left_at)
//	message_mentions(message_id, user_id)
type PostgresMembershipReader struct {
	db postgres.Executor
}

// NewPostgresMembershipReader builds a reader on db.
func NewPostgresMembershipReader(db postgres.Executor) *PostgresMembershipReader {
	return &PostgresMembershipReader{db: db}
}

const (
	activeMembershipSQL = `SELECT notification_level, mute_forever, mute_until FROM channel_members WHERE channel_id = $1 AND user_id = $2 AND left_at IS NULL`
	hasMentionSQL       = `SELECT EXISTS (SELECT 1 FROM message_mentions WHERE message_id = $1 AND user_id = $2)`
)

// ActiveMembership implements MembershipReader.
func (r *PostgresMembershipReader) ActiveMembership(ctx context.Context, channelID, userID string) (*Membership, error) {
	var (
		level       string
		muteForever bool
		muteUntil   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, activeMembershipSQL, channelID, userID).Scan(&level, &muteForever, &muteUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query channel membership: %w", err)
	}

	membership := &Membership{Level: NotificationLevel(level), MuteForever: muteForever}
	if muteUntil.Valid {
		until := muteUntil.Time
		membership.MuteUntil = &until
	}
	return membership, nil
}

// HasMention implements MembershipReader.
func (r *PostgresMembershipReader) HasMention(ctx context.Context, messageID, userID string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, hasMentionSQL, messageID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query mention: %w", err)
	}
	return exists, nil
}
