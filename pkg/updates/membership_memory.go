package updates

import (
	"context"
	"sync"
)

// MemoryMembershipReader keeps memberships and mentions in maps.
type MemoryMembershipReader struct {
	mu          sync.RWMutex
	memberships map[[2]string]Membership
	mentions    map[[2]string]struct{}
}

// NewMemoryMembershipReader returns an empty reader.
func NewMemoryMembershipReader() *MemoryMembershipReader {
	return &MemoryMembershipReader{
		memberships: make(map[[2]string]Membership),
		mentions:    make(map[[2]string]struct{}),
	}
}

// SetMembership records an active membership of userID in channelID.
func (r *MemoryMembershipReader) SetMembership(channelID, userID string, m Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memberships[[2]string{channelID, userID}] = m
}

// Leave removes the membership.
func (r *MemoryMembershipReader) Leave(channelID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.memberships, [2]string{channelID, userID})
}

// AddMention links messageID to userID.
func (r *MemoryMembershipReader) AddMention(messageID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mentions[[2]string{messageID, userID}] = struct{}{}
}

// ActiveMembership implements MembershipReader.
func (r *MemoryMembershipReader) ActiveMembership(_ context.Context, channelID, userID string) (*Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.memberships[[2]string{channelID, userID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// HasMention implements MembershipReader.
func (r *MemoryMembershipReader) HasMention(_ context.Context, messageID, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mentions[[2]string{messageID, userID}]
	return ok, nil
}
