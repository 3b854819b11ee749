package idempotency

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. Records do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[RecordKey]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[RecordKey]Record)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.RecordKey]; exists {
		return false, nil
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Response = nil
	s.records[rec.RecordKey] = rec
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key RecordKey) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if rec.Response != nil {
		rec.Response = append(json.RawMessage(nil), rec.Response...)
	}
	return &rec, nil
}

// SaveResponse implements Store.
func (s *MemoryStore) SaveResponse(_ context.Context, key RecordKey, response json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	rec.Response = append(json.RawMessage(nil), response...)
	rec.UpdatedAt = at
	s.records[key] = rec
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key RecordKey, requestHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && rec.RequestHash == requestHash {
		delete(s.records, key)
	}
	return nil
}

// DeleteBefore implements Store.
func (s *MemoryStore) DeleteBefore(_ context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make([]Record, 0)
	for _, rec := range s.records {
		if rec.CreatedAt.Before(before) {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for _, rec := range stale {
		delete(s.records, rec.RecordKey)
	}
	return len(stale), nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
