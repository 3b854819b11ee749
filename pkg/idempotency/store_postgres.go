package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/chatsync/pkg/store/postgres"
)

// PostgresStore keeps records in the idempotency_records table.
type PostgresStore struct {
	db postgres.Executor
}

// NewPostgresStore builds a store on db.
func NewPostgresStore(db postgres.Executor) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	insertRecordSQL = `INSERT INTO idempotency_records (subject_type, subject_id, scope, idempotency_key, request_hash, response_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULL, $6, $6) ON CONFLICT DO NOTHING`
	getRecordSQL = `SELECT request_hash, response_json, created_at, updated_at FROM idempotency_records
WHERE subject_type = $1 AND subject_id = $2 AND scope = $3 AND idempotency_key = $4`
	saveResponseSQL = `UPDATE idempotency_records SET response_json = $5, updated_at = $6
WHERE subject_type = $1 AND subject_id = $2 AND scope = $3 AND idempotency_key = $4`
	deleteRecordSQL = `DELETE FROM idempotency_records
WHERE subject_type = $1 AND subject_id = $2 AND scope = $3 AND idempotency_key = $4 AND request_hash = $5`
	deleteBeforeSQL = `DELETE FROM idempotency_records WHERE ctid IN (
SELECT ctid FROM idempotency_records WHERE created_at < $1 ORDER BY created_at LIMIT $2)`
)

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) (bool, error) {
	result, err := s.db.ExecContext(ctx, insertRecordSQL,
		rec.Subject.Type, rec.Subject.ID, rec.Scope, rec.Key, rec.RequestHash, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return n == 1, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key RecordKey) (*Record, error) {
	rec := &Record{RecordKey: key}
	var response []byte
	err := s.db.QueryRowContext(ctx, getRecordSQL, key.Subject.Type, key.Subject.ID, key.Scope, key.Key).
		Scan(&rec.RequestHash, &response, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if response != nil {
		// JSONB reorders keys and adds whitespace.
		canonical, err := CanonicalJSON(json.RawMessage(response))
		if err != nil {
			return nil, fmt.Errorf("get idempotency record: %w", err)
		}
		rec.Response = canonical
	}
	return rec, nil
}

// SaveResponse implements Store.
func (s *PostgresStore) SaveResponse(ctx context.Context, key RecordKey, response json.RawMessage, at time.Time) error {
	// JSONB rejects bytea; send the document as text.
	if _, err := s.db.ExecContext(ctx, saveResponseSQL,
		key.Subject.Type, key.Subject.ID, key.Scope, key.Key, string(response), at); err != nil {
		return fmt.Errorf("save idempotent response: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key RecordKey, requestHash string) error {
	if _, err := s.db.ExecContext(ctx, deleteRecordSQL,
		key.Subject.Type, key.Subject.ID, key.Scope, key.Key, requestHash); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// DeleteBefore implements Store.
func (s *PostgresStore) DeleteBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	result, err := s.db.ExecContext(ctx, deleteBeforeSQL, before, limit)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency records: %w", err)
	}
	return int(n), nil
}
