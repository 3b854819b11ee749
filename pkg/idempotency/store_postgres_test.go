package idempotency

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/chatsync/pkg/migrate"
	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/store/postgres"
	"github.com/nimburion/chatsync/pkg/testutil"
)

var (
	fixedNow  = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	recordKey = RecordKey{Subject: Subject{Type: "user", ID: "u1"}, Scope: "POST /messages", Key: "k1"}
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(postgres.NewFromDB(db, postgres.Config{}, nil)), mock
}

func TestPostgresStore_Insert(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "new key", affected: 1, want: true},
		{name: "existing key", affected: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectExec(regexp.QuoteMeta(insertRecordSQL)).
				WithArgs("user", "u1", "POST /messages", "k1", "hash", fixedNow).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := store.Insert(context.Background(), Record{RecordKey: recordKey, RequestHash: "hash", CreatedAt: fixedNow})
			if err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Insert() = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	columns := []string{"request_hash", "response_json", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta(getRecordSQL)).
		WithArgs("user", "u1", "POST /messages", "k1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("hash", []byte(`{"status": 201, "body": {"id": "m1"}}`), fixedNow, fixedNow))

	rec, err := store.Get(context.Background(), recordKey)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec == nil || rec.RequestHash != "hash" {
		t.Fatalf("Get() = %+v", rec)
	}
	if string(rec.Response) != `{"body":{"id":"m1"},"status":201}` {
		t.Fatalf("response not canonical: %s", rec.Response)
	}

	mock.ExpectQuery(regexp.QuoteMeta(getRecordSQL)).
		WithArgs("user", "u1", "POST /messages", "k1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("hash", nil, fixedNow, fixedNow))
	rec, err = store.Get(context.Background(), recordKey)
	if err != nil || rec == nil || rec.Response != nil {
		t.Fatalf("pending record: rec=%+v err=%v", rec, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(getRecordSQL)).
		WithArgs("user", "u1", "POST /messages", "k1").
		WillReturnRows(sqlmock.NewRows(columns))
	rec, err = store.Get(context.Background(), recordKey)
	if err != nil || rec != nil {
		t.Fatalf("missing record: rec=%+v err=%v", rec, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_SaveAndDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(saveResponseSQL)).
		WithArgs("user", "u1", "POST /messages", "k1", `{"ok":true}`, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteRecordSQL)).
		WithArgs("user", "u1", "POST /messages", "k1", "hash").
		WillReturnError(errors.New("connection reset"))

	if err := store.SaveResponse(context.Background(), recordKey, []byte(`{"ok":true}`), fixedNow); err != nil {
		t.Fatalf("SaveResponse() error = %v", err)
	}
	if err := store.Delete(context.Background(), recordKey, "hash"); err == nil {
		t.Fatal("expected delete error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_DeleteBefore(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := fixedNow.Add(-DefaultRetention)

	mock.ExpectExec(regexp.QuoteMeta(deleteBeforeSQL)).
		WithArgs(cutoff, 500).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := store.DeleteBefore(context.Background(), cutoff, 500)
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if n != 42 {
		t.Fatalf("DeleteBefore() = %d, want 42", n)
	}
}

func TestPostgresStore_Integration(t *testing.T) {
	url := testutil.StartPostgres(t)

	db, err := postgres.Open(postgres.Config{URL: url}, logger.NewNop())
	if err != nil {
		t.Fatalf("postgres.Open() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	manager, err := migrate.NewManager(db.SQLDB(), migrate.Embedded(), migrate.EmbeddedDir)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := manager.Up(ctx); err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	guard, err := NewGuard(NewPostgresStore(db), logger.NewNop())
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}

	calls := 0
	handler := func(context.Context) (any, error) {
		calls++
		return map[string]any{"id": "m1", "count": calls}, nil
	}
	first, err := guard.Do(ctx, recordKey.Subject, recordKey.Scope, recordKey.Key, map[string]string{"text": "hi"}, handler)
	if err != nil {
		t.Fatalf("first Do() error = %v", err)
	}
	second, err := guard.Do(ctx, recordKey.Subject, recordKey.Scope, recordKey.Key, map[string]string{"text": "hi"}, handler)
	if err != nil {
		t.Fatalf("second Do() error = %v", err)
	}
	if calls != 1 || string(first) != string(second) {
		t.Fatalf("expected replay: calls=%d first=%s second=%s", calls, first, second)
	}

	if _, err := guard.Do(ctx, recordKey.Subject, recordKey.Scope, recordKey.Key, map[string]string{"text": "other"}, handler); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	cleaner, err := NewCleaner(NewPostgresStore(db), CleanerConfig{Retention: time.Minute}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewCleaner() error = %v", err)
	}
	deleted, err := cleaner.CleanupOnce(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanupOnce() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("CleanupOnce() deleted %d, want 1", deleted)
	}
}
