package updates

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/nimburion/chatsync/pkg/migrate"
	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/store/postgres"
	"github.com/nimburion/chatsync/pkg/testutil"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newMockLog(t *testing.T, cfg PostgresLogConfig) (*PostgresLog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	return NewPostgresLog(postgres.NewFromDB(db, postgres.Config{}, nil), cfg, nil, nil), mock
}

func expectAllocation(mock sqlmock.Sqlmock, recipientID string, head int64) *sqlmock.ExpectedExec {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockRecipientSQL)).
		WithArgs(postgres.AdvisoryLockKey(advisoryLockNamespace, recipientID)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(maxSeqnoSQL)).
		WithArgs(recipientID).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(head))
	return mock.ExpectExec(regexp.QuoteMeta(insertEventSQL)).
		WithArgs(sqlmock.AnyArg(), recipientID, head+1, sqlmock.AnyArg(), sqlmock.AnyArg(), fixedNow)
}

func TestPostgresLog_AppendAllocatesNextSeqno(t *testing.T) {
	log, mock := newMockLog(t, PostgresLogConfig{})

	expectAllocation(mock, "user-1", 41).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	evt, err := log.Append(context.Background(), "user-1", EventChannelUpdated, []byte(`{"channelId":"c"}`))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if evt.Seqno != 42 || evt.RecipientID != "user-1" || evt.EventType != EventChannelUpdated {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.ID == "" {
		t.Fatal("expected generated event id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLog_AppendRetriesUniqueViolation(t *testing.T) {
	log, mock := newMockLog(t, PostgresLogConfig{})

	expectAllocation(mock, "user-1", 7).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	expectAllocation(mock, "user-1", 8).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	evt, err := log.Append(context.Background(), "user-1", EventMessageUpdated, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if evt.Seqno != 9 {
		t.Fatalf("expected seqno 9 after retry, got %d", evt.Seqno)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLog_AppendRejectsCallerTransaction(t *testing.T) {
	log, mock := newMockLog(t, PostgresLogConfig{})

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := log.db.WithTransaction(context.Background(), func(txCtx context.Context) error {
		_, err := log.Append(txCtx, "user-1", EventMessageUpdated, nil)
		return err
	})
	if !errors.Is(err, ErrCallerTransaction) {
		t.Fatalf("Append() inside a transaction error = %v, want ErrCallerTransaction", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLog_AppendExhaustsRetries(t *testing.T) {
	log, mock := newMockLog(t, PostgresLogConfig{AllocationRetries: 2})

	for i := 0; i < 3; i++ {
		expectAllocation(mock, "user-1", 1).WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
	}

	_, err := log.Append(context.Background(), "user-1", EventMessageUpdated, nil)
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLog_AppendFailsFastOnOtherErrors(t *testing.T) {
	log, mock := newMockLog(t, PostgresLogConfig{})
	boom := errors.New("connection reset")

	expectAllocation(mock, "user-1", 0).WillReturnError(boom)
	mock.ExpectRollback()

	_, err := log.Append(context.Background(), "user-1", EventMessageUpdated, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
	if errors.Is(err, ErrAllocationExhausted) {
		t.Fatal("non-conflict errors must not be reported as exhaustion")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLog_AppendTrimsAfterCommit(t *testing.T) {
	log, mock := newMockLog(t, PostgresLogConfig{})

	expectAllocation(mock, "user-1", 5099).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta(trimEventsSQL)).
		WithArgs("user-1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 100))

	evt, err := log.Append(context.Background(), "user-1", EventMessageUpdated, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if evt.Seqno != 5100 {
		t.Fatalf("expected seqno 5100, got %d", evt.Seqno)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLog_TrimFailureDoesNotFailAppend(t *testing.T) {
	log, mock := newMockLog(t, PostgresLogConfig{})

	expectAllocation(mock, "user-1", 5199).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta(trimEventsSQL)).WillReturnError(errors.New("lock timeout"))

	if _, err := log.Append(context.Background(), "user-1", EventMessageUpdated, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLog_ListAfterAndBounds(t *testing.T) {
	log, mock := newMockLog(t, PostgresLogConfig{})

	mock.ExpectQuery(regexp.QuoteMeta(listAfterSQL)).
		WithArgs("user-1", int64(10), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recipient_id", "seqno", "event_type", "payload", "created_at"}).
			AddRow("a", "user-1", int64(11), "message.updated", []byte(`{"x":1}`), fixedNow).
			AddRow("b", "user-1", int64(12), "message.deleted", []byte(`{}`), fixedNow))
	mock.ExpectQuery(regexp.QuoteMeta(boundsSQL)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(int64(3), int64(12)))

	events, err := log.ListAfter(context.Background(), "user-1", 10, 2)
	if err != nil {
		t.Fatalf("ListAfter() error = %v", err)
	}
	if len(events) != 2 || events[0].Seqno != 11 || events[1].EventType != EventMessageDeleted {
		t.Fatalf("unexpected events: %+v", events)
	}
	if string(events[0].Payload) != `{"x":1}` {
		t.Fatalf("unexpected payload %s", events[0].Payload)
	}

	bounds, err := log.Bounds(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Bounds() error = %v", err)
	}
	if bounds != (Bounds{MinRetained: 3, Head: 12}) {
		t.Fatalf("unexpected bounds %+v", bounds)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLog_Integration(t *testing.T) {
	url := testutil.StartPostgres(t)

	db, err := postgres.Open(postgres.Config{URL: url, MaxOpenConns: 16, MaxIdleConns: 4}, logger.NewNop())
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

	log := NewPostgresLog(db, PostgresLogConfig{Retention: RetentionPolicy{MaxRetained: 20, TrimInterval: 10}}, logger.NewNop(), nil)

	const n = 40
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		seqnos = map[int64]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evt, err := log.Append(ctx, "user-1", EventMessageUpdated, []byte(`{"n":1}`))
			if err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
			mu.Lock()
			seqnos[evt.Seqno] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	for s := int64(1); s <= n; s++ {
		if !seqnos[s] {
			t.Fatalf("seqno %d missing from %v", s, seqnos)
		}
	}

	bounds, err := log.Bounds(ctx, "user-1")
	if err != nil {
		t.Fatalf("Bounds() error = %v", err)
	}
	if bounds.Head != n || bounds.MinRetained != n-20+1 {
		t.Fatalf("unexpected bounds after trim: %+v", bounds)
	}

	diff, err := NewCatchUp(log, 0, 0).Diff(ctx, "user-1", 5, 0)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !diff.ResetRequired || diff.HeadOffset != n || len(diff.Updates) != 20 {
		t.Fatalf("unexpected diff: reset=%v head=%d updates=%d", diff.ResetRequired, diff.HeadOffset, len(diff.Updates))
	}
}
