package migrate

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nimburion/chatsync/pkg/migrate"
	"github.com/nimburion/chatsync/pkg/testutil"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		steps   int
		wantErr bool
	}{
		{name: "default up", args: nil, want: "up", steps: 1},
		{name: "up", args: []string{"up"}, want: "up", steps: 1},
		{name: "down with steps", args: []string{"down", "3"}, want: "down", steps: 3},
		{name: "status", args: []string{"STATUS"}, want: "status", steps: 1},
		{name: "unknown", args: []string{"sideways"}, wantErr: true},
		{name: "zero steps", args: []string{"down", "0"}, wantErr: true},
		{name: "steps on up", args: []string{"up", "2"}, wantErr: true},
		{name: "too many", args: []string{"down", "1", "2"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, steps, err := ParseArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %v", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sub != tt.want || steps != tt.steps {
				t.Fatalf("ParseArgs(%v) = %s, %d", tt.args, sub, steps)
			}
		})
	}
}

func TestRun(t *testing.T) {
	var gotSteps int
	ops := Operations{
		Up:   func(context.Context) (int, error) { return 2, nil },
		Down: func(_ context.Context, steps int) (int, error) { gotSteps = steps; return steps, nil },
		Status: func(context.Context) (*migrate.Status, error) {
			return &migrate.Status{
				AppliedVersions: []int64{1},
				Pending:         []migrate.PendingMigration{{Version: 2, Name: "idempotency_keys"}},
			}, nil
		},
	}
	var out bytes.Buffer
	log := testutil.NewMockLogger()
	opts := Options{Logger: log, Out: &out}

	if err := Run(context.Background(), []string{"up"}, opts, ops); err != nil {
		t.Fatalf("up: %v", err)
	}
	if _, ok := log.Find("migrations applied"); !ok {
		t.Fatal("expected up to be logged")
	}
	if err := Run(context.Background(), []string{"down", "2"}, opts, ops); err != nil {
		t.Fatalf("down: %v", err)
	}
	if gotSteps != 2 {
		t.Fatalf("down steps = %d", gotSteps)
	}
	if err := Run(context.Background(), []string{"status"}, opts, ops); err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"applied 2 migration(s)", "reverted 2 migration(s)", "pending: 1", "2 idempotency_keys"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunWrapsFailures(t *testing.T) {
	boom := errors.New("boom")
	ops := Operations{Up: func(context.Context) (int, error) { return 0, boom }}

	err := Run(context.Background(), []string{"up"}, Options{}, ops)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
	if err := Run(context.Background(), []string{"status"}, Options{}, ops); err == nil {
		t.Fatal("expected unsupported status to fail")
	}
}
