package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

const (
	// MaxKeyLength bounds client supplied keys.
	MaxKeyLength = 255
	// defaultInsertAttempts bounds insert retries when a conflicting record
	// disappears between the insert and the read.
	defaultInsertAttempts = 3
)

// Handler is the protected operation. Its result is stored as JSON.
type Handler func(ctx context.Context) (any, error)

// Outcome is what Execute returns.
type Outcome struct {
	Response json.RawMessage
	// Replayed is true when Response came from an earlier request.
	Replayed bool
}

// Guard runs a handler at most once per (subject, scope, key).
type Guard struct {
	store Store
	now   func() time.Time
	log   logger.Logger
}

// NewGuard creates a guard with a backing store.
func NewGuard(store Store, log logger.Logger) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Guard{store: store, now: time.Now, log: log.With("component", "idempotency")}, nil
}

// Do runs handler once for the key and returns its canonical JSON result.
// A repeated call with the same body replays the stored result. An empty
// key runs handler without bookkeeping.
func (g *Guard) Do(ctx context.Context, subject Subject, scope, key string, body any, handler Handler) (json.RawMessage, error) {
	outcome, err := g.Execute(ctx, subject, scope, key, body, handler)
	if err != nil {
		return nil, err
	}
	return outcome.Response, nil
}

// Run is Do for a typed result.
func Run[T any](ctx context.Context, g *Guard, subject Subject, scope, key string, body any, handler func(ctx context.Context) (T, error)) (T, error) {
	var result T
	raw, err := g.Do(ctx, subject, scope, key, body, func(ctx context.Context) (any, error) {
		return handler(ctx)
	})
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("decode idempotent response: %w", err)
	}
	return result, nil
}

// Execute is Do that also reports whether the response was replayed.
func (g *Guard) Execute(ctx context.Context, subject Subject, scope, key string, body any, handler Handler) (Outcome, error) {
	if handler == nil {
		return Outcome{}, errors.New("handler is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		response, err := runHandler(ctx, handler)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Response: response}, nil
	}
	if len(key) > MaxKeyLength {
		return Outcome{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidKey, MaxKeyLength)
	}

	hash, err := RequestHash(scope, body)
	if err != nil {
		return Outcome{}, err
	}
	recordKey := RecordKey{Subject: subject, Scope: scope, Key: key}

	for attempt := 1; ; attempt++ {
		inserted, err := g.store.Insert(ctx, Record{RecordKey: recordKey, RequestHash: hash, CreatedAt: g.now().UTC()})
		if err != nil {
			return Outcome{}, err
		}
		if inserted {
			return g.runFresh(ctx, recordKey, hash, handler)
		}

		existing, err := g.store.Get(ctx, recordKey)
		if err != nil {
			return Outcome{}, err
		}
		if existing == nil {
			// The first request failed and released the key in between.
			if attempt >= defaultInsertAttempts {
				return Outcome{}, fmt.Errorf("%w: key %q kept changing", ErrInProgress, key)
			}
			continue
		}
		switch {
		case existing.RequestHash != hash:
			return Outcome{}, fmt.Errorf("%w: key %q in scope %q", ErrConflict, key, scope)
		case existing.Response == nil:
			return Outcome{}, fmt.Errorf("%w: key %q in scope %q", ErrInProgress, key, scope)
		default:
			g.log.WithContext(ctx).Debug("replaying idempotent response", "scope", scope, "subject_id", subject.ID)
			return Outcome{Response: existing.Response, Replayed: true}, nil
		}
	}
}

func (g *Guard) runFresh(ctx context.Context, recordKey RecordKey, hash string, handler Handler) (outcome Outcome, err error) {
	release := func(cause any) {
		// The key must become reusable even if the caller is gone.
		if delErr := g.store.Delete(context.WithoutCancel(ctx), recordKey, hash); delErr != nil {
			g.log.WithContext(ctx).Error("release idempotency record failed",
				"scope", recordKey.Scope, "subject_id", recordKey.Subject.ID, "error", delErr, "cause", cause)
		}
	}
	defer func() {
		if p := recover(); p != nil {
			release(p)
			panic(p)
		}
	}()

	response, err := runHandler(ctx, handler)
	if err != nil {
		release(err)
		return Outcome{}, err
	}
	if err := g.store.SaveResponse(context.WithoutCancel(ctx), recordKey, response, g.now().UTC()); err != nil {
		release(err)
		return Outcome{}, err
	}
	return Outcome{Response: response}, nil
}

func runHandler(ctx context.Context, handler Handler) (json.RawMessage, error) {
	result, err := handler(ctx)
	if err != nil {
		return nil, err
	}
	response, err := CanonicalJSON(result)
	if err != nil {
		return nil, fmt.Errorf("encode handler result: %w", err)
	}
	return response, nil
}
