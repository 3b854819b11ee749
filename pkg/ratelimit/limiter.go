package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidArgument indicates a blank scope or key, or a non-positive
// limit or window.
var ErrInvalidArgument = errors.New("invalid rate limit argument")

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Remaining is how many more requests fit in the current window.
	Remaining int
	// RetryAfterSeconds is positive only when Allowed is false.
	RetryAfterSeconds int
}

// Limiter is a sliding-window admission check. A request is admitted when
// fewer than limit requests for (scope, key) were admitted in the last
// windowSeconds. Denied requests are not recorded.
type Limiter interface {
	Check(ctx context.Context, scope, key string, limit, windowSeconds int) (Decision, error)
}

func validate(scope, key string, limit, windowSeconds int) error {
	switch {
	case strings.TrimSpace(scope) == "":
		return fmt.Errorf("%w: scope is required", ErrInvalidArgument)
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: key is required", ErrInvalidArgument)
	case limit <= 0:
		return fmt.Errorf("%w: limit must be greater than zero", ErrInvalidArgument)
	case windowSeconds <= 0:
		return fmt.Errorf("%w: window must be greater than zero", ErrInvalidArgument)
	}
	return nil
}

// bucketName identifies the window for (scope, key). The scope is length
// prefixed so that separators inside it cannot collide with the key.
func bucketName(scope, key string) string {
	return strconv.Itoa(len(scope)) + ":" + scope + ":" + key
}

// retryAfter rounds the wait until the oldest entry leaves the window up to
// whole seconds, never below one.
func retryAfter(oldestMs, windowMs, nowMs int64) int {
	wait := oldestMs + windowMs - nowMs
	seconds := int((wait + 999) / 1000)
	if seconds < 1 {
		return 1
	}
	return seconds
}
