package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// LifecycleHook defines a named shutdown action.
type LifecycleHook struct {
	Name string
	Fn   func(context.Context) error
}

// runHooks runs hooks in order, each with its own timeout, and joins the
// failures.
func runHooks(log logger.Logger, hooks []LifecycleHook, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var errs []error
	for _, hook := range hooks {
		if hook.Fn == nil {
			continue
		}
		name := strings.TrimSpace(hook.Name)
		if name == "" {
			name = "unnamed"
		}

		hookCtx, cancel := context.WithTimeout(context.Background(), timeout)
		err := hook.Fn(hookCtx)
		cancel()

		if err != nil {
			log.Error("shutdown hook failed", "hook", name, "error", err)
			errs = append(errs, fmt.Errorf("shutdown hook %q failed: %w", name, err))
			continue
		}
		log.Debug("shutdown hook complete", "hook", name)
	}
	return errors.Join(errs...)
}
