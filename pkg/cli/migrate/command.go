// Package migrate runs schema migrations from the command line.
package migrate

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/chatsync/pkg/migrate"
	"github.com/nimburion/chatsync/pkg/observability/logger"
)

const defaultTimeout = 5 * time.Minute

// Operations are the migration actions a subcommand dispatches to.
type Operations struct {
	Up     func(ctx context.Context) (int, error)
	Down   func(ctx context.Context, steps int) (int, error)
	Status func(ctx context.Context) (*migrate.Status, error)
}

// FromManager binds Operations to a migration manager.
func FromManager(m *migrate.Manager) Operations {
	return Operations{Up: m.Up, Down: m.Down, Status: m.Status}
}

// Options configures a run.
type Options struct {
	Timeout time.Duration
	Logger  logger.Logger
	Out     io.Writer
}

// ParseArgs parses [up|down|status] [steps], defaulting to "up" and one step.
func ParseArgs(args []string) (string, int, error) {
	subcommand := "up"
	if len(args) > 0 {
		subcommand = strings.ToLower(strings.TrimSpace(args[0]))
	}
	switch subcommand {
	case "up", "down", "status":
	default:
		return "", 0, fmt.Errorf("unknown migrate subcommand %q (expected up, down or status)", subcommand)
	}

	steps := 1
	if len(args) > 1 {
		if subcommand != "down" {
			return "", 0, fmt.Errorf("migrate %s takes no arguments", subcommand)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return "", 0, fmt.Errorf("invalid steps %q: must be a positive integer", args[1])
		}
		steps = n
	}
	if len(args) > 2 {
		return "", 0, fmt.Errorf("too many arguments")
	}
	return subcommand, steps, nil
}

// Run parses args and executes the matching operation.
func Run(ctx context.Context, args []string, opts Options, ops Operations) error {
	subcommand, steps, err := ParseArgs(args)
	if err != nil {
		return err
	}
	return RunParsed(ctx, subcommand, steps, opts, ops)
}

// RunParsed executes an already parsed subcommand under opts.Timeout.
func RunParsed(ctx context.Context, subcommand string, steps int, opts Options, ops Operations) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch subcommand {
	case "up":
		if ops.Up == nil {
			return fmt.Errorf("migrate up is not supported")
		}
		applied, err := ops.Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		log.Info("migrations applied", "count", applied)
		fmt.Fprintf(out, "applied %d migration(s)\n", applied)
	case "down":
		if ops.Down == nil {
			return fmt.Errorf("migrate down is not supported")
		}
		reverted, err := ops.Down(ctx, steps)
		if err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		log.Info("migrations reverted", "count", reverted)
		fmt.Fprintf(out, "reverted %d migration(s)\n", reverted)
	case "status":
		if ops.Status == nil {
			return fmt.Errorf("migrate status is not supported")
		}
		status, err := ops.Status(ctx)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		printStatus(out, status)
	default:
		return fmt.Errorf("unknown migrate subcommand %q", subcommand)
	}
	return nil
}

func printStatus(out io.Writer, status *migrate.Status) {
	if status == nil {
		status = &migrate.Status{}
	}
	fmt.Fprintf(out, "applied: %d\n", len(status.AppliedVersions))
	for _, v := range status.AppliedVersions {
		fmt.Fprintf(out, "  %d\n", v)
	}
	fmt.Fprintf(out, "pending: %d\n", len(status.Pending))
	for _, p := range status.Pending {
		fmt.Fprintf(out, "  %d %s\n", p.Version, p.Name)
	}
}
