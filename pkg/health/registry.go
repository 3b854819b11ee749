package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Checker is the interface that health check implementations must satisfy
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry holds the process's health checks. A check registered with
// NonCritical can only degrade the aggregate, never fail it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	checker  Checker
	critical bool
}

// RegisterOption adjusts how a check counts toward the aggregate.
type RegisterOption func(*entry)

// NonCritical reports a failing check as degraded. Use it for dependencies
// the service can run without, such as a fail-open rate limiter backend.
func NonCritical() RegisterOption {
	return func(e *entry) { e.critical = false }
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a check, replacing any check with the same name.
func (r *Registry) Register(checker Checker, opts ...RegisterOption) {
	e := entry{checker: checker, critical: true}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[checker.Name()] = e
}

// Unregister removes a check.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Check runs every check concurrently and folds the results: a critical
// unhealthy check fails the aggregate, anything else short of healthy
// degrades it.
func (r *Registry) Check(ctx context.Context) AggregatedResult {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	start := time.Now()
	results := make([]CheckResult, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e entry) {
			defer wg.Done()
			results[i] = e.checker.Check(ctx)
		}(i, e)
	}
	wg.Wait()

	overall := StatusHealthy
	for i, result := range results {
		switch {
		case result.Status == StatusUnhealthy && entries[i].critical:
			overall = StatusUnhealthy
		case result.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	return AggregatedResult{
		Status:    overall,
		Checks:    results,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// CheckOne runs the named check.
func (r *Registry) CheckOne(ctx context.Context, name string) (CheckResult, error) {
	r.mu.RLock()
	e, exists := r.entries[name]
	r.mu.RUnlock()
	if !exists {
		return CheckResult{}, fmt.Errorf("health check not found: %s", name)
	}
	return e.checker.Check(ctx), nil
}

// List returns the sorted check names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregatedResult represents the aggregated result of all health checks
type AggregatedResult struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// IsHealthy returns true if the overall status is healthy
func (r AggregatedResult) IsHealthy() bool {
	return r.Status == StatusHealthy
}
