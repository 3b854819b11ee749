package health

import (
	"context"
	"time"
)

// Checkable is implemented by the Postgres and Redis adapters and the AMQP bus.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker reports unhealthy when the adapter's HealthCheck fails.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a new health checker for an adapter
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// NewDatabaseChecker checks a database adapter with a 5s timeout.
func NewDatabaseChecker(name string, db Checkable) *AdapterChecker {
	return NewAdapterChecker(name, db, 5*time.Second)
}

// NewCacheChecker checks a cache adapter with a 3s timeout.
func NewCacheChecker(name string, cache Checkable) *AdapterChecker {
	return NewAdapterChecker(name, cache, 3*time.Second)
}

// NewMessageBrokerChecker checks a broker with a 5s timeout.
func NewMessageBrokerChecker(name string, broker Checkable) *AdapterChecker {
	return NewAdapterChecker(name, broker, 5*time.Second)
}

// CustomChecker allows creating a health checker from a custom function
type CustomChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a checker from a function returning
// (status, message, error).
func NewCustomChecker(name string, checkFunc func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFunc: checkFunc}
}

// Check executes the custom check function
func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checkFunc(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *CustomChecker) Name() string {
	return c.name
}

// CapacityChecker reports degraded once usage reaches the threshold
// fraction of capacity and unhealthy at full capacity.
func CapacityChecker(name string, threshold float64, usage func() (used, capacity int)) *CustomChecker {
	return NewCustomChecker(name, func(context.Context) (Status, string, error) {
		used, capacity := usage()
		switch {
		case capacity <= 0:
			return StatusHealthy, "unbounded", nil
		case used >= capacity:
			return StatusUnhealthy, "at capacity", nil
		case float64(used) >= threshold*float64(capacity):
			return StatusDegraded, "near capacity", nil
		default:
			return StatusHealthy, "OK", nil
		}
	})
}
