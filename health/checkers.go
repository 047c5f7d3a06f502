package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Broker is the view of the adapter the checkers need. *chanmq.Client
// satisfies it.
type Broker interface {
	IsConnected() bool
	WriteReady() bool
	InFlight() int
}

// BrokerChecker reports on the adapter's connection. A live connection
// under broker flow control is degraded, not unhealthy: publishes stall
// but consumers keep going.
type BrokerChecker struct {
	broker Broker
}

// NewBrokerChecker creates a connection health checker.
func NewBrokerChecker(broker Broker) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	connected := c.broker.IsConnected()
	writeReady := c.broker.WriteReady()
	result.Details["connected"] = connected
	result.Details["write_ready"] = writeReady

	switch {
	case !connected:
		result.Status = StatusUnhealthy
		result.Message = "broker connection is down"
	case !writeReady:
		result.Status = StatusDegraded
		result.Message = "broker is applying backpressure"
	default:
		result.Status = StatusHealthy
		result.Message = "broker connection is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// InFlightChecker degrades when the number of messages being processed
// crosses the warning threshold and fails past the critical one.
type InFlightChecker struct {
	broker   Broker
	warning  int
	critical int
}

// NewInFlightChecker creates an in-flight load checker.
func NewInFlightChecker(broker Broker, warning, critical int) *InFlightChecker {
	return &InFlightChecker{broker: broker, warning: warning, critical: critical}
}

func (c *InFlightChecker) Name() string {
	return "in_flight"
}

func (c *InFlightChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	active := c.broker.InFlight()
	result.Details["in_flight"] = active
	result.Details["warning_threshold"] = c.warning
	result.Details["critical_threshold"] = c.critical

	switch {
	case c.critical > 0 && active >= c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d messages in flight, at or above critical threshold", active)
	case c.warning > 0 && active >= c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d messages in flight, at or above warning threshold", active)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d messages in flight", active)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker guards against runaway consumer goroutines.
type GoroutineChecker struct {
	limit int
}

// NewGoroutineChecker creates a goroutine count checker.
func NewGoroutineChecker(limit int) *GoroutineChecker {
	return &GoroutineChecker{limit: limit}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	count := runtime.NumGoroutine()
	result.Details["goroutines"] = count
	result.Details["limit"] = c.limit

	if c.limit > 0 && count > c.limit {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d goroutines, above limit of %d", count, c.limit)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d goroutines", count)
	}

	result.Duration = time.Since(start)
	return result
}
