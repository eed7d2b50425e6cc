package health

import (
	"context"
	"time"
)

// Result represents the outcome of a health check or a guarded run
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all dependency checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Name is the component name reported to the health registry
	Name() string
}

// Config contains common configuration for health tracking
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks consecutive outcomes of a component
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed results
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive successful results
	ConsecutiveSuccesses int

	// LastCheck is the timestamp of the last result
	LastCheck time.Time

	// LastSuccess is the timestamp of the last healthy result
	LastSuccess time.Time

	// LastResult is the last result recorded
	LastResult Result

	// Healthy is false once ConsecutiveFailures reaches the retry threshold
	Healthy bool
}

// NewStatus creates a new Status. Components start healthy.
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update records a new result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.LastSuccess = result.CheckedAt
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0

	retries := config.Retries
	if retries <= 0 {
		retries = 1
	}
	if s.ConsecutiveFailures >= retries {
		s.Healthy = false
	}
}
