package health

import (
	"context"
	"fmt"
	"time"
)

// PingFunc probes a dependency such as a database or broker connection
type PingFunc func(ctx context.Context) error

// PingChecker adapts a PingFunc to a Checker
type PingChecker struct {
	name    string
	ping    PingFunc
	timeout time.Duration
}

// NewPingChecker creates a checker for the named dependency
func NewPingChecker(name string, timeout time.Duration, ping PingFunc) *PingChecker {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &PingChecker{name: name, ping: ping, timeout: timeout}
}

// Name returns the component name
func (p *PingChecker) Name() string {
	return p.name
}

// Check runs the ping under the checker timeout
func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.ping(ctx); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s ping failed: %v", p.name, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   "ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
