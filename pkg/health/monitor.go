package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/rs/zerolog"
)

// Monitor runs dependency checkers on an interval and reports their
// state to a health registry
type Monitor struct {
	config   Config
	registry *metrics.HealthChecker
	logger   zerolog.Logger

	mu       sync.Mutex
	checkers []Checker
	statuses map[string]*Status
	done     chan struct{}
}

// NewMonitor creates a monitor reporting to registry
func NewMonitor(registry *metrics.HealthChecker, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Monitor{
		config:   config,
		registry: registry,
		logger:   log.WithComponent("health"),
		statuses: make(map[string]*Status),
		done:     make(chan struct{}),
	}
}

// Add registers a checker. The component is reported healthy until checked.
func (m *Monitor) Add(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.statuses[c.Name()] = NewStatus()
	m.mu.Unlock()

	m.registry.RegisterComponent(c.Name(), true, "not checked yet")
}

// Start runs the check loop until ctx is cancelled
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	go func() {
		defer close(m.done)
		defer ticker.Stop()

		m.CheckAll(ctx)
		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Done is closed once the monitor loop has exited
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// CheckAll runs every checker once
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.Unlock()

	for _, c := range checkers {
		result := c.Check(ctx)

		m.mu.Lock()
		st := m.statuses[c.Name()]
		st.Update(result, m.config)
		healthy := st.Healthy
		failures := st.ConsecutiveFailures
		m.mu.Unlock()

		if !result.Healthy {
			m.logger.Warn().
				Str("dependency", c.Name()).
				Int("consecutive_failures", failures).
				Msg(result.Message)
		}

		m.registry.Update(metrics.ComponentHealth{
			Name:     c.Name(),
			Healthy:  healthy,
			Degraded: !result.Healthy && healthy,
			Message:  result.Message,
			Details: map[string]string{
				"consecutive_failures": strconv.Itoa(failures),
				"latency":              result.Duration.String(),
			},
		})
	}
}
