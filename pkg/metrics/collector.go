package metrics

import (
	"context"
	"time"
)

// ConnectionCounter reports the number of live connections
type ConnectionCounter interface {
	Count() int
}

// TopicCounter reports the number of topics with members
type TopicCounter interface {
	TopicCount() int
}

// SubscriptionCounter reports the number of active refresh subscriptions
type SubscriptionCounter interface {
	ActiveCount() int
}

// Collector samples gauges from the live components
type Collector struct {
	interval      time.Duration
	connections   ConnectionCounter
	topics        TopicCounter
	subscriptions SubscriptionCounter
	done          chan struct{}
}

// NewCollector creates a new metrics collector. Nil sources are skipped.
func NewCollector(interval time.Duration, conns ConnectionCounter, topics TopicCounter, subs SubscriptionCounter) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		interval:      interval,
		connections:   conns,
		topics:        topics,
		subscriptions: subs,
		done:          make(chan struct{}),
	}
}

// Start begins collecting metrics until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()

		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Done is closed once the collector loop has exited
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Collect samples every source once
func (c *Collector) Collect() {
	if c.connections != nil {
		ConnectionsActive.Set(float64(c.connections.Count()))
	}
	if c.topics != nil {
		TopicsActive.Set(float64(c.topics.TopicCount()))
	}
	if c.subscriptions != nil {
		RefreshSubscriptions.Set(float64(c.subscriptions.ActiveCount()))
	}
}
