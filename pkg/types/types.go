package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSendBuffer is the outbound message buffer of a connection
const DefaultSendBuffer = 64

// Connection is a live, admitted client connection
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	// unix nanoseconds, written by any handler goroutine
	lastActivity atomic.Int64

	mu     sync.Mutex
	topics map[string]struct{}
	send   chan *Message
	closed bool
	closer func()
}

// NewConnection creates a connection with an outbound buffer of the given size
func NewConnection(id, userID string, now time.Time, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	c := &Connection{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
		topics:      make(map[string]struct{}),
		send:        make(chan *Message, buffer),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Touch records inbound activity
func (c *Connection) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// LastActivity returns the time of the last inbound activity
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Send returns the outbound channel. It is closed once the connection is released.
func (c *Connection) Send() <-chan *Message {
	return c.send
}

// Deliver queues msg without blocking. It reports false when the connection
// is closed or its buffer is full.
func (c *Connection) Deliver(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Closed reports whether the connection has been released
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MarkClosed closes the connection. Only the first call returns true.
func (c *Connection) MarkClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// SetCloser installs the hook that tears down the underlying transport
func (c *Connection) SetCloser(fn func()) {
	c.mu.Lock()
	c.closer = fn
	c.mu.Unlock()
}

// CloseTransport runs the transport hook, if any
func (c *Connection) CloseTransport() {
	c.mu.Lock()
	fn := c.closer
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// AddTopic records a membership. Callers serialize through the router.
func (c *Connection) AddTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; ok {
		return false
	}
	c.topics[topic] = struct{}{}
	return true
}

// RemoveTopic drops a membership
func (c *Connection) RemoveTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; !ok {
		return false
	}
	delete(c.topics, topic)
	return true
}

// HasTopic reports whether the connection is subscribed to topic
func (c *Connection) HasTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Topics returns the subscribed topics in sorted order
func (c *Connection) Topics() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// RefreshSubscription is a user's requested push cadence
type RefreshSubscription struct {
	UserID          string
	IntervalSeconds int
	LastPush        time.Time
}

// Interval returns the push interval as a duration
func (s RefreshSubscription) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Refresh interval bounds in seconds
const (
	MinRefreshInterval = 0
	MaxRefreshInterval = 3600
)

// ValidateRefreshInterval checks a requested interval
func ValidateRefreshInterval(seconds int) error {
	if seconds < MinRefreshInterval || seconds > MaxRefreshInterval {
		return NewValidationError("seconds", fmt.Sprintf("must be between %d and %d", MinRefreshInterval, MaxRefreshInterval))
	}
	return nil
}

// Platform classifies where an analytics event originated
type Platform string

const (
	PlatformWeb    Platform = "Web"
	PlatformMobile Platform = "Mobile"
	PlatformAPI    Platform = "Api"
)

// EventType identifies an analytics event
type EventType string

const (
	EventBusinessView  EventType = "business_view"
	EventBusinessClick EventType = "business_click"
	EventReviewCreated EventType = "review_created"
	EventRatingChanged EventType = "rating_changed"
	EventSearch        EventType = "search"
	EventError         EventType = "error"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventBusinessView, EventBusinessClick, EventReviewCreated,
		EventRatingChanged, EventSearch, EventError:
		return true
	}
	return false
}

// AnalyticsEvent is an immutable analytics record
type AnalyticsEvent struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	UserID       string          `json:"user_id"`
	BusinessID   string          `json:"business_id,omitempty"`
	Platform     Platform        `json:"platform"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	RecordedAt   time.Time       `json:"recorded_at"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// EventFilter selects events for Query. Exactly one of UserID or
// BusinessID is expected; Start is inclusive and End exclusive.
type EventFilter struct {
	UserID     string
	BusinessID string
	Start      time.Time
	End        time.Time
	Limit      int
}

// Snapshot is a daily aggregate for one entity
type Snapshot struct {
	EntityID       string             `json:"entity_id"`
	Date           string             `json:"date"`
	Views          int64              `json:"views"`
	UniqueVisitors int64              `json:"unique_visitors"`
	Clicks         int64              `json:"clicks"`
	Reviews        int64              `json:"reviews"`
	TotalEvents    int64              `json:"total_events"`
	ByPlatform     map[Platform]int64 `json:"by_platform,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// SnapshotDateLayout is the layout of Snapshot.Date
const SnapshotDateLayout = "2006-01-02"

// Key returns the unique (entity, date) key. Keys sort by date first.
func (s *Snapshot) Key() string {
	return SnapshotKey(s.Date, s.EntityID)
}

// SnapshotKey builds the key of the snapshot of entityID on date
func SnapshotKey(date, entityID string) string {
	return date + "|" + entityID
}

// BusinessMetrics is the current state of one business
type BusinessMetrics struct {
	BusinessID string  `json:"business_id"`
	Name       string  `json:"name,omitempty"`
	Views      int64   `json:"views"`
	Reviews    int64   `json:"reviews"`
	Rating     float64 `json:"rating"`
}

// Baseline is the last observed metrics of a business
type Baseline struct {
	BusinessID string    `json:"business_id"`
	Views      int64     `json:"views"`
	Reviews    int64     `json:"reviews"`
	Rating     float64   `json:"rating"`
	ObservedAt time.Time `json:"observed_at"`
}
