package router

import (
	"fmt"
	"sync"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
)

// Router maps topics to the connections subscribed to them
type Router struct {
	mu      sync.RWMutex
	members map[string]map[string]*types.Connection
	logger  zerolog.Logger
}

// New creates an empty router
func New() *Router {
	return &Router{
		members: make(map[string]map[string]*types.Connection),
		logger:  log.WithComponent("router"),
	}
}

// Join subscribes conn to topic. Joining twice is a no-op.
func (r *Router) Join(conn *types.Connection, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Checked under the router lock so LeaveAll cannot race a late join
	if conn.Closed() {
		return types.ErrConnectionClosed
	}

	set, ok := r.members[topic]
	if !ok {
		set = make(map[string]*types.Connection)
		r.members[topic] = set
	}
	set[conn.ID] = conn
	conn.AddTopic(topic)
	metrics.TopicsActive.Set(float64(len(r.members)))
	return nil
}

// Leave unsubscribes conn from topic. Leaving a topic not joined is a no-op.
func (r *Router) Leave(conn *types.Connection, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn, topic)
	metrics.TopicsActive.Set(float64(len(r.members)))
}

// LeaveAll drops every membership of conn
func (r *Router) LeaveAll(conn *types.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range conn.Topics() {
		r.leaveLocked(conn, topic)
	}
	metrics.TopicsActive.Set(float64(len(r.members)))
}

func (r *Router) leaveLocked(conn *types.Connection, topic string) {
	conn.RemoveTopic(topic)
	set, ok := r.members[topic]
	if !ok {
		return
	}
	delete(set, conn.ID)
	if len(set) == 0 {
		delete(r.members, topic)
	}
}

// Publish delivers msg to the members of topic at the time of the call
// and returns how many connections accepted it. Members with a full
// buffer miss the message.
func (r *Router) Publish(topic string, msg *types.Message) int {
	r.mu.RLock()
	set := r.members[topic]
	targets := make([]*types.Connection, 0, len(set))
	for _, conn := range set {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	metrics.MessagesPublished.WithLabelValues(string(msg.Type)).Inc()

	delivered := 0
	for _, conn := range targets {
		if conn.Deliver(msg) {
			delivered++
			continue
		}
		metrics.MessagesDropped.Inc()
		r.logger.Debug().
			Str("connection_id", conn.ID).
			Str("topic", topic).
			Msg("Dropped message for slow or closed connection")
	}
	metrics.MessagesDelivered.Add(float64(delivered))
	return delivered
}

// Members returns the ids of the connections subscribed to topic
func (r *Router) Members(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members[topic]))
	for id := range r.members[topic] {
		ids = append(ids, id)
	}
	return ids
}

// TopicCount returns the number of topics with at least one member
func (r *Router) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Authorize checks that userID may join topic. Only the namespace is
// checked; business entitlement is the caller's concern.
func Authorize(userID, topic string) (types.Topic, error) {
	t, err := types.ParseTopic(topic)
	if err != nil {
		return types.Topic{}, err
	}
	if t.UserID != userID {
		return types.Topic{}, fmt.Errorf("%w: topic %q belongs to another user", types.ErrForbidden, topic)
	}
	return t, nil
}
