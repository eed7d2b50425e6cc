package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies a server-to-client message
type MessageType string

const (
	MessageMetricsUpdate  MessageType = "metrics.update"
	MessageBusinessUpdate MessageType = "metrics.business"
	MessageSurge          MessageType = "notification.surge"
	MessageNewReviews     MessageType = "notification.reviews"
	MessagePong           MessageType = "pong"
)

// Message is the envelope pushed to clients. It is shared across all
// recipients of a publish and must not be mutated after creation.
type Message struct {
	Type    MessageType     `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// NewMessage encodes payload into a message envelope
func NewMessage(typ MessageType, topic string, payload any, now time.Time) (*Message, error) {
	msg := &Message{Type: typ, Topic: topic, SentAt: now.UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// MetricsUpdate is the payload of a metrics.update message
type MetricsUpdate struct {
	UserID     string            `json:"user_id"`
	Businesses []BusinessMetrics `json:"businesses"`
}

// SurgeNotification is the payload of a notification.surge message
type SurgeNotification struct {
	BusinessID    string  `json:"business_id"`
	Name          string  `json:"name,omitempty"`
	PreviousViews int64   `json:"previous_views"`
	CurrentViews  int64   `json:"current_views"`
	Increase      float64 `json:"increase"`
}

// ReviewNotification is the payload of a notification.reviews message
type ReviewNotification struct {
	BusinessID     string  `json:"business_id"`
	Name           string  `json:"name,omitempty"`
	NewReviews     int64   `json:"new_reviews"`
	TotalReviews   int64   `json:"total_reviews"`
	PreviousRating float64 `json:"previous_rating"`
	CurrentRating  float64 `json:"current_rating"`
}

// ControlType identifies a client-to-server control message
type ControlType string

const (
	ControlJoin               ControlType = "join"
	ControlLeave              ControlType = "leave"
	ControlSetRefreshInterval ControlType = "set_refresh_interval"
	ControlPing               ControlType = "ping"
)

// ControlMessage is a fire-and-forget request from a client
type ControlMessage struct {
	Type    ControlType `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Seconds *int        `json:"seconds,omitempty"`
}

// Topic namespaces
const (
	TopicKindUser     = "user"
	TopicKindBusiness = "business"
)

// Topic is a parsed topic name
type Topic struct {
	Kind       string
	UserID     string
	BusinessID string
}

// UserTopic returns the per-user topic name
func UserTopic(userID string) string {
	return TopicKindUser + ":" + userID
}

// BusinessTopic returns the per-business-per-user topic name
func BusinessTopic(businessID, userID string) string {
	return TopicKindBusiness + ":" + businessID + ":" + TopicKindUser + ":" + userID
}

// String returns the canonical topic name
func (t Topic) String() string {
	if t.Kind == TopicKindBusiness {
		return BusinessTopic(t.BusinessID, t.UserID)
	}
	return UserTopic(t.UserID)
}

// ParseTopic validates a topic name and splits it into its parts
func ParseTopic(name string) (Topic, error) {
	parts := strings.Split(name, ":")
	switch {
	case len(parts) == 2 && parts[0] == TopicKindUser && parts[1] != "":
		return Topic{Kind: TopicKindUser, UserID: parts[1]}, nil
	case len(parts) == 4 && parts[0] == TopicKindBusiness && parts[2] == TopicKindUser &&
		parts[1] != "" && parts[3] != "":
		return Topic{Kind: TopicKindBusiness, BusinessID: parts[1], UserID: parts[3]}, nil
	}
	return Topic{}, NewValidationError("topic", fmt.Sprintf("unrecognized topic %q", name))
}
