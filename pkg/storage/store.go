package storage

import (
	"context"
	"time"

	"github.com/cuemby/pulse/pkg/types"
)

// EventStore is the append-only analytics event log
type EventStore interface {
	AppendEvent(ctx context.Context, ev *types.AnalyticsEvent) error
	QueryEvents(ctx context.Context, filter types.EventFilter) ([]*types.AnalyticsEvent, error)
}

// SnapshotStore persists daily aggregates. Creation is idempotent per
// (entity, date).
type SnapshotStore interface {
	CreateDailySnapshots(ctx context.Context, day time.Time) (int, error)
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error)
	GetSnapshot(ctx context.Context, entityID, date string) (*types.Snapshot, error)
	ListSnapshots(ctx context.Context, entityID string) ([]*types.Snapshot, error)
}

// BaselineStore keeps the last observed metrics per business
type BaselineStore interface {
	GetBaseline(ctx context.Context, businessID string) (*types.Baseline, error)
	PutBaseline(ctx context.Context, b *types.Baseline) error
}

// Store is everything pulse persists
type Store interface {
	EventStore
	SnapshotStore
	BaselineStore

	Ping(ctx context.Context) error
	Close() error
}

// DayBounds returns [start, end) of the UTC day containing t
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
