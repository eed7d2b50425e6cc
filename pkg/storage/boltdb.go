package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents    = []byte("events")
	bucketSnapshots = []byte("snapshots")
	bucketBaselines = []byte("baselines")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pulse.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketSnapshots, bucketBaselines} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still usable
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEvents) == nil {
			return fmt.Errorf("bucket %s missing", bucketEvents)
		}
		return nil
	})
}

// eventKey orders events by occurrence time, then id. t must not be
// before 1970.
func eventKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	copy(key[8:], id)
	return key
}

// timePrefix is the lower bound key for t. Times before 1970 map to zero.
func timePrefix(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(max(t.UnixNano(), 0)))
	return key
}

// Event operations

func (s *BoltStore) AppendEvent(ctx context.Context, ev *types.AnalyticsEvent) error {
	if ev.ID == "" {
		return types.NewValidationError("id", "must not be empty")
	}
	if ev.OccurredAt.Before(time.Unix(0, 0)) {
		return types.NewValidationError("occurred_at", "must not be before 1970-01-01")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(eventKey(ev.OccurredAt, ev.ID), data)
	})
}

// QueryEvents scans the time range from newest to oldest
func (s *BoltStore) QueryEvents(ctx context.Context, filter types.EventFilter) ([]*types.AnalyticsEvent, error) {
	var events []*types.AnalyticsEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()

		var k, v []byte
		if filter.End.IsZero() {
			k, v = c.Last()
		} else {
			// Seek lands on the first key >= End, step back into range
			k, v = c.Seek(timePrefix(filter.End))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		var lower []byte
		if !filter.Start.IsZero() {
			lower = timePrefix(filter.Start)
		}

		for ; k != nil; k, v = c.Prev() {
			if lower != nil && bytes.Compare(k[:8], lower) < 0 {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			var ev types.AnalyticsEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if filter.UserID != "" && ev.UserID != filter.UserID {
				continue
			}
			if filter.BusinessID != "" && ev.BusinessID != filter.BusinessID {
				continue
			}
			events = append(events, &ev)
			if filter.Limit > 0 && len(events) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return events, err
}

// Snapshot operations

// CreateDailySnapshots aggregates the events of day into snapshots.
// Snapshots that already exist are left untouched and not counted.
func (s *BoltStore) CreateDailySnapshots(ctx context.Context, day time.Time) (int, error) {
	start, end := DayBounds(day)
	events, err := s.QueryEvents(ctx, types.EventFilter{Start: start, End: end})
	if err != nil {
		return 0, fmt.Errorf("failed to load events for %s: %w", start.Format(types.SnapshotDateLayout), err)
	}

	snapshots := Aggregate(day, events, s.now().UTC())

	created := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		for _, snap := range snapshots {
			key := []byte(snap.Key())
			if b.Get(key) != nil {
				continue
			}
			data, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// DeleteSnapshotsBefore removes snapshots dated before cutoff's UTC day
func (s *BoltStore) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	bound := []byte(cutoff.UTC().Format(types.SnapshotDateLayout))

	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()

		// Keys start with the date, so everything older sorts first
		var expired [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, bound) < 0; k, _ = c.Next() {
			expired = append(expired, append([]byte(nil), k...))
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *BoltStore) GetSnapshot(ctx context.Context, entityID, date string) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(types.SnapshotKey(date, entityID)))
		if data == nil {
			return fmt.Errorf("snapshot %s on %s: %w", entityID, date, types.ErrNotFound)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns every snapshot of entityID, oldest first
func (s *BoltStore) ListSnapshots(ctx context.Context, entityID string) ([]*types.Snapshot, error) {
	var snapshots []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			if snap.EntityID == entityID {
				snapshots = append(snapshots, &snap)
			}
			return nil
		})
	})
	return snapshots, err
}

// Baseline operations

func (s *BoltStore) GetBaseline(ctx context.Context, businessID string) (*types.Baseline, error) {
	var baseline types.Baseline
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBaselines).Get([]byte(businessID))
		if data == nil {
			return fmt.Errorf("baseline %s: %w", businessID, types.ErrNotFound)
		}
		return json.Unmarshal(data, &baseline)
	})
	if err != nil {
		return nil, err
	}
	return &baseline, nil
}

func (s *BoltStore) PutBaseline(ctx context.Context, b *types.Baseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBaselines).Put([]byte(b.BusinessID), data)
	})
}
