package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/pulse/pkg/storage"
	"github.com/cuemby/pulse/pkg/types"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.Store, the push metrics source and business
// entitlements on PostgreSQL
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New wraps an open database handle
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to the database at dsn and verifies the connection
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return New(db), nil
}

// Migrate creates the tables pulse owns
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// Event operations

func (s *Store) AppendEvent(ctx context.Context, ev *types.AnalyticsEvent) error {
	var payload any
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	_, err := s.db.ExecContext(ctx, insertEventSQL,
		ev.ID, string(ev.Type), ev.UserID, ev.BusinessID, string(ev.Platform),
		ev.IPAddress, ev.UserAgent, ev.SessionID, payload,
		ev.OccurredAt, ev.RecordedAt, ev.ErrorCode, ev.ErrorMessage,
	)
	return err
}

func (s *Store) QueryEvents(ctx context.Context, filter types.EventFilter) ([]*types.AnalyticsEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.BusinessID != "" {
		add("business_id = $%d", filter.BusinessID)
	}
	if !filter.Start.IsZero() {
		add("occurred_at >= $%d", filter.Start)
	}
	if !filter.End.IsZero() {
		add("occurred_at < $%d", filter.End)
	}

	var b strings.Builder
	b.WriteString(selectEventsSQL)
	if len(where) > 0 {
		b.WriteString("WHERE " + strings.Join(where, " AND ") + "\n")
	}
	b.WriteString("ORDER BY occurred_at DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.AnalyticsEvent
	for rows.Next() {
		var (
			ev       types.AnalyticsEvent
			typ      string
			platform string
			payload  []byte
		)
		if err := rows.Scan(
			&ev.ID, &typ, &ev.UserID, &ev.BusinessID, &platform,
			&ev.IPAddress, &ev.UserAgent, &ev.SessionID, &payload,
			&ev.OccurredAt, &ev.RecordedAt, &ev.ErrorCode, &ev.ErrorMessage,
		); err != nil {
			return nil, err
		}
		ev.Type = types.EventType(typ)
		ev.Platform = types.Platform(platform)
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Snapshot operations

func (s *Store) CreateDailySnapshots(ctx context.Context, day time.Time) (int, error) {
	start, end := storage.DayBounds(day)
	res, err := s.db.ExecContext(ctx, createSnapshotsSQL,
		start.Format(types.SnapshotDateLayout), start, end, s.now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, deleteSnapshotsSQL, cutoff.UTC().Format(types.SnapshotDateLayout))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*types.Snapshot, error) {
	var (
		snap       types.Snapshot
		byPlatform []byte
	)
	if err := row.Scan(
		&snap.EntityID, &snap.Date, &snap.Views, &snap.UniqueVisitors,
		&snap.Clicks, &snap.Reviews, &snap.TotalEvents, &byPlatform, &snap.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(byPlatform) > 0 {
		if err := json.Unmarshal(byPlatform, &snap.ByPlatform); err != nil {
			return nil, fmt.Errorf("invalid by_platform for %s: %w", snap.Key(), err)
		}
	}
	return &snap, nil
}

func (s *Store) GetSnapshot(ctx context.Context, entityID, date string) (*types.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, getSnapshotSQL, entityID, date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s on %s: %w", entityID, date, types.ErrNotFound)
	}
	return snap, err
}

func (s *Store) ListSnapshots(ctx context.Context, entityID string) ([]*types.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, listSnapshotsSQL, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// Baseline operations

func (s *Store) GetBaseline(ctx context.Context, businessID string) (*types.Baseline, error) {
	var b types.Baseline
	err := s.db.QueryRowContext(ctx, getBaselineSQL, businessID).
		Scan(&b.BusinessID, &b.Views, &b.Reviews, &b.Rating, &b.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("baseline %s: %w", businessID, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) PutBaseline(ctx context.Context, b *types.Baseline) error {
	_, err := s.db.ExecContext(ctx, upsertBaselineSQL,
		b.BusinessID, b.Views, b.Reviews, b.Rating, b.ObservedAt,
	)
	return err
}

// Business collaborators

// CurrentMetrics returns the current metrics of every business owned by userID
func (s *Store) CurrentMetrics(ctx context.Context, userID string) ([]types.BusinessMetrics, error) {
	rows, err := s.db.QueryContext(ctx, currentMetricsSQL, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.BusinessMetrics
	for rows.Next() {
		var m types.BusinessMetrics
		if err := rows.Scan(&m.BusinessID, &m.Name, &m.Views, &m.Reviews, &m.Rating); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// OwnsBusiness reports whether userID owns businessID
func (s *Store) OwnsBusiness(ctx context.Context, userID, businessID string) (bool, error) {
	var owns bool
	if err := s.db.QueryRowContext(ctx, ownsBusinessSQL, businessID, userID).Scan(&owns); err != nil {
		return false, err
	}
	return owns, nil
}
