package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 4, 11, 2, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS analytics_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent(t *testing.T) {
	s, mock := newMockStore(t)
	ev := &types.AnalyticsEvent{
		ID: "evt_1", Type: types.EventBusinessView, UserID: "u1", BusinessID: "b1",
		Platform: types.PlatformMobile, UserAgent: "Android", Payload: json.RawMessage(`{"q":1}`),
		OccurredAt: fixedNow, RecordedAt: fixedNow,
	}

	mock.ExpectExec("INSERT INTO analytics_events").
		WithArgs(
			ev.ID, "business_view", ev.UserID, ev.BusinessID, "Mobile",
			"", "Android", "", []byte(`{"q":1}`),
			ev.OccurredAt, ev.RecordedAt, "", "",
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.AppendEvent(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEventsBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	start := fixedNow.Add(-24 * time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "event_type", "user_id", "business_id", "platform",
		"ip_address", "user_agent", "session_id", "payload",
		"occurred_at", "recorded_at", "error_code", "error_message",
	}).
		AddRow("e2", "review_created", "u1", "b1", "Web", "", "", "", nil, fixedNow, fixedNow, "", "").
		AddRow("e1", "business_view", "u1", "b1", "Api", "", "", "", []byte(`{}`), start, start, "", "")

	mock.ExpectQuery(`FROM analytics_events\s+WHERE business_id = \$1 AND occurred_at >= \$2 AND occurred_at < \$3\s+ORDER BY occurred_at DESC, id DESC LIMIT \$4`).
		WithArgs("b1", start, fixedNow, 10).
		WillReturnRows(rows)

	events, err := s.QueryEvents(context.Background(), types.EventFilter{
		BusinessID: "b1", Start: start, End: fixedNow, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventReviewCreated, events[0].Type)
	assert.Equal(t, types.PlatformAPI, events[1].Platform)
	assert.Nil(t, events[0].Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDailySnapshots(t *testing.T) {
	s, mock := newMockStore(t)
	day := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	t.Run("counts inserted rows", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO daily_snapshots").
			WithArgs("2026-04-10", day, day.Add(24*time.Hour), fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := s.CreateDailySnapshots(context.Background(), day.Add(5*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("rerun conflicts insert nothing", func(t *testing.T) {
		mock.ExpectExec("ON CONFLICT \\(entity_id, snapshot_date\\) DO NOTHING").
			WillReturnResult(sqlmock.NewResult(0, 0))

		n, err := s.CreateDailySnapshots(context.Background(), day)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("error propagates", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO daily_snapshots").WillReturnError(sql.ErrConnDone)

		_, err := s.CreateDailySnapshots(context.Background(), day)
		assert.ErrorIs(t, err, sql.ErrConnDone)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSnapshotsBefore(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM daily_snapshots WHERE snapshot_date <").
		WithArgs("2024-04-10").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.DeleteSnapshotsBefore(context.Background(), time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSnapshot(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"entity_id", "date", "views", "unique_visitors", "clicks", "reviews", "total_events", "by_platform", "created_at"}

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("FROM daily_snapshots").
			WithArgs("b1", "2026-04-10").
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("b1", "2026-04-10", 12, 5, 2, 1, 15, []byte(`{"Web":10,"Mobile":5}`), fixedNow))

		snap, err := s.GetSnapshot(context.Background(), "b1", "2026-04-10")
		require.NoError(t, err)
		assert.Equal(t, int64(12), snap.Views)
		assert.Equal(t, int64(5), snap.ByPlatform[types.PlatformMobile])
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("FROM daily_snapshots").
			WithArgs("b1", "2020-01-01").
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := s.GetSnapshot(context.Background(), "b1", "2020-01-01")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBaselines(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"business_id", "views", "reviews", "rating", "observed_at"}

	mock.ExpectQuery("FROM business_baselines").
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(cols))
	_, err := s.GetBaseline(context.Background(), "b1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	b := &types.Baseline{BusinessID: "b1", Views: 100, Reviews: 3, Rating: 4.2, ObservedAt: fixedNow}
	mock.ExpectExec("INSERT INTO business_baselines").
		WithArgs("b1", int64(100), int64(3), 4.2, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.PutBaseline(context.Background(), b))

	mock.ExpectQuery("FROM business_baselines").
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("b1", 100, 3, 4.2, fixedNow))
	got, err := s.GetBaseline(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Views)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentMetrics(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM businesses WHERE owner_id =").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "view_count", "review_count", "rating"}).
			AddRow("b1", "Cafe", 115, 8, 4.5).
			AddRow("b2", "Bakery", 40, 2, 3.9))

	metrics, err := s.CurrentMetrics(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, types.BusinessMetrics{BusinessID: "b1", Name: "Cafe", Views: 115, Reviews: 8, Rating: 4.5}, metrics[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOwnsBusiness(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("b1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	owns, err := s.OwnsBusiness(context.Background(), "u1", "b1")
	require.NoError(t, err)
	assert.True(t, owns)
	assert.NoError(t, mock.ExpectationsWereMet())
}
