package storage

import (
	"testing"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateByPlatform(t *testing.T) {
	mobile := event("m", types.EventBusinessView, "u1", "b1", day.Add(time.Hour))
	mobile.Platform = types.PlatformMobile
	api := event("a", types.EventRatingChanged, "u2", "b1", day.Add(2*time.Hour))
	api.Platform = types.PlatformAPI

	snaps := Aggregate(day.Add(12*time.Hour), []*types.AnalyticsEvent{mobile, api}, day)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].ByPlatform[types.PlatformMobile])
	assert.Equal(t, int64(1), snaps[0].ByPlatform[types.PlatformAPI])
	assert.Equal(t, int64(2), snaps[0].TotalEvents)
	assert.Equal(t, int64(1), snaps[0].Views)
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	start, end := DayBounds(time.Date(2026, 4, 10, 22, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}
