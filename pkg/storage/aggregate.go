package storage

import (
	"sort"
	"time"

	"github.com/cuemby/pulse/pkg/types"
)

// Aggregate builds one snapshot per business from the events of day.
// Events without a business id or outside the day are ignored.
func Aggregate(day time.Time, events []*types.AnalyticsEvent, createdAt time.Time) []*types.Snapshot {
	start, end := DayBounds(day)
	date := start.Format(types.SnapshotDateLayout)

	byEntity := make(map[string]*types.Snapshot)
	visitors := make(map[string]map[string]struct{})

	for _, ev := range events {
		if ev.BusinessID == "" || ev.OccurredAt.Before(start) || !ev.OccurredAt.Before(end) {
			continue
		}

		snap, ok := byEntity[ev.BusinessID]
		if !ok {
			snap = &types.Snapshot{
				EntityID:   ev.BusinessID,
				Date:       date,
				ByPlatform: make(map[types.Platform]int64),
				CreatedAt:  createdAt,
			}
			byEntity[ev.BusinessID] = snap
			visitors[ev.BusinessID] = make(map[string]struct{})
		}

		snap.TotalEvents++
		if ev.Platform != "" {
			snap.ByPlatform[ev.Platform]++
		}

		switch ev.Type {
		case types.EventBusinessView:
			snap.Views++
			if ev.UserID != "" {
				visitors[ev.BusinessID][ev.UserID] = struct{}{}
			}
		case types.EventBusinessClick:
			snap.Clicks++
		case types.EventReviewCreated:
			snap.Reviews++
		}
	}

	out := make([]*types.Snapshot, 0, len(byEntity))
	for id, snap := range byEntity {
		snap.UniqueVisitors = int64(len(visitors[id]))
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}
