// Package postgres implements pulse storage on PostgreSQL using lib/pq.
//
// Besides the tables pulse owns (analytics_events, daily_snapshots,
// business_baselines), the store reads the application's businesses table to
// serve current metrics and ownership checks.
package postgres
