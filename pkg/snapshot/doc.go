/*
Package snapshot runs the daily aggregation of analytics events into
per-business snapshots and prunes snapshots older than the retention window.

# State machine

	        ┌──────────┐  RunAt reached   ┌─────────┐
	 ──────▶│ waiting  │ ───────────────▶ │ running │
	        └──────────┘                  └────┬────┘
	             ▲          success            │
	             ├─────────────────────────────┤
	             │                             │ failure
	        ┌────┴─────┐   delay elapsed       │
	        │ backoff  │ ◀─────────────────────┘
	        └──────────┘

A run covers the UTC day before the run time. After k consecutive failures
the next attempt is delayed by min(BackoffBase * 2^(k-1), BackoffMax). The
scheduler never gives up: once MaxConsecutiveFailures is reached the
"snapshot" health component is reported degraded until a run succeeds.

Waiting is cancellable; the loop returns as soon as its context ends and
reports the idle state.
*/
package snapshot
