/*
Package health tracks consecutive outcomes of pulse's dependencies and
background jobs.

A Status counts consecutive failures and successes. Once failures reach the
configured Retries threshold the status turns unhealthy; a single success
resets it. The snapshot scheduler uses a Status to decide when its component
is degraded, and the Monitor uses one per dependency checker.

# Checkers

	┌──────────────┐   Check(ctx)   ┌──────────────┐   Update    ┌──────────────────────┐
	│   Monitor    │ ─────────────▶ │ PingChecker  │ ──────────▶ │ metrics.HealthChecker│
	│ (ticker loop)│                │ postgres/... │             │   /health, /ready    │
	└──────────────┘                └──────────────┘             └──────────────────────┘

PingChecker wraps any PingFunc, for example sql.DB.PingContext or a Redis
client's Ping, and bounds it with a timeout:

	m := health.NewMonitor(registry, health.DefaultConfig())
	m.Add(health.NewPingChecker("postgres", 2*time.Second, db.PingContext))
	m.Start(ctx)

A failing dependency below the retry threshold is reported degraded; at the
threshold it is reported unhealthy.
*/
package health
