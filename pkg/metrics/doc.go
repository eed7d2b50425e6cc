/*
Package metrics provides Prometheus instrumentation and health reporting for pulse.

All metrics are registered with the default registry at init and exposed
through Handler. Gauges that mirror live state (connections, topics, refresh
subscriptions) are sampled by a Collector from the owning components.

HealthChecker keeps a per-component health table. A component can be healthy,
degraded, or unhealthy; the overall status is the worst of them. Readiness
only considers the components named as critical.

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PushCycleDuration)
*/
package metrics
