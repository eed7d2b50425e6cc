package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_connections_active",
			Help: "Number of currently admitted connections",
		},
	)

	ConnectionsAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_connections_admitted_total",
			Help: "Total number of admitted connections",
		},
	)

	AdmissionRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_admission_rejected_total",
			Help: "Total number of connections rejected for lack of capacity",
		},
	)

	AdmissionWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_admission_wait_seconds",
			Help:    "Time spent waiting for an admission slot",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5},
		},
	)

	ConnectionsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_connections_swept_total",
			Help: "Total number of stale connections removed by the sweep",
		},
	)

	// Router metrics
	TopicsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_topics_active",
			Help: "Number of topics with at least one member",
		},
	)

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_messages_published_total",
			Help: "Total number of published messages by type",
		},
		[]string{"type"},
	)

	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_messages_delivered_total",
			Help: "Total number of messages queued to connections",
		},
	)

	MessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_messages_dropped_total",
			Help: "Total number of messages dropped because a connection buffer was full",
		},
	)

	ControlMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_control_messages_total",
			Help: "Total number of client control messages by type and result",
		},
		[]string{"type", "result"},
	)

	// Push scheduler metrics
	RefreshSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_refresh_subscriptions",
			Help: "Number of users with a non-zero refresh interval",
		},
	)

	PushCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_push_cycles_total",
			Help: "Total number of push scheduler ticks",
		},
	)

	PushCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_push_cycle_duration_seconds",
			Help:    "Duration of a push scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_pushes_total",
			Help: "Total number of per-user pushes by result",
		},
		[]string{"result"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notifications_total",
			Help: "Total number of notifications emitted by kind",
		},
		[]string{"kind"},
	)

	// Snapshot scheduler metrics
	SnapshotRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_snapshot_runs_total",
			Help: "Total number of snapshot runs by result",
		},
		[]string{"result"},
	)

	SnapshotRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_snapshot_run_duration_seconds",
			Help:    "Duration of snapshot runs",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
	)

	SnapshotsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_snapshots_created_total",
			Help: "Total number of snapshot rows created",
		},
	)

	SnapshotsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_snapshots_deleted_total",
			Help: "Total number of snapshot rows removed by retention",
		},
	)

	SnapshotConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_snapshot_consecutive_failures",
			Help: "Current number of consecutive snapshot run failures",
		},
	)

	// Event recorder metrics
	EventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_recorded_total",
			Help: "Total number of analytics events recorded by type and platform",
		},
		[]string{"type", "platform"},
	)

	EventRecordFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_event_record_failures_total",
			Help: "Total number of analytics events that could not be recorded",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsAdmitted)
	prometheus.MustRegister(AdmissionRejected)
	prometheus.MustRegister(AdmissionWait)
	prometheus.MustRegister(ConnectionsSwept)
	prometheus.MustRegister(TopicsActive)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(ControlMessagesTotal)
	prometheus.MustRegister(RefreshSubscriptions)
	prometheus.MustRegister(PushCyclesTotal)
	prometheus.MustRegister(PushCycleDuration)
	prometheus.MustRegister(PushesTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(SnapshotRunsTotal)
	prometheus.MustRegister(SnapshotRunDuration)
	prometheus.MustRegister(SnapshotsCreated)
	prometheus.MustRegister(SnapshotsDeleted)
	prometheus.MustRegister(SnapshotConsecutiveFailures)
	prometheus.MustRegister(EventsRecorded)
	prometheus.MustRegister(EventRecordFailures)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
