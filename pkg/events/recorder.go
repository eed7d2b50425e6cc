package events

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/storage"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultAPIPrefix is the path prefix of requests classified as Api
const DefaultAPIPrefix = "/api/"

// SessionCookie is the cookie carrying the client session id
const SessionCookie = "session_id"

// MaxClockSkew is how far in the future a client-supplied occurrence time
// may lie
const MaxClockSkew = 24 * time.Hour

var unixEpoch = time.Unix(0, 0).UTC()

// Result is the outcome of a best-effort recording. Callers may ignore it.
type Result struct {
	Event *types.AnalyticsEvent
	Err   error
}

// OK reports whether the event was stored
func (r Result) OK() bool {
	return r.Err == nil
}

// Recorder appends analytics events without ever failing the caller
type Recorder struct {
	store     storage.EventStore
	apiPrefix string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRecorder creates a recorder over store
func NewRecorder(store storage.EventStore, apiPrefix string) *Recorder {
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	return &Recorder{
		store:     store,
		apiPrefix: apiPrefix,
		logger:    log.WithComponent("events"),
		now:       time.Now,
	}
}

// Record stores ev. Missing id and timestamps are filled in. A failure is
// logged and counted and returned in the Result.
func (r *Recorder) Record(ctx context.Context, ev *types.AnalyticsEvent) Result {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := r.now().UTC()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.RecordedAt = now
	if ev.Platform == "" {
		ev.Platform = types.PlatformWeb
	}

	if err := r.validate(ev, now); err != nil {
		return r.fail(ev, err)
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return r.fail(ev, err)
	}

	metrics.EventsRecorded.WithLabelValues(string(ev.Type), string(ev.Platform)).Inc()
	return Result{Event: ev}
}

func (r *Recorder) validate(ev *types.AnalyticsEvent, now time.Time) error {
	if !ev.Type.Valid() {
		return types.NewValidationError("type", fmt.Sprintf("unknown event type %q", ev.Type))
	}
	if ev.UserID == "" {
		return types.NewValidationError("user_id", "must not be empty")
	}
	if ev.OccurredAt.Before(unixEpoch) {
		return types.NewValidationError("occurred_at", "must not be before 1970-01-01")
	}
	if ev.OccurredAt.After(now.Add(MaxClockSkew)) {
		return types.NewValidationError("occurred_at", "must not be in the future")
	}
	return nil
}

func (r *Recorder) fail(ev *types.AnalyticsEvent, err error) Result {
	metrics.EventRecordFailures.Inc()
	r.logger.Warn().
		Err(err).
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("user_id", ev.UserID).
		Msg("Failed to record analytics event")
	return Result{Event: ev, Err: fmt.Errorf("%w: %w", types.ErrEventRecording, err)}
}

// RecordRequest fills request-derived fields of ev from req and records it.
// page is the path of the page the event happened on. When empty the
// Referer is used, and requests carrying neither are classified by their
// own path.
func (r *Recorder) RecordRequest(ctx context.Context, req *http.Request, page string, ev *types.AnalyticsEvent) Result {
	ev.UserAgent = req.UserAgent()
	ev.IPAddress = ClientIP(req)
	ev.Platform = ClassifyPlatform(ev.UserAgent, OriginPath(req, page), r.apiPrefix)
	if ev.SessionID == "" {
		ev.SessionID = sessionID(req)
	}
	return r.Record(ctx, ev)
}

// Query returns events for one user or business within [Start, End),
// most recent first
func (r *Recorder) Query(ctx context.Context, filter types.EventFilter) ([]*types.AnalyticsEvent, error) {
	if filter.UserID == "" && filter.BusinessID == "" {
		return nil, types.NewValidationError("filter", "user_id or business_id is required")
	}
	if !filter.Start.IsZero() && !filter.End.IsZero() && !filter.Start.Before(filter.End) {
		return nil, types.NewValidationError("filter", "start must be before end")
	}
	return r.store.QueryEvents(ctx, filter)
}

var mobileTokens = []string{"mobile", "android", "iphone"}

// ClassifyPlatform derives the platform of a request. Mobile user agents
// win over the API path.
func ClassifyPlatform(userAgent, path, apiPrefix string) types.Platform {
	ua := strings.ToLower(userAgent)
	for _, token := range mobileTokens {
		if strings.Contains(ua, token) {
			return types.PlatformMobile
		}
	}
	if apiPrefix != "" && strings.HasPrefix(path, apiPrefix) {
		return types.PlatformAPI
	}
	return types.PlatformWeb
}

// OriginPath returns the path the event originated from: page if set,
// else the Referer path, else the request path
func OriginPath(req *http.Request, page string) string {
	if page != "" {
		return page
	}
	if ref := req.Referer(); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			if u.Path == "" {
				return "/"
			}
			return u.Path
		}
	}
	return req.URL.Path
}

// ClientIP returns the originating client address of req
func ClientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func sessionID(req *http.Request) string {
	if c, err := req.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return req.Header.Get("X-Session-ID")
}
