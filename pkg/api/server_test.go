package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/pulse/pkg/auth"
	"github.com/cuemby/pulse/pkg/events"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/push"
	"github.com/cuemby/pulse/pkg/registry"
	"github.com/cuemby/pulse/pkg/router"
	"github.com/cuemby/pulse/pkg/storage"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeEntitlements struct {
	owned map[string]bool
}

func (f fakeEntitlements) OwnsBusiness(_ context.Context, userID, businessID string) (bool, error) {
	return f.owned[userID+"/"+businessID], nil
}

type emptySource struct{}

func (emptySource) CurrentMetrics(context.Context, string) ([]types.BusinessMetrics, error) {
	return nil, nil
}

type harnessOptions struct {
	registry     registry.Config
	critical     []string
	entitlements Entitlements
	snapshot     SnapshotStatus
	noRecorder   bool
}

type harness struct {
	srv    *Server
	ts     *httptest.Server
	reg    *registry.Registry
	router *router.Router
	push   *push.Scheduler
	auth   *auth.Resolver
	health *metrics.HealthChecker
	store  *storage.BoltStore
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	resolver, err := auth.NewResolver(testSecret, "")
	require.NoError(t, err)

	h := &harness{
		reg:    registry.New(opts.registry),
		router: router.New(),
		auth:   resolver,
		health: metrics.NewHealthChecker("test", opts.critical...),
	}
	h.push = push.New(push.Config{}, emptySource{}, nil, h.router, nil)

	deps := Deps{
		Registry:     h.reg,
		Router:       h.router,
		Auth:         h.auth,
		Health:       h.health,
		Push:         h.push,
		Entitlements: opts.entitlements,
		Snapshot:     opts.snapshot,
	}
	if !opts.noRecorder {
		h.store, err = storage.NewBoltStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.store.Close() })
		deps.Recorder = events.NewRecorder(h.store, events.DefaultAPIPrefix)
	}

	h.srv, err = NewServer(Config{}, deps)
	require.NoError(t, err)

	h.ts = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := h.auth.Issue(userID, time.Minute)
	require.NoError(t, err)
	return token
}

func (h *harness) dial(t *testing.T, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws?" + auth.QueryParam + "=" + h.token(t, userID)
	return websocket.DefaultDialer.Dial(u, nil)
}

func (h *harness) mustDial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	ws, _, err := h.dial(t, userID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func read(t *testing.T, ws *websocket.Conn) *types.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg types.Message
	require.NoError(t, ws.ReadJSON(&msg))
	return &msg
}

// flush waits until every earlier control message has been applied
func flush(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	send(t, ws, types.ControlMessage{Type: types.ControlPing})
	for {
		if read(t, ws).Type == types.MessagePong {
			return
		}
	}
}

func TestNewServerRequiresDeps(t *testing.T) {
	_, err := NewServer(Config{}, Deps{})
	assert.Error(t, err)
}

func TestWebSocketRequiresAuth(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.reg.Count())
}

func TestWebSocketAdmission(t *testing.T) {
	h := newHarness(t, harnessOptions{registry: registry.Config{
		Capacity:    1,
		WaitTimeout: 50 * time.Millisecond,
	}})

	first := h.mustDial(t, "u1")
	flush(t, first)

	_, resp, err := h.dial(t, "u2")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return h.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	second := h.mustDial(t, "u2")
	flush(t, second)
	assert.Equal(t, 1, h.reg.Count())
}

func TestWebSocketJoinsUserTopic(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	ws := h.mustDial(t, "u1")
	flush(t, ws)

	require.Len(t, h.router.Members(types.UserTopic("u1")), 1)

	msg, err := types.NewMessage(types.MessageMetricsUpdate, types.UserTopic("u1"),
		types.MetricsUpdate{UserID: "u1"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, h.router.Publish(types.UserTopic("u1"), msg))

	got := read(t, ws)
	assert.Equal(t, types.MessageMetricsUpdate, got.Type)
	assert.Equal(t, types.UserTopic("u1"), got.Topic)
}

func TestWebSocketJoinBusinessTopic(t *testing.T) {
	h := newHarness(t, harnessOptions{entitlements: fakeEntitlements{owned: map[string]bool{"u1/b1": true}}})

	ws := h.mustDial(t, "u1")
	owned := types.BusinessTopic("b1", "u1")
	notOwned := types.BusinessTopic("b2", "u1")
	foreign := types.BusinessTopic("b1", "u2")

	send(t, ws, types.ControlMessage{Type: types.ControlJoin, Topic: owned})
	send(t, ws, types.ControlMessage{Type: types.ControlJoin, Topic: notOwned})
	send(t, ws, types.ControlMessage{Type: types.ControlJoin, Topic: foreign})
	send(t, ws, types.ControlMessage{Type: types.ControlJoin, Topic: "nonsense"})
	flush(t, ws)

	assert.Len(t, h.router.Members(owned), 1)
	assert.Empty(t, h.router.Members(notOwned))
	assert.Empty(t, h.router.Members(foreign))

	send(t, ws, types.ControlMessage{Type: types.ControlLeave, Topic: owned})
	flush(t, ws)
	assert.Empty(t, h.router.Members(owned))
}

func TestWebSocketBusinessTopicWithoutEntitlements(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	ws := h.mustDial(t, "u1")
	topic := types.BusinessTopic("b1", "u1")
	send(t, ws, types.ControlMessage{Type: types.ControlJoin, Topic: topic})
	flush(t, ws)

	assert.Empty(t, h.router.Members(topic))
}

func TestWebSocketIgnoresInvalidMessages(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	ws := h.mustDial(t, "u1")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, ws, map[string]string{"type": "dance"})
	send(t, ws, map[string]any{"type": "set_refresh_interval", "seconds": 7200})
	send(t, ws, map[string]any{"type": "set_refresh_interval"})

	// the connection survives and still answers
	flush(t, ws)
	_, ok := h.push.Subscription("u1")
	assert.False(t, ok)
}

func TestWebSocketRefreshIntervalLifecycle(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	first := h.mustDial(t, "u1")
	second := h.mustDial(t, "u1")

	seconds := 10
	send(t, first, types.ControlMessage{Type: types.ControlSetRefreshInterval, Seconds: &seconds})
	flush(t, first)
	flush(t, second)

	sub, ok := h.push.Subscription("u1")
	require.True(t, ok)
	assert.Equal(t, 10, sub.IntervalSeconds)
	assert.Equal(t, 2, h.reg.UserConnectionCount("u1"))

	// the subscription outlives one of the user's connections
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return h.reg.UserConnectionCount("u1") == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok = h.push.Subscription("u1")
	assert.True(t, ok)

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return h.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, ok = h.push.Subscription("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, h.router.TopicCount())
}

func TestWebSocketSweptConnectionIsClosed(t *testing.T) {
	h := newHarness(t, harnessOptions{registry: registry.Config{StaleAfter: time.Minute}})

	ws := h.mustDial(t, "u1")
	flush(t, ws)
	require.Equal(t, 1, h.reg.Count())

	assert.Equal(t, 1, h.reg.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, h.router.TopicCount())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.srv.Serve(ctx, ln)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/live")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestCheckOrigin(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.srv.cfg.AllowedOrigins = []string{"https://app.example.com"}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.srv.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, h.srv.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.srv.checkOrigin(req))
}

func postEvent(t *testing.T, h *harness, token string, body any) *http.Response {
	t.Helper()
	return postEventWithHeaders(t, h, token, body, nil)
}

func postEventWithHeaders(t *testing.T, h *harness, token string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/api/v1/events", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRecordEvent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	token := h.token(t, "u1")

	tests := []struct {
		name           string
		token          string
		body           any
		expectedStatus int
	}{
		{
			name:           "valid event",
			token:          token,
			body:           EventRequest{Type: types.EventBusinessView, BusinessID: "b1"},
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "unknown type",
			token:          token,
			body:           EventRequest{Type: "teleport"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown field",
			token:          token,
			body:           map[string]string{"type": "search", "color": "blue"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing token",
			body:           EventRequest{Type: types.EventSearch},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postEvent(t, h, tt.token, tt.body)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusAccepted {
				var out EventResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
				assert.NotEmpty(t, out.ID)
				assert.True(t, out.Recorded)
			}
		})
	}

	evs, err := h.store.QueryEvents(context.Background(), types.EventFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, types.EventBusinessView, evs[0].Type)
	// no page and no referer: a direct API caller
	assert.Equal(t, types.PlatformAPI, evs[0].Platform)
}

func TestRecordEventPlatform(t *testing.T) {
	const desktop = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120"

	tests := []struct {
		name    string
		user    string
		body    EventRequest
		headers map[string]string
		want    types.Platform
	}{
		{
			name:    "desktop browser with referer",
			user:    "web-referer",
			body:    EventRequest{Type: types.EventBusinessView},
			headers: map[string]string{"User-Agent": desktop, "Referer": "https://pulse.example/businesses/b1"},
			want:    types.PlatformWeb,
		},
		{
			name:    "desktop browser with page",
			user:    "web-page",
			body:    EventRequest{Type: types.EventSearch, Page: "/search"},
			headers: map[string]string{"User-Agent": desktop},
			want:    types.PlatformWeb,
		},
		{
			name:    "mobile app",
			user:    "mobile",
			body:    EventRequest{Type: types.EventSearch},
			headers: map[string]string{"User-Agent": "PulseApp/1.2 (Android 14)"},
			want:    types.PlatformMobile,
		},
		{
			name:    "server to server",
			user:    "api",
			body:    EventRequest{Type: types.EventSearch},
			headers: map[string]string{"User-Agent": "Go-http-client/1.1"},
			want:    types.PlatformAPI,
		},
	}

	h := newHarness(t, harnessOptions{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postEventWithHeaders(t, h, h.token(t, tt.user), tt.body, tt.headers)
			require.Equal(t, http.StatusAccepted, resp.StatusCode)

			evs, err := h.store.QueryEvents(context.Background(), types.EventFilter{UserID: tt.user})
			require.NoError(t, err)
			require.Len(t, evs, 1)
			assert.Equal(t, tt.want, evs[0].Platform)
		})
	}
}

func TestRecordEventRejectsPreEpoch(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp := postEvent(t, h, h.token(t, "u1"), EventRequest{
		Type:       types.EventSearch,
		OccurredAt: time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecordEventDisabled(t *testing.T) {
	h := newHarness(t, harnessOptions{noRecorder: true})

	resp := postEvent(t, h, h.token(t, "u1"), EventRequest{Type: types.EventSearch})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func getEvents(t *testing.T, h *harness, token, query string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/api/v1/events"+query, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestQueryEvents(t *testing.T) {
	h := newHarness(t, harnessOptions{entitlements: fakeEntitlements{owned: map[string]bool{"u1/b1": true}}})
	u1 := h.token(t, "u1")
	u2 := h.token(t, "u2")

	require.Equal(t, http.StatusAccepted, postEvent(t, h, u1, EventRequest{Type: types.EventSearch}).StatusCode)
	require.Equal(t, http.StatusAccepted, postEvent(t, h, u2, EventRequest{Type: types.EventBusinessView, BusinessID: "b1"}).StatusCode)

	t.Run("own events", func(t *testing.T) {
		resp := getEvents(t, h, u1, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var evs []types.AnalyticsEvent
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&evs))
		require.Len(t, evs, 1)
		assert.Equal(t, types.EventSearch, evs[0].Type)
	})

	t.Run("owned business", func(t *testing.T) {
		resp := getEvents(t, h, u1, "?business_id=b1")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var evs []types.AnalyticsEvent
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&evs))
		require.Len(t, evs, 1)
		assert.Equal(t, "u2", evs[0].UserID)
	})

	t.Run("foreign business", func(t *testing.T) {
		resp := getEvents(t, h, u2, "?business_id=b1")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("bad range", func(t *testing.T) {
		resp := getEvents(t, h, u1, "?start=2026-01-02T00:00:00Z&end=2026-01-01T00:00:00Z")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp := getEvents(t, h, u1, "?limit=many")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
