package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/genwatch/internal/access"
	"github.com/HerbHall/genwatch/internal/config"
	"github.com/HerbHall/genwatch/internal/hub"
	"github.com/HerbHall/genwatch/internal/live"
	"github.com/HerbHall/genwatch/internal/metrics"
	"github.com/HerbHall/genwatch/internal/plugin"
	"github.com/HerbHall/genwatch/internal/testutil"
	"github.com/HerbHall/genwatch/pkg/models"
)

type anonymousEvaluator struct{}

func (anonymousEvaluator) EvaluateWS(r *http.Request, _ string) access.Context {
	return access.Anonymous(r.RemoteAddr)
}

func newTestPlugin(t *testing.T, clock *testutil.Clock) (*Plugin, *hub.Hub) {
	t.Helper()
	m := metrics.New()
	h := hub.New(hub.WithClock(clock.Now), hub.WithMetrics(m))
	p := New(Deps{
		Hub:       h,
		Evaluator: anonymousEvaluator{},
		Audit:     access.NewAuditLogger(testutil.Logger()),
		Metrics:   m,
		MQTT:      config.MQTTConfig{Host: "localhost", Port: 1883, TopicPrefix: "cg/v1/decoded/SN"},
		Telemetry: config.TelemetryConfig{OfflineTimeout: 5 * time.Minute, SweepInterval: 5 * time.Millisecond},
		Now:       clock.Now,
	})

	cfg := viper.New()
	cfg.Set("ingest", false)
	require.NoError(t, p.Init(cfg, testutil.Logger()))
	return p, h
}

func serve(h http.HandlerFunc, target string, ac access.Context, pattern string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req = req.WithContext(access.WithContext(req.Context(), ac))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func admin() access.Context {
	return access.Context{Role: access.RoleAdmin, Method: access.MethodLAN, Scope: access.AllSites()}
}

func viewer(site string) access.Context {
	return access.Context{Role: access.RoleViewer, Method: access.MethodCookie, Scope: access.SiteScope(site), LinkID: 1}
}

func route(t *testing.T, p *Plugin, path string) http.HandlerFunc {
	t.Helper()
	for _, r := range p.Routes() {
		if r.Path == path {
			return r.Handler
		}
	}
	t.Fatalf("route %s not registered", path)
	return nil
}

func TestHandleStatus_ThreeTiers(t *testing.T) {
	clock := testutil.NewClock()
	p, h := newTestPlugin(t, clock)

	h.Publish(testutil.NewTelemetry(testutil.WithSite("SN1")))
	clock.Advance(4 * time.Minute)
	h.Publish(testutil.NewTelemetry(testutil.WithSite("SN2")))
	clock.Advance(7 * time.Minute)
	h.Publish(testutil.NewTelemetry(testutil.WithSite("SN3")))

	w := serve(route(t, p, "/status"), "/status", admin(), "GET /status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 300, resp.OfflineTimeoutSeconds)
	require.Len(t, resp.Channels, 3)
	assert.Equal(t, "SN1", resp.Channels[0].SiteID)
	assert.Equal(t, models.StatusOffline, resp.Channels[0].Status)
	assert.Equal(t, models.StatusDelay, resp.Channels[1].Status)
	assert.Equal(t, models.StatusOnline, resp.Channels[2].Status)
}

func TestHandleStatus_EngineState(t *testing.T) {
	clock := testutil.NewClock()
	p, h := newTestPlugin(t, clock)

	withState := func(text string) func(*models.Message) {
		return func(m *models.Message) {
			m.Registers = append(m.Registers, models.Register{Addr: models.EngineStateAddr, Text: &text})
		}
	}
	h.Publish(testutil.NewTelemetry(testutil.WithPanel(1), withState("Stopped")))
	clock.Advance(6 * time.Minute)
	h.Publish(testutil.NewTelemetry(testutil.WithPanel(2), withState("Running")))
	h.Publish(testutil.NewTelemetry(testutil.WithPanel(3), withState("Shutdown Fault")))
	h.Publish(testutil.NewTelemetry(testutil.WithPanel(4)))

	w := serve(route(t, p, "/status"), "/status", admin(), "GET /status")
	require.Equal(t, http.StatusOK, w.Code)
	var resp statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Channels, 4)
	assert.Equal(t, models.EngineOffline, resp.Channels[0].EngineState, "stale state register")
	assert.Equal(t, models.EngineRun, resp.Channels[1].EngineState)
	assert.Equal(t, models.EngineAlarm, resp.Channels[2].EngineState)
	assert.Equal(t, models.EngineOffline, resp.Channels[3].EngineState, "no state register")
}

func TestHandleStatus_Scoped(t *testing.T) {
	clock := testutil.NewClock()
	p, h := newTestPlugin(t, clock)
	h.Publish(testutil.NewTelemetry(testutil.WithSite("SN1")))
	h.Publish(testutil.NewTelemetry(testutil.WithSite("SN2")))

	w := serve(route(t, p, "/status"), "/status", viewer("SN2"), "GET /status")
	require.Equal(t, http.StatusOK, w.Code)
	var resp statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, "SN2", resp.Channels[0].SiteID)

	w = serve(route(t, p, "/status"), "/status?site=SN1", viewer("SN2"), "GET /status")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(route(t, p, "/status"), "/status?site=SN1", admin(), "GET /status")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, "SN1", resp.Channels[0].SiteID)
}

func TestHandleStatus_RequiresAuth(t *testing.T) {
	p, _ := newTestPlugin(t, testutil.NewClock())
	w := serve(route(t, p, "/status"), "/status", access.Anonymous("203.0.113.9"), "GET /status")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestHandleSnapshot(t *testing.T) {
	p, h := newTestPlugin(t, testutil.NewClock())
	h.Publish(testutil.NewTelemetry(testutil.WithSite("SN1"), testutil.WithPanel(2)))
	h.Publish(testutil.NewTelemetry(testutil.WithSite("SN1"), testutil.WithPanel(1)))
	h.Publish(testutil.NewTelemetry(testutil.WithSite("SN2")))

	handler := route(t, p, "/sites/{site}/snapshot")
	const pattern = "GET /sites/{site}/snapshot"

	w := serve(handler, "/sites/SN1/snapshot", viewer("SN1"), pattern)
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, models.MessageSnapshot, snap.Type)
	require.Len(t, snap.Items, 2)
	assert.Equal(t, 1, snap.Items[0].PanelID)
	assert.Equal(t, 2, snap.Items[1].PanelID)

	w = serve(handler, "/sites/SN2/snapshot", viewer("SN1"), pattern)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(handler, "/sites/SN9/snapshot", admin(), pattern)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"type":"snapshot","items":[]}`, w.Body.String())
}

func TestHandleStats_AdminOnly(t *testing.T) {
	p, h := newTestPlugin(t, testutil.NewClock())
	h.Publish(testutil.NewTelemetry())
	q := h.Subscribe("")
	defer h.Unsubscribe(q)

	w := serve(route(t, p, "/stats"), "/stats", viewer("SN1"), "GET /stats")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(route(t, p, "/stats"), "/stats", admin(), "GET /stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"channels":1,"global_subscribers":1,"site_subscribers":0,"live_sessions":0}`, w.Body.String())
}

func TestStart_EmitsOfflineTransitions(t *testing.T) {
	clock := testutil.NewClock()
	p, h := newTestPlugin(t, clock)

	q := h.Subscribe("")
	defer h.Unsubscribe(q)
	h.Publish(testutil.NewTelemetry())
	<-q.C()

	require.NoError(t, p.Start(context.Background()))
	clock.Advance(6 * time.Minute)

	select {
	case msg := <-q.C():
		assert.Equal(t, models.MessageStatusChange, msg.Type)
		assert.Equal(t, models.StatusOffline, msg.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no offline transition received")
	}

	require.NoError(t, p.Stop())
	assert.True(t, p.Monitor().Offline(testutil.NewTelemetry().Key()))
}

func TestPublicRoutes(t *testing.T) {
	p, _ := newTestPlugin(t, testutil.NewClock())
	routes := p.PublicRoutes()
	require.Len(t, routes, 1)
	assert.Equal(t, "/ws", routes[0].Path)
	assert.NotNil(t, p.Live())
}

func TestPublicRoutes_CrossOriginViewer(t *testing.T) {
	h := hub.New(hub.WithMetrics(metrics.New()))
	p := New(Deps{
		Hub:              h,
		Evaluator:        anonymousEvaluator{},
		Telemetry:        config.TelemetryConfig{OfflineTimeout: 5 * time.Minute},
		WSOriginPatterns: []string{"localhost:5173"},
	})
	cfg := viper.New()
	cfg.Set("ingest", false)
	require.NoError(t, p.Init(cfg, testutil.Logger()))

	srv := httptest.NewServer(p.PublicRoutes()[0].Handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, srv.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://localhost:5173"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })

	// The handshake succeeds, so the viewer sees the auth close code.
	_, _, err = c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, live.CloseUnauthorized, websocket.CloseStatus(err))
}

func TestHealth(t *testing.T) {
	p, h := newTestPlugin(t, testutil.NewClock())
	h.Publish(testutil.NewTelemetry())

	got := p.Health(context.Background())
	assert.Equal(t, plugin.HealthOK, got.Status)
	assert.Equal(t, "disabled", got.Details["ingest"])
	assert.Equal(t, "1", got.Details["channels"])
	assert.Equal(t, "0", got.Details["live_sessions"])

	// Ingest on but never connected.
	withIngest := New(Deps{Hub: h, Evaluator: anonymousEvaluator{}})
	require.NoError(t, withIngest.Init(viper.New(), testutil.Logger()))
	got = withIngest.Health(context.Background())
	assert.Equal(t, plugin.HealthDegraded, got.Status)
	assert.Equal(t, "disconnected", got.Details["ingest"])
	assert.NotEmpty(t, got.Message)
}
