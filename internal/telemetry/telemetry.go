// Package telemetry is the plugin that feeds the hub from the bus, watches
// channel liveness and serves telemetry to viewers.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/genwatch/internal/access"
	"github.com/HerbHall/genwatch/internal/config"
	"github.com/HerbHall/genwatch/internal/hub"
	"github.com/HerbHall/genwatch/internal/ingest"
	"github.com/HerbHall/genwatch/internal/live"
	"github.com/HerbHall/genwatch/internal/liveness"
	"github.com/HerbHall/genwatch/internal/metrics"
	"github.com/HerbHall/genwatch/internal/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Plugin)(nil)
	_ plugin.PublicRouter  = (*Plugin)(nil)
	_ plugin.HealthChecker = (*Plugin)(nil)
)

// Deps are the shared components the plugin runs against.
type Deps struct {
	Hub       *hub.Hub
	Evaluator live.Evaluator
	Audit     *access.AuditLogger
	Metrics   *metrics.Metrics
	MQTT      config.MQTTConfig
	Telemetry config.TelemetryConfig
	// WSOriginPatterns are the page origins allowed to open /ws besides
	// the API host itself.
	WSOriginPatterns []string

	// Now defaults to time.Now.
	Now func() time.Time
	// ClientFactory replaces the MQTT client constructor when set.
	ClientFactory ingest.ClientFactory
}

// Plugin implements the telemetry module.
type Plugin struct {
	deps   Deps
	logger *zap.Logger
	ingest bool

	listener *ingest.Listener
	monitor  *liveness.Monitor
	live     *live.Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new telemetry plugin instance.
func New(deps Deps) *Plugin {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Plugin{deps: deps, logger: zap.NewNop()}
}

func (p *Plugin) Name() string    { return "telemetry" }
func (p *Plugin) Version() string { return "1.0.0" }

// Init reads plugins.telemetry.ingest (default true). With ingest off the
// hub is fed only by whatever else publishes into it.
func (p *Plugin) Init(cfg *viper.Viper, logger *zap.Logger) error {
	p.logger = logger
	p.ingest = !cfg.IsSet("ingest") || cfg.GetBool("ingest")

	p.listener = ingest.NewListener(p.deps.MQTT, p.deps.Hub, logger.Named("ingest"), p.deps.Metrics)
	if p.deps.ClientFactory != nil {
		p.listener.WithClientFactory(p.deps.ClientFactory)
	}
	p.monitor = liveness.New(p.deps.Hub, p.deps.Telemetry.OfflineTimeout,
		liveness.WithLogger(logger.Named("liveness")),
		liveness.WithMetrics(p.deps.Metrics),
		liveness.WithClock(p.deps.Now),
	)
	p.live = live.NewHandler(p.deps.Hub, p.deps.Evaluator,
		live.WithLogger(logger.Named("live")),
		live.WithAudit(p.deps.Audit),
		live.WithMetrics(p.deps.Metrics),
		live.WithOriginPatterns(p.deps.WSOriginPatterns...),
	)

	p.logger.Info("telemetry module initialized",
		zap.Bool("ingest", p.ingest),
		zap.Duration("offline_timeout", p.deps.Telemetry.OfflineTimeout),
		zap.Strings("ws_origin_patterns", p.deps.WSOriginPatterns),
	)
	return nil
}

// Start launches the liveness sweep and, when enabled, the bus listener.
func (p *Plugin) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	interval := p.deps.Telemetry.SweepInterval
	if interval <= 0 {
		interval = liveness.DefaultInterval
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.monitor.Run(ctx, interval)
	}()

	if p.ingest {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.listener.Run(ctx); err != nil {
				p.logger.Error("ingest listener exited", zap.Error(err))
			}
		}()
	}

	p.logger.Info("telemetry module started", zap.String("topic", p.listener.Topic()))
	return nil
}

// Stop cancels the background goroutines and waits for them.
func (p *Plugin) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("telemetry module stopped")
	return nil
}

// Health reports degraded while ingest is enabled but the bus subscription
// is down.
func (p *Plugin) Health(context.Context) plugin.HealthStatus {
	stats := p.deps.Hub.Stats()
	details := map[string]string{
		"channels":      strconv.Itoa(stats.Channels),
		"live_sessions": strconv.FormatInt(p.live.Active(), 10),
		"ingest":        "disabled",
	}
	if !p.ingest {
		return plugin.HealthStatus{Status: plugin.HealthOK, Details: details}
	}
	if p.listener.Connected() {
		details["ingest"] = "connected"
		return plugin.HealthStatus{Status: plugin.HealthOK, Details: details}
	}
	details["ingest"] = "disconnected"
	return plugin.HealthStatus{
		Status:  plugin.HealthDegraded,
		Message: "telemetry bus unreachable",
		Details: details,
	}
}

// Routes implements plugin.Plugin.
func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/status", Handler: access.RequireAuth(p.handleStatus)},
		{Method: "GET", Path: "/sites/{site}/snapshot", Handler: access.RequireAuth(p.handleSnapshot)},
		{Method: "GET", Path: "/stats", Handler: access.RequireAdmin(p.handleStats)},
	}
}

// PublicRoutes implements plugin.PublicRouter.
func (p *Plugin) PublicRoutes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/ws", Handler: p.live.ServeHTTP},
	}
}

// Monitor exposes the liveness monitor, mainly for tests.
func (p *Plugin) Monitor() *liveness.Monitor { return p.monitor }

// Live exposes the live session handler.
func (p *Plugin) Live() *live.Handler { return p.live }
