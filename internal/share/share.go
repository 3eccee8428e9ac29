// Package share is the plugin behind share links: admins mint and revoke
// them, and anyone holding one trades it for a scoped session cookie.
package share

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/genwatch/internal/access"
	"github.com/HerbHall/genwatch/internal/config"
	"github.com/HerbHall/genwatch/internal/plugin"
	"github.com/HerbHall/genwatch/internal/sharelink"
	"github.com/HerbHall/genwatch/internal/sharesession"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Plugin)(nil)
	_ plugin.PublicRouter = (*Plugin)(nil)
)

// SessionIssuer signs share-session cookies.
type SessionIssuer interface {
	Issue(p sharesession.Payload) (string, error)
}

// Deps are the shared components the plugin runs against.
type Deps struct {
	Links    sharelink.Repository
	Sessions SessionIssuer
	Audit    *access.AuditLogger
	Access   config.AccessConfig

	// Now defaults to time.Now.
	Now func() time.Time
}

// Plugin implements the share module.
type Plugin struct {
	deps    Deps
	logger  *zap.Logger
	limiter *viewLimiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new share plugin instance.
func New(deps Deps) *Plugin {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Plugin{deps: deps, logger: zap.NewNop()}
}

func (p *Plugin) Name() string    { return "share" }
func (p *Plugin) Version() string { return "1.0.0" }

func (p *Plugin) Init(_ *viper.Viper, logger *zap.Logger) error {
	p.logger = logger
	p.limiter = newViewLimiter(p.deps.Access.ViewRateLimit, p.deps.Access.ViewRateWindow, p.deps.Now)
	p.logger.Info("share module initialized",
		zap.String("public_base_url", p.deps.Access.PublicBaseURL),
		zap.Int("view_rate_limit", p.limiter.burst),
		zap.Duration("view_rate_window", p.limiter.window),
	)
	return nil
}

// Start runs the limiter janitor.
func (p *Plugin) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.limiter.window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := p.limiter.Prune(); n > 0 {
					p.logger.Debug("pruned view limiter", zap.Int("clients", n))
				}
			}
		}
	}()

	p.logger.Info("share module started")
	return nil
}

func (p *Plugin) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("share module stopped")
	return nil
}

// Routes implements plugin.Plugin.
func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/me", Handler: access.RequireAuth(p.handleMe)},
		{Method: "POST", Path: "/links", Handler: access.RequireAdmin(p.handleCreateLink)},
		{Method: "GET", Path: "/links", Handler: access.RequireAdmin(p.handleListLinks)},
		{Method: "POST", Path: "/links/{id}/revoke", Handler: access.RequireAdmin(p.handleRevokeLink)},
	}
}

// PublicRoutes implements plugin.PublicRouter.
func (p *Plugin) PublicRoutes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/view/{token}", Handler: p.handleView},
	}
}
