// Package live streams hub messages to browser viewers over WebSocket.
//
// A session moves Connecting -> Authenticated -> Streaming -> Closed, or
// straight from Connecting to Rejected when the caller is anonymous or asks
// for a site outside its scope. The upgrade is accepted before evaluation so
// rejections can carry a close code the client can act on.
package live

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/genwatch/internal/access"
	"github.com/HerbHall/genwatch/internal/hub"
	"github.com/HerbHall/genwatch/internal/metrics"
	"github.com/HerbHall/genwatch/pkg/models"
)

// Close codes sent on rejection.
const (
	CloseUnauthorized websocket.StatusCode = 4001
	CloseForbidden    websocket.StatusCode = 4003
)

const (
	reasonUnauthorized = "Unauthorized"
	reasonForbidden    = "Access denied to this object"

	defaultWriteTimeout = 10 * time.Second
	readLimit           = 4096
)

// State is a session lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateStreaming
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Evaluator resolves the caller of a live connection.
type Evaluator interface {
	EvaluateWS(r *http.Request, token string) access.Context
}

// Hub is the subset of the telemetry hub a session uses.
type Hub interface {
	Subscribe(siteID string) *hub.Queue
	Unsubscribe(q *hub.Queue)
	Snapshot(siteID string) []models.Message
}

// Handler serves GET /ws.
type Handler struct {
	hub          Hub
	eval         Evaluator
	audit        *access.AuditLogger
	logger       *zap.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
	origins      []string

	active atomic.Int64
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *zap.Logger) Option         { return func(h *Handler) { h.logger = l } }
func WithAudit(a *access.AuditLogger) Option  { return func(h *Handler) { h.audit = a } }
func WithMetrics(m *metrics.Metrics) Option   { return func(h *Handler) { h.metrics = m } }
func WithWriteTimeout(d time.Duration) Option { return func(h *Handler) { h.writeTimeout = d } }
func WithOriginPatterns(p ...string) Option   { return func(h *Handler) { h.origins = p } }

// NewHandler creates a live session handler.
func NewHandler(h Hub, eval Evaluator, opts ...Option) *Handler {
	lh := &Handler{
		hub:          h,
		eval:         eval,
		logger:       zap.NewNop(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(lh)
	}
	if lh.metrics == nil {
		lh.metrics = metrics.New()
	}
	return lh
}

// Active returns the number of sessions currently streaming.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

type session struct {
	id     string
	state  State
	ac     access.Context
	target string
	logger *zap.Logger
}

func (s *session) to(next State) {
	s.logger.Debug("session state",
		zap.Stringer("from", s.state),
		zap.Stringer("to", next),
	)
	s.state = next
}

// ServeHTTP runs one session to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	id := uuid.NewString()
	s := &session{id: id, state: StateConnecting, logger: h.logger.With(zap.String("session", id))}

	query := r.URL.Query()
	s.ac = h.eval.EvaluateWS(r, query.Get("token"))
	if !s.ac.IsAuthenticated() {
		h.reject(conn, s, r, CloseUnauthorized, reasonUnauthorized, "unauthorized", "")
		return
	}
	s.to(StateAuthenticated)

	target, ok := subscriptionTarget(s.ac, query.Get("subscribe"))
	if !ok {
		h.reject(conn, s, r, CloseForbidden, reasonForbidden, "forbidden", "requested site "+query.Get("subscribe"))
		return
	}
	s.target = target

	h.stream(r.Context(), conn, s, r.UserAgent())
}

// subscriptionTarget picks the hub subscription for a caller. A site-scoped
// caller without an explicit request gets its own site; an explicit request
// outside the scope is refused.
func subscriptionTarget(ac access.Context, requested string) (string, bool) {
	if requested == "" {
		if ac.Scope.Kind == access.ScopeSite {
			return ac.Scope.SiteID, true
		}
		return "", true
	}
	if !ac.Scope.Contains(requested) {
		return "", false
	}
	return requested, true
}

func (h *Handler) reject(conn *websocket.Conn, s *session, r *http.Request, code websocket.StatusCode, reason, metricReason, detail string) {
	s.to(StateRejected)
	h.metrics.LiveRejected.WithLabelValues(metricReason).Inc()
	h.audit.LogContext("ws connect", s.ac, r.UserAgent(), access.ResultDeny, reason+detailSuffix(detail))
	_ = conn.Close(code, reason)
}

func detailSuffix(d string) string {
	if d == "" {
		return ""
	}
	return ": " + d
}

func (h *Handler) stream(parent context.Context, conn *websocket.Conn, s *session, userAgent string) {
	q := h.hub.Subscribe(s.target)
	defer h.hub.Unsubscribe(q)

	h.active.Add(1)
	h.metrics.LiveSessions.Inc()
	defer func() {
		h.active.Add(-1)
		h.metrics.LiveSessions.Dec()
	}()

	h.audit.LogContext("ws connect", s.ac, userAgent, access.ResultAllow, "subscribe "+targetName(s.target))
	s.to(StateStreaming)
	defer s.to(StateClosed)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if items := visible(s.ac, h.hub.Snapshot(s.target)); len(items) > 0 {
		if err := h.write(ctx, conn, models.NewSnapshot(items)); err != nil {
			s.logger.Debug("snapshot write failed", zap.Error(err))
			_ = conn.Close(websocket.StatusInternalError, "")
			return
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return h.send(gctx, conn, q, s.ac)
	})
	g.Go(func() error {
		defer cancel()
		return receive(gctx, conn)
	})
	err := g.Wait()

	status := websocket.CloseStatus(err)
	s.logger.Debug("session ended", zap.Int("close_status", int(status)), zap.Error(err))
	if status == -1 {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// send forwards queued messages the caller may see until ctx ends or a
// write fails.
func (h *Handler) send(ctx context.Context, conn *websocket.Conn, q *hub.Queue, ac access.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q.C():
			if !ac.Scope.Contains(msg.SiteID) {
				continue
			}
			if err := h.write(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

// receive drains client frames. They carry no meaning beyond keeping the
// connection alive; the first read error ends the session.
func receive(ctx context.Context, conn *websocket.Conn) error {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// visible drops messages outside the caller's scope.
func visible(ac access.Context, msgs []models.Message) []models.Message {
	if ac.Scope.Kind == access.ScopeAll {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if ac.Scope.Contains(m.SiteID) {
			out = append(out, m)
		}
	}
	return out
}

func targetName(site string) string {
	if site == "" {
		return "all"
	}
	return site
}
