package access

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/HerbHall/genwatch/internal/config"
	"github.com/HerbHall/genwatch/internal/sharelink"
	"github.com/HerbHall/genwatch/internal/sharesession"
)

// CookieName is the share-session cookie set by /view/{token}.
const CookieName = "gw_session"

// SessionVerifier decodes a share-session cookie.
type SessionVerifier interface {
	Verify(token string, maxAge time.Duration) (sharesession.Payload, bool)
}

// LinkValidator re-checks the link behind a session without consuming a use.
type LinkValidator interface {
	Revalidate(ctx context.Context, id int64) (*sharelink.Link, error)
}

// Evaluator turns a request into an access Context.
type Evaluator struct {
	lan     []netip.Prefix
	proxies []netip.Prefix
	token   []byte
	maxAge  time.Duration

	sessions SessionVerifier
	links    LinkValidator
	audit    *AuditLogger
}

// NewEvaluator parses cfg. bearerToken may be empty to disable bearer
// authentication.
func NewEvaluator(cfg config.AccessConfig, bearerToken string, sessions SessionVerifier, links LinkValidator, audit *AuditLogger) (*Evaluator, error) {
	lan, err := parsePrefixes(cfg.LANSubnets)
	if err != nil {
		return nil, fmt.Errorf("lan_subnets: %w", err)
	}
	proxies, err := parsePrefixes(cfg.TrustedProxyIPs)
	if err != nil {
		return nil, fmt.Errorf("trusted_proxy_ips: %w", err)
	}
	e := &Evaluator{
		lan:      lan,
		proxies:  proxies,
		maxAge:   cfg.SessionMaxAge,
		sessions: sessions,
		links:    links,
		audit:    audit,
	}
	if bearerToken != "" {
		e.token = []byte(bearerToken)
	}
	return e, nil
}

// parsePrefixes accepts CIDR blocks and bare addresses.
func parsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func contains(prefixes []netip.Prefix, ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Evaluate resolves the caller of an HTTP request. The bearer credential is
// read from the Authorization header.
func (e *Evaluator) Evaluate(r *http.Request) Context {
	return e.evaluate(r, bearerFromHeader(r), "http")
}

// EvaluateWS resolves the caller of a live connection. The bearer
// credential is the token query parameter.
func (e *Evaluator) EvaluateWS(r *http.Request, token string) Context {
	return e.evaluate(r, token, "ws")
}

func (e *Evaluator) evaluate(r *http.Request, bearer, action string) Context {
	ac := e.resolve(r, bearer)
	result := ResultAllow
	if !ac.IsAuthenticated() {
		result = ResultDeny
	}
	e.audit.LogContext(action+" "+r.URL.Path, ac, r.UserAgent(), result, "")
	return ac
}

func (e *Evaluator) resolve(r *http.Request, bearer string) Context {
	ip := e.ClientIP(r)

	if contains(e.lan, ip) {
		return Context{Role: RoleAdmin, Method: MethodLAN, Scope: AllSites(), ClientIP: ip}
	}

	if ac, ok := e.fromCookie(r, ip); ok {
		return ac
	}

	if len(e.token) > 0 && bearer != "" &&
		subtle.ConstantTimeCompare([]byte(bearer), e.token) == 1 {
		return Context{Role: RoleViewer, Method: MethodBearer, Scope: AllSites(), ClientIP: ip}
	}

	return Anonymous(ip)
}

func (e *Evaluator) fromCookie(r *http.Request, ip string) (Context, bool) {
	if e.sessions == nil || e.links == nil {
		return Context{}, false
	}
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return Context{}, false
	}
	p, ok := e.sessions.Verify(c.Value, e.maxAge)
	if !ok {
		return Context{}, false
	}
	link, err := e.links.Revalidate(r.Context(), p.LinkID)
	if err != nil {
		return Context{}, false
	}
	return Context{
		Role:     ParseRole(link.Role),
		Method:   MethodCookie,
		Scope:    ScopeFromLink(link),
		LinkID:   link.ID,
		ClientIP: ip,
	}, true
}

// ScopeFromLink converts a stored link scope into a Scope.
func ScopeFromLink(l *sharelink.Link) Scope {
	if l.ScopeType == sharelink.ScopeSite {
		return SiteScope(l.ScopeID)
	}
	return AllSites()
}

// ClientIP returns the caller address. Forwarding headers are honoured only
// when the TCP peer is a trusted proxy: X-Real-IP first, then the first
// X-Forwarded-For entry.
func (e *Evaluator) ClientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if !contains(e.proxies, peer) {
		return peer
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return peer
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func bearerFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
