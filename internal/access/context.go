// Package access resolves who is making a request and what they may see.
//
// Every HTTP request and live connection is evaluated once into a Context.
// The evaluation order is fixed: trusted LAN address, then share-session
// cookie, then static bearer token, falling back to anonymous.
package access

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnauthorized means no credential was presented or it was rejected.
	ErrUnauthorized = errors.New("authentication required")
	// ErrForbidden means the caller is authenticated but lacks the role or
	// scope for the resource.
	ErrForbidden = errors.New("access denied")
)

// Role is the caller's privilege level.
type Role int

const (
	RoleAnonymous Role = iota
	RoleViewer
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleAdmin:
		return "admin"
	default:
		return "anonymous"
	}
}

// MarshalText renders the role name in JSON.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRole maps a stored role name to a Role. Unknown names are anonymous.
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "viewer":
		return RoleViewer
	case "admin":
		return RoleAdmin
	default:
		return RoleAnonymous
	}
}

// Method records which credential authenticated the caller.
type Method int

const (
	MethodNone Method = iota
	MethodLAN
	MethodCookie
	MethodBearer
)

func (m Method) String() string {
	switch m {
	case MethodLAN:
		return "lan"
	case MethodCookie:
		return "cookie"
	case MethodBearer:
		return "bearer"
	default:
		return "none"
	}
}

// MarshalText renders the method name in JSON.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ScopeKind distinguishes unrestricted from single-site visibility.
type ScopeKind int

const (
	ScopeAll ScopeKind = iota
	ScopeSite
)

// Scope is the set of sites a caller may observe.
type Scope struct {
	Kind   ScopeKind
	SiteID string
}

// AllSites is the unrestricted scope.
func AllSites() Scope { return Scope{Kind: ScopeAll} }

// SiteScope restricts visibility to one site.
func SiteScope(id string) Scope { return Scope{Kind: ScopeSite, SiteID: id} }

// Contains reports whether siteID is visible within the scope.
func (s Scope) Contains(siteID string) bool {
	return s.Kind == ScopeAll || s.SiteID == siteID
}

func (s Scope) String() string {
	if s.Kind == ScopeSite {
		return "site:" + s.SiteID
	}
	return "all:*"
}

// MarshalText renders the scope as all:* or site:<id>.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Context is the evaluated identity of one request or connection.
type Context struct {
	Role     Role   `json:"role"`
	Method   Method `json:"method"`
	Scope    Scope  `json:"scope"`
	LinkID   int64  `json:"link_id,omitempty"`
	ClientIP string `json:"client_ip"`
}

// Anonymous returns the unauthenticated context for clientIP.
func Anonymous(clientIP string) Context {
	return Context{Role: RoleAnonymous, Method: MethodNone, Scope: AllSites(), ClientIP: clientIP}
}

// IsAuthenticated reports whether any credential was accepted.
func (c Context) IsAuthenticated() bool { return c.Role != RoleAnonymous }

// IsAdmin reports whether the caller has the admin role.
func (c Context) IsAdmin() bool { return c.Role == RoleAdmin }

// AllowedSites returns the set of visible sites, or nil when every site is
// visible.
func (c Context) AllowedSites() map[string]struct{} {
	if c.Scope.Kind == ScopeAll {
		return nil
	}
	return map[string]struct{}{c.Scope.SiteID: {}}
}

// CanView reports whether an authenticated caller may see siteID.
func (c Context) CanView(siteID string) bool {
	return c.IsAuthenticated() && c.Scope.Contains(siteID)
}

// CheckSite returns ErrUnauthorized for anonymous callers and ErrForbidden
// when siteID is outside the caller's scope.
func CheckSite(c Context, siteID string) error {
	if !c.IsAuthenticated() {
		return ErrUnauthorized
	}
	if !c.Scope.Contains(siteID) {
		return ErrForbidden
	}
	return nil
}

type ctxKey struct{}

// WithContext attaches an evaluated Context to ctx.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the Context stored by WithContext, or an anonymous
// Context when none is present.
func FromContext(ctx context.Context) Context {
	if ac, ok := ctx.Value(ctxKey{}).(Context); ok {
		return ac
	}
	return Anonymous("")
}
