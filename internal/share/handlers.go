package share

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/genwatch/internal/access"
	"github.com/HerbHall/genwatch/internal/server"
	"github.com/HerbHall/genwatch/internal/sharelink"
	"github.com/HerbHall/genwatch/internal/sharesession"
)

const maxBodyBytes = 16 << 10

// createLinkRequest is the JSON body for POST /links.
type createLinkRequest struct {
	Label      string `json:"label"`
	ScopeType  string `json:"scope_type"`
	ScopeID    string `json:"scope_id"`
	MaxUses    *int   `json:"max_uses"`
	ExpireDays int    `json:"expire_days"`
}

// createdLinkResponse carries the raw token and full URL. Both are shown
// exactly once.
type createdLinkResponse struct {
	*sharelink.Created
	URL string `json:"url"`
}

// meResponse describes the caller of GET /me.
type meResponse struct {
	Role      string `json:"role"`
	Method    string `json:"method"`
	ScopeType string `json:"scope_type"`
	ScopeID   string `json:"scope_id,omitempty"`
	LinkID    int64  `json:"link_id,omitempty"`
}

// handleView trades a share token for a session cookie and redirects to
// the page the link grants.
func (p *Plugin) handleView(w http.ResponseWriter, r *http.Request) {
	ac := access.FromContext(r.Context())
	ip := ac.ClientIP
	if ip == "" {
		ip = remoteHost(r.RemoteAddr)
	}
	anon := access.Anonymous(ip)
	ua := r.UserAgent()

	if !p.limiter.Allow(ip) {
		p.deps.Audit.LogContext("view_entry", anon, ua, access.ResultDeny, "rate_limited")
		shareWriteError(w, r, http.StatusTooManyRequests, "too many requests")
		return
	}

	link, err := p.deps.Links.Redeem(r.Context(), r.PathValue("token"))
	if errors.Is(err, sharelink.ErrInvalid) {
		p.deps.Audit.LogContext("view_entry", anon, ua, access.ResultDeny, "invalid_token")
		shareWriteError(w, r, http.StatusForbidden, "link is invalid, expired, or revoked")
		return
	}
	if err != nil {
		p.logger.Error("redeem share link", zap.Error(err))
		p.deps.Audit.LogContext("view_entry", anon, ua, access.ResultError, "redeem failed")
		shareWriteError(w, r, http.StatusInternalServerError, "failed to redeem link")
		return
	}

	cookie, err := p.deps.Sessions.Issue(sharesession.Payload{
		LinkID:    link.ID,
		Role:      link.Role,
		ScopeType: link.ScopeType,
		ScopeID:   link.ScopeID,
	})
	if err != nil {
		p.logger.Error("issue share session", zap.Int64("link_id", link.ID), zap.Error(err))
		shareWriteError(w, r, http.StatusInternalServerError, "failed to issue session")
		return
	}

	granted := access.Context{
		Role:     access.ParseRole(link.Role),
		Method:   access.MethodCookie,
		Scope:    access.ScopeFromLink(link),
		LinkID:   link.ID,
		ClientIP: ip,
	}
	p.deps.Audit.LogContext("view_entry", granted, ua, access.ResultAllow, fmt.Sprintf("link_id=%d", link.ID))

	http.SetCookie(w, &http.Cookie{
		Name:     access.CookieName,
		Value:    cookie,
		Path:     "/",
		MaxAge:   int(p.deps.Access.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, redirectPath(link), http.StatusFound)
}

func redirectPath(l *sharelink.Link) string {
	if l.ScopeType == sharelink.ScopeSite && l.ScopeID != "" {
		return "/objects/" + l.ScopeID
	}
	return "/"
}

func (p *Plugin) handleMe(w http.ResponseWriter, r *http.Request) {
	ac := access.FromContext(r.Context())
	resp := meResponse{
		Role:      ac.Role.String(),
		Method:    ac.Method.String(),
		ScopeType: sharelink.ScopeAll,
		LinkID:    ac.LinkID,
	}
	if ac.Scope.Kind == access.ScopeSite {
		resp.ScopeType = sharelink.ScopeSite
		resp.ScopeID = ac.Scope.SiteID
	}
	shareWriteJSON(w, http.StatusOK, resp)
}

// handleCreateLink mints a viewer link. The role is always viewer whatever
// the body says.
func (p *Plugin) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	ac := access.FromContext(r.Context())

	var req createLinkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		shareWriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ScopeType == "" {
		req.ScopeType = sharelink.ScopeAll
	}

	created, err := p.deps.Links.Create(r.Context(), sharelink.CreateParams{
		Label:      req.Label,
		ScopeType:  req.ScopeType,
		ScopeID:    req.ScopeID,
		Role:       sharelink.RoleViewer,
		MaxUses:    req.MaxUses,
		ExpireDays: req.ExpireDays,
		CreatedBy:  ac.Method.String() + ":" + ac.ClientIP,
	})
	if errors.Is(err, sharelink.ErrBadParams) {
		shareWriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		p.logger.Error("create share link", zap.Error(err))
		shareWriteError(w, r, http.StatusInternalServerError, "failed to create link")
		return
	}

	p.deps.Audit.LogContext("create_share_link", ac, r.UserAgent(), access.ResultAllow,
		fmt.Sprintf("link_id=%d label=%s scope=%s", created.ID, created.Label, access.ScopeFromLink(&created.Link)))

	shareWriteJSON(w, http.StatusCreated, createdLinkResponse{
		Created: created,
		URL:     strings.TrimRight(p.deps.Access.PublicBaseURL, "/") + "/view/" + created.Token,
	})
}

func (p *Plugin) handleListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := p.deps.Links.List(r.Context())
	if err != nil {
		p.logger.Error("list share links", zap.Error(err))
		shareWriteError(w, r, http.StatusInternalServerError, "failed to list links")
		return
	}
	shareWriteJSON(w, http.StatusOK, links)
}

func (p *Plugin) handleRevokeLink(w http.ResponseWriter, r *http.Request) {
	ac := access.FromContext(r.Context())
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		shareWriteError(w, r, http.StatusBadRequest, "invalid link id")
		return
	}

	err = p.deps.Links.Revoke(r.Context(), id)
	if errors.Is(err, sharelink.ErrNotFound) {
		shareWriteError(w, r, http.StatusNotFound, "link not found or already revoked")
		return
	}
	if err != nil {
		p.logger.Error("revoke share link", zap.Int64("link_id", id), zap.Error(err))
		shareWriteError(w, r, http.StatusInternalServerError, "failed to revoke link")
		return
	}

	p.deps.Audit.LogContext("revoke_share_link", ac, r.UserAgent(), access.ResultAllow, fmt.Sprintf("link_id=%d", id))
	shareWriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func shareWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func shareWriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	server.Error(w, status, detail, r.URL.Path)
}
