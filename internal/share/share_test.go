package share

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/genwatch/internal/access"
	"github.com/HerbHall/genwatch/internal/config"
	"github.com/HerbHall/genwatch/internal/sharelink"
	"github.com/HerbHall/genwatch/internal/sharesession"
	"github.com/HerbHall/genwatch/internal/testutil"
)

type fixture struct {
	plugin *Plugin
	links  *sharelink.Registry
	codec  *sharesession.Codec
	clock  *testutil.Clock
	mux    *http.ServeMux
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	clock := testutil.NewClock()
	links, err := sharelink.Open(context.Background(), testutil.NewStore(t), sharelink.WithClock(clock.Now))
	require.NoError(t, err)
	codec, err := sharesession.New("test-secret", sharesession.WithClock(clock.Now))
	require.NoError(t, err)

	p := New(Deps{
		Links:    links,
		Sessions: codec,
		Audit:    access.NewAuditLogger(testutil.Logger()),
		Access: config.AccessConfig{
			PublicBaseURL:  "https://gen.example.com/",
			SessionMaxAge:  24 * time.Hour,
			ViewRateLimit:  limit,
			ViewRateWindow: time.Minute,
		},
		Now: clock.Now,
	})
	require.NoError(t, p.Init(viper.New(), testutil.Logger()))

	mux := http.NewServeMux()
	for _, r := range p.Routes() {
		mux.HandleFunc(r.Method+" "+r.Path, r.Handler)
	}
	for _, r := range p.PublicRoutes() {
		mux.HandleFunc(r.Method+" "+r.Path, r.Handler)
	}
	return &fixture{plugin: p, links: links, codec: codec, clock: clock, mux: mux}
}

func (f *fixture) do(method, target, body string, ac access.Context) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(access.WithContext(req.Context(), ac))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, p sharelink.CreateParams) *sharelink.Created {
	t.Helper()
	if p.Role == "" {
		p.Role = sharelink.RoleViewer
	}
	c, err := f.links.Create(context.Background(), p)
	require.NoError(t, err)
	return c
}

func admin() access.Context {
	return access.Context{Role: access.RoleAdmin, Method: access.MethodLAN, Scope: access.AllSites(), ClientIP: "192.168.1.10"}
}

func visitor(ip string) access.Context { return access.Anonymous(ip) }

func intPtr(n int) *int { return &n }

func TestView_SiteLink(t *testing.T) {
	f := newFixture(t, 20)
	link := f.create(t, sharelink.CreateParams{ScopeType: sharelink.ScopeSite, ScopeID: "SN123"})

	w := f.do(http.MethodGet, "/view/"+link.Token, "", visitor("203.0.113.5"))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, "/objects/SN123", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, access.CookieName, c.Name)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 86400, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	payload, ok := f.codec.Verify(c.Value, time.Hour)
	require.True(t, ok)
	assert.Equal(t, link.ID, payload.LinkID)
	assert.Equal(t, sharelink.RoleViewer, payload.Role)
	assert.Equal(t, sharelink.ScopeSite, payload.ScopeType)
	assert.Equal(t, "SN123", payload.ScopeID)

	stored, err := f.links.Get(context.Background(), link.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UseCount)
}

func TestView_AllLinkRedirectsHome(t *testing.T) {
	f := newFixture(t, 20)
	link := f.create(t, sharelink.CreateParams{ScopeType: sharelink.ScopeAll})

	w := f.do(http.MethodGet, "/view/"+link.Token, "", visitor("203.0.113.5"))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestView_InvalidAndExhausted(t *testing.T) {
	f := newFixture(t, 20)
	link := f.create(t, sharelink.CreateParams{ScopeType: sharelink.ScopeAll, MaxUses: intPtr(1)})

	w := f.do(http.MethodGet, "/view/not-a-token", "", visitor("203.0.113.5"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Result().Cookies())

	w = f.do(http.MethodGet, "/view/"+link.Token, "", visitor("203.0.113.5"))
	require.Equal(t, http.StatusFound, w.Code)

	w = f.do(http.MethodGet, "/view/"+link.Token, "", visitor("203.0.113.5"))
	assert.Equal(t, http.StatusForbidden, w.Code, "single-use link cannot be redeemed twice")
}

func TestView_RateLimited(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		w := f.do(http.MethodGet, "/view/x", "", visitor("203.0.113.5"))
		assert.Equal(t, http.StatusForbidden, w.Code)
	}
	w := f.do(http.MethodGet, "/view/x", "", visitor("203.0.113.5"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = f.do(http.MethodGet, "/view/x", "", visitor("198.51.100.7"))
	assert.Equal(t, http.StatusForbidden, w.Code, "other clients have their own bucket")

	f.clock.Advance(time.Minute)
	w = f.do(http.MethodGet, "/view/x", "", visitor("203.0.113.5"))
	assert.Equal(t, http.StatusForbidden, w.Code, "bucket refills after the window")
}

func TestView_AccessLog(t *testing.T) {
	f := newFixture(t, 20)
	logger, logs := testutil.ObservedLogger()
	f.plugin.deps.Audit = access.NewAuditLogger(logger)

	f.do(http.MethodGet, "/view/bogus", "", visitor("203.0.113.5"))

	entries := logs.FilterMessage("access").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "view_entry", fields["action"])
	assert.Equal(t, access.ResultDeny, fields["result"])
	assert.Equal(t, "invalid_token", fields["detail"])
	assert.Equal(t, "203.0.113.5", fields["client_ip"])
}

func TestCreateLink(t *testing.T) {
	f := newFixture(t, 20)

	w := f.do(http.MethodPost, "/links", `{"label":"customer","scope_type":"site","scope_id":"SN123","max_uses":5,"expire_days":2}`, admin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		ID        int64      `json:"id"`
		Label     string     `json:"label"`
		ScopeType string     `json:"scope_type"`
		ScopeID   string     `json:"scope_id"`
		Role      string     `json:"role"`
		MaxUses   *int       `json:"max_uses"`
		ExpiresAt *time.Time `json:"expires_at"`
		CreatedBy string     `json:"created_by"`
		Token     string     `json:"token"`
		URL       string     `json:"url"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "customer", resp.Label)
	assert.Equal(t, sharelink.ScopeSite, resp.ScopeType)
	assert.Equal(t, "SN123", resp.ScopeID)
	assert.Equal(t, sharelink.RoleViewer, resp.Role)
	require.NotNil(t, resp.MaxUses)
	assert.Equal(t, 5, *resp.MaxUses)
	require.NotNil(t, resp.ExpiresAt)
	assert.True(t, resp.ExpiresAt.Equal(f.clock.Now().AddDate(0, 0, 2)))
	assert.Equal(t, "lan:192.168.1.10", resp.CreatedBy)
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "https://gen.example.com/view/"+resp.Token, resp.URL)

	// The minted token is redeemable.
	w = f.do(http.MethodGet, "/view/"+resp.Token, "", visitor("203.0.113.5"))
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestCreateLink_Validation(t *testing.T) {
	f := newFixture(t, 20)
	tests := []struct {
		name string
		body string
	}{
		{name: "site without id", body: `{"scope_type":"site"}`},
		{name: "unknown scope", body: `{"scope_type":"region","scope_id":"x"}`},
		{name: "zero uses", body: `{"scope_type":"all","max_uses":0}`},
		{name: "not json", body: `{nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/links", tt.body, admin())
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := f.do(http.MethodPost, "/links", `{}`, admin())
	require.Equal(t, http.StatusCreated, w.Code, "empty body creates an all-sites link")
}

func TestAdminRoutes_Guarded(t *testing.T) {
	f := newFixture(t, 20)
	viewer := access.Context{Role: access.RoleViewer, Method: access.MethodCookie, Scope: access.SiteScope("SN1"), LinkID: 1}

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/links", "", visitor("203.0.113.5")).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/links", "", viewer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/links", `{}`, viewer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/links/1/revoke", "", viewer).Code)
}

func TestListLinks(t *testing.T) {
	f := newFixture(t, 20)

	w := f.do(http.MethodGet, "/links", "", admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	first := f.create(t, sharelink.CreateParams{Label: "a", ScopeType: sharelink.ScopeAll})
	second := f.create(t, sharelink.CreateParams{Label: "b", ScopeType: sharelink.ScopeSite, ScopeID: "SN2"})

	w = f.do(http.MethodGet, "/links", "", admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), first.Token)
	assert.NotContains(t, w.Body.String(), "token")

	var links []sharelink.Link
	require.NoError(t, json.NewDecoder(w.Body).Decode(&links))
	require.Len(t, links, 2)
	assert.Equal(t, second.ID, links[0].ID, "newest first")
	assert.Equal(t, first.ID, links[1].ID)
}

func TestRevokeLink(t *testing.T) {
	f := newFixture(t, 20)
	link := f.create(t, sharelink.CreateParams{ScopeType: sharelink.ScopeAll})
	target := "/links/" + jsonNumber(link.ID) + "/revoke"

	w := f.do(http.MethodPost, target, "", admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = f.do(http.MethodPost, target, "", admin())
	assert.Equal(t, http.StatusNotFound, w.Code, "already revoked")

	w = f.do(http.MethodPost, "/links/999/revoke", "", admin())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/links/abc/revoke", "", admin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/view/"+link.Token, "", visitor("203.0.113.5"))
	assert.Equal(t, http.StatusForbidden, w.Code, "revoked link cannot be redeemed")
}

func TestMe(t *testing.T) {
	f := newFixture(t, 20)

	w := f.do(http.MethodGet, "/me", "", visitor("203.0.113.5"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewer := access.Context{Role: access.RoleViewer, Method: access.MethodCookie, Scope: access.SiteScope("SN1"), LinkID: 4}
	w = f.do(http.MethodGet, "/me", "", viewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"role":"viewer","method":"cookie","scope_type":"site","scope_id":"SN1","link_id":4}`, w.Body.String())

	w = f.do(http.MethodGet, "/me", "", admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"role":"admin","method":"lan","scope_type":"all"}`, w.Body.String())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 20)
	require.NoError(t, f.plugin.Start(context.Background()))
	require.NoError(t, f.plugin.Stop())
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
