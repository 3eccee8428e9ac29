package access

import (
	"errors"
	"net/http"
	"strings"

	"github.com/HerbHall/genwatch/internal/server"
)

// Middleware evaluates every request once and stores the result in the
// request context for handlers and guards. WebSocket upgrades pass through
// untouched: the live handler evaluates them itself with EvaluateWS.
func (e *Evaluator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		ac := e.Evaluate(r)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerHasToken(r.Header, "Connection", "upgrade")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// RequireAuth rejects anonymous callers with 401.
func RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !FromContext(r.Context()).IsAuthenticated() {
			WriteError(w, r, ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

// RequireAdmin rejects anonymous callers with 401 and non-admins with 403.
func RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := FromContext(r.Context())
		switch {
		case !ac.IsAuthenticated():
			WriteError(w, r, ErrUnauthorized)
		case !ac.IsAdmin():
			WriteError(w, r, ErrForbidden)
		default:
			next(w, r)
		}
	}
}

// WriteError writes a problem+json response for ErrUnauthorized or
// ErrForbidden.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrUnauthorized) {
		server.Unauthorized(w, err.Error(), r.URL.Path)
		return
	}
	server.Forbidden(w, err.Error(), r.URL.Path)
}
