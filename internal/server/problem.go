package server

import (
	"encoding/json"
	"net/http"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound     = "https://genwatch.dev/problems/not-found"
	ProblemTypeBadRequest   = "https://genwatch.dev/problems/bad-request"
	ProblemTypeInternal     = "https://genwatch.dev/problems/internal-error"
	ProblemTypeUnauthorized = "https://genwatch.dev/problems/unauthorized"
	ProblemTypeForbidden    = "https://genwatch.dev/problems/forbidden"
	ProblemTypeRateLimited  = "https://genwatch.dev/problems/rate-limited"
	ProblemTypeConflict     = "https://genwatch.dev/problems/conflict"
	ProblemTypeUnavailable  = "https://genwatch.dev/problems/unavailable"
)

var problemTypes = map[int]string{
	http.StatusBadRequest:          ProblemTypeBadRequest,
	http.StatusUnauthorized:        ProblemTypeUnauthorized,
	http.StatusForbidden:           ProblemTypeForbidden,
	http.StatusNotFound:            ProblemTypeNotFound,
	http.StatusConflict:            ProblemTypeConflict,
	http.StatusTooManyRequests:     ProblemTypeRateLimited,
	http.StatusInternalServerError: ProblemTypeInternal,
	http.StatusServiceUnavailable:  ProblemTypeUnavailable,
}

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// Error writes a problem response for any status, picking the problem type
// from the status code. Unmapped statuses use about:blank.
func Error(w http.ResponseWriter, status int, detail, instance string) {
	typ, ok := problemTypes[status]
	if !ok {
		typ = "about:blank"
	}
	WriteProblem(w, Problem{
		Type:     typ,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	Error(w, http.StatusNotFound, detail, instance)
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	Error(w, http.StatusBadRequest, detail, instance)
}

// Unauthorized writes a 401 problem response.
func Unauthorized(w http.ResponseWriter, detail, instance string) {
	Error(w, http.StatusUnauthorized, detail, instance)
}

// Forbidden writes a 403 problem response.
func Forbidden(w http.ResponseWriter, detail, instance string) {
	Error(w, http.StatusForbidden, detail, instance)
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	Error(w, http.StatusInternalServerError, detail, instance)
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	Error(w, http.StatusTooManyRequests, detail, instance)
}
