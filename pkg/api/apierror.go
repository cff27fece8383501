// Package api is the HTTP surface of the compliance gateway.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
)

const problemTypeBase = "https://compliance-gateway.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request id echoed in X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
	// Errors lists individual schema violations on a 400.
	Errors []string `json:"errors,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes p as application/problem+json.
func WriteProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", problemTypeBase, p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 response enriched with the request path and id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	WriteProblem(w, &ProblemDetail{
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	log.ErrorContext(r.Context(), "internal server error",
		"error", err,
		"path", r.URL.Path,
		"request_id", w.Header().Get("X-Request-ID"),
	)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

// WriteAppError maps the apperr taxonomy onto HTTP status codes. Only the
// caller-safe message is rendered.
func WriteAppError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, registry.ErrDuplicate):
		WriteError(w, r, http.StatusConflict, apperr.PublicMessage(err))
	case errors.Is(err, apperr.ErrValidation):
		WriteBadRequest(w, r, apperr.PublicMessage(err))
	case errors.Is(err, apperr.ErrNotFound):
		WriteNotFound(w, r, apperr.PublicMessage(err))
	case errors.Is(err, apperr.ErrEngineTransport):
		log.WarnContext(r.Context(), "policy engine failure", "error", err, "path", r.URL.Path)
		WriteError(w, r, http.StatusServiceUnavailable, apperr.PublicMessage(err))
	default:
		WriteInternal(w, r, log, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
