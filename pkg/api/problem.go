// Package api holds the HTTP plumbing shared by every gateway handler:
// RFC 7807 problem responses, request ids, access logging and rate limiting.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/agenr/agenr/pkg/faults"
)

// ProblemDetail is an RFC 7807 problem response. Every error the gateway
// returns uses this shape.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// StatusForFault maps the fault taxonomy onto HTTP status codes.
func StatusForFault(err error) int {
	switch faults.KindOf(err) {
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindConflict:
		return http.StatusConflict
	case faults.KindUnauthorized:
		return http.StatusUnauthorized
	case faults.KindForbidden:
		return http.StatusForbidden
	case faults.KindInvalid:
		return http.StatusBadRequest
	case faults.KindExpired:
		return http.StatusGone
	case faults.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteProblem writes a problem response enriched with request context.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://agenr.dev/errors/%d", status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = w.Header().Get("X-Request-ID")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteFault classifies err and writes the matching problem response.
// Unclassified and internal faults are logged but never leak their detail.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForFault(err)
	detail := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred. Please try again later."
	}
	WriteProblem(w, r, status, detail)
}

// WriteJSON writes a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteMethodNotAllowed writes a 405 problem response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, r, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}
