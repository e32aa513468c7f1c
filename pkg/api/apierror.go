// Package api is the HTTP surface: RFC 7807 errors, middleware and the
// contract and signing handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/countersign/countersign/pkg/contract"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path.
	Instance string `json:"instance,omitempty"`
	// Code is the machine-readable error kind.
	Code string `json:"code,omitempty"`
	// RequestID links the response to server logs.
	RequestID string `json:"request_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

const problemTypeBase = "https://countersign.dev/errors/"

// RetryAfterSeconds is advertised on 503 responses for retryable failures.
const RetryAfterSeconds = 5

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemTypeBase + strconv.Itoa(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.RequestID = RequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err, "request_id", RequestID(r.Context()))
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// statusFor maps an error kind to its HTTP status and title.
func statusFor(k contract.Kind) (int, string) {
	switch k {
	case contract.KindTokenInvalid, contract.KindTokenExpired:
		return http.StatusUnauthorized, "Unauthorized"
	case contract.KindNotFound:
		return http.StatusNotFound, "Not Found"
	case contract.KindContractNotSignable:
		return http.StatusConflict, "Conflict"
	case contract.KindInvalidRequest:
		return http.StatusBadRequest, "Bad Request"
	case contract.KindSourceUnavailable, contract.KindStoreUnavailable:
		return http.StatusServiceUnavailable, "Service Unavailable"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// WriteWorkflowError maps a workflow failure to a problem response. Only
// validation failures echo their detail; every other kind gets its public
// message and the cause is logged.
func WriteWorkflowError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := contract.KindOf(err)
	status, title := statusFor(kind)

	detail := kind.PublicMessage()
	var ce *contract.Error
	if kind == contract.KindInvalidRequest && errors.As(err, &ce) && ce.Err != nil {
		detail = ce.Err.Error()
	}

	attrs := []any{"error", err, "kind", kind.String(), "status", status, "request_id", RequestID(r.Context())}
	switch {
	case kind.Alert():
		logger.ErrorContext(r.Context(), "request failed", append(attrs, "alert", true)...)
	case kind.Retryable():
		logger.WarnContext(r.Context(), "request failed", attrs...)
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	default:
		logger.InfoContext(r.Context(), "request rejected", attrs...)
	}

	writeProblem(w, r, &ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   kind.String(),
	})
}
