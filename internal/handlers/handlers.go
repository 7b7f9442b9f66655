// Package handlers carries the HTTP plumbing shared by the façade, the
// processor, and the rotation admin API: the uniform error envelope, strict
// JSON decoding, and bearer extraction.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paygrid/trustplane/internal/audit"
)

// ErrorCode is the closed taxonomy surfaced to callers. Each code maps to a
// fixed HTTP status.
type ErrorCode string

const (
	CodeAuthError               ErrorCode = "AUTH_ERROR"
	CodeInvalidToken            ErrorCode = "INVALID_TOKEN"
	CodeInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	CodeRateLimited             ErrorCode = "RATE_LIMITED"
	CodeUpstreamUnavailable     ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeValidationError         ErrorCode = "VALIDATION_ERROR"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
)

var codeStatus = map[ErrorCode]int{
	CodeAuthError:               http.StatusUnauthorized,
	CodeInvalidToken:            http.StatusUnauthorized,
	CodeInsufficientPermissions: http.StatusForbidden,
	CodeRateLimited:             http.StatusTooManyRequests,
	CodeUpstreamUnavailable:     http.StatusServiceUnavailable,
	CodeValidationError:         http.StatusBadRequest,
	CodeInternalError:           http.StatusInternalServerError,
}

// Status returns the HTTP status for a code, 500 for anything unknown.
func (c ErrorCode) Status() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorEnvelope is the uniform JSON error body. Messages are safe for
// vendors: no secrets, tokens, vault paths, or stack traces.
type ErrorEnvelope struct {
	ErrorCode ErrorCode `json:"errorCode"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId"`
	Timestamp string    `json:"timestamp"`
}

// WriteError writes the envelope with the code's fixed status.
func WriteError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	WriteErrorStatus(w, r, code, code.Status(), message)
}

// WriteErrorStatus writes the envelope with an explicit status for the rare
// cases that depart from the fixed mapping (409 on rotation conflicts).
func WriteErrorStatus(w http.ResponseWriter, r *http.Request, code ErrorCode, status int, message string) {
	env := ErrorEnvelope{
		ErrorCode: code,
		Message:   message,
		RequestID: RequestID(r),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Warn("write error envelope failed", "error", err)
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json response failed", "error", err)
	}
}

// maxBodyBytes bounds request bodies on every ingress surface.
const maxBodyBytes = 1 << 20

// DecodeJSON decodes the request body into v, rejecting unknown fields and
// trailing garbage. Ingress schemas are explicit; pass-through bodies do not
// go through here.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	if dec.More() {
		return errors.New("decode request body: trailing data")
	}
	return nil
}

// Bearer extracts the bearer token from the Authorization header, or from
// the raw body for the endpoints that accept the token as the body.
func Bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") || strings.HasPrefix(auth, "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// BearerOrBody returns the bearer header when present, otherwise the trimmed
// request body. POST /tokens/validate and /tokens/refresh take either form.
func BearerOrBody(r *http.Request) string {
	if tok := Bearer(r); tok != "" {
		return tok
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return ""
	}
	raw := strings.TrimSpace(string(body))
	// Tolerate a JSON-wrapped token: {"token": "..."}.
	if strings.HasPrefix(raw, "{") {
		var wrapped struct {
			Token string `json:"token"`
		}
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Token != "" {
			return wrapped.Token
		}
		return ""
	}
	return raw
}

// RequestID returns the correlation id for the request: the audit scope's id
// when the middleware has run, a fresh uuid otherwise.
func RequestID(r *http.Request) string {
	if scope := audit.ScopeFrom(r.Context()); scope != nil {
		return scope.RequestID
	}
	return uuid.NewString()
}
