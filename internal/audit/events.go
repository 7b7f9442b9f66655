// Package audit defines the append-only security event stream emitted by the
// trust plane. Every component publishes through an Emitter; sinks (SSE
// subscribers, Pub/Sub, Postgres) consume downstream and never write back.
//
// Events never carry secrets, full tokens, or full identifiers. Identifier
// fields are masked to first-4/last-4 before an event leaves the emitter.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the closed audit taxonomy. Sinks may rely on this set
// being stable; new members are appended, never renamed.
type EventType string

const (
	AuthSuccess          EventType = "AUTH_SUCCESS"
	AuthFailure          EventType = "AUTH_FAILURE"
	TokenIssued          EventType = "TOKEN_ISSUED"
	TokenValidated       EventType = "TOKEN_VALIDATED"
	TokenRenewed         EventType = "TOKEN_RENEWED"
	TokenRejected        EventType = "TOKEN_REJECTED"
	RotationStarted      EventType = "ROTATION_STARTED"
	RotationPromoted     EventType = "ROTATION_PROMOTED"
	RotationRetired      EventType = "ROTATION_RETIRED"
	RotationCompleted    EventType = "ROTATION_COMPLETED"
	RotationFailed       EventType = "ROTATION_FAILED"
	RotationCancelled    EventType = "ROTATION_CANCELLED"
	VaultDegraded        EventType = "VAULT_DEGRADED"
	VaultIdentityExpired EventType = "VAULT_IDENTITY_EXPIRED"
	RateLimited          EventType = "RATE_LIMITED"
	OperationCancelled   EventType = "OPERATION_CANCELLED"
)

// Event is a single append-only audit record. ClientID and TokenMask are
// already masked by the time an Event exists; constructors go through Emit.
type Event struct {
	EventID   string         `json:"event_id"`
	Type      EventType      `json:"event_type"`
	ClientID  string         `json:"client_id,omitempty"`
	TokenMask string         `json:"token_mask,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Seq       int64          `json:"seq"`
	Time      time.Time      `json:"time"`
	Attrs     map[string]any `json:"attributes,omitempty"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat returns the event in Server-Sent Events framing for the
// /events/stream endpoint.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.EventID)), nil
}

// Emitter is the interface components publish through. The in-memory Bus,
// the Pub/Sub bus, and the Nop emitter all satisfy it.
type Emitter interface {
	Emit(ctx context.Context, typ EventType, clientID, tokenID string, attrs map[string]any)
}

// Mask truncates an identifier to its first four and last four characters.
// Anything eight characters or shorter masks completely — revealing both
// halves of a short secret would reveal all of it.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// Scope carries the request correlation ID and a monotonic event sequence for
// one inbound request. Events emitted under the same scope carry increasing
// Seq values; across requests only causal ordering holds.
type Scope struct {
	RequestID string
	seq       atomic.Int64
}

// Next returns the next sequence number within this request.
func (s *Scope) Next() int64 {
	return s.seq.Add(1)
}

type scopeKey struct{}

// WithScope returns a context carrying a fresh audit scope for requestID.
func WithScope(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, &Scope{RequestID: requestID})
}

// ScopeFrom extracts the request scope, or nil when the context has none
// (background jobs emit unscoped events with a generated request ID).
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// newEvent stamps identity, masking, and request correlation onto a raw
// emission. Shared by every Emitter implementation.
func newEvent(ctx context.Context, typ EventType, clientID, tokenID string, attrs map[string]any) *Event {
	e := &Event{
		EventID:   uuid.NewString(),
		Type:      typ,
		ClientID:  Mask(clientID),
		TokenMask: Mask(tokenID),
		Time:      time.Now().UTC(),
		Attrs:     attrs,
	}
	if scope := ScopeFrom(ctx); scope != nil {
		e.RequestID = scope.RequestID
		e.Seq = scope.Next()
	} else {
		e.RequestID = uuid.NewString()
		e.Seq = 1
	}
	return e
}

// Nop discards every event. Useful default for tests and optional wiring.
type Nop struct{}

func (Nop) Emit(context.Context, EventType, string, string, map[string]any) {}
