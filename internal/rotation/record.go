// Package rotation drives the per-client credential rotation state machine:
//
//	none → INITIATED → DUAL_ACTIVE → OLD_DEPRECATED → NEW_ACTIVE
//	            ↓           ↓               ↓
//	          FAILED      FAILED          FAILED
//
// The controller is the sole writer of credentials and rotation records; the
// façade and the processor only read. Completing a rotation does not revoke
// old-version tokens that have not yet expired beyond the final
// invalidate-by-client sweep — a deliberate carry-over from the prior
// system, at the cost of a bounded replay surface until natural expiry.
package rotation

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is one node of the rotation state machine.
type State int

const (
	StateInitiated State = iota
	StateDualActive
	StateOldDeprecated
	StateNewActive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "INITIATED"
	case StateDualActive:
		return "DUAL_ACTIVE"
	case StateOldDeprecated:
		return "OLD_DEPRECATED"
	case StateNewActive:
		return "NEW_ACTIVE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	return s == StateNewActive || s == StateFailed
}

// ParseState inverts String.
func ParseState(s string) (State, error) {
	switch s {
	case "INITIATED":
		return StateInitiated, nil
	case "DUAL_ACTIVE":
		return StateDualActive, nil
	case "OLD_DEPRECATED":
		return StateOldDeprecated, nil
	case "NEW_ACTIVE":
		return StateNewActive, nil
	case "FAILED":
		return StateFailed, nil
	default:
		return 0, fmt.Errorf("rotation: unknown state %q", s)
	}
}

var validTransitions = map[State][]State{
	StateInitiated:     {StateDualActive, StateFailed},
	StateDualActive:    {StateOldDeprecated, StateFailed},
	StateOldDeprecated: {StateNewActive, StateFailed},
}

func transitionAllowed(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Record tracks one rotation of one client's credential.
type Record struct {
	RotationID       string        `json:"rotation_id"`
	ClientID         string        `json:"client_id"`
	State            State         `json:"-"`
	OldVersion       int           `json:"old_version"`
	NewVersion       int           `json:"new_version"`
	StartedAt        time.Time     `json:"started_at"`
	PromotedAt       time.Time     `json:"promoted_at,omitempty"`
	RetiredAt        time.Time     `json:"retired_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	TransitionWindow time.Duration `json:"transition_window"`
	Reason           string        `json:"reason"`
	Forced           bool          `json:"forced"`
	Message          string        `json:"message,omitempty"`
	SupersededBy     string        `json:"superseded_by,omitempty"`
}

// transition moves the record to next, enforcing the machine's edges.
// CompletedAt is stamped exactly once, on entering NEW_ACTIVE.
func (r *Record) transition(next State, now time.Time) error {
	if r.State.IsTerminal() {
		return fmt.Errorf("rotation %s: already terminal in %s", r.RotationID, r.State)
	}
	if next != StateFailed && !transitionAllowed(r.State, next) {
		return fmt.Errorf("rotation %s: invalid transition %s -> %s", r.RotationID, r.State, next)
	}
	r.State = next
	switch next {
	case StateDualActive:
		r.PromotedAt = now
	case StateOldDeprecated:
		r.RetiredAt = now
	case StateNewActive:
		if r.CompletedAt == nil {
			t := now
			r.CompletedAt = &t
		}
	}
	return nil
}

// Clone returns a copy safe to hand to callers outside the controller lock.
func (r *Record) Clone() *Record {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// recordJSON is the durable form written to the secret store so a restarted
// controller resumes in-flight rotations.
type recordJSON struct {
	Record
	StateName string `json:"state"`
}

// MarshalDocument renders the record as a secret-store document.
func (r *Record) MarshalDocument() (map[string]interface{}, error) {
	data, err := json.Marshal(recordJSON{Record: *r, StateName: r.State.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal rotation record: %w", err)
	}
	return map[string]interface{}{"record": string(data)}, nil
}

// RecordFromDocument parses a stored rotation record.
func RecordFromDocument(data map[string]interface{}) (*Record, error) {
	raw, _ := data["record"].(string)
	if raw == "" {
		return nil, fmt.Errorf("rotation document missing record field")
	}
	var rj recordJSON
	if err := json.Unmarshal([]byte(raw), &rj); err != nil {
		return nil, fmt.Errorf("unmarshal rotation record: %w", err)
	}
	state, err := ParseState(rj.StateName)
	if err != nil {
		return nil, err
	}
	rec := rj.Record
	rec.State = state
	return &rec, nil
}
