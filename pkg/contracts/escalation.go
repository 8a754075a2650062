package contracts

import "time"

// EscalationPathLevel is one rung of an escalation path.
type EscalationPathLevel struct {
	Level        int      `json:"level"`
	Approvers    []string `json:"approvers"`
	MinAuthority int      `json:"min_authority,omitempty"`
	// TimeoutMs overrides the path default for this level when > 0.
	TimeoutMs         int64 `json:"timeout_ms,omitempty"`
	RequiredApprovals int   `json:"required_approvals,omitempty"`
}

// EscalationPath is an ordered list of approval levels matched by scope.
type EscalationPath struct {
	ID               string                `json:"id"`
	ScopePattern     string                `json:"scope_pattern"`
	Levels           []EscalationPathLevel `json:"levels"`
	DefaultTimeoutMs int64                 `json:"default_timeout_ms"`
}

// EscalationRule routes a matching decision into a path at a target level.
type EscalationRule struct {
	ID           string         `json:"id"`
	Trigger      string         `json:"trigger"`
	PathID       string         `json:"path_id"`
	TargetLevel  int            `json:"target_level"`
	ScopePattern string         `json:"scope_pattern,omitempty"`
	Conditions   map[string]any `json:"conditions,omitempty"`
	Active       bool           `json:"active"`
}

// EscalationEventType tags one entry of an escalation record's history.
type EscalationEventType string

const (
	EscalationStarted   EscalationEventType = "started"
	EscalationEscalated EscalationEventType = "escalated"
	EscalationResolved  EscalationEventType = "resolved"
	EscalationTimedOut  EscalationEventType = "timed_out"
)

// EscalationEvent is one append-only history entry.
type EscalationEvent struct {
	Type      EscalationEventType `json:"type"`
	Level     int                 `json:"level"`
	Actor     string              `json:"actor,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
	At        time.Time           `json:"at"`
}

// EscalationRecord tracks one decision's journey through an escalation path.
// History is append-only; entries are never rewritten.
type EscalationRecord struct {
	ID                string            `json:"id"`
	DecisionID        string            `json:"decision_id"`
	Trigger           string            `json:"trigger"`
	PathID            string            `json:"path_id"`
	CurrentLevel      int               `json:"current_level"`
	ApprovalRequestID string            `json:"approval_request_id"`
	Resolved          bool              `json:"resolved"`
	History           []EscalationEvent `json:"history"`
	CreatedAt         time.Time         `json:"created_at"`

	Version int64 `json:"version"`
}
