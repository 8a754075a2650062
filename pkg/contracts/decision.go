// Package contracts defines the shared data model of the Arbiter decision
// pipeline: decisions, policy definitions, verdicts, conflicts, approval
// requests and escalation records, plus the error taxonomy every component
// surfaces.
//
// The package is deliberately dependency-free so that every other package
// can import it without cycles.
package contracts

import "time"

// DecisionState represents the lifecycle state of a Decision.
type DecisionState string

const (
	DecisionProposed        DecisionState = "PROPOSED"
	DecisionEvaluated       DecisionState = "EVALUATED"
	DecisionPendingApproval DecisionState = "PENDING_APPROVAL"
	DecisionCommitted       DecisionState = "COMMITTED"
	DecisionRejected        DecisionState = "REJECTED"
	DecisionCancelled       DecisionState = "CANCELLED"
)

// Terminal reports whether the state accepts no further transitions.
func (s DecisionState) Terminal() bool {
	switch s {
	case DecisionCommitted, DecisionRejected, DecisionCancelled:
		return true
	}
	return false
}

// Action is the concrete operation a decision proposes to execute.
type Action struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
}

// ContextRef links a decision to a piece of context that informed it.
type ContextRef struct {
	ContextID string  `json:"context_id"`
	Usage     string  `json:"usage"`
	Relevance float64 `json:"relevance"`
}

// DecisionApproval records the human approval that released a decision from
// PENDING_APPROVAL back to EVALUATED.
type DecisionApproval struct {
	ApproverID    string    `json:"approver_id"`
	Justification string    `json:"justification,omitempty"`
	ApprovedAt    time.Time `json:"approved_at"`
}

// Decision is the unit of accountable action. It is owned exclusively by the
// decision state machine and mutated only by whole-object replacement; the
// Version field backs the optimistic-concurrency guard on every write.
type Decision struct {
	ID             string            `json:"id"`
	State          DecisionState     `json:"state"`
	Action         Action            `json:"action"`
	ProposedBy     string            `json:"proposed_by"`
	ContextRefs    []ContextRef      `json:"context_refs,omitempty"`
	Rationale      string            `json:"rationale,omitempty"`
	Verdict        *DecisionVerdict  `json:"verdict,omitempty"`
	AlternativeIDs []string          `json:"alternative_ids,omitempty"`
	Approval       *DecisionApproval `json:"approval,omitempty"`
	ProposedAt     time.Time         `json:"proposed_at"`
	EvaluatedAt    *time.Time        `json:"evaluated_at,omitempty"`
	ConcludedAt    *time.Time        `json:"concluded_at,omitempty"`

	Version int64 `json:"version"`
}

// CommitTxState tracks the explicit transaction record wrapped around
// commit(). The store is logical-single-writer today, but the record keeps
// the public contract stable if a write-ahead backend is plugged in.
type CommitTxState string

const (
	CommitTxStarted    CommitTxState = "STARTED"
	CommitTxCompleted  CommitTxState = "COMPLETED"
	CommitTxRolledBack CommitTxState = "ROLLED_BACK"
)

// CommitTransaction is the audit record of a single commit attempt.
type CommitTransaction struct {
	ID          string        `json:"id"`
	DecisionID  string        `json:"decision_id"`
	State       CommitTxState `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	FailureNote string        `json:"failure_note,omitempty"`
}
