package contracts

import "time"

// EnforcementActionType is what the interpreter tells the caller to do.
type EnforcementActionType string

const (
	ActionProceed  EnforcementActionType = "PROCEED"
	ActionBlock    EnforcementActionType = "BLOCK"
	ActionAnnotate EnforcementActionType = "ANNOTATE"
	ActionEscalate EnforcementActionType = "ESCALATE"
)

// EnforcementAction is the interpreted consequence of a verdict.
type EnforcementAction struct {
	Type          EnforcementActionType `json:"type"`
	CanProceed    bool                  `json:"can_proceed"`
	Reason        string                `json:"reason,omitempty"`
	RequiredSteps []string              `json:"required_steps,omitempty"`
	Annotations   []string              `json:"annotations,omitempty"`
	Escalation    *EscalationRequest    `json:"escalation,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
}

// EscalationRequest asks the escalation manager to route a decision to a
// human, with a deadline derived from the configured approval timeout.
type EscalationRequest struct {
	DecisionID         string    `json:"decision_id"`
	EscalatingPolicies []string  `json:"escalating_policies,omitempty"`
	Deadline           time.Time `json:"deadline"`
}

// ShadowObservation logs what a SHADOW policy would have enforced. It never
// affects whether the action proceeds.
type ShadowObservation struct {
	ID               string          `json:"id"`
	DecisionID       string          `json:"decision_id"`
	PolicyID         string          `json:"policy_id"`
	PolicyName       string          `json:"policy_name"`
	WouldHaveApplied EnforcementMode `json:"would_have_applied"`
	Passed           bool            `json:"passed"`
	ObservedAt       time.Time       `json:"observed_at"`
}
