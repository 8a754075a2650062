package contracts

import "time"

// EnforcementMode declares what happens when a policy's rule fails.
type EnforcementMode string

const (
	EnforcementBlock    EnforcementMode = "BLOCK"
	EnforcementAnnotate EnforcementMode = "ANNOTATE"
	EnforcementEscalate EnforcementMode = "ESCALATE"
	EnforcementShadow   EnforcementMode = "SHADOW"
)

// Restrictiveness ranks enforcement modes most-restrictive-first. Unknown
// modes rank below SHADOW.
func (m EnforcementMode) Restrictiveness() int {
	switch m {
	case EnforcementBlock:
		return 4
	case EnforcementEscalate:
		return 3
	case EnforcementAnnotate:
		return 2
	case EnforcementShadow:
		return 1
	}
	return 0
}

// PolicyStatus is the publication status of a policy version.
type PolicyStatus string

const (
	PolicyDraft      PolicyStatus = "DRAFT"
	PolicyActive     PolicyStatus = "ACTIVE"
	PolicySuspended  PolicyStatus = "SUSPENDED"
	PolicyDeprecated PolicyStatus = "DEPRECATED"
	PolicySuperseded PolicyStatus = "SUPERSEDED"
)

// ScopeType selects how a policy scope matches decisions.
type ScopeType string

const (
	ScopeGlobal  ScopeType = "GLOBAL"
	ScopePattern ScopeType = "PATTERN"
	ScopeTargets ScopeType = "TARGETS"
)

// PolicyScope identifies what a policy applies to. Pattern is a
// colon-delimited, wildcard-capable string ("financial:*").
type PolicyScope struct {
	Type      ScopeType `json:"type"`
	Pattern   string    `json:"pattern,omitempty"`
	TargetIDs []string  `json:"target_ids,omitempty"`
}

// PolicyRule holds the predicate of a policy in a named rule format.
// The evaluator registry dispatches on Format.
type PolicyRule struct {
	Format      string `json:"format"`
	Expression  string `json:"expression"`
	Explanation string `json:"explanation,omitempty"`
}

// ActivationWindow bounds when an ACTIVE policy actually applies.
// ExpiresAt == nil means no expiry; the window is [ActivatesAt, ExpiresAt).
type ActivationWindow struct {
	ActivatesAt time.Time  `json:"activates_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// PolicyDefinition is an immutable, versioned policy. New versions are new
// objects linked via SupersedesID; definitions are never mutated in place.
type PolicyDefinition struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Scope        PolicyScope      `json:"scope"`
	Rule         PolicyRule       `json:"rule"`
	Enforcement  EnforcementMode  `json:"enforcement"`
	Version      string           `json:"version"`
	Status       PolicyStatus     `json:"status"`
	Activation   ActivationWindow `json:"activation"`
	SupersedesID string           `json:"supersedes_id,omitempty"`
	// References lists other policies this one depends on; together with
	// SupersedesID it forms the graph used for CIRCULAR conflict detection.
	References []string       `json:"references,omitempty"`
	Priority   *int           `json:"priority,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ViolationSeverity grades a recorded policy violation.
type ViolationSeverity string

const (
	SeverityInfo     ViolationSeverity = "INFO"
	SeverityWarning  ViolationSeverity = "WARNING"
	SeverityError    ViolationSeverity = "ERROR"
	SeverityCritical ViolationSeverity = "CRITICAL"
)

// PolicyViolation is one policy's recorded failure against a decision.
type PolicyViolation struct {
	PolicyID string            `json:"policy_id"`
	Message  string            `json:"message"`
	Severity ViolationSeverity `json:"severity"`
}

// PolicyResult is the outcome of evaluating a single policy.
type PolicyResult struct {
	PolicyID    string          `json:"policy_id"`
	PolicyName  string          `json:"policy_name"`
	Passed      bool            `json:"passed"`
	Skipped     bool            `json:"skipped,omitempty"`
	SkipReason  string          `json:"skip_reason,omitempty"`
	Enforcement EnforcementMode `json:"enforcement"`
	Annotation  string          `json:"annotation,omitempty"`
	// Error carries the captured evaluator failure for diagnostics. A
	// non-empty Error always pairs with Passed=false and EnforcementBlock.
	Error string `json:"error,omitempty"`
}

// VerdictResult is the aggregated outcome of evaluating all applicable
// policies against one decision.
type VerdictResult string

const (
	VerdictAllow    VerdictResult = "ALLOW"
	VerdictDeny     VerdictResult = "DENY"
	VerdictEscalate VerdictResult = "ESCALATE"
	VerdictAnnotate VerdictResult = "ANNOTATE"
)

// DecisionVerdict aggregates per-policy results into the single outcome the
// state machine consumes. Exactly one verdict may be attached per evaluation
// event.
type DecisionVerdict struct {
	ID                 string            `json:"id"`
	DecisionID         string            `json:"decision_id"`
	Result             VerdictResult     `json:"result"`
	PolicyResults      []PolicyResult    `json:"policy_results"`
	BlockingPolicies   []string          `json:"blocking_policies,omitempty"`
	EscalatingPolicies []string          `json:"escalating_policies,omitempty"`
	Annotations        []string          `json:"annotations,omitempty"`
	Violations         []PolicyViolation `json:"violations,omitempty"`
	EvaluatedAt        time.Time         `json:"evaluated_at"`
	EvaluationTimeMs   int64             `json:"evaluation_time_ms"`
}
