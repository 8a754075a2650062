package contracts

import "time"

// ConflictType classifies how two or more policies collide.
type ConflictType string

const (
	ConflictContradiction      ConflictType = "CONTRADICTION"
	ConflictOverlap            ConflictType = "OVERLAP"
	ConflictCircular           ConflictType = "CIRCULAR"
	ConflictAmbiguousPriority  ConflictType = "AMBIGUOUS_PRIORITY"
	ConflictResourceContention ConflictType = "RESOURCE_CONTENTION"
)

// ConflictSeverity grades how urgently a conflict needs attention.
type ConflictSeverity string

const (
	ConflictLow      ConflictSeverity = "LOW"
	ConflictMedium   ConflictSeverity = "MEDIUM"
	ConflictHigh     ConflictSeverity = "HIGH"
	ConflictCritical ConflictSeverity = "CRITICAL"
)

// PolicyConflict records one detected collision between policies.
type PolicyConflict struct {
	ID               string           `json:"id"`
	Type             ConflictType     `json:"type"`
	PolicyIDs        []string         `json:"policy_ids"`
	OverlappingScope string           `json:"overlapping_scope,omitempty"`
	Severity         ConflictSeverity `json:"severity"`
	DetectedAt       time.Time        `json:"detected_at"`
}

// ResolutionStrategy names the algorithm used to pick a winner.
type ResolutionStrategy string

const (
	ResolveMostSpecific    ResolutionStrategy = "MOST_SPECIFIC"
	ResolveMostRestrictive ResolutionStrategy = "MOST_RESTRICTIVE"
	ResolveMostPermissive  ResolutionStrategy = "MOST_PERMISSIVE"
	ResolvePriority        ResolutionStrategy = "PRIORITY"
	ResolveNewest          ResolutionStrategy = "NEWEST"
	ResolveEscalate        ResolutionStrategy = "ESCALATE"
	ResolveCustom          ResolutionStrategy = "CUSTOM"
)

// ResolutionResult is the outcome of resolving one conflict.
type ResolutionResult struct {
	ConflictID      string             `json:"conflict_id"`
	Strategy        ResolutionStrategy `json:"strategy"`
	WinningPolicyID string             `json:"winning_policy_id,omitempty"`
	NeedsEscalation bool               `json:"needs_escalation,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	ResolvedAt      time.Time          `json:"resolved_at"`
}
