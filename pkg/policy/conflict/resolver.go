package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Rule maps a conflict type to a resolution strategy. Rules are applied in
// descending Priority order; the first rule matching the conflict type wins.
type Rule struct {
	Type     contracts.ConflictType
	Strategy contracts.ResolutionStrategy
	Priority int
}

// CustomResolver is a caller-supplied resolution function for the CUSTOM
// strategy.
type CustomResolver func(conflict contracts.PolicyConflict, policies []contracts.PolicyDefinition) contracts.ResolutionResult

// DefaultRules is the stock rule set.
func DefaultRules() []Rule {
	return []Rule{
		{Type: contracts.ConflictOverlap, Strategy: contracts.ResolveMostSpecific, Priority: 10},
		{Type: contracts.ConflictContradiction, Strategy: contracts.ResolveMostRestrictive, Priority: 20},
		{Type: contracts.ConflictAmbiguousPriority, Strategy: contracts.ResolveNewest, Priority: 10},
		{Type: contracts.ConflictCircular, Strategy: contracts.ResolveEscalate, Priority: 30},
	}
}

// Resolver applies strategy rules to detected conflicts.
type Resolver struct {
	detector *Detector
	rules    []Rule
	custom   CustomResolver
	clock    func() time.Time
}

// NewResolver creates a resolver over the detector's policy set with the
// default rules.
func NewResolver(detector *Detector) *Resolver {
	return &Resolver{
		detector: detector,
		rules:    DefaultRules(),
		clock:    time.Now,
	}
}

// WithRules replaces the rule set.
func (r *Resolver) WithRules(rules []Rule) *Resolver {
	r.rules = rules
	return r
}

// WithCustomResolver installs the CUSTOM strategy handler.
func (r *Resolver) WithCustomResolver(fn CustomResolver) *Resolver {
	r.custom = fn
	return r
}

// WithClock overrides the clock for deterministic testing.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// Resolve picks the winning policy for a conflict. Conflicts with no
// matching rule, and strategies that cannot distinguish the policies,
// escalate to a human instead of guessing.
func (r *Resolver) Resolve(conflict contracts.PolicyConflict) (contracts.ResolutionResult, error) {
	policies := make([]contracts.PolicyDefinition, 0, len(conflict.PolicyIDs))
	for _, id := range conflict.PolicyIDs {
		p, ok := r.detector.Policy(id)
		if !ok {
			return contracts.ResolutionResult{}, contracts.NotFound("policy", id)
		}
		policies = append(policies, p)
	}

	rules := make([]Rule, len(r.rules))
	copy(rules, r.rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		if rule.Type != conflict.Type {
			continue
		}
		return r.apply(rule.Strategy, conflict, policies)
	}

	// No rule configured for this conflict type.
	return contracts.ResolutionResult{
		ConflictID:      conflict.ID,
		Strategy:        contracts.ResolveEscalate,
		NeedsEscalation: true,
		Reason:          fmt.Sprintf("no resolution rule for conflict type %s", conflict.Type),
		ResolvedAt:      r.clock(),
	}, nil
}

func (r *Resolver) apply(strategy contracts.ResolutionStrategy, conflict contracts.PolicyConflict, policies []contracts.PolicyDefinition) (contracts.ResolutionResult, error) {
	result := contracts.ResolutionResult{
		ConflictID: conflict.ID,
		Strategy:   strategy,
		ResolvedAt: r.clock(),
	}

	switch strategy {
	case contracts.ResolveMostSpecific:
		// String-length heuristic, not a formal specificity order.
		winner, ok := pick(policies, func(a, b contracts.PolicyDefinition) bool {
			return len(a.Scope.Pattern) > len(b.Scope.Pattern)
		})
		return decided(result, winner, ok, "longest scope pattern wins"), nil

	case contracts.ResolveMostRestrictive:
		winner, ok := pick(policies, func(a, b contracts.PolicyDefinition) bool {
			return a.Enforcement.Restrictiveness() > b.Enforcement.Restrictiveness()
		})
		return decided(result, winner, ok, "most restrictive enforcement wins"), nil

	case contracts.ResolveMostPermissive:
		winner, ok := pick(policies, func(a, b contracts.PolicyDefinition) bool {
			return a.Enforcement.Restrictiveness() < b.Enforcement.Restrictiveness()
		})
		return decided(result, winner, ok, "most permissive enforcement wins"), nil

	case contracts.ResolvePriority:
		winner, ok := pick(policies, func(a, b contracts.PolicyDefinition) bool {
			return priorityOf(a) > priorityOf(b)
		})
		return decided(result, winner, ok, "highest explicit priority wins"), nil

	case contracts.ResolveNewest:
		winner, ok := pick(policies, newerThan)
		return decided(result, winner, ok, "newest policy wins"), nil

	case contracts.ResolveEscalate:
		result.NeedsEscalation = true
		result.Reason = "deferred to human resolution"
		return result, nil

	case contracts.ResolveCustom:
		if r.custom == nil {
			return contracts.ResolutionResult{}, fmt.Errorf("CUSTOM strategy configured without a custom resolver")
		}
		return r.custom(conflict, policies), nil
	}

	return contracts.ResolutionResult{}, fmt.Errorf("unknown resolution strategy %q", strategy)
}

// pick returns the unique maximum under less-than ordering "a beats b".
// A tie means the strategy cannot decide and the conflict escalates.
func pick(policies []contracts.PolicyDefinition, beats func(a, b contracts.PolicyDefinition) bool) (contracts.PolicyDefinition, bool) {
	if len(policies) == 0 {
		return contracts.PolicyDefinition{}, false
	}
	winner := policies[0]
	for _, p := range policies[1:] {
		if beats(p, winner) {
			winner = p
		}
	}
	// Verify uniqueness: nothing else may tie with the winner.
	for _, p := range policies {
		if p.ID != winner.ID && !beats(winner, p) {
			return contracts.PolicyDefinition{}, false
		}
	}
	return winner, true
}

func decided(result contracts.ResolutionResult, winner contracts.PolicyDefinition, ok bool, reason string) contracts.ResolutionResult {
	if !ok {
		result.NeedsEscalation = true
		result.Reason = "strategy could not distinguish the conflicting policies"
		return result
	}
	result.WinningPolicyID = winner.ID
	result.Reason = reason
	return result
}

func priorityOf(p contracts.PolicyDefinition) int {
	if p.Priority == nil {
		return 0
	}
	return *p.Priority
}

// newerThan orders by creation timestamp, with the semver version as a
// tiebreak for policies created in the same instant.
func newerThan(a, b contracts.PolicyDefinition) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	va, errA := semver.NewVersion(a.Version)
	vb, errB := semver.NewVersion(b.Version)
	if errA != nil || errB != nil {
		return false
	}
	return va.GreaterThan(vb)
}
