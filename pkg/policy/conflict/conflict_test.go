package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func patternPolicy(id, pattern string, enforcement contracts.EnforcementMode) contracts.PolicyDefinition {
	return contracts.PolicyDefinition{
		ID:          id,
		Name:        id,
		Scope:       contracts.PolicyScope{Type: contracts.ScopePattern, Pattern: pattern},
		Rule:        contracts.PolicyRule{Format: "expression", Expression: "extra.x < 1"},
		Enforcement: enforcement,
		Version:     "1.0.0",
		Status:      contracts.PolicyActive,
		CreatedAt:   epoch,
	}
}

func TestDetectContradiction(t *testing.T) {
	d := NewDetector().WithClock(func() time.Time { return epoch })
	p1 := patternPolicy("p1", "financial:*", contracts.EnforcementBlock)
	p2 := patternPolicy("p2", "financial:transfer", contracts.EnforcementAnnotate)
	d.Register(p1)
	d.Register(p2)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, contracts.ConflictContradiction, c.Type)
	assert.ElementsMatch(t, []string{"p1", "p2"}, c.PolicyIDs)
	assert.Equal(t, "financial:transfer", c.OverlappingScope)
	assert.Equal(t, contracts.ConflictHigh, c.Severity)
}

func TestDetectOverlapAndAmbiguousPriority(t *testing.T) {
	d := NewDetector().WithClock(func() time.Time { return epoch })

	// ESCALATE vs BLOCK differ without an ANNOTATE party: plain OVERLAP.
	d.Register(patternPolicy("a", "deploy:*", contracts.EnforcementBlock))
	d.Register(patternPolicy("b", "deploy:prod", contracts.EnforcementEscalate))
	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)
	assert.Equal(t, contracts.ConflictOverlap, conflicts[0].Type)

	// Equal explicit priorities upgrade the overlap to AMBIGUOUS_PRIORITY.
	five := 5
	pa := patternPolicy("c", "db:*", contracts.EnforcementBlock)
	pa.Priority = &five
	pb := patternPolicy("d", "db:migrate", contracts.EnforcementEscalate)
	pb.Priority = &five
	d2 := NewDetector().WithClock(func() time.Time { return epoch })
	d2.Register(pa)
	d2.Register(pb)
	conflicts = d2.DetectConflicts(nil)
	require.Len(t, conflicts, 1)
	assert.Equal(t, contracts.ConflictAmbiguousPriority, conflicts[0].Type)
}

func TestDetectNoConflictForDisjointScopes(t *testing.T) {
	d := NewDetector()
	d.Register(patternPolicy("a", "financial:*", contracts.EnforcementBlock))
	d.Register(patternPolicy("b", "deploy:*", contracts.EnforcementAnnotate))
	assert.Empty(t, d.DetectConflicts(nil))
}

func TestDetectSameEnforcementIsNoConflict(t *testing.T) {
	d := NewDetector()
	d.Register(patternPolicy("a", "financial:*", contracts.EnforcementBlock))
	d.Register(patternPolicy("b", "financial:transfer", contracts.EnforcementBlock))
	assert.Empty(t, d.DetectConflicts(nil))
}

func TestDetectScopeFilter(t *testing.T) {
	d := NewDetector()
	d.Register(patternPolicy("a", "financial:*", contracts.EnforcementBlock))
	d.Register(patternPolicy("b", "financial:transfer", contracts.EnforcementAnnotate))
	d.Register(patternPolicy("c", "deploy:*", contracts.EnforcementBlock))

	scope := contracts.PolicyScope{Type: contracts.ScopePattern, Pattern: "deploy:*"}
	assert.Empty(t, d.DetectConflicts(&scope))

	scope = contracts.PolicyScope{Type: contracts.ScopePattern, Pattern: "financial:*"}
	assert.Len(t, d.DetectConflicts(&scope), 1)
}

func TestDetectCircularSupersedesChain(t *testing.T) {
	d := NewDetector().WithClock(func() time.Time { return epoch })
	a := patternPolicy("a", "x:*", contracts.EnforcementBlock)
	b := patternPolicy("b", "y:*", contracts.EnforcementBlock)
	c := patternPolicy("c", "z:*", contracts.EnforcementBlock)
	a.SupersedesID = "b"
	b.References = []string{"c"}
	c.References = []string{"a"}
	d.Register(a)
	d.Register(b)
	d.Register(c)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)
	assert.Equal(t, contracts.ConflictCircular, conflicts[0].Type)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, conflicts[0].PolicyIDs)
	assert.Equal(t, contracts.ConflictCritical, conflicts[0].Severity)
}

func TestResolveContradictionMostRestrictive(t *testing.T) {
	d := NewDetector().WithClock(func() time.Time { return epoch })
	p1 := patternPolicy("p1", "financial:*", contracts.EnforcementBlock)
	p2 := patternPolicy("p2", "financial:transfer", contracts.EnforcementAnnotate)
	d.Register(p1)
	d.Register(p2)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)

	r := NewResolver(d).WithClock(func() time.Time { return epoch })
	res, err := r.Resolve(conflicts[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolveMostRestrictive, res.Strategy)
	assert.Equal(t, "p1", res.WinningPolicyID)
	assert.False(t, res.NeedsEscalation)
}

func TestResolveOverlapMostSpecific(t *testing.T) {
	d := NewDetector().WithClock(func() time.Time { return epoch })
	broad := patternPolicy("broad", "deploy:*", contracts.EnforcementBlock)
	narrow := patternPolicy("narrow", "deploy:prod", contracts.EnforcementEscalate)
	d.Register(broad)
	d.Register(narrow)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)
	require.Equal(t, contracts.ConflictOverlap, conflicts[0].Type)

	r := NewResolver(d)
	res, err := r.Resolve(conflicts[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolveMostSpecific, res.Strategy)
	// "deploy:prod" is longer than "deploy:*".
	assert.Equal(t, "narrow", res.WinningPolicyID)
}

func TestResolveAmbiguousPriorityNewest(t *testing.T) {
	d := NewDetector().WithClock(func() time.Time { return epoch })
	five := 5
	older := patternPolicy("older", "db:*", contracts.EnforcementBlock)
	older.Priority = &five
	older.CreatedAt = epoch.Add(-time.Hour)
	newer := patternPolicy("newer", "db:migrate", contracts.EnforcementEscalate)
	newer.Priority = &five
	newer.CreatedAt = epoch
	d.Register(older)
	d.Register(newer)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)

	res, err := NewResolver(d).Resolve(conflicts[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolveNewest, res.Strategy)
	assert.Equal(t, "newer", res.WinningPolicyID)
}

func TestResolveNewestSemverTiebreak(t *testing.T) {
	d := NewDetector()
	five := 5
	v1 := patternPolicy("v1", "db:*", contracts.EnforcementBlock)
	v1.Priority = &five
	v2 := patternPolicy("v2", "db:migrate", contracts.EnforcementEscalate)
	v2.Priority = &five
	v2.Version = "1.1.0"
	d.Register(v1)
	d.Register(v2)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)

	res, err := NewResolver(d).Resolve(conflicts[0])
	require.NoError(t, err)
	assert.Equal(t, "v2", res.WinningPolicyID)
}

func TestResolveCircularEscalates(t *testing.T) {
	d := NewDetector()
	a := patternPolicy("a", "x:*", contracts.EnforcementBlock)
	b := patternPolicy("b", "y:*", contracts.EnforcementBlock)
	a.References = []string{"b"}
	b.References = []string{"a"}
	d.Register(a)
	d.Register(b)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)

	res, err := NewResolver(d).Resolve(conflicts[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolveEscalate, res.Strategy)
	assert.True(t, res.NeedsEscalation)
	assert.Empty(t, res.WinningPolicyID)
}

func TestResolveCustomStrategy(t *testing.T) {
	d := NewDetector()
	p1 := patternPolicy("p1", "financial:*", contracts.EnforcementBlock)
	p2 := patternPolicy("p2", "financial:transfer", contracts.EnforcementAnnotate)
	d.Register(p1)
	d.Register(p2)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)

	rules := []Rule{{Type: contracts.ConflictContradiction, Strategy: contracts.ResolveCustom, Priority: 99}}
	r := NewResolver(d).WithRules(rules).WithCustomResolver(
		func(c contracts.PolicyConflict, pols []contracts.PolicyDefinition) contracts.ResolutionResult {
			return contracts.ResolutionResult{
				ConflictID:      c.ID,
				Strategy:        contracts.ResolveCustom,
				WinningPolicyID: pols[1].ID,
				Reason:          "caller knows best",
			}
		})

	res, err := r.Resolve(conflicts[0])
	require.NoError(t, err)
	assert.Equal(t, "p2", res.WinningPolicyID)
}

func TestResolveRulePriorityOrdering(t *testing.T) {
	d := NewDetector()
	p1 := patternPolicy("p1", "financial:*", contracts.EnforcementBlock)
	p2 := patternPolicy("p2", "financial:transfer", contracts.EnforcementAnnotate)
	d.Register(p1)
	d.Register(p2)

	conflicts := d.DetectConflicts(nil)
	require.Len(t, conflicts, 1)

	// Two rules for the same type: the higher-priority one wins.
	rules := []Rule{
		{Type: contracts.ConflictContradiction, Strategy: contracts.ResolveMostRestrictive, Priority: 1},
		{Type: contracts.ConflictContradiction, Strategy: contracts.ResolveMostPermissive, Priority: 50},
	}
	res, err := NewResolver(d).WithRules(rules).Resolve(conflicts[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolveMostPermissive, res.Strategy)
	assert.Equal(t, "p2", res.WinningPolicyID)
}

func TestResolveUnknownPolicyIsNotFound(t *testing.T) {
	d := NewDetector()
	r := NewResolver(d)
	_, err := r.Resolve(contracts.PolicyConflict{
		ID:        "c1",
		Type:      contracts.ConflictOverlap,
		PolicyIDs: []string{"ghost"},
	})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
