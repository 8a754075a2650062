package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activePolicy(name string, enforcement contracts.EnforcementMode, expr string) contracts.PolicyDefinition {
	return contracts.PolicyDefinition{
		ID:          "pol-" + name,
		Name:        name,
		Scope:       contracts.PolicyScope{Type: contracts.ScopeGlobal},
		Rule:        contracts.PolicyRule{Format: FormatExpression, Expression: expr},
		Enforcement: enforcement,
		Version:     "1.0.0",
		Status:      contracts.PolicyActive,
		Activation:  contracts.ActivationWindow{ActivatesAt: testEpoch.Add(-time.Hour)},
		CreatedAt:   testEpoch.Add(-time.Hour),
	}
}

func testEngine() *Engine {
	return NewEngine(NewRegistry(), nil).WithClock(func() time.Time { return testEpoch })
}

func TestEvaluatePolicyInactiveVacuouslyPasses(t *testing.T) {
	e := testEngine()
	ec := &EvalContext{Extra: map[string]any{"amount": float64(5000)}, Timestamp: testEpoch}

	// Not yet active.
	p := activePolicy("future", contracts.EnforcementBlock, "extra.amount < 1000")
	p.Activation.ActivatesAt = testEpoch.Add(time.Hour)
	res, err := e.EvaluatePolicy(context.Background(), &p, ec)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.True(t, res.Skipped)

	// Expired.
	p = activePolicy("expired", contracts.EnforcementBlock, "extra.amount < 1000")
	expired := testEpoch.Add(-time.Minute)
	p.Activation.ExpiresAt = &expired
	res, err = e.EvaluatePolicy(context.Background(), &p, ec)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	// Suspended.
	p = activePolicy("suspended", contracts.EnforcementBlock, "extra.amount < 1000")
	p.Status = contracts.PolicySuspended
	res, err = e.EvaluatePolicy(context.Background(), &p, ec)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestEvaluatePolicyMissingFormatIsHardError(t *testing.T) {
	e := testEngine()
	p := activePolicy("bad", contracts.EnforcementBlock, "whatever")
	p.Rule.Format = "no-such-format"

	_, err := e.EvaluatePolicy(context.Background(), &p, &EvalContext{Timestamp: testEpoch})
	require.Error(t, err)
}

type failingEvaluator struct{ panics bool }

func (f *failingEvaluator) Format() string { return "failing" }

func (f *failingEvaluator) Evaluate(context.Context, string, *EvalContext) (bool, error) {
	if f.panics {
		panic("boom")
	}
	return true, errors.New("internal fault")
}

func TestEvaluatePolicyFailSafeOnEvaluatorError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&failingEvaluator{})
	e := NewEngine(reg, nil).WithClock(func() time.Time { return testEpoch })

	// An ANNOTATE policy whose evaluator fails must surface as BLOCK:
	// evaluator bugs never silently permit an action.
	p := activePolicy("buggy", contracts.EnforcementAnnotate, "anything")
	p.Rule.Format = "failing"

	res, err := e.EvaluatePolicy(context.Background(), &p, &EvalContext{Timestamp: testEpoch})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, contracts.EnforcementBlock, res.Enforcement)
	assert.Contains(t, res.Error, "internal fault")
}

func TestEvaluatePolicyFailSafeOnEvaluatorPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&failingEvaluator{panics: true})
	e := NewEngine(reg, nil).WithClock(func() time.Time { return testEpoch })

	p := activePolicy("panicky", contracts.EnforcementEscalate, "anything")
	p.Rule.Format = "failing"

	res, err := e.EvaluatePolicy(context.Background(), &p, &EvalContext{Timestamp: testEpoch})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, contracts.EnforcementBlock, res.Enforcement)
	assert.Contains(t, res.Error, "panic")
}

func TestEvaluateAllBlockingPolicyDenies(t *testing.T) {
	e := testEngine()
	ec := &EvalContext{
		Decision:  map[string]any{"id": "dec-1"},
		Extra:     map[string]any{"amount": float64(5000)},
		Timestamp: testEpoch,
	}

	p := activePolicy("limit", contracts.EnforcementBlock, "extra.amount < 1000")
	verdict, err := e.EvaluateAll(context.Background(), []contracts.PolicyDefinition{p}, ec)
	require.NoError(t, err)

	assert.Equal(t, contracts.VerdictDeny, verdict.Result)
	assert.Len(t, verdict.BlockingPolicies, 1)
	assert.Equal(t, "dec-1", verdict.DecisionID)
	require.Len(t, verdict.PolicyResults, 1)
	assert.False(t, verdict.PolicyResults[0].Passed)
	require.Len(t, verdict.Violations, 1)
	assert.Equal(t, contracts.SeverityError, verdict.Violations[0].Severity)
}

func TestEvaluateAllPrecedence(t *testing.T) {
	e := testEngine()
	ec := &EvalContext{Extra: map[string]any{"amount": float64(5000)}, Timestamp: testEpoch}

	block := activePolicy("block", contracts.EnforcementBlock, "extra.amount < 1000")
	escalate := activePolicy("escalate", contracts.EnforcementEscalate, "extra.amount < 2000")
	annotate := activePolicy("annotate", contracts.EnforcementAnnotate, "extra.amount < 3000")
	shadow := activePolicy("shadow", contracts.EnforcementShadow, "extra.amount < 4000")
	passing := activePolicy("passing", contracts.EnforcementBlock, "extra.amount > 0")

	// Most restrictive wins: DENY > ESCALATE > ANNOTATE > ALLOW.
	v, err := e.EvaluateAll(context.Background(), []contracts.PolicyDefinition{block, escalate, annotate, shadow, passing}, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, v.Result)
	// No short-circuit: every policy contributed a result.
	assert.Len(t, v.PolicyResults, 5)

	v, err = e.EvaluateAll(context.Background(), []contracts.PolicyDefinition{escalate, annotate, shadow, passing}, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictEscalate, v.Result)
	assert.Len(t, v.EscalatingPolicies, 1)

	v, err = e.EvaluateAll(context.Background(), []contracts.PolicyDefinition{annotate, shadow, passing}, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAnnotate, v.Result)
	assert.Len(t, v.Annotations, 1)

	v, err = e.EvaluateAll(context.Background(), []contracts.PolicyDefinition{shadow, passing}, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, v.Result)
}

func TestEvaluateAllShadowNeverAffectsVerdict(t *testing.T) {
	e := testEngine()
	ec := &EvalContext{Extra: map[string]any{"amount": float64(5000)}, Timestamp: testEpoch}

	shadow := activePolicy("shadow", contracts.EnforcementShadow, "extra.amount < 1000")
	v, err := e.EvaluateAll(context.Background(), []contracts.PolicyDefinition{shadow}, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, v.Result)
	require.Len(t, v.PolicyResults, 1)
	assert.False(t, v.PolicyResults[0].Passed)
}

func TestIsPolicyActiveWindowBoundaries(t *testing.T) {
	expires := testEpoch.Add(time.Hour)
	p := contracts.PolicyDefinition{
		Status: contracts.PolicyActive,
		Activation: contracts.ActivationWindow{
			ActivatesAt: testEpoch,
			ExpiresAt:   &expires,
		},
	}

	assert.True(t, IsPolicyActive(&p, testEpoch), "inclusive lower bound")
	assert.True(t, IsPolicyActive(&p, expires.Add(-time.Second)))
	assert.False(t, IsPolicyActive(&p, expires), "exclusive upper bound")
	assert.False(t, IsPolicyActive(&p, testEpoch.Add(-time.Second)))
}
