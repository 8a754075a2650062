package enforce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testInterpreter(timeout time.Duration) *Interpreter {
	return NewInterpreter(timeout).WithClock(func() time.Time { return epoch })
}

func TestInterpretDeny(t *testing.T) {
	verdict := &contracts.DecisionVerdict{
		DecisionID:       "dec-1",
		Result:           contracts.VerdictDeny,
		BlockingPolicies: []string{"pol-1"},
		PolicyResults: []contracts.PolicyResult{
			{PolicyID: "pol-1", PolicyName: "transfer-limit", Passed: false},
		},
	}

	action := testInterpreter(0).Interpret(verdict)
	assert.Equal(t, contracts.ActionBlock, action.Type)
	assert.False(t, action.CanProceed)
	assert.Contains(t, action.Reason, "transfer-limit")
	assert.Equal(t, epoch, action.Timestamp)
}

func TestInterpretAnnotate(t *testing.T) {
	verdict := &contracts.DecisionVerdict{
		Result:      contracts.VerdictAnnotate,
		Annotations: []string{"large transfer"},
	}

	action := testInterpreter(0).Interpret(verdict)
	assert.Equal(t, contracts.ActionAnnotate, action.Type)
	assert.True(t, action.CanProceed)
	assert.Equal(t, []string{"large transfer"}, action.Annotations)
}

func TestInterpretEscalate(t *testing.T) {
	verdict := &contracts.DecisionVerdict{
		DecisionID:         "dec-1",
		Result:             contracts.VerdictEscalate,
		EscalatingPolicies: []string{"pol-2"},
		PolicyResults: []contracts.PolicyResult{
			{PolicyID: "pol-2", PolicyName: "big-spend", Passed: false},
		},
	}

	action := testInterpreter(2 * time.Hour).Interpret(verdict)
	assert.Equal(t, contracts.ActionEscalate, action.Type)
	assert.False(t, action.CanProceed)
	assert.Equal(t, []string{"approval"}, action.RequiredSteps)
	require.NotNil(t, action.Escalation)
	assert.Equal(t, "dec-1", action.Escalation.DecisionID)
	assert.Equal(t, epoch.Add(2*time.Hour), action.Escalation.Deadline)
}

func TestInterpretAllowIsPassThrough(t *testing.T) {
	action := testInterpreter(0).Interpret(&contracts.DecisionVerdict{Result: contracts.VerdictAllow})
	assert.Equal(t, contracts.ActionProceed, action.Type)
	assert.True(t, action.CanProceed)
	assert.Empty(t, action.Annotations)
	assert.Nil(t, action.Escalation)
}

func TestShadowRecorderNeverAffectsProceed(t *testing.T) {
	rec := NewShadowRecorder(nil, 100, 100).WithClock(func() time.Time { return epoch })
	verdict := &contracts.DecisionVerdict{
		Result: contracts.VerdictAllow,
		PolicyResults: []contracts.PolicyResult{
			{PolicyID: "s1", PolicyName: "shadow-1", Enforcement: contracts.EnforcementShadow, Passed: false},
			{PolicyID: "s2", PolicyName: "shadow-2", Enforcement: contracts.EnforcementShadow, Passed: true},
			{PolicyID: "b1", PolicyName: "block-1", Enforcement: contracts.EnforcementBlock, Passed: true},
		},
	}

	recorded := rec.Record("dec-1", verdict)
	assert.Equal(t, 1, recorded, "only failed SHADOW results are observed")

	obs := rec.Observations()
	require.Len(t, obs, 1)
	assert.Equal(t, "s1", obs[0].PolicyID)
	assert.Equal(t, contracts.EnforcementShadow, obs[0].WouldHaveApplied)
	assert.Equal(t, epoch, obs[0].ObservedAt)
}

func TestShadowRecorderRateLimitDrops(t *testing.T) {
	// 1 obs/sec with burst 2: the third observation in the same instant drops.
	rec := NewShadowRecorder(nil, 1, 2).WithClock(func() time.Time { return epoch })
	failed := contracts.PolicyResult{PolicyID: "s1", Enforcement: contracts.EnforcementShadow, Passed: false}

	assert.True(t, rec.RecordObservation("dec-1", failed))
	assert.True(t, rec.RecordObservation("dec-1", failed))
	assert.False(t, rec.RecordObservation("dec-1", failed))
	assert.Equal(t, int64(1), rec.Dropped())
	assert.Len(t, rec.Observations(), 2)
}
