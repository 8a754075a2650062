// Package enforce maps decision verdicts onto enforcement actions and
// records shadow observations for policies in dry-run mode.
package enforce

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// DefaultApprovalTimeout bounds how long an escalated decision may wait
// before the timeout scanner resolves it.
const DefaultApprovalTimeout = 24 * time.Hour

// Interpreter turns a DecisionVerdict into the action the caller must take.
type Interpreter struct {
	approvalTimeout time.Duration
	clock           func() time.Time
}

// NewInterpreter creates an interpreter. approvalTimeout <= 0 selects the
// default.
func NewInterpreter(approvalTimeout time.Duration) *Interpreter {
	if approvalTimeout <= 0 {
		approvalTimeout = DefaultApprovalTimeout
	}
	return &Interpreter{
		approvalTimeout: approvalTimeout,
		clock:           time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (i *Interpreter) WithClock(clock func() time.Time) *Interpreter {
	i.clock = clock
	return i
}

// Interpret maps the verdict result to an EnforcementAction:
//
//	DENY     → BLOCK, canProceed=false, reason names the blocking policies
//	ANNOTATE → ANNOTATE, canProceed=true, annotations attached
//	ESCALATE → ESCALATE, canProceed=false, escalation request with deadline
//	ALLOW    → pass-through, canProceed=true
func (i *Interpreter) Interpret(verdict *contracts.DecisionVerdict) contracts.EnforcementAction {
	now := i.clock()

	switch verdict.Result {
	case contracts.VerdictDeny:
		return contracts.EnforcementAction{
			Type:       contracts.ActionBlock,
			CanProceed: false,
			Reason:     fmt.Sprintf("blocked by: %s", strings.Join(policyNames(verdict, verdict.BlockingPolicies), ", ")),
			Timestamp:  now,
		}

	case contracts.VerdictAnnotate:
		return contracts.EnforcementAction{
			Type:        contracts.ActionAnnotate,
			CanProceed:  true,
			Annotations: verdict.Annotations,
			Timestamp:   now,
		}

	case contracts.VerdictEscalate:
		return contracts.EnforcementAction{
			Type:          contracts.ActionEscalate,
			CanProceed:    false,
			Reason:        fmt.Sprintf("escalated by: %s", strings.Join(policyNames(verdict, verdict.EscalatingPolicies), ", ")),
			RequiredSteps: []string{"approval"},
			Escalation: &contracts.EscalationRequest{
				DecisionID:         verdict.DecisionID,
				EscalatingPolicies: verdict.EscalatingPolicies,
				Deadline:           now.Add(i.approvalTimeout),
			},
			Timestamp: now,
		}
	}

	// ALLOW: pass-through with no annotations.
	return contracts.EnforcementAction{
		Type:       contracts.ActionProceed,
		CanProceed: true,
		Timestamp:  now,
	}
}

func policyNames(verdict *contracts.DecisionVerdict, ids []string) []string {
	byID := make(map[string]string, len(verdict.PolicyResults))
	for _, r := range verdict.PolicyResults {
		byID[r.PolicyID] = r.PolicyName
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := byID[id]; ok && name != "" {
			names = append(names, name)
			continue
		}
		names = append(names, id)
	}
	return names
}
