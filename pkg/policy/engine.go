package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Engine evaluates policies against decision contexts and aggregates the
// results into a single DecisionVerdict.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEngine creates an engine over the given evaluator registry.
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// IsPolicyActive reports whether the policy applies at ts: status must be
// ACTIVE and ts must fall inside [activatesAt, expiresAt).
func IsPolicyActive(p *contracts.PolicyDefinition, ts time.Time) bool {
	if p.Status != contracts.PolicyActive {
		return false
	}
	if ts.Before(p.Activation.ActivatesAt) {
		return false
	}
	if p.Activation.ExpiresAt != nil && !ts.Before(*p.Activation.ExpiresAt) {
		return false
	}
	return true
}

// EvaluatePolicy evaluates one policy against the context.
//
// Inactive policies vacuously pass: a not-yet-active or expired policy never
// blocks. A missing rule format is a hard error. Any evaluator error or
// panic is captured on the result as passed=false with enforcement BLOCK
// regardless of the policy's configured mode — evaluator bugs must never
// silently permit an action.
func (e *Engine) EvaluatePolicy(ctx context.Context, p *contracts.PolicyDefinition, ec *EvalContext) (contracts.PolicyResult, error) {
	result := contracts.PolicyResult{
		PolicyID:    p.ID,
		PolicyName:  p.Name,
		Enforcement: p.Enforcement,
	}

	ts := ec.Timestamp
	if ts.IsZero() {
		ts = e.clock()
	}
	if !IsPolicyActive(p, ts) {
		result.Passed = true
		result.Skipped = true
		result.SkipReason = fmt.Sprintf("policy not active at %s (status=%s)", ts.Format(time.RFC3339), p.Status)
		return result, nil
	}

	evaluator, err := e.registry.Lookup(p.Rule.Format)
	if err != nil {
		return contracts.PolicyResult{}, err
	}

	passed, evalErr := e.evaluateSafely(ctx, evaluator, p.Rule.Expression, ec)
	if evalErr != nil {
		e.logger.Warn("policy evaluation failed, failing safe",
			"policy_id", p.ID,
			"policy_name", p.Name,
			"format", p.Rule.Format,
			"error", evalErr)
		result.Passed = false
		result.Enforcement = contracts.EnforcementBlock
		result.Error = evalErr.Error()
		return result, nil
	}

	result.Passed = passed
	if !passed && p.Enforcement == contracts.EnforcementAnnotate {
		result.Annotation = annotationFor(p)
	}
	return result, nil
}

// evaluateSafely shields the engine from evaluator panics.
func (e *Engine) evaluateSafely(ctx context.Context, ev Evaluator, expression string, ec *EvalContext) (passed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			passed = false
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()
	return ev.Evaluate(ctx, expression, ec)
}

// EvaluateAll evaluates every policy (no short-circuit, so the verdict always
// carries full feedback) and aggregates with fixed precedence:
//
//	DENY    if any BLOCK-enforcement policy failed
//	ESCALATE if any ESCALATE-enforcement policy failed
//	ANNOTATE if any annotations were produced
//	ALLOW   otherwise
//
// This precedence is the single source of truth for verdict aggregation.
func (e *Engine) EvaluateAll(ctx context.Context, policies []contracts.PolicyDefinition, ec *EvalContext) (*contracts.DecisionVerdict, error) {
	started := e.clock()

	verdict := &contracts.DecisionVerdict{
		ID:         uuid.New().String(),
		DecisionID: decisionIDFrom(ec),
	}

	for i := range policies {
		p := &policies[i]
		result, err := e.EvaluatePolicy(ctx, p, ec)
		if err != nil {
			return nil, err
		}
		verdict.PolicyResults = append(verdict.PolicyResults, result)
		if result.Passed {
			continue
		}

		switch result.Enforcement {
		case contracts.EnforcementBlock:
			verdict.BlockingPolicies = append(verdict.BlockingPolicies, p.ID)
			severity := contracts.SeverityError
			if result.Error != "" {
				severity = contracts.SeverityCritical
			}
			verdict.Violations = append(verdict.Violations, contracts.PolicyViolation{
				PolicyID: p.ID,
				Message:  violationMessage(p, result),
				Severity: severity,
			})
		case contracts.EnforcementEscalate:
			verdict.EscalatingPolicies = append(verdict.EscalatingPolicies, p.ID)
			verdict.Violations = append(verdict.Violations, contracts.PolicyViolation{
				PolicyID: p.ID,
				Message:  violationMessage(p, result),
				Severity: contracts.SeverityWarning,
			})
		case contracts.EnforcementAnnotate:
			verdict.Annotations = append(verdict.Annotations, result.Annotation)
			verdict.Violations = append(verdict.Violations, contracts.PolicyViolation{
				PolicyID: p.ID,
				Message:  violationMessage(p, result),
				Severity: contracts.SeverityInfo,
			})
		case contracts.EnforcementShadow:
			// Shadow failures never influence the verdict; the enforcement
			// interpreter records them as observations.
		}
	}

	switch {
	case len(verdict.BlockingPolicies) > 0:
		verdict.Result = contracts.VerdictDeny
	case len(verdict.EscalatingPolicies) > 0:
		verdict.Result = contracts.VerdictEscalate
	case len(verdict.Annotations) > 0:
		verdict.Result = contracts.VerdictAnnotate
	default:
		verdict.Result = contracts.VerdictAllow
	}

	finished := e.clock()
	verdict.EvaluatedAt = finished
	verdict.EvaluationTimeMs = finished.Sub(started).Milliseconds()
	return verdict, nil
}

func annotationFor(p *contracts.PolicyDefinition) string {
	if p.Rule.Explanation != "" {
		return p.Rule.Explanation
	}
	return fmt.Sprintf("policy %s matched", p.Name)
}

func violationMessage(p *contracts.PolicyDefinition, r contracts.PolicyResult) string {
	if r.Error != "" {
		return fmt.Sprintf("policy %s failed to evaluate: %s", p.Name, r.Error)
	}
	if p.Rule.Explanation != "" {
		return p.Rule.Explanation
	}
	return fmt.Sprintf("rule %q not satisfied", p.Rule.Expression)
}

func decisionIDFrom(ec *EvalContext) string {
	if ec == nil || ec.Decision == nil {
		return ""
	}
	if id, ok := ec.Decision["id"].(string); ok {
		return id
	}
	return ""
}
