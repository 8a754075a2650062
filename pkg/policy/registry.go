// Package policy implements the rule-evaluator registry and the policy
// evaluation engine: single-policy evaluation with activation windows and
// fail-safe error handling, and aggregation of many policies into one
// DecisionVerdict with fixed most-restrictive-wins precedence.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EvalContext is the immutable snapshot a rule is evaluated against. Dotted
// paths in rule expressions resolve into the four root maps.
type EvalContext struct {
	Decision  map[string]any `json:"decision"`
	Actor     map[string]any `json:"actor"`
	Contexts  map[string]any `json:"contexts"`
	Extra     map[string]any `json:"extra"`
	Timestamp time.Time      `json:"timestamp"`
}

// Root returns the named root map of the context, or nil.
func (c *EvalContext) Root(name string) map[string]any {
	switch name {
	case "decision":
		return c.Decision
	case "actor":
		return c.Actor
	case "contexts":
		return c.Contexts
	case "extra":
		return c.Extra
	}
	return nil
}

// Evaluator is a pure predicate over (expression, context). Implementations
// must be safe for concurrent use; any returned error or panic is converted
// by the engine into a fail-safe BLOCK, never an ALLOW.
type Evaluator interface {
	// Format names the rule format this evaluator handles.
	Format() string

	// Evaluate returns whether the expression holds for the context.
	Evaluate(ctx context.Context, expression string, ec *EvalContext) (bool, error)
}

// Registry dispatches rule expressions to evaluators by format.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry creates a registry preloaded with the built-in "expression"
// evaluator.
func NewRegistry() *Registry {
	r := &Registry{evaluators: make(map[string]Evaluator)}
	r.Register(NewExpressionEvaluator())
	return r
}

// Register adds or replaces the evaluator for its format.
func (r *Registry) Register(e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[e.Format()] = e
}

// Lookup returns the evaluator for a format. A missing format is a hard
// error: it indicates a misconfigured deployment, not a failing rule.
func (r *Registry) Lookup(format string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[format]
	if !ok {
		return nil, fmt.Errorf("no evaluator registered for rule format %q", format)
	}
	return e, nil
}

// Formats lists the registered rule formats.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.evaluators))
	for f := range r.evaluators {
		out = append(out, f)
	}
	return out
}
