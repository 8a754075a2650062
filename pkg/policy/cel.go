package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// FormatCEL is the rich declarative rule format backed by CEL. Expressions
// see the four context roots as map variables and the evaluation timestamp
// as unix seconds.
const FormatCEL = "cel"

// CELEvaluator compiles expressions once and caches the programs. Programs
// run with an interrupt check and a hard cost limit so a pathological rule
// cannot starve the evaluation pipeline; hitting the limit is an evaluation
// error and therefore fails safe upstream.
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEvaluator creates the evaluator with the standard environment.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("decision", cel.DynType),
		cel.Variable("actor", cel.DynType),
		cel.Variable("contexts", cel.DynType),
		cel.Variable("extra", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Format implements Evaluator.
func (e *CELEvaluator) Format() string { return FormatCEL }

// Compile validates an expression ahead of time so malformed policies are
// rejected at registration rather than at decision time.
func (e *CELEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate implements Evaluator.
func (e *CELEvaluator) Evaluate(_ context.Context, expression string, ec *EvalContext) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	input := map[string]any{
		"decision":  nonNil(ec.Decision),
		"actor":     nonNil(ec.Actor),
		"contexts":  nonNil(ec.Contexts),
		"extra":     nonNil(ec.Extra),
		"timestamp": ec.Timestamp.Unix(),
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (e *CELEvaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expression]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expression]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expression] = prg
	return prg, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
