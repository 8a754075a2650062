package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a decision, policy, request or record id is
// unknown. Wrap it with the entity kind and id via NotFound.
var ErrNotFound = errors.New("not found")

// ErrAlreadyResolved is returned when a settled approval request receives a
// further resolution attempt. The recorded outcome is never overwritten.
var ErrAlreadyResolved = errors.New("already resolved")

// NotFound wraps ErrNotFound with entity kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// InvalidTransitionError reports a violated state-machine rule. It names the
// current state and the legal target set so callers can self-diagnose.
type InvalidTransitionError struct {
	Current   DecisionState
	Attempted DecisionState
	Legal     []DecisionState
}

func (e *InvalidTransitionError) Error() string {
	targets := make([]string, len(e.Legal))
	for i, s := range e.Legal {
		targets[i] = string(s)
	}
	legal := strings.Join(targets, ", ")
	if legal == "" {
		legal = "none (terminal)"
	}
	return fmt.Sprintf("invalid transition %s -> %s (legal targets: %s)",
		e.Current, e.Attempted, legal)
}

// AuthorizationError reports an actor acting outside its granted role, e.g.
// resolving a request it is not an approver of.
type AuthorizationError struct {
	Actor  string
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %q is not authorized to %s", e.Actor, e.Action)
}

// ValidationError reports a malformed proposal or policy.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Detail
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Detail)
}
