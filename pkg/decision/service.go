// Package decision implements the decision lifecycle state machine.
//
// A decision moves PROPOSED -> EVALUATED -> COMMITTED through explicit
// operations; every transition is checked against a single legal-transition
// table and persisted with an optimistic-concurrency guard. Terminal states
// (COMMITTED, REJECTED, CANCELLED) accept no further writes.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/store"
)

const casRetries = 3

// transitions is the complete legal-transition table. Any pair absent here
// is rejected with InvalidTransitionError.
var transitions = map[contracts.DecisionState][]contracts.DecisionState{
	contracts.DecisionProposed: {
		contracts.DecisionEvaluated,
		contracts.DecisionCancelled,
	},
	contracts.DecisionEvaluated: {
		contracts.DecisionCommitted,
		contracts.DecisionRejected,
		contracts.DecisionPendingApproval,
		contracts.DecisionCancelled,
	},
	contracts.DecisionPendingApproval: {
		contracts.DecisionCommitted,
		contracts.DecisionRejected,
		contracts.DecisionCancelled,
	},
	contracts.DecisionCommitted: nil,
	contracts.DecisionRejected:  nil,
	contracts.DecisionCancelled: nil,
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to contracts.DecisionState) bool {
	for _, legal := range transitions[from] {
		if legal == to {
			return true
		}
	}
	return false
}

// LegalTargets returns the legal next states of a given state.
func LegalTargets(from contracts.DecisionState) []contracts.DecisionState {
	return append([]contracts.DecisionState(nil), transitions[from]...)
}

// ProposeInput describes a new decision.
type ProposeInput struct {
	Action         contracts.Action
	ProposedBy     string
	ContextRefs    []contracts.ContextRef
	Rationale      string
	AlternativeIDs []string
}

// OperationTracker instruments the evaluate/commit hot paths with a span
// and RED metrics. *observability.Provider satisfies it.
type OperationTracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Service owns decision records and enforces the lifecycle.
type Service struct {
	repo    store.Repository
	logger  *slog.Logger
	clock   func() time.Time
	tracker OperationTracker
}

// NewService creates a decision service over the given repository.
func NewService(repo store.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTracker enables span/metric instrumentation of evaluate and commit.
func (s *Service) WithTracker(tracker OperationTracker) *Service {
	s.tracker = tracker
	return s
}

// Propose creates a decision in PROPOSED. The ID is the content address of
// the canonicalized proposal, so identical proposals made at the same
// instant by the same proposer collapse to one record.
func (s *Service) Propose(ctx context.Context, in ProposeInput) (*contracts.Decision, error) {
	if in.Action.Type == "" {
		return nil, &contracts.ValidationError{Field: "action.type", Detail: "required"}
	}
	if in.ProposedBy == "" {
		return nil, &contracts.ValidationError{Field: "proposed_by", Detail: "required"}
	}

	now := s.clock()
	id, err := canonicalize.ContentAddress(map[string]any{
		"action":      in.Action,
		"proposed_by": in.ProposedBy,
		"rationale":   in.Rationale,
		"proposed_at": now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("address proposal: %w", err)
	}

	dec := &contracts.Decision{
		ID:             id,
		State:          contracts.DecisionProposed,
		Action:         in.Action,
		ProposedBy:     in.ProposedBy,
		ContextRefs:    in.ContextRefs,
		Rationale:      in.Rationale,
		AlternativeIDs: in.AlternativeIDs,
		ProposedAt:     now,
	}
	data, err := json.Marshal(dec)
	if err != nil {
		return nil, err
	}
	env, err := s.repo.Create(ctx, store.KindDecision, dec.ID, data)
	if errors.Is(err, store.ErrExists) {
		return nil, fmt.Errorf("decision %s already proposed: %w", dec.ID, err)
	}
	if err != nil {
		return nil, err
	}
	dec.Version = env.Version

	s.logger.Info("decision proposed", "decision_id", dec.ID, "action", in.Action.Type, "proposed_by", in.ProposedBy)
	return dec, nil
}

// Get returns a decision by id.
func (s *Service) Get(ctx context.Context, id string) (*contracts.Decision, error) {
	env, err := s.repo.Get(ctx, store.KindDecision, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.NotFound("decision", id)
	}
	if err != nil {
		return nil, err
	}
	return decode(env)
}

// Evaluate attaches a verdict to a PROPOSED decision and moves it according
// to the verdict result: DENY concludes it as REJECTED, ESCALATE parks it in
// PENDING_APPROVAL, ALLOW and ANNOTATE land in EVALUATED. A decision carries
// at most one verdict; re-evaluation is rejected.
func (s *Service) Evaluate(ctx context.Context, id string, verdict *contracts.DecisionVerdict) (dec *contracts.Decision, err error) {
	if s.tracker != nil {
		var finish func(error)
		ctx, finish = s.tracker.TrackOperation(ctx, "decision.evaluate", attribute.String("decision.id", id))
		defer func() { finish(err) }()
	}
	if verdict == nil {
		return nil, &contracts.ValidationError{Field: "verdict", Detail: "required"}
	}

	now := s.clock()
	return s.mutate(ctx, id, func(dec *contracts.Decision) error {
		var target contracts.DecisionState
		switch verdict.Result {
		case contracts.VerdictDeny:
			target = contracts.DecisionRejected
		case contracts.VerdictEscalate:
			target = contracts.DecisionPendingApproval
		case contracts.VerdictAllow, contracts.VerdictAnnotate:
			target = contracts.DecisionEvaluated
		default:
			return &contracts.ValidationError{Field: "verdict.result", Detail: fmt.Sprintf("unknown result %q", verdict.Result)}
		}

		// Evaluation only applies to PROPOSED; a decision carries at most
		// one verdict, so re-evaluation is an invalid transition.
		if dec.State != contracts.DecisionProposed || dec.Verdict != nil {
			return &contracts.InvalidTransitionError{Current: dec.State, Attempted: target, Legal: LegalTargets(dec.State)}
		}
		if target != contracts.DecisionEvaluated && !CanTransition(contracts.DecisionEvaluated, target) {
			return &contracts.InvalidTransitionError{Current: dec.State, Attempted: target, Legal: LegalTargets(dec.State)}
		}

		dec.Verdict = verdict
		dec.State = target
		dec.EvaluatedAt = &now
		if target.Terminal() {
			dec.ConcludedAt = &now
		}
		return nil
	})
}

// Commit finalizes an EVALUATED decision whose verdict is not DENY. The
// whole move is wrapped in an explicit CommitTransaction audit record that
// finishes COMPLETED or ROLLED_BACK.
func (s *Service) Commit(ctx context.Context, id string) (dec *contracts.Decision, _ *contracts.CommitTransaction, err error) {
	if s.tracker != nil {
		var finish func(error)
		ctx, finish = s.tracker.TrackOperation(ctx, "decision.commit", attribute.String("decision.id", id))
		defer func() { finish(err) }()
	}

	tx := &contracts.CommitTransaction{
		ID:         uuid.New().String(),
		DecisionID: id,
		State:      contracts.CommitTxStarted,
		StartedAt:  s.clock(),
	}
	if err := s.writeTx(ctx, tx, true); err != nil {
		return nil, nil, err
	}

	now := s.clock()
	dec, err = s.mutate(ctx, id, func(dec *contracts.Decision) error {
		if !CanTransition(dec.State, contracts.DecisionCommitted) {
			return &contracts.InvalidTransitionError{Current: dec.State, Attempted: contracts.DecisionCommitted, Legal: LegalTargets(dec.State)}
		}
		if dec.State != contracts.DecisionEvaluated {
			// PENDING_APPROVAL -> COMMITTED is in the table for the approval
			// workflow's settle path, but direct commit requires approval first.
			return &contracts.ValidationError{Field: "state", Detail: "commit requires an EVALUATED decision; approve it first"}
		}
		if dec.Verdict == nil {
			return &contracts.ValidationError{Field: "verdict", Detail: "cannot commit an unevaluated decision"}
		}
		if dec.Verdict.Result == contracts.VerdictDeny {
			return &contracts.ValidationError{Field: "verdict.result", Detail: "cannot commit a denied decision"}
		}
		dec.State = contracts.DecisionCommitted
		dec.ConcludedAt = &now
		return nil
	})

	finished := s.clock()
	tx.FinishedAt = &finished
	if err != nil {
		tx.State = contracts.CommitTxRolledBack
		tx.FailureNote = err.Error()
	} else {
		tx.State = contracts.CommitTxCompleted
	}
	if txErr := s.writeTx(ctx, tx, false); txErr != nil {
		s.logger.Error("commit transaction record update failed", "tx_id", tx.ID, "error", txErr)
	}

	if err != nil {
		return nil, tx, err
	}
	s.logger.Info("decision committed", "decision_id", id, "tx_id", tx.ID)
	return dec, tx, nil
}

// Approve releases a PENDING_APPROVAL decision back to EVALUATED, recording
// who approved it.
func (s *Service) Approve(ctx context.Context, id, approverID, justification string) (*contracts.Decision, error) {
	if approverID == "" {
		return nil, &contracts.ValidationError{Field: "approver_id", Detail: "required"}
	}
	now := s.clock()
	return s.mutate(ctx, id, func(dec *contracts.Decision) error {
		if dec.State != contracts.DecisionPendingApproval {
			return &contracts.InvalidTransitionError{Current: dec.State, Attempted: contracts.DecisionEvaluated, Legal: LegalTargets(dec.State)}
		}
		dec.State = contracts.DecisionEvaluated
		dec.Approval = &contracts.DecisionApproval{
			ApproverID:    approverID,
			Justification: justification,
			ApprovedAt:    now,
		}
		return nil
	})
}

// Reject concludes an EVALUATED or PENDING_APPROVAL decision as REJECTED.
func (s *Service) Reject(ctx context.Context, id, reason string) (*contracts.Decision, error) {
	now := s.clock()
	dec, err := s.mutate(ctx, id, func(dec *contracts.Decision) error {
		if !CanTransition(dec.State, contracts.DecisionRejected) {
			return &contracts.InvalidTransitionError{Current: dec.State, Attempted: contracts.DecisionRejected, Legal: LegalTargets(dec.State)}
		}
		dec.State = contracts.DecisionRejected
		dec.ConcludedAt = &now
		if reason != "" {
			dec.Rationale = reason
		}
		return nil
	})
	if err == nil {
		s.logger.Info("decision rejected", "decision_id", id, "reason", reason)
	}
	return dec, err
}

// Cancel concludes any non-terminal decision as CANCELLED.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*contracts.Decision, error) {
	now := s.clock()
	return s.mutate(ctx, id, func(dec *contracts.Decision) error {
		if !CanTransition(dec.State, contracts.DecisionCancelled) {
			return &contracts.InvalidTransitionError{Current: dec.State, Attempted: contracts.DecisionCancelled, Legal: LegalTargets(dec.State)}
		}
		dec.State = contracts.DecisionCancelled
		dec.ConcludedAt = &now
		if reason != "" {
			dec.Rationale = reason
		}
		return nil
	})
}

// ByState returns decisions currently in the given state.
func (s *Service) ByState(ctx context.Context, state contracts.DecisionState) ([]*contracts.Decision, error) {
	var out []*contracts.Decision
	err := s.repo.Scan(ctx, store.KindDecision, func(env store.Envelope) bool {
		dec, err := decode(env)
		if err == nil && dec.State == state {
			out = append(out, dec)
		}
		return true
	})
	return out, err
}

// Transactions returns every commit transaction recorded for a decision.
func (s *Service) Transactions(ctx context.Context, decisionID string) ([]*contracts.CommitTransaction, error) {
	var out []*contracts.CommitTransaction
	err := s.repo.Scan(ctx, store.KindCommitTx, func(env store.Envelope) bool {
		var tx contracts.CommitTransaction
		if json.Unmarshal(env.Data, &tx) == nil && tx.DecisionID == decisionID {
			out = append(out, &tx)
		}
		return true
	})
	return out, err
}

func (s *Service) writeTx(ctx context.Context, tx *contracts.CommitTransaction, create bool) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if create {
		_, err = s.repo.Create(ctx, store.KindCommitTx, tx.ID, data)
		return err
	}
	_, err = s.repo.CompareAndSwap(ctx, store.KindCommitTx, tx.ID, 1, data)
	return err
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*contracts.Decision) error) (*contracts.Decision, error) {
	for attempt := 0; ; attempt++ {
		env, err := s.repo.Get(ctx, store.KindDecision, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.NotFound("decision", id)
		}
		if err != nil {
			return nil, err
		}
		dec, err := decode(env)
		if err != nil {
			return nil, err
		}
		if err := fn(dec); err != nil {
			return nil, err
		}

		data, err := json.Marshal(dec)
		if err != nil {
			return nil, err
		}
		next, err := s.repo.CompareAndSwap(ctx, store.KindDecision, id, env.Version, data)
		if errors.Is(err, store.ErrStaleVersion) && attempt < casRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		dec.Version = next.Version
		return dec, nil
	}
}

func decode(env store.Envelope) (*contracts.Decision, error) {
	var dec contracts.Decision
	if err := json.Unmarshal(env.Data, &dec); err != nil {
		return nil, fmt.Errorf("decode decision %s: %w", env.ID, err)
	}
	dec.Version = env.Version
	return &dec, nil
}
