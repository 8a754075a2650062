// Package approval implements the approval queue: CRUD and timeout
// lifecycle for ApprovalRequests routed to named approvers.
//
// The queue trusts its approvers lists; authority levels are checked by the
// caller before requests are created. Every mutation is a read-modify-write
// guarded by the repository's compare-and-swap, and resolution is mutually
// exclusive: once a request settles, further attempts fail rather than
// overwrite the recorded outcome.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/store"
)

// ErrExpired is returned when a resolution attempt arrives after the
// request's deadline; the request settles TIMED_OUT instead.
var ErrExpired = errors.New("request expired")

// casRetries bounds how often a mutation re-reads after losing a race.
const casRetries = 3

// DefaultTimeout applies when a request is created without one.
const DefaultTimeout = 24 * time.Hour

// CreateInput describes a new approval request.
type CreateInput struct {
	DecisionID        string
	RequestedBy       string
	Approvers         []string
	Priority          contracts.ApprovalPriority
	RequiredApprovals int
	Timeout           time.Duration
	Reason            string
}

// Queue manages approval requests on top of a Repository.
type Queue struct {
	repo   store.Repository
	logger *slog.Logger
	clock  func() time.Time
}

// NewQueue creates a queue.
func NewQueue(repo store.Repository, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{repo: repo, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// CreateRequest validates and stores a new PENDING request.
func (q *Queue) CreateRequest(ctx context.Context, in CreateInput) (*contracts.ApprovalRequest, error) {
	if in.DecisionID == "" {
		return nil, &contracts.ValidationError{Field: "decision_id", Detail: "required"}
	}
	if in.RequestedBy == "" {
		return nil, &contracts.ValidationError{Field: "requested_by", Detail: "required"}
	}
	if len(in.Approvers) == 0 {
		return nil, &contracts.ValidationError{Field: "approvers", Detail: "at least one approver required"}
	}
	quorum := in.RequiredApprovals
	if quorum <= 0 {
		quorum = 1
	}
	if quorum > len(in.Approvers) {
		return nil, &contracts.ValidationError{Field: "required_approvals", Detail: "quorum exceeds approver count"}
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	priority := in.Priority
	if priority == "" {
		priority = contracts.PriorityNormal
	}

	now := q.clock()
	req := &contracts.ApprovalRequest{
		ID:                uuid.New().String(),
		DecisionID:        in.DecisionID,
		Status:            contracts.ApprovalPending,
		Priority:          priority,
		RequestedBy:       in.RequestedBy,
		Approvers:         append([]string(nil), in.Approvers...),
		RequiredApprovals: quorum,
		Reason:            in.Reason,
		CreatedAt:         now,
		ExpiresAt:         now.Add(timeout),
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	env, err := q.repo.Create(ctx, store.KindApproval, req.ID, data)
	if err != nil {
		return nil, err
	}
	req.Version = env.Version

	q.logger.Info("approval request created",
		"request_id", req.ID,
		"decision_id", req.DecisionID,
		"approvers", len(req.Approvers),
		"quorum", quorum,
		"expires_at", req.ExpiresAt)
	return req, nil
}

// Get returns a request by id.
func (q *Queue) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	env, err := q.repo.Get(ctx, store.KindApproval, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.NotFound("approval request", id)
	}
	if err != nil {
		return nil, err
	}
	return decode(env)
}

// StartReview moves a PENDING request to IN_REVIEW. The actor must be one of
// the request's approvers.
func (q *Queue) StartReview(ctx context.Context, id, actor string) (*contracts.ApprovalRequest, error) {
	return q.mutate(ctx, id, func(req *contracts.ApprovalRequest) error {
		if req.Status.Settled() {
			return contracts.ErrAlreadyResolved
		}
		if !req.HasApprover(actor) {
			return &contracts.AuthorizationError{Actor: actor, Action: "review request " + id}
		}
		if req.Status != contracts.ApprovalPending {
			return fmt.Errorf("request %s is %s, not PENDING", id, req.Status)
		}
		req.Status = contracts.ApprovalInReview
		return nil
	})
}

// RecordDecision records one approver's vote. A rejection settles the
// request immediately; approvals settle it once the quorum of distinct
// approvers is met. A vote arriving after the deadline settles the request
// TIMED_OUT and returns ErrExpired.
func (q *Queue) RecordDecision(ctx context.Context, id, actor string, approve bool, reason string) (*contracts.ApprovalRequest, error) {
	now := q.clock()
	var expired bool

	req, err := q.mutate(ctx, id, func(req *contracts.ApprovalRequest) error {
		expired = false
		if req.Status.Settled() {
			return contracts.ErrAlreadyResolved
		}
		if !req.HasApprover(actor) {
			return &contracts.AuthorizationError{Actor: actor, Action: "resolve request " + id}
		}
		if now.After(req.ExpiresAt) {
			expired = true
			req.Status = contracts.ApprovalTimedOut
			req.Outcome = &contracts.ApprovalOutcome{
				Decision:  "rejected",
				DecidedAt: now,
				Reason:    "expired before resolution",
				Automated: true,
			}
			return nil
		}
		for _, v := range req.Votes {
			if v.ApproverID == actor {
				return fmt.Errorf("approver %s already voted on request %s", actor, id)
			}
		}

		req.Votes = append(req.Votes, contracts.ApprovalVote{
			ApproverID: actor,
			Approve:    approve,
			Reason:     reason,
			VotedAt:    now,
		})

		if !approve {
			req.Status = contracts.ApprovalRejected
			req.Outcome = &contracts.ApprovalOutcome{
				Decision:  "rejected",
				DecidedBy: actor,
				DecidedAt: now,
				Reason:    reason,
			}
			return nil
		}

		approvals := 0
		for _, v := range req.Votes {
			if v.Approve {
				approvals++
			}
		}
		if approvals >= req.Quorum() {
			req.Status = contracts.ApprovalApproved
			req.Outcome = &contracts.ApprovalOutcome{
				Decision:  "approved",
				DecidedBy: actor,
				DecidedAt: now,
				Reason:    reason,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return req, ErrExpired
	}
	return req, nil
}

// Withdraw settles a non-final request as WITHDRAWN. Only the original
// requester may withdraw.
func (q *Queue) Withdraw(ctx context.Context, id, actor, reason string) (*contracts.ApprovalRequest, error) {
	return q.mutate(ctx, id, func(req *contracts.ApprovalRequest) error {
		if req.Status.Settled() {
			return contracts.ErrAlreadyResolved
		}
		if req.RequestedBy != actor {
			return &contracts.AuthorizationError{Actor: actor, Action: "withdraw request " + id}
		}
		now := q.clock()
		req.Status = contracts.ApprovalWithdrawn
		req.Outcome = &contracts.ApprovalOutcome{
			Decision:  "withdrawn",
			DecidedBy: actor,
			DecidedAt: now,
			Reason:    reason,
		}
		return nil
	})
}

// ProcessTimeouts settles every non-final request whose deadline has passed,
// applying defaultAction ("approve" or "reject"). It is safe to run
// concurrently with request creation and in-flight approvals: it only
// touches requests already expired, and a lost CAS race means someone else
// settled the request first, which is fine.
func (q *Queue) ProcessTimeouts(ctx context.Context, defaultAction string) ([]*contracts.ApprovalRequest, error) {
	decision := "rejected"
	if defaultAction == "approve" {
		decision = "approved"
	}

	now := q.clock()
	var expiredIDs []string
	err := q.repo.Scan(ctx, store.KindApproval, func(env store.Envelope) bool {
		req, err := decode(env)
		if err != nil {
			return true
		}
		if !req.Status.Settled() && now.After(req.ExpiresAt) {
			expiredIDs = append(expiredIDs, req.ID)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	var timedOut []*contracts.ApprovalRequest
	for _, id := range expiredIDs {
		req, err := q.mutate(ctx, id, func(req *contracts.ApprovalRequest) error {
			if req.Status.Settled() {
				return contracts.ErrAlreadyResolved
			}
			req.Status = contracts.ApprovalTimedOut
			req.Outcome = &contracts.ApprovalOutcome{
				Decision:  decision,
				DecidedAt: now,
				Reason:    "timed out",
				Automated: true,
			}
			return nil
		})
		if errors.Is(err, contracts.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return timedOut, err
		}
		q.logger.Info("approval request timed out",
			"request_id", req.ID,
			"decision_id", req.DecisionID,
			"default_action", defaultAction)
		timedOut = append(timedOut, req)
	}
	return timedOut, nil
}

// Pending lists all unsettled requests, for reviewer dashboards.
func (q *Queue) Pending(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	var out []*contracts.ApprovalRequest
	err := q.repo.Scan(ctx, store.KindApproval, func(env store.Envelope) bool {
		req, err := decode(env)
		if err == nil && !req.Status.Settled() {
			out = append(out, req)
		}
		return true
	})
	return out, err
}

// ForDecision lists every request ever created for a decision.
func (q *Queue) ForDecision(ctx context.Context, decisionID string) ([]*contracts.ApprovalRequest, error) {
	var out []*contracts.ApprovalRequest
	err := q.repo.Scan(ctx, store.KindApproval, func(env store.Envelope) bool {
		req, err := decode(env)
		if err == nil && req.DecisionID == decisionID {
			out = append(out, req)
		}
		return true
	})
	return out, err
}

// mutate runs a read-modify-write cycle with CAS retry.
func (q *Queue) mutate(ctx context.Context, id string, fn func(*contracts.ApprovalRequest) error) (*contracts.ApprovalRequest, error) {
	for attempt := 0; ; attempt++ {
		env, err := q.repo.Get(ctx, store.KindApproval, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.NotFound("approval request", id)
		}
		if err != nil {
			return nil, err
		}
		req, err := decode(env)
		if err != nil {
			return nil, err
		}
		if err := fn(req); err != nil {
			return nil, err
		}

		data, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		next, err := q.repo.CompareAndSwap(ctx, store.KindApproval, id, env.Version, data)
		if errors.Is(err, store.ErrStaleVersion) && attempt < casRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		req.Version = next.Version
		return req, nil
	}
}

func decode(env store.Envelope) (*contracts.ApprovalRequest, error) {
	var req contracts.ApprovalRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return nil, fmt.Errorf("decode approval request %s: %w", env.ID, err)
	}
	req.Version = env.Version
	return &req, nil
}
