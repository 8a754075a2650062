package contracts

import "time"

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalInReview  ApprovalStatus = "IN_REVIEW"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalTimedOut  ApprovalStatus = "TIMED_OUT"
	ApprovalWithdrawn ApprovalStatus = "WITHDRAWN"
)

// Settled reports whether the status is final. A settled request accepts no
// further resolution; once any outcome is recorded it is never overwritten.
func (s ApprovalStatus) Settled() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalTimedOut, ApprovalWithdrawn:
		return true
	}
	return false
}

// ApprovalPriority orders pending requests for reviewers.
type ApprovalPriority string

const (
	PriorityLow      ApprovalPriority = "LOW"
	PriorityNormal   ApprovalPriority = "NORMAL"
	PriorityHigh     ApprovalPriority = "HIGH"
	PriorityCritical ApprovalPriority = "CRITICAL"
)

// ApprovalOutcome records how a request settled.
type ApprovalOutcome struct {
	Decision  string    `json:"decision"` // "approved" | "rejected" | "withdrawn"
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
	Reason    string    `json:"reason,omitempty"`
	Automated bool      `json:"automated"`
}

// ApprovalVote is one approver's recorded decision toward a quorum.
type ApprovalVote struct {
	ApproverID string    `json:"approver_id"`
	Approve    bool      `json:"approve"`
	Reason     string    `json:"reason,omitempty"`
	VotedAt    time.Time `json:"voted_at"`
}

// ApprovalRequest is a single request for human sign-off on a decision,
// created once per escalation level. Further escalation supersedes the
// request with a fresh one; history lives on the owning EscalationRecord.
type ApprovalRequest struct {
	ID          string           `json:"id"`
	DecisionID  string           `json:"decision_id"`
	Status      ApprovalStatus   `json:"status"`
	Priority    ApprovalPriority `json:"priority"`
	RequestedBy string           `json:"requested_by"`
	Approvers   []string         `json:"approvers"`
	// RequiredApprovals is the quorum: the count of distinct approving
	// votes needed before the request settles APPROVED. Zero means one.
	RequiredApprovals int              `json:"required_approvals,omitempty"`
	Votes             []ApprovalVote   `json:"votes,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	Outcome           *ApprovalOutcome `json:"outcome,omitempty"`

	Version int64 `json:"version"`
}

// Quorum returns the effective approval quorum (minimum one).
func (r *ApprovalRequest) Quorum() int {
	if r.RequiredApprovals <= 0 {
		return 1
	}
	return r.RequiredApprovals
}

// HasApprover reports whether actor is in the request's approver list.
func (r *ApprovalRequest) HasApprover(actor string) bool {
	for _, a := range r.Approvers {
		if a == actor {
			return true
		}
	}
	return false
}
