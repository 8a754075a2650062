// Package archive builds audit records for concluded decisions and exports
// them to object storage. An audit record is a read-only projection joining
// the decision, its commit transactions, its approval requests (with
// reviewer response times) and its escalation history.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/arbiter/pkg/approval"
	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/decision"
	"github.com/Mindburn-Labs/arbiter/pkg/escalation"
)

// ApprovalSummary is one approval request with its reviewer response time.
type ApprovalSummary struct {
	Request        *contracts.ApprovalRequest `json:"request"`
	ResponseTimeMs *int64                     `json:"response_time_ms,omitempty"`
}

// Record is the full audit projection of one concluded decision.
type Record struct {
	Decision     *contracts.Decision            `json:"decision"`
	Transactions []*contracts.CommitTransaction `json:"transactions,omitempty"`
	Approvals    []ApprovalSummary              `json:"approvals,omitempty"`
	Escalations  []*contracts.EscalationRecord  `json:"escalations,omitempty"`
	ArchivedAt   time.Time                      `json:"archived_at"`
}

// Builder assembles audit records from the pipeline's services.
type Builder struct {
	decisions   *decision.Service
	approvals   *approval.Queue
	escalations *escalation.Manager
	clock       func() time.Time
}

// NewBuilder creates a Builder. The approval queue and escalation manager
// may be nil when the deployment runs without those stages.
func NewBuilder(decisions *decision.Service, approvals *approval.Queue, escalations *escalation.Manager) *Builder {
	return &Builder{
		decisions:   decisions,
		approvals:   approvals,
		escalations: escalations,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build assembles the audit record of a concluded decision. Decisions still
// in flight are refused; the archive holds final history only.
func (b *Builder) Build(ctx context.Context, decisionID string) (*Record, error) {
	dec, err := b.decisions.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if !dec.State.Terminal() {
		return nil, &contracts.ValidationError{Field: "state", Detail: fmt.Sprintf("decision is %s; only concluded decisions are archived", dec.State)}
	}

	rec := &Record{Decision: dec, ArchivedAt: b.clock()}

	txs, err := b.decisions.Transactions(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	rec.Transactions = txs

	if b.approvals != nil {
		reqs, err := b.approvals.ForDecision(ctx, decisionID)
		if err != nil {
			return nil, err
		}
		for _, req := range reqs {
			summary := ApprovalSummary{Request: req}
			if req.Outcome != nil && !req.Outcome.Automated {
				ms := req.Outcome.DecidedAt.Sub(req.CreatedAt).Milliseconds()
				summary.ResponseTimeMs = &ms
			}
			rec.Approvals = append(rec.Approvals, summary)
		}
	}

	if b.escalations != nil {
		escs, err := b.escalations.ForDecision(ctx, decisionID)
		if err != nil {
			return nil, err
		}
		rec.Escalations = escs
	}
	return rec, nil
}

// ObjectStore is the subset of the S3 client the archiver uses.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes audit records to an S3 bucket as canonical JSON, so two
// exports of the same record are byte-identical.
type Archiver struct {
	client ObjectStore
	bucket string
	prefix string
	logger *slog.Logger
}

// NewArchiver creates an Archiver targeting bucket/prefix.
func NewArchiver(client ObjectStore, bucket, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Archive uploads one record and returns the object key.
func (a *Archiver) Archive(ctx context.Context, rec *Record) (string, error) {
	body, err := canonicalize.Canonical(rec)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit record: %w", err)
	}

	key := a.key(rec.Decision.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put audit record %s: %w", key, err)
	}

	a.logger.Info("audit record archived", "decision_id", rec.Decision.ID, "bucket", a.bucket, "key", key, "bytes", len(body))
	return key, nil
}

// key derives the object key from a decision ID; the "sha256:" prefix is
// folded into a path segment to keep keys portable.
func (a *Archiver) key(decisionID string) string {
	name := strings.Replace(decisionID, ":", "/", 1) + ".json"
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}
