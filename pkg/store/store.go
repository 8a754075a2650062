// Package store provides the repository abstraction behind every mutable
// entity in the pipeline (decisions, approval requests, escalation records).
//
// Entities are stored as versioned JSON envelopes keyed by (kind, id) and
// mutated only by whole-object replacement under optimistic concurrency:
// read current, compute next, CompareAndSwap against the version read. A
// losing writer gets ErrStaleVersion and must re-read or fail; it never
// silently clobbers a transition.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no envelope exists for (kind, id).
var ErrNotFound = errors.New("not found")

// ErrStaleVersion is returned when a conditional write loses the race: the
// stored version no longer matches the expected one.
var ErrStaleVersion = errors.New("stale version")

// ErrExists is returned when Create hits an existing (kind, id).
var ErrExists = errors.New("already exists")

// Envelope carries one entity snapshot plus its concurrency version.
type Envelope struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository is the minimal contract a durable backend must satisfy.
type Repository interface {
	// Get returns the current envelope, or ErrNotFound.
	Get(ctx context.Context, kind, id string) (Envelope, error)

	// Create stores a new envelope at version 1, or ErrExists.
	Create(ctx context.Context, kind, id string, data []byte) (Envelope, error)

	// CompareAndSwap replaces the envelope only if the stored version
	// equals expectedVersion, returning the new envelope (version+1).
	// Returns ErrStaleVersion on mismatch, ErrNotFound if absent.
	CompareAndSwap(ctx context.Context, kind, id string, expectedVersion int64, data []byte) (Envelope, error)

	// Scan visits every envelope of a kind. Returning false from visit
	// stops the scan. Visit order is unspecified.
	Scan(ctx context.Context, kind string, visit func(Envelope) bool) error

	// Delete removes an envelope. Missing entries are not an error.
	Delete(ctx context.Context, kind, id string) error
}

// Entity kinds used by the pipeline packages.
const (
	KindDecision   = "decision"
	KindPolicy     = "policy"
	KindApproval   = "approval_request"
	KindEscalation = "escalation_record"
	KindCommitTx   = "commit_tx"
)
