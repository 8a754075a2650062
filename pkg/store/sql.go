package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQL implements Repository using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite) via
// standard drivers; $N placeholders are valid on both.
type SQL struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQL) WithClock(clock func() time.Time) *SQL {
	s.clock = clock
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS envelopes (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	version BIGINT NOT NULL,
	data BLOB,
	updated_at TIMESTAMP,
	PRIMARY KEY (kind, id)
);
`

// Init creates the backing table if needed.
func (s *SQL) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Get implements Repository.
func (s *SQL) Get(ctx context.Context, kind, id string) (Envelope, error) {
	query := `SELECT version, data, updated_at FROM envelopes WHERE kind = $1 AND id = $2`
	row := s.db.QueryRowContext(ctx, query, kind, id)

	env := Envelope{Kind: kind, ID: id}
	if err := row.Scan(&env.Version, &env.Data, &env.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Envelope{}, ErrNotFound
		}
		return Envelope{}, err
	}
	return env, nil
}

// Create implements Repository. The primary key constraint makes creation
// race-safe: the second concurrent creator fails.
func (s *SQL) Create(ctx context.Context, kind, id string, data []byte) (Envelope, error) {
	now := s.clock()
	query := `INSERT INTO envelopes (kind, id, version, data, updated_at) VALUES ($1, $2, 1, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, kind, id, data, now); err != nil {
		if exists, lookErr := s.exists(ctx, kind, id); lookErr == nil && exists {
			return Envelope{}, ErrExists
		}
		return Envelope{}, err
	}
	return Envelope{Kind: kind, ID: id, Version: 1, Data: data, UpdatedAt: now}, nil
}

// CompareAndSwap implements Repository with a version-guarded UPDATE.
func (s *SQL) CompareAndSwap(ctx context.Context, kind, id string, expectedVersion int64, data []byte) (Envelope, error) {
	now := s.clock()
	query := `
		UPDATE envelopes SET version = version + 1, data = $1, updated_at = $2
		WHERE kind = $3 AND id = $4 AND version = $5
	`
	res, err := s.db.ExecContext(ctx, query, data, now, kind, id, expectedVersion)
	if err != nil {
		return Envelope{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Envelope{}, err
	}
	if affected == 0 {
		exists, err := s.exists(ctx, kind, id)
		if err != nil {
			return Envelope{}, err
		}
		if !exists {
			return Envelope{}, ErrNotFound
		}
		return Envelope{}, ErrStaleVersion
	}
	return Envelope{Kind: kind, ID: id, Version: expectedVersion + 1, Data: data, UpdatedAt: now}, nil
}

// Scan implements Repository.
func (s *SQL) Scan(ctx context.Context, kind string, visit func(Envelope) bool) error {
	query := `SELECT id, version, data, updated_at FROM envelopes WHERE kind = $1`
	rows, err := s.db.QueryContext(ctx, query, kind)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		env := Envelope{Kind: kind}
		if err := rows.Scan(&env.ID, &env.Version, &env.Data, &env.UpdatedAt); err != nil {
			return err
		}
		if !visit(env) {
			return nil
		}
	}
	return rows.Err()
}

// Delete implements Repository.
func (s *SQL) Delete(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE kind = $1 AND id = $2`, kind, id)
	return err
}

func (s *SQL) exists(ctx context.Context, kind, id string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM envelopes WHERE kind = $1 AND id = $2`, kind, id)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
