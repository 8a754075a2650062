package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCreateAndGet(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	env, err := repo.Create(ctx, KindDecision, "d1", []byte(`{"state":"PROPOSED"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.Version)

	got, err := repo.Get(ctx, KindDecision, "d1")
	require.NoError(t, err)
	assert.Equal(t, env.Data, got.Data)

	_, err = repo.Create(ctx, KindDecision, "d1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrExists)

	_, err = repo.Get(ctx, KindDecision, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCompareAndSwap(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	_, err := repo.Create(ctx, KindDecision, "d1", []byte(`v1`))
	require.NoError(t, err)

	next, err := repo.CompareAndSwap(ctx, KindDecision, "d1", 1, []byte(`v2`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)

	// The losing writer still holds version 1 and must not clobber.
	_, err = repo.CompareAndSwap(ctx, KindDecision, "d1", 1, []byte(`loser`))
	assert.ErrorIs(t, err, ErrStaleVersion)

	got, err := repo.Get(ctx, KindDecision, "d1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`v2`), got.Data)

	_, err = repo.CompareAndSwap(ctx, KindDecision, "missing", 1, []byte(`x`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryScanFiltersKind(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	_, err := repo.Create(ctx, KindDecision, "d1", []byte(`a`))
	require.NoError(t, err)
	_, err = repo.Create(ctx, KindApproval, "r1", []byte(`b`))
	require.NoError(t, err)
	_, err = repo.Create(ctx, KindApproval, "r2", []byte(`c`))
	require.NoError(t, err)

	var seen []string
	err = repo.Scan(ctx, KindApproval, func(env Envelope) bool {
		seen = append(seen, env.ID)
		return true
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2"}, seen)
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	_, err := repo.Create(ctx, KindDecision, "d1", []byte(`a`))
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, KindDecision, "d1"))
	require.NoError(t, repo.Delete(ctx, KindDecision, "d1"))

	_, err = repo.Get(ctx, KindDecision, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}
