package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Repository on a Redis keyspace. Conditional writes use
// WATCH/MULTI so a concurrent writer aborts the transaction instead of
// clobbering it; aborts surface as ErrStaleVersion.
type Redis struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedis wraps an existing client. prefix namespaces all keys
// ("arbiter" by default).
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "arbiter"
	}
	return &Redis{client: client, prefix: prefix, clock: time.Now}
}

func (r *Redis) key(kind, id string) string {
	return r.prefix + ":" + kind + ":" + id
}

func (r *Redis) indexKey(kind string) string {
	return r.prefix + ":index:" + kind
}

// Get implements Repository.
func (r *Redis) Get(ctx context.Context, kind, id string) (Envelope, error) {
	raw, err := r.client.Get(ctx, r.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, ErrNotFound
	}
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Create implements Repository.
func (r *Redis) Create(ctx context.Context, kind, id string, data []byte) (Envelope, error) {
	env := Envelope{Kind: kind, ID: id, Version: 1, Data: data, UpdatedAt: r.clock()}
	raw, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, err
	}
	ok, err := r.client.SetNX(ctx, r.key(kind, id), raw, 0).Result()
	if err != nil {
		return Envelope{}, err
	}
	if !ok {
		return Envelope{}, ErrExists
	}
	if err := r.client.SAdd(ctx, r.indexKey(kind), id).Err(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// CompareAndSwap implements Repository.
func (r *Redis) CompareAndSwap(ctx context.Context, kind, id string, expectedVersion int64, data []byte) (Envelope, error) {
	k := r.key(kind, id)
	var next Envelope

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur Envelope
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return ErrStaleVersion
		}
		next = Envelope{Kind: kind, ID: id, Version: cur.Version + 1, Data: data, UpdatedAt: r.clock()}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, encoded, 0)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txn, k)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the key mid-transaction.
		return Envelope{}, ErrStaleVersion
	}
	if err != nil {
		return Envelope{}, err
	}
	return next, nil
}

// Scan implements Repository.
func (r *Redis) Scan(ctx context.Context, kind string, visit func(Envelope) bool) error {
	ids, err := r.client.SMembers(ctx, r.indexKey(kind)).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		env, err := r.Get(ctx, kind, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !visit(env) {
			return nil
		}
	}
	return nil
}

// Delete implements Repository.
func (r *Redis) Delete(ctx context.Context, kind, id string) error {
	if err := r.client.Del(ctx, r.key(kind, id)).Err(); err != nil {
		return err
	}
	return r.client.SRem(ctx, r.indexKey(kind), id).Err()
}
