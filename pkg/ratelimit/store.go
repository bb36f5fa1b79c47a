package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned by a Store that holds no state yet.
var ErrStateNotFound = errors.New("ratelimit: state not found")

// maxUpdateAttempts bounds optimistic transaction retries of RedisStore.Update.
const maxUpdateAttempts = 100

// Store persists ThrottleState.
type Store interface {
	Load(ctx context.Context) (*ThrottleState, error)

	// Update applies fn to the stored state, or to the initial state when
	// none is stored, and persists the result atomically. fn may run more
	// than once and must only modify the state it is given.
	Update(ctx context.Context, fn func(*ThrottleState)) (*ThrottleState, error)
}

// MemoryStore keeps state in process.
type MemoryStore struct {
	mu    sync.RWMutex
	state *ThrottleState
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context) (*ThrottleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, ErrStateNotFound
	}
	copied := *m.state
	return &copied, nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, fn func(*ThrottleState)) (*ThrottleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := newState()
	if m.state != nil {
		*state = *m.state
	}
	fn(state)

	stored := *state
	m.state = &stored
	return state, nil
}

// RedisStore shares state between processes through Redis so that several
// runs against the same tenant see each other's throttling.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore creates a store; entries expire after ttl (0 keeps them).
func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient, ttl: ttl}
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context) (*ThrottleState, error) {
	data, err := r.redis.Get(ctx, RedisKeyState).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeState(data)
}

// Update implements Store with an optimistic WATCH/MULTI transaction. Writers
// in this or other processes never wait on a lock; a conflicting write makes
// the transaction retry on the newer state.
func (r *RedisStore) Update(ctx context.Context, fn func(*ThrottleState)) (*ThrottleState, error) {
	var updated *ThrottleState

	txf := func(tx *redis.Tx) error {
		state := newState()
		data, err := tx.Get(ctx, RedisKeyState).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if state, err = decodeState(data); err != nil {
				return err
			}
		}

		fn(state)

		out, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal throttle state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, RedisKeyState, out, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = state
		return nil
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.redis.Watch(ctx, txf, RedisKeyState)
		if err == nil {
			return updated, nil
		}
		if err != redis.TxFailedErr {
			return nil, fmt.Errorf("redis update: %w", err)
		}
	}
	return nil, fmt.Errorf("redis update: %w after %d attempts", redis.TxFailedErr, maxUpdateAttempts)
}

func decodeState(data []byte) (*ThrottleState, error) {
	state := newState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse throttle state: %w", err)
	}
	return state, nil
}
