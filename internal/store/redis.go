package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const stateKey = "tradegate:safety:state"

// RedisStore keeps safety state in a single redis key so it survives
// process restarts.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps an existing redis client. A zero ttl means the key
// never expires.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Connect dials redis and verifies the connection before returning a store.
func Connect(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

// Load returns the persisted state, or nil when none has been saved.
func (s *RedisStore) Load(ctx context.Context) (*State, error) {
	data, err := s.client.Get(ctx, stateKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load safety state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode safety state: %w", err)
	}
	return &state, nil
}

// Save overwrites the persisted state.
func (s *RedisStore) Save(ctx context.Context, state State) error {
	state.SavedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode safety state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey, string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save safety state: %w", err)
	}
	return nil
}
