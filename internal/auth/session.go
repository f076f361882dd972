package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MagnunAVF/link-shortener/internal"
)

const sessionKeyPrefix = "session:"

// SessionStore maps a token id to the principal it was issued for. Entries
// expire on their own after the TTL given to Put.
type SessionStore interface {
	Put(ctx context.Context, id string, p internal.Principal, ttl time.Duration) error
	// Get returns nil without error when the session is unknown or expired.
	Get(ctx context.Context, id string) (*internal.Principal, error)
	Delete(ctx context.Context, id string) error
}

type RedisSessionStore struct {
	rdb redis.UniversalClient
}

func NewRedisSessionStore(rdb redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

func (s *RedisSessionStore) Put(ctx context.Context, id string, p internal.Principal, ttl time.Duration) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKeyPrefix+id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*internal.Principal, error) {
	payload, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var p internal.Principal
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &p, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
