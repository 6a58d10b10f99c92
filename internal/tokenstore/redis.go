package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "verification:token:"

// RedisStore keeps tokens in Redis so every engine node sees the same set.
// SET NX gives the put-if-absent guarantee and the key TTL tracks the token
// window, so Redis sweeps expired tokens on its own.
type RedisStore struct {
	client *redis.Client
	nowFn  func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, nowFn: time.Now}
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, tok Token) error {
	payload, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+tok.Value, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, value string) (*Token, error) {
	raw, err := s.client.Get(ctx, keyPrefix+value).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if tok.Invalidated || s.nowFn().After(tok.ExpiresAt) {
		return nil, ErrExpired
	}
	return &tok, nil
}

func (s *RedisStore) Invalidate(ctx context.Context, value string) error {
	key := keyPrefix + value
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	if tok.Invalidated {
		return nil
	}
	tok.Invalidated = true
	payload, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	// Keep the remaining TTL so invalidated tokens still age out.
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
