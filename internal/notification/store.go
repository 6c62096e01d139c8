package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

// Recipient is who the notifications of one order go to.
type Recipient struct {
	UserID  string         `json:"userId"`
	Contact events.Contact `json:"contact"`
}

type ContactStore interface {
	Save(ctx context.Context, orderID string, r Recipient) error
	// Get returns false when nothing is stored for the order.
	Get(ctx context.Context, orderID string) (Recipient, bool, error)
}

// SentStore remembers which messages went out.
type SentStore interface {
	// Claim marks key as sent and reports whether it was not sent before.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later attempt can send it again.
	Release(ctx context.Context, key string) error
}

func contactKey(orderID string) string {
	return fmt.Sprintf("notification:contact:%s", orderID)
}

func sentKey(key string) string {
	return fmt.Sprintf("notification:sent:%s", key)
}

type RedisContactStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisContactStore(client redis.Cmdable, ttl time.Duration) *RedisContactStore {
	return &RedisContactStore{client: client, ttl: ttl}
}

func (s *RedisContactStore) Save(ctx context.Context, orderID string, r Recipient) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, contactKey(orderID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("save contact for %s: %w", orderID, err)
	}
	return nil
}

func (s *RedisContactStore) Get(ctx context.Context, orderID string) (Recipient, bool, error) {
	b, err := s.client.Get(ctx, contactKey(orderID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Recipient{}, false, nil
		}
		return Recipient{}, false, fmt.Errorf("get contact for %s: %w", orderID, err)
	}
	var r Recipient
	if err := json.Unmarshal(b, &r); err != nil {
		return Recipient{}, false, fmt.Errorf("decode contact for %s: %w", orderID, err)
	}
	return r, true, nil
}

type RedisSentStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisSentStore(client redis.Cmdable, ttl time.Duration) *RedisSentStore {
	return &RedisSentStore{client: client, ttl: ttl}
}

func (s *RedisSentStore) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, sentKey(key), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisSentStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, sentKey(key)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
