package banstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const banKey = "exchange:ban"

// persistedBan is the single key-value entry surviving process restarts.
type persistedBan struct {
	IsBanned bool  `json:"isBanned"`
	BanUntil int64 `json:"banUntil"` // epoch ms
}

// RedisStore persists ban state in Redis. The entry carries an expiration
// matching the ban itself, so an expired ban disappears on its own.
type RedisStore struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewWithClient wraps an existing client (used by tests and shared setups).
func NewWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Load returns the persisted resume timestamp, if one exists.
func (s *RedisStore) Load(ctx context.Context) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, banKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load ban state: %w", err)
	}

	var ban persistedBan
	if err := json.Unmarshal([]byte(raw), &ban); err != nil {
		return time.Time{}, false, fmt.Errorf("decode ban state: %w", err)
	}
	if !ban.IsBanned || ban.BanUntil == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ban.BanUntil), true, nil
}

// Save stores the resume timestamp with a TTL matching the remaining ban.
func (s *RedisStore) Save(ctx context.Context, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.Clear(ctx)
	}

	data, err := json.Marshal(persistedBan{IsBanned: true, BanUntil: until.UnixMilli()})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, banKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("save ban state: %w", err)
	}
	return nil
}

// Clear removes the persisted entry.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, banKey).Err(); err != nil {
		return fmt.Errorf("clear ban state: %w", err)
	}
	return nil
}
