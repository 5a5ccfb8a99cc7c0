package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/disputekit/tiergate/internal/entitlements"
)

const redisKeyPrefix = "tiergate"

// RedisStore keeps cache values in Redis so several processes serving the
// same identity share one view.
type RedisStore struct {
	client     *redis.Client
	scope      string
	pendingTTL time.Duration
	ownsClient bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client *redis.Client, scope string) *RedisStore {
	return &RedisStore{
		client: client,
		scope:  normalizeScope(scope),
	}
}

// NewRedisStoreFromURL dials redisURL and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, redisURL, scope string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolTimeout = 30 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s := NewRedisStore(client, scope)
	s.ownsClient = true
	return s, nil
}

// WithPendingTTL expires the pending marker after ttl. Zero keeps it until
// cleared, which is the default.
func (s *RedisStore) WithPendingTTL(ttl time.Duration) *RedisStore {
	s.pendingTTL = ttl
	return s
}

func (s *RedisStore) key(name string) string {
	return redisKeyPrefix + ":" + s.scope + ":" + name
}

func (s *RedisStore) Read(ctx context.Context) (*entitlements.Snapshot, error) {
	data, err := s.get(ctx, KeySnapshot)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data), nil
}

func (s *RedisStore) Write(ctx context.Context, snapshot *entitlements.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(KeySnapshot), data, 0).Err(); err != nil {
		return fmt.Errorf("write %s: %w", KeySnapshot, err)
	}
	return nil
}

func (s *RedisStore) ReadPendingPayment(ctx context.Context) (*entitlements.PendingPayment, error) {
	data, err := s.get(ctx, KeyPendingPayment)
	if err != nil {
		return nil, err
	}
	return decodePending(data), nil
}

func (s *RedisStore) WritePendingPayment(ctx context.Context, pending *entitlements.PendingPayment) error {
	data, err := encodePending(pending)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(KeyPendingPayment), data, s.pendingTTL).Err(); err != nil {
		return fmt.Errorf("write %s: %w", KeyPendingPayment, err)
	}
	return nil
}

func (s *RedisStore) ClearPendingPayment(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(KeyPendingPayment)).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", KeyPendingPayment, err)
	}
	return nil
}

// Close closes the client only when the store dialed it.
func (s *RedisStore) Close() error {
	if s.ownsClient && s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}
