// Package cache keeps hot document content in Redis in front of the durable store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"inkwell/api/internal/collab"
)

const defaultTTL = time.Hour

// RedisStore is a read-through, write-through cache over a collab.ContentStore.
// The backing store is always the source of truth: a cache failure is logged
// and never fails a load or a save.
type RedisStore struct {
	client  *redis.Client
	backing collab.ContentStore
	log     *zap.Logger
	prefix  string
	ttl     time.Duration
}

// NewRedisStore connects to redisURL and wraps backing.
func NewRedisStore(redisURL string, backing collab.ContentStore, ttl time.Duration, log *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, backing, ttl, log), nil
}

// NewRedisStoreWithClient wraps backing using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, backing collab.ContentStore, ttl time.Duration, log *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{
		client:  client,
		backing: backing,
		log:     log,
		prefix:  "content:",
		ttl:     ttl,
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) LoadContent(ctx context.Context, documentID string) (string, bool, error) {
	content, err := s.client.Get(ctx, s.key(documentID)).Result()
	switch {
	case err == nil:
		return content, true, nil
	case !errors.Is(err, redis.Nil):
		s.log.Warn("content cache read failed", zap.String("document_id", documentID), zap.Error(err))
	}

	content, found, err := s.backing.LoadContent(ctx, documentID)
	if err != nil || !found {
		return content, found, err
	}
	s.store(ctx, documentID, content)
	return content, true, nil
}

func (s *RedisStore) SaveContent(ctx context.Context, documentID, content string) error {
	if err := s.backing.SaveContent(ctx, documentID, content); err != nil {
		s.invalidate(ctx, documentID)
		return err
	}
	s.store(ctx, documentID, content)
	return nil
}

// store caches content. When the write fails the key is dropped so an older
// cached copy cannot outlive a newer durable one.
func (s *RedisStore) store(ctx context.Context, documentID, content string) {
	if err := s.client.Set(ctx, s.key(documentID), content, s.ttl).Err(); err != nil {
		s.log.Warn("content cache write failed", zap.String("document_id", documentID), zap.Error(err))
		s.invalidate(ctx, documentID)
	}
}

func (s *RedisStore) invalidate(ctx context.Context, documentID string) {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		s.log.Warn("content cache invalidate failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
