// Package redis stores discovery checkpoints in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

type kvClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// CheckpointStore keeps one JSON value per checkpoint key. Each target has a
// single sequential walker, so the read-merge-write in Save has one writer.
type CheckpointStore struct {
	client kvClient
	prefix string
}

type record struct {
	LastPageTried int       `json:"lastPageTried"`
	LastPage      int       `json:"lastPage"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewCheckpointStore connects to Redis at addr.
func NewCheckpointStore(addr, prefix string) *CheckpointStore {
	return NewCheckpointStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix)
}

// NewCheckpointStoreWithClient builds a store around an existing client (tests).
func NewCheckpointStoreWithClient(client kvClient, prefix string) *CheckpointStore {
	return &CheckpointStore{client: client, prefix: prefix}
}

// Close closes the Redis client.
func (s *CheckpointStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Load returns the checkpoint for key and whether it exists.
func (s *CheckpointStore) Load(ctx context.Context, key string) (crawler.Checkpoint, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return crawler.Checkpoint{}, false, nil
		}
		return crawler.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return crawler.Checkpoint{
		Key:           key,
		LastPageTried: rec.LastPageTried,
		LastPage:      rec.LastPage,
		UpdatedAt:     rec.UpdatedAt,
	}, true, nil
}

// Save merges cp into the stored value without lowering either counter.
func (s *CheckpointStore) Save(ctx context.Context, cp crawler.Checkpoint) error {
	if cp.Key == "" {
		return fmt.Errorf("checkpoint key is required")
	}
	current, _, err := s.Load(ctx, cp.Key)
	if err != nil {
		return err
	}
	merged := current.Merge(cp)
	payload, err := json.Marshal(record{
		LastPageTried: merged.LastPageTried,
		LastPage:      merged.LastPage,
		UpdatedAt:     merged.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+cp.Key, payload, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Reset deletes the checkpoint for key.
func (s *CheckpointStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}
