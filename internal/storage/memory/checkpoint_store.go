package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// CheckpointStore keeps checkpoints in a map.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]crawler.Checkpoint
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]crawler.Checkpoint)}
}

// Load returns the checkpoint for key and whether it exists.
func (s *CheckpointStore) Load(_ context.Context, key string) (crawler.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[key]
	return cp, ok, nil
}

// Save merges cp into the stored checkpoint without moving counters back.
func (s *CheckpointStore) Save(_ context.Context, cp crawler.Checkpoint) error {
	if cp.Key == "" {
		return errors.New("checkpoint key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Key] = s.checkpoints[cp.Key].Merge(cp)
	return nil
}

// Reset deletes the checkpoint for key.
func (s *CheckpointStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, key)
	return nil
}
