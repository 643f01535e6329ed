package crawler

import (
	"context"
	"sync"
	"time"
)

// SeenSet tracks URLs observed during one run. Safe for concurrent use.
type SeenSet struct {
	seen sync.Map
}

// NewSeenSet creates an empty set.
func NewSeenSet() *SeenSet {
	return &SeenSet{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (s *SeenSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := s.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

// Pacer sleeps between work items.
type Pacer interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPacer sleeps on a timer and wakes early when ctx is done.
type TimerPacer struct{}

// Pause blocks for delay or until ctx finishes, returning ctx.Err() in the
// latter case.
func (TimerPacer) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoPacer returns immediately. Used by tests to keep stages fast.
type NoPacer struct{}

// Pause returns ctx.Err() without sleeping.
func (NoPacer) Pause(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
