package crawler

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Run is the per-process run context handed to every stage. It carries the
// keep-running flag, the current phase, and the counters reported in status
// messages.
type Run struct {
	ID        string
	StartedAt time.Time
	Stats     Stats

	stopping atomic.Bool

	mu     sync.RWMutex
	target string
	stage  string
}

// NewRun creates a Run that keeps running until Stop is called.
func NewRun(id string, startedAt time.Time) *Run {
	return &Run{ID: id, StartedAt: startedAt}
}

// KeepRunning reports whether stages should start another unit of work. A nil
// Run always keeps running.
func (r *Run) KeepRunning() bool {
	return r == nil || !r.stopping.Load()
}

// Stop asks every stage to finish its current unit and return.
func (r *Run) Stop() {
	if r != nil {
		r.stopping.Store(true)
	}
}

// SetPhase records the target and stage currently executing.
func (r *Run) SetPhase(target, stage string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.target, r.stage = target, stage
	r.mu.Unlock()
}

// Phase returns the target and stage currently executing.
func (r *Run) Phase() (string, string) {
	if r == nil {
		return "", ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target, r.stage
}

// Stats counts outcomes across all targets of a run.
type Stats struct {
	PagesFetched    atomic.Int64
	PagesSkipped    atomic.Int64
	LinksDiscovered atomic.Int64
	Scraped         atomic.Int64
	ScrapeFailed    atomic.Int64
	Enriched        atomic.Int64
	EnrichFailed    atomic.Int64
	Rotations       atomic.Int64
	Refreshes       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	PagesFetched    int64
	PagesSkipped    int64
	LinksDiscovered int64
	Scraped         int64
	ScrapeFailed    int64
	Enriched        int64
	EnrichFailed    int64
	Rotations       int64
	Refreshes       int64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PagesFetched:    s.PagesFetched.Load(),
		PagesSkipped:    s.PagesSkipped.Load(),
		LinksDiscovered: s.LinksDiscovered.Load(),
		Scraped:         s.Scraped.Load(),
		ScrapeFailed:    s.ScrapeFailed.Load(),
		Enriched:        s.Enriched.Load(),
		EnrichFailed:    s.EnrichFailed.Load(),
		Rotations:       s.Rotations.Load(),
		Refreshes:       s.Refreshes.Load(),
	}
}

// Summary renders the run state as plain text.
func (r *Run) Summary(now time.Time) string {
	target, stage := r.Phase()
	snap := r.Stats.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "run %s\n", r.ID)
	fmt.Fprintf(&b, "runtime %s\n", now.Sub(r.StartedAt).Round(time.Second))
	if target != "" {
		fmt.Fprintf(&b, "phase %s/%s\n", target, stage)
	}
	fmt.Fprintf(&b, "pages fetched %d, skipped %d\n", snap.PagesFetched, snap.PagesSkipped)
	fmt.Fprintf(&b, "links discovered %d\n", snap.LinksDiscovered)
	fmt.Fprintf(&b, "listings scraped %d, failed %d (%s)\n",
		snap.Scraped, snap.ScrapeFailed, SuccessRate(snap.Scraped, snap.ScrapeFailed))
	fmt.Fprintf(&b, "phones enriched %d, failed %d (%s)\n",
		snap.Enriched, snap.EnrichFailed, SuccessRate(snap.Enriched, snap.EnrichFailed))
	fmt.Fprintf(&b, "identity rotations %d, credential refreshes %d\n", snap.Rotations, snap.Refreshes)
	if !r.KeepRunning() {
		b.WriteString("stopping\n")
	}
	return b.String()
}

// SuccessRate formats ok/(ok+failed) as a percentage.
func SuccessRate(ok, failed int64) string {
	total := ok + failed
	if total == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", float64(ok)*100/float64(total))
}

// PerMinute formats a throughput figure.
func PerMinute(count int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "0.0/min"
	}
	return fmt.Sprintf("%.1f/min", float64(count)/elapsed.Minutes())
}
