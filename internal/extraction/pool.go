// Package extraction turns pending candidate URLs into stored listing records
// with a bounded pool of workers, each owning one page session.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/logging"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/metrics"
)

// heapPressureLimit lowers the next invocation's cap when exceeded.
const heapPressureLimit = 0.8

// Config controls a Pool.
type Config struct {
	Fields         []crawler.FieldSelector
	RequiredFields []string

	MaxConcurrency     int
	BatchSize          int
	PerSessionMemoryMB int
	CPUFactor          int

	ItemDelay   time.Duration
	PageTimeout time.Duration

	NotifyEvery             int
	ScreenshotEveryFailures int
}

// CandidateQueue supplies pending candidates and records their outcome.
type CandidateQueue interface {
	Pending(ctx context.Context, target crawler.Target, since time.Time, limit int) ([]crawler.CandidateURL, error)
	MarkScraped(ctx context.Context, target crawler.Target, url string) error
	MarkFailed(ctx context.Context, target crawler.Target, url string, cause error) error
}

// ListingSink stores extracted listings.
type ListingSink interface {
	SaveExtracted(ctx context.Context, target crawler.Target, url string, fields map[string]any) error
}

// Deps bundles the collaborators of a Pool.
type Deps struct {
	Sessions   crawler.SessionFactory
	Candidates CandidateQueue
	Listings   ListingSink
	Notifier   crawler.Notifier
	Pacer      crawler.Pacer
	Clock      crawler.Clock
	Resources  ResourceProbe
	Logger     *zap.Logger
}

// Result summarizes one invocation.
type Result struct {
	Target      string
	Concurrency int
	Cycles      int
	Scraped     int64
	Failed      int64
}

// Pool runs extraction cycles until no pending candidate remains.
type Pool struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	limitCap int
}

// New builds a Pool, filling optional dependencies with defaults.
func New(cfg Config, deps Deps) *Pool {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = minConcurrency
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = crawler.NopNotifier{}
	}
	if deps.Pacer == nil {
		deps.Pacer = crawler.TimerPacer{}
	}
	if deps.Clock == nil {
		deps.Clock = crawler.SystemClock{}
	}
	if deps.Resources == nil {
		deps.Resources = SystemProbe{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, deps: deps, limitCap: cfg.MaxConcurrency}
}

// Cap returns the concurrency cap applied to the next invocation.
func (p *Pool) Cap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limitCap
}

// invocation is the shared state of one Run call.
type invocation struct {
	target    crawler.Target
	run       *crawler.Run
	logger    *zap.Logger
	startedAt time.Time

	processed atomic.Int64
	scraped   atomic.Int64
	failed    atomic.Int64
}

// Run processes the target's pending candidates in cycles of BatchSize until
// a cycle finds nothing to do. Candidates failing during this invocation are
// not picked up again until the next one. Only infrastructure failures are
// returned.
func (p *Pool) Run(ctx context.Context, run *crawler.Run, target crawler.Target) (Result, error) {
	if run == nil {
		run = crawler.NewRun("", p.deps.Clock.Now())
	}
	run.SetPhase(target.Name, "extraction")
	inv := &invocation{
		target:    target,
		run:       run,
		logger:    logging.ForTarget(p.deps.Logger, "pool", run.ID, target.Name),
		startedAt: p.deps.Clock.Now(),
	}

	n := Concurrency(p.deps.Resources, p.cfg.PerSessionMemoryMB, p.cfg.CPUFactor, p.Cap())
	metrics.SetPoolConcurrency(target.Name, n)
	res := Result{Target: target.Name, Concurrency: n}
	inv.logger.Info("extraction started", zap.Int("concurrency", n), zap.Int("batch_size", p.cfg.BatchSize))
	p.deps.Notifier.Notify(fmt.Sprintf("extraction %s: starting with %d workers", target.Name, n))

	var runErr error
	for run.KeepRunning() && ctx.Err() == nil {
		batch, err := p.deps.Candidates.Pending(ctx, target, inv.startedAt, p.cfg.BatchSize)
		if err != nil {
			runErr = err
			break
		}
		if len(batch) == 0 {
			break
		}
		res.Cycles++
		inv.logger.Debug("cycle started", zap.Int("cycle", res.Cycles), zap.Int("items", len(batch)))
		if err := p.cycle(ctx, inv, batch, n); err != nil {
			runErr = err
			break
		}
	}

	res.Scraped, res.Failed = inv.scraped.Load(), inv.failed.Load()
	p.adjustCap(inv.logger)

	elapsed := p.deps.Clock.Now().Sub(inv.startedAt)
	inv.logger.Info("extraction finished",
		zap.Int("cycles", res.Cycles),
		zap.Int64("scraped", res.Scraped),
		zap.Int64("failed", res.Failed),
		zap.Duration("elapsed", elapsed),
		zap.Error(runErr),
	)
	p.deps.Notifier.Notify(fmt.Sprintf("extraction %s: %d scraped, %d failed (%s) in %s",
		target.Name, res.Scraped, res.Failed,
		crawler.SuccessRate(res.Scraped, res.Failed), elapsed.Round(time.Second)))
	return res, runErr
}

// cycle fans the batch out to up to n workers claiming items through a
// shared cursor so every item is processed exactly once.
func (p *Pool) cycle(ctx context.Context, inv *invocation, batch []crawler.CandidateURL, n int) error {
	var cursor atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for id := range min(n, len(batch)) {
		g.Go(func() error {
			return p.worker(gctx, inv, id, batch, &cursor)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("extraction cycle: %w", err)
	}
	return nil
}

func (p *Pool) worker(
	ctx context.Context,
	inv *invocation,
	id int,
	batch []crawler.CandidateURL,
	cursor *atomic.Int64,
) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	logger := inv.logger.With(zap.Int("worker", id))

	session, err := p.deps.Sessions.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: open session: %w", crawler.ErrInfrastructure, err)
	}
	defer func() {
		if session != nil {
			_ = session.Close()
		}
	}()

	first := true
	for inv.run.KeepRunning() {
		idx := int(cursor.Add(1) - 1)
		if idx >= len(batch) {
			return nil
		}
		if !first {
			if err := p.deps.Pacer.Pause(ctx, p.cfg.ItemDelay); err != nil {
				return nil
			}
		}
		first = false

		item := batch[idx]
		procErr := p.process(ctx, session, inv.target, item.URL)
		if procErr == nil {
			if err := p.deps.Candidates.MarkScraped(ctx, inv.target, item.URL); err != nil {
				return err
			}
			inv.scraped.Add(1)
			inv.run.Stats.Scraped.Add(1)
			metrics.ObserveExtraction(inv.target.Name, "ok")
			logger.Debug("listing extracted", zap.String("url", item.URL))
			p.progress(inv)
			continue
		}
		if errors.Is(procErr, crawler.ErrInfrastructure) {
			return procErr
		}
		if ctx.Err() != nil {
			return nil
		}

		if err := p.deps.Candidates.MarkFailed(ctx, inv.target, item.URL, procErr); err != nil {
			return err
		}
		failures := inv.failed.Add(1)
		inv.run.Stats.ScrapeFailed.Add(1)
		metrics.ObserveExtraction(inv.target.Name, outcome(procErr))
		logger.Warn("listing extraction failed", zap.String("url", item.URL), zap.Error(procErr))

		lost := crawler.IsSessionLost(procErr)
		if !lost && p.cfg.ScreenshotEveryFailures > 0 && failures%int64(p.cfg.ScreenshotEveryFailures) == 0 {
			p.screenshot(ctx, session, inv, item.URL, failures, procErr)
		}
		p.progress(inv)

		if lost {
			logger.Info("session lost, recreating")
			_ = session.Close()
			session, err = p.deps.Sessions.NewSession(ctx)
			if err != nil {
				return fmt.Errorf("%w: recreate session: %w", crawler.ErrInfrastructure, err)
			}
		}
	}
	return nil
}

// process navigates to url, extracts the field map, and stores the listing.
func (p *Pool) process(ctx context.Context, session crawler.Session, target crawler.Target, url string) error {
	status, err := session.Navigate(ctx, url, p.cfg.PageTimeout)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := crawler.CheckStatus(status, url); err != nil {
		return err
	}
	fields, err := session.Extract(ctx, p.cfg.Fields)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if err := crawler.RequireFields(fields, p.cfg.RequiredFields); err != nil {
		return err
	}
	return p.deps.Listings.SaveExtracted(ctx, target, url, fields)
}

func (p *Pool) screenshot(
	ctx context.Context,
	session crawler.Session,
	inv *invocation,
	url string,
	failures int64,
	cause error,
) {
	shot, err := session.Screenshot(ctx)
	caption := fmt.Sprintf("extraction %s: failure #%d at %s: %v", inv.target.Name, failures, url, cause)
	if err != nil || len(shot) == 0 {
		p.deps.Notifier.Notify(caption)
		return
	}
	p.deps.Notifier.NotifyWithImage(shot, caption)
}

func (p *Pool) progress(inv *invocation) {
	done := inv.processed.Add(1)
	if p.cfg.NotifyEvery <= 0 || done%int64(p.cfg.NotifyEvery) != 0 {
		return
	}
	ok, failed := inv.scraped.Load(), inv.failed.Load()
	elapsed := p.deps.Clock.Now().Sub(inv.startedAt)
	p.deps.Notifier.Notify(fmt.Sprintf("extraction %s: %d processed, %d ok, %d failed (%s), %s",
		inv.target.Name, done, ok, failed, crawler.SuccessRate(ok, failed), crawler.PerMinute(done, elapsed)))
}

// adjustCap lowers the cap by one (floor 3) when the heap is under pressure.
func (p *Pool) adjustCap(logger *zap.Logger) {
	pressure := p.deps.Resources.HeapPressure()
	if pressure <= heapPressureLimit {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := max(minConcurrency, p.limitCap-1)
	if next != p.limitCap {
		logger.Info("heap pressure high, lowering concurrency cap",
			zap.Float64("pressure", pressure), zap.Int("cap", next))
	}
	p.limitCap = next
}

func outcome(err error) string {
	switch {
	case errors.Is(err, crawler.ErrExtraction):
		return "mismatch"
	case crawler.IsSessionLost(err):
		return "session_lost"
	case errors.Is(err, crawler.ErrAccessDenied), errors.Is(err, crawler.ErrUnauthorized):
		return "denied"
	case crawler.IsRetryable(err), errors.Is(err, crawler.ErrRateLimited):
		return "transient"
	default:
		return "error"
	}
}
