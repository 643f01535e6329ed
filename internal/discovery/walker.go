// Package discovery walks a target's paginated search results and records
// every listing link it finds as a candidate URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/logging"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/metrics"
)

// Resume policies.
const (
	ResumeFromConfig     = "config"
	ResumeFromCheckpoint = "resume"
)

// StopReason says why a walk ended.
type StopReason string

// Stop reasons reported in Result.
const (
	StopEmptyPage    StopReason = "empty_page"
	StopReachedLimit StopReason = "reached_limit"
	StopBlocked      StopReason = "blocked"
	StopCanceled     StopReason = "canceled"
)

// Page outcomes reported to metrics.
const (
	outcomeOK      = "ok"
	outcomeDenied  = "denied"
	outcomeFailed  = "failed"
	outcomeEmpty   = "empty"
	paginationName = "pages"
)

// Config controls a Walker.
type Config struct {
	ListSelector       string
	PaginationSelector string
	ResumePolicy       string
	PageTimeout        time.Duration
	// PageDelay spaces consecutive pages.
	PageDelay    crawler.Backoff
	RetryBackoff time.Duration
	// MaxConsecutiveBlocked stops the walk after that many denied pages in a row.
	MaxConsecutiveBlocked int
}

// CandidateSink stores discovered URLs and reports how many were new.
type CandidateSink interface {
	Add(ctx context.Context, target crawler.Target, urls []string) (int, error)
}

// Deps bundles the collaborators of a Walker.
type Deps struct {
	Sessions    crawler.SessionFactory
	Candidates  CandidateSink
	Checkpoints crawler.CheckpointStore
	Notifier    crawler.Notifier
	Pacer       crawler.Pacer
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Result summarizes one walk.
type Result struct {
	Target       string
	StartPage    int
	EndPage      int
	LastPage     int
	PagesFetched int
	PagesSkipped int
	NewLinks     int
	Reason       StopReason
}

// Walker discovers candidate URLs page by page with one session per target.
type Walker struct {
	cfg  Config
	deps Deps
}

// New builds a Walker, filling optional dependencies with no-op defaults.
func New(cfg Config, deps Deps) *Walker {
	if cfg.ResumePolicy == "" {
		cfg.ResumePolicy = ResumeFromConfig
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.PageDelay == nil {
		cfg.PageDelay = crawler.JitterRange{Min: time.Second, Max: 3500 * time.Millisecond}
	}
	if cfg.MaxConsecutiveBlocked <= 0 {
		cfg.MaxConsecutiveBlocked = 3
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
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Walker{cfg: cfg, deps: deps}
}

// walk is the mutable state of one Walk call.
type walk struct {
	target  crawler.Target
	run     *crawler.Run
	logger  *zap.Logger
	session crawler.Session
	seen    *crawler.SeenSet
	result  Result
	blocked int
	// probed is set once the pagination indicator has been read.
	probed bool
}

// Walk discovers the target's pages until an empty page, the end page, too
// many blocked pages, or a stop request. Only infrastructure failures are
// returned as errors; page-level failures are recorded and skipped.
func (w *Walker) Walk(ctx context.Context, run *crawler.Run, target crawler.Target) (Result, error) {
	if run == nil {
		run = crawler.NewRun("", w.deps.Clock.Now())
	}
	run.SetPhase(target.Name, "discovery")
	st := &walk{
		target: target,
		run:    run,
		logger: logging.ForTarget(w.deps.Logger, "walker", run.ID, target.Name),
		seen:   crawler.NewSeenSet(),
		result: Result{Target: target.Name, EndPage: target.PageLimit},
	}

	start, err := w.startPage(ctx, target)
	if err != nil {
		return st.result, err
	}
	st.result.StartPage = start
	if target.PageLimit > 0 && start > target.PageLimit {
		st.logger.Info("checkpoint already past page limit", zap.Int("start_page", start))
		st.result.Reason = StopReachedLimit
		return st.result, nil
	}

	st.session, err = w.deps.Sessions.NewSession(ctx)
	if err != nil {
		return st.result, fmt.Errorf("%w: open discovery session: %w", crawler.ErrInfrastructure, err)
	}
	defer func() {
		if st.session != nil {
			_ = st.session.Close()
		}
	}()

	st.logger.Info("discovery started", zap.Int("start_page", start), zap.Int("page_limit", target.PageLimit))
	w.deps.Notifier.Notify(fmt.Sprintf("discovery %s: starting at page %d", target.Name, start))

	reason, err := w.loop(ctx, st, start)
	st.result.Reason = reason
	if err != nil {
		return st.result, err
	}

	st.logger.Info("discovery finished",
		zap.String("reason", string(reason)),
		zap.Int("last_page", st.result.LastPage),
		zap.Int("new_links", st.result.NewLinks),
		zap.Int("pages_skipped", st.result.PagesSkipped),
	)
	w.deps.Notifier.Notify(fmt.Sprintf("discovery %s: %s after page %d, %d new links, %d pages skipped",
		target.Name, reason, st.result.LastPage, st.result.NewLinks, st.result.PagesSkipped))
	return st.result, nil
}

func (w *Walker) loop(ctx context.Context, st *walk, start int) (StopReason, error) {
	for page := start; ; page++ {
		if st.result.EndPage > 0 && page > st.result.EndPage {
			return StopReachedLimit, nil
		}
		if !st.run.KeepRunning() || ctx.Err() != nil {
			return StopCanceled, nil
		}
		if page > start {
			if err := w.deps.Pacer.Pause(ctx, w.cfg.PageDelay.Delay(page-start)); err != nil {
				return StopCanceled, nil
			}
		}

		stop, err := w.visit(ctx, st, page)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return StopCanceled, nil
			}
			return "", err
		}
		if stop != "" {
			return stop, nil
		}
	}
}

// visit processes one page. A non-empty StopReason ends the walk.
func (w *Walker) visit(ctx context.Context, st *walk, page int) (StopReason, error) {
	pageURL := crawler.PageURL(st.target.SeedURL, page)
	logger := st.logger.With(zap.Int("page", page))

	if err := w.fetch(ctx, st, pageURL); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return w.skip(ctx, st, page, err)
	}

	// The indicator is read once, on the first page that loads. An explicit
	// page limit wins over it.
	if !st.probed {
		st.probed = true
		if st.result.EndPage == 0 {
			if last := w.probeEndPage(ctx, st.session); last > 0 {
				st.result.EndPage = last
				logger.Info("probed end page", zap.Int("end_page", last))
			}
		}
	}

	links, err := st.session.ListLinks(ctx, w.cfg.ListSelector)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return w.skip(ctx, st, page, fmt.Errorf("list links: %w", err))
	}
	st.blocked = 0
	st.result.PagesFetched++
	st.run.Stats.PagesFetched.Add(1)

	fresh := make([]string, 0, len(links))
	for _, link := range links {
		if st.seen.MarkIfNew(link) {
			fresh = append(fresh, link)
		}
	}
	if len(fresh) == 0 {
		metrics.ObserveDiscoveryPage(st.target.Name, outcomeEmpty)
		logger.Info("no unseen links, stopping", zap.Int("links", len(links)))
		return StopEmptyPage, nil
	}

	inserted, err := w.deps.Candidates.Add(ctx, st.target, fresh)
	if err != nil {
		return "", err
	}
	if err := w.deps.Checkpoints.Save(ctx, crawler.Checkpoint{
		Key:           st.target.CheckpointKey(),
		LastPageTried: page,
		LastPage:      page,
		UpdatedAt:     w.deps.Clock.Now(),
	}); err != nil {
		return "", fmt.Errorf("%w: save checkpoint: %w", crawler.ErrInfrastructure, err)
	}

	st.result.LastPage = page
	st.result.NewLinks += inserted
	st.run.Stats.LinksDiscovered.Add(int64(inserted))
	metrics.ObserveDiscoveryPage(st.target.Name, outcomeOK)
	metrics.ObserveCandidates(st.target.Name, inserted)
	logger.Debug("page persisted", zap.Int("links", len(fresh)), zap.Int("new", inserted))
	return "", nil
}

// fetch navigates to pageURL, retrying once after RetryBackoff when the
// failure is transient or the session died.
func (w *Walker) fetch(ctx context.Context, st *walk, pageURL string) error {
	err := w.navigate(ctx, st.session, pageURL)
	if err == nil || !retryable(err) {
		return err
	}
	st.logger.Warn("page fetch failed, retrying", zap.String("url", pageURL), zap.Error(err))
	if err := w.deps.Pacer.Pause(ctx, w.cfg.RetryBackoff); err != nil {
		return err
	}
	if crawler.IsSessionLost(err) {
		if err := w.replaceSession(ctx, st); err != nil {
			return err
		}
	}
	return w.navigate(ctx, st.session, pageURL)
}

func (w *Walker) navigate(ctx context.Context, session crawler.Session, pageURL string) error {
	status, err := session.Navigate(ctx, pageURL, w.cfg.PageTimeout)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	return crawler.CheckStatus(status, pageURL)
}

func (w *Walker) replaceSession(ctx context.Context, st *walk) error {
	_ = st.session.Close()
	st.session = nil
	session, err := w.deps.Sessions.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: reopen discovery session: %w", crawler.ErrInfrastructure, err)
	}
	st.session = session
	return nil
}

// skip records a page that could not be read. Only lastPageTried moves.
func (w *Walker) skip(ctx context.Context, st *walk, page int, cause error) (StopReason, error) {
	if errors.Is(cause, crawler.ErrInfrastructure) {
		return "", cause
	}
	denied := errors.Is(cause, crawler.ErrAccessDenied) || errors.Is(cause, crawler.ErrUnauthorized)
	outcome := outcomeFailed
	if denied {
		outcome = outcomeDenied
		st.blocked++
	}
	st.result.PagesSkipped++
	st.run.Stats.PagesSkipped.Add(1)
	metrics.ObserveDiscoveryPage(st.target.Name, outcome)
	st.logger.Warn("page skipped", zap.Int("page", page), zap.Bool("denied", denied), zap.Error(cause))

	if err := w.deps.Checkpoints.Save(ctx, crawler.Checkpoint{
		Key:           st.target.CheckpointKey(),
		LastPageTried: page,
		UpdatedAt:     w.deps.Clock.Now(),
	}); err != nil {
		return "", fmt.Errorf("%w: save checkpoint: %w", crawler.ErrInfrastructure, err)
	}

	caption := fmt.Sprintf("discovery %s: page %d skipped: %v", st.target.Name, page, cause)
	if shot, err := st.session.Screenshot(ctx); err == nil && len(shot) > 0 {
		w.deps.Notifier.NotifyWithImage(shot, caption)
	} else {
		w.deps.Notifier.Notify(caption)
	}

	if st.blocked >= w.cfg.MaxConsecutiveBlocked {
		st.logger.Warn("too many blocked pages in a row", zap.Int("blocked", st.blocked))
		return StopBlocked, nil
	}
	return "", nil
}

// probeEndPage reads the pagination labels of the current page and returns
// the largest page number, or 0 when none is found.
func (w *Walker) probeEndPage(ctx context.Context, session crawler.Session) int {
	if w.cfg.PaginationSelector == "" {
		return 0
	}
	values, err := session.Extract(ctx, []crawler.FieldSelector{{
		Name:     paginationName,
		Selector: w.cfg.PaginationSelector,
		All:      true,
	}})
	if err != nil {
		return 0
	}
	switch labels := values[paginationName].(type) {
	case []string:
		return crawler.MaxPageNumber(labels)
	case string:
		return crawler.MaxPageNumber([]string{labels})
	default:
		return 0
	}
}

func (w *Walker) startPage(ctx context.Context, target crawler.Target) (int, error) {
	start := max(target.StartPage, 1)
	if w.cfg.ResumePolicy != ResumeFromCheckpoint {
		return start, nil
	}
	cp, ok, err := w.deps.Checkpoints.Load(ctx, target.CheckpointKey())
	if err != nil {
		return 0, fmt.Errorf("%w: load checkpoint: %w", crawler.ErrInfrastructure, err)
	}
	if !ok || cp.LastPage <= 0 {
		return start, nil
	}
	return cp.LastPage + 1, nil
}

func retryable(err error) bool {
	if errors.Is(err, crawler.ErrAccessDenied) || errors.Is(err, crawler.ErrUnauthorized) {
		return false
	}
	return crawler.IsRetryable(err) || crawler.IsSessionLost(err)
}
