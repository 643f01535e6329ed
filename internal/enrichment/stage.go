// Package enrichment reveals the contact numbers of stored listings through
// the site's lead API, one record at a time, escalating from retries to
// identity rotation to credential refresh when the API pushes back.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/logging"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/metrics"
)

// Rotation reasons reported to metrics.
const (
	rotatePeriodic     = "periodic"
	rotateRateLimited  = "rate_limited"
	rotateUnauthorized = "unauthorized"
)

// errNoListingID marks records whose URL carries no listing id.
var errNoListingID = errors.New("no listing id in url")

// Config controls a Stage.
type Config struct {
	ListingIDPattern *regexp.Regexp
	// RotateEvery rotates the identity after that many processed records.
	RotateEvery  int
	DelayBetween time.Duration
	// MaxRetries bounds both the generic retries and the rate-limit and
	// unauthorized escalations of one record.
	MaxRetries int
	// BaseDelay is the linear backoff step for generic failures.
	BaseDelay        time.Duration
	RateLimitBackoff crawler.Backoff
	// UnauthorizedThreshold halts the stage once exceeded.
	UnauthorizedThreshold int
	BatchSize             int
	NotifyEvery           int
	WhatsApp              bool
}

// LeadRequester performs one lead API call.
type LeadRequester interface {
	RequestLead(ctx context.Context, listingID string, channel Channel, cred crawler.Credential) (LeadResult, error)
}

// ListingQueue supplies listings awaiting enrichment and records outcomes.
type ListingQueue interface {
	PendingEnrichment(ctx context.Context, target crawler.Target, since time.Time, limit int) ([]crawler.ListingRecord, error)
	RecordPhones(ctx context.Context, target crawler.Target, url string, numbers []string, leadID string) error
	RecordPhoneError(ctx context.Context, target crawler.Target, url string, cause error) error
	RecordWhatsapp(ctx context.Context, target crawler.Target, url string, numbers []string, leadID string) error
}

// Deps bundles the collaborators of a Stage.
type Deps struct {
	Leads       LeadRequester
	Listings    ListingQueue
	Credentials crawler.CredentialStore
	Identity    crawler.IdentityRotator
	Notifier    crawler.Notifier
	Pacer       crawler.Pacer
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Result summarizes one stage invocation.
type Result struct {
	Target       string
	Processed    int
	Enriched     int
	Failed       int
	Skipped      int
	Rotations    int
	Refreshes    int
	Unauthorized int
	Halted       bool
}

// Stage runs the sequential enrichment loop.
type Stage struct {
	cfg  Config
	deps Deps
}

// New builds a Stage with defaults for unset options.
func New(cfg Config, deps Deps) *Stage {
	if cfg.ListingIDPattern == nil {
		cfg.ListingIDPattern = regexp.MustCompile(`listing/(\d+)`)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.RateLimitBackoff == nil {
		cfg.RateLimitBackoff = crawler.NewRateLimitBackoff(3*time.Second, 6*time.Second, time.Minute)
	}
	if cfg.UnauthorizedThreshold <= 0 {
		cfg.UnauthorizedThreshold = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
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
	return &Stage{cfg: cfg, deps: deps}
}

// stageRun is the mutable state of one Run call.
type stageRun struct {
	target    crawler.Target
	run       *crawler.Run
	logger    *zap.Logger
	startedAt time.Time
	cred      crawler.Credential
	// sinceRotation counts records processed since the last rotation.
	sinceRotation int
	result        Result
}

// attemptState carries the retry counters of one record.
type attemptState struct {
	generic        int
	escalations    int
	consecutive429 int
	lastErr        error
}

// Run enriches the target's listings that have no phone number yet. Records
// that fail are stamped so they are not retried within the same invocation.
// It returns crawler.ErrCredentialsRevoked when the stage-wide unauthorized
// count exceeds the threshold.
func (s *Stage) Run(ctx context.Context, run *crawler.Run, target crawler.Target) (Result, error) {
	if run == nil {
		run = crawler.NewRun("", s.deps.Clock.Now())
	}
	run.SetPhase(target.Name, "enrichment")
	st := &stageRun{
		target:    target,
		run:       run,
		logger:    logging.ForTarget(s.deps.Logger, "enrichment", run.ID, target.Name),
		startedAt: s.deps.Clock.Now(),
		result:    Result{Target: target.Name},
	}

	if err := s.deps.Identity.EnsureActive(ctx); err != nil {
		st.logger.Warn("identity check failed, continuing", zap.Error(err))
	}
	s.loadCredential(ctx, st)
	s.deps.Notifier.Notify(fmt.Sprintf("enrichment %s: starting", target.Name))

	err := s.loop(ctx, st)
	res := st.result

	elapsed := s.deps.Clock.Now().Sub(st.startedAt)
	st.logger.Info("enrichment finished",
		zap.Int("processed", res.Processed),
		zap.Int("enriched", res.Enriched),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("rotations", res.Rotations),
		zap.Int("refreshes", res.Refreshes),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
	if res.Halted {
		s.deps.Notifier.Notify(fmt.Sprintf("enrichment %s: halted after %d unauthorized responses, credentials need attention",
			target.Name, res.Unauthorized))
	}
	s.deps.Notifier.Notify(fmt.Sprintf("enrichment %s: %d enriched, %d failed (%s), %d rotations, %d refreshes in %s",
		target.Name, res.Enriched, res.Failed,
		crawler.SuccessRate(int64(res.Enriched), int64(res.Failed)),
		res.Rotations, res.Refreshes, elapsed.Round(time.Second)))
	return res, err
}

func (s *Stage) loop(ctx context.Context, st *stageRun) error {
	first := true
	for st.run.KeepRunning() && ctx.Err() == nil {
		batch, err := s.deps.Listings.PendingEnrichment(ctx, st.target, st.startedAt, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, rec := range batch {
			if !st.run.KeepRunning() || ctx.Err() != nil {
				return nil
			}
			if !first {
				if err := s.deps.Pacer.Pause(ctx, s.cfg.DelayBetween); err != nil {
					return nil
				}
			}
			first = false
			if err := s.process(ctx, st, rec); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// process handles one record end to end.
func (s *Stage) process(ctx context.Context, st *stageRun, rec crawler.ListingRecord) error {
	logger := st.logger.With(zap.String("url", rec.URL))
	id := s.listingID(rec.URL)
	if id == "" {
		st.result.Skipped++
		logger.Debug("skipping record without listing id")
		return s.deps.Listings.RecordPhoneError(ctx, st.target, rec.URL, errNoListingID)
	}

	if s.cfg.RotateEvery > 0 && st.sinceRotation >= s.cfg.RotateEvery {
		s.rotate(ctx, st, rotatePeriodic)
		st.sinceRotation = 0
	}

	ok, err := s.requestPhones(ctx, st, rec, id, logger)
	if err != nil {
		return err
	}
	if ok && s.cfg.WhatsApp {
		s.requestWhatsapp(ctx, st, rec, id, logger)
	}

	st.result.Processed++
	st.sinceRotation++
	if s.cfg.NotifyEvery > 0 && st.result.Processed%s.cfg.NotifyEvery == 0 {
		elapsed := s.deps.Clock.Now().Sub(st.startedAt)
		s.deps.Notifier.Notify(fmt.Sprintf("enrichment %s: %d processed, %d enriched, %d failed, %s",
			st.target.Name, st.result.Processed, st.result.Enriched, st.result.Failed,
			crawler.PerMinute(int64(st.result.Processed), elapsed)))
	}
	return nil
}

// requestPhones runs the attempt loop for the primary channel. It returns
// whether the numbers were stored, and an error only when the stage must stop.
func (s *Stage) requestPhones(
	ctx context.Context,
	st *stageRun,
	rec crawler.ListingRecord,
	id string,
	logger *zap.Logger,
) (bool, error) {
	var state attemptState
	for {
		lead, err := s.deps.Leads.RequestLead(ctx, id, ChannelPhone, st.cred)
		if err == nil {
			if err := s.deps.Listings.RecordPhones(ctx, st.target, rec.URL, lead.Numbers, lead.LeadID); err != nil {
				return false, err
			}
			st.result.Enriched++
			st.run.Stats.Enriched.Add(1)
			metrics.ObserveEnrichment(string(ChannelPhone), "ok")
			logger.Info("phone numbers fetched", zap.Strings("numbers", lead.Numbers), zap.String("lead_id", lead.LeadID))
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		state.lastErr = err
		logger.Warn("lead request failed",
			zap.Int("generic", state.generic),
			zap.Int("escalations", state.escalations),
			zap.Error(err),
		)

		var retry bool
		switch {
		case errors.Is(err, crawler.ErrRateLimited):
			metrics.ObserveEnrichment(string(ChannelPhone), "rate_limited")
			retry, err = s.onRateLimited(ctx, st, &state)
		case errors.Is(err, crawler.ErrUnauthorized):
			metrics.ObserveEnrichment(string(ChannelPhone), "unauthorized")
			retry, err = s.onUnauthorized(ctx, st, &state)
		default:
			metrics.ObserveEnrichment(string(ChannelPhone), "error")
			retry, err = s.onGenericError(ctx, &state)
		}
		if err != nil {
			return false, err
		}
		if !retry {
			return false, s.fail(ctx, st, rec, state.lastErr, logger)
		}
	}
}

// onRateLimited rotates, backs off, and from the second consecutive 429 also
// refreshes the credential. The periodic rotation counter starts over only
// when a rotation actually happens.
func (s *Stage) onRateLimited(ctx context.Context, st *stageRun, state *attemptState) (bool, error) {
	state.escalations++
	state.consecutive429++
	if state.escalations >= s.cfg.MaxRetries {
		return false, nil
	}
	s.rotate(ctx, st, rotateRateLimited)
	st.sinceRotation = 0
	if err := s.deps.Pacer.Pause(ctx, s.cfg.RateLimitBackoff.Delay(state.consecutive429)); err != nil {
		return false, err
	}
	if state.consecutive429 >= 2 {
		s.refresh(ctx, st)
	}
	return true, nil
}

// onUnauthorized counts toward the stage-wide threshold, then rotates and
// refreshes before the next attempt.
func (s *Stage) onUnauthorized(ctx context.Context, st *stageRun, state *attemptState) (bool, error) {
	state.consecutive429 = 0
	st.result.Unauthorized++
	if st.result.Unauthorized > s.cfg.UnauthorizedThreshold {
		st.result.Halted = true
		return false, fmt.Errorf("%w: %d unauthorized responses", crawler.ErrCredentialsRevoked, st.result.Unauthorized)
	}
	state.escalations++
	if state.escalations >= s.cfg.MaxRetries {
		return false, nil
	}
	s.rotate(ctx, st, rotateUnauthorized)
	s.refresh(ctx, st)
	return true, nil
}

func (s *Stage) onGenericError(ctx context.Context, state *attemptState) (bool, error) {
	state.consecutive429 = 0
	state.generic++
	if state.generic >= s.cfg.MaxRetries {
		return false, nil
	}
	delay := crawler.LinearBackoff{Step: s.cfg.BaseDelay}.Delay(state.generic)
	if err := s.deps.Pacer.Pause(ctx, delay); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Stage) fail(ctx context.Context, st *stageRun, rec crawler.ListingRecord, cause error, logger *zap.Logger) error {
	st.result.Failed++
	st.run.Stats.EnrichFailed.Add(1)
	logger.Warn("giving up on record", zap.Error(cause))
	return s.deps.Listings.RecordPhoneError(ctx, st.target, rec.URL, cause)
}

// requestWhatsapp makes one best-effort request on the secondary channel.
func (s *Stage) requestWhatsapp(ctx context.Context, st *stageRun, rec crawler.ListingRecord, id string, logger *zap.Logger) {
	lead, err := s.deps.Leads.RequestLead(ctx, id, ChannelWhatsapp, st.cred)
	if err != nil {
		metrics.ObserveEnrichment(string(ChannelWhatsapp), "error")
		logger.Debug("whatsapp request failed, ignored", zap.Error(err))
		return
	}
	if err := s.deps.Listings.RecordWhatsapp(ctx, st.target, rec.URL, lead.Numbers, lead.LeadID); err != nil {
		logger.Warn("store whatsapp numbers", zap.Error(err))
		return
	}
	metrics.ObserveEnrichment(string(ChannelWhatsapp), "ok")
}

func (s *Stage) rotate(ctx context.Context, st *stageRun, reason string) {
	st.result.Rotations++
	st.run.Stats.Rotations.Add(1)
	metrics.ObserveRotation(reason)
	before, _ := s.deps.Identity.CurrentIdentity(ctx)
	if err := s.deps.Identity.Rotate(ctx); err != nil {
		st.logger.Warn("identity rotation failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	after, _ := s.deps.Identity.CurrentIdentity(ctx)
	st.logger.Info("identity rotated", zap.String("reason", reason), zap.String("before", before), zap.String("after", after))
}

func (s *Stage) refresh(ctx context.Context, st *stageRun) {
	st.result.Refreshes++
	st.run.Stats.Refreshes.Add(1)
	cred, err := s.deps.Credentials.Refresh(ctx)
	if err != nil {
		st.logger.Warn("credential refresh failed, keeping current credential", zap.Error(err))
		return
	}
	st.cred = cred
	st.logger.Info("credential refreshed")
}

// loadCredential reads the stored credential and refreshes it once up front
// when the cookie or token is missing.
func (s *Stage) loadCredential(ctx context.Context, st *stageRun) {
	cred, err := s.deps.Credentials.Load(ctx)
	if err != nil {
		st.logger.Warn("load credential", zap.Error(err))
	}
	st.cred = cred
	if cred.Complete() {
		return
	}
	st.logger.Info("credential incomplete, refreshing before the first request")
	s.refresh(ctx, st)
}

func (s *Stage) listingID(url string) string {
	m := s.cfg.ListingIDPattern.FindStringSubmatch(url)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
