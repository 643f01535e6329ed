// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the scraper commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/api"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/config"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/credentials"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/discovery"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/enrichment"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/extraction"
	collyfetcher "github.com/Abdodiab2005/aqarmap-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/Abdodiab2005/aqarmap-scraper/internal/fetcher/headless"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/identity"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/metrics"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/notify"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/pipeline"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/policy/ratelimit"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/storage/memory"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/storage/postgres"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/storage/redis"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/store"
)

// App holds the shared, long-lived services. It is built once per command
// and closed when the command returns.
type App struct {
	Config      config.Config
	Logger      *zap.Logger
	Documents   crawler.DocumentStore
	Checkpoints crawler.CheckpointStore
	Candidates  *store.Candidates
	Listings    *store.Listings
	Credentials *credentials.Store
	Identity    crawler.IdentityRotator
	Notifier    *notify.Hub

	// newSessions builds the page session factory on first use so commands
	// that never fetch pages do not launch a browser.
	newSessions  func() (crawler.SessionFactory, error)
	sessionsOnce sync.Once
	sessions     crawler.SessionFactory
	sessionsErr  error

	closers []func(context.Context) error
}

// New creates and initializes the App from cfg. It fails fast if a store
// cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{Config: cfg, Logger: logger}
	logger.Info("initializing application services",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("checkpoint", cfg.Checkpoint.Backend),
		zap.String("browser", cfg.Browser.Backend),
		zap.String("identity", cfg.Identity.Backend),
	)

	if err := a.initStores(ctx); err != nil {
		a.closeQuietly()
		return nil, err
	}
	a.Candidates = store.NewCandidates(a.Documents, nil)
	a.Listings = store.NewListings(a.Documents, nil)

	a.Credentials = credentials.NewStore(
		credentials.NewFileStore(cfg.Credentials.File),
		credentials.NewBrowserRefresher(credentials.BrowserConfig{
			ProfileDir: cfg.Browser.ProfileDir,
			Headless:   cfg.Browser.Headless,
			RefreshURL: cfg.Credentials.RefreshURL,
			Wait:       cfg.Credentials.RefreshWait,
			APIPattern: cfg.Credentials.APIPattern,
			UserAgent:  firstOrEmpty(cfg.Browser.UserAgents),
		}, logger.Named("credentials")),
		logger.Named("credentials"),
	)

	id, err := newIdentity(cfg.Identity, logger)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}
	a.Identity = id

	hub, err := newNotifier(ctx, cfg.Notify, logger)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}
	a.Notifier = hub
	a.closers = append(a.closers, hub.Close)

	a.newSessions = func() (crawler.SessionFactory, error) {
		return a.buildSessions()
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	cfg := a.Config
	var pgDocs *postgres.DocumentStore

	if cfg.Storage.Backend == "postgres" || cfg.Checkpoint.Backend == "postgres" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.Storage.DSN,
			MaxConns:        cfg.Storage.MaxConns,
			MinConns:        cfg.Storage.MinConns,
			MaxConnLifetime: cfg.Storage.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", crawler.ErrInfrastructure, err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})

		if cfg.Storage.Backend == "postgres" {
			docs, err := postgres.NewDocumentStore(pool, cfg.Storage.Table)
			if err != nil {
				return fmt.Errorf("init document store: %w", err)
			}
			if err := docs.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("%w: %w", crawler.ErrInfrastructure, err)
			}
			pgDocs = docs
		}
		if cfg.Checkpoint.Backend == "postgres" {
			cps, err := postgres.NewCheckpointStore(pool, cfg.Checkpoint.Table)
			if err != nil {
				return fmt.Errorf("init checkpoint store: %w", err)
			}
			if err := cps.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("%w: %w", crawler.ErrInfrastructure, err)
			}
			a.Checkpoints = cps
		}
	}

	switch cfg.Storage.Backend {
	case "postgres":
		a.Documents = pgDocs
	case "memory":
		a.Logger.Warn("using in-memory document store, results are discarded on exit")
		a.Documents = memory.NewDocumentStore()
	default:
		return fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}

	switch cfg.Checkpoint.Backend {
	case "postgres":
	case "redis":
		cps := redis.NewCheckpointStore(cfg.Checkpoint.RedisAddr, cfg.Checkpoint.RedisPrefix)
		a.Checkpoints = cps
		a.closers = append(a.closers, func(context.Context) error { return cps.Close() })
	case "memory":
		a.Checkpoints = memory.NewCheckpointStore()
	default:
		return fmt.Errorf("unknown checkpoint backend: %s", cfg.Checkpoint.Backend)
	}
	return nil
}

func newIdentity(cfg config.IdentityConfig, logger *zap.Logger) (crawler.IdentityRotator, error) {
	switch cfg.Backend {
	case "wireguard":
		return identity.NewWireGuard(identity.Config{
			Interface:     cfg.Interface,
			UpCommand:     cfg.UpCommand,
			DownCommand:   cfg.DownCommand,
			CheckCommand:  cfg.CheckCommand,
			IPEchoURL:     cfg.IPEchoURL,
			WaitForChange: cfg.WaitForChange,
			ChangeTimeout: cfg.ChangeTimeout,
			SettleDelay:   cfg.SettleDelay,
		}, nil, nil, logger.Named("identity")), nil
	case "noop", "":
		return identity.Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown identity backend: %s", cfg.Backend)
	}
}

func newNotifier(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (*notify.Hub, error) {
	sinks := []notify.Sink{notify.NewLogSink(logger.Named("notify"))}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		logger.Info("telegram notifications enabled")
		sinks = append(sinks, notify.NewTelegramSink(notify.TelegramConfig{
			Token:   cfg.Telegram.Token,
			ChatID:  cfg.Telegram.ChatID,
			APIBase: cfg.Telegram.APIBase,
		}, nil))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		logger.Info("kafka notifications enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
		sinks = append(sinks, notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		logger.Info("pubsub notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
		sink, err := notify.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return notify.NewHub(notify.Config{BufferSize: cfg.BufferSize, Logger: logger.Named("notify")}, sinks...), nil
}

func (a *App) buildSessions() (crawler.SessionFactory, error) {
	cfg := a.Config
	var creds crawler.CredentialStore
	if cfg.Browser.UseCredentialCookies {
		creds = a.Credentials
	}
	switch cfg.Browser.Backend {
	case "headless":
		factory, err := headlessfetcher.NewFactory(headlessfetcher.Config{
			Headless:          cfg.Browser.Headless,
			UserAgents:        cfg.Browser.UserAgents,
			ProfileDir:        cfg.Browser.ProfileDir,
			NavigationTimeout: cfg.Extraction.PageTimeout,
			Credentials:       creds,
			CookieURL:         cfg.Site.BaseURL,
		}, a.Logger.Named("browser"))
		if err != nil {
			return nil, fmt.Errorf("%w: launch browser: %w", crawler.ErrInfrastructure, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return factory.Close() })
		return factory, nil
	case "static":
		return collyfetcher.New(collyfetcher.Config{
			UserAgents:  cfg.Browser.UserAgents,
			Timeout:     cfg.Extraction.PageTimeout,
			Credentials: creds,
		}), nil
	default:
		return nil, fmt.Errorf("unknown browser backend: %s", cfg.Browser.Backend)
	}
}

// Sessions returns the page session factory, building it on first call.
func (a *App) Sessions() (crawler.SessionFactory, error) {
	a.sessionsOnce.Do(func() {
		a.sessions, a.sessionsErr = a.newSessions()
	})
	return a.sessions, a.sessionsErr
}

// Walker builds the seed walker.
func (a *App) Walker() (*discovery.Walker, error) {
	sessions, err := a.Sessions()
	if err != nil {
		return nil, err
	}
	cfg := a.Config
	return discovery.New(discovery.Config{
		ListSelector:          cfg.Site.ListSelector,
		PaginationSelector:    cfg.Site.PaginationSelector,
		ResumePolicy:          cfg.Discovery.ResumePolicy,
		PageTimeout:           cfg.Discovery.PageTimeout,
		PageDelay:             crawler.JitterRange{Min: cfg.Discovery.PageDelayMin, Max: cfg.Discovery.PageDelayMax},
		RetryBackoff:          cfg.Discovery.RetryBackoff,
		MaxConsecutiveBlocked: cfg.Discovery.MaxConsecutiveBlocked,
	}, discovery.Deps{
		Sessions:    sessions,
		Candidates:  a.Candidates,
		Checkpoints: a.Checkpoints,
		Notifier:    a.Notifier,
		Logger:      a.Logger,
	}), nil
}

// Pool builds the extraction pool.
func (a *App) Pool() (*extraction.Pool, error) {
	sessions, err := a.Sessions()
	if err != nil {
		return nil, err
	}
	cfg := a.Config
	return extraction.New(extraction.Config{
		Fields:                  cfg.Site.Fields,
		RequiredFields:          cfg.Site.RequiredFields,
		MaxConcurrency:          cfg.Extraction.MaxConcurrency,
		BatchSize:               cfg.Extraction.BatchSize,
		PerSessionMemoryMB:      cfg.Extraction.PerSessionMemoryMB,
		CPUFactor:               cfg.Extraction.CPUFactor,
		ItemDelay:               cfg.Extraction.ItemDelay,
		PageTimeout:             cfg.Extraction.PageTimeout,
		NotifyEvery:             cfg.Extraction.NotifyEvery,
		ScreenshotEveryFailures: cfg.Extraction.ScreenshotEveryFailures,
	}, extraction.Deps{
		Sessions:   sessions,
		Candidates: a.Candidates,
		Listings:   a.Listings,
		Notifier:   a.Notifier,
		Resources:  extraction.SystemProbe{},
		Logger:     a.Logger,
	}), nil
}

// Enricher builds the enrichment stage and its lead client.
func (a *App) Enricher() (*enrichment.Stage, error) {
	cfg := a.Config
	pattern, err := regexp.Compile(cfg.Site.ListingIDPattern)
	if err != nil {
		return nil, fmt.Errorf("compile listing id pattern: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Enrichment.RequestsPerSecond, DefaultBurst: 1})
	client := enrichment.NewClient(enrichment.ClientConfig{
		APIBase:      cfg.Enrichment.APIBase,
		LeadEndpoint: cfg.Enrichment.LeadEndpoint,
		SiteBaseURL:  cfg.Site.BaseURL,
		UserAgent:    firstOrEmpty(cfg.Browser.UserAgents),
		Timeout:      cfg.Enrichment.RequestTimeout,
		Contact: enrichment.Contact{
			FullName:    cfg.Enrichment.Lead.FullName,
			Email:       cfg.Enrichment.Lead.Email,
			Phone:       cfg.Enrichment.Lead.Phone,
			CountryCode: cfg.Enrichment.Lead.CountryCode,
			Source:      cfg.Enrichment.Lead.Source,
		},
	}, nil, limiter)

	return enrichment.New(enrichment.Config{
		ListingIDPattern: pattern,
		RotateEvery:      cfg.Enrichment.RotateEvery,
		DelayBetween:     cfg.Enrichment.DelayBetween,
		MaxRetries:       cfg.Enrichment.MaxRetries,
		BaseDelay:        cfg.Enrichment.BaseDelay,
		RateLimitBackoff: crawler.NewRateLimitBackoff(
			cfg.Enrichment.RateLimitBackoffMin,
			cfg.Enrichment.RateLimitBackoffMax,
			cfg.Enrichment.RateLimitBackoffCeiling,
		),
		UnauthorizedThreshold: cfg.Enrichment.UnauthorizedThreshold,
		BatchSize:             cfg.Enrichment.BatchSize,
		NotifyEvery:           cfg.Enrichment.NotifyEvery,
		WhatsApp:              cfg.Enrichment.WhatsApp,
	}, enrichment.Deps{
		Leads:       client,
		Listings:    a.Listings,
		Credentials: a.Credentials,
		Identity:    a.Identity,
		Notifier:    a.Notifier,
		Logger:      a.Logger,
	}), nil
}

// Pipeline builds the per-target orchestrator for the requested stages.
// Enrichment is left out when disabled in config.
func (a *App) Pipeline(stages []pipeline.Stage) (*pipeline.Pipeline, error) {
	if len(stages) == 0 {
		stages = pipeline.AllStages
	}
	deps := pipeline.Deps{Notifier: a.Notifier, Logger: a.Logger}
	for _, stage := range stages {
		switch stage {
		case pipeline.StageDiscover:
			walker, err := a.Walker()
			if err != nil {
				return nil, err
			}
			deps.Walker = walker
		case pipeline.StageExtract:
			pool, err := a.Pool()
			if err != nil {
				return nil, err
			}
			deps.Extractor = pool
		case pipeline.StageEnrich:
			if !a.Config.Enrichment.Enabled {
				a.Logger.Info("enrichment disabled in config")
				continue
			}
			enricher, err := a.Enricher()
			if err != nil {
				return nil, err
			}
			deps.Enricher = enricher
		default:
			return nil, fmt.Errorf("unknown stage %q", stage)
		}
	}
	return pipeline.New(stages, deps), nil
}

// StatusServer returns the status HTTP server for run, or nil when disabled.
func (a *App) StatusServer(run *crawler.Run) *http.Server {
	if !a.Config.Server.Enabled {
		return nil
	}
	progress := api.NewProgressHandler(a.Config.Targets, a.Checkpoints, a.Logger.Named("api"))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           api.NewServer(run, progress, nil, a.Logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Close shuts services down in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	a.Logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) closeQuietly() {
	if err := a.Close(context.Background()); err != nil {
		a.Logger.Warn("cleanup after failed init", zap.Error(err))
	}
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
