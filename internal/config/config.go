// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Targets     []crawler.Target  `mapstructure:"targets"`
	Site        SiteConfig        `mapstructure:"site"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Extraction  ExtractionConfig  `mapstructure:"extraction"`
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
}

// SiteConfig describes the listings site layout.
type SiteConfig struct {
	BaseURL            string                  `mapstructure:"base_url"`
	ListSelector       string                  `mapstructure:"list_selector"`
	PaginationSelector string                  `mapstructure:"pagination_selector"`
	Fields             []crawler.FieldSelector `mapstructure:"fields"`
	RequiredFields     []string                `mapstructure:"required_fields"`
	ListingIDPattern   string                  `mapstructure:"listing_id_pattern"`
}

// DiscoveryConfig governs the seed walker.
type DiscoveryConfig struct {
	// ResumePolicy is "config" (start at target.start_page) or "resume"
	// (continue after the checkpoint).
	ResumePolicy          string        `mapstructure:"resume_policy"`
	PageTimeout           time.Duration `mapstructure:"page_timeout"`
	PageDelayMin          time.Duration `mapstructure:"page_delay_min"`
	PageDelayMax          time.Duration `mapstructure:"page_delay_max"`
	RetryBackoff          time.Duration `mapstructure:"retry_backoff"`
	MaxConsecutiveBlocked int           `mapstructure:"max_consecutive_blocked"`
}

// ExtractionConfig governs the worker pool.
type ExtractionConfig struct {
	MaxConcurrency          int           `mapstructure:"max_concurrency"`
	BatchSize               int           `mapstructure:"batch_size"`
	PerSessionMemoryMB      int           `mapstructure:"per_session_memory_mb"`
	CPUFactor               int           `mapstructure:"cpu_factor"`
	ItemDelay               time.Duration `mapstructure:"item_delay"`
	PageTimeout             time.Duration `mapstructure:"page_timeout"`
	NotifyEvery             int           `mapstructure:"notify_every"`
	ScreenshotEveryFailures int           `mapstructure:"screenshot_every_failures"`
}

// EnrichmentConfig governs the phone lookup stage.
type EnrichmentConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	APIBase                 string        `mapstructure:"api_base"`
	LeadEndpoint            string        `mapstructure:"lead_endpoint"`
	RotateEvery             int           `mapstructure:"rotate_every"`
	DelayBetween            time.Duration `mapstructure:"delay_between"`
	MaxRetries              int           `mapstructure:"max_retries"`
	NotifyEvery             int           `mapstructure:"notify_every"`
	BaseDelay               time.Duration `mapstructure:"base_delay"`
	RateLimitBackoffMin     time.Duration `mapstructure:"rate_limit_backoff_min"`
	RateLimitBackoffMax     time.Duration `mapstructure:"rate_limit_backoff_max"`
	// RateLimitBackoffCeiling caps the doubling window on consecutive 429s.
	RateLimitBackoffCeiling time.Duration `mapstructure:"rate_limit_backoff_ceiling"`
	UnauthorizedThreshold   int           `mapstructure:"unauthorized_threshold"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond       float64       `mapstructure:"requests_per_second"`
	BatchSize               int           `mapstructure:"batch_size"`
	WhatsApp                bool          `mapstructure:"whatsapp"`
	Lead                    LeadConfig    `mapstructure:"lead"`
}

// LeadConfig is the contact identity submitted with lead requests.
type LeadConfig struct {
	FullName    string `mapstructure:"full_name"`
	Email       string `mapstructure:"email"`
	Phone       string `mapstructure:"phone"`
	CountryCode string `mapstructure:"country_code"`
	Source      string `mapstructure:"source"`
}

// BrowserConfig configures page sessions.
type BrowserConfig struct {
	// Backend is "headless" (chromedp) or "static" (colly).
	Backend    string   `mapstructure:"backend"`
	Headless   bool     `mapstructure:"headless"`
	UserAgents []string `mapstructure:"user_agents"`
	ProfileDir string   `mapstructure:"profile_dir"`
	// UseCredentialCookies seeds sessions with the stored credential cookie.
	UseCredentialCookies bool `mapstructure:"use_credential_cookies"`
}

// StorageConfig selects the document store.
type StorageConfig struct {
	// Backend is "postgres" or "memory".
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	// Backend is "postgres", "redis" or "memory".
	Backend     string `mapstructure:"backend"`
	Table       string `mapstructure:"table"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// CredentialsConfig locates and refreshes authentication material.
type CredentialsConfig struct {
	File        string        `mapstructure:"file"`
	RefreshURL  string        `mapstructure:"refresh_url"`
	RefreshWait time.Duration `mapstructure:"refresh_wait"`
	APIPattern  string        `mapstructure:"api_pattern"`
}

// IdentityConfig configures egress identity rotation.
type IdentityConfig struct {
	// Backend is "wireguard" or "noop".
	Backend   string `mapstructure:"backend"`
	Interface string `mapstructure:"interface"`
	// Commands may reference the interface as {interface}.
	UpCommand     string        `mapstructure:"up_command"`
	DownCommand   string        `mapstructure:"down_command"`
	CheckCommand  string        `mapstructure:"check_command"`
	IPEchoURL     string        `mapstructure:"ip_echo_url"`
	WaitForChange bool          `mapstructure:"wait_for_change"`
	ChangeTimeout time.Duration `mapstructure:"change_timeout"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
}

// NotifyConfig configures the notification sinks.
type NotifyConfig struct {
	BufferSize int            `mapstructure:"buffer_size"`
	Telegram   TelegramConfig `mapstructure:"telegram"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
	PubSub     PubSubConfig   `mapstructure:"pubsub"`
}

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	ChatID  string `mapstructure:"chat_id"`
	APIBase string `mapstructure:"api_base"`
}

// KafkaConfig enables the Kafka status sink when Brokers is set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PubSubConfig enables the Pub/Sub status sink when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// Resume policies accepted by discovery.resume_policy.
const (
	ResumeFromConfig     = "config"
	ResumeFromCheckpoint = "resume"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for i := range cfg.Targets {
		if cfg.Targets[i].StartPage == 0 {
			cfg.Targets[i].StartPage = 1
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://aqarmap.com.eg")
	v.SetDefault("site.list_selector", "a.p-2x.flex.flex-col.gap-y-2x")
	v.SetDefault("site.pagination_selector", "ul.pagination li a")
	v.SetDefault("site.required_fields", []string{"title"})
	v.SetDefault("site.listing_id_pattern", `listing/(\d+)`)
	v.SetDefault("site.fields", defaultFields())

	v.SetDefault("discovery.resume_policy", ResumeFromConfig)
	v.SetDefault("discovery.page_timeout", 60*time.Second)
	v.SetDefault("discovery.page_delay_min", time.Second)
	v.SetDefault("discovery.page_delay_max", 3500*time.Millisecond)
	v.SetDefault("discovery.retry_backoff", 1200*time.Millisecond)
	v.SetDefault("discovery.max_consecutive_blocked", 3)

	v.SetDefault("extraction.max_concurrency", 999)
	v.SetDefault("extraction.batch_size", 50)
	v.SetDefault("extraction.per_session_memory_mb", 200)
	v.SetDefault("extraction.cpu_factor", 2)
	v.SetDefault("extraction.item_delay", 500*time.Millisecond)
	v.SetDefault("extraction.page_timeout", 60*time.Second)
	v.SetDefault("extraction.notify_every", 10)
	v.SetDefault("extraction.screenshot_every_failures", 5)

	v.SetDefault("enrichment.enabled", true)
	v.SetDefault("enrichment.api_base", "https://aqarmap.com.eg/api/v4/listing")
	v.SetDefault("enrichment.lead_endpoint", "/lead")
	v.SetDefault("enrichment.rotate_every", 8)
	v.SetDefault("enrichment.delay_between", time.Second)
	v.SetDefault("enrichment.max_retries", 3)
	v.SetDefault("enrichment.base_delay", time.Second)
	v.SetDefault("enrichment.rate_limit_backoff_min", 3*time.Second)
	v.SetDefault("enrichment.rate_limit_backoff_max", 6*time.Second)
	v.SetDefault("enrichment.rate_limit_backoff_ceiling", time.Minute)
	v.SetDefault("enrichment.unauthorized_threshold", 5)
	v.SetDefault("enrichment.request_timeout", 30*time.Second)
	v.SetDefault("enrichment.requests_per_second", 2.0)
	v.SetDefault("enrichment.batch_size", 100)
	v.SetDefault("enrichment.whatsapp", true)
	v.SetDefault("enrichment.notify_every", 10)
	v.SetDefault("enrichment.lead.source", "ws-listing_details_fixed_buttons")

	v.SetDefault("browser.backend", "headless")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	})
	v.SetDefault("browser.use_credential_cookies", true)

	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.table", "documents")
	v.SetDefault("storage.max_conns", 16)

	v.SetDefault("checkpoint.backend", "postgres")
	v.SetDefault("checkpoint.table", "checkpoints")
	v.SetDefault("checkpoint.redis_addr", "localhost:6379")
	v.SetDefault("checkpoint.redis_prefix", "listings:checkpoint:")

	v.SetDefault("credentials.file", "auth.json")
	v.SetDefault("credentials.refresh_url", "https://aqarmap.com.eg/ar/")
	v.SetDefault("credentials.refresh_wait", 15*time.Second)
	v.SetDefault("credentials.api_pattern", "/api/")

	v.SetDefault("identity.backend", "noop")
	v.SetDefault("identity.interface", "wgcf")
	v.SetDefault("identity.up_command", "wg-quick up {interface}")
	v.SetDefault("identity.down_command", "wg-quick down {interface}")
	v.SetDefault("identity.check_command", "wg show {interface}")
	v.SetDefault("identity.ip_echo_url", "https://api.ipify.org")
	v.SetDefault("identity.wait_for_change", false)
	v.SetDefault("identity.change_timeout", 30*time.Second)
	v.SetDefault("identity.settle_delay", 2*time.Second)

	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.kafka.topic", "listings-status")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("shutdown.grace_period", 30*time.Second)
}

func defaultFields() []map[string]any {
	return []map[string]any{
		{"name": "title", "selector": "h1"},
		{"name": "area", "selector": "[data-test='area'], .area"},
		{"name": "price", "selector": "[data-test='price'], .price"},
		{"name": "advertiserName", "selector": ".advertiser-name"},
		{"name": "advertiserLink", "selector": ".advertiser-name a", "attribute": "href"},
		{"name": "advertiserAdsCount", "selector": ".advertiser-ads-count"},
		{"name": "location", "selector": ".location"},
		{"name": "buildingInfo", "selector": ".building-info", "split_on": ".", "split_into": []string{"buildingType", "adDate"}},
		{"name": "description", "selector": ".description span:not(.text-link)", "all": true, "join": "\n"},
		{"name": "adData", "selector": ".ad-data li", "all": true},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets must not be empty")
	}
	names := make(map[string]struct{}, len(c.Targets))
	for i, target := range c.Targets {
		if target.Name == "" || target.SeedURL == "" {
			return fmt.Errorf("targets[%d] requires name and url", i)
		}
		if _, dup := names[target.Name]; dup {
			return fmt.Errorf("targets[%d] duplicates name %q", i, target.Name)
		}
		names[target.Name] = struct{}{}
		if target.StartPage < 1 {
			return fmt.Errorf("targets[%d].start_page must be >= 1", i)
		}
		if target.PageLimit < 0 {
			return fmt.Errorf("targets[%d].page_limit must be >= 0", i)
		}
	}
	if c.Site.ListSelector == "" {
		return fmt.Errorf("site.list_selector must be set")
	}
	if _, err := regexp.Compile(c.Site.ListingIDPattern); err != nil {
		return fmt.Errorf("site.listing_id_pattern: %w", err)
	}
	switch c.Discovery.ResumePolicy {
	case ResumeFromConfig, ResumeFromCheckpoint:
	default:
		return fmt.Errorf("discovery.resume_policy must be %q or %q", ResumeFromConfig, ResumeFromCheckpoint)
	}
	if c.Discovery.PageDelayMax < c.Discovery.PageDelayMin {
		return fmt.Errorf("discovery.page_delay_max must be >= page_delay_min")
	}
	if c.Extraction.MaxConcurrency <= 0 {
		return fmt.Errorf("extraction.max_concurrency must be > 0")
	}
	if c.Extraction.BatchSize <= 0 {
		return fmt.Errorf("extraction.batch_size must be > 0")
	}
	if c.Enrichment.Enabled {
		if c.Enrichment.APIBase == "" {
			return fmt.Errorf("enrichment.api_base must be set when enrichment is enabled")
		}
		if c.Enrichment.MaxRetries <= 0 {
			return fmt.Errorf("enrichment.max_retries must be > 0")
		}
	}
	switch c.Browser.Backend {
	case "headless", "static":
	default:
		return fmt.Errorf("browser.backend must be headless or static")
	}
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be postgres or memory")
	}
	switch c.Checkpoint.Backend {
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres checkpoint backend")
		}
	case "redis":
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("checkpoint.redis_addr must be set for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("checkpoint.backend must be postgres, redis or memory")
	}
	switch c.Identity.Backend {
	case "wireguard", "noop":
	default:
		return fmt.Errorf("identity.backend must be wireguard or noop")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// Target returns the configured target with the given name.
func (c Config) Target(name string) (crawler.Target, bool) {
	for _, target := range c.Targets {
		if target.Name == name {
			return target, true
		}
	}
	return crawler.Target{}, false
}
