// Package metrics exposes Prometheus collectors for the scraper.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	discoveryPagesTotal        *prometheus.CounterVec
	candidatesDiscoveredTotal  *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	enrichmentRequestsTotal    *prometheus.CounterVec
	identityRotationsTotal     *prometheus.CounterVec
	credentialRefreshesTotal   *prometheus.CounterVec
	poolConcurrency            *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	notificationsDroppedTotal  prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		discoveryPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_discovery_pages_total",
				Help: "Listing pages visited by the seed walker, labeled by target and outcome.",
			},
			[]string{"target", "outcome"},
		)

		candidatesDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_candidates_discovered_total",
				Help: "Candidate URLs stored for the first time, labeled by target.",
			},
			[]string{"target"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_extractions_total",
				Help: "Listing extractions, labeled by target and outcome.",
			},
			[]string{"target", "outcome"},
		)

		enrichmentRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_enrichment_requests_total",
				Help: "Lead API requests, labeled by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		)

		identityRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_identity_rotations_total",
				Help: "Egress identity rotations, labeled by reason.",
			},
			[]string{"reason"},
		)

		credentialRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_credential_refreshes_total",
				Help: "Credential refresh attempts, labeled by result.",
			},
			[]string{"result"},
		)

		poolConcurrency = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "listings_pool_concurrency",
				Help: "Worker count chosen for the current extraction cycle.",
			},
			[]string{"target"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listings_active_workers",
				Help: "Number of extraction workers currently holding a session.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listings_rate_limit_delays_seconds",
				Help:    "Histogram of client-side rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_status_requests_total",
				Help: "Status server requests, labeled by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listings_status_request_duration_seconds",
				Help:    "Status server latency by route.",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2},
			},
			[]string{"route"},
		)

		notificationsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "listings_notifications_dropped_total",
				Help: "Notifications dropped because the buffer was full.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDiscoveryPage counts one walker page.
func ObserveDiscoveryPage(target, outcome string) {
	Init()
	discoveryPagesTotal.WithLabelValues(target, outcome).Inc()
}

// ObserveCandidates counts newly stored candidate URLs.
func ObserveCandidates(target string, n int) {
	Init()
	if n > 0 {
		candidatesDiscoveredTotal.WithLabelValues(target).Add(float64(n))
	}
}

// ObserveExtraction counts one listing extraction.
func ObserveExtraction(target, outcome string) {
	Init()
	extractionsTotal.WithLabelValues(target, outcome).Inc()
}

// ObserveEnrichment counts one lead API request.
func ObserveEnrichment(channel, outcome string) {
	Init()
	enrichmentRequestsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveRotation counts one identity rotation.
func ObserveRotation(reason string) {
	Init()
	identityRotationsTotal.WithLabelValues(reason).Inc()
}

// ObserveCredentialRefresh counts one refresh attempt.
func ObserveCredentialRefresh(ok bool) {
	Init()
	result := "error"
	if ok {
		result = "ok"
	}
	credentialRefreshesTotal.WithLabelValues(result).Inc()
}

// SetPoolConcurrency records the worker count of the current cycle.
func SetPoolConcurrency(target string, n int) {
	Init()
	poolConcurrency.WithLabelValues(target).Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one status server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveNotificationDropped counts a notification lost to back-pressure.
func ObserveNotificationDropped() {
	Init()
	notificationsDroppedTotal.Inc()
}
