package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/config"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	collyfetcher "github.com/Abdodiab2005/aqarmap-scraper/internal/fetcher/colly"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/identity"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/pipeline"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/storage/memory"
)

func testConfig(t *testing.T, siteURL string) config.Config {
	t.Helper()
	return config.Config{
		Targets: []crawler.Target{{Name: "cairo", SeedURL: siteURL + "/list/cairo", StartPage: 1}},
		Site: config.SiteConfig{
			BaseURL:      siteURL,
			ListSelector: "a.card",
			Fields: []crawler.FieldSelector{
				{Name: "title", Selector: "h1"},
				{Name: "price", Selector: ".price"},
			},
			RequiredFields:   []string{"title"},
			ListingIDPattern: `listing/(\d+)`,
		},
		Discovery: config.DiscoveryConfig{
			ResumePolicy: config.ResumeFromConfig,
			PageTimeout:  5 * time.Second,
		},
		Extraction: config.ExtractionConfig{
			MaxConcurrency:     4,
			BatchSize:          10,
			PerSessionMemoryMB: 1,
			CPUFactor:          2,
			PageTimeout:        5 * time.Second,
		},
		Enrichment: config.EnrichmentConfig{
			Enabled:        true,
			APIBase:        siteURL + "/api/listing",
			LeadEndpoint:   "/lead",
			MaxRetries:     2,
			BaseDelay:      time.Millisecond,
			RequestTimeout: 5 * time.Second,
			Lead:           config.LeadConfig{FullName: "Test", Phone: "100", CountryCode: "+20"},
		},
		Browser:     config.BrowserConfig{Backend: "static", UserAgents: []string{"test-agent"}, UseCredentialCookies: true},
		Storage:     config.StorageConfig{Backend: "memory"},
		Checkpoint:  config.CheckpointConfig{Backend: "memory"},
		Credentials: config.CredentialsConfig{File: filepath.Join(t.TempDir(), "auth.json")},
		Identity:    config.IdentityConfig{Backend: "noop"},
		Notify:      config.NotifyConfig{BufferSize: 16},
	}
}

func TestNewBuildsInMemoryServices(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t, "https://example.com"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	require.IsType(t, &memory.DocumentStore{}, a.Documents)
	require.IsType(t, &memory.CheckpointStore{}, a.Checkpoints)
	require.IsType(t, identity.Noop{}, a.Identity)
	require.NotNil(t, a.Candidates)
	require.NotNil(t, a.Listings)
	require.NotNil(t, a.Credentials)
	require.NotNil(t, a.Notifier)

	sessions, err := a.Sessions()
	require.NoError(t, err)
	require.IsType(t, &collyfetcher.Factory{}, sessions)
	again, err := a.Sessions()
	require.NoError(t, err)
	require.Same(t, sessions, again)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"storage", func(c *config.Config) { c.Storage.Backend = "sqlite" }, "unknown storage backend: sqlite"},
		{"checkpoint", func(c *config.Config) { c.Checkpoint.Backend = "etcd" }, "unknown checkpoint backend: etcd"},
		{"identity", func(c *config.Config) { c.Identity.Backend = "tor" }, "unknown identity backend: tor"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, "https://example.com")
			tc.mutate(&cfg)
			_, err := New(context.Background(), cfg, zap.NewNop())
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestUnknownBrowserBackendFailsOnFirstUse(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.com")
	cfg.Browser.Backend = "lynx"
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	_, err = a.Walker()
	require.ErrorContains(t, err, "unknown browser backend: lynx")
	_, err = a.Pipeline([]pipeline.Stage{pipeline.StageExtract})
	require.ErrorContains(t, err, "unknown browser backend")
}

func TestEnricherRejectsBadListingPattern(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.com")
	cfg.Site.ListingIDPattern = "listing/("
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	_, err = a.Enricher()
	require.ErrorContains(t, err, "compile listing id pattern")
}

func TestStatusServer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.com")
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	require.Nil(t, a.StatusServer(crawler.NewRun("r", time.Now())))

	cfg.Server = config.ServerConfig{Enabled: true, Port: 9091}
	a2, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a2.Close(context.Background()) })

	srv := a2.StatusServer(crawler.NewRun("run-7", time.Now()))
	require.NotNil(t, srv)
	require.Equal(t, ":9091", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "run run-7")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/targets/cairo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

// fakeSite serves two listing pages, an empty third page, the detail pages
// and the lead API.
func fakeSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string][]string{
		"1": {"/ar/listing/101-flat", "/ar/listing/102-flat"},
		"2": {"/ar/listing/103-villa", "/ar/listing/101-flat"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/list/cairo", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("<html><body>")
		for _, href := range pages[r.URL.Query().Get("page")] {
			fmt.Fprintf(&b, `<a class="card" href="%s">ad</a>`, href)
		}
		b.WriteString("</body></html>")
		_, _ = w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/ar/listing/", func(w http.ResponseWriter, r *http.Request) {
		slug := strings.TrimPrefix(r.URL.Path, "/ar/listing/")
		fmt.Fprintf(w, `<html><body><h1>Listing %s</h1><span class="price">1,000,000</span></body></html>`, slug)
	})
	mux.HandleFunc("/api/listing/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer stored" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/listing/"), "/lead")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"lead_id": 9000,
			"lead": map[string]any{"listing": map[string]any{
				"listing_phones": []map[string]string{{"number": "+20100" + id}},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPipelineEndToEndWithStaticSessions(t *testing.T) {
	t.Parallel()

	site := fakeSite(t)
	cfg := testConfig(t, site.URL)
	cred, err := json.Marshal(crawler.Credential{Cookie: "session=1", AuthorizationToken: "Bearer stored"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Credentials.File, cred, 0o600))

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	p, err := a.Pipeline(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run := crawler.NewRun("run-e2e", time.Now())
	report, err := p.Run(ctx, run, cfg.Targets)
	require.NoError(t, err)
	require.Len(t, report.Targets, 1)
	require.False(t, report.EnrichmentHalted)

	target := cfg.Targets[0]
	docs := a.Documents.(*memory.DocumentStore)
	require.Equal(t, 3, docs.Count(target.CandidatesCollection()))
	require.Equal(t, 3, docs.Count(target.ListingsCollection()))

	listing, ok := docs.Get(target.ListingsCollection(), site.URL+"/ar/listing/103-villa")
	require.True(t, ok)
	require.Equal(t, "Listing 103-villa", listing["title"])
	require.Equal(t, []string{"+20100103"}, listing[crawler.FieldPhoneNumber])
	require.Equal(t, "9000", listing[crawler.FieldLeadID])

	cp, ok, err := a.Checkpoints.Load(ctx, target.CheckpointKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, cp.LastPage)

	snap := run.Stats.Snapshot()
	require.EqualValues(t, 3, snap.Scraped)
	require.EqualValues(t, 3, snap.Enriched)
	require.Zero(t, snap.ScrapeFailed)
}
