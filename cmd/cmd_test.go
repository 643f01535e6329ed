package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/app"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/config"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

func writeConfig(t *testing.T, siteURL string) string {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
targets:
  - name: cairo
    url: %[1]s/list/cairo
  - name: giza
    url: %[1]s/list/giza
site:
  base_url: %[1]s
  list_selector: a.card
discovery:
  page_delay_min: 0s
  page_delay_max: 0s
  retry_backoff: 1ms
  page_timeout: 5s
enrichment:
  enabled: false
browser:
  backend: static
storage:
  backend: memory
checkpoint:
  backend: memory
credentials:
  file: %[2]s
logging:
  development: false
  level: error
shutdown:
  grace_period: 1s
`, siteURL, filepath.Join(dir, "auth.json"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

// seedApp swaps the application factory for one that stores a checkpoint
// before handing the app to the command.
func seedApp(t *testing.T, cp crawler.Checkpoint) **app.App {
	t.Helper()
	built := new(*app.App)
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := a.Checkpoints.Save(ctx, cp); err != nil {
			return nil, err
		}
		*built = a
		return a, nil
	}
	t.Cleanup(func() { newApp = orig })
	return built
}

func TestCheckpointShow(t *testing.T) {
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedApp(t, crawler.Checkpoint{Key: "cairo:discovery", LastPage: 7, LastPageTried: 8, UpdatedAt: updated})
	path := writeConfig(t, "https://example.com")

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"--config", path, "checkpoint", "show"}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, []string{"TARGET", "LAST", "PAGE", "LAST", "TRIED", "UPDATED"}, strings.Fields(lines[0]))
	require.Equal(t, []string{"cairo", "7", "8", "2024-03-01T12:00:00Z"}, strings.Fields(lines[1]))
	require.Equal(t, []string{"giza", "-", "-", "-"}, strings.Fields(lines[2]))
}

func TestCheckpointReset(t *testing.T) {
	built := seedApp(t, crawler.Checkpoint{Key: "cairo:discovery", LastPage: 3, LastPageTried: 3})
	path := writeConfig(t, "https://example.com")

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"--config", path, "checkpoint", "reset", "--target", "cairo"}, &out))
	require.Equal(t, "reset cairo\n", out.String())

	_, ok, err := (*built).Checkpoints.Load(context.Background(), "cairo:discovery")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointResetRequiresSelection(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "https://example.com")
	err := execute(context.Background(), []string{"--config", path, "checkpoint", "reset"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "pass --target or --all")
}

func TestUnknownTargetIsRejected(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "https://example.com")
	err := execute(context.Background(), []string{"--config", path, "discover", "--target", "alexandria"}, &bytes.Buffer{})
	require.ErrorContains(t, err, `unknown target "alexandria"`)
}

func TestInvalidConfigFailsBeforeRunning(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets: []\n"), 0o600))
	err := execute(context.Background(), []string{"--config", path, "discover"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "load config")
}

func TestDiscoverPrintsRunSummary(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/list/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			_, _ = w.Write([]byte("<html><body></body></html>"))
			return
		}
		fmt.Fprintf(w, `<html><body><a class="card" href="/ar/listing/1-a">a</a><a class="card" href="/ar/listing/2-b">b</a></body></html>`)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	path := writeConfig(t, site.URL)
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"--config", path, "discover", "--target", "cairo"}, &out))

	summary := out.String()
	require.Contains(t, summary, "pages fetched 2")
	require.Contains(t, summary, "links discovered 2")
}

func TestWatchShutdownStopsThenCancels(t *testing.T) {
	t.Parallel()

	signals := make(chan os.Signal, 1)
	run := crawler.NewRun("r", time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := watchShutdown(signals, run, cancel, 20*time.Millisecond, zap.NewNop())
	defer stop()

	signals <- syscall.SIGTERM
	require.Eventually(t, func() bool { return !run.KeepRunning() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestWatchShutdownSecondSignalCancelsImmediately(t *testing.T) {
	t.Parallel()

	signals := make(chan os.Signal, 1)
	run := crawler.NewRun("r", time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := watchShutdown(signals, run, cancel, time.Hour, zap.NewNop())
	defer stop()

	signals <- syscall.SIGINT
	require.Eventually(t, func() bool { return !run.KeepRunning() }, time.Second, 5*time.Millisecond)
	signals <- syscall.SIGINT
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestWatchShutdownEndsQuietly(t *testing.T) {
	t.Parallel()

	run := crawler.NewRun("r", time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := watchShutdown(make(chan os.Signal), run, cancel, time.Millisecond, zap.NewNop())
	stop()
	require.True(t, run.KeepRunning())
	require.NoError(t, ctx.Err())
}
