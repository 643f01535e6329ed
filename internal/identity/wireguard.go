// Package identity rotates the process's egress identity by restarting a
// WireGuard tunnel.
package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Config configures the WireGuard rotator.
type Config struct {
	Interface     string
	UpCommand     string
	DownCommand   string
	CheckCommand  string
	IPEchoURL     string
	WaitForChange bool
	ChangeTimeout time.Duration
	SettleDelay   time.Duration
	PollInterval  time.Duration
}

// WireGuard implements crawler.IdentityRotator by bouncing a tunnel.
type WireGuard struct {
	cfg    Config
	runner Runner
	client *http.Client
	pacer  crawler.Pacer
	logger *zap.Logger
}

// NewWireGuard builds a rotator. runner and client may be nil.
func NewWireGuard(cfg Config, runner Runner, client *http.Client, logger *zap.Logger) *WireGuard {
	if runner == nil {
		runner = ExecRunner{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChangeTimeout <= 0 {
		cfg.ChangeTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &WireGuard{cfg: cfg, runner: runner, client: client, pacer: crawler.TimerPacer{}, logger: logger}
}

// Rotate restarts the tunnel. When WaitForChange is set it then polls the
// public IP until it differs from the one seen before, giving up quietly
// after ChangeTimeout.
func (w *WireGuard) Rotate(ctx context.Context) error {
	var before string
	if w.cfg.WaitForChange {
		before, _ = w.CurrentIdentity(ctx)
	}
	if _, err := w.run(ctx, w.cfg.DownCommand); err != nil {
		w.logger.Warn("tunnel down failed", zap.Error(err))
	}
	if _, err := w.run(ctx, w.cfg.UpCommand); err != nil {
		return fmt.Errorf("%w: tunnel up: %w", crawler.ErrInfrastructure, err)
	}
	if err := w.pacer.Pause(ctx, w.cfg.SettleDelay); err != nil {
		return err
	}
	if !w.cfg.WaitForChange || before == "" {
		return nil
	}
	return w.waitForChange(ctx, before)
}

func (w *WireGuard) waitForChange(ctx context.Context, before string) error {
	deadline := time.Now().Add(w.cfg.ChangeTimeout)
	for time.Now().Before(deadline) {
		current, err := w.CurrentIdentity(ctx)
		if err == nil && current != "" && current != before {
			w.logger.Info("egress identity changed", zap.String("from", before), zap.String("to", current))
			return nil
		}
		if err := w.pacer.Pause(ctx, w.cfg.PollInterval); err != nil {
			return err
		}
	}
	w.logger.Warn("egress identity unchanged after rotation", zap.String("ip", before))
	return nil
}

// CurrentIdentity returns the public IP reported by the echo service.
func (w *WireGuard) CurrentIdentity(ctx context.Context) (string, error) {
	if w.cfg.IPEchoURL == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.IPEchoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build ip request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch public ip: %w", err)
	}
	defer resp.Body.Close()
	if err := crawler.CheckStatus(resp.StatusCode, w.cfg.IPEchoURL); err != nil {
		return "", err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read public ip: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// EnsureActive brings the tunnel up when the check command fails.
func (w *WireGuard) EnsureActive(ctx context.Context) error {
	if w.cfg.CheckCommand != "" {
		if _, err := w.run(ctx, w.cfg.CheckCommand); err == nil {
			return nil
		}
	}
	if _, err := w.run(ctx, w.cfg.UpCommand); err != nil {
		return fmt.Errorf("%w: tunnel up: %w", crawler.ErrInfrastructure, err)
	}
	return nil
}

func (w *WireGuard) run(ctx context.Context, command string) ([]byte, error) {
	fields := strings.Fields(strings.ReplaceAll(command, "{interface}", w.cfg.Interface))
	if len(fields) == 0 {
		return nil, nil
	}
	return w.runner.Run(ctx, fields[0], fields[1:]...)
}

// Noop never changes identity.
type Noop struct{}

// Rotate does nothing.
func (Noop) Rotate(context.Context) error { return nil }

// CurrentIdentity returns an empty identity.
func (Noop) CurrentIdentity(context.Context) (string, error) { return "", nil }

// EnsureActive does nothing.
func (Noop) EnsureActive(context.Context) error { return nil }
