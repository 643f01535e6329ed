package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserConfig configures the refresh browser.
type BrowserConfig struct {
	// ProfileDir is a logged-in Chrome profile.
	ProfileDir string
	Headless   bool
	RefreshURL string
	// Wait bounds how long the page has to issue an API call.
	Wait time.Duration
	// APIPattern selects requests whose authorization header is captured.
	APIPattern string
	UserAgent  string
}

// BrowserRefresher opens the site in a real profile and captures the cookie
// jar plus the authorization header of the first matching API request.
type BrowserRefresher struct {
	cfg    BrowserConfig
	logger *zap.Logger
}

// NewBrowserRefresher builds a refresher.
func NewBrowserRefresher(cfg BrowserConfig, logger *zap.Logger) *BrowserRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 15 * time.Second
	}
	return &BrowserRefresher{cfg: cfg, logger: logger}
}

// Fetch launches a browser, loads RefreshURL and returns what it captured.
func (r *BrowserRefresher) Fetch(ctx context.Context) (Credential, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !r.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts, chromedp.Flag("enable-automation", false))
	if r.cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(r.cfg.ProfileDir))
	}
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	capture := newTokenCapture(r.cfg.APIPattern)
	chromedp.ListenTarget(browserCtx, capture.onEvent)

	waitCtx, cancel := context.WithTimeout(browserCtx, r.cfg.Wait+30*time.Second)
	defer cancel()

	var cookies []*network.Cookie
	err := chromedp.Run(waitCtx,
		network.Enable(),
		chromedp.Navigate(r.cfg.RefreshURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			capture.wait(ctx, r.cfg.Wait)
			return nil
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithURLs([]string{r.cfg.RefreshURL}).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return Credential{}, fmt.Errorf("browser refresh: %w", err)
	}
	cred := Credential{
		Cookie:             cookieHeader(cookies),
		AuthorizationToken: capture.token(),
		RefreshedAt:        time.Now().UTC(),
	}
	r.logger.Debug("browser refresh captured",
		zap.Int("cookies", len(cookies)),
		zap.Bool("token", cred.AuthorizationToken != ""),
	)
	return cred, nil
}

type tokenCapture struct {
	pattern string
	once    sync.Once
	found   chan struct{}

	mu    sync.Mutex
	value string
}

func newTokenCapture(pattern string) *tokenCapture {
	return &tokenCapture{pattern: pattern, found: make(chan struct{})}
}

func (c *tokenCapture) onEvent(ev any) {
	req, ok := ev.(*network.EventRequestWillBeSent)
	if !ok || req.Request == nil {
		return
	}
	if c.pattern != "" && !strings.Contains(req.Request.URL, c.pattern) {
		return
	}
	for key, value := range req.Request.Headers {
		if !strings.EqualFold(key, "authorization") {
			continue
		}
		token := strings.TrimSpace(fmt.Sprint(value))
		if token == "" {
			return
		}
		c.mu.Lock()
		c.value = token
		c.mu.Unlock()
		c.once.Do(func() { close(c.found) })
		return
	}
}

func (c *tokenCapture) wait(ctx context.Context, limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-c.found:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *tokenCapture) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func cookieHeader(cookies []*network.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		if cookie == nil || cookie.Name == "" {
			continue
		}
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(parts, "; ")
}
