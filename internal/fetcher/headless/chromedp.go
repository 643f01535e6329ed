// Package headless provides page sessions backed by headless Chrome via chromedp.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// Config controls the browser and the sessions it hands out.
type Config struct {
	Headless          bool
	UserAgents        []string
	ProfileDir        string
	NavigationTimeout time.Duration
	// Credentials seeds every new session with the stored cookie when set.
	Credentials crawler.CredentialStore
	// CookieURL scopes the seeded cookies.
	CookieURL string
}

// Factory launches one Chrome process and opens a tab per session.
type Factory struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewFactory starts the browser.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	f := &Factory{cfg: cfg, logger: logger}
	if err := f.launch(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if f.cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(f.cfg.ProfileDir))
	}
	return opts
}

func (f *Factory) launch() error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("%w: launch browser: %w", crawler.ErrInfrastructure, err)
	}
	f.allocCancel = allocCancel
	f.browserCtx = browserCtx
	f.browserCancel = browserCancel
	return nil
}

// browser returns the live browser context, relaunching Chrome if it died.
func (f *Factory) browser() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browserCtx != nil && f.browserCtx.Err() == nil {
		return f.browserCtx, nil
	}
	f.logger.Warn("browser gone, relaunching")
	f.shutdownLocked()
	if err := f.launch(); err != nil {
		return nil, err
	}
	return f.browserCtx, nil
}

// NewSession opens a fresh tab with a random user agent and, when configured,
// the stored credential cookies.
func (f *Factory) NewSession(ctx context.Context) (crawler.Session, error) {
	browserCtx, err := f.browser()
	if err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)

	var cookies []*network.CookieParam
	if f.cfg.Credentials != nil {
		cred, err := f.cfg.Credentials.Load(ctx)
		if err != nil {
			f.logger.Warn("credential cookies unavailable", zap.Error(err))
		} else {
			cookies = parseCookieHeader(cred.Cookie, f.cfg.CookieURL)
		}
	}

	s := &Session{
		tabCtx:  tabCtx,
		cancel:  cancel,
		meta:    newResponseMeta(),
		timeout: f.cfg.NavigationTimeout,
	}
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)

	setupCtx, setupCancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer setupCancel()
	stop := context.AfterFunc(ctx, setupCancel)
	defer stop()
	if err := chromedp.Run(setupCtx, setupAction(pickUserAgent(f.cfg.UserAgents), cookies)); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: open tab: %w", crawler.ErrSessionLost, err)
	}
	return s, nil
}

// Close shuts the browser down.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownLocked()
	return nil
}

func (f *Factory) shutdownLocked() {
	if f.browserCancel != nil {
		f.browserCancel()
	}
	if f.allocCancel != nil {
		f.allocCancel()
	}
	f.browserCtx = nil
}

func setupAction(userAgent string, cookies []*network.CookieParam) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(cookies) > 0 {
			if err := network.SetCookies(cookies).Do(ctx); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		return nil
	})
}

// Session is one browser tab.
type Session struct {
	tabCtx  context.Context
	cancel  context.CancelFunc
	meta    *responseMeta
	timeout time.Duration
}

// Navigate loads rawURL and returns the document status. A zero status from
// the browser is reported as 200.
func (s *Session) Navigate(ctx context.Context, rawURL string, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}
	s.meta.reset()
	err := s.run(ctx, "navigate", timeout,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return 0, err
	}
	status, _, _ := s.meta.snapshotWithFallbacks(rawURL, "")
	return status, nil
}

// Extract reads the configured fields from the current page.
func (s *Session) Extract(ctx context.Context, fields []crawler.FieldSelector) (map[string]any, error) {
	script, err := extractionScript(fields)
	if err != nil {
		return nil, err
	}
	var raw map[string][]string
	if err := s.run(ctx, "extract", s.timeout, chromedp.Evaluate(script, &raw)); err != nil {
		return nil, err
	}
	return crawler.ShapeFields(fields, raw), nil
}

// ListLinks returns the absolute, de-duplicated hrefs matched by selector.
func (s *Session) ListLinks(ctx context.Context, selector string) ([]string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, fmt.Errorf("encode selector: %w", err)
	}
	var (
		location string
		hrefs    []string
	)
	script := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%s)).map(a => a.getAttribute("href") || "")`, sel)
	if err := s.run(ctx, "list links", s.timeout,
		chromedp.Location(&location),
		chromedp.Evaluate(script, &hrefs),
	); err != nil {
		return nil, err
	}
	return crawler.ResolveLinks(location, hrefs), nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, "screenshot", s.timeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close closes the tab.
func (s *Session) Close() error {
	s.cancel()
	return nil
}

func (s *Session) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	if s.tabCtx.Err() != nil {
		return fmt.Errorf("%w: %s: tab closed", crawler.ErrSessionLost, op)
	}
	taskCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(taskCtx, actions...)
	if err == nil {
		return nil
	}
	return classifyRunError(op, err, s.tabCtx.Err() != nil, ctx.Err(), taskCtx.Err())
}

func classifyRunError(op string, err error, tabClosed bool, callerErr, taskErr error) error {
	switch {
	case callerErr != nil:
		return fmt.Errorf("%s: %w", op, callerErr)
	case tabClosed || crawler.IsSessionLost(err):
		return fmt.Errorf("%w: %s: %w", crawler.ErrSessionLost, op, err)
	case errors.Is(taskErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s timed out: %w", crawler.ErrTransient, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

type fieldSpec struct {
	Name      string `json:"name"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
	All       bool   `json:"all,omitempty"`
}

const extractionTemplate = `(() => {
  const specs = %s;
  const out = {};
  for (const s of specs) {
    const nodes = s.all
      ? Array.from(document.querySelectorAll(s.selector))
      : [document.querySelector(s.selector)].filter(Boolean);
    out[s.name] = nodes.map(n => s.attribute
      ? (n.getAttribute(s.attribute) || "")
      : (n.innerText || n.textContent || "").trim());
  }
  return out;
})()`

// extractionScript builds a script returning the raw matches of every field
// keyed by field name.
func extractionScript(fields []crawler.FieldSelector) (string, error) {
	specs := make([]fieldSpec, 0, len(fields))
	for _, field := range fields {
		specs = append(specs, fieldSpec{
			Name:      field.Name,
			Selector:  field.Selector,
			Attribute: field.Attribute,
			All:       field.All,
		})
	}
	encoded, err := json.Marshal(specs)
	if err != nil {
		return "", fmt.Errorf("encode field selectors: %w", err)
	}
	return fmt.Sprintf(extractionTemplate, encoded), nil
}

func pickUserAgent(agents []string) string {
	if len(agents) == 0 {
		return ""
	}
	return agents[rand.IntN(len(agents))]
}

// parseCookieHeader turns "a=1; b=2" into cookie params scoped to url.
func parseCookieHeader(header, url string) []*network.CookieParam {
	var out []*network.CookieParam
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		param := &network.CookieParam{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)}
		if url != "" {
			param.URL = url
		}
		out = append(out, param)
	}
	return out
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect hops arrive first; the last document response wins.
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	headers := m.headers.Clone()
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
