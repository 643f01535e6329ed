// Package collyfetcher provides static page sessions using gocolly and goquery.
// They do not execute JavaScript.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// ErrScreenshotUnsupported is returned by static sessions.
var ErrScreenshotUnsupported = errors.New("static sessions cannot capture screenshots")

// Config controls collector behavior.
type Config struct {
	UserAgents []string
	Timeout    time.Duration
	// Credentials adds the stored cookie to every request when set.
	Credentials crawler.CredentialStore
}

// Factory hands out sessions cloned from one base collector so they share
// the connection pool.
type Factory struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Factory.
func New(cfg Config) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Clones share the backend client, so the timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	return &Factory{cfg: cfg, baseCollector: c}
}

// NewSession returns a session with its own collector and a random user agent.
func (f *Factory) NewSession(ctx context.Context) (crawler.Session, error) {
	s := &Session{collector: f.baseCollector.Clone()}
	s.collector.AllowURLRevisit = true
	s.collector.ParseHTTPErrorResponse = true
	if len(f.cfg.UserAgents) > 0 {
		s.collector.UserAgent = f.cfg.UserAgents[rand.IntN(len(f.cfg.UserAgents))]
	}
	if f.cfg.Credentials != nil {
		cred, err := f.cfg.Credentials.Load(ctx)
		if err == nil {
			s.cookie = cred.Cookie
		}
	}
	s.configureHooks(s.collector)
	return s, nil
}

// Session is a single-worker HTTP session holding the last fetched document.
type Session struct {
	collector *colly.Collector
	cookie    string

	mu       sync.Mutex
	status   int
	finalURL string
	body     []byte
	fetchErr error
	doc      *goquery.Document
}

func (s *Session) configureHooks(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		if s.cookie != "" {
			r.Headers.Set("Cookie", s.cookie)
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.status = r.StatusCode
		s.finalURL = r.Request.URL.String()
		s.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r != nil && r.StatusCode > 0 {
			s.status = r.StatusCode
		}
		s.fetchErr = err
	})
}

// Navigate fetches rawURL and parses the body for later Extract/ListLinks.
// timeout bounds the wait; the collector's own timeout bounds the request.
func (s *Session) Navigate(ctx context.Context, rawURL string, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	s.mu.Lock()
	s.status, s.finalURL, s.body, s.fetchErr, s.doc = 0, "", nil, nil, nil
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: colly fetch: %w", crawler.ErrTransient, ctx.Err())
		}
		return 0, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status == 0 {
			if err == nil {
				err = s.fetchErr
			}
			if err == nil {
				err = errors.New("no response")
			}
			return 0, classifyVisitError(err)
		}
		doc, parseErr := goquery.NewDocumentFromReader(bytes.NewReader(s.body))
		if parseErr != nil {
			return s.status, fmt.Errorf("%w: parse html: %w", crawler.ErrExtraction, parseErr)
		}
		s.doc = doc
		if s.finalURL == "" {
			s.finalURL = rawURL
		}
		return s.status, nil
	}
}

func classifyVisitError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: colly visit timed out: %w", crawler.ErrTransient, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return fmt.Errorf("%w: colly visit timed out: %w", crawler.ErrTransient, err)
	}
	return fmt.Errorf("colly visit failed: %w", err)
}

func (s *Session) current() (*goquery.Document, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil, "", fmt.Errorf("%w: no page loaded", crawler.ErrExtraction)
	}
	return s.doc, s.finalURL, nil
}

// Extract reads the configured fields from the last fetched page.
func (s *Session) Extract(_ context.Context, fields []crawler.FieldSelector) (map[string]any, error) {
	doc, _, err := s.current()
	if err != nil {
		return nil, err
	}
	return crawler.ShapeFields(fields, rawMatches(doc, fields)), nil
}

func rawMatches(doc *goquery.Document, fields []crawler.FieldSelector) map[string][]string {
	raw := make(map[string][]string, len(fields))
	for _, field := range fields {
		sel := doc.Find(field.Selector)
		if !field.All {
			sel = sel.First()
		}
		values := make([]string, 0, sel.Length())
		sel.Each(func(_ int, node *goquery.Selection) {
			if field.Attribute != "" {
				val, _ := node.Attr(field.Attribute)
				values = append(values, val)
				return
			}
			values = append(values, strings.TrimSpace(node.Text()))
		})
		raw[field.Name] = values
	}
	return raw
}

// ListLinks returns the absolute, de-duplicated hrefs matched by selector.
func (s *Session) ListLinks(_ context.Context, selector string) ([]string, error) {
	doc, base, err := s.current()
	if err != nil {
		return nil, err
	}
	var hrefs []string
	doc.Find(selector).Each(func(_ int, node *goquery.Selection) {
		if href, ok := node.Attr("href"); ok {
			hrefs = append(hrefs, href)
		}
	})
	return crawler.ResolveLinks(base, hrefs), nil
}

// Screenshot is unsupported for static sessions.
func (s *Session) Screenshot(context.Context) ([]byte, error) {
	return nil, ErrScreenshotUnsupported
}

// Close is a no-op; the transport is shared.
func (s *Session) Close() error {
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
