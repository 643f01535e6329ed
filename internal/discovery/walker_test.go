package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/storage/memory"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/store"
)

const seedURL = "https://example.com/for-sale/cairo"

type pageResponse struct {
	status int
	links  []string
	labels []string
	// errs are returned by successive Navigate calls before status applies.
	errs []error
}

type fakeSite struct {
	mu       sync.Mutex
	pages    map[string]*pageResponse
	visits   map[string]int
	sessions int
	closed   int
}

func newFakeSite() *fakeSite {
	return &fakeSite{pages: map[string]*pageResponse{}, visits: map[string]int{}}
}

// listing registers a page holding n listing links numbered from first.
func (s *fakeSite) listing(page, first, n int) *pageResponse {
	links := make([]string, 0, n)
	for i := range n {
		links = append(links, fmt.Sprintf("https://example.com/listing/%d", first+i))
	}
	resp := &pageResponse{status: 200, links: links}
	s.pages[crawler.PageURL(seedURL, page)] = resp
	return resp
}

func (s *fakeSite) set(page int, resp *pageResponse) {
	s.pages[crawler.PageURL(seedURL, page)] = resp
}

func (s *fakeSite) NewSession(context.Context) (crawler.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return &fakeSession{site: s}, nil
}

func (s *fakeSite) visitCount(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[crawler.PageURL(seedURL, page)]
}

type fakeSession struct {
	site    *fakeSite
	current *pageResponse
}

func (f *fakeSession) Navigate(_ context.Context, url string, _ time.Duration) (int, error) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	n := f.site.visits[url]
	f.site.visits[url] = n + 1
	resp, ok := f.site.pages[url]
	if !ok {
		resp = &pageResponse{status: 200}
	}
	f.current = resp
	if n < len(resp.errs) {
		return 0, resp.errs[n]
	}
	return resp.status, nil
}

func (f *fakeSession) Extract(_ context.Context, fields []crawler.FieldSelector) (map[string]any, error) {
	if f.current == nil || len(f.current.labels) == 0 {
		return map[string]any{}, nil
	}
	return map[string]any{fields[0].Name: f.current.labels}, nil
}

func (f *fakeSession) ListLinks(context.Context, string) ([]string, error) {
	if f.current == nil {
		return nil, nil
	}
	return f.current.links, nil
}

func (f *fakeSession) Screenshot(context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (f *fakeSession) Close() error {
	f.site.mu.Lock()
	f.site.closed++
	f.site.mu.Unlock()
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	texts  []string
	images int
}

func (n *recordingNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *recordingNotifier) NotifyWithImage(_ []byte, caption string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.images++
	n.texts = append(n.texts, caption)
}

type harness struct {
	site        *fakeSite
	docs        *memory.DocumentStore
	checkpoints *memory.CheckpointStore
	notifier    *recordingNotifier
	target      crawler.Target
}

func newHarness() *harness {
	return &harness{
		site:        newFakeSite(),
		docs:        memory.NewDocumentStore(),
		checkpoints: memory.NewCheckpointStore(),
		notifier:    &recordingNotifier{},
		target:      crawler.Target{Name: "cairo", SeedURL: seedURL, StartPage: 1},
	}
}

func (h *harness) walker(cfg Config) *Walker {
	if cfg.ListSelector == "" {
		cfg.ListSelector = "a.listing"
	}
	return New(cfg, Deps{
		Sessions:    h.site,
		Candidates:  store.NewCandidates(h.docs, nil),
		Checkpoints: h.checkpoints,
		Notifier:    h.notifier,
		Pacer:       crawler.NoPacer{},
		Logger:      zap.NewNop(),
	})
}

func (h *harness) checkpoint(t *testing.T) crawler.Checkpoint {
	t.Helper()
	cp, ok, err := h.checkpoints.Load(context.Background(), h.target.CheckpointKey())
	require.NoError(t, err)
	require.True(t, ok)
	return cp
}

func TestWalkStopsAtFirstEmptyPage(t *testing.T) {
	t.Parallel()

	h := newHarness()
	for page := 1; page <= 6; page++ {
		h.site.listing(page, page*100, 20)
	}
	h.site.set(7, &pageResponse{status: 200})

	run := crawler.NewRun("run-b", time.Now())
	res, err := h.walker(Config{}).Walk(context.Background(), run, h.target)
	require.NoError(t, err)

	require.Equal(t, StopEmptyPage, res.Reason)
	require.Equal(t, 6, res.LastPage)
	require.Equal(t, 120, res.NewLinks)
	require.Equal(t, 120, h.docs.Count(h.target.CandidatesCollection()))
	require.Equal(t, 0, h.site.visitCount(8))

	cp := h.checkpoint(t)
	require.Equal(t, 6, cp.LastPage)
	require.Equal(t, 6, cp.LastPageTried)
	require.EqualValues(t, 7, run.Stats.PagesFetched.Load())
	require.EqualValues(t, 120, run.Stats.LinksDiscovered.Load())
	require.Equal(t, 1, h.site.sessions)
	require.Equal(t, 1, h.site.closed)
}

func TestWalkSkipsDeniedPage(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.site.listing(1, 100, 10)
	h.site.listing(2, 200, 10)
	h.site.set(3, &pageResponse{status: 403})
	h.site.listing(4, 400, 10)
	h.site.listing(5, 500, 10)

	res, err := h.walker(Config{}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)

	require.Equal(t, StopEmptyPage, res.Reason)
	require.Equal(t, 1, res.PagesSkipped)
	require.Equal(t, 5, res.PagesFetched)
	require.Equal(t, 5, res.LastPage)
	require.Equal(t, 40, h.docs.Count(h.target.CandidatesCollection()))
	// Denied pages are not retried.
	require.Equal(t, 1, h.site.visitCount(3))
	require.Equal(t, 1, h.notifier.images)
}

func TestWalkDeniedPageLeavesLastPage(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.site.listing(1, 100, 5)
	h.site.set(2, &pageResponse{status: 451})
	h.site.set(3, &pageResponse{status: 401})
	h.site.set(4, &pageResponse{status: 403})
	h.site.listing(5, 500, 5)

	res, err := h.walker(Config{MaxConsecutiveBlocked: 3}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)

	require.Equal(t, StopBlocked, res.Reason)
	require.Equal(t, 3, res.PagesSkipped)
	require.Equal(t, 0, h.site.visitCount(5))

	cp := h.checkpoint(t)
	require.Equal(t, 1, cp.LastPage)
	require.Equal(t, 4, cp.LastPageTried)
}

func TestWalkIsIdempotentAcrossReruns(t *testing.T) {
	t.Parallel()

	h := newHarness()
	for page := 1; page <= 3; page++ {
		h.site.listing(page, page*100, 10)
	}

	first, err := h.walker(Config{}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, 30, first.NewLinks)

	second, err := h.walker(Config{}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, 0, second.NewLinks)
	require.Equal(t, 3, second.LastPage)
	require.Equal(t, 30, h.docs.Count(h.target.CandidatesCollection()))
}

func TestWalkCheckpointNeverMovesBack(t *testing.T) {
	t.Parallel()

	h := newHarness()
	for page := 1; page <= 5; page++ {
		h.site.listing(page, page*100, 3)
	}
	_, err := h.walker(Config{}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, 5, h.checkpoint(t).LastPage)

	limited := h.target
	limited.PageLimit = 2
	res, err := h.walker(Config{}).Walk(context.Background(), nil, limited)
	require.NoError(t, err)
	require.Equal(t, StopReachedLimit, res.Reason)
	require.Equal(t, 2, res.LastPage)
	require.Equal(t, 5, h.checkpoint(t).LastPage)
}

func TestWalkResumesAfterCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness()
	for page := 1; page <= 6; page++ {
		h.site.listing(page, page*100, 4)
	}
	require.NoError(t, h.checkpoints.Save(context.Background(), crawler.Checkpoint{
		Key: h.target.CheckpointKey(), LastPage: 3, LastPageTried: 3,
	}))

	res, err := h.walker(Config{ResumePolicy: ResumeFromCheckpoint}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, 4, res.StartPage)
	require.Equal(t, 6, res.LastPage)
	require.Equal(t, 0, h.site.visitCount(1))
	require.Equal(t, 12, h.docs.Count(h.target.CandidatesCollection()))
}

func TestWalkResumeWithoutCheckpointUsesStartPage(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.target.StartPage = 2
	h.site.listing(2, 200, 4)

	res, err := h.walker(Config{ResumePolicy: ResumeFromCheckpoint}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, 2, res.StartPage)
	require.Equal(t, 2, res.LastPage)
}

func TestWalkProbesEndPageFromPagination(t *testing.T) {
	t.Parallel()

	h := newHarness()
	first := h.site.listing(1, 100, 2)
	first.labels = []string{"1", "2", "3", "Next »"}
	h.site.listing(2, 200, 2)
	h.site.listing(3, 300, 2)
	h.site.listing(4, 400, 2)

	res, err := h.walker(Config{PaginationSelector: "ul.pagination a"}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, StopReachedLimit, res.Reason)
	require.Equal(t, 3, res.EndPage)
	require.Equal(t, 3, res.LastPage)
	require.Equal(t, 0, h.site.visitCount(4))
}

func TestWalkProbesEndPageOnFirstLoadedPage(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.site.set(1, &pageResponse{status: 403})
	for page := 2; page <= 6; page++ {
		resp := h.site.listing(page, page*100, 5)
		resp.labels = []string{"1", "2", "3"}
	}

	res, err := h.walker(Config{PaginationSelector: "ul.pagination a"}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, StopReachedLimit, res.Reason)
	require.Equal(t, 3, res.EndPage)
	require.Equal(t, 3, res.LastPage)
	require.Equal(t, 1, res.PagesSkipped)
	require.Equal(t, 0, h.site.visitCount(4))
}

func TestWalkPageLimitWinsOverProbe(t *testing.T) {
	t.Parallel()

	h := newHarness()
	first := h.site.listing(1, 100, 2)
	first.labels = []string{"1", "50"}
	h.site.listing(2, 200, 2)

	h.target.PageLimit = 1
	res, err := h.walker(Config{PaginationSelector: "ul.pagination a"}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, 1, res.EndPage)
	require.Equal(t, 0, h.site.visitCount(2))
}

func TestWalkRetriesTransientFailureOnce(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.site.listing(1, 100, 2)
	retried := h.site.listing(2, 200, 2)
	retried.errs = []error{crawler.ErrTransient}
	broken := h.site.listing(3, 300, 2)
	broken.errs = []error{crawler.ErrTransient, crawler.ErrTransient}
	h.site.listing(4, 400, 2)

	res, err := h.walker(Config{}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)

	require.Equal(t, 2, h.site.visitCount(2))
	require.Equal(t, 2, h.site.visitCount(3))
	require.Equal(t, 1, res.PagesSkipped)
	require.Equal(t, 4, res.LastPage)
	require.Equal(t, 6, h.docs.Count(h.target.CandidatesCollection()))
}

func TestWalkRetriesServerErrorsAndRecreatesLostSession(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.site.listing(1, 100, 2)
	lost := h.site.listing(2, 200, 2)
	lost.errs = []error{fmt.Errorf("tab: %w", crawler.ErrSessionLost)}
	h.site.set(3, &pageResponse{status: 502})

	res, err := h.walker(Config{}).Walk(context.Background(), nil, h.target)
	require.NoError(t, err)
	require.Equal(t, 2, h.site.sessions)
	require.Equal(t, 2, res.LastPage)
	require.Equal(t, 2, h.site.visitCount(3))
}

func TestWalkHonorsStopRequest(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.site.listing(1, 100, 2)

	run := crawler.NewRun("stopped", time.Now())
	run.Stop()
	res, err := h.walker(Config{}).Walk(context.Background(), run, h.target)
	require.NoError(t, err)
	require.Equal(t, StopCanceled, res.Reason)
	require.Equal(t, 0, h.site.visitCount(1))
}

type failingSink struct{}

func (failingSink) Add(context.Context, crawler.Target, []string) (int, error) {
	return 0, fmt.Errorf("%w: db down", crawler.ErrInfrastructure)
}

func TestWalkPropagatesInfrastructureErrors(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.site.listing(1, 100, 2)
	w := New(Config{ListSelector: "a"}, Deps{
		Sessions:    h.site,
		Candidates:  failingSink{},
		Checkpoints: h.checkpoints,
		Pacer:       crawler.NoPacer{},
	})

	_, err := w.Walk(context.Background(), nil, h.target)
	require.True(t, errors.Is(err, crawler.ErrInfrastructure))
	_, ok, _ := h.checkpoints.Load(context.Background(), h.target.CheckpointKey())
	require.False(t, ok)
}
