package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/discovery"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/enrichment"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/extraction"
)

// journal records the order in which stages ran.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(stage, target string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, stage+":"+target)
}

type fakeWalker struct {
	j   *journal
	err map[string]error
}

func (f *fakeWalker) Walk(_ context.Context, _ *crawler.Run, target crawler.Target) (discovery.Result, error) {
	f.j.add("discover", target.Name)
	return discovery.Result{Target: target.Name, StartPage: 1, LastPage: 3, NewLinks: 9,
		Reason: discovery.StopEmptyPage}, f.err[target.Name]
}

type fakeExtractor struct {
	j    *journal
	stop *crawler.Run
}

func (f *fakeExtractor) Run(_ context.Context, _ *crawler.Run, target crawler.Target) (extraction.Result, error) {
	f.j.add("extract", target.Name)
	if f.stop != nil {
		f.stop.Stop()
	}
	return extraction.Result{Target: target.Name, Scraped: 8, Failed: 1, Concurrency: 3}, nil
}

type fakeEnricher struct {
	j   *journal
	err map[string]error
}

func (f *fakeEnricher) Run(_ context.Context, _ *crawler.Run, target crawler.Target) (enrichment.Result, error) {
	f.j.add("enrich", target.Name)
	err := f.err[target.Name]
	return enrichment.Result{Target: target.Name, Enriched: 7, Halted: errors.Is(err, crawler.ErrCredentialsRevoked)}, err
}

type labelingNotifier struct {
	mu     sync.Mutex
	texts  []string
	labels []string
}

func (n *labelingNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *labelingNotifier) NotifyWithImage([]byte, string) {}

func (n *labelingNotifier) SetContext(_, target, stage string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.labels = append(n.labels, fmt.Sprintf("%s/%s", target, stage))
}

func targets(names ...string) []crawler.Target {
	out := make([]crawler.Target, 0, len(names))
	for _, name := range names {
		out = append(out, crawler.Target{Name: name, SeedURL: "https://example.com/" + name, StartPage: 1})
	}
	return out
}

func newPipeline(stages []Stage, j *journal, n *labelingNotifier, walkErr, enrichErr map[string]error) *Pipeline {
	return New(stages, Deps{
		Walker:    &fakeWalker{j: j, err: walkErr},
		Extractor: &fakeExtractor{j: j},
		Enricher:  &fakeEnricher{j: j, err: enrichErr},
		Notifier:  n,
		Logger:    zap.NewNop(),
	})
}

func TestPipelineRunsStagesInOrderPerTarget(t *testing.T) {
	t.Parallel()

	j := &journal{}
	n := &labelingNotifier{}
	run := crawler.NewRun("run-1", time.Now())

	report, err := newPipeline(nil, j, n, nil, nil).Run(context.Background(), run, targets("cairo", "giza"))
	require.NoError(t, err)

	require.Equal(t, []string{
		"discover:cairo", "extract:cairo", "enrich:cairo",
		"discover:giza", "extract:giza", "enrich:giza",
	}, j.entries)
	require.Len(t, report.Targets, 2)
	require.Equal(t, 9, report.Targets[0].Discovery.NewLinks)
	require.EqualValues(t, 8, report.Targets[1].Extraction.Scraped)

	require.Contains(t, n.labels, "cairo/extract")
	require.Contains(t, n.labels, "/summary")
	require.Len(t, n.texts, 3)
	require.Contains(t, n.texts[0], "target cairo finished")
	require.Contains(t, n.texts[0], "extraction: scraped 8, failed 1 (88.9%)")
	require.True(t, strings.HasPrefix(n.texts[2], "run finished\nrun run-1"))

	tgt, stage := run.Phase()
	require.Equal(t, "giza", tgt)
	require.Equal(t, "enrich", stage)
}

func TestPipelineRunsSelectedStagesOnly(t *testing.T) {
	t.Parallel()

	j := &journal{}
	_, err := newPipeline([]Stage{StageEnrich}, j, &labelingNotifier{}, nil, nil).
		Run(context.Background(), nil, targets("cairo"))
	require.NoError(t, err)
	require.Equal(t, []string{"enrich:cairo"}, j.entries)
}

func TestPipelineAbortsOnInfrastructureError(t *testing.T) {
	t.Parallel()

	j := &journal{}
	n := &labelingNotifier{}
	walkErr := map[string]error{"cairo": fmt.Errorf("save checkpoint: %w", crawler.ErrInfrastructure)}

	report, err := newPipeline(nil, j, n, walkErr, nil).
		Run(context.Background(), crawler.NewRun("r", time.Now()), targets("cairo", "giza"))
	require.ErrorIs(t, err, crawler.ErrInfrastructure)
	require.ErrorContains(t, err, "target cairo")

	require.Equal(t, []string{"discover:cairo"}, j.entries)
	require.Len(t, report.Targets, 1)
	require.Contains(t, n.texts[len(n.texts)-1], "run aborted")
}

func TestPipelineSkipsEnrichmentAfterCredentialRevoked(t *testing.T) {
	t.Parallel()

	j := &journal{}
	enrichErr := map[string]error{"cairo": fmt.Errorf("%w: 6 unauthorized responses", crawler.ErrCredentialsRevoked)}

	report, err := newPipeline(nil, j, &labelingNotifier{}, nil, enrichErr).
		Run(context.Background(), nil, targets("cairo", "giza"))
	require.NoError(t, err)
	require.True(t, report.EnrichmentHalted)
	require.Equal(t, []string{
		"discover:cairo", "extract:cairo", "enrich:cairo",
		"discover:giza", "extract:giza",
	}, j.entries)
	require.True(t, report.Targets[0].Enrichment.Halted)
	require.Nil(t, report.Targets[1].Enrichment)
}

func TestPipelineHonorsStopBetweenStages(t *testing.T) {
	t.Parallel()

	j := &journal{}
	run := crawler.NewRun("r", time.Now())
	p := New(nil, Deps{
		Walker:    &fakeWalker{j: j},
		Extractor: &fakeExtractor{j: j, stop: run},
		Enricher:  &fakeEnricher{j: j},
		Logger:    zap.NewNop(),
	})

	report, err := p.Run(context.Background(), run, targets("cairo", "giza"))
	require.NoError(t, err)
	require.Equal(t, []string{"discover:cairo", "extract:cairo"}, j.entries)
	require.Len(t, report.Targets, 1)
}
