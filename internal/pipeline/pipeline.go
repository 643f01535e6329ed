// Package pipeline runs discovery, extraction and enrichment for each target
// in order and reports the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/discovery"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/enrichment"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/extraction"
)

// Stage names one step of the per-target flow.
type Stage string

// Stages in execution order.
const (
	StageDiscover Stage = "discover"
	StageExtract  Stage = "extract"
	StageEnrich   Stage = "enrich"
)

// AllStages is the full per-target flow.
var AllStages = []Stage{StageDiscover, StageExtract, StageEnrich}

// Walker discovers candidate URLs for a target.
type Walker interface {
	Walk(ctx context.Context, run *crawler.Run, target crawler.Target) (discovery.Result, error)
}

// Extractor drains pending candidates of a target.
type Extractor interface {
	Run(ctx context.Context, run *crawler.Run, target crawler.Target) (extraction.Result, error)
}

// Enricher requests contact numbers for extracted listings of a target.
type Enricher interface {
	Run(ctx context.Context, run *crawler.Run, target crawler.Target) (enrichment.Result, error)
}

// labeler is implemented by notifiers that tag messages with the phase.
type labeler interface {
	SetContext(runID, target, stage string)
}

// Deps are the stage implementations. A nil stage is skipped.
type Deps struct {
	Walker    Walker
	Extractor Extractor
	Enricher  Enricher
	Notifier  crawler.Notifier
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// TargetReport is the outcome of one target.
type TargetReport struct {
	Target     string
	Discovery  *discovery.Result
	Extraction *extraction.Result
	Enrichment *enrichment.Result
	Err        error
}

// Report is the outcome of a run.
type Report struct {
	Targets []TargetReport
	// EnrichmentHalted is set once the credential was revoked; later targets
	// skip enrichment.
	EnrichmentHalted bool
	Elapsed          time.Duration
}

// Pipeline sequences the stages per target.
type Pipeline struct {
	stages []Stage
	deps   Deps
	logger *zap.Logger
}

// New builds a Pipeline running the given stages (AllStages when empty).
func New(stages []Stage, deps Deps) *Pipeline {
	if len(stages) == 0 {
		stages = AllStages
	}
	if deps.Notifier == nil {
		deps.Notifier = crawler.NopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = crawler.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{stages: stages, deps: deps, logger: logger.Named("pipeline")}
}

// Run processes targets one after another until they are done, the run is
// stopped, or a stage fails with an infrastructure error. A final summary is
// always sent.
func (p *Pipeline) Run(ctx context.Context, run *crawler.Run, targets []crawler.Target) (Report, error) {
	started := p.deps.Clock.Now()
	var report Report
	var runErr error

	for _, target := range targets {
		if !run.KeepRunning() || ctx.Err() != nil {
			break
		}
		tr := p.runTarget(ctx, run, target, &report)
		report.Targets = append(report.Targets, tr)
		if tr.Err != nil && !errors.Is(tr.Err, crawler.ErrCredentialsRevoked) {
			runErr = fmt.Errorf("target %s: %w", target.Name, tr.Err)
			break
		}
	}

	report.Elapsed = p.deps.Clock.Now().Sub(started)
	p.label(run, "", "summary")
	if run != nil {
		p.deps.Notifier.Notify("run finished\n" + run.Summary(p.deps.Clock.Now()))
	}
	if runErr != nil {
		p.deps.Notifier.Notify("run aborted: " + runErr.Error())
	}
	return report, runErr
}

func (p *Pipeline) runTarget(ctx context.Context, run *crawler.Run, target crawler.Target, report *Report) TargetReport {
	tr := TargetReport{Target: target.Name}
	logger := p.logger.With(zap.String("target", target.Name))
	logger.Info("target started")

	for _, stage := range p.stages {
		if !run.KeepRunning() || ctx.Err() != nil {
			logger.Info("stop requested", zap.String("before_stage", string(stage)))
			break
		}
		run.SetPhase(target.Name, string(stage))
		p.label(run, target.Name, string(stage))

		var err error
		switch stage {
		case StageDiscover:
			if p.deps.Walker == nil {
				continue
			}
			var res discovery.Result
			res, err = p.deps.Walker.Walk(ctx, run, target)
			tr.Discovery = &res
		case StageExtract:
			if p.deps.Extractor == nil {
				continue
			}
			var res extraction.Result
			res, err = p.deps.Extractor.Run(ctx, run, target)
			tr.Extraction = &res
		case StageEnrich:
			if p.deps.Enricher == nil {
				continue
			}
			if report.EnrichmentHalted {
				logger.Warn("enrichment skipped, credential revoked earlier in the run")
				continue
			}
			var res enrichment.Result
			res, err = p.deps.Enricher.Run(ctx, run, target)
			tr.Enrichment = &res
			if errors.Is(err, crawler.ErrCredentialsRevoked) {
				report.EnrichmentHalted = true
			}
		default:
			err = fmt.Errorf("unknown stage %q", stage)
		}
		if err != nil {
			tr.Err = err
			logger.Error("stage failed", zap.String("stage", string(stage)), zap.Error(err))
			if !errors.Is(err, crawler.ErrCredentialsRevoked) {
				break
			}
		}
	}

	p.deps.Notifier.Notify(targetSummary(tr))
	logger.Info("target finished", zap.Error(tr.Err))
	return tr
}

func (p *Pipeline) label(run *crawler.Run, target, stage string) {
	l, ok := p.deps.Notifier.(labeler)
	if !ok {
		return
	}
	runID := ""
	if run != nil {
		runID = run.ID
	}
	l.SetContext(runID, target, stage)
}

func targetSummary(tr TargetReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "target %s finished\n", tr.Target)
	if d := tr.Discovery; d != nil {
		fmt.Fprintf(&b, "discovery: pages %d-%d, fetched %d, skipped %d, new links %d (%s)\n",
			d.StartPage, d.LastPage, d.PagesFetched, d.PagesSkipped, d.NewLinks, d.Reason)
	}
	if e := tr.Extraction; e != nil {
		fmt.Fprintf(&b, "extraction: scraped %d, failed %d (%s), concurrency %d\n",
			e.Scraped, e.Failed, crawler.SuccessRate(e.Scraped, e.Failed), e.Concurrency)
	}
	if e := tr.Enrichment; e != nil {
		fmt.Fprintf(&b, "enrichment: enriched %d, failed %d (%s), skipped %d, rotations %d, refreshes %d\n",
			e.Enriched, e.Failed, crawler.SuccessRate(int64(e.Enriched), int64(e.Failed)),
			e.Skipped, e.Rotations, e.Refreshes)
		if e.Halted {
			b.WriteString("enrichment halted: credential revoked\n")
		}
	}
	if tr.Err != nil && !errors.Is(tr.Err, crawler.ErrCredentialsRevoked) {
		fmt.Fprintf(&b, "error: %v\n", tr.Err)
	}
	return strings.TrimRight(b.String(), "\n")
}
