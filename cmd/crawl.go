// Package cmd defines and implements the CLI commands for the listings executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/config"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/id/uuid"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/pipeline"
)

// stageCmd describes one pipeline-driving subcommand.
type stageCmd struct {
	use    string
	short  string
	long   string
	stages []pipeline.Stage
}

func newRunCmd(c *cli) *cobra.Command {
	return newStageCmd(c, stageCmd{
		use:   "run",
		short: "Discovers, extracts and enriches every target",
		long: `Runs discovery, extraction and enrichment for each configured target in
order. The first SIGINT or SIGTERM lets in-flight items finish and stops
scheduling new work; a second signal, or the configured grace period
elapsing, cancels everything.`,
		stages: pipeline.AllStages,
	})
}

func newDiscoverCmd(c *cli) *cobra.Command {
	return newStageCmd(c, stageCmd{
		use:    "discover",
		short:  "Walks the listing pages of each target and records candidate URLs",
		stages: []pipeline.Stage{pipeline.StageDiscover},
	})
}

func newExtractCmd(c *cli) *cobra.Command {
	return newStageCmd(c, stageCmd{
		use:    "extract",
		short:  "Extracts listing details for pending candidates",
		stages: []pipeline.Stage{pipeline.StageExtract},
	})
}

func newEnrichCmd(c *cli) *cobra.Command {
	return newStageCmd(c, stageCmd{
		use:    "enrich",
		short:  "Requests contact numbers for listings that have none",
		stages: []pipeline.Stage{pipeline.StageEnrich},
	})
}

func newStageCmd(c *cli, def stageCmd) *cobra.Command {
	var targets []string
	cmd := &cobra.Command{
		Use:   def.use,
		Short: def.short,
		Long:  def.long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd, c, def.stages, targets)
		},
	}
	cmd.Flags().StringSliceVar(&targets, "target", nil, "restrict the run to these target names (repeatable)")
	return cmd
}

func runStages(cmd *cobra.Command, c *cli, stages []pipeline.Stage, names []string) error {
	a, err := c.resolveApp()
	if err != nil {
		return err
	}
	logger := c.logger
	targets, err := selectTargets(c.cfg, names)
	if err != nil {
		return err
	}
	p, err := a.Pipeline(stages)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}
	run := crawler.NewRun(runID, time.Now())
	logger = logger.With(zap.String("run_id", uuid.Short(runID)))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	stopWatching := watchShutdown(signals, run, cancel, c.cfg.Shutdown.GracePeriod, logger)
	defer stopWatching()

	if srv := a.StatusServer(run); srv != nil {
		go func() {
			logger.Info("status server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown", zap.Error(err))
			}
		}()
	}

	a.Notifier.Notify(fmt.Sprintf("run %s started: %s (%s)", uuid.Short(runID), stageList(stages), targetList(targets)))
	logger.Info("run started", zap.Strings("targets", targetNames(targets)), zap.String("stages", stageList(stages)))

	report, err := p.Run(ctx, run, targets)
	if report.EnrichmentHalted {
		logger.Warn("enrichment halted after credentials were revoked; refresh them before the next run")
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("run canceled", zap.Duration("elapsed", report.Elapsed))
			return nil
		}
		return fmt.Errorf("run %s: %w", uuid.Short(runID), err)
	}
	logger.Info("run finished", zap.Duration("elapsed", report.Elapsed))
	fmt.Fprintln(cmd.OutOrStdout(), run.Summary(time.Now()))
	return nil
}

// watchShutdown stops run on the first signal and cancels after grace or on
// a second signal. The returned func ends the watch.
func watchShutdown(signals <-chan os.Signal, run *crawler.Run, cancel context.CancelFunc, grace time.Duration, logger *zap.Logger) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-done:
			return
		case sig := <-signals:
			logger.Warn("shutdown requested; finishing in-flight work",
				zap.String("signal", sig.String()), zap.Duration("grace", grace))
			run.Stop()
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case sig := <-signals:
			logger.Warn("second signal; aborting", zap.String("signal", sig.String()))
			cancel()
		case <-timer.C:
			logger.Warn("grace period elapsed; aborting")
			cancel()
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func selectTargets(cfg config.Config, names []string) ([]crawler.Target, error) {
	if len(names) == 0 {
		return cfg.Targets, nil
	}
	out := make([]crawler.Target, 0, len(names))
	for _, name := range names {
		target, ok := cfg.Target(name)
		if !ok {
			return nil, fmt.Errorf("unknown target %q", name)
		}
		out = append(out, target)
	}
	return out, nil
}

func targetNames(targets []crawler.Target) []string {
	names := make([]string, len(targets))
	for i, target := range targets {
		names[i] = target.Name
	}
	return names
}

func targetList(targets []crawler.Target) string {
	return strings.Join(targetNames(targets), ", ")
}

func stageList(stages []pipeline.Stage) string {
	parts := make([]string, len(stages))
	for i, stage := range stages {
		parts[i] = string(stage)
	}
	return strings.Join(parts, "+")
}
