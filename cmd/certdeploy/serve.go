package main

import (
	"context"
	"log/slog"

	"github.com/LukeEvansTech/certdeploy/cmd/flags"
	"github.com/LukeEvansTech/certdeploy/common"
	"github.com/LukeEvansTech/certdeploy/exporter"
	"github.com/LukeEvansTech/certdeploy/report"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

const metricsNamespace = common.PackageName

// deployCollector runs one deployment per poll cycle. A failed deployment is a
// successful scrape: its outcome is what the gauges report. Only a failure to
// report at all fails the cycle.
type deployCollector struct {
	pipeline *pipeline
	reporter *report.Reporter
}

func (c *deployCollector) Collect(ctx context.Context, reg *prometheus.Registry) error {
	gauges, err := report.NewGauges(reg, metricsNamespace)
	if err != nil {
		return err
	}
	reporter := *c.reporter
	reporter.Gauges = gauges

	result := c.pipeline.deploy(ctx)
	reporter.Report(ctx, result)
	return nil
}

func runServe(cCtx *cli.Context) error {
	logger, runID := flags.SetupLogger(cCtx)
	ctx, stop := signalContext(cCtx)
	defer stop()

	p, err := newPipeline(cCtx, logger)
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		return exit(report.ExitCodeForError(err))
	}
	// Fail fast on inputs that can never work instead of reporting them every cycle.
	if _, err := p.prepare(ctx); err != nil {
		logger.Error("Invalid configuration", "err", err)
		return exit(report.ExitCodeForError(err))
	}

	reporter, err := newReporter(cCtx, logger, runID)
	if err != nil {
		logger.Error("Failed to configure result archive", "err", err)
		return exit(report.ExitConfiguration)
	}

	interval := cCtx.Duration("poll-interval")
	// A cycle may include a restart and its grace period.
	cycleTimeout := 5*p.stepTimeout + 2*p.restartGrace
	poller := exporter.NewPoller(&deployCollector{pipeline: p, reporter: reporter}, exporter.PollerConfig{
		Namespace:    metricsNamespace,
		Interval:     interval,
		CycleTimeout: cycleTimeout,
		Log:          logger,
	})

	server := exporter.NewServer(flags.ConfigureServer(cCtx, logger), poller)
	server.RunInBackground()

	logger.Info("Serving deployment metrics",
		slog.Duration("interval", interval),
		slog.Duration("cycleTimeout", cycleTimeout))
	poller.Run(ctx)

	logger.Info("Shutdown signal received")
	server.Shutdown()
	return nil
}
