package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/LukeEvansTech/certdeploy/deploy"
)

// sinkTimeout bounds archiving, which also runs after the caller cancelled.
const sinkTimeout = 10 * time.Second

// Reporter publishes a result and picks the exit code.
type Reporter struct {
	Log *slog.Logger
	// RunID tags the archived record.
	RunID string
	// Sink and Gauges are optional.
	Sink   ResultSink
	Gauges *Gauges
}

// Report emits exactly one log record describing result and returns the exit
// code. Gauges are updated and the record archived before logging, so that an
// archive failure shows up on the same record.
func (r *Reporter) Report(ctx context.Context, result deploy.Result) int {
	rec := NewRecord(r.RunID, result)

	if r.Gauges != nil {
		r.Gauges.Observe(result)
	}

	var archiveErr error
	if r.Sink != nil {
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		archiveErr = r.Sink.Store(sinkCtx, rec)
		cancel()
	}

	attrs := []any{
		slog.String("outcome", rec.Outcome),
		slog.Int("exitCode", rec.ExitCode),
		slog.String("state", rec.State),
		slog.String("adapter", rec.Adapter),
		slog.String("device", rec.Device),
		slog.String("expected", result.Expected.String()),
		slog.Int("retries", rec.Retries),
		slog.Duration("duration", result.Duration),
	}
	if !result.Served.IsZero() {
		attrs = append(attrs, slog.String("served", result.Served.String()))
	}
	if rec.Cause != "" {
		attrs = append(attrs, slog.String("cause", rec.Cause))
	}
	if len(rec.Warnings) > 0 {
		attrs = append(attrs, slog.Any("warnings", rec.Warnings))
	}
	if result.Err != nil {
		attrs = append(attrs, "err", result.Err)
	}
	if archiveErr != nil {
		attrs = append(attrs, slog.String("archiveErr", archiveErr.Error()))
	}

	switch {
	case result.PendingRestart:
		r.Log.Warn("Certificate activated, restart pending", attrs...)
	case result.Succeeded():
		r.Log.Info("Certificate deployed and verified", attrs...)
	case result.Incomplete:
		r.Log.Warn("Deployment interrupted", attrs...)
	default:
		r.Log.Error("Deployment failed", attrs...)
	}
	return rec.ExitCode
}
