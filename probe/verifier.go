package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LukeEvansTech/certdeploy/interfaces"
)

// DefaultRestartGrace is how long a restarting device may stay unreachable.
const DefaultRestartGrace = 60 * time.Second

// Outcome classifies a verification.
type Outcome int

const (
	// Match means the served certificate is the deployed one.
	Match Outcome = iota
	// SoftFailure means the device could not be reached, even after the grace
	// period. The deployment may still have succeeded.
	SoftFailure
	// HardFailure means the device serves something else or the probe failed
	// for a reason other than reachability.
	HardFailure
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case SoftFailure:
		return "soft_failure"
	case HardFailure:
		return "hard_failure"
	}
	return "unknown"
}

// Result is the verdict of one verification.
type Result struct {
	Outcome Outcome
	Served  interfaces.Fingerprint
	// Err is nil on Match. It wraps ErrTransientTransport on SoftFailure and
	// ErrVerificationMismatch or ErrProbe on HardFailure.
	Err      error
	Attempts int
}

// Verifier compares what a Probe reports with the deployed fingerprint.
type Verifier struct {
	Probe        Probe
	RestartGrace time.Duration
	RetryBackoff time.Duration
	Log          *slog.Logger
}

// Verify probes the device. An unreachable device is probed a second time:
// after RestartGrace when allowGrace is set (the device was restarted),
// otherwise after RetryBackoff.
func (v *Verifier) Verify(ctx context.Context, expected interfaces.Fingerprint, allowGrace bool) Result {
	served, err := v.Probe.Probe(ctx)
	attempts := 1

	if err != nil && isSoft(err) {
		delay := v.RetryBackoff
		if allowGrace {
			delay = v.RestartGrace
			v.Log.Info("Device not reachable yet, waiting for restart to complete",
				slog.Duration("grace", delay), "err", err)
		} else {
			v.Log.Warn("Transient failure reading the served certificate, retrying once",
				slog.Duration("backoff", delay), "err", err)
		}
		if werr := wait(ctx, delay); werr != nil {
			return Result{Outcome: SoftFailure, Err: werr, Attempts: attempts}
		}
		served, err = v.Probe.Probe(ctx)
		attempts++
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{Outcome: SoftFailure, Err: err, Attempts: attempts}
		}
		if isSoft(err) {
			if !errors.Is(err, interfaces.ErrTransientTransport) {
				err = fmt.Errorf("%w: %w", interfaces.ErrTransientTransport, err)
			}
			return Result{Outcome: SoftFailure, Err: err, Attempts: attempts}
		}
		if !errors.Is(err, interfaces.ErrProbe) {
			err = fmt.Errorf("%w: %w", interfaces.ErrProbe, err)
		}
		return Result{Outcome: HardFailure, Err: err, Attempts: attempts}
	}

	if err := expected.Matches(served); err != nil {
		v.Log.Warn("Served certificate does not match",
			slog.String("expected", expected.String()),
			slog.String("served", served.String()),
			"err", err)
		return Result{
			Outcome:  HardFailure,
			Served:   served,
			Err:      fmt.Errorf("%w: %w", interfaces.ErrVerificationMismatch, err),
			Attempts: attempts,
		}
	}

	v.Log.Info("Served certificate matches", slog.String("fingerprint", served.String()))
	return Result{Outcome: Match, Served: served, Attempts: attempts}
}

func isSoft(err error) bool {
	return errors.Is(err, interfaces.ErrTransientTransport) || errors.Is(err, interfaces.ErrSoftUnavailability)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
