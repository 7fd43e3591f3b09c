package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/probe"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultStepTimeout  = 30 * time.Second
	DefaultRetryBackoff = 2 * time.Second
)

// Orchestrator runs one deployment. It is not safe for concurrent use; build
// one per invocation.
type Orchestrator struct {
	Adapter interfaces.Adapter
	// Probe overrides how the served certificate is read. When nil, the live
	// session is used if it survived the restart, otherwise a fresh one.
	Probe        probe.Probe
	StepTimeout  time.Duration
	RetryBackoff time.Duration
	RestartGrace time.Duration
	Log          *slog.Logger
}

func (o *Orchestrator) stepTimeout() time.Duration {
	if o.StepTimeout > 0 {
		return o.StepTimeout
	}
	return DefaultStepTimeout
}

func (o *Orchestrator) retryBackoff() time.Duration {
	if o.RetryBackoff > 0 {
		return o.RetryBackoff
	}
	return DefaultRetryBackoff
}

type run struct {
	o       *Orchestrator
	req     interfaces.DeploymentRequest
	machine *Machine
	sess    interfaces.Session
	log     *slog.Logger
	result  Result
}

// Run performs the deployment and returns its result. The session is closed
// on every path. Cancelling ctx stops at the next step boundary or in-flight
// call and yields an incomplete result; nothing is rolled back.
func (o *Orchestrator) Run(ctx context.Context, req interfaces.DeploymentRequest) Result {
	start := time.Now()
	r := &run{
		o:       o,
		req:     req,
		machine: NewMachine(),
		log:     o.Log.With("adapter", o.Adapter.Name(), "device", req.Address()),
		result: Result{
			Adapter:   o.Adapter.Name(),
			Device:    req.Address(),
			StartedAt: start,
		},
	}
	defer r.closeSession()

	expected, err := req.Fingerprint()
	if err != nil {
		r.fail(ctx, "prepare", fmt.Errorf("%w: %w", interfaces.ErrConfiguration, err))
		return r.finish(start)
	}
	r.result.Expected = expected

	r.execute(ctx)
	return r.finish(start)
}

func (r *run) execute(ctx context.Context) {
	r.log.Info("Starting certificate deployment", slog.String("fingerprint", r.result.Expected.String()))

	if err := r.retry(ctx, "authenticate", false, r.authenticate); err != nil {
		r.fail(ctx, "authenticate", err)
		return
	}
	r.advance(Authenticated)

	var handle interfaces.StagedHandle
	err := r.retry(ctx, "stage", true, func(ctx context.Context) error {
		var err error
		handle, err = r.o.Adapter.StageCertificate(ctx, r.sess, r.req)
		return err
	})
	if err != nil {
		r.fail(ctx, "stage", err)
		return
	}
	r.advance(CertificateStaged)
	if !handle.Fingerprint.IsZero() {
		r.result.Expected = handle.Fingerprint
	}

	err = r.retry(ctx, "activate", true, func(ctx context.Context) error {
		return r.o.Adapter.Activate(ctx, r.sess, handle)
	})
	if err != nil {
		r.fail(ctx, "activate", err)
		return
	}
	r.advance(CertificateActive)

	opts := r.req.Options()
	restarted := false
	applyCtx, cancel := context.WithTimeout(ctx, r.o.stepTimeout())
	err = r.o.Adapter.ApplyAndMaybeRestart(applyCtx, r.sess, opts)
	cancel()
	switch {
	case err != nil && ctx.Err() != nil:
		r.fail(ctx, "apply", err)
		return
	case err != nil:
		// The certificate is active; verification decides whether it is served.
		r.log.Warn("Apply or restart failed after activation", "err", err)
		r.result.Warnings = append(r.result.Warnings, fmt.Sprintf("apply/restart: %v", err))
	default:
		restarted = !opts.SkipRestart
	}

	r.verify(ctx, restarted)
}

func (r *run) authenticate(ctx context.Context) error {
	sess, err := r.o.Adapter.Authenticate(ctx, r.req)
	if err != nil {
		return err
	}
	r.sess = sess
	return nil
}

// reauthenticate replaces the session before a retried step.
func (r *run) reauthenticate(ctx context.Context) error {
	r.closeSession()
	return r.authenticate(ctx)
}

func (r *run) verify(ctx context.Context, restarted bool) {
	p := r.o.Probe
	if p == nil {
		if r.sess != nil && r.sess.Valid() {
			p = &probe.SessionProbe{Adapter: r.o.Adapter, Session: r.sess}
		} else {
			p = &probe.AdapterProbe{Adapter: r.o.Adapter, Request: r.req}
		}
	}

	grace := r.o.RestartGrace
	if grace == 0 {
		grace = probe.DefaultRestartGrace
	}
	v := &probe.Verifier{
		Probe:        r.bounded(p),
		RestartGrace: grace,
		RetryBackoff: r.o.retryBackoff(),
		Log:          r.log,
	}

	res := v.Verify(ctx, r.result.Expected, restarted)
	r.result.Served = res.Served
	if res.Attempts > 1 && !restarted {
		r.result.Retries++
	}
	if res.Outcome != probe.Match && errors.Is(res.Err, interfaces.ErrRestartPending) && ctx.Err() == nil {
		// Activation was confirmed; the device cannot show more until it restarts.
		r.result.PendingRestart = true
		r.result.Outcome = Success
		r.result.Warnings = append(r.result.Warnings, "restart skipped: manual restart required to serve the new certificate")
		r.log.Warn("Certificate activated, manual restart required to serve it")
		return
	}
	if res.Outcome != probe.Match {
		r.fail(ctx, "verify", res.Err)
		return
	}
	r.advance(Verified)
	r.result.Outcome = Success
	r.log.Info("Certificate deployed and verified", slog.String("fingerprint", res.Served.String()))
}

// bounded applies the step timeout to each probe attempt.
func (r *run) bounded(p probe.Probe) probe.Probe {
	return probe.ProbeFunc(func(ctx context.Context) (interfaces.Fingerprint, error) {
		stepCtx, cancel := context.WithTimeout(ctx, r.o.stepTimeout())
		defer cancel()
		fp, err := p.Probe(stepCtx)
		return fp, timeoutAsTransient(ctx, err)
	})
}

// retry runs fn under the step timeout, once more after the fixed backoff if
// it failed with a transient transport error. With fresh set, the retry gets a
// new session.
func (r *run) retry(ctx context.Context, step string, fresh bool, fn func(context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		stepCtx, cancel := context.WithTimeout(ctx, r.o.stepTimeout())
		defer cancel()

		if attempt > 1 && fresh {
			if err := r.reauthenticate(stepCtx); err != nil {
				return permanentUnlessTransient(timeoutAsTransient(ctx, err))
			}
		}
		return permanentUnlessTransient(timeoutAsTransient(ctx, fn(stepCtx)))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.o.retryBackoff()), 1), ctx)
	return backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		r.result.Retries++
		r.log.Warn("Transient failure, retrying once",
			slog.String("step", step),
			slog.Duration("backoff", wait),
			"err", err)
	})
}

func permanentUnlessTransient(err error) error {
	if err == nil || interfaces.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// timeoutAsTransient treats an expired step deadline as a transient failure,
// unless the caller's own context is done.
func timeoutAsTransient(parent context.Context, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && !interfaces.IsTransient(err) {
		return fmt.Errorf("%w: step timed out: %w", interfaces.ErrTransientTransport, err)
	}
	return err
}

func (r *run) advance(to State) {
	if err := r.machine.Advance(to); err != nil {
		// Only reachable through a programming error in execute.
		panic(err)
	}
	r.log.Debug("State reached", slog.String("state", to.String()))
}

// stepCategories gives an adapter error that names no category the category
// of the step it failed in.
var stepCategories = map[string]error{
	"prepare":      interfaces.ErrConfiguration,
	"authenticate": interfaces.ErrAuthentication,
	"stage":        interfaces.ErrUpload,
	"activate":     interfaces.ErrActivation,
	"apply":        interfaces.ErrRestart,
	"verify":       interfaces.ErrProbe,
}

func (r *run) fail(ctx context.Context, step string, err error) {
	reached := r.machine.Reached()
	if ctx.Err() != nil {
		r.result.Incomplete = true
		if !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	} else if category, ok := stepCategories[step]; ok && !interfaces.Categorized(err) {
		err = fmt.Errorf("%w: %w", category, err)
	}
	stepErr := &StepError{State: reached, Step: step, Err: err}
	r.machine.Fail(stepErr.Error()) //nolint:errcheck
	r.result.Outcome = Failure
	r.result.Err = stepErr
	r.result.Cause = stepErr.Error()
}

func (r *run) closeSession() {
	if r.sess == nil {
		return
	}
	if err := r.sess.Close(); err != nil {
		r.log.Debug("Closing session failed", "err", err)
	}
	r.sess = nil
}

func (r *run) finish(start time.Time) Result {
	r.closeSession()
	r.result.State = r.machine.Reached()
	r.result.History = r.machine.History()
	r.result.Duration = time.Since(start)
	return r.result
}
