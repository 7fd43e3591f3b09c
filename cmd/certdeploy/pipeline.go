package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LukeEvansTech/certdeploy/config"
	"github.com/LukeEvansTech/certdeploy/deploy"
	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/probe"
)

// pipeline resolves configuration into an adapter and request and runs them.
type pipeline struct {
	registry *deploy.Registry
	src      config.Source
	secrets  config.SecretReader
	log      *slog.Logger

	stepTimeout  time.Duration
	retryBackoff time.Duration
	restartGrace time.Duration
	// probe overrides verification; nil uses the adapter.
	probe probe.Probe
}

type target struct {
	variant deploy.Variant
	req     interfaces.DeploymentRequest
	adapter interfaces.Adapter
}

// resolve validates every input without contacting the device.
func (p *pipeline) resolve(ctx context.Context) (deploy.Variant, interfaces.DeploymentRequest, error) {
	name, err := config.AdapterName(p.src)
	if err != nil {
		return deploy.Variant{}, interfaces.DeploymentRequest{}, err
	}
	variant, err := p.registry.Lookup(name)
	if err != nil {
		return deploy.Variant{}, interfaces.DeploymentRequest{}, err
	}
	req, err := config.NewResolver(p.src, p.secrets, p.log).Resolve(ctx, variant.Kind)
	if err != nil {
		return variant, interfaces.DeploymentRequest{}, err
	}
	return variant, req, nil
}

func (p *pipeline) prepare(ctx context.Context) (target, error) {
	variant, req, err := p.resolve(ctx)
	if err != nil {
		return target{variant: variant}, err
	}
	adapter, err := variant.NewAdapter(req, p.log)
	if err != nil {
		return target{variant: variant, req: req}, err
	}
	return target{variant: variant, req: req, adapter: adapter}, nil
}

// deploy runs one deployment. A preparation failure is returned as a failed
// result so that it is reported like any other.
func (p *pipeline) deploy(ctx context.Context) deploy.Result {
	start := time.Now()
	t, err := p.prepare(ctx)
	if err != nil {
		return preparationFailure(t, err, start)
	}

	o := &deploy.Orchestrator{
		Adapter:      t.adapter,
		Probe:        p.probe,
		StepTimeout:  p.stepTimeout,
		RetryBackoff: p.retryBackoff,
		RestartGrace: p.restartGrace,
		Log:          p.log,
	}
	return o.Run(ctx, t.req)
}

// verify compares what the device serves with the configured certificate.
func (p *pipeline) verify(ctx context.Context) (probe.Result, target, error) {
	t, err := p.prepare(ctx)
	if err != nil {
		return probe.Result{}, t, err
	}
	expected, err := t.req.Fingerprint()
	if err != nil {
		return probe.Result{}, t, fmt.Errorf("%w: %w", interfaces.ErrConfiguration, err)
	}

	prb := p.probe
	if prb == nil {
		sess, err := t.adapter.Authenticate(ctx, t.req)
		if err != nil {
			return probe.Result{}, t, err
		}
		defer sess.Close()
		prb = &probe.SessionProbe{Adapter: t.adapter, Session: sess}
	}

	v := &probe.Verifier{Probe: prb, RetryBackoff: p.retryBackoff, Log: p.log}
	return v.Verify(ctx, expected, false), t, nil
}

func preparationFailure(t target, err error, start time.Time) deploy.Result {
	stepErr := &deploy.StepError{State: deploy.Unauthenticated, Step: "prepare", Err: err}
	result := deploy.Result{
		Outcome:    deploy.Failure,
		State:      deploy.Unauthenticated,
		Cause:      stepErr.Error(),
		Err:        stepErr,
		Incomplete: deploy.Interrupted(err),
		Adapter:    t.variant.Name,
		Device:     t.req.Address(),
		StartedAt:  start,
		Duration:   time.Since(start),
	}
	if t.adapter != nil {
		result.Adapter = t.adapter.Name()
	}
	return result
}

// secretReader connects to Vault only when a Vault reference is configured.
func secretReader(src config.Source, addr, token string, log *slog.Logger) (config.SecretReader, error) {
	if ref, ok := src.Lookup(config.KeyPasswordVault); !ok || ref == "" {
		return nil, nil
	}
	vault, err := config.NewVaultSource(addr, token, log)
	if err != nil {
		return nil, &config.ConfigurationError{Field: config.KeyPasswordVault, Reason: "Vault client could not be created", Err: err}
	}
	return vault, nil
}
