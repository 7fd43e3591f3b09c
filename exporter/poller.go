package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/atomic"
)

// Collector fills reg with the metrics of one cycle. A returned error marks the
// cycle as failed and its partial metrics are discarded.
type Collector interface {
	Collect(ctx context.Context, reg *prometheus.Registry) error
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, reg *prometheus.Registry) error

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context, reg *prometheus.Registry) error {
	return f(ctx, reg)
}

const (
	DefaultPollInterval = 60 * time.Second
	DefaultCycleTimeout = 30 * time.Second
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Namespace prefixes the scrape status gauges, e.g. acinfinity_last_scrape_success.
	Namespace    string
	Interval     time.Duration
	CycleTimeout time.Duration
	Log          *slog.Logger
}

// Poller runs the collector on a fixed interval from a single goroutine.
// Cycles never overlap: a slow cycle delays the next tick.
type Poller struct {
	collector Collector
	cfg       PollerConfig
	log       *slog.Logger
	now       func() time.Time

	snapshot atomic.Pointer[prometheus.Registry]
	cycles   atomic.Int64
	failures atomic.Int64
}

// NewPoller creates a poller. Nothing is collected until Run or Cycle is called.
func NewPoller(collector Collector, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	return &Poller{
		collector: collector,
		cfg:       cfg,
		log:       cfg.Log,
		now:       time.Now,
	}
}

// Run collects immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("Starting poller", slog.Duration("interval", p.cfg.Interval))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.Cycle(ctx) //nolint:errcheck // logged and published by Cycle
		select {
		case <-ctx.Done():
			p.log.Info("Poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Cycle performs one collection and publishes its registry.
func (p *Poller) Cycle(ctx context.Context) error {
	start := p.now()
	cycleCtx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	reg := prometheus.NewRegistry()
	err := p.collector.Collect(cycleCtx, reg)
	if err != nil {
		// Partial metrics of a failed cycle are never published.
		reg = prometheus.NewRegistry()
		p.failures.Inc()
		p.log.Warn("Collection failed", "err", err, slog.Duration("duration", time.Since(start)))
	}

	if regErr := p.registerStatus(reg, err == nil, start); regErr != nil {
		return fmt.Errorf("failed to register scrape status: %w", regErr)
	}

	p.snapshot.Store(reg)
	p.cycles.Inc()
	if err == nil {
		p.log.Debug("Collection complete", slog.Duration("duration", time.Since(start)))
	}
	return err
}

func (p *Poller) registerStatus(reg *prometheus.Registry, success bool, start time.Time) error {
	successGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.cfg.Namespace,
		Name:      "last_scrape_success",
		Help:      "Whether the last scrape was successful (1=success, 0=failure).",
	})
	timestampGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.cfg.Namespace,
		Name:      "last_scrape_timestamp",
		Help:      "Unix timestamp of the last scrape.",
	})
	durationGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.cfg.Namespace,
		Name:      "last_scrape_duration_seconds",
		Help:      "Duration of the last scrape.",
	})

	if success {
		successGauge.Set(1)
	}
	timestampGauge.Set(float64(start.Unix()))
	durationGauge.Set(p.now().Sub(start).Seconds())

	for _, c := range []prometheus.Collector{successGauge, timestampGauge, durationGauge} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Gatherer returns a gatherer that always reads the latest published cycle.
func (p *Poller) Gatherer() prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		reg := p.snapshot.Load()
		if reg == nil {
			return nil, nil
		}
		return reg.Gather()
	})
}

// Ready reports whether at least one cycle has been published.
func (p *Poller) Ready() bool {
	return p.snapshot.Load() != nil
}

// Cycles returns the number of published cycles and how many of them failed.
func (p *Poller) Cycles() (total, failed int64) {
	return p.cycles.Load(), p.failures.Load()
}
