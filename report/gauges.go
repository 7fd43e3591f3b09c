package report

import (
	"github.com/LukeEvansTech/certdeploy/deploy"
	"github.com/prometheus/client_golang/prometheus"
)

var gaugeLabels = []string{"adapter", "device"}

// Gauges expose the last result of each adapter/device pair.
type Gauges struct {
	outcome   *prometheus.GaugeVec
	state     *prometheus.GaugeVec
	exitCode  *prometheus.GaugeVec
	timestamp *prometheus.GaugeVec
	duration  *prometheus.GaugeVec
	notAfter  *prometheus.GaugeVec
}

// NewGauges registers the gauges on reg under namespace.
func NewGauges(reg prometheus.Registerer, namespace string) (*Gauges, error) {
	g := &Gauges{
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success",
			Help:      "1 if the last deployment was verified, 0 otherwise.",
		}, gaugeLabels),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_state",
			Help:      "Last state reached: 0 unauthenticated, 1 authenticated, 2 staged, 3 activated, 4 restarted, 5 verified.",
		}, gaugeLabels),
		exitCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_exit_code",
			Help:      "Exit code of the last deployment.",
		}, gaugeLabels),
		timestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last deployment started.",
		}, gaugeLabels),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_duration_seconds",
			Help:      "Duration of the last deployment.",
		}, gaugeLabels),
		notAfter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "served_certificate_not_after_seconds",
			Help:      "Expiry of the certificate the device served at verification, as Unix time.",
		}, gaugeLabels),
	}

	for _, c := range []prometheus.Collector{g.outcome, g.state, g.exitCode, g.timestamp, g.duration, g.notAfter} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Observe records result. The expiry gauge is only set when the device
// reported a validity window.
func (g *Gauges) Observe(result deploy.Result) {
	labels := prometheus.Labels{"adapter": result.Adapter, "device": result.Device}

	success := 0.0
	if result.Succeeded() {
		success = 1
	}
	g.outcome.With(labels).Set(success)
	g.state.With(labels).Set(float64(result.State))
	g.exitCode.With(labels).Set(float64(ExitCode(result)))
	g.timestamp.With(labels).Set(float64(result.StartedAt.Unix()))
	g.duration.With(labels).Set(result.Duration.Seconds())
	if !result.Served.NotAfter.IsZero() {
		g.notAfter.With(labels).Set(float64(result.Served.NotAfter.Unix()))
	}
}
