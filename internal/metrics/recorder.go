// Package metrics exports changepoint sampler telemetry to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/atlas-desktop/brent-changepoint/internal/changepoint"
)

// Recorder implements changepoint.Recorder using Prometheus.
type Recorder struct {
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	runChains       prometheus.Gauge
	divergences     *prometheus.CounterVec
	chainFailures   prometheus.Counter
	chainAcceptance *prometheus.GaugeVec
	rhat            *prometheus.GaugeVec
	chainLatency    prometheus.Gauge
	chainsSkipped   prometheus.Counter
}

var _ changepoint.Recorder = (*Recorder)(nil)

// New registers the sampler metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "changepoint_runs_total",
				Help: "Total number of sampling runs",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "changepoint_run_duration_seconds",
				Help:    "Wall time of a sampling run in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		runChains: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "changepoint_run_chains",
				Help: "Number of chains in the last sampling run",
			},
		),
		divergences: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "changepoint_divergences_total",
				Help: "Divergent Hamiltonian transitions",
			},
			[]string{"chain"},
		),
		chainFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "changepoint_chain_failures_total",
				Help: "Chains that could not start from a finite log posterior",
			},
		),
		chainAcceptance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "changepoint_chain_acceptance_ratio",
				Help: "Post-tuning acceptance rate of the last run per chain and step",
			},
			[]string{"chain", "step"},
		),
		rhat: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "changepoint_rhat",
				Help: "Split R-hat of the last run per parameter (0 when undefined, +Inf for frozen chains)",
			},
			[]string{"parameter"},
		),
		chainLatency: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "changepoint_chain_p99_seconds",
				Help: "99th percentile chain wall time of the last concurrent run",
			},
		),
		chainsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "changepoint_chains_skipped_total",
				Help: "Chains never started because the run was cancelled first",
			},
		),
	}
}

// ObserveRun records one finished or cancelled run.
func (r *Recorder) ObserveRun(duration time.Duration, chains int, cancelled bool) {
	status := "completed"
	if cancelled {
		status = "cancelled"
	}
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.Observe(duration.Seconds())
	r.runChains.Set(float64(chains))
}

// AddDivergences adds a chain's divergence count.
func (r *Recorder) AddDivergences(chain int, count int) {
	if count <= 0 {
		return
	}
	r.divergences.WithLabelValues(strconv.Itoa(chain)).Add(float64(count))
}

// SetChainAcceptance records a chain's acceptance rate for one step.
func (r *Recorder) SetChainAcceptance(chain int, step changepoint.StepKind, rate float64) {
	r.chainAcceptance.WithLabelValues(strconv.Itoa(chain), string(step)).Set(rate)
}

// SetRHat records the convergence statistic of one parameter.
func (r *Recorder) SetRHat(parameter string, value float64) {
	r.rhat.WithLabelValues(parameter).Set(value)
}

// IncChainFailures counts a chain that produced no draws.
func (r *Recorder) IncChainFailures() {
	r.chainFailures.Inc()
}

// ObserveChainPool records how the worker pool ran the chains of one
// concurrent run.
func (r *Recorder) ObserveChainPool(p99Latency time.Duration, skipped int) {
	r.chainLatency.Set(p99Latency.Seconds())
	if skipped > 0 {
		r.chainsSkipped.Add(float64(skipped))
	}
}
