package changepoint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/internal/series"
	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// Detector wires the model builder, the sampler and the summarizer.
type Detector struct {
	logger   *zap.Logger
	config   *Config
	recorder Recorder
}

// NewDetector creates a detector. A nil config uses DefaultConfig and a nil
// recorder discards telemetry. The config is copied.
func NewDetector(logger *zap.Logger, config *Config, recorder Recorder) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var cfg Config
	if config == nil {
		cfg = *DefaultConfig()
	} else {
		cfg = *config
		cfg.Steps = append([]StepKind(nil), config.Steps...)
		if err := cfg.Normalize(); err != nil {
			return nil, err
		}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Detector{
		logger:   logger,
		config:   &cfg,
		recorder: recorder,
	}, nil
}

// Detect finds the most probable single changepoint in prices. cfg
// overrides the detector's configuration for this call when non-nil.
//
// Errors: *InsufficientDataError and *ModelMisspecifiedError are fatal and
// come with a nil summary. On cancellation the summary of the draws retained
// so far is returned together with an error wrapping ctx.Err().
func (d *Detector) Detect(ctx context.Context, prices []float64, cfg *Config) (*Summary, error) {
	if cfg == nil {
		cfg = d.config
	}
	runID := utils.GenerateRunID()
	logger := d.logger.With(zap.String("run_id", runID))

	model, err := NewModel(prices)
	if err != nil {
		return nil, err
	}

	sampler, err := NewSampler(logger, cfg, WithRecorder(d.recorder))
	if err != nil {
		return nil, err
	}

	trace, sampleErr := sampler.Sample(ctx, model)
	var misspecified *ModelMisspecifiedError
	if trace == nil || errors.As(sampleErr, &misspecified) {
		return nil, sampleErr
	}

	summary := Summarize(trace)
	summary.RunID = runID

	for _, p := range summary.Parameters() {
		d.recorder.SetRHat(p.Name, p.RHat)
	}
	for _, w := range summary.Warnings {
		logger.Warn("chains did not converge",
			zap.String("parameter", w.Parameter),
			zap.Float64("rhat", w.RHat),
			zap.Float64("threshold", w.Threshold),
		)
	}
	if summary.Diagnostics.Divergences > 0 {
		logger.Warn("divergent transitions",
			zap.Int("count", summary.Diagnostics.Divergences),
		)
	}
	for _, f := range summary.Diagnostics.Failures {
		logger.Warn("chain failed", zap.Int("chain", f.Chain), zap.String("reason", f.Reason))
	}

	logger.Info("changepoint detected",
		zap.Int("n", summary.N),
		zap.Int("most_likely_changepoint", summary.MostLikelyChangepoint),
		zap.Float64("tau_sd", summary.Tau.Std),
		zap.Float64("mu_pre", summary.MuPre.Mean),
		zap.Float64("mu_post", summary.MuPost.Mean),
		zap.Int("draws", summary.Draws),
	)

	return summary, sampleErr
}

// DetectSeries runs Detect on the prices of s and dates the changepoint.
// The date is the first observation of the post segment. It is left unset
// when tau sits on a boundary, meaning no change inside the window, and
// when the chains did not converge.
func (d *Detector) DetectSeries(ctx context.Context, s *series.Series, cfg *Config) (*Summary, error) {
	if s == nil {
		return nil, fmt.Errorf("detect: nil series")
	}
	summary, err := d.Detect(ctx, s.Prices(), cfg)
	if summary == nil {
		return nil, err
	}
	if tau := summary.MostLikelyChangepoint; tau > 0 && tau < s.Len() && summary.Converged() {
		if date, ok := s.DateAt(tau); ok {
			summary.ChangepointDate = &date
		}
	}
	return summary, err
}

// Detect builds the model for prices, samples it with cfg (DefaultConfig
// when nil) and summarises the draws. It logs nothing and records no metrics.
func Detect(ctx context.Context, prices []float64, cfg *Config) (*Summary, error) {
	d, err := NewDetector(zap.NewNop(), nil, nil)
	if err != nil {
		return nil, err
	}
	return d.Detect(ctx, prices, cfg)
}
