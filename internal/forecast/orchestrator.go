// Package forecast routes forecast requests for a price series to the
// model service and to the changepoint engine.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/internal/changepoint"
	"github.com/atlas-desktop/brent-changepoint/internal/series"
	"github.com/atlas-desktop/brent-changepoint/pkg/types"
	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// PriceForecaster produces a multi-step point forecast.
type PriceForecaster interface {
	Forecast(ctx context.Context, steps int) ([]float64, error)
}

// VolatilityForecaster produces a multi-step conditional variance forecast.
type VolatilityForecaster interface {
	Volatility(ctx context.Context, steps int) ([]float64, error)
}

// SequencePredictor predicts the value following an input sequence.
type SequencePredictor interface {
	Predict(ctx context.Context, input []float64) (float64, error)
}

// ChangepointDetector finds the single changepoint of a series.
type ChangepointDetector interface {
	DetectSeries(ctx context.Context, s *series.Series, cfg *changepoint.Config) (*changepoint.Summary, error)
}

// ErrEmptyInput is returned by Predict for an empty input sequence.
var ErrEmptyInput = errors.New("input sequence is empty")

// ErrUnavailable is returned when the collaborator for a request is not configured.
var ErrUnavailable = errors.New("model not configured")

// OrchestratorConfig configures the orchestrator.
type OrchestratorConfig struct {
	DefaultSteps   int           `json:"defaultSteps"`
	MaxSteps       int           `json:"maxSteps"`
	ChangepointTTL time.Duration `json:"changepointTtl"` // 0 caches until Invalidate
}

// DefaultOrchestratorConfig returns default configuration.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		DefaultSteps:   30,
		MaxSteps:       365,
		ChangepointTTL: 0,
	}
}

// Models holds the collaborators. Any of them may be nil.
type Models struct {
	Price       PriceForecaster
	Volatility  VolatilityForecaster
	Sequence    SequencePredictor
	Changepoint ChangepointDetector
}

// Orchestrator answers forecast requests for one series.
type Orchestrator struct {
	logger *zap.Logger
	config *OrchestratorConfig
	series *series.Series
	models Models

	mu       sync.Mutex
	cached   *types.ChangepointResult
	cachedAt time.Time
	summary  *changepoint.Summary
}

// NewOrchestrator creates an orchestrator over s.
func NewOrchestrator(logger *zap.Logger, config *OrchestratorConfig, s *series.Series, models Models) (*Orchestrator, error) {
	if s == nil {
		return nil, fmt.Errorf("orchestrator: nil series")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	return &Orchestrator{
		logger: logger,
		config: config,
		series: s,
		models: models,
	}, nil
}

// HistoricalData returns the observations inside tr, both ends inclusive.
func (o *Orchestrator) HistoricalData(tr utils.TimeRange) ([]types.PricePoint, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	slice := o.series.Slice(tr)
	points := make([]types.PricePoint, 0, slice.Len())
	for _, obs := range slice.Observations {
		points = append(points, types.PricePoint{
			Date:  obs.Date,
			Value: obs.Price.InexactFloat64(),
		})
	}
	return points, nil
}

func (o *Orchestrator) steps(steps int) (int, error) {
	if steps <= 0 {
		steps = o.config.DefaultSteps
	}
	if o.config.MaxSteps > 0 && steps > o.config.MaxSteps {
		return 0, fmt.Errorf("steps %d exceeds maximum %d", steps, o.config.MaxSteps)
	}
	return steps, nil
}

// Forecast returns the ARIMA point forecast. steps <= 0 uses the default.
// Points are dated on the business days following the last observation.
func (o *Orchestrator) Forecast(ctx context.Context, steps int) (*types.ForecastResult, error) {
	if o.models.Price == nil {
		return nil, fmt.Errorf("%s forecast: %w", types.ModelARIMA, ErrUnavailable)
	}
	steps, err := o.steps(steps)
	if err != nil {
		return nil, err
	}

	values, err := o.models.Price.Forecast(ctx, steps)
	if err != nil {
		o.logger.Error("price forecast failed", zap.Int("steps", steps), zap.Error(err))
		return nil, fmt.Errorf("%s forecast: %w", types.ModelARIMA, err)
	}

	result := &types.ForecastResult{
		Model:     types.ModelARIMA,
		Steps:     steps,
		Forecast:  values,
		CreatedAt: time.Now(),
	}
	if last, ok := o.series.DateAt(o.series.Len() - 1); ok {
		dates := businessDaysAfter(last, len(values))
		result.Points = make([]types.PricePoint, len(values))
		for i, v := range values {
			result.Points[i] = types.PricePoint{Date: dates[i], Value: v}
		}
	}
	return result, nil
}

// Volatility returns the GARCH variance forecast. steps <= 0 uses the default.
func (o *Orchestrator) Volatility(ctx context.Context, steps int) (*types.VolatilityResult, error) {
	if o.models.Volatility == nil {
		return nil, fmt.Errorf("%s volatility: %w", types.ModelGARCH, ErrUnavailable)
	}
	steps, err := o.steps(steps)
	if err != nil {
		return nil, err
	}

	variance, err := o.models.Volatility.Volatility(ctx, steps)
	if err != nil {
		o.logger.Error("volatility forecast failed", zap.Int("steps", steps), zap.Error(err))
		return nil, fmt.Errorf("%s volatility: %w", types.ModelGARCH, err)
	}
	return &types.VolatilityResult{
		Model:     types.ModelGARCH,
		Steps:     steps,
		Variance:  variance,
		CreatedAt: time.Now(),
	}, nil
}

// Predict returns the LSTM prediction for the value after input.
func (o *Orchestrator) Predict(ctx context.Context, input []float64) (*types.PredictionResult, error) {
	if o.models.Sequence == nil {
		return nil, fmt.Errorf("%s predict: %w", types.ModelLSTM, ErrUnavailable)
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("%s predict: %w", types.ModelLSTM, ErrEmptyInput)
	}

	prediction, err := o.models.Sequence.Predict(ctx, input)
	if err != nil {
		o.logger.Error("sequence prediction failed", zap.Int("input_size", len(input)), zap.Error(err))
		return nil, fmt.Errorf("%s predict: %w", types.ModelLSTM, err)
	}
	return &types.PredictionResult{
		Model:      types.ModelLSTM,
		Prediction: prediction,
		InputSize:  len(input),
		CreatedAt:  time.Now(),
	}, nil
}

// Changepoint returns the changepoint of the series. The result is computed
// once and served from cache until it expires or Invalidate is called. A
// cancelled run is returned with its error and not cached.
func (o *Orchestrator) Changepoint(ctx context.Context) (*types.ChangepointResult, error) {
	if o.models.Changepoint == nil {
		return nil, fmt.Errorf("%s: %w", types.ModelChangepoint, ErrUnavailable)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cached != nil && (o.config.ChangepointTTL <= 0 || time.Since(o.cachedAt) < o.config.ChangepointTTL) {
		result := *o.cached
		return &result, nil
	}

	summary, err := o.models.Changepoint.DetectSeries(ctx, o.series, nil)
	if summary == nil {
		return nil, fmt.Errorf("%s: %w", types.ModelChangepoint, err)
	}
	o.summary = summary

	result := NewChangepointResult(summary)
	if err != nil {
		o.logger.Warn("partial changepoint result", zap.String("run_id", summary.RunID), zap.Error(err))
		return result, err
	}

	o.cached = result
	o.cachedAt = result.ComputedAt
	cp := *result
	return &cp, nil
}

// LastSummary returns the full posterior summary behind the latest
// changepoint result, or nil before the first run.
func (o *Orchestrator) LastSummary() *changepoint.Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summary
}

// NewChangepointResult reduces a summary to the consumer-facing result.
func NewChangepointResult(summary *changepoint.Summary) *types.ChangepointResult {
	return &types.ChangepointResult{
		RunID:        summary.RunID,
		Index:        summary.MostLikelyChangepoint,
		Date:         summary.ChangepointDate,
		MeanBefore:   summary.MuPre.Mean,
		MeanAfter:    summary.MuPost.Mean,
		Converged:    summary.Converged(),
		Divergences:  summary.Diagnostics.Divergences,
		Observations: summary.N,
		ComputedAt:   time.Now(),
	}
}

// Invalidate drops the cached changepoint result.
func (o *Orchestrator) Invalidate() {
	o.mu.Lock()
	o.cached = nil
	o.summary = nil
	o.mu.Unlock()
}

// businessDaysAfter returns the next n weekdays after t.
func businessDaysAfter(t time.Time, n int) []time.Time {
	dates := make([]time.Time, 0, n)
	d := t
	for len(dates) < n {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		dates = append(dates, d)
	}
	return dates
}
