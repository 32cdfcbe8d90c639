package types

import "time"

// ModelKind names a forecasting model.
type ModelKind string

const (
	ModelARIMA       ModelKind = "arima"
	ModelGARCH       ModelKind = "garch"
	ModelLSTM        ModelKind = "lstm"
	ModelChangepoint ModelKind = "changepoint"
)

// PricePoint is one dated value in an API response.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// ForecastResult is a multi-step point forecast.
type ForecastResult struct {
	Model     ModelKind    `json:"model"`
	Steps     int          `json:"steps"`
	Forecast  []float64    `json:"forecast"`
	Points    []PricePoint `json:"points,omitempty"` // Forecast values dated after the last observation
	CreatedAt time.Time    `json:"createdAt"`
}

// VolatilityResult is a conditional variance forecast.
type VolatilityResult struct {
	Model     ModelKind `json:"model"`
	Steps     int       `json:"steps"`
	Variance  []float64 `json:"variance"`
	CreatedAt time.Time `json:"createdAt"`
}

// PredictionResult is a one-step sequence model prediction.
type PredictionResult struct {
	Model      ModelKind `json:"model"`
	Prediction float64   `json:"prediction"`
	InputSize  int       `json:"inputSize"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChangepointResult is what consumers receive for a changepoint request.
type ChangepointResult struct {
	RunID        string     `json:"runId"`
	Index        int        `json:"changePoint"`
	Date         *time.Time `json:"date,omitempty"`
	MeanBefore   float64    `json:"meanBefore"`
	MeanAfter    float64    `json:"meanAfter"`
	Converged    bool       `json:"converged"`
	Divergences  int        `json:"divergences"`
	Observations int        `json:"observations"`
	ComputedAt   time.Time  `json:"computedAt"`
}
