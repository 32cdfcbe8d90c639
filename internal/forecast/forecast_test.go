// Package forecast_test provides tests for forecast routing.
package forecast_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/internal/changepoint"
	"github.com/atlas-desktop/brent-changepoint/internal/forecast"
	"github.com/atlas-desktop/brent-changepoint/internal/series"
	"github.com/atlas-desktop/brent-changepoint/pkg/types"
	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// modelService fakes the model-serving API.
func modelService(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()

	mux.HandleFunc("/models/arima/forecast", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		var req struct {
			Steps int `json:"steps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([]float64, req.Steps)
		for i := range out {
			out[i] = 80 + float64(i)
		}
		json.NewEncoder(w).Encode(map[string][]float64{"forecast": out})
	})

	mux.HandleFunc("/models/garch/volatility", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Steps int `json:"steps"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		out := make([]float64, req.Steps)
		for i := range out {
			out[i] = 0.02
		}
		json.NewEncoder(w).Encode(map[string][]float64{"volatility": out})
	})

	mux.HandleFunc("/models/lstm/predict", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			InputData []float64 `json:"input_data"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.InputData) == 0 {
			http.Error(w, "input_data required", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]float64{"prediction": req.InputData[len(req.InputData)-1] + 1})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newClient(url string) *forecast.ModelClient {
	return forecast.NewModelClient(zap.NewNop(), types.ModelServiceConfig{
		BaseURL:      url + "/",
		Timeout:      5 * time.Second,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		APIKey:       "secret",
	})
}

func weekdaySeries(t *testing.T, n int) *series.Series {
	t.Helper()
	obs := make([]series.Observation, 0, n)
	d := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC) // Monday
	for len(obs) < n {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			price := 70.0
			if len(obs) >= n/2 {
				price = 90
			}
			price += float64(len(obs)%3) * 0.1
			obs = append(obs, series.Observation{Date: d, Price: decimal.NewFromFloat(price)})
		}
		d = d.AddDate(0, 0, 1)
	}
	s, err := series.New("brent", obs)
	if err != nil {
		t.Fatalf("series.New: %v", err)
	}
	return s
}

func TestModelClientRetriesServerErrors(t *testing.T) {
	srv, calls := modelService(t, 2)
	client := newClient(srv.URL)

	out, err := client.Forecast(context.Background(), 5)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(out) != 5 || out[0] != 80 {
		t.Errorf("forecast = %v", out)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestModelClientDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := modelService(t, 0)
	client := newClient(srv.URL)

	_, err := client.Predict(context.Background(), nil)
	var statusErr *forecast.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", statusErr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestModelClientGivesUp(t *testing.T) {
	srv, calls := modelService(t, 100)
	client := newClient(srv.URL)

	_, err := client.Forecast(context.Background(), 5)
	var statusErr *forecast.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want 503 StatusError", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestOrchestratorRoutesModels(t *testing.T) {
	srv, _ := modelService(t, 0)
	client := newClient(srv.URL)
	s := weekdaySeries(t, 10)

	orch, err := forecast.NewOrchestrator(zap.NewNop(), nil, s, forecast.Models{
		Price:      client,
		Volatility: client,
		Sequence:   client,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	ctx := context.Background()

	fc, err := orch.Forecast(ctx, 0)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if fc.Steps != 30 || len(fc.Forecast) != 30 || len(fc.Points) != 30 {
		t.Errorf("default forecast has %d steps, %d values, %d points", fc.Steps, len(fc.Forecast), len(fc.Points))
	}
	last, _ := s.DateAt(s.Len() - 1)
	for i, p := range fc.Points {
		if !p.Date.After(last) {
			t.Errorf("point %d dated %s, not after %s", i, p.Date, last)
		}
		if wd := p.Date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Errorf("point %d falls on %s", i, wd)
		}
	}

	vol, err := orch.Volatility(ctx, 7)
	if err != nil {
		t.Fatalf("Volatility: %v", err)
	}
	if vol.Model != types.ModelGARCH || len(vol.Variance) != 7 {
		t.Errorf("volatility = %+v", vol)
	}

	pred, err := orch.Predict(ctx, []float64{80, 81, 82})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Prediction != 83 || pred.InputSize != 3 {
		t.Errorf("prediction = %+v", pred)
	}
	if _, err := orch.Predict(ctx, nil); !errors.Is(err, forecast.ErrEmptyInput) {
		t.Errorf("empty predict error = %v, want ErrEmptyInput", err)
	}

	if _, err := orch.Forecast(ctx, 10_000); err == nil {
		t.Error("expected an error above MaxSteps")
	}
	if _, err := orch.Changepoint(ctx); !errors.Is(err, forecast.ErrUnavailable) {
		t.Errorf("changepoint without detector error = %v, want ErrUnavailable", err)
	}
}

func TestOrchestratorHistoricalData(t *testing.T) {
	s := weekdaySeries(t, 10)
	orch, err := forecast.NewOrchestrator(zap.NewNop(), nil, s, forecast.Models{})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	all, err := orch.HistoricalData(utils.TimeRange{})
	if err != nil || len(all) != 10 {
		t.Fatalf("HistoricalData = %d points, %v", len(all), err)
	}

	first, _ := s.DateAt(0)
	third, _ := s.DateAt(2)
	window, err := orch.HistoricalData(utils.TimeRange{Start: first, End: third})
	if err != nil {
		t.Fatalf("HistoricalData: %v", err)
	}
	if len(window) != 3 || window[0].Value != 70 {
		t.Errorf("window = %+v", window)
	}

	if _, err := orch.HistoricalData(utils.TimeRange{Start: third, End: first}); err == nil {
		t.Error("expected an error for an inverted range")
	}
}

type countingDetector struct {
	calls    int
	detector *changepoint.Detector
}

func (d *countingDetector) DetectSeries(ctx context.Context, s *series.Series, cfg *changepoint.Config) (*changepoint.Summary, error) {
	d.calls++
	return d.detector.DetectSeries(ctx, s, cfg)
}

func TestOrchestratorCachesChangepoint(t *testing.T) {
	s := weekdaySeries(t, 40)
	detector, err := changepoint.NewDetector(zap.NewNop(), &changepoint.Config{
		Draws:               500,
		Tune:                500,
		Chains:              2,
		SequentialExecution: true,
		Seed:                21,
	}, nil)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	counting := &countingDetector{detector: detector}

	orch, err := forecast.NewOrchestrator(zap.NewNop(), nil, s, forecast.Models{Changepoint: counting})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	first, err := orch.Changepoint(context.Background())
	if err != nil {
		t.Fatalf("Changepoint: %v", err)
	}
	if d := first.Index - 20; d < -2 || d > 2 {
		t.Errorf("changepoint index = %d, want about 20", first.Index)
	}
	if first.Date == nil {
		t.Fatal("changepoint date not set")
	}
	if want, _ := s.DateAt(first.Index); !first.Date.Equal(want) {
		t.Errorf("date = %s, want %s", first.Date, want)
	}
	if first.MeanBefore > first.MeanAfter {
		t.Errorf("means = %v -> %v, want an upward shift", first.MeanBefore, first.MeanAfter)
	}

	second, err := orch.Changepoint(context.Background())
	if err != nil {
		t.Fatalf("Changepoint: %v", err)
	}
	if counting.calls != 1 || second.RunID != first.RunID {
		t.Errorf("second call ran detection again (calls=%d)", counting.calls)
	}

	orch.Invalidate()
	if _, err := orch.Changepoint(context.Background()); err != nil {
		t.Fatalf("Changepoint after Invalidate: %v", err)
	}
	if counting.calls != 2 {
		t.Errorf("calls = %d after Invalidate, want 2", counting.calls)
	}
}

func TestOrchestratorDoesNotCacheCancelledRun(t *testing.T) {
	s := weekdaySeries(t, 20)
	detector, err := changepoint.NewDetector(zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	counting := &countingDetector{detector: detector}
	orch, err := forecast.NewOrchestrator(zap.NewNop(), nil, s, forecast.Models{Changepoint: counting})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := orch.Changepoint(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if result == nil || result.Index != -1 {
		t.Errorf("result = %+v, want index -1 for a run with no draws", result)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	if _, err := orch.Changepoint(ctx2); !errors.Is(err, context.Canceled) {
		t.Errorf("second cancelled call error = %v", err)
	}
	if counting.calls != 2 {
		t.Errorf("calls = %d, want 2: a cancelled result must not be cached", counting.calls)
	}
}
