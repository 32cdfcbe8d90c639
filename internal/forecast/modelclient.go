package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/pkg/types"
	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// Model service routes.
const (
	arimaPath = "/models/arima/forecast"
	garchPath = "/models/garch/volatility"
	lstmPath  = "/models/lstm/predict"
)

// StatusError is a non-2xx reply from the model service.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model service %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// retryable reports whether the request may succeed if repeated.
func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ModelClient calls the service that hosts the fitted ARIMA, GARCH and LSTM
// models.
type ModelClient struct {
	logger  *zap.Logger
	baseURL string
	apiKey  string
	client  *http.Client
	retry   utils.RetryConfig
}

// NewModelClient builds a client from the model service configuration.
func NewModelClient(logger *zap.Logger, cfg types.ModelServiceConfig) *ModelClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := utils.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		retry.InitialDelay = cfg.InitialDelay
	}
	return &ModelClient{
		logger:  logger,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
	}
}

type stepsRequest struct {
	Steps int `json:"steps"`
}

type forecastResponse struct {
	Forecast []float64 `json:"forecast"`
}

type volatilityResponse struct {
	Volatility []float64 `json:"volatility"`
}

type predictRequest struct {
	InputData []float64 `json:"input_data"`
}

type predictResponse struct {
	Prediction float64 `json:"prediction"`
}

// Forecast returns the ARIMA point forecast for the next steps observations.
func (c *ModelClient) Forecast(ctx context.Context, steps int) ([]float64, error) {
	var resp forecastResponse
	if err := c.postJSON(ctx, arimaPath, stepsRequest{Steps: steps}, &resp); err != nil {
		return nil, err
	}
	return resp.Forecast, nil
}

// Volatility returns the GARCH conditional variance for the next steps observations.
func (c *ModelClient) Volatility(ctx context.Context, steps int) ([]float64, error) {
	var resp volatilityResponse
	if err := c.postJSON(ctx, garchPath, stepsRequest{Steps: steps}, &resp); err != nil {
		return nil, err
	}
	return resp.Volatility, nil
}

// Predict returns the LSTM one-step prediction following input.
func (c *ModelClient) Predict(ctx context.Context, input []float64) (float64, error) {
	var resp predictResponse
	if err := c.postJSON(ctx, lstmPath, predictRequest{InputData: input}, &resp); err != nil {
		return 0, err
	}
	return resp.Prediction, nil
}

// postJSON posts payload and decodes the reply into dest, retrying
// transport errors and 5xx/429 replies.
func (c *ModelClient) postJSON(ctx context.Context, path string, payload, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	attempt := 0
	_, err = utils.Retry(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		attempt++
		err := c.do(ctx, path, body, dest)
		if err == nil {
			return struct{}{}, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return struct{}{}, utils.Permanent(err)
		}
		c.logger.Debug("model service call failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return struct{}{}, err
	})
	return err
}

func (c *ModelClient) do(ctx context.Context, path string, body []byte, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", utils.GenerateRequestID())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
