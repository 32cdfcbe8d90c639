// Package main provides the command line entry point for Brent price
// changepoint detection:
// - loads and cleans the price series from the data directory
// - reports data quality
// - samples the single-changepoint posterior and prints its summary as JSON
// - optionally exports the cleaned series, merges factor series onto the
//   price dates and serves Prometheus metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/brent-changepoint/internal/changepoint"
	"github.com/atlas-desktop/brent-changepoint/internal/config"
	"github.com/atlas-desktop/brent-changepoint/internal/forecast"
	"github.com/atlas-desktop/brent-changepoint/internal/metrics"
	"github.com/atlas-desktop/brent-changepoint/internal/series"
	"github.com/atlas-desktop/brent-changepoint/pkg/types"
	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// output is what the command prints to stdout.
type output struct {
	Series      string                   `json:"series"`
	Quality     *series.QualityReport    `json:"quality"`
	Changepoint *types.ChangepointResult `json:"changepoint"`
	Summary     *changepoint.Summary     `json:"summary"`
	Forecast    *types.ForecastResult    `json:"forecast,omitempty"`
	Volatility  *types.VolatilityResult  `json:"volatility,omitempty"`
	ExportPath  string                   `json:"exportPath,omitempty"`
	MergedPath  string                   `json:"mergedPath,omitempty"`
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Config file (yaml, json or toml)")
	envFile := flag.String("env", ".env", "Dotenv file loaded before the config")
	dataDir := flag.String("data", "", "Data directory")
	seriesName := flag.String("series", "", "Series name inside the data directory")
	start := flag.String("start", "", "First date to analyse (YYYY-MM-DD)")
	end := flag.String("end", "", "Last date to analyse (YYYY-MM-DD)")
	draws := flag.Int("draws", 0, "Post-tuning draws per chain")
	tune := flag.Int("tune", 0, "Tuning iterations per chain")
	chains := flag.Int("chains", 0, "Number of chains")
	seed := flag.Int64("seed", 0, "Base random seed (0 for time based)")
	parallel := flag.Bool("parallel", false, "Run chains concurrently")
	returns := flag.Bool("returns", false, "Detect on log returns instead of prices")
	export := flag.String("export", "", "Export the cleaned series (csv, parquet or json)")
	factors := flag.String("factors", "", "Comma-separated factor series to merge onto the price dates")
	forecastSteps := flag.Int("forecast", 0, "Also request an ARIMA/GARCH forecast of this many steps")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.Data.DataDir = *dataDir
		case "series":
			cfg.Data.Series = *seriesName
		case "draws":
			cfg.Sampler.Draws = *draws
		case "tune":
			cfg.Sampler.Tune = *tune
		case "chains":
			cfg.Sampler.Chains = *chains
		case "seed":
			cfg.Sampler.Seed = *seed
		case "parallel":
			cfg.Sampler.SequentialExecution = !*parallel
		case "returns":
			cfg.Data.UseReturns = *returns
		case "export":
			cfg.Data.ExportFormat = *export
		case "factors":
			cfg.Data.Factors = splitList(*factors)
		case "metrics-addr":
			cfg.Metrics.Enabled = *metricsAddr != ""
			cfg.Metrics.Addr = *metricsAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid flags: %v\n", err)
		os.Exit(2)
	}

	// Setup logger
	logger := setupLogger(cfg.Log)
	defer logger.Sync()

	window, err := parseWindow(*start, *end)
	if err != nil {
		logger.Fatal("Invalid date window", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(logger, cfg.Metrics.Addr, registry)
	}

	out, runErr := run(ctx, logger, cfg, window, recorder, *forecastSteps)
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			logger.Error("Failed to write output", zap.Error(err))
		}
	}

	if metricsServer != nil {
		if runErr == nil {
			logger.Info("Serving metrics until interrupted", zap.String("addr", cfg.Metrics.Addr))
			<-ctx.Done()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	if runErr != nil {
		logger.Error("Detection failed", zap.Error(runErr))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, window utils.TimeRange, recorder *metrics.Recorder, forecastSteps int) (*output, error) {
	store, err := series.NewStore(logger, cfg.Data.DataDir, nil)
	if err != nil {
		return nil, err
	}

	s, err := store.Get(ctx, cfg.Data.Series, window)
	if err != nil {
		return nil, err
	}

	out := &output{Series: s.Name}
	if cfg.Data.ExportFormat != "" {
		path, err := store.Save(s, cfg.Data.ExportFormat)
		if err != nil {
			return nil, err
		}
		out.ExportPath = path
		logger.Info("Exported cleaned series", zap.String("path", path))
	}

	if len(cfg.Data.Factors) > 0 {
		frame, err := store.Merge(ctx, cfg.Data.Series, cfg.Data.Factors, window)
		if err != nil {
			return nil, err
		}
		path, err := store.SaveFrame(frame, s.Name+"_merged")
		if err != nil {
			return nil, err
		}
		out.MergedPath = path
		logger.Info("Merged factor series",
			zap.Strings("factors", cfg.Data.Factors),
			zap.Int("rows", len(frame.Dates)),
			zap.String("path", path),
		)
	}

	if cfg.Data.UseReturns {
		s = s.LogReturns()
		out.Series = s.Name
	}

	out.Quality = series.NewQualityValidator(logger).Validate(s)
	logger.Info("Data quality",
		zap.String("series", s.Name),
		zap.Int("observations", out.Quality.Observations),
		zap.Int("score", out.Quality.QualityScore),
		zap.Bool("usable", out.Quality.IsUsable),
		zap.String("span", out.Quality.Duration),
	)
	for _, rec := range out.Quality.Recommendations {
		logger.Debug("Quality recommendation", zap.String("recommendation", rec))
	}

	detector, err := changepoint.NewDetector(logger, &cfg.Sampler, recorder)
	if err != nil {
		return nil, err
	}

	models := forecast.Models{Changepoint: detector}
	if forecastSteps > 0 {
		client := forecast.NewModelClient(logger, cfg.ModelService)
		models.Price = client
		models.Volatility = client
	}
	orch, err := forecast.NewOrchestrator(logger, nil, s, models)
	if err != nil {
		return nil, err
	}

	result, detectErr := orch.Changepoint(ctx)
	if result == nil {
		return nil, detectErr
	}
	summary := orch.LastSummary()
	out.Changepoint = result
	out.Summary = summary
	if detectErr != nil {
		return out, detectErr
	}

	logger.Info("Changepoint",
		zap.Int("index", summary.MostLikelyChangepoint),
		zap.Stringp("date", formatDate(summary.ChangepointDate)),
		zap.Bool("converged", summary.Converged()),
		zap.String("elapsed", utils.FormatDuration(summary.Diagnostics.Duration)),
	)

	if forecastSteps > 0 {
		if out.Forecast, err = orch.Forecast(ctx, forecastSteps); err != nil {
			logger.Warn("Price forecast unavailable", zap.Error(err))
		}
		if out.Volatility, err = orch.Volatility(ctx, forecastSteps); err != nil {
			logger.Warn("Volatility forecast unavailable", zap.Error(err))
		}
	}

	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}

func parseWindow(start, end string) (utils.TimeRange, error) {
	var tr utils.TimeRange
	var err error
	if start != "" {
		if tr.Start, err = time.Parse(time.DateOnly, start); err != nil {
			return tr, fmt.Errorf("start: %w", err)
		}
	}
	if end != "" {
		if tr.End, err = time.Parse(time.DateOnly, end); err != nil {
			return tr, fmt.Errorf("end: %w", err)
		}
	}
	return tr, tr.Validate()
}

func startMetricsServer(logger *zap.Logger, addr string, registry *prometheus.Registry) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return srv
}

func setupLogger(cfg types.LogConfig) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "console"
	encodeLevel := zapcore.CapitalColorLevelEncoder
	if strings.EqualFold(cfg.Format, "json") {
		encoding = "json"
		encodeLevel = zapcore.LowercaseLevelEncoder
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		// stdout carries the JSON result.
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
