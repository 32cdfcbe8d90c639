// Package types provides configuration and result types shared across the
// changepoint service.
package types

import "time"

// LogConfig configures the zap logger
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // console or json
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DataDir string `mapstructure:"data_dir" json:"dataDir"`
	Series  string `mapstructure:"series" json:"series"` // Series name inside DataDir

	// ExportFormat is csv, parquet or json; empty disables the export.
	ExportFormat string `mapstructure:"export_format" json:"exportFormat"`

	// UseReturns detects on log returns instead of prices.
	UseReturns bool `mapstructure:"use_returns" json:"useReturns"`

	// Factors are series merged onto the price dates and written as
	// <series>_merged.csv.
	Factors []string `mapstructure:"factors" json:"factors,omitempty"`
}

// MetricsConfig represents the diagnostics listener configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

// ModelServiceConfig points at the service hosting the fitted forecasters
type ModelServiceConfig struct {
	BaseURL      string        `mapstructure:"base_url" json:"baseUrl"`
	Timeout      time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts" json:"maxAttempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" json:"initialDelay"`
	APIKey       string        `mapstructure:"api_key" json:"-"`
}
