// Package config loads service configuration from a YAML file, a .env file
// and CHANGEPOINT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/brent-changepoint/internal/changepoint"
	"github.com/atlas-desktop/brent-changepoint/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. CHANGEPOINT_SAMPLER_DRAWS.
const EnvPrefix = "CHANGEPOINT"

// Config is the full service configuration.
type Config struct {
	Log          types.LogConfig          `mapstructure:"log"`
	Data         types.DataConfig         `mapstructure:"data"`
	Metrics      types.MetricsConfig      `mapstructure:"metrics"`
	ModelService types.ModelServiceConfig `mapstructure:"model_service"`
	Sampler      changepoint.Config       `mapstructure:"sampler"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("data.data_dir", "data")
	v.SetDefault("data.series", "brent_oil_prices")
	v.SetDefault("data.export_format", "")
	v.SetDefault("data.use_returns", false)
	v.SetDefault("data.factors", []string{})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("model_service.base_url", "http://localhost:5000")
	v.SetDefault("model_service.timeout", 30*time.Second)
	v.SetDefault("model_service.max_attempts", 3)
	v.SetDefault("model_service.initial_delay", 200*time.Millisecond)
	v.SetDefault("model_service.api_key", "")

	def := changepoint.DefaultConfig()
	v.SetDefault("sampler.draws", def.Draws)
	v.SetDefault("sampler.tune", def.Tune)
	v.SetDefault("sampler.chains", def.Chains)
	v.SetDefault("sampler.sequential_execution", def.SequentialExecution)
	v.SetDefault("sampler.seed", def.Seed)
	v.SetDefault("sampler.target_accept", def.TargetAccept)
	v.SetDefault("sampler.max_leapfrog", def.MaxLeapfrog)
	v.SetDefault("sampler.rhat_threshold", def.RHatThreshold)
	v.SetDefault("sampler.workers", 0)
	v.SetDefault("sampler.steps", []string{string(changepoint.StepDiscreteWalk), string(changepoint.StepHamiltonian)})
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalises the sampler section and checks the rest.
func (c *Config) Validate() error {
	if err := c.Sampler.Normalize(); err != nil {
		return err
	}
	switch strings.ToLower(c.Data.ExportFormat) {
	case "", "csv", "parquet", "json":
	default:
		return fmt.Errorf("invalid config: data.export_format %q (use csv, parquet or json)", c.Data.ExportFormat)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid config: log.format %q (use console or json)", c.Log.Format)
	}
	if c.ModelService.MaxAttempts < 1 {
		c.ModelService.MaxAttempts = 1
	}
	return nil
}
