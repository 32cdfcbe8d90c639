package changepoint

import (
	"fmt"
	"runtime"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds the sampler options. Zero numeric fields take their defaults
// on Normalize. Tune and SequentialExecution have no tag default because
// zero and false are meaningful, so DefaultConfig sets them explicitly.
type Config struct {
	Draws               int        `mapstructure:"draws" json:"draws" default:"1000" validate:"gte=1"`
	Tune                int        `mapstructure:"tune" json:"tune" validate:"gte=0"`
	Chains              int        `mapstructure:"chains" json:"chains" default:"4" validate:"gte=1,lte=64"`
	SequentialExecution bool       `mapstructure:"sequential_execution" json:"sequential_execution"`
	Seed                int64      `mapstructure:"seed" json:"seed"` // 0 for time-based
	TargetAccept        float64    `mapstructure:"target_accept" json:"target_accept" default:"0.8" validate:"gt=0,lt=1"`
	MaxLeapfrog         int        `mapstructure:"max_leapfrog" json:"max_leapfrog" default:"64" validate:"gte=1,lte=1024"`
	RHatThreshold       float64    `mapstructure:"rhat_threshold" json:"rhat_threshold" default:"1.1" validate:"gt=1"`
	Workers             int        `mapstructure:"workers" json:"workers" validate:"gte=0"`
	Steps               []StepKind `mapstructure:"steps" json:"steps" validate:"dive,oneof=discrete_walk hamiltonian"`
}

// DefaultConfig returns the standard analysis settings:
// 1000 draws after 1000 tuning iterations on 4 chains, one after another.
func DefaultConfig() *Config {
	c := &Config{Tune: 1000, SequentialExecution: true}
	if err := c.Normalize(); err != nil {
		panic(err)
	}
	return c
}

// Normalize fills defaults and validates the configuration in place.
func (c *Config) Normalize() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("apply sampler defaults: %w", err)
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if len(c.Steps) == 0 {
		c.Steps = []StepKind{StepDiscreteWalk, StepHamiltonian}
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid sampler config: %w", err)
	}

	// Every parameter has to be moved by some step.
	var walk, hmc bool
	for _, k := range c.Steps {
		switch k {
		case StepDiscreteWalk:
			walk = true
		case StepHamiltonian:
			hmc = true
		}
	}
	if !walk || !hmc {
		return fmt.Errorf("invalid sampler config: steps %v must include %q and %q", c.Steps, StepDiscreteWalk, StepHamiltonian)
	}
	return nil
}
