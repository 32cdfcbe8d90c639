package changepoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/internal/workers"
)

// Recorder receives sampler telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveRun(duration time.Duration, chains int, cancelled bool)
	AddDivergences(chain int, count int)
	SetChainAcceptance(chain int, step StepKind, rate float64)
	SetRHat(parameter string, value float64)
	IncChainFailures()
	ObserveChainPool(p99Latency time.Duration, skipped int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(time.Duration, int, bool)       {}
func (nopRecorder) AddDivergences(int, int)                   {}
func (nopRecorder) SetChainAcceptance(int, StepKind, float64) {}
func (nopRecorder) SetRHat(string, float64)                   {}
func (nopRecorder) IncChainFailures()                         {}
func (nopRecorder) ObserveChainPool(time.Duration, int)       {}

// Option customises a Sampler.
type Option func(*Sampler)

// WithRecorder routes run telemetry to r.
func WithRecorder(r Recorder) Option {
	return func(s *Sampler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Trace is the raw output of one sampling run, one entry per chain in
// chain-index order.
type Trace struct {
	N        int            `json:"n"`
	BaseSeed int64          `json:"base_seed"`
	Config   Config         `json:"config"`
	Chains   []*ChainResult `json:"chains"`
	Duration time.Duration  `json:"duration"`
}

// Usable returns the chains that started successfully.
func (t *Trace) Usable() []*ChainResult {
	out := make([]*ChainResult, 0, len(t.Chains))
	for _, c := range t.Chains {
		if c != nil && c.Failure == nil {
			out = append(out, c)
		}
	}
	return out
}

// Failures returns the named failure of every chain that produced nothing.
func (t *Trace) Failures() []ChainFailure {
	var out []ChainFailure
	for _, c := range t.Chains {
		if c != nil && c.Failure != nil {
			out = append(out, *c.Failure)
		}
	}
	return out
}

// Sampler draws from a Model with independent chains.
type Sampler struct {
	logger   *zap.Logger
	config   Config
	recorder Recorder
}

// NewSampler creates a sampler. A nil config uses DefaultConfig. The config
// is copied, so later changes by the caller have no effect.
func NewSampler(logger *zap.Logger, config *Config, opts ...Option) (*Sampler, error) {
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

	s := &Sampler{
		logger:   logger,
		config:   cfg,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns a copy of the effective configuration.
func (s *Sampler) Config() Config {
	c := s.config
	c.Steps = append([]StepKind(nil), s.config.Steps...)
	return c
}

// ChainSeed derives the seed of chain i from the run's base seed. Every
// schedule uses the same derivation, so a chain's stream depends only on
// (base, i).
func ChainSeed(base int64, i int) int64 {
	return int64(splitmix64(uint64(base) + uint64(i)))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Sample runs all chains and waits for them. If ctx is cancelled the trace
// holds whatever each chain had retained and the error wraps ctx.Err().
// When every chain fails to start it returns a *ModelMisspecifiedError.
func (s *Sampler) Sample(ctx context.Context, model *Model) (*Trace, error) {
	if model == nil {
		return nil, errors.New("sample: nil model")
	}
	cfg := s.config

	base := cfg.Seed
	if base == 0 {
		base = time.Now().UnixNano()
	}

	chains := make([]*chain, cfg.Chains)
	for i := range chains {
		c, err := newChain(s.logger, i, ChainSeed(base, i), model, &cfg)
		if err != nil {
			return nil, fmt.Errorf("sample: build chain %d: %w", i, err)
		}
		chains[i] = c
	}
	return s.run(ctx, model, base, chains)
}

// run executes prepared chains on the configured schedule and assembles
// the trace.
func (s *Sampler) run(ctx context.Context, model *Model, base int64, chains []*chain) (*Trace, error) {
	cfg := s.config

	s.logger.Info("sampling posterior",
		zap.Int("n", model.N()),
		zap.Int("chains", cfg.Chains),
		zap.Int("draws", cfg.Draws),
		zap.Int("tune", cfg.Tune),
		zap.Bool("sequential", cfg.SequentialExecution),
		zap.Int64("base_seed", base),
	)

	start := time.Now()
	results := make([]*ChainResult, len(chains))
	if cfg.SequentialExecution {
		for i, c := range chains {
			results[i] = s.runProtected(ctx, c)
		}
	} else {
		s.runConcurrent(ctx, chains, results)
	}

	trace := &Trace{
		N:        model.N(),
		BaseSeed: base,
		Config:   s.Config(),
		Chains:   results,
		Duration: time.Since(start),
	}

	cancelled := ctx.Err() != nil
	s.recorder.ObserveRun(trace.Duration, len(chains), cancelled)
	for _, r := range results {
		if r.Failure != nil {
			s.recorder.IncChainFailures()
			continue
		}
		s.recorder.AddDivergences(r.Chain, r.Divergences)
		for _, st := range r.Steps {
			s.recorder.SetChainAcceptance(r.Chain, st.Kind, st.AcceptanceRate())
		}
	}

	if failures := trace.Failures(); len(failures) == len(results) {
		s.logger.Error("no chain could start", zap.Int("chains", len(results)))
		return trace, &ModelMisspecifiedError{Failures: failures}
	}

	if cancelled {
		s.logger.Warn("sampling cancelled", zap.Duration("elapsed", trace.Duration))
		return trace, fmt.Errorf("sampling cancelled: %w", ctx.Err())
	}

	s.logger.Info("sampling complete", zap.Duration("elapsed", trace.Duration))
	return trace, nil
}

// runProtected runs one chain, turning a panic into a named failure.
func (s *Sampler) runProtected(ctx context.Context, c *chain) *ChainResult {
	var res *ChainResult
	err := workers.Protect(func() error {
		res = c.run(ctx)
		return nil
	})
	if err != nil {
		s.logger.Error("chain panicked", zap.Int("chain", c.id), zap.Error(err))
		return &ChainResult{
			Chain:   c.id,
			Seed:    c.seed,
			Failure: &ChainFailure{Chain: c.id, Reason: err.Error()},
		}
	}
	return res
}

func (s *Sampler) runConcurrent(ctx context.Context, chains []*chain, results []*ChainResult) {
	poolConfig := workers.DefaultPoolConfig("chains")
	poolConfig.NumWorkers = s.config.Workers
	// runProtected already turns a panic into a chain failure.
	poolConfig.PanicRecovery = false
	pool := workers.NewPool(s.logger, poolConfig)

	tasks := make([]workers.Task, len(chains))
	for i, c := range chains {
		i, c := i, c
		tasks[i] = workers.TaskFunc(func(ctx context.Context) error {
			results[i] = s.runProtected(ctx, c)
			return nil
		})
	}

	for i, err := range pool.Run(ctx, tasks) {
		if results[i] != nil {
			continue
		}
		// Skipped before it started: nothing retained, but it did not fail.
		results[i] = &ChainResult{Chain: i, Seed: chains[i].seed, Cancelled: true}
		if err != nil {
			s.logger.Debug("chain not started", zap.Int("chain", i), zap.Error(err))
		}
	}

	stats := pool.Stats()
	s.logger.Debug("chain pool finished",
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("skipped", stats.TasksSkipped),
		zap.Duration("p99_latency", stats.P99Latency),
	)
	s.recorder.ObserveChainPool(stats.P99Latency, int(stats.TasksSkipped))
}
