package changepoint

import (
	"context"
	"math"
	"math/rand"

	"go.uber.org/zap"
)

// maxRecordedDivergences bounds the divergence details kept per chain; the
// count is always exact.
const maxRecordedDivergences = 20

// Sample is one retained posterior draw.
type Sample struct {
	Tau       int     `json:"tau"`
	MuPre     float64 `json:"mu_pre"`
	MuPost    float64 `json:"mu_post"`
	SigmaPre  float64 `json:"sigma_pre"`
	SigmaPost float64 `json:"sigma_post"`
	Divergent bool    `json:"divergent,omitempty"`
}

// StepReport summarises one step variant over the retained iterations.
type StepReport struct {
	Kind           StepKind `json:"kind"`
	Proposed       int      `json:"proposed"`
	Accepted       int      `json:"accepted"`
	MeanAcceptProb float64  `json:"mean_accept_prob"`
	Tuned          float64  `json:"tuned"`
}

// AcceptanceRate is the fraction of retained iterations whose proposal was accepted.
func (r StepReport) AcceptanceRate() float64 {
	if r.Proposed == 0 {
		return 0
	}
	return float64(r.Accepted) / float64(r.Proposed)
}

// ChainResult is everything one chain produced. The chain owns it until it
// returns; afterwards it is only read.
type ChainResult struct {
	Chain            int                       `json:"chain"`
	Seed             int64                     `json:"seed"`
	Samples          []Sample                  `json:"samples"`
	Steps            []StepReport              `json:"steps"`
	Divergences      int                       `json:"divergences"`
	DivergenceErrors []*SamplerDivergenceError `json:"divergence_errors,omitempty"`
	Failure          *ChainFailure             `json:"failure,omitempty"`
	Cancelled        bool                      `json:"cancelled,omitempty"`
}

// Step returns the report for the first step of the given kind.
func (r *ChainResult) Step(kind StepKind) (StepReport, bool) {
	for _, s := range r.Steps {
		if s.Kind == kind {
			return s, true
		}
	}
	return StepReport{}, false
}

// chain runs the composite kernel for one independent Markov chain.
type chain struct {
	id     int
	seed   int64
	model  *Model
	config *Config
	logger *zap.Logger
	rng    *rand.Rand
	steps  []Step
}

func newChain(logger *zap.Logger, id int, seed int64, model *Model, config *Config) (*chain, error) {
	c := &chain{
		id:     id,
		seed:   seed,
		model:  model,
		config: config,
		logger: logger.With(zap.Int("chain", id), zap.Int64("seed", seed)),
		rng:    rand.New(rand.NewSource(seed)),
		steps:  make([]Step, 0, len(config.Steps)),
	}
	for _, kind := range config.Steps {
		step, err := newStep(kind, model, config)
		if err != nil {
			return nil, err
		}
		c.steps = append(c.steps, step)
	}
	return c, nil
}

// initialState draws tau from the middle half of the series and jitters
// the continuous block around the prior centre.
func (c *chain) initialState() chainState {
	n := c.model.N()
	lo, hi := n/4, (3*n)/4
	st := chainState{tau: lo + c.rng.Intn(hi-lo+1)}
	for i := range st.q {
		st.q[i] = 2*c.rng.Float64() - 1
	}
	st.logp = c.model.LogPosterior(st.tau, st.q)
	return st
}

func (c *chain) sample(st chainState, divergent bool) Sample {
	p := c.model.Constrain(st.q)
	return Sample{
		Tau:       st.tau,
		MuPre:     p.MuPre,
		MuPost:    p.MuPost,
		SigmaPre:  p.SigmaPre,
		SigmaPost: p.SigmaPost,
		Divergent: divergent,
	}
}

// run executes tune+draws iterations, checking ctx before each one.
func (c *chain) run(ctx context.Context) *ChainResult {
	cfg := c.config
	res := &ChainResult{
		Chain:   c.id,
		Seed:    c.seed,
		Samples: make([]Sample, 0, cfg.Draws),
		Steps:   make([]StepReport, len(c.steps)),
	}
	for i, s := range c.steps {
		res.Steps[i].Kind = s.Kind()
	}

	st := c.initialState()
	if math.IsNaN(st.logp) || math.IsInf(st.logp, 0) {
		res.Failure = &ChainFailure{Chain: c.id, Reason: "non-finite initial log posterior"}
		c.logger.Warn("chain failed to start", zap.Float64("logp", st.logp))
		return res
	}
	for _, s := range c.steps {
		s.Init(&st, c.rng)
	}

	acceptSums := make([]float64, len(c.steps))
	total := cfg.Tune + cfg.Draws
	for iter := 0; iter < total; iter++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		tuning := iter < cfg.Tune
		if iter == cfg.Tune {
			for _, s := range c.steps {
				s.EndTuning()
			}
		}

		divergent := false
		for i, s := range c.steps {
			out := s.Transition(&st, c.rng)
			if tuning {
				s.Adapt(iter, &st, out)
			} else {
				res.Steps[i].Proposed++
				if out.Accepted {
					res.Steps[i].Accepted++
				}
				acceptSums[i] += out.AcceptProb
			}
			if out.Divergent {
				divergent = true
				c.recordDivergence(res, iter, tuning, out)
			}
		}

		if !tuning {
			res.Samples = append(res.Samples, c.sample(st, divergent))
		}
	}

	for i, s := range c.steps {
		if res.Steps[i].Proposed > 0 {
			res.Steps[i].MeanAcceptProb = acceptSums[i] / float64(res.Steps[i].Proposed)
		}
		res.Steps[i].Tuned = s.Tuned()
	}

	c.logger.Debug("chain finished",
		zap.Int("draws", len(res.Samples)),
		zap.Int("divergences", res.Divergences),
		zap.Bool("cancelled", res.Cancelled),
	)
	return res
}

func (c *chain) recordDivergence(res *ChainResult, iter int, tuning bool, out stepOutcome) {
	res.Divergences++
	if len(res.DivergenceErrors) >= maxRecordedDivergences {
		return
	}
	if !tuning {
		iter -= c.config.Tune
	}
	res.DivergenceErrors = append(res.DivergenceErrors, &SamplerDivergenceError{
		Chain:       c.id,
		Iteration:   iter,
		Tuning:      tuning,
		EnergyError: out.EnergyError,
		Reason:      out.Reason,
	})
}
