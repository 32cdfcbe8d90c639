package changepoint

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Parameter names as they appear in summaries and metrics.
const (
	ParamTau       = "tau"
	ParamMuPre     = "mu_pre"
	ParamMuPost    = "mu_post"
	ParamSigmaPre  = "sigma_pre"
	ParamSigmaPost = "sigma_post"
)

// Bounds of the equal-tailed credible interval reported per parameter.
const (
	intervalLower = 0.03
	intervalUpper = 0.97
)

// ParameterSummary describes the marginal posterior of one parameter.
type ParameterSummary struct {
	Name  string  `json:"name"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"sd"`
	Lower float64 `json:"ci_3"`
	Upper float64 `json:"ci_97"`
	RHat  float64 `json:"r_hat"` // 0 when undefined, +Inf for frozen chains that disagree
	ESS   float64 `json:"ess"`   // 0 when undefined
}

// MarshalJSON writes a non-finite R-hat as null.
func (p ParameterSummary) MarshalJSON() ([]byte, error) {
	type plain ParameterSummary
	return json.Marshal(struct {
		plain
		RHat *float64 `json:"r_hat"`
	}{plain(p), finite(p.RHat)})
}

// ChainDiagnostics reports how one chain behaved after tuning.
type ChainDiagnostics struct {
	Chain            int                       `json:"chain"`
	Seed             int64                     `json:"seed"`
	Draws            int                       `json:"draws"`
	WalkAcceptance   float64                   `json:"walk_acceptance"`
	WalkWidth        float64                   `json:"walk_width"`
	HMCAcceptance    float64                   `json:"hmc_acceptance"`
	StepSize         float64                   `json:"step_size"`
	Divergences      int                       `json:"divergences"`
	DivergenceErrors []*SamplerDivergenceError `json:"divergence_errors,omitempty"`
	Cancelled        bool                      `json:"cancelled,omitempty"`
}

// Diagnostics groups the run-level sampler health indicators.
type Diagnostics struct {
	Chains      []ChainDiagnostics `json:"chains"`
	Failures    []ChainFailure     `json:"failures,omitempty"`
	Divergences int                `json:"divergences"`
	BaseSeed    int64              `json:"base_seed"`
	Duration    time.Duration      `json:"duration"`
	Cancelled   bool               `json:"cancelled,omitempty"`
}

// Summary is the reduced posterior of one detection run.
type Summary struct {
	RunID string `json:"run_id,omitempty"`
	N     int    `json:"n"`

	// MostLikelyChangepoint is the posterior mean of tau rounded half to
	// even, or -1 when no draw was retained.
	MostLikelyChangepoint int        `json:"most_likely_changepoint"`
	ChangepointDate       *time.Time `json:"changepoint_date,omitempty"`

	Tau       ParameterSummary `json:"tau"`
	MuPre     ParameterSummary `json:"mu_pre"`
	MuPost    ParameterSummary `json:"mu_post"`
	SigmaPre  ParameterSummary `json:"sigma_pre"`
	SigmaPost ParameterSummary `json:"sigma_post"`

	Draws       int                  `json:"draws"`
	Diagnostics Diagnostics          `json:"diagnostics"`
	Warnings    []ConvergenceWarning `json:"warnings,omitempty"`
}

// Parameters lists the parameter summaries in a fixed order.
func (s *Summary) Parameters() []ParameterSummary {
	return []ParameterSummary{s.Tau, s.MuPre, s.MuPost, s.SigmaPre, s.SigmaPost}
}

// Converged reports whether no convergence warning was raised.
func (s *Summary) Converged() bool { return len(s.Warnings) == 0 }

// Summarize reduces a trace to point estimates and diagnostics. It reads
// the trace and never modifies it.
func Summarize(trace *Trace) *Summary {
	usable := trace.Usable()

	s := &Summary{
		N:                     trace.N,
		MostLikelyChangepoint: -1,
		Diagnostics: Diagnostics{
			Chains:   make([]ChainDiagnostics, 0, len(usable)),
			Failures: trace.Failures(),
			BaseSeed: trace.BaseSeed,
			Duration: trace.Duration,
		},
	}

	columns := map[string][][]float64{}
	for _, c := range usable {
		d := ChainDiagnostics{
			Chain:            c.Chain,
			Seed:             c.Seed,
			Draws:            len(c.Samples),
			Divergences:      c.Divergences,
			DivergenceErrors: c.DivergenceErrors,
			Cancelled:        c.Cancelled,
		}
		if walk, ok := c.Step(StepDiscreteWalk); ok {
			d.WalkAcceptance = walk.AcceptanceRate()
			d.WalkWidth = walk.Tuned
		}
		if hmc, ok := c.Step(StepHamiltonian); ok {
			d.HMCAcceptance = hmc.MeanAcceptProb
			d.StepSize = hmc.Tuned
		}
		s.Diagnostics.Chains = append(s.Diagnostics.Chains, d)
		s.Diagnostics.Divergences += c.Divergences
		s.Diagnostics.Cancelled = s.Diagnostics.Cancelled || c.Cancelled
		s.Draws += len(c.Samples)

		if len(c.Samples) == 0 {
			continue
		}
		cols := sampleColumns(c.Samples)
		for name, col := range cols {
			columns[name] = append(columns[name], col)
		}
	}

	s.Tau = summarizeParameter(ParamTau, columns[ParamTau])
	s.MuPre = summarizeParameter(ParamMuPre, columns[ParamMuPre])
	s.MuPost = summarizeParameter(ParamMuPost, columns[ParamMuPost])
	s.SigmaPre = summarizeParameter(ParamSigmaPre, columns[ParamSigmaPre])
	s.SigmaPost = summarizeParameter(ParamSigmaPost, columns[ParamSigmaPost])

	if s.Draws > 0 {
		s.MostLikelyChangepoint = int(math.RoundToEven(s.Tau.Mean))
	}

	threshold := trace.Config.RHatThreshold
	for _, p := range []ParameterSummary{s.MuPre, s.MuPost, s.SigmaPre, s.SigmaPost} {
		if p.RHat > threshold || math.IsNaN(p.RHat) {
			s.Warnings = append(s.Warnings, ConvergenceWarning{
				Parameter: p.Name,
				RHat:      p.RHat,
				Threshold: threshold,
			})
		}
	}

	return s
}

func sampleColumns(samples []Sample) map[string][]float64 {
	cols := map[string][]float64{
		ParamTau:       make([]float64, len(samples)),
		ParamMuPre:     make([]float64, len(samples)),
		ParamMuPost:    make([]float64, len(samples)),
		ParamSigmaPre:  make([]float64, len(samples)),
		ParamSigmaPost: make([]float64, len(samples)),
	}
	for i, d := range samples {
		cols[ParamTau][i] = float64(d.Tau)
		cols[ParamMuPre][i] = d.MuPre
		cols[ParamMuPost][i] = d.MuPost
		cols[ParamSigmaPre][i] = d.SigmaPre
		cols[ParamSigmaPost][i] = d.SigmaPost
	}
	return cols
}

func summarizeParameter(name string, chains [][]float64) ParameterSummary {
	ps := ParameterSummary{Name: name}

	var pooled []float64
	for _, c := range chains {
		pooled = append(pooled, c...)
	}
	if len(pooled) == 0 {
		return ps
	}

	if len(pooled) > 1 {
		ps.Mean, ps.Std = stat.MeanStdDev(pooled, nil)
	} else {
		ps.Mean = pooled[0]
	}

	sort.Float64s(pooled)
	ps.Lower = stat.Quantile(intervalLower, stat.Empirical, pooled, nil)
	ps.Upper = stat.Quantile(intervalUpper, stat.Empirical, pooled, nil)

	ps.RHat = SplitRHat(chains)
	ps.ESS = EffectiveSampleSize(chains)
	return ps
}
