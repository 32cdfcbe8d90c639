package changepoint

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// InsufficientDataError is returned when the series is too short to hold two segments.
type InsufficientDataError struct {
	N   int
	Min int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: need at least %d observations, got %d", e.Min, e.N)
}

// ModelMisspecifiedError is returned when no chain could start from a finite log posterior.
type ModelMisspecifiedError struct {
	Failures []ChainFailure
}

func (e *ModelMisspecifiedError) Error() string {
	if len(e.Failures) == 0 {
		return "model misspecified: no chain produced a finite initial log posterior"
	}
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, fmt.Sprintf("chain %d: %s", f.Chain, f.Reason))
	}
	return "model misspecified: " + strings.Join(reasons, "; ")
}

// SamplerDivergenceError describes one divergent Hamiltonian trajectory.
// It is recorded in the chain diagnostics, never returned from Sample.
type SamplerDivergenceError struct {
	Chain       int     `json:"chain"`
	Iteration   int     `json:"iteration"`
	Tuning      bool    `json:"tuning"`
	EnergyError float64 `json:"energy_error"`
	Reason      string  `json:"reason"`
}

// MarshalJSON writes a non-finite energy error as null.
func (e SamplerDivergenceError) MarshalJSON() ([]byte, error) {
	type plain SamplerDivergenceError
	return json.Marshal(struct {
		plain
		EnergyError *float64 `json:"energy_error"`
	}{plain(e), finite(e.EnergyError)})
}

func (e *SamplerDivergenceError) Error() string {
	phase := "sampling"
	if e.Tuning {
		phase = "tuning"
	}
	return fmt.Sprintf("divergence in chain %d at %s iteration %d: %s (energy error %.4g)",
		e.Chain, phase, e.Iteration, e.Reason, e.EnergyError)
}

// ConvergenceWarning flags a parameter whose chains did not mix.
// It travels on the Summary rather than as a returned error.
type ConvergenceWarning struct {
	Parameter string  `json:"parameter"`
	RHat      float64 `json:"rhat"`
	Threshold float64 `json:"threshold"`
}

// MarshalJSON writes an infinite R-hat as null.
func (w ConvergenceWarning) MarshalJSON() ([]byte, error) {
	type plain ConvergenceWarning
	return json.Marshal(struct {
		plain
		RHat *float64 `json:"rhat"`
	}{plain(w), finite(w.RHat)})
}

func (w ConvergenceWarning) Error() string {
	return fmt.Sprintf("convergence warning: %s has R-hat %.4f (threshold %.2f)", w.Parameter, w.RHat, w.Threshold)
}

// ChainFailure names a chain that could not produce any draw.
type ChainFailure struct {
	Chain  int    `json:"chain"`
	Reason string `json:"reason"`
}

// finite returns nil for NaN and the infinities, which JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
