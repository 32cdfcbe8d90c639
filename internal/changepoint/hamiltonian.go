package changepoint

import (
	"math"
	"math/rand"
)

const (
	// maxEnergyError marks a trajectory as divergent.
	maxEnergyError = 1000

	// pathLength is the nominal trajectory length in whitened units.
	pathLength = math.Pi / 2
)

// hamiltonian moves the continuous block for a fixed tau along a jittered
// leapfrog trajectory with a diagonal mass matrix.
type hamiltonian struct {
	model       *Model
	maxLeapfrog int

	stepSize float64
	invMass  Position

	dual     *dualAverage
	windows  *massWindows
	reinit   bool
	adapting bool
}

func newHamiltonian(model *Model, cfg *Config) *hamiltonian {
	h := &hamiltonian{
		model:       model,
		maxLeapfrog: cfg.MaxLeapfrog,
		stepSize:    1,
		dual:        newDualAverage(cfg.TargetAccept),
		windows:     newMassWindows(cfg.Tune),
		reinit:      true,
		adapting:    true,
	}
	for i := range h.invMass {
		h.invMass[i] = 1
	}
	return h
}

func (h *hamiltonian) Kind() StepKind { return StepHamiltonian }

func (h *hamiltonian) Tuned() float64 { return h.stepSize }

func (h *hamiltonian) Init(st *chainState, rng *rand.Rand) {
	h.initStepSize(st, rng)
}

func (h *hamiltonian) kinetic(p Position) float64 {
	k := 0.0
	for i := range p {
		k += p[i] * p[i] * h.invMass[i]
	}
	return k / 2
}

func (h *hamiltonian) momentum(rng *rand.Rand) Position {
	var p Position
	for i := range p {
		p[i] = rng.NormFloat64() / math.Sqrt(h.invMass[i])
	}
	return p
}

func finitePosition(v Position) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// leapfrog advances (q, p) by one step of size eps.
func (h *hamiltonian) leapfrog(tau int, q, p, grad Position, eps float64) (Position, Position, Position, float64) {
	for i := range p {
		p[i] += eps / 2 * grad[i]
	}
	for i := range q {
		q[i] += eps * h.invMass[i] * p[i]
	}
	lp, grad := h.model.LogPosteriorGrad(tau, q)
	for i := range p {
		p[i] += eps / 2 * grad[i]
	}
	return q, p, grad, lp
}

// initStepSize doubles or halves the step size until a single leapfrog step
// crosses an acceptance ratio of one half.
func (h *hamiltonian) initStepSize(st *chainState, rng *rand.Rand) {
	lp0, g0 := h.model.LogPosteriorGrad(st.tau, st.q)
	if math.IsNaN(lp0) || math.IsInf(lp0, 0) {
		return
	}

	eps := h.stepSize
	p0 := h.momentum(rng)
	h0 := -lp0 + h.kinetic(p0)

	logRatio := func(eps float64) float64 {
		_, p, _, lp := h.leapfrog(st.tau, st.q, p0, g0, eps)
		r := h0 - (-lp + h.kinetic(p))
		if math.IsNaN(r) {
			return math.Inf(-1)
		}
		return r
	}

	r := logRatio(eps)
	dir := 1.0
	if r < -ln2 {
		dir = -1
	}
	for i := 0; i < 50; i++ {
		if dir > 0 && r < -ln2 || dir < 0 && r >= -ln2 {
			break
		}
		next := eps * math.Pow(2, dir)
		if next < 1e-12 || next > 1e4 {
			break
		}
		eps = next
		r = logRatio(eps)
	}

	h.stepSize = eps
	h.dual.restart(eps)
	h.reinit = false
}

func (h *hamiltonian) Transition(st *chainState, rng *rand.Rand) stepOutcome {
	if h.reinit && h.adapting {
		h.initStepSize(st, rng)
	}

	lp0, grad := h.model.LogPosteriorGrad(st.tau, st.q)
	p := h.momentum(rng)
	h0 := -lp0 + h.kinetic(p)

	steps := int(math.Ceil((0.5 + rng.Float64()) * pathLength / h.stepSize))
	if steps < 1 {
		steps = 1
	}
	if steps > h.maxLeapfrog {
		steps = h.maxLeapfrog
	}
	u := rng.Float64()

	q := st.q
	lp := lp0
	for i := 0; i < steps; i++ {
		q, p, grad, lp = h.leapfrog(st.tau, q, p, grad, h.stepSize)
		if !finitePosition(q) || !finitePosition(grad) || math.IsNaN(lp) || math.IsInf(lp, 0) {
			return stepOutcome{Divergent: true, EnergyError: math.Inf(1), Reason: "non-finite trajectory"}
		}
	}

	energyError := -lp + h.kinetic(p) - h0
	if math.IsNaN(energyError) {
		return stepOutcome{Divergent: true, EnergyError: energyError, Reason: "non-finite energy"}
	}
	if energyError > maxEnergyError {
		return stepOutcome{Divergent: true, EnergyError: energyError, Reason: "energy error above threshold"}
	}

	prob := acceptance(-energyError)
	if u < prob {
		st.q = q
		st.logp = lp
		return stepOutcome{Accepted: true, AcceptProb: prob, EnergyError: energyError}
	}
	return stepOutcome{AcceptProb: prob, EnergyError: energyError}
}

func (h *hamiltonian) Adapt(iter int, st *chainState, out stepOutcome) {
	if !h.adapting {
		return
	}
	h.stepSize = h.dual.update(out.AcceptProb)

	if variance, ok := h.windows.observe(iter, st.q); ok {
		h.invMass = variance
		h.reinit = true
	}
}

func (h *hamiltonian) EndTuning() {
	if !h.adapting {
		return
	}
	h.adapting = false
	if eps, ok := h.dual.final(); ok {
		h.stepSize = eps
	}
}
