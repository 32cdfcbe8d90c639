package changepoint

import (
	"fmt"
	"math"
	"math/rand"
)

// StepKind names one transition variant of the composite kernel.
type StepKind string

const (
	StepDiscreteWalk StepKind = "discrete_walk" // Metropolis random walk on tau
	StepHamiltonian  StepKind = "hamiltonian"   // leapfrog trajectory on the continuous block
)

// Step is one propose/evaluate/accept transition. A Step belongs to exactly
// one chain and carries that chain's adaptation state.
type Step interface {
	Kind() StepKind

	// Init prepares the step at the chain's starting point.
	Init(st *chainState, rng *rand.Rand)

	// Transition updates st in place and reports what happened.
	Transition(st *chainState, rng *rand.Rand) stepOutcome

	// Adapt is called after every tuning iteration.
	Adapt(iter int, st *chainState, out stepOutcome)

	// EndTuning freezes the adaptation state.
	EndTuning()

	// Tuned reports the adapted proposal scale (walk width or step size).
	Tuned() float64
}

// stepOutcome is the bookkeeping for one transition.
type stepOutcome struct {
	Accepted    bool
	AcceptProb  float64
	Divergent   bool
	EnergyError float64
	Reason      string
}

// chainState is the current point of one chain.
type chainState struct {
	tau  int
	q    Position
	logp float64
}

func newStep(kind StepKind, model *Model, cfg *Config) (Step, error) {
	switch kind {
	case StepDiscreteWalk:
		return newDiscreteWalk(model), nil
	case StepHamiltonian:
		return newHamiltonian(model, cfg), nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", kind)
	}
}

// acceptance converts a log Metropolis ratio into a probability.
func acceptance(logRatio float64) float64 {
	switch {
	case math.IsNaN(logRatio):
		return 0
	case logRatio >= 0:
		return 1
	default:
		return math.Exp(logRatio)
	}
}

// discreteWalk proposes tau' = tau +/- k with k uniform on [1, width].
type discreteWalk struct {
	model *Model
	scale float64

	tuneInterval   int
	windowProposed int
	windowAccepted int
	tuningFinished bool
}

func newDiscreteWalk(model *Model) *discreteWalk {
	return &discreteWalk{
		model:        model,
		scale:        1,
		tuneInterval: 100,
	}
}

func (s *discreteWalk) Kind() StepKind { return StepDiscreteWalk }

func (s *discreteWalk) Init(*chainState, *rand.Rand) {}

func (s *discreteWalk) width() int {
	w := int(math.Round(s.scale))
	if w < 1 {
		w = 1
	}
	if w > s.model.N() {
		w = s.model.N()
	}
	return w
}

func (s *discreteWalk) Transition(st *chainState, rng *rand.Rand) stepOutcome {
	k := 1 + rng.Intn(s.width())
	if rng.Intn(2) == 0 {
		k = -k
	}
	u := rng.Float64()

	proposal := st.tau + k
	if proposal < 0 || proposal > s.model.N() {
		return stepOutcome{}
	}

	lp := s.model.LogPosterior(proposal, st.q)
	p := acceptance(lp - st.logp)
	if u < p {
		st.tau = proposal
		st.logp = lp
		return stepOutcome{Accepted: true, AcceptProb: p}
	}
	return stepOutcome{AcceptProb: p}
}

func (s *discreteWalk) Adapt(_ int, _ *chainState, out stepOutcome) {
	if s.tuningFinished {
		return
	}
	s.windowProposed++
	if out.Accepted {
		s.windowAccepted++
	}
	if s.windowProposed < s.tuneInterval {
		return
	}
	rate := float64(s.windowAccepted) / float64(s.windowProposed)
	s.scale = tuneScale(s.scale, rate)
	if limit := float64(s.model.N()); s.scale > limit {
		s.scale = limit
	}
	if s.scale < 1 {
		s.scale = 1
	}
	s.windowProposed, s.windowAccepted = 0, 0
}

func (s *discreteWalk) EndTuning() { s.tuningFinished = true }

func (s *discreteWalk) Tuned() float64 { return float64(s.width()) }

// tuneScale widens or narrows a proposal from the recent acceptance rate.
func tuneScale(scale, rate float64) float64 {
	switch {
	case rate < 0.001:
		return scale * 0.1
	case rate < 0.05:
		return scale * 0.5
	case rate < 0.2:
		return scale * 0.9
	case rate > 0.95:
		return scale * 10
	case rate > 0.75:
		return scale * 2
	case rate > 0.5:
		return scale * 1.1
	}
	return scale
}
