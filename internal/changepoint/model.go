// Package changepoint detects a single structural break in a price series.
//
// The model places a discrete uniform prior on the changepoint index tau and
// independent Normal/HalfNormal priors on the mean and standard deviation of
// the segment before and after it. The posterior is explored by a composite
// kernel: a Metropolis random walk on tau followed by a Hamiltonian trajectory
// on the four continuous parameters, run over several independent chains.
package changepoint

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// MinObservations is the shortest series that can hold two segments.
	MinObservations = 2

	// NumContinuous is the dimension of the continuous parameter block.
	NumContinuous = 4

	// sigmaFloor is the smallest standard deviation, in units of the prior scale.
	sigmaFloor = 1e-3

	// degenerateScale is the prior scale, relative to max(|mean|, 1), used
	// when the series has no spread at all.
	degenerateScale = 1e-3
)

// Indices into Position.
const (
	idxMuPre = iota
	idxMuPost
	idxLogSigmaPre
	idxLogSigmaPost
)

var ln2 = math.Log(2)

// Position is a point in the unconstrained continuous space: the two segment
// means in standardised units followed by the log excess of each segment
// standard deviation over the floor.
type Position [NumContinuous]float64

// Params are the continuous parameters in the units of the input series.
type Params struct {
	MuPre     float64 `json:"mu_pre"`
	MuPost    float64 `json:"mu_post"`
	SigmaPre  float64 `json:"sigma_pre"`
	SigmaPost float64 `json:"sigma_post"`
}

// Model is the single-changepoint posterior for one series.
// It is immutable after NewModel and safe to share between chains.
type Model struct {
	n     int
	mean  float64
	scale float64

	// Prefix sums of the standardised series and of its squares.
	sumY  []float64
	sumYY []float64

	logTauPrior float64
}

// segment holds the sufficient statistics of a run of observations.
type segment struct {
	count float64
	sum   float64
	sumSq float64
}

// NewModel builds the model for a cleaned price series.
func NewModel(prices []float64) (*Model, error) {
	n := len(prices)
	if n < MinObservations {
		return nil, &InsufficientDataError{N: n, Min: MinObservations}
	}

	mean, std := stat.PopMeanStdDev(prices, nil)
	scale := std
	if !(scale > 0) || math.IsInf(scale, 0) {
		scale = degenerateScale * math.Max(math.Abs(mean), 1)
	}

	m := &Model{
		n:           n,
		mean:        mean,
		scale:       scale,
		sumY:        make([]float64, n+1),
		sumYY:       make([]float64, n+1),
		logTauPrior: -math.Log(float64(n + 1)),
	}

	// Centring before accumulating keeps the residual sums exact for flat series.
	for i, x := range prices {
		y := (x - mean) / scale
		m.sumY[i+1] = m.sumY[i] + y
		m.sumYY[i+1] = m.sumYY[i] + y*y
	}

	return m, nil
}

// N returns the number of observations.
func (m *Model) N() int { return m.n }

// PriorMean returns the centre of the mean priors.
func (m *Model) PriorMean() float64 { return m.mean }

// PriorScale returns the scale shared by all continuous priors.
func (m *Model) PriorScale() float64 { return m.scale }

// SigmaFloor returns the lower bound of both standard deviations in series units.
func (m *Model) SigmaFloor() float64 { return sigmaFloor * m.scale }

// segments splits the series at tau.
func (m *Model) segments(tau int) (pre, post segment) {
	pre = segment{
		count: float64(tau),
		sum:   m.sumY[tau],
		sumSq: m.sumYY[tau],
	}
	post = segment{
		count: float64(m.n - tau),
		sum:   m.sumY[m.n] - m.sumY[tau],
		sumSq: m.sumYY[m.n] - m.sumYY[tau],
	}
	return pre, post
}

func sigmaOf(logExcess float64) float64 {
	return sigmaFloor + math.Exp(logExcess)
}

// residual returns sum((y - mu)^2) over the segment.
func (s segment) residual(mu float64) float64 {
	r := s.sumSq - 2*mu*s.sum + s.count*mu*mu
	if r < 0 {
		return 0
	}
	return r
}

func (s segment) logLik(mu, sigma float64) float64 {
	if s.count == 0 {
		return 0
	}
	return s.count*(distuv.UnitNormal.LogProb(0)-math.Log(sigma)) - s.residual(mu)/(2*sigma*sigma)
}

// logPrior of one segment's (mu, log-excess sigma) pair including the
// Jacobian of the sigma transform.
func logPrior(mu, logExcess float64) float64 {
	sigma := sigmaOf(logExcess)
	return distuv.UnitNormal.LogProb(mu) + ln2 + distuv.UnitNormal.LogProb(sigma) + logExcess
}

// LogPosterior returns the unnormalised log posterior at (tau, q), in
// standardised units. Tau outside [0, n] has zero prior mass.
func (m *Model) LogPosterior(tau int, q Position) float64 {
	if tau < 0 || tau > m.n {
		return math.Inf(-1)
	}
	pre, post := m.segments(tau)
	lp := m.logTauPrior
	lp += logPrior(q[idxMuPre], q[idxLogSigmaPre])
	lp += logPrior(q[idxMuPost], q[idxLogSigmaPost])
	lp += pre.logLik(q[idxMuPre], sigmaOf(q[idxLogSigmaPre]))
	lp += post.logLik(q[idxMuPost], sigmaOf(q[idxLogSigmaPost]))
	return lp
}

// LogPosteriorGrad returns the log posterior and its gradient with respect to
// the continuous block, holding tau fixed.
func (m *Model) LogPosteriorGrad(tau int, q Position) (float64, Position) {
	var grad Position
	lp := m.LogPosterior(tau, q)
	if tau < 0 || tau > m.n {
		return lp, grad
	}

	pre, post := m.segments(tau)
	grad[idxMuPre], grad[idxLogSigmaPre] = segmentGrad(pre, q[idxMuPre], q[idxLogSigmaPre])
	grad[idxMuPost], grad[idxLogSigmaPost] = segmentGrad(post, q[idxMuPost], q[idxLogSigmaPost])
	return lp, grad
}

func segmentGrad(s segment, mu, logExcess float64) (dMu, dLogExcess float64) {
	ex := math.Exp(logExcess)
	sigma := sigmaFloor + ex
	s2 := sigma * sigma

	dMu = (s.sum-s.count*mu)/s2 - mu

	dSigma := -s.count/sigma + s.residual(mu)/(s2*sigma) - sigma
	dLogExcess = ex*dSigma + 1
	return dMu, dLogExcess
}

// Constrain maps an unconstrained position back to series units.
func (m *Model) Constrain(q Position) Params {
	return Params{
		MuPre:     m.mean + m.scale*q[idxMuPre],
		MuPost:    m.mean + m.scale*q[idxMuPost],
		SigmaPre:  m.scale * sigmaOf(q[idxLogSigmaPre]),
		SigmaPost: m.scale * sigmaOf(q[idxLogSigmaPost]),
	}
}

// Unconstrain is the inverse of Constrain. Standard deviations at or below
// the floor map to a very negative log excess.
func (m *Model) Unconstrain(p Params) Position {
	logExcess := func(sigma float64) float64 {
		ex := sigma/m.scale - sigmaFloor
		if ex <= 0 {
			return math.Log(math.SmallestNonzeroFloat64)
		}
		return math.Log(ex)
	}
	return Position{
		(p.MuPre - m.mean) / m.scale,
		(p.MuPost - m.mean) / m.scale,
		logExcess(p.SigmaPre),
		logExcess(p.SigmaPost),
	}
}
