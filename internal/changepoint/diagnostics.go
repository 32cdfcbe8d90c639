package changepoint

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// splitChains truncates every chain to the shortest length and cuts each in
// half, giving 2*len(chains) sequences of equal length. It returns nil when
// fewer than two sequences of at least two draws can be formed.
func splitChains(chains [][]float64) [][]float64 {
	if len(chains) == 0 {
		return nil
	}
	shortest := len(chains[0])
	for _, c := range chains[1:] {
		if len(c) < shortest {
			shortest = len(c)
		}
	}
	half := shortest / 2
	if half < 2 {
		return nil
	}
	out := make([][]float64, 0, 2*len(chains))
	for _, c := range chains {
		c = c[:shortest]
		out = append(out, c[:half], c[shortest-half:])
	}
	return out
}

// varianceComponents returns the mean within-sequence variance W and the
// pooled posterior variance estimate var+.
func varianceComponents(seqs [][]float64) (w, varPlus float64, means []float64) {
	n := float64(len(seqs[0]))
	means = make([]float64, len(seqs))
	within := make([]float64, len(seqs))
	for i, s := range seqs {
		means[i], within[i] = stat.MeanVariance(s, nil)
	}
	w = stat.Mean(within, nil)
	between := 0.0 // B/n
	if len(seqs) > 1 {
		between = stat.Variance(means, nil)
	}
	varPlus = (n-1)/n*w + between
	return w, varPlus, means
}

// SplitRHat is the potential scale reduction factor over split chains.
// It returns 0 when the statistic is undefined (too few draws, or every
// draw identical) and +Inf when each sequence is frozen but the sequences
// disagree.
func SplitRHat(chains [][]float64) float64 {
	seqs := splitChains(chains)
	if seqs == nil {
		return 0
	}
	w, varPlus, means := varianceComponents(seqs)
	if math.IsNaN(w) || math.IsInf(w, 0) {
		return 0
	}
	if !(w > 0) {
		for _, m := range means[1:] {
			if m != means[0] {
				return math.Inf(1)
			}
		}
		return 0
	}
	return math.Sqrt(varPlus / w)
}

// EffectiveSampleSize estimates the number of independent draws carried by
// the split chains, truncating the autocorrelation sum with Geyer's initial
// monotone sequence. It returns 0 when undefined.
func EffectiveSampleSize(chains [][]float64) float64 {
	seqs := splitChains(chains)
	if seqs == nil {
		return 0
	}
	m := float64(len(seqs))
	n := len(seqs[0])
	total := m * float64(n)

	w, varPlus, means := varianceComponents(seqs)
	if !(w > 0) || !(varPlus > 0) || math.IsInf(varPlus, 0) {
		return 0
	}

	// rho returns the combined autocorrelation at lag t.
	rho := func(t int) float64 {
		acov := 0.0
		for i, s := range seqs {
			acov += autocovariance(s, means[i], t)
		}
		acov /= m
		return 1 - (w-acov)/varPlus
	}

	// Sum of consecutive autocorrelation pairs while they stay positive,
	// forced to be non-increasing.
	prev := math.Inf(1)
	sum := 0.0
	for k := 0; 2*k+1 < n; k++ {
		var pair float64
		if k == 0 {
			pair = 1 + rho(1)
		} else {
			pair = rho(2*k) + rho(2*k+1)
		}
		if !(pair > 0) {
			break
		}
		if pair > prev {
			pair = prev
		}
		sum += pair
		prev = pair
	}

	limit := total * math.Log10(total)
	tau := -1 + 2*sum
	if !(tau > 0) {
		return limit
	}
	return math.Min(total/tau, limit)
}

// autocovariance at lag t, normalised by the sequence length.
func autocovariance(x []float64, mean float64, t int) float64 {
	n := len(x)
	s := 0.0
	for i := 0; i+t < n; i++ {
		s += (x[i] - mean) * (x[i+t] - mean)
	}
	return s / float64(n)
}
