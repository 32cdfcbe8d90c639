package changepoint

import "math"

// dualAverage tunes the leapfrog step size toward a target acceptance
// statistic (Hoffman and Gelman, 2014).
type dualAverage struct {
	target float64
	gamma  float64
	t0     float64
	kappa  float64

	mu        float64
	t         int
	hBar      float64
	logEps    float64
	logEpsBar float64
}

func newDualAverage(target float64) *dualAverage {
	return &dualAverage{
		target: target,
		gamma:  0.05,
		t0:     10,
		kappa:  0.75,
	}
}

// restart centres the search on a fresh initial step size.
func (d *dualAverage) restart(eps float64) {
	d.mu = math.Log(10 * eps)
	d.t = 0
	d.hBar = 0
	d.logEps = math.Log(eps)
	d.logEpsBar = 0
}

// update records one acceptance statistic and returns the next step size.
func (d *dualAverage) update(acceptStat float64) float64 {
	if math.IsNaN(acceptStat) {
		acceptStat = 0
	}
	d.t++
	t := float64(d.t)

	w := 1 / (t + d.t0)
	d.hBar = (1-w)*d.hBar + w*(d.target-acceptStat)
	d.logEps = d.mu - math.Sqrt(t)/d.gamma*d.hBar

	eta := math.Pow(t, -d.kappa)
	d.logEpsBar = eta*d.logEps + (1-eta)*d.logEpsBar

	return math.Exp(d.logEps)
}

// final returns the averaged step size, or ok=false if update never ran.
func (d *dualAverage) final() (eps float64, ok bool) {
	if d.t == 0 {
		return 0, false
	}
	return math.Exp(d.logEpsBar), true
}

// massWindows estimates a diagonal inverse mass matrix from the chain's own
// draws in doubling windows between an initial and a terminal buffer.
type massWindows struct {
	start int
	ends  []int
	next  int

	n    float64
	mean Position
	m2   Position
}

func newMassWindows(tune int) *massWindows {
	w := &massWindows{}
	if tune < 20 {
		return w
	}

	initBuf, termBuf, base := 75, 50, 25
	if initBuf+termBuf+base > tune {
		initBuf = tune * 15 / 100
		termBuf = tune * 10 / 100
		base = tune - initBuf - termBuf
	}

	w.start = initBuf
	end := tune - termBuf
	for start, size := initBuf, base; start < end; size *= 2 {
		stop := start + size
		if stop+2*size > end {
			stop = end
		}
		w.ends = append(w.ends, stop)
		start = stop
	}
	return w
}

// observe adds the post-transition position of tuning iteration iter. When
// iter closes a window it returns the regularised variance estimate.
func (w *massWindows) observe(iter int, q Position) (Position, bool) {
	if w.next >= len(w.ends) || iter < w.start {
		return Position{}, false
	}

	w.n++
	for i := range q {
		delta := q[i] - w.mean[i]
		w.mean[i] += delta / w.n
		w.m2[i] += delta * (q[i] - w.mean[i])
	}

	if iter+1 < w.ends[w.next] {
		return Position{}, false
	}

	var variance Position
	for i := range variance {
		v := 0.0
		if w.n > 1 {
			v = w.m2[i] / (w.n - 1)
		}
		// Shrink toward a small constant so short windows cannot collapse a dimension.
		variance[i] = (w.n/(w.n+5))*v + 1e-3*(5/(w.n+5))
	}

	w.next++
	w.n = 0
	w.mean = Position{}
	w.m2 = Position{}
	return variance, true
}
