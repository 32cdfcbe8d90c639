package changepoint

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestTuneScale(t *testing.T) {
	tests := []struct {
		rate float64
		want float64
	}{
		{0.0, 0.1},
		{0.01, 0.5},
		{0.1, 0.9},
		{0.3, 1},
		{0.6, 1.1},
		{0.8, 2},
		{0.99, 10},
	}
	for _, tt := range tests {
		if got := tuneScale(1, tt.rate); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("tuneScale(1, %v) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}

func TestMassWindowSchedule(t *testing.T) {
	w := newMassWindows(1000)
	if w.start != 75 {
		t.Errorf("start = %d, want 75", w.start)
	}
	want := []int{100, 150, 250, 450, 950}
	if !reflect.DeepEqual(w.ends, want) {
		t.Errorf("window ends = %v, want %v", w.ends, want)
	}

	if short := newMassWindows(10); len(short.ends) != 0 {
		t.Errorf("tune=10 should not adapt the mass matrix, got windows %v", short.ends)
	}

	small := newMassWindows(100)
	if last := small.ends[len(small.ends)-1]; last != 90 {
		t.Errorf("tune=100 last window ends at %d, want 90", last)
	}
}

func TestMassWindowObserve(t *testing.T) {
	w := newMassWindows(1000)
	rng := rand.New(rand.NewSource(1))

	for iter := 0; iter < 99; iter++ {
		q := Position{rng.NormFloat64(), 2 * rng.NormFloat64(), 0, 0}
		if _, done := w.observe(iter, q); done {
			t.Fatalf("window closed early at iteration %d", iter)
		}
	}
	variance, done := w.observe(99, Position{})
	if !done {
		t.Fatal("first window should close at iteration 99")
	}
	for i, v := range variance {
		if !(v > 0) {
			t.Errorf("variance[%d] = %v, want > 0", i, v)
		}
	}
	if variance[1] <= variance[0] {
		t.Errorf("wider dimension should get larger variance: %v", variance)
	}
}

func TestDualAverageConverges(t *testing.T) {
	d := newDualAverage(0.8)
	d.restart(1)
	// Acceptance falls as the step grows; the fixed point is eps = 0.25.
	eps := 1.0
	for i := 0; i < 500; i++ {
		accept := math.Max(0, math.Min(1, 1-0.8*eps))
		eps = d.update(accept)
	}
	final, ok := d.final()
	if !ok {
		t.Fatal("final step size unavailable")
	}
	if final < 0.1 || final > 0.5 {
		t.Errorf("adapted step size %v, want near 0.25", final)
	}
}

func TestSplitRHat(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	draw := func(mu float64) []float64 {
		out := make([]float64, 1000)
		for i := range out {
			out[i] = mu + rng.NormFloat64()
		}
		return out
	}

	mixed := [][]float64{draw(0), draw(0), draw(0), draw(0)}
	if r := SplitRHat(mixed); r < 0.99 || r > 1.02 {
		t.Errorf("well-mixed R-hat = %v, want about 1", r)
	}

	stuck := [][]float64{draw(0), draw(0), draw(3), draw(3)}
	if r := SplitRHat(stuck); r < 1.1 {
		t.Errorf("separated chains R-hat = %v, want > 1.1", r)
	}

	if r := SplitRHat([][]float64{{1, 1, 1, 1}, {1, 1, 1, 1}}); r != 0 {
		t.Errorf("constant chains R-hat = %v, want 0", r)
	}
	if r := SplitRHat([][]float64{{1, 2, 3}}); r != 0 {
		t.Errorf("three-draw R-hat = %v, want 0", r)
	}
	if r := SplitRHat(nil); r != 0 {
		t.Errorf("empty R-hat = %v, want 0", r)
	}
}

func TestEffectiveSampleSize(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	iid := make([][]float64, 4)
	ar := make([][]float64, 4)
	for c := range iid {
		iid[c] = make([]float64, 1000)
		ar[c] = make([]float64, 1000)
		prev := 0.0
		for i := range iid[c] {
			iid[c][i] = rng.NormFloat64()
			prev = 0.95*prev + rng.NormFloat64()
			ar[c][i] = prev
		}
	}

	independent := EffectiveSampleSize(iid)
	if independent < 2000 {
		t.Errorf("ESS of independent draws = %v, want > 2000", independent)
	}
	correlated := EffectiveSampleSize(ar)
	if correlated <= 0 || correlated > 800 {
		t.Errorf("ESS of AR(1) draws = %v, want in (0, 800]", correlated)
	}
	if EffectiveSampleSize([][]float64{{2, 2, 2, 2, 2}}) != 0 {
		t.Error("ESS of constant chain should be 0")
	}
}
