// Package series loads, cleans, stores and exports daily price series.
package series

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// Observation is one dated price.
type Observation struct {
	Date  time.Time       `json:"date"`
	Price decimal.Decimal `json:"price"`
}

// Series is a named, chronologically ordered sequence of observations.
// After cleaning, dates are strictly increasing and no price is missing.
type Series struct {
	Name         string        `json:"name"`
	Observations []Observation `json:"observations"`
}

// New builds a series and checks its ordering.
func New(name string, obs []Observation) (*Series, error) {
	s := &Series{Name: name, Observations: obs}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the cleaned-series invariants.
func (s *Series) Validate() error {
	for i := 1; i < len(s.Observations); i++ {
		prev, cur := s.Observations[i-1].Date, s.Observations[i].Date
		if !cur.After(prev) {
			return fmt.Errorf("series %q: date %s at index %d does not follow %s",
				s.Name, cur.Format(time.DateOnly), i, prev.Format(time.DateOnly))
		}
	}
	return nil
}

// Len returns the number of observations.
func (s *Series) Len() int { return len(s.Observations) }

// Prices returns the prices as float64 in date order.
func (s *Series) Prices() []float64 {
	out := make([]float64, len(s.Observations))
	for i, o := range s.Observations {
		out[i] = o.Price.InexactFloat64()
	}
	return out
}

// Dates returns the observation dates.
func (s *Series) Dates() []time.Time {
	out := make([]time.Time, len(s.Observations))
	for i, o := range s.Observations {
		out[i] = o.Date
	}
	return out
}

// DateAt returns the date of observation i.
func (s *Series) DateAt(i int) (time.Time, bool) {
	if i < 0 || i >= len(s.Observations) {
		return time.Time{}, false
	}
	return s.Observations[i].Date, true
}

// Range returns the first and last dates.
func (s *Series) Range() utils.TimeRange {
	if len(s.Observations) == 0 {
		return utils.TimeRange{}
	}
	return utils.TimeRange{
		Start: s.Observations[0].Date,
		End:   s.Observations[len(s.Observations)-1].Date,
	}
}

// Slice returns the observations whose dates fall inside tr, both ends
// inclusive. Zero bounds are open.
func (s *Series) Slice(tr utils.TimeRange) *Series {
	out := &Series{Name: s.Name}
	for _, o := range s.Observations {
		if tr.Contains(o.Date) {
			out.Observations = append(out.Observations, o)
		}
	}
	return out
}

// LogReturns returns ln(p[t]/p[t-1]) dated at t. The first observation has
// no return and is dropped, as is any return touching a non-positive price.
func (s *Series) LogReturns() *Series {
	out := &Series{Name: s.Name + "_log_return"}
	if len(s.Observations) < 2 {
		return out
	}
	prices := make([]decimal.Decimal, len(s.Observations))
	for i, o := range s.Observations {
		prices[i] = o.Price
	}
	for i, r := range utils.CalculateLogReturns(prices) {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		out.Observations = append(out.Observations, Observation{
			Date:  s.Observations[i+1].Date,
			Price: decimal.NewFromFloat(r),
		})
	}
	return out
}
