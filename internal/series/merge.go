package series

import (
	"fmt"
	"math"
	"time"
)

// Column is one named numeric column of a Frame.
type Column struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Frame aligns a price series with explanatory factors on the price dates.
type Frame struct {
	Dates   []time.Time `json:"dates"`
	Columns []Column    `json:"columns"`
}

// Column returns the column with the given name.
func (f *Frame) Column(name string) ([]float64, bool) {
	for _, c := range f.Columns {
		if c.Name == name {
			return c.Values, true
		}
	}
	return nil, false
}

// Merge left-joins each factor onto the dates of base. Factor values
// missing on a base date are forward filled, and what is still missing at
// the start is back filled from the first available value. A factor with
// no observations stays NaN.
func Merge(base *Series, factors ...*Series) (*Frame, error) {
	frame := &Frame{
		Dates:   base.Dates(),
		Columns: []Column{{Name: base.Name, Values: base.Prices()}},
	}

	seen := map[string]bool{base.Name: true}
	for _, f := range factors {
		if seen[f.Name] {
			return nil, fmt.Errorf("merge: duplicate column %q", f.Name)
		}
		seen[f.Name] = true

		byDate := make(map[time.Time]float64, f.Len())
		for _, o := range f.Observations {
			byDate[o.Date] = o.Price.InexactFloat64()
		}

		values := make([]float64, len(frame.Dates))
		for i, d := range frame.Dates {
			if v, ok := byDate[d]; ok {
				values[i] = v
			} else {
				values[i] = math.NaN()
			}
		}
		fillForward(values)
		fillBackward(values)
		frame.Columns = append(frame.Columns, Column{Name: f.Name, Values: values})
	}
	return frame, nil
}

func fillForward(v []float64) {
	last := math.NaN()
	for i, x := range v {
		if math.IsNaN(x) {
			v[i] = last
		} else {
			last = x
		}
	}
}

func fillBackward(v []float64) {
	next := math.NaN()
	for i := len(v) - 1; i >= 0; i-- {
		if math.IsNaN(v[i]) {
			v[i] = next
		} else {
			next = v[i]
		}
	}
}
