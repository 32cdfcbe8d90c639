// Package series_test provides tests for series loading and cleaning.
package series_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/brent-changepoint/internal/series"
	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mustSeries(t *testing.T, name string, prices map[time.Time]float64) *series.Series {
	t.Helper()
	dates := make([]time.Time, 0, len(prices))
	for d := range prices {
		dates = append(dates, d)
	}
	for i := 1; i < len(dates); i++ {
		for j := i; j > 0 && dates[j].Before(dates[j-1]); j-- {
			dates[j], dates[j-1] = dates[j-1], dates[j]
		}
	}
	obs := make([]series.Observation, len(dates))
	for i, d := range dates {
		obs[i] = series.Observation{Date: d, Price: decimal.NewFromFloat(prices[d])}
	}
	s, err := series.New(name, obs)
	if err != nil {
		t.Fatalf("series.New: %v", err)
	}
	return s
}

func TestLoaderDateLayouts(t *testing.T) {
	csv := strings.Join([]string{
		"Date,Price",
		"20-May-87,18.63",
		"21-May-87,18.45",
		"\"Apr 22, 2020\",13.77",
		"2020-04-23,15.06",
		"24/04/2020,16.11",
	}, "\n")

	s, err := series.NewLoader(nil).Load("brent", strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []time.Time{
		day(1987, time.May, 20),
		day(1987, time.May, 21),
		day(2020, time.April, 22),
		day(2020, time.April, 23),
		day(2020, time.April, 24),
	}
	if s.Len() != len(want) {
		t.Fatalf("Len = %d, want %d", s.Len(), len(want))
	}
	for i, d := range s.Dates() {
		if !d.Equal(want[i]) {
			t.Errorf("date %d = %s, want %s", i, d.Format(time.DateOnly), want[i].Format(time.DateOnly))
		}
	}
	if got := s.Prices()[0]; got != 18.63 {
		t.Errorf("first price = %v, want 18.63", got)
	}
}

func TestLoaderCleaning(t *testing.T) {
	// Unsorted, one duplicate date, one leading and one inner missing price.
	csv := strings.Join([]string{
		"\ufeffdate,PRICE,Volume",
		"03-Jan-22,,100",
		"05-Jan-22,80.5,100",
		"04-Jan-22,79.0,100",
		"05-Jan-22,81.0,100",
		"06-Jan-22,NaN,100",
		"07-Jan-22,82.25,100",
	}, "\n")

	s, err := series.NewLoader(nil).Load("brent", strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantDates := []time.Time{day(2022, 1, 4), day(2022, 1, 5), day(2022, 1, 6), day(2022, 1, 7)}
	wantPrices := []float64{79.0, 81.0, 81.0, 82.25}
	if s.Len() != len(wantDates) {
		t.Fatalf("Len = %d, want %d (%+v)", s.Len(), len(wantDates), s.Observations)
	}
	for i, o := range s.Observations {
		if !o.Date.Equal(wantDates[i]) {
			t.Errorf("date %d = %s, want %s", i, o.Date.Format(time.DateOnly), wantDates[i].Format(time.DateOnly))
		}
		if got := o.Price.InexactFloat64(); got != wantPrices[i] {
			t.Errorf("price %d = %v, want %v", i, got, wantPrices[i])
		}
	}
	if err := s.Validate(); err != nil {
		t.Errorf("cleaned series fails validation: %v", err)
	}
}

func TestLoaderErrors(t *testing.T) {
	loader := series.NewLoader(nil)

	if _, err := loader.Load("x", strings.NewReader("")); !errors.Is(err, series.ErrNoObservations) {
		t.Errorf("empty input error = %v, want ErrNoObservations", err)
	}
	if _, err := loader.Load("x", strings.NewReader("Date,Price\n01-Jan-20,\n")); !errors.Is(err, series.ErrNoObservations) {
		t.Errorf("all-missing error = %v, want ErrNoObservations", err)
	}
	if _, err := loader.Load("x", strings.NewReader("Day,Close\n01-Jan-20,1\n")); err == nil {
		t.Error("expected an error for missing columns")
	}

	_, err := loader.Load("x", strings.NewReader("Date,Price\n01-Jan-20,1\nyesterday,2\n"))
	var parseErr *series.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want ParseError", err)
	}
	if parseErr.Line != 3 || parseErr.Column != "Date" {
		t.Errorf("ParseError = %+v, want line 3 column Date", parseErr)
	}

	_, err = loader.Load("x", strings.NewReader("Date,Price\n01-Jan-20,abc\n"))
	if !errors.As(err, &parseErr) || parseErr.Column != "Price" {
		t.Errorf("error = %v, want ParseError on Price", err)
	}
}

func TestLoadFileNamesSeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "BrentOilPrices.csv")
	if err := os.WriteFile(path, []byte("Date,Price\n20-May-87,18.63\n21-May-87,18.45\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := series.NewLoader(nil).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if s.Name != "brentoilprices" {
		t.Errorf("Name = %q, want brentoilprices", s.Name)
	}
}

func TestNewRejectsUnorderedDates(t *testing.T) {
	_, err := series.New("x", []series.Observation{
		{Date: day(2020, 1, 2), Price: decimal.NewFromInt(1)},
		{Date: day(2020, 1, 2), Price: decimal.NewFromInt(2)},
	})
	if err == nil {
		t.Error("expected an error for a repeated date")
	}
}

func TestSliceAndRange(t *testing.T) {
	s := mustSeries(t, "brent", map[time.Time]float64{
		day(2020, 1, 1): 60,
		day(2020, 1, 2): 61,
		day(2020, 1, 3): 62,
		day(2020, 1, 6): 63,
	})

	r := s.Range()
	if !r.Start.Equal(day(2020, 1, 1)) || !r.End.Equal(day(2020, 1, 6)) {
		t.Errorf("Range = %+v", r)
	}

	tests := []struct {
		name string
		tr   utils.TimeRange
		want int
	}{
		{"open", utils.TimeRange{}, 4},
		{"inclusive", utils.TimeRange{Start: day(2020, 1, 2), End: day(2020, 1, 3)}, 2},
		{"open end", utils.TimeRange{Start: day(2020, 1, 3)}, 2},
		{"open start", utils.TimeRange{End: day(2020, 1, 1)}, 1},
		{"empty", utils.TimeRange{Start: day(2021, 1, 1)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Slice(tt.tr).Len(); got != tt.want {
				t.Errorf("Slice(%+v).Len() = %d, want %d", tt.tr, got, tt.want)
			}
		})
	}

	if _, ok := s.DateAt(4); ok {
		t.Error("DateAt(4) should be out of range")
	}
}

func TestLogReturns(t *testing.T) {
	s := mustSeries(t, "brent", map[time.Time]float64{
		day(2020, 1, 1): 50,
		day(2020, 1, 2): 100,
		day(2020, 1, 3): 50,
	})
	r := s.LogReturns()
	if r.Name != "brent_log_return" {
		t.Errorf("Name = %q", r.Name)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if !r.Observations[0].Date.Equal(day(2020, 1, 2)) {
		t.Errorf("first return dated %s, want 2020-01-02", r.Observations[0].Date.Format(time.DateOnly))
	}
	p := r.Prices()
	if math.Abs(p[0]-math.Ln2) > 1e-9 || math.Abs(p[1]+math.Ln2) > 1e-9 {
		t.Errorf("returns = %v, want [ln2, -ln2]", p)
	}
}

func TestMerge(t *testing.T) {
	base := mustSeries(t, "price", map[time.Time]float64{
		day(2020, 1, 1): 60,
		day(2020, 1, 2): 61,
		day(2020, 1, 3): 62,
		day(2020, 1, 6): 63,
	})
	gdp := mustSeries(t, "gdp", map[time.Time]float64{
		day(2020, 1, 2): 2.1,
		day(2020, 1, 6): 2.4,
	})
	empty := &series.Series{Name: "fx"}

	frame, err := series.Merge(base, gdp, empty)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(frame.Dates) != 4 || len(frame.Columns) != 3 {
		t.Fatalf("frame has %d dates and %d columns", len(frame.Dates), len(frame.Columns))
	}

	got, ok := frame.Column("gdp")
	if !ok {
		t.Fatal("gdp column missing")
	}
	// 2020-01-01 is back filled and 2020-01-03 forward filled.
	want := []float64{2.1, 2.1, 2.1, 2.4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("gdp[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	fx, _ := frame.Column("fx")
	for i, v := range fx {
		if !math.IsNaN(v) {
			t.Errorf("fx[%d] = %v, want NaN", i, v)
		}
	}

	if _, err := series.Merge(base, gdp, gdp); err == nil {
		t.Error("expected an error for a duplicate column")
	}
}
