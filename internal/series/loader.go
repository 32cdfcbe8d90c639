package series

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// DefaultDateLayouts are tried in order. Numeric dates are day first.
var DefaultDateLayouts = []string{
	"2-Jan-06",    // 20-May-87
	"Jan 2, 2006", // Apr 22, 2020
	time.DateOnly, // 2020-04-22
	"02/01/2006",  // 22/04/2020
	"2/1/2006",    // 22/4/2020
	time.RFC3339,  // exported with a time component
	"2006-01-02 15:04:05",
}

// LoaderConfig configures CSV parsing.
type LoaderConfig struct {
	DateColumn  string   // Header of the date column (case-insensitive)
	PriceColumn string   // Header of the value column (case-insensitive)
	DateLayouts []string // Accepted date layouts, tried in order
}

// DefaultLoaderConfig returns the layout of the Brent price file.
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		DateColumn:  "Date",
		PriceColumn: "Price",
		DateLayouts: DefaultDateLayouts,
	}
}

// ParseError reports a malformed CSV row.
type ParseError struct {
	Line    int
	Column  string
	Value   string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column %q: %s (value %q)", e.Line, e.Column, e.Message, e.Value)
}

// ErrNoObservations is returned when cleaning leaves nothing.
var ErrNoObservations = errors.New("series has no observations after cleaning")

// rawRow is a parsed row before cleaning; price is nil when missing.
type rawRow struct {
	date  time.Time
	price *decimal.Decimal
}

// Loader reads price series from CSV.
type Loader struct {
	config *LoaderConfig
}

// NewLoader creates a loader. A nil config uses DefaultLoaderConfig.
func NewLoader(config *LoaderConfig) *Loader {
	if config == nil {
		config = DefaultLoaderConfig()
	}
	if len(config.DateLayouts) == 0 {
		config.DateLayouts = DefaultDateLayouts
	}
	return &Loader{config: config}
}

// LoadFile reads and cleans the CSV at path. The series is named after the
// file.
func (l *Loader) LoadFile(path string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open series file: %w", err)
	}
	defer f.Close()

	name := utils.NormalizeSeriesName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	s, err := l.Load(name, f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

// Load reads CSV rows from r and cleans them: rows are sorted by date,
// duplicate dates keep the last row, missing prices are forward filled and
// leading rows with no price to carry are dropped.
func (l *Loader) Load(name string, r io.Reader) (*Series, error) {
	rows, err := l.readRows(r)
	if err != nil {
		return nil, err
	}
	obs := clean(rows)
	if len(obs) == 0 {
		return nil, ErrNoObservations
	}
	return New(name, obs)
}

func (l *Loader) readRows(r io.Reader) ([]rawRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoObservations
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	dateIdx, priceIdx := -1, -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch {
		case strings.EqualFold(h, l.config.DateColumn):
			dateIdx = i
		case strings.EqualFold(h, l.config.PriceColumn):
			priceIdx = i
		}
	}
	if dateIdx < 0 || priceIdx < 0 {
		return nil, fmt.Errorf("header %v must contain %q and %q columns",
			header, l.config.DateColumn, l.config.PriceColumn)
	}

	var rows []rawRow
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if len(record) <= dateIdx || strings.TrimSpace(record[dateIdx]) == "" {
			continue
		}

		date, err := l.parseDate(record[dateIdx])
		if err != nil {
			return nil, &ParseError{Line: line, Column: l.config.DateColumn, Value: record[dateIdx], Message: err.Error()}
		}

		row := rawRow{date: date}
		if len(record) > priceIdx {
			price, ok, err := parsePrice(record[priceIdx])
			if err != nil {
				return nil, &ParseError{Line: line, Column: l.config.PriceColumn, Value: record[priceIdx], Message: err.Error()}
			}
			if ok {
				row.price = &price
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (l *Loader) parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range l.config.DateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date format")
}

// parsePrice returns ok=false for an empty or placeholder value.
func parsePrice(v string) (decimal.Decimal, bool, error) {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", ".", "na", "nan", "null", "-":
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(v, ",", ""))
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid number")
	}
	return d, true, nil
}

// clean sorts, de-duplicates and forward fills.
func clean(rows []rawRow) []Observation {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].date.Before(rows[j].date)
	})

	// Last row wins for a repeated date.
	deduped := rows[:0]
	for _, r := range rows {
		if n := len(deduped); n > 0 && deduped[n-1].date.Equal(r.date) {
			deduped[n-1] = r
			continue
		}
		deduped = append(deduped, r)
	}

	obs := make([]Observation, 0, len(deduped))
	var last *decimal.Decimal
	for _, r := range deduped {
		if r.price != nil {
			last = r.price
		}
		if last == nil {
			continue
		}
		obs = append(obs, Observation{Date: r.date, Price: *last})
	}
	return obs
}
