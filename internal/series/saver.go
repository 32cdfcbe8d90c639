package series

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

// Row is the flat on-disk form of an observation.
type Row struct {
	Date  string  `json:"date" parquet:"date"`
	Price float64 `json:"price" parquet:"price"`
}

func toRows(s *Series) []Row {
	rows := make([]Row, len(s.Observations))
	for i, o := range s.Observations {
		rows[i] = Row{Date: o.Date.Format(time.DateOnly), Price: o.Price.InexactFloat64()}
	}
	return rows
}

func fromRows(name string, rows []Row) (*Series, error) {
	obs := make([]Observation, len(rows))
	for i, r := range rows {
		d, err := time.Parse(time.DateOnly, r.Date)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		obs[i] = Observation{Date: d, Price: decimal.NewFromFloat(r.Price)}
	}
	return New(name, obs)
}

// Saver writes a series to a file in one format.
type Saver interface {
	Save(s *Series, path string) error
	Extension() string
}

// NewSaver returns the saver for format (csv, parquet or json), or nil if
// the format is not supported.
func NewSaver(format string) Saver {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVSaver{}
	case "parquet":
		return ParquetSaver{}
	case "json":
		return JSONSaver{}
	default:
		return nil
	}
}

// CSVSaver writes a Date,Price file with ISO dates.
type CSVSaver struct{}

func (CSVSaver) Extension() string { return "csv" }

func (CSVSaver) Save(s *Series, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Date", "Price"}); err != nil {
		return err
	}
	for _, o := range s.Observations {
		if err := w.Write([]string{o.Date.Format(time.DateOnly), o.Price.String()}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// SaveFrame writes f as CSV: a Date column, then one column per series.
// Values still missing after filling are written as empty cells.
func SaveFrame(f *Frame, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := make([]string, 0, len(f.Columns)+1)
	header = append(header, "Date")
	for _, c := range f.Columns {
		header = append(header, c.Name)
	}
	if err := w.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for i, d := range f.Dates {
		record[0] = d.Format(time.DateOnly)
		for j, c := range f.Columns {
			if v := c.Values[i]; math.IsNaN(v) {
				record[j+1] = ""
			} else {
				record[j+1] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return file.Close()
}

// ParquetSaver writes the series as Parquet rows.
type ParquetSaver struct{}

func (ParquetSaver) Extension() string { return "parquet" }

func (ParquetSaver) Save(s *Series, path string) error {
	return parquet.WriteFile(path, toRows(s))
}

// JSONSaver writes the series as an indented JSON array of rows.
type JSONSaver struct{}

func (JSONSaver) Extension() string { return "json" }

func (JSONSaver) Save(s *Series, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toRows(s)); err != nil {
		return err
	}
	return f.Close()
}

// LoadParquet reads a series written by ParquetSaver.
func LoadParquet(name, path string) (*Series, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return fromRows(name, rows)
}

// LoadJSON reads a series written by JSONSaver.
func LoadJSON(name, path string) (*Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read json %s: %w", path, err)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse json %s: %w", path, err)
	}
	return fromRows(name, rows)
}
