package series

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// ErrNotFound is returned when no file backs a series name.
var ErrNotFound = errors.New("series not found")

// Store provides access to cleaned price series kept in a data directory.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	loader   *Loader
	cache    map[string]*Series
	metadata map[string]*Metadata
}

// Metadata describes one stored series.
type Metadata struct {
	Name         string    `json:"name"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
	Observations int       `json:"observations"`
	Format       string    `json:"format"`
}

// NewStore creates a store rooted at dataDir, creating the directory if needed.
func NewStore(logger *zap.Logger, dataDir string, loader *Loader) (*Store, error) {
	if loader == nil {
		loader = NewLoader(nil)
	}
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		loader:   loader,
		cache:    make(map[string]*Series),
		metadata: make(map[string]*Metadata),
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// Load returns the named series from cache or disk. Files are looked up as
// <name>.csv, <name>.parquet and <name>.json in that order.
func (s *Store) Load(ctx context.Context, name string) (*Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = utils.NormalizeSeriesName(name)

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	series, format, err := s.readFile(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[name] = series
	s.recordMetadata(series, format)

	s.logger.Info("series loaded",
		zap.String("name", name),
		zap.String("format", format),
		zap.Int("observations", series.Len()),
	)
	return series, nil
}

func (s *Store) readFile(name string) (*Series, string, error) {
	for _, format := range []string{"csv", "parquet", "json"} {
		path := filepath.Join(s.dataDir, name+"."+format)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", fmt.Errorf("stat %s: %w", path, err)
		}

		var (
			series *Series
			err    error
		)
		switch format {
		case "csv":
			series, err = s.loader.LoadFile(path)
		case "parquet":
			series, err = LoadParquet(name, path)
		case "json":
			series, err = LoadJSON(name, path)
		}
		if err != nil {
			return nil, "", err
		}
		series.Name = name
		return series, format, nil
	}
	return nil, "", fmt.Errorf("%w: %s in %s", ErrNotFound, name, s.dataDir)
}

// Get returns the observations of the named series inside tr.
func (s *Store) Get(ctx context.Context, name string, tr utils.TimeRange) (*Series, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	series, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return series.Slice(tr), nil
}

// Put caches a series under its own name without writing it.
func (s *Store) Put(series *Series) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series.Name = utils.NormalizeSeriesName(series.Name)
	s.cache[series.Name] = series
	s.recordMetadata(series, "memory")
}

// Save writes the series into the data directory in the given format and
// returns the file path.
func (s *Store) Save(series *Series, format string) (string, error) {
	saver := NewSaver(format)
	if saver == nil {
		return "", fmt.Errorf("unsupported format %q (use csv, parquet or json)", format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := utils.NormalizeSeriesName(series.Name)
	series.Name = name
	path := filepath.Join(s.dataDir, name+"."+saver.Extension())
	if err := saver.Save(series, path); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	s.cache[name] = series
	s.recordMetadata(series, saver.Extension())
	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("failed to save metadata", zap.Error(err))
	}
	return path, nil
}

// Merge left-joins the named factor series onto the dates of base inside
// tr. Factors are loaded in full and never windowed.
func (s *Store) Merge(ctx context.Context, base string, factors []string, tr utils.TimeRange) (*Frame, error) {
	prices, err := s.Get(ctx, base, tr)
	if err != nil {
		return nil, err
	}
	loaded := make([]*Series, 0, len(factors))
	for _, name := range factors {
		f, err := s.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("factor %s: %w", name, err)
		}
		loaded = append(loaded, f)
	}

	frame, err := Merge(prices, loaded...)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("merged factors",
		zap.String("base", prices.Name),
		zap.Strings("factors", factors),
		zap.Int("rows", len(frame.Dates)),
	)
	return frame, nil
}

// SaveFrame writes a merged frame as <name>.csv in the data directory and
// returns the file path. Frames are not cached or listed in the metadata.
func (s *Store) SaveFrame(frame *Frame, name string) (string, error) {
	path := filepath.Join(s.dataDir, utils.NormalizeSeriesName(name)+".csv")
	if err := SaveFrame(frame, path); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Names returns the known series names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.metadata))
	for name := range s.metadata {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DataRange returns the available date range of a series.
func (s *Store) DataRange(name string) (utils.TimeRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[utils.NormalizeSeriesName(name)]; ok {
		return utils.TimeRange{Start: meta.StartDate, End: meta.EndDate}, nil
	}
	return utils.TimeRange{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// recordMetadata must be called with s.mu held.
func (s *Store) recordMetadata(series *Series, format string) {
	meta := &Metadata{Name: series.Name, Observations: series.Len(), Format: format}
	if series.Len() > 0 {
		r := series.Range()
		meta.StartDate, meta.EndDate = r.Start, r.End
	}
	s.metadata[series.Name] = meta
}

func (s *Store) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string]*Series)
}

// CacheSize returns the number of cached series
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}
