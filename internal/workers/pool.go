// Package workers runs independent jobs on a bounded set of goroutines.
// Results come back in submission order regardless of completion order.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name          string // Pool name for logging
	NumWorkers    int    // Upper bound on concurrently running tasks
	PanicRecovery bool   // Convert task panics into PanicError
}

// DefaultPoolConfig returns one worker per CPU with panic recovery enabled.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:          name,
		NumWorkers:    runtime.NumCPU(),
		PanicRecovery: true,
	}
}

// Pool schedules tasks on at most NumWorkers goroutines.
type Pool struct {
	logger  *zap.Logger
	config  *PoolConfig
	metrics *PoolMetrics
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	return &Pool{
		logger:  logger,
		config:  config,
		metrics: NewPoolMetrics(),
	}
}

// Run executes every task and blocks until all have returned. errs[i] is
// the result of tasks[i]. Tasks that have not started when ctx is done are
// skipped and report ctx.Err().
func (p *Pool) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}

	numWorkers := p.config.NumWorkers
	if numWorkers > len(tasks) {
		numWorkers = len(tasks)
	}

	p.logger.Debug("running tasks",
		zap.String("name", p.config.Name),
		zap.Int("tasks", len(tasks)),
		zap.Int("workers", numWorkers),
	)

	queue := make(chan int, len(tasks))
	for i := range tasks {
		queue <- i
		p.metrics.TasksSubmitted.Add(1)
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			logger := p.logger.With(zap.Int("worker_id", workerID))
			for i := range queue {
				if err := ctx.Err(); err != nil {
					p.metrics.TasksSkipped.Add(1)
					errs[i] = err
					continue
				}
				if tasks[i] == nil {
					errs[i] = ErrNilTask
					continue
				}
				errs[i] = p.execute(ctx, logger, tasks[i])
			}
		}(w)
	}
	wg.Wait()

	return errs
}

// execute runs a single task with panic recovery
func (p *Pool) execute(ctx context.Context, logger *zap.Logger, task Task) error {
	start := time.Now()
	var err error
	if p.config.PanicRecovery {
		err = Protect(func() error { return task.Execute(ctx) })
	} else {
		err = task.Execute(ctx)
	}
	p.metrics.RecordLatency(time.Since(start))

	var panicErr *PanicError
	switch {
	case err == nil:
		p.metrics.TasksCompleted.Add(1)
	case errors.As(err, &panicErr):
		p.metrics.PanicRecovered.Add(1)
		p.metrics.TasksFailed.Add(1)
		logger.Error("worker recovered from panic", zap.Any("panic", panicErr.Recovered))
	default:
		p.metrics.TasksFailed.Add(1)
		logger.Debug("task failed", zap.Error(err))
	}
	return err
}

// Protect calls fn and converts a panic into a *PanicError.
func Protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Recovered: r}
		}
	}()
	return fn()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return p.metrics.GetStats()
}

// PoolMetrics tracks pool activity across Run calls.
type PoolMetrics struct {
	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	TasksSkipped   atomic.Int64
	PanicRecovered atomic.Int64

	mu         sync.Mutex
	latencies  []time.Duration
	latencyIdx int
	filled     int
	startTime  time.Time
}

const latencyWindow = 1024

// NewPoolMetrics creates a new metrics tracker
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies: make([]time.Duration, latencyWindow),
		startTime: time.Now(),
	}
}

// RecordLatency records task execution latency
func (m *PoolMetrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.latencyIdx] = d
	m.latencyIdx = (m.latencyIdx + 1) % len(m.latencies)
	if m.filled < len(m.latencies) {
		m.filled++
	}
}

// GetP99Latency returns the 99th percentile of the recent latencies
func (m *PoolMetrics) GetP99Latency() time.Duration {
	m.mu.Lock()
	sorted := make([]time.Duration, m.filled)
	copy(sorted, m.latencies[:m.filled])
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GetStats returns current metrics
func (m *PoolMetrics) GetStats() PoolStats {
	return PoolStats{
		TasksSubmitted: m.TasksSubmitted.Load(),
		TasksCompleted: m.TasksCompleted.Load(),
		TasksFailed:    m.TasksFailed.Load(),
		TasksSkipped:   m.TasksSkipped.Load(),
		PanicRecovered: m.PanicRecovered.Load(),
		P99Latency:     m.GetP99Latency(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksSkipped   int64         `json:"tasks_skipped"`
	PanicRecovered int64         `json:"panic_recovered"`
	P99Latency     time.Duration `json:"p99_latency"`
	Uptime         time.Duration `json:"uptime"`
}

// ErrNilTask is reported for a nil entry in the task list.
var ErrNilTask = &PoolError{Message: "nil task"}

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
