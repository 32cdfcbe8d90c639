// Package workers_test provides tests for the worker pool.
package workers_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/internal/workers"
)

func TestPoolRunKeepsSubmissionOrder(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{Name: "test", NumWorkers: 4, PanicRecovery: true})

	results := make([]int, 20)
	tasks := make([]workers.Task, len(results))
	for i := range tasks {
		i := i
		tasks[i] = workers.TaskFunc(func(ctx context.Context) error {
			// Later tasks finish first.
			time.Sleep(time.Duration(len(results)-i) * time.Millisecond)
			results[i] = i * i
			if i%5 == 0 {
				return errors.New("multiple of five")
			}
			return nil
		})
	}

	errs := pool.Run(context.Background(), tasks)
	if len(errs) != len(tasks) {
		t.Fatalf("got %d errors, want %d", len(errs), len(tasks))
	}
	for i, err := range errs {
		if (i%5 == 0) != (err != nil) {
			t.Errorf("task %d: error = %v", i, err)
		}
		if results[i] != i*i {
			t.Errorf("task %d wrote %d, want %d", i, results[i], i*i)
		}
	}

	stats := pool.Stats()
	if stats.TasksSubmitted != 20 || stats.TasksCompleted != 16 || stats.TasksFailed != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{Name: "bounded", NumWorkers: 2})

	var running, peak atomic.Int64
	tasks := make([]workers.Task, 10)
	for i := range tasks {
		tasks[i] = workers.TaskFunc(func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	pool.Run(context.Background(), tasks)

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("panics"))

	errs := pool.Run(context.Background(), []workers.Task{
		workers.TaskFunc(func(ctx context.Context) error { panic("boom") }),
		workers.TaskFunc(func(ctx context.Context) error { return nil }),
		nil,
	})

	var panicErr *workers.PanicError
	if !errors.As(errs[0], &panicErr) {
		t.Fatalf("errs[0] = %v, want PanicError", errs[0])
	}
	if panicErr.Recovered != "boom" {
		t.Errorf("recovered %v, want boom", panicErr.Recovered)
	}
	if errs[1] != nil {
		t.Errorf("errs[1] = %v, want nil", errs[1])
	}
	if !errors.Is(errs[2], workers.ErrNilTask) {
		t.Errorf("errs[2] = %v, want ErrNilTask", errs[2])
	}
	if got := pool.Stats().PanicRecovered; got != 1 {
		t.Errorf("PanicRecovered = %d, want 1", got)
	}
}

func TestPoolSkipsAfterCancel(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{Name: "cancel", NumWorkers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran atomic.Int64
	tasks := make([]workers.Task, 5)
	for i := range tasks {
		tasks[i] = workers.TaskFunc(func(ctx context.Context) error {
			ran.Add(1)
			cancel()
			return nil
		})
	}

	errs := pool.Run(ctx, tasks)
	if got := ran.Load(); got != 1 {
		t.Errorf("%d tasks ran, want 1", got)
	}
	for i, err := range errs[1:] {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("task %d: error = %v, want context.Canceled", i+1, err)
		}
	}
	if got := pool.Stats().TasksSkipped; got != 4 {
		t.Errorf("TasksSkipped = %d, want 4", got)
	}
}

func TestProtect(t *testing.T) {
	if err := workers.Protect(func() error { return nil }); err != nil {
		t.Errorf("Protect(ok) = %v", err)
	}
	err := workers.Protect(func() error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	var panicErr *workers.PanicError
	if !errors.As(err, &panicErr) {
		t.Errorf("Protect(nil map write) = %v, want PanicError", err)
	}
}

func TestPoolLatency(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), nil)
	if p99 := pool.Stats().P99Latency; p99 != 0 {
		t.Errorf("empty P99 = %v, want 0", p99)
	}
	pool.Run(context.Background(), []workers.Task{
		workers.TaskFunc(func(ctx context.Context) error {
			time.Sleep(2 * time.Millisecond)
			return nil
		}),
	})
	if p99 := pool.Stats().P99Latency; p99 < 2*time.Millisecond {
		t.Errorf("P99 = %v, want >= 2ms", p99)
	}
}
