// Package workerpool generalizes the teacher's WorkerPool/ProgressTracker/
// ParallelProcessor trio (utils/worker-pool.go) from job interface{} to a
// generic job/result pair, so batch-style work units can run on a
// CPU-sized pool without a type assertion at every call site (spec.md §5:
// "work units... may run on a worker pool sized to CPU count"). The
// evaluator and topology checker run their rule passes sequentially and
// do not use this package.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsaid97/go-geoqc/internal/log"
)

// WorkerPool runs a fixed number of goroutines pulling jobs of type J and
// producing results of type R.
type WorkerPool[J any, R any] struct {
	NumWorkers int
	JobQueue   chan J
	Results    chan R

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a pool sized to numWorkers (CPU count if <= 0).
func New[J any, R any](numWorkers, jobBufferSize, resultBufferSize int) *WorkerPool[J, R] {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &WorkerPool[J, R]{
		NumWorkers: numWorkers,
		JobQueue:   make(chan J, jobBufferSize),
		Results:    make(chan R, resultBufferSize),
	}
}

// Start launches the worker goroutines, each applying workFunc to every job
// it pulls and forwarding the result.
func (wp *WorkerPool[J, R]) Start(workFunc func(J) R) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true
	wp.wg.Add(wp.NumWorkers)
	for i := 0; i < wp.NumWorkers; i++ {
		go wp.worker(workFunc)
	}
}

func (wp *WorkerPool[J, R]) worker(workFunc func(J) R) {
	defer wp.wg.Done()
	for job := range wp.JobQueue {
		wp.Results <- workFunc(job)
	}
}

func (wp *WorkerPool[J, R]) Submit(job J) { wp.JobQueue <- job }

func (wp *WorkerPool[J, R]) Wait() { wp.wg.Wait() }

// ProgressTracker tracks progress of a parallel pass and logs every 100
// items, mirroring the teacher's fmt.Printf cadence but through the
// structured logger.
type ProgressTracker struct {
	Total     int64
	Processed int64
	StartTime time.Time
	Name      string
	log       log.Logger
}

func NewProgressTracker(total int64, name string, logger log.Logger) *ProgressTracker {
	return &ProgressTracker{Total: total, StartTime: time.Now(), Name: name, log: logger}
}

func (pt *ProgressTracker) Increment() {
	processed := atomic.AddInt64(&pt.Processed, 1)
	if processed%100 == 0 || processed == pt.Total {
		elapsed := time.Since(pt.StartTime)
		rate := float64(processed) / elapsed.Seconds()
		pct := float64(processed) / float64(pt.Total) * 100
		pt.log.Debug("progress", "pass", pt.Name, "processed", processed, "total", pt.Total, "pct", pct, "itemsPerSec", rate)
	}
}

func (pt *ProgressTracker) Progress() (processed, total int64, pct float64) {
	processed = atomic.LoadInt64(&pt.Processed)
	total = pt.Total
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
	}
	return
}

// ParallelProcessor runs a batch of items through workFunc concurrently,
// generalizing the teacher's ParallelProcessor.ProcessBatch.
type ParallelProcessor[J any, R any] struct {
	NumWorkers int
	log        log.Logger
}

func NewParallelProcessor[J any, R any](numWorkers int, logger log.Logger) *ParallelProcessor[J, R] {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &ParallelProcessor[J, R]{NumWorkers: numWorkers, log: logger}
}

// ProcessBatch runs workFunc over every item in items, cooperatively
// checking cancel before dispatching each item (spec.md §5: poll a shared
// cancellation flag at every batch boundary).
func (pp *ParallelProcessor[J, R]) ProcessBatch(items []J, workFunc func(J) R, passName string, cancel func() bool) []R {
	if len(items) == 0 {
		return nil
	}
	tracker := NewProgressTracker(int64(len(items)), passName, pp.log)
	pool := New[J, R](pp.NumWorkers, len(items), len(items))
	pool.Start(func(job J) R {
		result := workFunc(job)
		tracker.Increment()
		return result
	})

	submitted := 0
	for _, item := range items {
		if cancel != nil && cancel() {
			break
		}
		pool.Submit(item)
		submitted++
	}
	close(pool.JobQueue)

	results := make([]R, 0, submitted)
	for i := 0; i < submitted; i++ {
		results = append(results, <-pool.Results)
	}
	pool.Wait()
	return results
}
