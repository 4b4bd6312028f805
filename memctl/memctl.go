// Package memctl implements the memory-pressure controller from spec.md
// §4.3: batch sizes shrink when the process is under memory pressure and
// grow back gradually once pressure subsides, so a single huge layer never
// drives the process to OOM.
//
// It is grounded on the teacher's ParallelProcessor/WorkerPool batching
// pattern (utils/worker-pool.go), generalized with an explicit pressure
// signal the teacher never needed since its workloads were bounded HTTP
// request bodies rather than unbounded GDB layers.
//
// The pressure signal itself reads runtime.MemStats directly rather than
// through a third-party metrics-collection library: none of the retrieved
// examples wrap process memory stats behind a library (the pack's
// prometheus/client_golang usage is for exporting counters, not for
// sourcing them), so this one leaf stays on the standard library by
// necessity, per DESIGN.md.
package memctl

import (
	"runtime"
	"sync"
)

// Thresholds configure when the controller considers the process under
// pressure and how it resizes batches in response.
type Thresholds struct {
	// PressureRatio is heapAlloc/memoryLimit above which isUnderPressure
	// reports true.
	PressureRatio float64
	// MemoryLimitBytes is the soft ceiling batch sizing is computed
	// against. Zero disables pressure detection (optimalBatchSize always
	// returns base).
	MemoryLimitBytes uint64
	// GrowthFactor scales a batch size back up once pressure clears.
	GrowthFactor float64
}

// DefaultThresholds mirrors spec.md §4.3's defaults.
var DefaultThresholds = Thresholds{
	PressureRatio:    0.8,
	MemoryLimitBytes: 0,
	GrowthFactor:     1.2,
}

// Controller tracks memory pressure across a run and adapts batch sizes,
// broadcasting pressure transitions to any interested listener (the
// orchestrator counts them in its metrics registry).
type Controller struct {
	mu         sync.Mutex
	thresholds Thresholds
	listeners  []chan PressureEvent
	lastRatio  float64
}

// PressureEvent is broadcast whenever pressure state changes.
type PressureEvent struct {
	UnderPressure bool
	Ratio         float64
	HeapAllocMB   float64
}

// New builds a Controller. A zero-value Thresholds.MemoryLimitBytes means
// pressure is never reported (useful for small single-layer runs where the
// orchestrator does not need to throttle).
func New(t Thresholds) *Controller {
	return &Controller{thresholds: t}
}

// ReadHeapAllocMB samples current heap usage via runtime.MemStats.
func ReadHeapAllocMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1024 * 1024)
}

// IsUnderPressure samples runtime.MemStats and reports whether heap usage
// exceeds the configured pressure ratio of the memory limit. It also
// broadcasts a PressureEvent on every state transition.
func (c *Controller) IsUnderPressure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isUnderPressureLocked()
}

func (c *Controller) isUnderPressureLocked() bool {
	if c.thresholds.MemoryLimitBytes == 0 {
		return false
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	ratio := float64(m.HeapAlloc) / float64(c.thresholds.MemoryLimitBytes)
	// lastRatio stays zero until the first sample, so the controller starts
	// out not under pressure.
	wasUnder := c.lastRatio > 0 && c.lastRatio >= c.thresholds.PressureRatio
	c.lastRatio = ratio
	isUnder := ratio >= c.thresholds.PressureRatio
	if isUnder != wasUnder {
		c.broadcastLocked(PressureEvent{UnderPressure: isUnder, Ratio: ratio, HeapAllocMB: float64(m.HeapAlloc) / (1024 * 1024)})
	}
	return isUnder
}

// OptimalBatchSize halves base when under pressure (floored at min) and
// grows it back by GrowthFactor when not, matching spec.md §4.3's adaptive
// batching rule. Callers feed the previous batch size back in as base on
// every call to ratchet toward a stable size rather than oscillating.
func (c *Controller) OptimalBatchSize(base, min int) int {
	if min <= 0 {
		min = 1
	}
	if base < min {
		base = min
	}
	if c.IsUnderPressure() {
		next := base / 2
		if next < min {
			next = min
		}
		return next
	}
	growth := c.thresholds.GrowthFactor
	if growth <= 1 {
		growth = DefaultThresholds.GrowthFactor
	}
	return int(float64(base) * growth)
}

// TryReducePressure runs a GC cycle and re-samples, returning true if that
// was enough to clear the pressure condition. This is a best-effort nudge,
// not a guarantee.
func (c *Controller) TryReducePressure() bool {
	runtime.GC()
	return !c.IsUnderPressure()
}

// Subscribe registers a channel that receives every future PressureEvent.
// The channel is buffered so a slow listener cannot block the controller;
// events are dropped (not blocked on) if the buffer is full.
func (c *Controller) Subscribe() <-chan PressureEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan PressureEvent, 8)
	c.listeners = append(c.listeners, ch)
	return ch
}

func (c *Controller) broadcastLocked(ev PressureEvent) {
	for _, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
