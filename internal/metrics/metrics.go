// Package metrics exposes Prometheus instrumentation for a validation run,
// grounded on the example pack's MetricsServer pattern (e.g. a syncer's
// resourcesSynced/syncDuration/syncErrors counters registered against a
// private registry and served over /metrics): stage duration, errors
// emitted per code/severity, and memory-pressure transitions.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a private prometheus.Registry and the counters/histograms
// a validation job reports against, mirroring the example pack's
// per-component MetricsServer shape rather than using the global default
// registry (so multiple concurrent jobs in one process don't collide).
type Registry struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	errorsEmitted   *prometheus.CounterVec
	pressureEvents  prometheus.Counter
	activeJobs      prometheus.Gauge
	featuresScanned *prometheus.CounterVec

	server  *http.Server
	mu      sync.Mutex
	started bool
}

// New builds a Registry with all QC metrics registered.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoqc_stage_duration_seconds",
			Help:    "Time taken to run one validation stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "layer"},
	)
	r.errorsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoqc_errors_emitted_total",
			Help: "Total validation errors emitted, by code and severity",
		},
		[]string{"code", "severity"},
	)
	r.pressureEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoqc_memory_pressure_events_total",
		Help: "Total memory-pressure state transitions (into or out of pressure)",
	})
	r.activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoqc_active_jobs",
		Help: "Number of validation jobs currently running",
	})
	r.featuresScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoqc_features_scanned_total",
			Help: "Total features streamed from the feature store, by layer",
		},
		[]string{"layer"},
	)

	r.registry.MustRegister(r.stageDuration, r.errorsEmitted, r.pressureEvents, r.activeJobs, r.featuresScanned)
	return r
}

// Serve starts an HTTP server exposing /metrics on addr (e.g. ":9090").
func (r *Registry) Serve(addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("metrics: server already started")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	r.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			_ = err // discarded: Serve has already returned, so nothing reports it
		}
	}()
	r.started = true
	return nil
}

// Shutdown stops the metrics HTTP server if it was started.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	r.started = false
	return nil
}

func (r *Registry) RecordStageDuration(stage, layer string, d time.Duration) {
	r.stageDuration.WithLabelValues(stage, layer).Observe(d.Seconds())
}

func (r *Registry) RecordError(code, severity string) {
	r.errorsEmitted.WithLabelValues(code, severity).Inc()
}

func (r *Registry) RecordPressureEvent() {
	r.pressureEvents.Inc()
}

func (r *Registry) SetActiveJobs(n int) {
	r.activeJobs.Set(float64(n))
}

func (r *Registry) RecordFeaturesScanned(layer string, n int) {
	r.featuresScanned.WithLabelValues(layer).Add(float64(n))
}
