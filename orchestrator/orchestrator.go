// Package orchestrator drives a validation run through spec.md §4.5.1's
// per-run pipeline state machine and exposes the startValidation/
// getJobStatus/getJobResult/cancelJob surface consumed by cmd/geoqc. The
// stage-skip-on-failure and cooperative-cancellation shape is grounded on
// the teacher's cleanTopologyHandler (panic recovery, staged processing,
// early-return error propagation) generalized from one HTTP handler into a
// multi-stage pipeline with a shared cancellation flag.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bsaid97/go-geoqc/classifier"
	"github.com/bsaid97/go-geoqc/errorstore"
	"github.com/bsaid97/go-geoqc/evaluator"
	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/indexmanager"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/internal/metrics"
	"github.com/bsaid97/go-geoqc/memctl"
	"github.com/bsaid97/go-geoqc/rules"
	"github.com/bsaid97/go-geoqc/topology"
)

// Stage numbers spec.md §6's CLI surface: table checks, schema, geometry,
// attribute-relation, spatial-relation.
const (
	StageTableChecks       = 1
	StageSchema            = 2
	StageGeometry          = 3
	StageAttributeRelation = 4
	StageSpatialRelation   = 5
)

// ExitCode mirrors spec.md §6's CLI exit-code vocabulary.
type ExitCode int

const (
	ExitSuccess     ExitCode = 0
	ExitErrorsFound ExitCode = 1
	ExitConfigError ExitCode = 2
	ExitIOError     ExitCode = 3
	ExitCancelled   ExitCode = 4
)

// ErrKind is the closed error-kind vocabulary from spec.md §7.
type ErrKind int

const (
	KindInputInvalid ErrKind = iota
	KindStoreIO
	KindGeometryDefect
	KindCancelled
	KindTimeout
)

func (k ErrKind) String() string {
	switch k {
	case KindInputInvalid:
		return "InputInvalid"
	case KindStoreIO:
		return "StoreIO"
	case KindGeometryDefect:
		return "GeometryDefect"
	case KindCancelled:
		return "Cancelled"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// StageError wraps an underlying failure with the ErrKind vocabulary from
// spec.md §7, so callers can branch with errors.As instead of string
// matching (the teacher instead wraps every failure with
// fmt.Errorf("...: %v", err), losing the distinction).
type StageError struct {
	Kind  ErrKind
	Stage int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("orchestrator: stage %d (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func newStageError(kind ErrKind, stage int, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// Status is the run lifecycle vocabulary from spec.md §3/§4.5.1.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Config is one validation invocation's parameters (spec.md §6's
// startValidation signature).
type Config struct {
	StorePath               string
	RuleSet                 *rules.RuleSet
	Stages                  []int
	StopOnTableCheckFailure bool
	NumWorkers              int
	RunName                 string
	ExecutedBy              string
	IndexBuildTimeout       time.Duration
}

// DefaultIndexBuildTimeout is spec.md §5's per-layer index-build budget.
const DefaultIndexBuildTimeout = 5 * time.Minute

// StageResult records one stage's outcome for getJobResult/getJobStatus.
type StageResult struct {
	Stage    int
	Layer    string
	Started  time.Time
	Finished time.Time
	Errors   int
	Warnings int
	Skipped  bool
	Err      error
}

// Job is one in-flight or completed validation run.
type Job struct {
	ID         string
	Status     Status
	Config     Config
	StartedAt  time.Time
	EndedAt    time.Time
	Stages     []StageResult
	ExitCode   ExitCode
	FinalError error

	cancelRequested atomic.Bool
	featuresSeen    atomic.Int64
}

func (j *Job) cancel() func() bool {
	return func() bool { return j.cancelRequested.Load() }
}

// JobManager is the in-process job registry backing cmd/geoqc's
// status/cancel subcommands (spec.md §6).
type JobManager struct {
	mu   sync.Mutex
	jobs map[string]*Job

	source  feature.Source
	indexes *indexmanager.Manager
	store   *errorstore.Store
	memCtl  *memctl.Controller
	metrics *metrics.Registry
	log     log.Logger
}

func NewJobManager(source feature.Source, indexes *indexmanager.Manager, store *errorstore.Store, memCtl *memctl.Controller, mtr *metrics.Registry, logger log.Logger) *JobManager {
	jm := &JobManager{
		jobs:    make(map[string]*Job),
		source:  source,
		indexes: indexes,
		store:   store,
		memCtl:  memCtl,
		metrics: mtr,
		log:     logger,
	}
	if jm.memCtl != nil && jm.metrics != nil {
		go jm.watchPressure(jm.memCtl.Subscribe())
	}
	return jm
}

// watchPressure drains the controller's broadcast channel for the lifetime
// of the process, recording one metrics sample per pressure transition.
func (jm *JobManager) watchPressure(events <-chan memctl.PressureEvent) {
	for range events {
		jm.metrics.RecordPressureEvent()
	}
}

// StartValidation registers a new job and runs it synchronously in a
// background goroutine, returning the jobId immediately per spec.md §6.
func (jm *JobManager) StartValidation(cfg Config) string {
	id := uuid.NewString()
	job := &Job{ID: id, Status: StatusPending, Config: cfg}
	jm.mu.Lock()
	jm.jobs[id] = job
	jm.mu.Unlock()

	go jm.run(job)
	return id
}

// GetJobStatus returns the job's current lifecycle status.
func (jm *JobManager) GetJobStatus(jobID string) (Status, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[jobID]
	if !ok {
		return "", false
	}
	return job.Status, true
}

// GetJobResult returns the full job record once terminal, or the partial
// record if still running.
func (jm *JobManager) GetJobResult(jobID string) (*Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[jobID]
	return job, ok
}

// CancelJob sets the cooperative cancellation flag; the run transitions to
// Cancelled once the in-flight batch completes (spec.md §4.5.1).
func (jm *JobManager) CancelJob(jobID string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[jobID]
	if !ok {
		return false
	}
	job.cancelRequested.Store(true)
	return true
}

func (jm *JobManager) run(job *Job) {
	ctx := context.Background()
	job.Status = StatusRunning
	job.StartedAt = time.Now().UTC()
	if jm.metrics != nil {
		jm.metrics.SetActiveJobs(1)
		defer jm.metrics.SetActiveJobs(0)
	}

	run, err := jm.store.CreateRun(job.Config.RunName, job.Config.StorePath, rulesetVersion(job.Config.RuleSet), job.Config.ExecutedBy)
	if err != nil {
		job.FinalError = newStageError(KindStoreIO, 0, err)
		job.Status = StatusFailed
		job.ExitCode = ExitIOError
		job.EndedAt = time.Now().UTC()
		return
	}

	sink := errorstore.NewSink(jm.store, run.GlobalID, errorstore.DefaultBatchSize, jm.log)
	stages := job.Config.Stages
	if len(stages) == 0 {
		stages = []int{StageTableChecks, StageSchema, StageGeometry, StageAttributeRelation, StageSpatialRelation}
	}

	tableCheckFailed := false
	for _, stage := range stages {
		if job.cancelRequested.Load() {
			break
		}
		if tableCheckFailed && job.Config.StopOnTableCheckFailure && stage != StageTableChecks {
			job.Stages = append(job.Stages, StageResult{Stage: stage, Skipped: true})
			continue
		}

		result := jm.runStage(ctx, job, stage, sink)
		job.Stages = append(job.Stages, result)
		if stage == StageTableChecks && result.Err != nil {
			tableCheckFailed = true
		}
	}

	if job.cancelRequested.Load() {
		job.Status = StatusCancelled
		job.ExitCode = ExitCancelled
		_ = sink.Finalize(errorstore.RunStatusCancelled, "cancelled by operator")
		job.EndedAt = time.Now().UTC()
		return
	}

	stats := sink.Statistics()
	var stageErr error
	for _, sr := range job.Stages {
		if sr.Err != nil {
			var se *StageError
			if errors.As(sr.Err, &se) && se.Kind == KindStoreIO {
				stageErr = sr.Err
				break
			}
		}
	}

	if stageErr != nil {
		job.Status = StatusFailed
		job.ExitCode = ExitIOError
		job.FinalError = stageErr
		_ = sink.Finalize(errorstore.RunStatusFailed, stageErr.Error())
	} else {
		job.Status = StatusCompleted
		if stats.TotalErrors+stats.TotalWarnings > 0 {
			job.ExitCode = ExitErrorsFound
		} else {
			job.ExitCode = ExitSuccess
		}
		_ = sink.Finalize(errorstore.RunStatusCompleted, fmt.Sprintf("%d errors, %d warnings", stats.TotalErrors, stats.TotalWarnings))
	}
	job.EndedAt = time.Now().UTC()
}

func (jm *JobManager) runStage(ctx context.Context, job *Job, stage int, sink *errorstore.Sink) StageResult {
	started := time.Now()
	result := StageResult{Stage: stage, Started: started}

	switch stage {
	case StageTableChecks, StageSchema:
		result.Err = jm.runTableAndSchemaChecks(ctx, job)
	case StageGeometry:
		result.Err = jm.runGeometryStage(ctx, job, sink, &result)
	case StageAttributeRelation, StageSpatialRelation:
		result.Err = jm.runTopologyStage(ctx, job, sink, &result)
	default:
		result.Err = newStageError(KindInputInvalid, stage, fmt.Errorf("unknown stage number %d", stage))
	}

	result.Finished = time.Now()
	if jm.metrics != nil {
		jm.metrics.RecordStageDuration(stageName(stage), "", result.Finished.Sub(started))
	}
	return result
}

func stageName(stage int) string {
	switch stage {
	case StageTableChecks:
		return "table_checks"
	case StageSchema:
		return "schema"
	case StageGeometry:
		return "geometry"
	case StageAttributeRelation:
		return "attribute_relation"
	case StageSpatialRelation:
		return "spatial_relation"
	default:
		return "unknown"
	}
}

func (jm *JobManager) runTableAndSchemaChecks(ctx context.Context, job *Job) error {
	for _, row := range job.Config.RuleSet.Rows {
		exists, err := jm.source.TableExists(ctx, row.TableName)
		if err != nil {
			return newStageError(KindStoreIO, StageTableChecks, err)
		}
		if !exists {
			return newStageError(KindInputInvalid, StageTableChecks, fmt.Errorf("layer %q not found in store", row.TableName))
		}
		if _, err := jm.source.TableSchema(ctx, row.TableName); err != nil {
			return newStageError(KindStoreIO, StageSchema, err)
		}
	}
	return nil
}

func (jm *JobManager) runGeometryStage(ctx context.Context, job *Job, sink *errorstore.Sink, result *StageResult) error {
	ev := evaluator.New(jm.log, jm.memCtl, job.Config.NumWorkers)

	byLayer := make(map[string][]rules.GeometryRule)
	for _, gr := range job.Config.RuleSet.GeometryRules {
		byLayer[gr.Layer] = append(byLayer[gr.Layer], gr)
	}

	for layer, ruleList := range byLayer {
		if job.cancelRequested.Load() {
			return newStageError(KindCancelled, StageGeometry, errors.New("cancelled"))
		}
		errs, err := ev.EvaluateLayer(ctx, jm.source, layer, ruleList, job.cancel())
		if err != nil {
			return newStageError(KindStoreIO, StageGeometry, err)
		}
		if writeErr := sink.WriteMany(errs); writeErr != nil {
			return newStageError(KindStoreIO, StageGeometry, writeErr)
		}
		result.Errors += countBySeverity(errs, classifier.SeverityError, classifier.SeverityCritical)
		result.Warnings += countBySeverity(errs, classifier.SeverityWarning, classifier.SeverityInfo)
		jm.recordErrorMetrics(errs)
		if jm.metrics != nil {
			if n, cerr := jm.source.RecordCount(ctx, layer); cerr == nil {
				jm.metrics.RecordFeaturesScanned(layer, int(n))
			}
		}
	}
	return nil
}

// recordErrorMetrics reports each emitted error's code/severity to the
// metrics registry, classifying a throwaway copy so the count reflects the
// severity the sink will actually store.
func (jm *JobManager) recordErrorMetrics(errs []classifier.ValidationError) {
	if jm.metrics == nil {
		return
	}
	for _, e := range errs {
		ce := classifier.Classify(e)
		jm.metrics.RecordError(ce.ErrorCode, ce.Severity.StoreCode())
	}
}

func (jm *JobManager) runTopologyStage(ctx context.Context, job *Job, sink *errorstore.Sink, result *StageResult) error {
	checker := topology.New(jm.indexes, jm.log)

	for _, tr := range job.Config.RuleSet.TopologyRules {
		if job.cancelRequested.Load() {
			return newStageError(KindCancelled, StageSpatialRelation, errors.New("cancelled"))
		}
		var errs []classifier.ValidationError
		var err error
		switch tr.TopologyKind {
		case rules.TopologyMustNotOverlap:
			errs, err = checker.MustNotOverlap(ctx, jm.source, tr, job.cancel())
		case rules.TopologyMustNotHaveGaps:
			errs, err = checker.MustNotHaveGaps(ctx, jm.source, tr, job.cancel())
		case rules.TopologyMustBeCoveredBy:
			errs, err = checker.MustBeCoveredBy(ctx, jm.source, tr, job.cancel())
		case rules.TopologyMustCover:
			errs, err = checker.MustCover(ctx, jm.source, tr, job.cancel())
		case rules.TopologyMustNotIntersect:
			errs, err = checker.MustNotIntersect(ctx, jm.source, tr, job.cancel())
		default:
			jm.log.Warn("unsupported rule kind", "topologyKind", string(tr.TopologyKind), "sourceLayer", tr.SourceLayer, "targetLayer", tr.TargetLayer)
			continue
		}
		if err != nil {
			return newStageError(KindStoreIO, StageSpatialRelation, err)
		}
		if writeErr := sink.WriteMany(errs); writeErr != nil {
			return newStageError(KindStoreIO, StageSpatialRelation, writeErr)
		}
		result.Errors += countBySeverity(errs, classifier.SeverityError, classifier.SeverityCritical)
		result.Warnings += countBySeverity(errs, classifier.SeverityWarning, classifier.SeverityInfo)
		jm.recordErrorMetrics(errs)
	}

	for _, rr := range job.Config.RuleSet.RelationRules {
		if job.cancelRequested.Load() {
			return newStageError(KindCancelled, StageAttributeRelation, errors.New("cancelled"))
		}
		var errs []classifier.ValidationError
		var err error
		switch rr.Relation {
		case rules.RelationWithin, rules.RelationContains:
			errs, err = checker.PointInPolygon(ctx, jm.source, rr, job.cancel())
		case rules.RelationCrosses, rules.RelationTouches, rules.RelationOverlaps, rules.RelationIntersects:
			errs, err = checker.LinePolygonIntersection(ctx, jm.source, rr, job.cancel())
		default:
			jm.log.Warn("unsupported rule kind", "relation", string(rr.Relation), "sourceLayer", rr.SourceLayer, "targetLayer", rr.TargetLayer)
			continue
		}
		if err != nil {
			return newStageError(KindStoreIO, StageAttributeRelation, err)
		}
		if writeErr := sink.WriteMany(errs); writeErr != nil {
			return newStageError(KindStoreIO, StageAttributeRelation, writeErr)
		}
		result.Errors += countBySeverity(errs, classifier.SeverityError, classifier.SeverityCritical)
		result.Warnings += countBySeverity(errs, classifier.SeverityWarning, classifier.SeverityInfo)
		jm.recordErrorMetrics(errs)
	}
	return nil
}

func countBySeverity(errs []classifier.ValidationError, kinds ...classifier.Severity) int {
	want := make(map[classifier.Severity]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	n := 0
	for _, e := range errs {
		if want[classifier.Classify(e).Severity] {
			n++
		}
	}
	return n
}

func rulesetVersion(rs *rules.RuleSet) string {
	if rs == nil {
		return "unknown"
	}
	return fmt.Sprintf("rows=%d,geom=%d,rel=%d,topo=%d", len(rs.Rows), len(rs.GeometryRules), len(rs.RelationRules), len(rs.TopologyRules))
}
