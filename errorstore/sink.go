package errorstore

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/bsaid97/go-geoqc/classifier"
	"github.com/bsaid97/go-geoqc/internal/log"
)

// DefaultBatchSize is the sink's default flush threshold (spec.md §4.3's
// starting batch size).
const DefaultBatchSize = 5000

// Statistics mirrors spec.md §3's ErrorStatistics, updated atomically with
// each write.
type Statistics struct {
	TotalErrors   int
	TotalWarnings int
	ByCode        map[string]int
	BySeverity    map[string]int
	ByTable       map[string]int
	StartTime     time.Time
	EndTime       time.Time
}

func newStatistics() Statistics {
	return Statistics{
		ByCode:     make(map[string]int),
		BySeverity: make(map[string]int),
		ByTable:    make(map[string]int),
		StartTime:  time.Now().UTC(),
	}
}

// clone returns a value copy safe for callers to read without racing
// further writes.
func (s Statistics) clone() Statistics {
	out := Statistics{
		TotalErrors:   s.TotalErrors,
		TotalWarnings: s.TotalWarnings,
		ByCode:        make(map[string]int, len(s.ByCode)),
		BySeverity:    make(map[string]int, len(s.BySeverity)),
		ByTable:       make(map[string]int, len(s.ByTable)),
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
	}
	for k, v := range s.ByCode {
		out.ByCode[k] = v
	}
	for k, v := range s.BySeverity {
		out.BySeverity[k] = v
	}
	for k, v := range s.ByTable {
		out.ByTable[k] = v
	}
	return out
}

// SideLogEntry records a batch that could not be durably written, per
// spec.md §4.7's "best-effort durability" clause.
type SideLogEntry struct {
	Errors []classifier.ValidationError
	Err    error
	At     time.Time
}

// Sink is the streaming error sink from spec.md §4.7: writes as it
// receives errors, never holding the full result set, with a single-writer
// statistics discipline and batched transactional flush.
type Sink struct {
	mu        sync.Mutex
	store     *Store
	runID     string
	batchSize int
	pending   []classifier.ValidationError
	stats     Statistics
	sideLog   []SideLogEntry
	log       log.Logger
}

// NewSink opens a streaming sink against an already-created run.
func NewSink(store *Store, runID string, batchSize int, logger log.Logger) *Sink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sink{
		store:     store,
		runID:     runID,
		batchSize: batchSize,
		stats:     newStatistics(),
		log:       logger,
	}
}

// WriteOne classifies and buffers a single error, flushing when the batch
// threshold is reached.
func (s *Sink) WriteOne(e classifier.ValidationError) error {
	return s.WriteMany([]classifier.ValidationError{e})
}

// WriteMany classifies and buffers a batch of errors, flushing whenever the
// pending buffer reaches the configured batch size.
func (s *Sink) WriteMany(errs []classifier.ValidationError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, raw := range errs {
		e := classifier.Classify(raw)
		s.recordStatsLocked(e)
		s.pending = append(s.pending, e)
	}

	var flushErr error
	for len(s.pending) >= s.batchSize {
		batch := s.pending[:s.batchSize]
		s.pending = s.pending[s.batchSize:]
		if err := s.flushBatchLocked(batch); err != nil {
			flushErr = err
		}
	}
	return flushErr
}

func (s *Sink) recordStatsLocked(e classifier.ValidationError) {
	if e.Severity == classifier.SeverityWarning {
		s.stats.TotalWarnings++
	} else {
		s.stats.TotalErrors++
	}
	s.stats.ByCode[e.ErrorCode]++
	s.stats.BySeverity[e.Severity.StoreCode()]++
	s.stats.ByTable[e.SourceLayer]++
}

// flushBatchLocked writes one batch transactionally, splitting rows between
// QC_Errors_Point and QC_Errors_NoGeom by whether the error carries a
// usable (x,y) (spec.md §4.7). On unrecoverable failure the batch is
// recorded to the side log and the run continues (best-effort durability).
func (s *Sink) flushBatchLocked(batch []classifier.ValidationError) error {
	var points []QCErrorPoint
	var noGeom []QCErrorNoGeom

	for _, e := range batch {
		details, _ := json.Marshal(e.DetailsJSON)
		var relatedID, relatedName string
		if e.TargetLayer != "" {
			relatedName = e.TargetLayer
		}

		if hasUsableLocation(e) {
			points = append(points, QCErrorPoint{
				RunID: s.runID, ErrCode: e.ErrorCode, TableID: e.SourceLayer, TableName: e.SourceLayer,
				RelatedTableID: relatedID, RelatedTableName: relatedName, SourceOID: e.SourceFeatureID,
				Message: e.Message, X: e.X, Y: e.Y, Severity: e.Severity.StoreCode(),
				DetailsJSON: string(details), DetectedAtUTC: e.DetectedAt,
			})
		} else {
			noGeom = append(noGeom, QCErrorNoGeom{
				RunID: s.runID, ErrCode: e.ErrorCode, TableID: e.SourceLayer, TableName: e.SourceLayer,
				RelatedTableID: relatedID, RelatedTableName: relatedName, SourceOID: e.SourceFeatureID,
				Message: e.Message, Severity: e.Severity.StoreCode(),
				DetailsJSON: string(details), DetectedAtUTC: e.DetectedAt,
			})
		}
	}

	err := s.store.db.Transaction(func(tx *gorm.DB) error {
		if len(points) > 0 {
			if err := tx.Create(&points).Error; err != nil {
				return err
			}
		}
		if len(noGeom) > 0 {
			if err := tx.Create(&noGeom).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.sideLog = append(s.sideLog, SideLogEntry{Errors: batch, Err: err, At: time.Now().UTC()})
		s.log.Error("sink batch write failed, recorded to side log", err, "runId", s.runID, "batchSize", len(batch))
		return fmt.Errorf("errorstore: flush batch: %w", err)
	}
	return nil
}

func hasUsableLocation(e classifier.ValidationError) bool {
	return !math.IsNaN(e.X) && !math.IsInf(e.X, 0) && !math.IsNaN(e.Y) && !math.IsInf(e.Y, 0)
}

// Finalize flushes any remaining buffered errors and updates the run record
// (spec.md §4.7).
func (s *Sink) Finalize(status, summary string) error {
	s.mu.Lock()
	if len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		if err := s.flushBatchLocked(batch); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	stats := s.stats.clone()
	s.mu.Unlock()

	stats.EndTime = time.Now().UTC()
	return s.store.FinalizeRun(s.runID, status, summary, stats.TotalErrors, stats.TotalWarnings)
}

// Statistics returns a snapshot of the live running totals.
func (s *Sink) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.clone()
}

// SideLog returns every batch that failed to write durably.
func (s *Sink) SideLog() []SideLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SideLogEntry, len(s.sideLog))
	copy(out, s.sideLog)
	return out
}
