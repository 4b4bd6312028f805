package errorstore

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store wraps the embedded database and the per-run bookkeeping the sink
// needs.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the single-file store at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("errorstore: open %q: %w", path, err)
	}
	if err := db.AutoMigrate(&QCRun{}, &QCErrorPoint{}, &QCErrorNoGeom{}); err != nil {
		return nil, fmt.Errorf("errorstore: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateRun creates the run-metadata row at stream start (spec.md §4.7).
func (s *Store) CreateRun(runName, targetFilePath, rulesetVersion, executedBy string) (*QCRun, error) {
	now := time.Now().UTC()
	run := &QCRun{
		GlobalID:       uuid.NewString(),
		RunName:        runName,
		TargetFilePath: targetFilePath,
		RulesetVersion: rulesetVersion,
		StartTimeUTC:   now,
		ExecutedBy:     executedBy,
		Status:         RunStatusRunning,
		CreatedUTC:     now,
		UpdatedUTC:     now,
	}
	if err := s.db.Create(run).Error; err != nil {
		return nil, fmt.Errorf("errorstore: create run: %w", err)
	}
	return run, nil
}

// FinalizeRun updates the run record at finalize (spec.md §4.7): end time,
// status, and aggregate counts.
func (s *Store) FinalizeRun(globalID, status, summary string, totalErrors, totalWarnings int) error {
	now := time.Now().UTC()
	return s.db.Model(&QCRun{}).Where("global_id = ?", globalID).Updates(map[string]any{
		"end_time_utc":   now,
		"status":         status,
		"total_errors":   totalErrors,
		"total_warnings": totalWarnings,
		"result_summary": summary,
		"updated_utc":    now,
	}).Error
}

// RunByID re-reads a run row, used by round-trip statistics checks.
func (s *Store) RunByID(globalID string) (*QCRun, error) {
	var run QCRun
	if err := s.db.First(&run, "global_id = ?", globalID).Error; err != nil {
		return nil, fmt.Errorf("errorstore: load run %q: %w", globalID, err)
	}
	return &run, nil
}

// ErrorsForRun re-reads every error row for a run (point rows and no-geometry
// rows, returned separately), used by
// the round-trip statistics check in spec.md §8.
func (s *Store) ErrorsForRun(globalID string) ([]QCErrorPoint, []QCErrorNoGeom, error) {
	var points []QCErrorPoint
	if err := s.db.Where("run_id = ?", globalID).Find(&points).Error; err != nil {
		return nil, nil, fmt.Errorf("errorstore: load point errors: %w", err)
	}
	var noGeom []QCErrorNoGeom
	if err := s.db.Where("run_id = ?", globalID).Find(&noGeom).Error; err != nil {
		return nil, nil, fmt.Errorf("errorstore: load no-geom errors: %w", err)
	}
	return points, noGeom, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
