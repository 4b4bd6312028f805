// Package errorstore persists validation results to an embedded,
// single-file store standing in for the file-geodatabase layout spec.md §6
// describes (QC_Runs / QC_Errors_Point / QC_Errors_NoGeom). It is grounded
// on the carbon-scribe reference file's gorm.io/gorm + repository pattern,
// with github.com/glebarez/sqlite as the pure-Go driver so the store needs
// no cgo toolchain, matching the rest of this module's pure-Go dependency
// stack (go-geos is the one cgo exception, already required by the
// teacher).
package errorstore

import "time"

// QCRun mirrors the QC_Runs table from spec.md §6.
type QCRun struct {
	GlobalID        string `gorm:"primaryKey"`
	RunName         string
	TargetFilePath  string
	RulesetVersion  string
	StartTimeUTC    time.Time
	EndTimeUTC      *time.Time
	ExecutedBy      string
	Status          string
	TotalErrors     int
	TotalWarnings   int
	ResultSummary   string
	CreatedUTC      time.Time
	UpdatedUTC      time.Time
}

func (QCRun) TableName() string { return "QC_Runs" }

// Run status vocabulary (spec.md §6).
const (
	RunStatusRunning   = "Running"
	RunStatusCompleted = "Completed"
	RunStatusFailed    = "Failed"
	RunStatusCancelled = "Cancelled"
)

// QCErrorPoint mirrors the QC_Errors_Point table: errors with a usable
// (x,y) location.
type QCErrorPoint struct {
	ID                uint `gorm:"primaryKey;autoIncrement"`
	RunID             string `gorm:"index"`
	ErrCode           string
	TableID           string
	TableName         string
	RelatedTableID    string
	RelatedTableName  string
	SourceOID         int64
	Message           string
	X                 float64
	Y                 float64
	Severity          string
	DetailsJSON       string
	DetectedAtUTC     time.Time
}

func (QCErrorPoint) TableName() string { return "QC_Errors_Point" }

// QCErrorNoGeom mirrors the QC_Errors_NoGeom table: same attribute fields,
// no geometry column, used when no location is available.
type QCErrorNoGeom struct {
	ID                uint `gorm:"primaryKey;autoIncrement"`
	RunID             string `gorm:"index"`
	ErrCode           string
	TableID           string
	TableName         string
	RelatedTableID    string
	RelatedTableName  string
	SourceOID         int64
	Message           string
	Severity          string
	DetailsJSON       string
	DetectedAtUTC     time.Time
}

func (QCErrorNoGeom) TableName() string { return "QC_Errors_NoGeom" }
