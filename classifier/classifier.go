// Package classifier implements the error classification pass from spec.md
// §4.6: severity assignment, adjustment, message enrichment, (x,y)
// validation, and final sort-for-report ordering. Classification is
// idempotent: classifying an already-classified error returns it unchanged.
package classifier

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/twpayne/go-geos"
)

// Severity is the domain severity vocabulary from spec.md §3.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	default:
		return "Info"
	}
}

// StoreCode maps the domain severity to the error store's CRIT/MAJOR/MINOR/
// INFO vocabulary (spec.md §6).
func (s Severity) StoreCode() string {
	switch s {
	case SeverityCritical:
		return "CRIT"
	case SeverityError:
		return "MAJOR"
	case SeverityWarning:
		return "MINOR"
	default:
		return "INFO"
	}
}

// statusClassified marks a ValidationError as having already gone through
// Classify, making a second call a no-op.
const statusClassified = "Classified"

// ValidationError is the defect record produced by the evaluator/checker
// and mutated once by the classifier (spec.md §3).
type ValidationError struct {
	ErrorCode       string
	RuleID          string
	Severity        Severity
	Status          string
	SourceLayer     string
	SourceFeatureID int64
	TargetLayer     string
	TargetFeatureID *int64
	Message         string
	ErrorValue      *float64
	ThresholdValue  *float64
	X               float64
	Y               float64
	GeometryWKT     string
	GeometryType    string
	DetailsJSON     map[string]any
	DetectedAt      time.Time

	// WithinTolerance and OnBoundary feed the downward-adjustment rule;
	// CriticalRelation feeds the upward one. Evaluators/checkers that know
	// the defect's relation to tolerance, to the source geometry's
	// boundary, or to a critical relation kind (Within/Contains/Crosses)
	// set these before classification.
	WithinTolerance  bool
	OnBoundary       bool
	CriticalRelation bool
}

// criticalCodes are error codes the rule spec tags critical outright
// regardless of their default bucket (spec.md §4.6 step 2).
var criticalCodes = map[string]bool{
	"GAP_DETECTED": true,
	"SLF001":       true,
}

// baseSeverity implements spec.md §4.6 step 1: critical for gaps and
// self-overlap/self-intersect; error for overlap and must-not-intersect;
// warning for coverage; everything else defaults to Warning.
func baseSeverity(errorCode string) Severity {
	switch errorCode {
	case "GAP_DETECTED", "SLF001", "MUST_NOT_SELF_OVERLAP", "MUST_NOT_SELF_INTERSECT":
		return SeverityCritical
	case "OVL001", "OVERLAP_VIOLATION", "INTERSECTION_VIOLATION":
		return SeverityError
	case "NOT_COVERED_BY", "NOT_COVERED":
		return SeverityWarning
	case "GEOM_INVALID":
		return SeverityCritical
	case "GEOM_TOO_COMPLEX":
		return SeverityWarning
	case "GEOM_PROCESSING_TIMEOUT":
		return SeverityError
	default:
		return SeverityWarning
	}
}

// ruleLabels gives a short human-readable name plus a Korean label per
// spec.md §4.6 step 4 ("enrich ... with the rule name, Korean label for the
// relation/rule kind").
var ruleLabels = map[string]struct{ Name, Korean string }{
	"DUP001":                  {"Duplicate geometry", "중복 지오메트리"},
	"OVL001":                  {"Overlapping geometry", "중첩 지오메트리"},
	"SLF001":                  {"Self-intersecting geometry", "자기교차 지오메트리"},
	"SLV001":                  {"Sliver polygon", "슬리버 폴리곤"},
	"SHT001":                  {"Short linestring", "짧은 선형"},
	"SML001":                  {"Small-area polygon", "소면적 폴리곤"},
	"PIP001":                  {"Polygon fully inside another polygon", "포함된 폴리곤"},
	"GEOM_INVALID":            {"Invalid geometry", "유효하지 않은 지오메트리"},
	"GEOM_TOO_COMPLEX":        {"Geometry too complex", "과도하게 복잡한 지오메트리"},
	"GEOM_PROCESSING_TIMEOUT": {"Geometry processing timeout", "지오메트리 처리 시간 초과"},
	"OVERLAP_VIOLATION":       {"Cross-layer overlap", "레이어 간 중첩"},
	"GAP_DETECTED":            {"Coverage gap", "커버리지 간극"},
	"NOT_COVERED_BY":          {"Not covered by required layer", "필수 레이어에 포함되지 않음"},
	"NOT_COVERED":             {"Does not cover required layer", "필수 레이어를 포함하지 않음"},
	"INTERSECTION_VIOLATION":  {"Forbidden intersection", "금지된 교차"},
	"POINT_IN_POLYGON_VIOLATION": {"Point-in-polygon violation", "점-폴리곤 위반"},
}

// Classify applies spec.md §4.6 end to end. Calling Classify on an already
// classified error (Status == "Classified") returns it unchanged,
// satisfying classify(classify(e)) == classify(e).
func Classify(e ValidationError) ValidationError {
	if e.Status == statusClassified {
		return e
	}

	e.Severity = baseSeverity(e.ErrorCode)

	if e.CriticalRelation {
		e.Severity = bump(e.Severity, 1)
	}
	if criticalCodes[e.ErrorCode] {
		e.Severity = SeverityCritical
	}

	if e.WithinTolerance || e.OnBoundary {
		e.Severity = bump(e.Severity, -1)
	}

	e.Message = enrich(e)

	if !finite(e.X) || !finite(e.Y) {
		if x, y, ok := centroidFromWKT(e.GeometryWKT); ok {
			e.X, e.Y = x, y
		} else {
			e.X, e.Y = 0, 0
		}
	}

	e.Status = statusClassified
	return e
}

func bump(s Severity, delta int) Severity {
	v := int(s) + delta
	if v < int(SeverityInfo) {
		v = int(SeverityInfo)
	}
	if v > int(SeverityCritical) {
		v = int(SeverityCritical)
	}
	return Severity(v)
}

func enrich(e ValidationError) string {
	label, ok := ruleLabels[e.ErrorCode]
	name, korean := e.ErrorCode, ""
	if ok {
		name, korean = label.Name, label.Korean
	}
	base := e.Message
	if base == "" {
		base = name
	}
	if korean != "" {
		return fmt.Sprintf("%s (%s) at (%.6f, %.6f) [%s]", base, name, e.X, e.Y, korean)
	}
	return fmt.Sprintf("%s (%s) at (%.6f, %.6f)", base, name, e.X, e.Y)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// centroidFromWKT parses a WKT geometry and returns its envelope centre, as
// the fallback location when the evaluator supplied a non-finite (x,y).
func centroidFromWKT(wkt string) (x, y float64, ok bool) {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return 0, 0, false
	}
	g, err := geos.NewGeomFromWKT(wkt)
	if err != nil || g == nil {
		return 0, 0, false
	}
	defer g.Destroy()
	b := g.Bounds()
	if b == nil {
		return 0, 0, false
	}
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2, true
}

// Sort orders errors by (severity desc, sourceFeatureId asc) per spec.md
// §4.6 step 6 — highest severity first; within one severity, ascending
// source feature id.
func Sort(errs []ValidationError) {
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Severity != errs[j].Severity {
			return errs[i].Severity > errs[j].Severity
		}
		return errs[i].SourceFeatureID < errs[j].SourceFeatureID
	})
}
