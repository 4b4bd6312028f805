package classifier_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bsaid97/go-geoqc/classifier"
)

func TestClassify_BaseSeverityByCode(t *testing.T) {
	gap := classifier.Classify(classifier.ValidationError{ErrorCode: "GAP_DETECTED", X: 1, Y: 1})
	assert.Equal(t, classifier.SeverityCritical, gap.Severity)

	overlap := classifier.Classify(classifier.ValidationError{ErrorCode: "OVL001", X: 1, Y: 1})
	assert.Equal(t, classifier.SeverityError, overlap.Severity)

	coverage := classifier.Classify(classifier.ValidationError{ErrorCode: "NOT_COVERED_BY", X: 1, Y: 1})
	assert.Equal(t, classifier.SeverityWarning, coverage.Severity)
}

func TestClassify_UpwardAdjustmentForCriticalRelation(t *testing.T) {
	e := classifier.Classify(classifier.ValidationError{ErrorCode: "NOT_COVERED_BY", CriticalRelation: true, X: 1, Y: 1})
	assert.Equal(t, classifier.SeverityError, e.Severity, "warning bumped up one level")
}

func TestClassify_DownwardAdjustmentWithinTolerance(t *testing.T) {
	e := classifier.Classify(classifier.ValidationError{ErrorCode: "OVL001", WithinTolerance: true, X: 1, Y: 1})
	assert.Equal(t, classifier.SeverityWarning, e.Severity, "error bumped down one level")
}

func TestClassify_FallsBackToWKTCentroidForNonFiniteLocation(t *testing.T) {
	e := classifier.Classify(classifier.ValidationError{
		ErrorCode:   "SLF001",
		X:           math.NaN(),
		Y:           math.NaN(),
		GeometryWKT: "POLYGON((0 0,10 0,10 10,0 10,0 0))",
	})
	assert.True(t, e.X >= 4.9 && e.X <= 5.1)
	assert.True(t, e.Y >= 4.9 && e.Y <= 5.1)
}

func TestClassify_IsIdempotent(t *testing.T) {
	e := classifier.ValidationError{ErrorCode: "DUP001", X: 1, Y: 2}
	once := classifier.Classify(e)
	twice := classifier.Classify(once)
	assert.Equal(t, once, twice)
}

func TestSort_OrdersBySeverityThenSourceFeatureID(t *testing.T) {
	errs := []classifier.ValidationError{
		{ErrorCode: "NOT_COVERED_BY", SourceFeatureID: 2, Severity: classifier.SeverityWarning},
		{ErrorCode: "GAP_DETECTED", SourceFeatureID: 5, Severity: classifier.SeverityCritical},
		{ErrorCode: "GAP_DETECTED", SourceFeatureID: 1, Severity: classifier.SeverityCritical},
	}
	classifier.Sort(errs)
	assert.Equal(t, int64(1), errs[0].SourceFeatureID)
	assert.Equal(t, int64(5), errs[1].SourceFeatureID)
	assert.Equal(t, int64(2), errs[2].SourceFeatureID)
}
