package topology_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/rules"
	"github.com/bsaid97/go-geoqc/topology"
)

func newSource(t *testing.T, layers map[string]string) *feature.GeoJSONSource {
	t.Helper()
	src := feature.NewGeoJSONSource()
	for name, fc := range layers {
		_, err := src.LoadLayer(name, []byte(fc))
		require.NoError(t, err)
	}
	return src
}

// TestMustNotOverlap_S2 encodes spec.md §8 scenario S2: two cross-layer
// polygons overlapping by a 5x5 square produce exactly one
// OVERLAP_VIOLATION with intersectionArea 25.0.
func TestMustNotOverlap_S2(t *testing.T) {
	src := newSource(t, map[string]string{
		"zoneA": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}
		]}`,
		"zoneB": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[5,5],[15,5],[15,15],[5,15],[5,5]]]}}
		]}`,
	})
	checker := topology.New(nil, log.Nop())

	errs, err := checker.MustNotOverlap(context.Background(), src, rules.TopologyRule{
		SourceLayer: "zoneA", TargetLayer: "zoneB", Tolerance: 0.01,
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "OVERLAP_VIOLATION", errs[0].ErrorCode)
	require.NotNil(t, errs[0].ErrorValue)
	assert.InDelta(t, 25.0, *errs[0].ErrorValue, 1e-6)
	assert.InDelta(t, 7.5, errs[0].X, 1e-6)
	assert.InDelta(t, 7.5, errs[0].Y, 1e-6)
}

// TestMustNotHaveGaps_S3 encodes spec.md §8 scenario S3: two adjoining
// polygons leave a 1x1 gap in their shared bounding box, yielding one
// GAP_DETECTED with area 1.0.
func TestMustNotHaveGaps_S3(t *testing.T) {
	src := newSource(t, map[string]string{
		"parcels": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[3,0],[3,2],[0,2],[0,0]]]}},
			{"type":"Feature","properties":{"OBJECTID":2},"geometry":{"type":"Polygon","coordinates":[[[0,2],[2,2],[2,3],[0,3],[0,2]]]}}
		]}`,
	})
	checker := topology.New(nil, log.Nop())

	errs, err := checker.MustNotHaveGaps(context.Background(), src, rules.TopologyRule{
		SourceLayer: "parcels", Tolerance: 0.01,
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "GAP_DETECTED", errs[0].ErrorCode)
	require.NotNil(t, errs[0].ErrorValue)
	assert.InDelta(t, 1.0, *errs[0].ErrorValue, 1e-6)
}

// TestPointInPolygon_S4 encodes spec.md §8 scenario S4: a point required to
// fall within a zone layer produces a single POINT_IN_POLYGON_VIOLATION for
// the point that falls outside it.
func TestPointInPolygon_S4(t *testing.T) {
	src := newSource(t, map[string]string{
		"zones": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[50,0],[50,50],[0,50],[0,0]]]}}
		]}`,
		"sites": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Point","coordinates":[25,25]}},
			{"type":"Feature","properties":{"OBJECTID":2},"geometry":{"type":"Point","coordinates":[100,100]}}
		]}`,
	})
	checker := topology.New(nil, log.Nop())

	errs, err := checker.PointInPolygon(context.Background(), src, rules.RelationRule{
		SourceLayer: "sites", TargetLayer: "zones", Required: true, Tolerance: 0.01,
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "POINT_IN_POLYGON_VIOLATION", errs[0].ErrorCode)
	assert.Equal(t, int64(2), errs[0].SourceFeatureID)
}

func TestMustNotIntersect_ExcludesTouchingFeatures(t *testing.T) {
	src := newSource(t, map[string]string{
		"roads": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"LineString","coordinates":[[0,0],[10,0]]}}
		]}`,
		"noBuild": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,5],[0,5],[0,0]]]}}
		]}`,
	})
	checker := topology.New(nil, log.Nop())

	errs, err := checker.MustNotIntersect(context.Background(), src, rules.TopologyRule{
		SourceLayer: "roads", TargetLayer: "noBuild", Tolerance: 0.01,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, errs, "a line along the polygon boundary only touches, it does not cross the tolerance-area threshold")
}

// TestLinePolygonIntersection_ForbiddenCrossing covers the hit branch: a
// forbidden road crossing a no-build polygon is flagged, located at the
// intersection's point-on-surface rather than the road's own first vertex.
func TestLinePolygonIntersection_ForbiddenCrossing(t *testing.T) {
	src := newSource(t, map[string]string{
		"roads": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"LineString","coordinates":[[-5,5],[15,5]]}}
		]}`,
		"noBuild": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}
		]}`,
	})
	checker := topology.New(nil, log.Nop())

	errs, err := checker.LinePolygonIntersection(context.Background(), src, rules.RelationRule{
		SourceLayer: "roads", TargetLayer: "noBuild", Relation: rules.RelationCrosses, Required: false, Tolerance: 0.01,
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "LINE_POLYGON_VIOLATION", errs[0].ErrorCode)
	assert.Equal(t, int64(1), errs[0].SourceFeatureID)
	assert.True(t, errs[0].CriticalRelation, "Crosses is a critical relation")
	// the intersection segment runs from (0,5) to (10,5); its
	// point-on-surface must fall on that segment, not at the road's own
	// first vertex (-5,5).
	assert.GreaterOrEqual(t, errs[0].X, 0.0)
	assert.LessOrEqual(t, errs[0].X, 10.0)
	assert.InDelta(t, 5.0, errs[0].Y, 1e-6)
	assert.Equal(t, "crosses", errs[0].DetailsJSON["relation"])
}

// TestLinePolygonIntersection_RequiredInteractionMissing covers the !hit
// branch: a required interaction that never happens is located at the
// line's mid-vertex, not an envelope centre.
func TestLinePolygonIntersection_RequiredInteractionMissing(t *testing.T) {
	src := newSource(t, map[string]string{
		"roads": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"LineString","coordinates":[[20,0],[25,0],[30,0]]}}
		]}`,
		"zones": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}
		]}`,
	})
	checker := topology.New(nil, log.Nop())

	errs, err := checker.LinePolygonIntersection(context.Background(), src, rules.RelationRule{
		SourceLayer: "roads", TargetLayer: "zones", Relation: rules.RelationIntersects, Required: true, Tolerance: 0.01,
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "LINE_POLYGON_VIOLATION", errs[0].ErrorCode)
	assert.InDelta(t, 25.0, errs[0].X, 1e-6)
	assert.InDelta(t, 0.0, errs[0].Y, 1e-6)
	assert.False(t, errs[0].CriticalRelation, "Intersects is not a critical relation")
}

func TestMustBeCoveredBy_FlagsUncoveredRemainder(t *testing.T) {
	src := newSource(t, map[string]string{
		"parcels": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}
		]}`,
		"district": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[5,0],[5,10],[0,10],[0,0]]]}}
		]}`,
	})
	checker := topology.New(nil, log.Nop())

	errs, err := checker.MustBeCoveredBy(context.Background(), src, rules.TopologyRule{
		SourceLayer: "parcels", TargetLayer: "district", Tolerance: 0.01,
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "NOT_COVERED_BY", errs[0].ErrorCode)
	require.NotNil(t, errs[0].ErrorValue)
	assert.InDelta(t, 50.0, *errs[0].ErrorValue, 1e-6)
}
