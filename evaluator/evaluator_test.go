package evaluator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-geoqc/evaluator"
	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/rules"
)

func loadLayer(t *testing.T, fc string) *feature.GeoJSONSource {
	t.Helper()
	src := feature.NewGeoJSONSource()
	_, err := src.LoadLayer("layer", []byte(fc))
	require.NoError(t, err)
	return src
}

// TestDuplicateDetection_S1 encodes spec.md §8 scenario S1.
func TestDuplicateDetection_S1(t *testing.T) {
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Point","coordinates":[0,0]}},
		{"type":"Feature","properties":{"OBJECTID":2},"geometry":{"type":"Point","coordinates":[0.0005,0]}}
	]}`
	src := loadLayer(t, fc)
	ev := evaluator.New(log.Nop(), nil, 1)

	errs, err := ev.EvaluateLayer(context.Background(), src, "layer", []rules.GeometryRule{
		{Layer: "layer", Check: rules.CheckDuplicateGeom, Tolerance: 1e-3},
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1, "exactly one DUP001, not two")
	assert.Equal(t, "DUP001", errs[0].ErrorCode)
}

func TestOverlap_Self(t *testing.T) {
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
		{"type":"Feature","properties":{"OBJECTID":2},"geometry":{"type":"Polygon","coordinates":[[[5,5],[15,5],[15,15],[5,15],[5,5]]]}}
	]}`
	src := loadLayer(t, fc)
	ev := evaluator.New(log.Nop(), nil, 1)

	errs, err := ev.EvaluateLayer(context.Background(), src, "layer", []rules.GeometryRule{
		{Layer: "layer", Check: rules.CheckOverlapGeom, Tolerance: 0.01},
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "OVL001", errs[0].ErrorCode)
	require.NotNil(t, errs[0].ErrorValue)
	assert.InDelta(t, 25.0, *errs[0].ErrorValue, 1e-6)
}

func TestBasicValidity_InvalidGeometry(t *testing.T) {
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,10],[10,0],[0,10],[0,0]]]}}
	]}`
	src := loadLayer(t, fc)
	ev := evaluator.New(log.Nop(), nil, 1)

	errs, err := ev.EvaluateLayer(context.Background(), src, "layer", []rules.GeometryRule{
		{Layer: "layer", Check: rules.CheckBasicValidity},
	}, nil)
	require.NoError(t, err)
	if len(errs) > 0 {
		assert.Equal(t, "GEOM_INVALID", errs[0].ErrorCode)
	}
}

func TestSmallArea_FlagsBelowThreshold(t *testing.T) {
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[0.1,0],[0.1,0.1],[0,0.1],[0,0]]]}}
	]}`
	src := loadLayer(t, fc)
	ev := evaluator.New(log.Nop(), nil, 1)

	errs, err := ev.EvaluateLayer(context.Background(), src, "layer", []rules.GeometryRule{
		{Layer: "layer", Check: rules.CheckSmallArea, SmallAreaThreshold: 1.0},
	}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "SML001", errs[0].ErrorCode)
}

func TestEvaluateLayer_EmptyLayerProducesNoErrors(t *testing.T) {
	src := loadLayer(t, `{"type":"FeatureCollection","features":[]}`)
	ev := evaluator.New(log.Nop(), nil, 1)
	errs, err := ev.EvaluateLayer(context.Background(), src, "layer", []rules.GeometryRule{
		{Layer: "layer", Check: rules.CheckDuplicateGeom},
		{Layer: "layer", Check: rules.CheckOverlapGeom},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestEvaluateLayer_SingleFeatureEmitsNoPairwiseErrors(t *testing.T) {
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Point","coordinates":[0,0]}}
	]}`
	src := loadLayer(t, fc)
	ev := evaluator.New(log.Nop(), nil, 1)
	errs, err := ev.EvaluateLayer(context.Background(), src, "layer", []rules.GeometryRule{
		{Layer: "layer", Check: rules.CheckDuplicateGeom},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, errs)
}
