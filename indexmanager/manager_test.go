package indexmanager_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
	"github.com/bsaid97/go-geoqc/indexmanager"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/spatialindex"
)

func newSource(t *testing.T) *feature.GeoJSONSource {
	t.Helper()
	src := feature.NewGeoJSONSource()
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Point","coordinates":[1,1]}},
		{"type":"Feature","properties":{"OBJECTID":2},"geometry":{"type":"Point","coordinates":[2,2]}}
	]}`
	_, err := src.LoadLayer("pts", []byte(fc))
	require.NoError(t, err)
	return src
}

func TestManager_GetOrBuildCachesByKey(t *testing.T) {
	src := newSource(t)
	m, err := indexmanager.New(4, log.Nop())
	require.NoError(t, err)

	key := indexmanager.Key{StorePath: "test.gdb", Layer: "pts", Kind: spatialindex.KindGrid}
	idx1, err := m.GetOrBuild(context.Background(), key, src, "test.gdb")
	require.NoError(t, err)
	idx2, err := m.GetOrBuild(context.Background(), key, src, "test.gdb")
	require.NoError(t, err)
	assert.Same(t, idx1, idx2)
	assert.Equal(t, 1, m.Len())
}

func TestManager_ClearCacheAndRemove(t *testing.T) {
	src := newSource(t)
	m, err := indexmanager.New(4, log.Nop())
	require.NoError(t, err)
	key := indexmanager.Key{StorePath: "a", Layer: "pts", Kind: spatialindex.KindRTree}
	_, err = m.GetOrBuild(context.Background(), key, src, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	m.Remove(key)
	assert.Equal(t, 0, m.Len())

	_, err = m.GetOrBuild(context.Background(), key, src, "a")
	require.NoError(t, err)
	m.ClearCache()
	assert.Equal(t, 0, m.Len())
}

func TestManager_QuerySpatialRelationExcludesSelfOnSameIndex(t *testing.T) {
	src := newSource(t)
	m, err := indexmanager.New(4, log.Nop())
	require.NoError(t, err)
	key := indexmanager.Key{StorePath: "a", Layer: "pts", Kind: spatialindex.KindGrid}
	idx, err := m.GetOrBuild(context.Background(), key, src, "a")
	require.NoError(t, err)

	pairs := m.QuerySpatialRelation(idx, idx, []int64{1, 2})
	for _, p := range pairs {
		assert.NotEqual(t, p.SourceID, p.TargetID)
	}

	hits := m.QueryIntersecting(idx, geom.NewEnvelope(0, 0, 3, 3))
	assert.ElementsMatch(t, []int64{1, 2}, hits)
}
