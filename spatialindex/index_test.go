package spatialindex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
	"github.com/bsaid97/go-geoqc/spatialindex"
)

func buildSource(t *testing.T) (*feature.GeoJSONSource, string) {
	t.Helper()
	src := feature.NewGeoJSONSource()
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Point","coordinates":[0,0]}},
		{"type":"Feature","properties":{"OBJECTID":2},"geometry":{"type":"Point","coordinates":[50,50]}},
		{"type":"Feature","properties":{"OBJECTID":3},"geometry":{"type":"Point","coordinates":[100,100]}}
	]}`
	_, err := src.LoadLayer("points", []byte(fc))
	require.NoError(t, err)
	return src, "points"
}

func TestIndexVariants_BuildAndQuery(t *testing.T) {
	for _, kind := range []spatialindex.Kind{spatialindex.KindRTree, spatialindex.KindQuadtree, spatialindex.KindGrid} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			src, layer := buildSource(t)
			extent, err := src.LayerExtent(context.Background(), layer)
			require.NoError(t, err)

			idx, err := spatialindex.New(kind, extent)
			require.NoError(t, err)

			result, err := idx.Build(context.Background(), src, layer)
			require.NoError(t, err)
			assert.Equal(t, 3, result.Inserted)
			assert.Empty(t, result.Skipped)
			assert.Equal(t, 3, idx.Count())

			hits := idx.Query(geom.NewEnvelope(-1, -1, 1, 1))
			assert.Contains(t, hits, int64(1))
			assert.NotContains(t, hits, int64(3))

			idx.Clear()
			assert.Equal(t, 0, idx.Count())
		})
	}
}

func TestRTree_SplitsOnOverflow(t *testing.T) {
	tree := spatialindex.NewRTree(4)
	for i := int64(0); i < 20; i++ {
		tree.Insert(i, geom.NewEnvelope(float64(i), float64(i), float64(i)+0.5, float64(i)+0.5))
	}
	assert.Equal(t, 20, tree.Count())
	stats := tree.Stats()
	assert.Greater(t, stats.NodeCount, 1)

	hits := tree.Query(geom.NewEnvelope(0, 0, 3, 3))
	assert.GreaterOrEqual(t, len(hits), 3)
}

func TestQuadtree_SubdividesAndDuplicatesStraddlers(t *testing.T) {
	extent := geom.NewEnvelope(0, 0, 100, 100)
	qt := spatialindex.NewQuadtree(extent, 4, 2)

	// A feature straddling the NW/NE boundary.
	qt.Insert(1, geom.NewEnvelope(49, 60, 51, 70))
	qt.Insert(2, geom.NewEnvelope(10, 90, 20, 95))
	qt.Insert(3, geom.NewEnvelope(80, 90, 90, 95))

	hits := qt.Query(geom.NewEnvelope(45, 55, 55, 75))
	assert.Contains(t, hits, int64(1))
	// No duplicate ids in query results.
	seen := map[int64]int{}
	for _, h := range hits {
		seen[h]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "feature %d returned more than once", id)
	}
}

func TestAdaptiveGrid_BoundedFootprintForLongExtent(t *testing.T) {
	extent := geom.NewEnvelope(0, 0, 200_000, 10)
	g := spatialindex.NewAdaptiveGrid(extent, 0.01)

	// A geometry spanning the whole long axis should not explode cell count.
	g.InsertEnvelope(1, extent)
	stats := g.Stats()
	assert.Less(t, stats.NodeCount, 5000)

	hits := g.Query(geom.NewEnvelope(0, 0, 10, 10))
	assert.Contains(t, hits, int64(1))
}
