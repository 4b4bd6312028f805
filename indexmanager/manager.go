// Package indexmanager owns the lifecycle of spatial indexes keyed by
// (store path, layer name, index kind), reusing the teacher's
// SpatialIndex-as-a-cached-resource idea (utils/spatial-index.go) but backed
// by an LRU so long validation runs over many layers do not keep every
// index resident for the life of the process.
package indexmanager

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/spatialindex"
)

// DefaultCacheSize bounds how many built indexes stay resident at once.
const DefaultCacheSize = 32

// Key identifies one cached index.
type Key struct {
	StorePath string
	Layer     string
	Kind      spatialindex.Kind
}

func (k Key) String() string {
	return fmt.Sprintf("%s::%s::%s", k.StorePath, k.Layer, k.Kind)
}

// Manager builds and caches spatial indexes, avoiding rebuilding the same
// (store, layer, kind) index across rule passes within a run.
type Manager struct {
	mu    sync.Mutex
	cache *lru.Cache[string, spatialindex.Index]
	log   log.Logger
}

// New constructs a Manager with the given LRU capacity (DefaultCacheSize if
// cacheSize <= 0).
func New(cacheSize int, logger log.Logger) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	c, err := lru.New[string, spatialindex.Index](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("indexmanager: create cache: %w", err)
	}
	return &Manager{cache: c, log: logger}, nil
}

// GetOrBuild returns the cached index for key, building it from source if
// absent.
func (m *Manager) GetOrBuild(ctx context.Context, key Key, source feature.Source, storePath string) (spatialindex.Index, error) {
	m.mu.Lock()
	if idx, ok := m.cache.Get(key.String()); ok {
		m.mu.Unlock()
		return idx, nil
	}
	m.mu.Unlock()

	extent, err := source.LayerExtent(ctx, key.Layer)
	if err != nil {
		return nil, fmt.Errorf("indexmanager: layer extent for %q: %w", key.Layer, err)
	}
	idx, err := spatialindex.New(key.Kind, extent)
	if err != nil {
		return nil, err
	}
	result, err := idx.Build(ctx, source, key.Layer)
	if err != nil {
		return nil, fmt.Errorf("indexmanager: build %s index for layer %q: %w", key.Kind, key.Layer, err)
	}
	m.log.Info("built spatial index",
		"layer", key.Layer, "kind", key.Kind.String(), "storePath", storePath,
		"inserted", result.Inserted, "skipped", len(result.Skipped), "durationMs", result.Duration.Milliseconds())
	for _, s := range result.Skipped {
		m.log.Warn("skipped feature while indexing", "layer", key.Layer, "featureId", s.FeatureID, "reason", s.Reason)
	}

	m.mu.Lock()
	evicted := m.cache.Add(key.String(), idx)
	m.mu.Unlock()
	if evicted {
		m.log.Debug("evicted index from cache", "layer", key.Layer, "kind", key.Kind.String())
	}
	return idx, nil
}

// QueryIntersecting returns ids in idx whose envelope intersects env.
func (m *Manager) QueryIntersecting(idx spatialindex.Index, env geom.Envelope) []int64 {
	return idx.Query(env)
}

// CandidatePair is a (source id, target id) pair whose envelopes intersect,
// emitted by QuerySpatialRelation as a coarse prefilter ahead of an exact
// geometric predicate.
type CandidatePair struct {
	SourceID int64
	TargetID int64
}

// QuerySpatialRelation probes tgtIdx with the envelope of every id in
// sourceIDs (looked up via srcIdx.EnvelopeOf), producing candidate pairs for
// the caller to test with an exact predicate (Intersects/Within/Contains/
// ...). When srcIdx and tgtIdx are the same index, a pair's reflexive case
// (id intersecting itself) is dropped since callers use this for
// cross-feature and cross-layer relation checks, never self-relation.
func (m *Manager) QuerySpatialRelation(srcIdx, tgtIdx spatialindex.Index, sourceIDs []int64) []CandidatePair {
	sameIndex := srcIdx == tgtIdx
	var pairs []CandidatePair
	for _, sid := range sourceIDs {
		env, ok := srcIdx.EnvelopeOf(sid)
		if !ok {
			continue
		}
		for _, tid := range tgtIdx.Query(env) {
			if sameIndex && tid == sid {
				continue
			}
			pairs = append(pairs, CandidatePair{SourceID: sid, TargetID: tid})
		}
	}
	return pairs
}

// ClearCache drops every cached index. Used between validation runs against
// different stores, and by long-running processes under memory pressure.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
}

// Remove evicts a single cached index.
func (m *Manager) Remove(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(key.String())
}

// Len reports how many indexes are currently cached.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}
