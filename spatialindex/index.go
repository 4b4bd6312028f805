// Package spatialindex implements the pluggable spatial index family from
// spec.md §4.1: R-tree, quadtree, and uniform grid behind one common
// contract, dispatched as a tagged variant rather than through
// inheritance (spec.md DESIGN NOTES §9).
package spatialindex

import (
	"context"
	"fmt"
	"time"

	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
)

// Kind discriminates the three index variants.
type Kind int

const (
	KindRTree Kind = iota
	KindQuadtree
	KindGrid
)

func (k Kind) String() string {
	switch k {
	case KindRTree:
		return "rtree"
	case KindQuadtree:
		return "quadtree"
	case KindGrid:
		return "grid"
	default:
		return "unknown"
	}
}

// SkipReason records why a feature was not indexed (spec.md §4.1: invalid
// geometries are skipped with a logged reason, not a build failure).
type SkipReason struct {
	FeatureID int64
	Reason    string
}

// BuildResult summarizes a Build call.
type BuildResult struct {
	Inserted int
	Skipped  []SkipReason
	Duration time.Duration
}

// Stats reports index occupancy for diagnostics.
type Stats struct {
	Kind         Kind
	FeatureCount int
	NodeCount    int
	MaxDepth     int
}

// Index is the common contract shared by every spatial index variant.
type Index interface {
	// Build streams every feature from source/layer, computing its bounding
	// envelope and linking it into the index. It fails only if the source
	// cannot be opened or the layer does not exist; individual invalid
	// geometries are skipped (see BuildResult.Skipped).
	Build(ctx context.Context, source feature.Source, layerName string) (BuildResult, error)

	// Query returns every feature id whose envelope intersects env. The
	// result may over-approximate but must never miss a true hit, and
	// must never contain duplicates.
	Query(env geom.Envelope) []int64

	Count() int
	Clear()
	EnvelopeOf(id int64) (geom.Envelope, bool)
	Stats() Stats
}

// perFeatureTimeout is the per-geometry index-build budget from spec.md §4.4
// ("GEOM_PROCESSING_TIMEOUT" after 5s).
const perFeatureTimeout = 5 * time.Second

// buildTimeout is the per-layer index-build timeout from spec.md §5.
const buildTimeout = 5 * time.Minute

// New constructs an index of the given kind, sized from the layer extent
// where the variant needs it (grid, quadtree). For R-tree, extent is
// unused; callers may pass a zero Envelope.
func New(kind Kind, extent geom.Envelope) (Index, error) {
	switch kind {
	case KindRTree:
		return NewRTree(DefaultRTreeCapacity), nil
	case KindQuadtree:
		return NewQuadtree(extent, DefaultQuadtreeMaxDepth, DefaultQuadtreeMaxFeatures), nil
	case KindGrid:
		return NewAdaptiveGrid(extent, DefaultTolerance), nil
	default:
		return nil, fmt.Errorf("spatialindex: unknown kind %v", kind)
	}
}

// DefaultTolerance mirrors spec.md §4.4's default duplicate-detection
// tolerance, reused here as the grid's adaptive-sizing tolerance input
// when no rule-specific tolerance is supplied.
const DefaultTolerance = 1e-3
