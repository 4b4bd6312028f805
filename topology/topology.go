// Package topology implements the cross-layer topology/relation checker
// from spec.md §4.5. It is grounded on the teacher's
// handlers/topology-cleaner.go pairwise-geometry passes
// (validateCoverageParallel, analyzeBoundaryGaps) generalized from a
// single-layer self-coverage check to the spec's cross-layer rule set, and
// on the teacher's Buffer/Boundary/Distance usage for gap analysis.
package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/bsaid97/go-geoqc/classifier"
	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
	"github.com/bsaid97/go-geoqc/indexmanager"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/rules"
	"github.com/bsaid97/go-geoqc/spatialindex"
)

// criticalRelation reports whether rel is one of the relation kinds
// spec.md §4.6 step 2 tags for upward severity adjustment (Within,
// Contains, Crosses).
func criticalRelation(rel rules.Relation) bool {
	switch rel {
	case rules.RelationWithin, rules.RelationContains, rules.RelationCrosses:
		return true
	default:
		return false
	}
}

// LargeLayerThreshold is the feature count above which MustNotOverlap
// switches to chunked spatial-filter streaming (spec.md §4.5).
const LargeLayerThreshold = 10_000

// MaxWKTBytesBeforeSimplify triggers Douglas-Peucker simplification ahead
// of an expensive predicate call (spec.md §4.5).
const MaxWKTBytesBeforeSimplify = 1 << 20 // 1 MiB

// SimplifyToleranceMeters is the Douglas-Peucker tolerance applied to
// oversized geometries before a predicate call.
const SimplifyToleranceMeters = 1.0

// Checker runs cross-layer topology and relation rules.
type Checker struct {
	indexes *indexmanager.Manager
	log     log.Logger
}

func New(indexes *indexmanager.Manager, logger log.Logger) *Checker {
	return &Checker{indexes: indexes, log: logger}
}

func newError(code string) classifier.ValidationError {
	return classifier.ValidationError{ErrorCode: code, DetectedAt: time.Now().UTC(), DetailsJSON: map[string]any{}}
}

func loadAll(ctx context.Context, source feature.Source, layerName string) ([]feature.Feature, error) {
	next, closeFn, err := source.Stream(ctx, layerName)
	if err != nil {
		return nil, fmt.Errorf("topology: open layer %q: %w", layerName, err)
	}
	defer closeFn()
	var feats []feature.Feature
	for {
		f, ok, err := next()
		if err != nil {
			return feats, fmt.Errorf("topology: stream layer %q: %w", layerName, err)
		}
		if !ok {
			break
		}
		feats = append(feats, f)
	}
	return feats, nil
}

// MustNotOverlap implements spec.md §4.5's cross-layer overlap rule. Large
// layers (either side above LargeLayerThreshold) stream via a spatial
// filter on the target instead of building both full candidate sets at
// once.
func (c *Checker) MustNotOverlap(ctx context.Context, source feature.Source, r rules.TopologyRule, cancel func() bool) ([]classifier.ValidationError, error) {
	srcCount, err := source.RecordCount(ctx, r.SourceLayer)
	if err != nil {
		return nil, fmt.Errorf("topology: source record count: %w", err)
	}
	tgtCount, err := source.RecordCount(ctx, r.TargetLayer)
	if err != nil {
		return nil, fmt.Errorf("topology: target record count: %w", err)
	}

	if srcCount > LargeLayerThreshold || tgtCount > LargeLayerThreshold {
		return c.mustNotOverlapChunked(ctx, source, r, cancel)
	}

	srcFeats, err := loadAll(ctx, source, r.SourceLayer)
	if err != nil {
		return nil, err
	}
	tgtFeats, err := loadAll(ctx, source, r.TargetLayer)
	if err != nil {
		return nil, err
	}

	var out []classifier.ValidationError
	for _, sf := range srcFeats {
		if cancel != nil && cancel() {
			break
		}
		if sf.Geom == nil || sf.Geom.IsEmpty() {
			continue
		}
		for _, tf := range tgtFeats {
			if tf.Geom == nil || tf.Geom.IsEmpty() {
				continue
			}
			if ve, ok := c.overlapViolation(r, sf, tf); ok {
				out = append(out, ve)
			}
		}
	}
	return out, nil
}

// mustNotOverlapChunked sets a spatial filter on the target layer per
// source feature's envelope, per spec.md §4.5's chunked-streaming clause.
func (c *Checker) mustNotOverlapChunked(ctx context.Context, source feature.Source, r rules.TopologyRule, cancel func() bool) ([]classifier.ValidationError, error) {
	next, closeFn, err := source.Stream(ctx, r.SourceLayer)
	if err != nil {
		return nil, fmt.Errorf("topology: open source layer %q: %w", r.SourceLayer, err)
	}
	defer closeFn()

	var out []classifier.ValidationError
	n := 0
	for {
		if cancel != nil && cancel() {
			break
		}
		sf, ok, err := next()
		if err != nil {
			return out, fmt.Errorf("topology: stream source layer: %w", err)
		}
		if !ok {
			break
		}
		n++
		if n%100 == 0 && cancel != nil && cancel() {
			break
		}
		if sf.Geom == nil || sf.Geom.IsEmpty() {
			continue
		}

		if err := source.SetSpatialFilter(r.TargetLayer, sf.Geom.Envelope()); err != nil {
			return out, fmt.Errorf("topology: set spatial filter: %w", err)
		}
		tnext, tclose, err := source.Stream(ctx, r.TargetLayer)
		if err != nil {
			source.ClearSpatialFilter(r.TargetLayer)
			return out, fmt.Errorf("topology: stream target layer: %w", err)
		}
		for {
			tf, ok, err := tnext()
			if err != nil {
				tclose()
				source.ClearSpatialFilter(r.TargetLayer)
				return out, fmt.Errorf("topology: stream target feature: %w", err)
			}
			if !ok {
				break
			}
			if tf.Geom == nil || tf.Geom.IsEmpty() {
				continue
			}
			if ve, ok := c.overlapViolation(r, sf, tf); ok {
				out = append(out, ve)
			}
		}
		tclose()
		source.ClearSpatialFilter(r.TargetLayer)
	}
	return out, nil
}

func (c *Checker) overlapViolation(r rules.TopologyRule, sf, tf feature.Feature) (classifier.ValidationError, bool) {
	srcGeom := sf.Geom
	// Simplify very large WKT geometries before the predicate call
	// (spec.md §4.5); the original stays available for detailsJson.
	originalWKT := srcGeom.WKT()
	if len(originalWKT) > MaxWKTBytesBeforeSimplify {
		if simplified := srcGeom.Simplify(SimplifyToleranceMeters); simplified != nil {
			srcGeom = simplified
			defer srcGeom.Close()
		}
	}

	if !srcGeom.Overlaps(tf.Geom) {
		return classifier.ValidationError{}, false
	}
	inter := srcGeom.Intersection(tf.Geom)
	if inter == nil {
		return classifier.ValidationError{}, false
	}
	defer inter.Close()
	area := inter.Area()
	if area <= r.Tolerance {
		return classifier.ValidationError{}, false
	}

	ve := newError("OVERLAP_VIOLATION")
	ve.SourceLayer, ve.SourceFeatureID = r.SourceLayer, sf.ID
	targetID := tf.ID
	ve.TargetLayer, ve.TargetFeatureID = r.TargetLayer, &targetID
	ev := area
	ve.ErrorValue = &ev
	ve.Message = fmt.Sprintf("overlaps %s feature %d with area %.6f", r.TargetLayer, tf.ID, area)
	ve.DetailsJSON = map[string]any{"sourceWkt": originalWKT, "intersectionArea": area}
	if x, y, ok := inter.PointOnSurface(); ok {
		ve.X, ve.Y = x, y
	} else {
		env := inter.Envelope()
		ve.X, ve.Y = env.CenterX(), env.CenterY()
	}
	ve.WithinTolerance = rules.NearTolerance(area, r.Tolerance)
	if d, ok := inter.DistanceToBoundary(tf.Geom); ok {
		ve.OnBoundary = d < r.Tolerance
	}
	return ve, true
}

// MustNotHaveGaps implements spec.md §4.5: union the source polygons
// incrementally, diff against the bounding box, and emit one GAP_DETECTED
// per non-empty remainder component.
func (c *Checker) MustNotHaveGaps(ctx context.Context, source feature.Source, r rules.TopologyRule, cancel func() bool) ([]classifier.ValidationError, error) {
	feats, err := loadAll(ctx, source, r.SourceLayer)
	if err != nil {
		return nil, err
	}

	var union *geom.Geometry
	extent := geom.EmptyEnvelope()
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		extent = extent.Union(f.Geom.Envelope())
		if union == nil {
			union = f.Geom.Clone()
			continue
		}
		next := union.Union(f.Geom)
		union.Close()
		union = next
	}
	if union == nil || extent.Empty {
		return nil, nil
	}
	defer union.Close()

	bboxWKT := fmt.Sprintf("POLYGON((%f %f,%f %f,%f %f,%f %f,%f %f))",
		extent.MinX, extent.MinY, extent.MaxX, extent.MinY, extent.MaxX, extent.MaxY,
		extent.MinX, extent.MaxY, extent.MinX, extent.MinY)
	bbox, err := geom.FromWKT(bboxWKT)
	if err != nil {
		return nil, fmt.Errorf("topology: build bounding polygon: %w", err)
	}
	defer bbox.Close()

	gaps := bbox.Difference(union)
	if gaps == nil || gaps.IsEmpty() {
		return nil, nil
	}
	defer gaps.Close()

	var out []classifier.ValidationError
	n := gaps.NumGeometries()
	if n <= 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		part := gaps
		if gaps.NumGeometries() > 1 {
			part = gaps.Part(i)
		}
		area := part.Area()
		if area <= r.Tolerance {
			continue
		}
		ve := newError("GAP_DETECTED")
		ve.SourceLayer, ve.SourceFeatureID = r.SourceLayer, 0
		ev := area
		ve.ErrorValue = &ev
		ve.Message = fmt.Sprintf("coverage gap with area %.6f", area)
		if x, y, ok := part.Centroid(); ok {
			ve.X, ve.Y = x, y
		} else {
			env := part.Envelope()
			ve.X, ve.Y = env.CenterX(), env.CenterY()
		}
		ve.WithinTolerance = rules.NearTolerance(area, r.Tolerance)
		if d, ok := part.DistanceToBoundary(union); ok {
			ve.OnBoundary = d < r.Tolerance
		}
		out = append(out, ve)
	}
	return out, nil
}

// MustBeCoveredBy checks every source feature is contained in the union of
// the target layer (spec.md §4.5); MustCover is the same check with roles
// reversed, via coverage's swap flag.
func (c *Checker) MustBeCoveredBy(ctx context.Context, source feature.Source, r rules.TopologyRule, cancel func() bool) ([]classifier.ValidationError, error) {
	return c.coverage(ctx, source, r, "NOT_COVERED_BY", false, cancel)
}

// MustCover is MustBeCoveredBy with source/target swapped: the source layer
// must cover every feature of the target layer.
func (c *Checker) MustCover(ctx context.Context, source feature.Source, r rules.TopologyRule, cancel func() bool) ([]classifier.ValidationError, error) {
	return c.coverage(ctx, source, r, "NOT_COVERED", true, cancel)
}

func (c *Checker) coverage(ctx context.Context, source feature.Source, r rules.TopologyRule, code string, swap bool, cancel func() bool) ([]classifier.ValidationError, error) {
	coveringLayer, coveredLayer := r.TargetLayer, r.SourceLayer
	if swap {
		coveringLayer, coveredLayer = r.SourceLayer, r.TargetLayer
	}

	coveringFeats, err := loadAll(ctx, source, coveringLayer)
	if err != nil {
		return nil, err
	}
	var union *geom.Geometry
	for _, f := range coveringFeats {
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		if union == nil {
			union = f.Geom.Clone()
			continue
		}
		next := union.Union(f.Geom)
		union.Close()
		union = next
	}
	if union == nil {
		return nil, nil
	}
	defer union.Close()

	coveredFeats, err := loadAll(ctx, source, coveredLayer)
	if err != nil {
		return nil, err
	}

	var out []classifier.ValidationError
	for _, f := range coveredFeats {
		if cancel != nil && cancel() {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		if union.Contains(f.Geom) {
			continue
		}
		remainder := f.Geom.Difference(union)
		if remainder == nil || remainder.IsEmpty() {
			continue
		}
		area := remainder.Area()
		if area <= r.Tolerance {
			remainder.Close()
			continue
		}
		ve := newError(code)
		ve.SourceLayer, ve.SourceFeatureID = coveredLayer, f.ID
		ve.TargetLayer = coveringLayer
		ev := area
		ve.ErrorValue = &ev
		ve.Message = fmt.Sprintf("uncovered remainder area %.6f", area)
		if x, y, ok := remainder.PointOnSurface(); ok {
			ve.X, ve.Y = x, y
		} else {
			env := remainder.Envelope()
			ve.X, ve.Y = env.CenterX(), env.CenterY()
		}
		ve.WithinTolerance = rules.NearTolerance(area, r.Tolerance)
		if d, ok := remainder.DistanceToBoundary(union); ok {
			ve.OnBoundary = d < r.Tolerance
		}
		remainder.Close()
		out = append(out, ve)
	}
	return out, nil
}

// MustNotIntersect implements spec.md §4.5's exact rule: intersects ∧
// ¬touches ∧ intersectionArea > tolerance.
func (c *Checker) MustNotIntersect(ctx context.Context, source feature.Source, r rules.TopologyRule, cancel func() bool) ([]classifier.ValidationError, error) {
	srcFeats, err := loadAll(ctx, source, r.SourceLayer)
	if err != nil {
		return nil, err
	}
	tgtFeats, err := loadAll(ctx, source, r.TargetLayer)
	if err != nil {
		return nil, err
	}

	srcExtent, err := source.LayerExtent(ctx, r.SourceLayer)
	if err != nil {
		return nil, fmt.Errorf("topology: source extent: %w", err)
	}
	tgtIdx := spatialindex.NewAdaptiveGrid(srcExtent, r.Tolerance)
	tgtByID := make(map[int64]*geom.Geometry, len(tgtFeats))
	for _, f := range tgtFeats {
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		tgtIdx.InsertEnvelope(f.ID, f.Geom.Envelope())
		tgtByID[f.ID] = f.Geom
	}

	var out []classifier.ValidationError
	for _, sf := range srcFeats {
		if cancel != nil && cancel() {
			break
		}
		if sf.Geom == nil || sf.Geom.IsEmpty() {
			continue
		}
		for _, tid := range tgtIdx.Query(sf.Geom.Envelope()) {
			tg, ok := tgtByID[tid]
			if !ok {
				continue
			}
			if !sf.Geom.Intersects(tg) || sf.Geom.Touches(tg) {
				continue
			}
			inter := sf.Geom.Intersection(tg)
			if inter == nil {
				continue
			}
			area := inter.Area()
			if area <= r.Tolerance {
				inter.Close()
				continue
			}
			ve := newError("INTERSECTION_VIOLATION")
			ve.SourceLayer, ve.SourceFeatureID = r.SourceLayer, sf.ID
			targetID := tid
			ve.TargetLayer, ve.TargetFeatureID = r.TargetLayer, &targetID
			ev := area
			ve.ErrorValue = &ev
			if x, y, ok := inter.PointOnSurface(); ok {
				ve.X, ve.Y = x, y
			} else {
				env := inter.Envelope()
				ve.X, ve.Y = env.CenterX(), env.CenterY()
			}
			ve.Message = fmt.Sprintf("intersects forbidden feature %s/%d with area %.6f", r.TargetLayer, tid, area)
			ve.WithinTolerance = rules.NearTolerance(area, r.Tolerance)
			if d, ok := inter.DistanceToBoundary(tg); ok {
				ve.OnBoundary = d < r.Tolerance
			}
			inter.Close()
			out = append(out, ve)
		}
	}
	return out, nil
}

// PointInPolygon implements spec.md §4.5's cross-layer point-in-polygon
// rule.
func (c *Checker) PointInPolygon(ctx context.Context, source feature.Source, r rules.RelationRule, cancel func() bool) ([]classifier.ValidationError, error) {
	polyFeats, err := loadAll(ctx, source, r.TargetLayer)
	if err != nil {
		return nil, err
	}
	ptFeats, err := loadAll(ctx, source, r.SourceLayer)
	if err != nil {
		return nil, err
	}

	tgtExtent, err := source.LayerExtent(ctx, r.TargetLayer)
	if err != nil {
		return nil, fmt.Errorf("topology: target extent: %w", err)
	}
	idx := spatialindex.NewAdaptiveGrid(tgtExtent, r.Tolerance)
	byID := make(map[int64]*geom.Geometry, len(polyFeats))
	for _, f := range polyFeats {
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		idx.InsertEnvelope(f.ID, f.Geom.Envelope())
		byID[f.ID] = f.Geom
	}

	var out []classifier.ValidationError
	for _, pf := range ptFeats {
		if cancel != nil && cancel() {
			break
		}
		if pf.Geom == nil || pf.Geom.IsEmpty() {
			continue
		}
		contained := false
		nearestBoundary := -1.0
		for _, polyID := range idx.Query(pf.Geom.Envelope()) {
			poly, ok := byID[polyID]
			if !ok {
				continue
			}
			if d, ok := pf.Geom.DistanceToBoundary(poly); ok && (nearestBoundary < 0 || d < nearestBoundary) {
				nearestBoundary = d
			}
			if pf.Geom.Within(poly) {
				contained = true
				break
			}
		}
		violated := (r.Required && !contained) || (!r.Required && contained)
		if !violated {
			continue
		}
		ve := newError("POINT_IN_POLYGON_VIOLATION")
		ve.SourceLayer, ve.SourceFeatureID = r.SourceLayer, pf.ID
		ve.TargetLayer = r.TargetLayer
		ve.CriticalRelation = criticalRelation(r.Relation)
		if r.Required {
			ve.Message = "point not in any required polygon"
		} else {
			ve.Message = "point in forbidden polygon"
		}
		x, y := 0.0, 0.0
		if fx, fy, ok := pf.Geom.FirstVertex(); ok {
			x, y = fx, fy
		}
		ve.X, ve.Y = x, y
		if nearestBoundary >= 0 {
			onBoundary := nearestBoundary < r.Tolerance
			ve.OnBoundary = onBoundary
			ve.WithinTolerance = onBoundary
		}
		out = append(out, ve)
	}
	return out, nil
}

// LineRelation classifies a line-polygon hit per spec.md §4.5's first-match
// order.
type LineRelation string

const (
	LineWithin     LineRelation = "within"
	LineCrosses    LineRelation = "crosses"
	LineTouches    LineRelation = "touches"
	LineOverlaps   LineRelation = "overlaps"
	LineIntersects LineRelation = "intersects"
)

// LinePolygonIntersection implements spec.md §4.5's line-polygon check:
// classify each hit, apply the rule's required/forbidden semantics, and
// record intersectionLength/intersectionPointCount in detailsJson.
func (c *Checker) LinePolygonIntersection(ctx context.Context, source feature.Source, r rules.RelationRule, cancel func() bool) ([]classifier.ValidationError, error) {
	polyFeats, err := loadAll(ctx, source, r.TargetLayer)
	if err != nil {
		return nil, err
	}
	lineFeats, err := loadAll(ctx, source, r.SourceLayer)
	if err != nil {
		return nil, err
	}

	tgtExtent, err := source.LayerExtent(ctx, r.TargetLayer)
	if err != nil {
		return nil, fmt.Errorf("topology: target extent: %w", err)
	}
	idx := spatialindex.NewAdaptiveGrid(tgtExtent, r.Tolerance)
	byID := make(map[int64]*geom.Geometry, len(polyFeats))
	for _, f := range polyFeats {
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		idx.InsertEnvelope(f.ID, f.Geom.Envelope())
		byID[f.ID] = f.Geom
	}

	var out []classifier.ValidationError
	for _, lf := range lineFeats {
		if cancel != nil && cancel() {
			break
		}
		if lf.Geom == nil || lf.Geom.IsEmpty() {
			continue
		}
		var hit bool
		var relation LineRelation
		var interLen float64
		var interPoints int
		var interX, interY float64
		var interLocated bool
		var matchedPoly *geom.Geometry
		for _, polyID := range idx.Query(lf.Geom.Envelope()) {
			poly, ok := byID[polyID]
			if !ok {
				continue
			}
			rel, ok := classifyLineRelation(lf.Geom, poly)
			if !ok {
				continue
			}
			hit = true
			relation = rel
			matchedPoly = poly
			inter := lf.Geom.Intersection(poly)
			if inter != nil {
				interLen = inter.Length()
				interPoints = inter.PointCount()
				if x, y, ok := inter.PointOnSurface(); ok {
					interX, interY, interLocated = x, y, true
				}
				inter.Close()
			}
			break
		}

		violated := (r.Required && !hit) || (!r.Required && hit)
		if !violated {
			continue
		}
		ve := newError("LINE_POLYGON_VIOLATION")
		ve.SourceLayer, ve.SourceFeatureID = r.SourceLayer, lf.ID
		ve.TargetLayer = r.TargetLayer
		ve.CriticalRelation = criticalRelation(r.Relation)
		ve.DetailsJSON = map[string]any{
			"relation":               string(relation),
			"intersectionLength":     interLen,
			"intersectionPointCount": interPoints,
		}
		if hit {
			if interLocated {
				ve.X, ve.Y = interX, interY
			} else if x, y, ok := lf.Geom.FirstVertex(); ok {
				ve.X, ve.Y = x, y
			}
			ve.Message = fmt.Sprintf("forbidden %s with %s feature", relation, r.TargetLayer)
			if matchedPoly != nil {
				if d, ok := lf.Geom.DistanceToBoundary(matchedPoly); ok {
					onBoundary := d < r.Tolerance
					ve.OnBoundary = onBoundary
					ve.WithinTolerance = onBoundary
				}
			}
		} else {
			if x, y, ok := lf.Geom.MidVertex(); ok {
				ve.X, ve.Y = x, y
			} else {
				env := lf.Geom.Envelope()
				ve.X, ve.Y = env.CenterX(), env.CenterY()
			}
			ve.Message = "required interaction with polygon layer not found"
		}
		out = append(out, ve)
	}
	return out, nil
}

// classifyLineRelation applies spec.md §4.5's first-match-wins ordering:
// within, crosses, touches, overlaps, intersects.
func classifyLineRelation(line, poly *geom.Geometry) (LineRelation, bool) {
	switch {
	case line.Within(poly):
		return LineWithin, true
	case line.Crosses(poly):
		return LineCrosses, true
	case line.Touches(poly):
		return LineTouches, true
	case line.Overlaps(poly):
		return LineOverlaps, true
	case line.Intersects(poly):
		return LineIntersects, true
	default:
		return "", false
	}
}
