// Package evaluator implements the per-layer geometry rule evaluator from
// spec.md §4.4: one pass per enabled rule over a layer's features,
// producing ValidationError events. It is grounded on the teacher's
// parallel per-geometry passes in handlers/topology-cleaner.go
// (parseGeometriesParallel, validateAndRepairGeometriesParallel). Each rule
// pass runs sequentially over the layer's features and does not use
// internal/workerpool, whose results arrive in completion order; running
// sequentially keeps errors in source-feature order.
package evaluator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bsaid97/go-geoqc/classifier"
	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/memctl"
	"github.com/bsaid97/go-geoqc/rules"
	"github.com/bsaid97/go-geoqc/spatialindex"
)

// Defaults applied when a GeometryRule leaves a threshold at its zero
// value (spec.md §4.4 names the thresholds but leaves concrete defaults to
// the rule configuration; these mirror the teacher's tolerances, e.g.
// CalculateWGS84Tolerance).
const (
	DefaultSmallAreaThreshold  = 1.0
	DefaultShortLenThreshold   = 1.0
	DefaultSlivernessThreshold = 100.0
	maxVertexCount             = 500_000
)

// perFeatureTimeout mirrors spec.md §4.4's GEOM_PROCESSING_TIMEOUT budget.
const perFeatureTimeout = 5 * time.Second

// Evaluator runs geometry rule passes over a single layer.
type Evaluator struct {
	log        log.Logger
	memCtl     *memctl.Controller
	numWorkers int
}

// New builds an Evaluator. memCtl may be nil, in which case batch sizing
// defaults to a fixed 5000 per spec.md §4.3's starting point.
func New(logger log.Logger, memCtl *memctl.Controller, numWorkers int) *Evaluator {
	return &Evaluator{log: logger, memCtl: memCtl, numWorkers: numWorkers}
}

// EvaluateLayer runs every enabled rule in rules against layerName,
// returning the concatenation of their emitted errors in source-feature
// order within each rule pass (spec.md §5: "within one rule pass, errors
// are emitted in source-feature order; across rules the order is
// unspecified").
func (e *Evaluator) EvaluateLayer(ctx context.Context, source feature.Source, layerName string, ruleList []rules.GeometryRule, cancel func() bool) ([]classifier.ValidationError, error) {
	var all []classifier.ValidationError
	for _, r := range ruleList {
		if cancel != nil && cancel() {
			break
		}
		errs, err := e.runRule(ctx, source, layerName, r, cancel)
		if err != nil {
			return all, err
		}
		all = append(all, errs...)
	}
	return all, nil
}

func (e *Evaluator) runRule(ctx context.Context, source feature.Source, layerName string, r rules.GeometryRule, cancel func() bool) ([]classifier.ValidationError, error) {
	switch r.Check {
	case rules.CheckBasicValidity:
		return e.basicValidity(ctx, source, layerName, cancel)
	case rules.CheckDuplicateGeom:
		return e.duplicateGeom(ctx, source, layerName, r, cancel)
	case rules.CheckOverlapGeom:
		return e.overlapGeom(ctx, source, layerName, r, cancel)
	case rules.CheckSelfIntersect:
		return e.selfIntersect(ctx, source, layerName, cancel)
	case rules.CheckSliver:
		return e.sliver(ctx, source, layerName, r, cancel)
	case rules.CheckShortLength:
		return e.shortLength(ctx, source, layerName, r, cancel)
	case rules.CheckSmallArea:
		return e.smallArea(ctx, source, layerName, r, cancel)
	case rules.CheckPolygonInPolygon:
		return e.polygonInPolygon(ctx, source, layerName, cancel)
	default:
		return nil, fmt.Errorf("evaluator: unknown geometry check %q", r.Check)
	}
}

// loadAll streams the full layer into memory. Rule passes that need
// pairwise candidate comparisons (duplicate/overlap/PIP) need random
// access to a feature's neighbors; passes that are purely per-feature
// (BasicValidity, SelfIntersect, Sliver, ShortLength, SmallArea) could
// stream instead, but share this loader for a uniform batch-size policy
// under the memory controller.
func (e *Evaluator) loadAll(ctx context.Context, source feature.Source, layerName string) ([]feature.Feature, error) {
	next, closeFn, err := source.Stream(ctx, layerName)
	if err != nil {
		return nil, fmt.Errorf("evaluator: open layer %q: %w", layerName, err)
	}
	defer closeFn()

	batchSize := 5000
	if e.memCtl != nil {
		batchSize = e.memCtl.OptimalBatchSize(batchSize, 1000)
	}

	var feats []feature.Feature
	n := 0
	for {
		f, ok, err := next()
		if err != nil {
			return feats, fmt.Errorf("evaluator: stream layer %q: %w", layerName, err)
		}
		if !ok {
			break
		}
		feats = append(feats, f)
		n++
		if n%batchSize == 0 && e.memCtl != nil {
			e.memCtl.IsUnderPressure()
		}
		if n%100 == 0 && ctx.Err() != nil {
			return feats, ctx.Err()
		}
	}
	return feats, nil
}

func locationFor(g *geom.Geometry) (x, y float64) {
	if g == nil {
		return 0, 0
	}
	if g.Type() == geom.TypePolygon || g.Type() == geom.TypeMultiPolygon {
		if px, py, ok := g.PointOnSurface(); ok {
			return px, py
		}
	}
	if fx, fy, ok := g.FirstVertex(); ok {
		return fx, fy
	}
	env := g.Envelope()
	return env.CenterX(), env.CenterY()
}

func newError(code string) classifier.ValidationError {
	return classifier.ValidationError{ErrorCode: code, DetectedAt: time.Now().UTC(), DetailsJSON: map[string]any{}}
}

// basicValidity implements spec.md §4.4's BasicValidity check.
func (e *Evaluator) basicValidity(ctx context.Context, source feature.Source, layerName string, cancel func() bool) ([]classifier.ValidationError, error) {
	feats, err := e.loadAll(ctx, source, layerName)
	if err != nil {
		return nil, err
	}
	var out []classifier.ValidationError
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() {
			ve := newError("GEOM_INVALID")
			ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
			ve.Message = "null or empty geometry"
			out = append(out, ve)
			continue
		}

		start := time.Now()
		valid := f.Geom.IsValid()
		elapsed := time.Since(start)
		if elapsed > perFeatureTimeout {
			ve := newError("GEOM_PROCESSING_TIMEOUT")
			ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
			ve.Message = fmt.Sprintf("validity check exceeded budget: %s", elapsed)
			x, y := locationFor(f.Geom)
			ve.X, ve.Y = x, y
			out = append(out, ve)
			continue
		}
		if !valid {
			ve := newError("GEOM_INVALID")
			ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
			ve.Message = f.Geom.ValidReason()
			x, y := locationFor(f.Geom)
			ve.X, ve.Y = x, y
			ve.GeometryWKT = f.Geom.WKT()
			out = append(out, ve)
			continue
		}
		if f.Geom.PointCount() > maxVertexCount {
			ve := newError("GEOM_TOO_COMPLEX")
			ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
			ve.Message = fmt.Sprintf("vertex count %d exceeds %d", f.Geom.PointCount(), maxVertexCount)
			x, y := locationFor(f.Geom)
			ve.X, ve.Y = x, y
			out = append(out, ve)
		}
	}
	return out, nil
}

// selfIntersect implements spec.md §4.4's SelfIntersection check.
func (e *Evaluator) selfIntersect(ctx context.Context, source feature.Source, layerName string, cancel func() bool) ([]classifier.ValidationError, error) {
	feats, err := e.loadAll(ctx, source, layerName)
	if err != nil {
		return nil, err
	}
	var out []classifier.ValidationError
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() || f.Geom.IsValid() {
			continue
		}
		reason := f.Geom.ValidReason()
		if !strings.Contains(strings.ToLower(reason), "self-intersect") && !strings.Contains(strings.ToLower(reason), "ring self-intersection") {
			continue
		}
		ve := newError("SLF001")
		ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
		ve.Message = reason
		x, y := locationFor(f.Geom)
		ve.X, ve.Y = x, y
		ve.GeometryWKT = f.Geom.WKT()
		out = append(out, ve)
	}
	return out, nil
}

// sliver implements spec.md §4.4's Sliver check: polygon-only, small area
// and a high perimeter²/area ratio.
func (e *Evaluator) sliver(ctx context.Context, source feature.Source, layerName string, r rules.GeometryRule, cancel func() bool) ([]classifier.ValidationError, error) {
	smallArea := r.SmallAreaThreshold
	if smallArea == 0 {
		smallArea = DefaultSmallAreaThreshold
	}
	slivTh := r.SlivernessThreshold
	if slivTh == 0 {
		slivTh = DefaultSlivernessThreshold
	}

	feats, err := e.loadAll(ctx, source, layerName)
	if err != nil {
		return nil, err
	}
	var out []classifier.ValidationError
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		if f.Geom.Type() != geom.TypePolygon && f.Geom.Type() != geom.TypeMultiPolygon {
			continue
		}
		area := f.Geom.Area()
		if area <= 0 {
			continue
		}
		perimeter := f.Geom.Length()
		ratio := (perimeter * perimeter) / area
		if area < smallArea && ratio > slivTh {
			ve := newError("SLV001")
			ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
			ev := area
			th := smallArea
			ve.ErrorValue, ve.ThresholdValue = &ev, &th
			ve.Message = fmt.Sprintf("sliver polygon: area=%.6f perimeter^2/area=%.2f", area, ratio)
			x, y := locationFor(f.Geom)
			ve.X, ve.Y = x, y
			out = append(out, ve)
		}
	}
	return out, nil
}

// shortLength implements spec.md §4.4's ShortLength check: linestring-only.
func (e *Evaluator) shortLength(ctx context.Context, source feature.Source, layerName string, r rules.GeometryRule, cancel func() bool) ([]classifier.ValidationError, error) {
	threshold := r.ShortLenThreshold
	if threshold == 0 {
		threshold = DefaultShortLenThreshold
	}
	feats, err := e.loadAll(ctx, source, layerName)
	if err != nil {
		return nil, err
	}
	var out []classifier.ValidationError
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		if f.Geom.Type() != geom.TypeLineString && f.Geom.Type() != geom.TypeMultiLineString {
			continue
		}
		length := f.Geom.Length()
		if length < threshold {
			ve := newError("SHT001")
			ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
			ev := length
			th := threshold
			ve.ErrorValue, ve.ThresholdValue = &ev, &th
			ve.Message = fmt.Sprintf("short linestring: length=%.6f", length)
			x, y := locationFor(f.Geom)
			ve.X, ve.Y = x, y
			out = append(out, ve)
		}
	}
	return out, nil
}

// smallArea implements spec.md §4.4's SmallArea check: polygon-only.
func (e *Evaluator) smallArea(ctx context.Context, source feature.Source, layerName string, r rules.GeometryRule, cancel func() bool) ([]classifier.ValidationError, error) {
	threshold := r.SmallAreaThreshold
	if threshold == 0 {
		threshold = DefaultSmallAreaThreshold
	}
	feats, err := e.loadAll(ctx, source, layerName)
	if err != nil {
		return nil, err
	}
	var out []classifier.ValidationError
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		if f.Geom.Type() != geom.TypePolygon && f.Geom.Type() != geom.TypeMultiPolygon {
			continue
		}
		area := f.Geom.Area()
		if area < threshold {
			ve := newError("SML001")
			ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
			ev := area
			th := threshold
			ve.ErrorValue, ve.ThresholdValue = &ev, &th
			ve.Message = fmt.Sprintf("small-area polygon: area=%.6f", area)
			x, y := locationFor(f.Geom)
			ve.X, ve.Y = x, y
			out = append(out, ve)
		}
	}
	return out, nil
}

// duplicateGeom implements spec.md §4.4's Duplicate geometry check,
// resolving the source ambiguity flagged in spec.md §9: processed ids
// form a single set across the whole pass, so a pair is reported exactly
// once regardless of which feature it is discovered from.
func (e *Evaluator) duplicateGeom(ctx context.Context, source feature.Source, layerName string, r rules.GeometryRule, cancel func() bool) ([]classifier.ValidationError, error) {
	tolerance := r.Tolerance
	if tolerance == 0 {
		tolerance = rules.DefaultTolerance
	}

	feats, err := e.loadAll(ctx, source, layerName)
	if err != nil {
		return nil, err
	}
	extent, err := source.LayerExtent(ctx, layerName)
	if err != nil {
		return nil, fmt.Errorf("evaluator: layer extent: %w", err)
	}

	grid := spatialindex.NewAdaptiveGrid(extent, tolerance)
	byID := make(map[int64]*geom.Geometry, len(feats))
	for _, f := range feats {
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		grid.InsertEnvelope(f.ID, f.Geom.Envelope())
		byID[f.ID] = f.Geom
	}

	processed := make(map[int64]bool)
	var out []classifier.ValidationError
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		if processed[f.ID] || f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		probe := f.Geom.Envelope().Expand(tolerance)
		for _, candID := range grid.Query(probe) {
			if candID == f.ID || processed[candID] {
				continue
			}
			cand, ok := byID[candID]
			if !ok {
				continue
			}
			dist := f.Geom.Distance(cand)
			if dist < tolerance {
				ve := newError("DUP001")
				ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
				targetID := candID
				ve.TargetLayer, ve.TargetFeatureID = layerName, &targetID
				ve.Message = fmt.Sprintf("duplicate of feature %d", candID)
				x, y := locationFor(f.Geom)
				ve.X, ve.Y = x, y
				ve.WithinTolerance = rules.NearTolerance(dist, tolerance)
				if d, ok := f.Geom.DistanceToBoundary(cand); ok {
					ve.OnBoundary = d < tolerance
				}
				out = append(out, ve)
				processed[f.ID] = true
				processed[candID] = true
				break
			}
		}
	}
	return out, nil
}

// overlapGeom implements spec.md §4.4's Overlap geometry (self-layer)
// check.
func (e *Evaluator) overlapGeom(ctx context.Context, source feature.Source, layerName string, r rules.GeometryRule, cancel func() bool) ([]classifier.ValidationError, error) {
	tolerance := r.Tolerance
	if tolerance == 0 {
		tolerance = rules.DefaultTolerance
	}

	feats, err := e.loadAll(ctx, source, layerName)
	if err != nil {
		return nil, err
	}
	extent, err := source.LayerExtent(ctx, layerName)
	if err != nil {
		return nil, fmt.Errorf("evaluator: layer extent: %w", err)
	}

	grid := spatialindex.NewAdaptiveGrid(extent, tolerance)
	byID := make(map[int64]*geom.Geometry, len(feats))
	for _, f := range feats {
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		grid.InsertEnvelope(f.ID, f.Geom.Envelope())
		byID[f.ID] = f.Geom
	}

	processed := make(map[[2]int64]bool)
	var out []classifier.ValidationError
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() {
			continue
		}
		probe := f.Geom.Envelope().Expand(tolerance)
		for _, candID := range grid.Query(probe) {
			if candID == f.ID {
				continue
			}
			key := pairKey(f.ID, candID)
			if processed[key] {
				continue
			}
			processed[key] = true
			cand, ok := byID[candID]
			if !ok {
				continue
			}
			inter := f.Geom.Intersection(cand)
			if inter == nil {
				continue
			}
			area := inter.Area()
			ty := inter.Type()
			inter.Close()
			if (ty == geom.TypePolygon || ty == geom.TypeMultiPolygon) && area > 0 && area > tolerance {
				ve := newError("OVL001")
				ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
				targetID := candID
				ve.TargetLayer, ve.TargetFeatureID = layerName, &targetID
				ev := area
				ve.ErrorValue = &ev
				ve.Message = fmt.Sprintf("overlaps feature %d with area %.6f", candID, area)
				x, y := locationFor(f.Geom)
				ve.X, ve.Y = x, y
				ve.WithinTolerance = rules.NearTolerance(area, tolerance)
				if d, ok := f.Geom.DistanceToBoundary(cand); ok {
					ve.OnBoundary = d < tolerance
				}
				out = append(out, ve)
			}
		}
	}
	return out, nil
}

func pairKey(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

// polygonInPolygon implements spec.md §4.4's PolygonInPolygon check.
func (e *Evaluator) polygonInPolygon(ctx context.Context, source feature.Source, layerName string, cancel func() bool) ([]classifier.ValidationError, error) {
	feats, err := e.loadAll(ctx, source, layerName)
	if err != nil {
		return nil, err
	}
	extent, err := source.LayerExtent(ctx, layerName)
	if err != nil {
		return nil, fmt.Errorf("evaluator: layer extent: %w", err)
	}

	grid := spatialindex.NewAdaptiveGrid(extent, rules.DefaultTolerance)
	byID := make(map[int64]*geom.Geometry, len(feats))
	for _, f := range feats {
		if f.Geom == nil || f.Geom.IsEmpty() || (f.Geom.Type() != geom.TypePolygon && f.Geom.Type() != geom.TypeMultiPolygon) {
			continue
		}
		grid.InsertEnvelope(f.ID, f.Geom.Envelope())
		byID[f.ID] = f.Geom
	}

	var out []classifier.ValidationError
	for _, f := range feats {
		if cancel != nil && cancel() {
			break
		}
		g, ok := byID[f.ID]
		if !ok {
			continue
		}
		for _, candID := range grid.Query(g.Envelope()) {
			if candID == f.ID {
				continue
			}
			cand, ok := byID[candID]
			if !ok {
				continue
			}
			if cand.Contains(g) && !cand.Equals(g) {
				ve := newError("PIP001")
				ve.SourceLayer, ve.SourceFeatureID = layerName, f.ID
				targetID := candID
				ve.TargetLayer, ve.TargetFeatureID = layerName, &targetID
				ve.Message = fmt.Sprintf("fully contained within feature %d", candID)
				x, y := locationFor(g)
				ve.X, ve.Y = x, y
				out = append(out, ve)
				break
			}
		}
	}
	return out, nil
}
