package spatialindex

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
)

// Grid is a uniform-cell spatial index (spec.md §4.1). Cell size defaults to
// the layer extent split into a 100x100 grid, but any rule pass building its
// own grid for a duplicate/overlap sweep should go through
// NewAdaptiveGrid, which applies the §4.1.1 adaptive sizing algorithm
// instead of the fixed 100x100 split.
type Grid struct {
	extent   geom.Envelope
	cellSize float64
	cells    map[cellKey][]int64
	envs     map[int64]geom.Envelope
	count    int
}

type cellKey struct{ x, y int }

const (
	// DefaultGridDim is the default target grid resolution from spec.md §4.1.
	DefaultGridDim = 100
)

// NewGrid builds a grid sized by splitting extent into gridW x gridH cells.
func NewGrid(extent geom.Envelope, gridW, gridH int) *Grid {
	if gridW <= 0 {
		gridW = DefaultGridDim
	}
	if gridH <= 0 {
		gridH = DefaultGridDim
	}
	cw := extent.Width() / float64(gridW)
	ch := extent.Height() / float64(gridH)
	cellSize := math.Max(cw, ch)
	if cellSize <= 0 {
		cellSize = 1.0
	}
	return &Grid{extent: extent, cellSize: cellSize, cells: make(map[cellKey][]int64), envs: make(map[int64]geom.Envelope)}
}

// NewAdaptiveGrid builds a grid whose cell size follows the §4.1.1 adaptive
// sizing algorithm, avoiding cell-count explosion for very long-extent
// geometries. tolerance is the rule's declared tolerance (duplicate/overlap
// sweeps pass their configured tolerance; callers with no specific
// tolerance may pass spatialindex.DefaultTolerance).
func NewAdaptiveGrid(extent geom.Envelope, tolerance float64) *Grid {
	cellSize := adaptiveCellSize(extent, tolerance)
	return &Grid{extent: extent, cellSize: cellSize, cells: make(map[cellKey][]int64), envs: make(map[int64]geom.Envelope)}
}

// adaptiveCellSize implements spec.md §4.1.1 steps 1-4.
func adaptiveCellSize(extent geom.Envelope, tolerance float64) float64 {
	maxDim := math.Max(extent.Width(), extent.Height())
	estimatedMaxGeomExtent := maxDim * 0.05
	safeCell := estimatedMaxGeomExtent / 100

	var base float64
	switch {
	case maxDim > 100_000:
		base = maxDim / 100
	case maxDim > 10_000:
		base = maxDim / 500
	case maxDim > 1_000:
		base = math.Max(tolerance*100, safeCell)
	default:
		base = math.Max(tolerance*10, safeCell)
	}
	if base < 1.0 {
		base = 1.0
	}
	return base
}

// dynamicMaxCellThreshold picks the per-insert footprint ceiling based on
// the grid's own cell size, per spec.md §4.1.1.
func dynamicMaxCellThreshold(cellSize float64) int {
	switch {
	case cellSize >= 10:
		return 500_000
	case cellSize >= 1:
		return 250_000
	default:
		return 100_000
	}
}

func (g *Grid) cellRange(env geom.Envelope) (minX, minY, maxX, maxY int) {
	minX = int(math.Floor(env.MinX / g.cellSize))
	minY = int(math.Floor(env.MinY / g.cellSize))
	maxX = int(math.Floor(env.MaxX / g.cellSize))
	maxY = int(math.Floor(env.MaxY / g.cellSize))
	return
}

// InsertEnvelope links featureID into the grid under env, applying the
// bounded-footprint strategy from spec.md §4.1.1 when a naive cell-range
// fill would be too large.
func (g *Grid) InsertEnvelope(featureID int64, env geom.Envelope) {
	if env.Empty {
		return
	}
	g.envs[featureID] = env
	g.count++

	minX, minY, maxX, maxY := g.cellRange(env)
	rangeX := maxX - minX + 1
	rangeY := maxY - minY + 1
	footprint := rangeX * rangeY
	threshold := dynamicMaxCellThreshold(g.cellSize)

	if footprint <= threshold {
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				g.addToCell(cellKey{x, y}, featureID)
			}
		}
		return
	}

	if footprint <= threshold*5 {
		g.boundarySample(featureID, env, minX, minY, maxX, maxY, threshold)
		return
	}

	g.nineRepresentativeCells(featureID, env)
}

// boundarySample steps along the four envelope edges at a
// sqrt(threshold)-derived stride, plus the centre cell, deduplicated.
func (g *Grid) boundarySample(featureID int64, env geom.Envelope, minX, minY, maxX, maxY, threshold int) {
	stride := int(math.Sqrt(float64(threshold)))
	if stride < 1 {
		stride = 1
	}

	seen := make(map[cellKey]struct{})
	add := func(x, y int) {
		k := cellKey{x, y}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		g.addToCell(k, featureID)
	}

	for x := minX; x <= maxX; x += stride {
		add(x, minY)
		add(x, maxY)
	}
	add(maxX, minY)
	add(maxX, maxY)
	for y := minY; y <= maxY; y += stride {
		add(minX, y)
		add(maxX, y)
	}
	add(minX, maxY)

	cx := int(math.Floor(env.CenterX() / g.cellSize))
	cy := int(math.Floor(env.CenterY() / g.cellSize))
	add(cx, cy)
}

// nineRepresentativeCells samples a 3x3 pattern around the centre spaced a
// quarter of the envelope's dimensions apart, for footprints so large that
// even boundary sampling would be excessive.
func (g *Grid) nineRepresentativeCells(featureID int64, env geom.Envelope) {
	spacingX := env.Width() / 4
	spacingY := env.Height() / 4
	cx, cy := env.CenterX(), env.CenterY()

	seen := make(map[cellKey]struct{})
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			px := cx + float64(dx)*spacingX
			py := cy + float64(dy)*spacingY
			k := cellKey{int(math.Floor(px / g.cellSize)), int(math.Floor(py / g.cellSize))}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			g.addToCell(k, featureID)
		}
	}
}

func (g *Grid) addToCell(k cellKey, featureID int64) {
	g.cells[k] = append(g.cells[k], featureID)
}

func (g *Grid) Build(ctx context.Context, source feature.Source, layerName string) (BuildResult, error) {
	start := time.Now()
	buildCtx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	next, closeFn, err := source.Stream(buildCtx, layerName)
	if err != nil {
		return BuildResult{}, fmt.Errorf("spatialindex: open layer %q: %w", layerName, err)
	}
	defer closeFn()

	var result BuildResult
	for {
		f, ok, err := next()
		if err != nil {
			return result, fmt.Errorf("spatialindex: stream layer %q: %w", layerName, err)
		}
		if !ok {
			break
		}
		if f.Geom == nil || f.Geom.IsEmpty() || !f.Geom.IsValid() {
			result.Skipped = append(result.Skipped, SkipReason{FeatureID: f.ID, Reason: "invalid or empty geometry"})
			continue
		}
		g.InsertEnvelope(f.ID, f.Geom.Envelope())
		result.Inserted++
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (g *Grid) Query(env geom.Envelope) []int64 {
	if env.Empty {
		return nil
	}
	minX, minY, maxX, maxY := g.cellRange(env)
	seen := make(map[int64]struct{})
	var out []int64
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			for _, id := range g.cells[cellKey{x, y}] {
				if _, ok := seen[id]; ok {
					continue
				}
				if fe, ok := g.envs[id]; ok && fe.Intersects(env) {
					seen[id] = struct{}{}
					out = append(out, id)
				}
			}
		}
	}
	return out
}

func (g *Grid) Count() int { return g.count }

func (g *Grid) Clear() {
	g.cells = make(map[cellKey][]int64)
	g.envs = make(map[int64]geom.Envelope)
	g.count = 0
}

func (g *Grid) EnvelopeOf(id int64) (geom.Envelope, bool) {
	e, ok := g.envs[id]
	return e, ok
}

func (g *Grid) Stats() Stats {
	return Stats{Kind: KindGrid, FeatureCount: g.count, NodeCount: len(g.cells)}
}
