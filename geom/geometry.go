package geom

import (
	"fmt"

	"github.com/twpayne/go-geos"
)

// Type is the closed set of geometry types the engine reasons about.
type Type int

const (
	TypeUnknown Type = iota
	TypePoint
	TypeMultiPoint
	TypeLineString
	TypeMultiLineString
	TypePolygon
	TypeMultiPolygon
)

func (t Type) String() string {
	switch t {
	case TypePoint:
		return "POINT"
	case TypeMultiPoint:
		return "MULTIPOINT"
	case TypeLineString:
		return "LINESTRING"
	case TypeMultiLineString:
		return "MULTILINESTRING"
	case TypePolygon:
		return "POLYGON"
	case TypeMultiPolygon:
		return "MULTIPOLYGON"
	default:
		return "UNKNOWN"
	}
}

// typeFromGEOS maps GEOS geometry type ids (as reported by go-geos) to our
// closed Type set.
func typeFromGEOS(id int) Type {
	switch id {
	case 0:
		return TypePoint
	case 1:
		return TypeLineString
	case 3:
		return TypePolygon
	case 4:
		return TypeMultiPoint
	case 5:
		return TypeMultiLineString
	case 6:
		return TypeMultiPolygon
	default:
		return TypeUnknown
	}
}

// Geometry wraps a *geos.Geom with explicit single ownership: the producer
// of a Geometry is responsible for Close()ing it, clones are explicit via
// Clone(). Geometries are never shared mutably across goroutines; handoff
// between stages always clones.
type Geometry struct {
	g *geos.Geom
}

// Wrap adopts ownership of an existing *geos.Geom.
func Wrap(g *geos.Geom) *Geometry {
	if g == nil {
		return nil
	}
	return &Geometry{g: g}
}

func FromWKT(wkt string) (*Geometry, error) {
	g, err := geos.NewGeomFromWKT(wkt)
	if err != nil {
		return nil, fmt.Errorf("geom: parse WKT: %w", err)
	}
	return Wrap(g), nil
}

func FromGeoJSON(js string) (*Geometry, error) {
	g, err := geos.NewGeomFromGeoJSON(js)
	if err != nil {
		return nil, fmt.Errorf("geom: parse GeoJSON: %w", err)
	}
	return Wrap(g), nil
}

// Raw exposes the underlying go-geos handle for packages that need it
// (spatial index construction, topology predicates beyond this wrapper's
// surface). Callers must not Destroy() it directly; use Close().
func (gm *Geometry) Raw() *geos.Geom { return gm.g }

func (gm *Geometry) Close() {
	if gm == nil || gm.g == nil {
		return
	}
	gm.g.Destroy()
	gm.g = nil
}

func (gm *Geometry) Clone() *Geometry {
	if gm == nil || gm.g == nil {
		return nil
	}
	return Wrap(gm.g.Clone())
}

func (gm *Geometry) Type() Type {
	if gm == nil || gm.g == nil {
		return TypeUnknown
	}
	return typeFromGEOS(gm.g.TypeID())
}

func (gm *Geometry) WKT() string {
	if gm == nil || gm.g == nil {
		return ""
	}
	return gm.g.ToWKT()
}

func (gm *Geometry) Envelope() Envelope {
	if gm == nil || gm.g == nil {
		return EmptyEnvelope()
	}
	b := gm.g.Bounds()
	if b == nil {
		return EmptyEnvelope()
	}
	return NewEnvelope(b.MinX, b.MinY, b.MaxX, b.MaxY)
}

func (gm *Geometry) IsValid() bool {
	return gm != nil && gm.g != nil && gm.g.IsValid()
}

func (gm *Geometry) ValidReason() string {
	if gm == nil || gm.g == nil {
		return "null geometry"
	}
	return gm.g.IsValidReason()
}

func (gm *Geometry) IsEmpty() bool {
	return gm == nil || gm.g == nil || gm.g.IsEmpty()
}

func (gm *Geometry) Area() float64 {
	if gm == nil || gm.g == nil {
		return 0
	}
	return gm.g.Area()
}

func (gm *Geometry) Length() float64 {
	if gm == nil || gm.g == nil {
		return 0
	}
	return gm.g.Length()
}

// PointCount returns the total number of vertices across all rings/parts.
func (gm *Geometry) PointCount() int {
	if gm == nil || gm.g == nil {
		return 0
	}
	total := 0
	n := gm.g.NumGeometries()
	if n <= 1 {
		return countRings(gm.g)
	}
	for i := 0; i < n; i++ {
		total += countRings(gm.g.Geometry(i))
	}
	return total
}

func countRings(g *geos.Geom) int {
	if g == nil {
		return 0
	}
	switch typeFromGEOS(g.TypeID()) {
	case TypePolygon:
		total := 0
		if ext := g.ExteriorRing(); ext != nil {
			total += ext.CoordSeq().Size()
		}
		for i := 0; i < g.NumInteriorRings(); i++ {
			total += g.InteriorRing(i).CoordSeq().Size()
		}
		return total
	default:
		if cs := g.CoordSeq(); cs != nil {
			return cs.Size()
		}
		return 0
	}
}

func (gm *Geometry) Distance(o *Geometry) float64 {
	if gm == nil || o == nil || gm.g == nil || o.g == nil {
		return 0
	}
	return gm.g.Distance(o.g)
}

func (gm *Geometry) Intersects(o *Geometry) bool {
	return gm != nil && o != nil && gm.g != nil && o.g != nil && gm.g.Intersects(o.g)
}

func (gm *Geometry) Touches(o *Geometry) bool {
	return gm != nil && o != nil && gm.g != nil && o.g != nil && gm.g.Touches(o.g)
}

func (gm *Geometry) Crosses(o *Geometry) bool {
	return gm != nil && o != nil && gm.g != nil && o.g != nil && gm.g.Crosses(o.g)
}

func (gm *Geometry) Within(o *Geometry) bool {
	return gm != nil && o != nil && gm.g != nil && o.g != nil && gm.g.Within(o.g)
}

func (gm *Geometry) Contains(o *Geometry) bool {
	return gm != nil && o != nil && gm.g != nil && o.g != nil && gm.g.Contains(o.g)
}

func (gm *Geometry) Overlaps(o *Geometry) bool {
	return gm != nil && o != nil && gm.g != nil && o.g != nil && gm.g.Overlaps(o.g)
}

func (gm *Geometry) Equals(o *Geometry) bool {
	return gm != nil && o != nil && gm.g != nil && o.g != nil && gm.g.Equals(o.g)
}

func (gm *Geometry) Disjoint(o *Geometry) bool {
	return gm != nil && o != nil && gm.g != nil && o.g != nil && gm.g.Disjoint(o.g)
}

// Intersection returns a new owned Geometry; caller must Close() it.
func (gm *Geometry) Intersection(o *Geometry) *Geometry {
	if gm == nil || o == nil || gm.g == nil || o.g == nil {
		return nil
	}
	return Wrap(gm.g.Intersection(o.g))
}

func (gm *Geometry) Union(o *Geometry) *Geometry {
	if gm == nil || o == nil || gm.g == nil || o.g == nil {
		return nil
	}
	return Wrap(gm.g.Union(o.g))
}

func (gm *Geometry) Difference(o *Geometry) *Geometry {
	if gm == nil || o == nil || gm.g == nil || o.g == nil {
		return nil
	}
	return Wrap(gm.g.Difference(o.g))
}

func (gm *Geometry) Simplify(tolerance float64) *Geometry {
	if gm == nil || gm.g == nil {
		return nil
	}
	return Wrap(gm.g.Simplify(tolerance))
}

// PointOnSurface returns a point guaranteed to lie inside the geometry for
// polygonal types. If go-geos cannot produce one (degenerate or empty
// geometries) it returns ok=false and callers pick their own fallback.
func (gm *Geometry) PointOnSurface() (x, y float64, ok bool) {
	if gm == nil || gm.g == nil {
		return 0, 0, false
	}
	p := gm.g.PointOnSurface()
	if p == nil {
		return 0, 0, false
	}
	defer p.Destroy()
	cs := p.CoordSeq()
	if cs == nil || cs.Size() == 0 {
		return 0, 0, false
	}
	return cs.X(0), cs.Y(0), true
}

func (gm *Geometry) Centroid() (x, y float64, ok bool) {
	if gm == nil || gm.g == nil {
		return 0, 0, false
	}
	c := gm.g.Centroid()
	if c == nil {
		return 0, 0, false
	}
	defer c.Destroy()
	cs := c.CoordSeq()
	if cs == nil || cs.Size() == 0 {
		return 0, 0, false
	}
	return cs.X(0), cs.Y(0), true
}

// FirstVertex returns the first coordinate of the geometry, used as the
// error location for points/lines per spec (pointOnSurface is reserved for
// polygons).
func (gm *Geometry) FirstVertex() (x, y float64, ok bool) {
	if gm == nil || gm.g == nil {
		return 0, 0, false
	}
	g := gm.g
	if g.NumGeometries() > 1 {
		g = g.Geometry(0)
	}
	var cs *geos.CoordSeq
	if typeFromGEOS(g.TypeID()) == TypePolygon {
		if ext := g.ExteriorRing(); ext != nil {
			cs = ext.CoordSeq()
		}
	} else {
		cs = g.CoordSeq()
	}
	if cs == nil || cs.Size() == 0 {
		return 0, 0, false
	}
	return cs.X(0), cs.Y(0), true
}

// Boundary returns the topological boundary of the geometry (the ring for
// a polygon, the two endpoints for a line), owned by the caller.
func (gm *Geometry) Boundary() *Geometry {
	if gm == nil || gm.g == nil {
		return nil
	}
	return Wrap(gm.g.Boundary())
}

// DistanceToBoundary returns the distance from gm to other's boundary, the
// border-defect predicate spec.md §9's open question #2 asks for
// (distance(defect, sourceBoundary) < tolerance).
func (gm *Geometry) DistanceToBoundary(other *Geometry) (float64, bool) {
	if gm == nil || gm.g == nil || other == nil || other.g == nil {
		return 0, false
	}
	b := other.Boundary()
	if b == nil || b.IsEmpty() {
		return 0, false
	}
	defer b.Close()
	return gm.Distance(b), true
}

// MidVertex returns the coordinate at the middle index of the geometry's
// vertex sequence, used as the error location for the "no interaction"
// case in spec.md §4.5's line-polygon check (FirstVertex is reserved for
// the hit case's fallback).
func (gm *Geometry) MidVertex() (x, y float64, ok bool) {
	if gm == nil || gm.g == nil {
		return 0, 0, false
	}
	g := gm.g
	if g.NumGeometries() > 1 {
		g = g.Geometry(0)
	}
	var cs *geos.CoordSeq
	if typeFromGEOS(g.TypeID()) == TypePolygon {
		if ext := g.ExteriorRing(); ext != nil {
			cs = ext.CoordSeq()
		}
	} else {
		cs = g.CoordSeq()
	}
	if cs == nil || cs.Size() == 0 {
		return 0, 0, false
	}
	mid := cs.Size() / 2
	return cs.X(mid), cs.Y(mid), true
}

// NumGeometries returns the part count (1 for non-collection types).
func (gm *Geometry) NumGeometries() int {
	if gm == nil || gm.g == nil {
		return 0
	}
	return gm.g.NumGeometries()
}

// Part returns the i-th part as an unowned view (must not be Close()d
// independently of the parent).
func (gm *Geometry) Part(i int) *Geometry {
	if gm == nil || gm.g == nil {
		return nil
	}
	return &Geometry{g: gm.g.Geometry(i)}
}
