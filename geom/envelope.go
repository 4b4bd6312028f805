// Package geom holds the geometry primitives the rest of the engine builds
// on: envelopes and a thin, ownership-explicit wrapper around go-geos.
package geom

import "math"

// Envelope is an axis-aligned bounding rectangle. A zero Envelope with
// Empty set to true carries no bounds; minX/minY/maxX/maxY are never used
// to signal emptiness (inverted bounds are never valid).
type Envelope struct {
	MinX, MinY, MaxX, MaxY float64
	Empty                  bool
}

// EmptyEnvelope returns the canonical empty envelope.
func EmptyEnvelope() Envelope {
	return Envelope{Empty: true}
}

// NewEnvelope builds an envelope from corner coordinates, normalizing
// min/max so the invariant minX<=maxX, minY<=maxY always holds.
func NewEnvelope(x1, y1, x2, y2 float64) Envelope {
	return Envelope{
		MinX: math.Min(x1, x2),
		MinY: math.Min(y1, y2),
		MaxX: math.Max(x1, x2),
		MaxY: math.Max(y1, y2),
	}
}

func (e Envelope) Width() float64 {
	if e.Empty {
		return 0
	}
	return e.MaxX - e.MinX
}

func (e Envelope) Height() float64 {
	if e.Empty {
		return 0
	}
	return e.MaxY - e.MinY
}

func (e Envelope) CenterX() float64 {
	if e.Empty {
		return 0
	}
	return (e.MinX + e.MaxX) / 2
}

func (e Envelope) CenterY() float64 {
	if e.Empty {
		return 0
	}
	return (e.MinY + e.MaxY) / 2
}

// Intersects reports whether e and o share at least one point, conservatively
// (it is the predicate spatial indices use for candidate filtering).
func (e Envelope) Intersects(o Envelope) bool {
	if e.Empty || o.Empty {
		return false
	}
	return e.MinX <= o.MaxX && e.MaxX >= o.MinX && e.MinY <= o.MaxY && e.MaxY >= o.MinY
}

// Contains reports whether o lies entirely within e.
func (e Envelope) Contains(o Envelope) bool {
	if e.Empty || o.Empty {
		return false
	}
	return o.MinX >= e.MinX && o.MaxX <= e.MaxX && o.MinY >= e.MinY && o.MaxY <= e.MaxY
}

// Expand grows the envelope by d in every direction, used when building
// tolerance-padded probe envelopes for duplicate/overlap sweeps.
func (e Envelope) Expand(d float64) Envelope {
	if e.Empty {
		return e
	}
	return Envelope{MinX: e.MinX - d, MinY: e.MinY - d, MaxX: e.MaxX + d, MaxY: e.MaxY + d}
}

// Union returns the smallest envelope containing both e and o.
func (e Envelope) Union(o Envelope) Envelope {
	if e.Empty {
		return o
	}
	if o.Empty {
		return e
	}
	return Envelope{
		MinX: math.Min(e.MinX, o.MinX),
		MinY: math.Min(e.MinY, o.MinY),
		MaxX: math.Max(e.MaxX, o.MaxX),
		MaxY: math.Max(e.MaxY, o.MaxY),
	}
}

// EnlargementArea is the area increase needed for e to also contain o; used
// by the R-tree's insertion choice (least-enlargement, ties broken on area).
func (e Envelope) EnlargementArea(o Envelope) float64 {
	u := e.Union(o)
	return u.Area() - e.Area()
}

func (e Envelope) Area() float64 {
	if e.Empty {
		return 0
	}
	return e.Width() * e.Height()
}
