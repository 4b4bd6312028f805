// Package feature models the feature-store external collaborator: the
// engine consumes features (id, geometry, attributes) through the Source
// interface and never opens a GDB itself (spec.md §1 treats the real
// feature-store reader as out of scope).
package feature

import (
	"context"

	"github.com/bsaid97/go-geoqc/geom"
)

// Feature is immutable within a validation run: its Geom is owned by the
// Source that produced it and must be released via Close() once the
// consumer is done with it.
type Feature struct {
	ID         int64
	Attributes map[string]any
	Geom       *geom.Geometry
}

func (f Feature) Close() {
	if f.Geom != nil {
		f.Geom.Close()
	}
}

// Source is the feature-store reader contract consumed by the core
// (spec.md §6). A Source is single-reader: callers must not share a cursor
// across goroutines; to restart enumeration, re-open the layer via a fresh
// Stream call.
type Source interface {
	TableExists(ctx context.Context, name string) (bool, error)
	RecordCount(ctx context.Context, name string) (int64, error)
	TableSchema(ctx context.Context, name string) (map[string]string, error)
	LayerExtent(ctx context.Context, name string) (geom.Envelope, error)
	FeatureByID(ctx context.Context, name string, id int64) (*Feature, error)

	// Stream returns a lazy, finite, non-restartable sequence of features
	// for the named layer. The returned function must be called until it
	// returns ok=false or the caller stops early (e.g. on cancellation);
	// either way the caller must invoke the returned close func.
	Stream(ctx context.Context, name string) (next func() (Feature, bool, error), close func(), err error)

	// SetSpatialFilter/ClearSpatialFilter narrow a subsequent Stream call
	// to features intersecting envelope — used by the topology checker's
	// chunked cross-layer passes (spec.md §4.5).
	SetSpatialFilter(name string, env geom.Envelope) error
	ClearSpatialFilter(name string) error
}
