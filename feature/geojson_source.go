package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bsaid97/go-geoqc/geom"
)

// geoJSONFeature mirrors the teacher's FeatureCollection/Feature structs
// from main.go, generalized from "MultiPolygon only" to every geometry
// type the engine validates.
type geoJSONFeature struct {
	Type       string                 `json:"type"`
	Geometry   json.RawMessage        `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type geoJSONFeatureCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

type layer struct {
	features []Feature
	extent   geom.Envelope
	schema   map[string]string
	filter   *geom.Envelope
}

// GeoJSONSource is an in-memory Source backed by one GeoJSON
// FeatureCollection per layer name. It stands in for a real GDB reader,
// which spec.md §1 treats as an external collaborator outside this core.
type GeoJSONSource struct {
	mu     sync.Mutex
	layers map[string]*layer
}

func NewGeoJSONSource() *GeoJSONSource {
	return &GeoJSONSource{layers: make(map[string]*layer)}
}

// LoadLayer parses a GeoJSON FeatureCollection and registers it under name.
// Features whose geometry cannot be parsed or is empty are skipped with their
// index recorded in the returned skipped slice; geometrically invalid but
// parseable geometries are kept for the validity checks (pre-validation errors, surfaced by callers
// per spec.md §4.1's "skipped with a logged reason").
func (s *GeoJSONSource) LoadLayer(name string, data []byte) (skipped []int, err error) {
	var fc geoJSONFeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("feature: parse feature collection %q: %w", name, err)
	}

	feats := make([]Feature, 0, len(fc.Features))
	extent := geom.EmptyEnvelope()
	nextID := int64(1)

	for i, gf := range fc.Features {
		g, err := geom.FromGeoJSON(string(gf.Geometry))
		if err != nil || g == nil || g.IsEmpty() {
			skipped = append(skipped, i)
			continue
		}
		id := nextID
		if oid, ok := gf.Properties["OBJECTID"]; ok {
			if f, ok := oid.(float64); ok {
				id = int64(f)
			}
		}
		nextID++
		feats = append(feats, Feature{ID: id, Attributes: gf.Properties, Geom: g})
		extent = extent.Union(g.Envelope())
	}

	s.mu.Lock()
	s.layers[name] = &layer{features: feats, extent: extent, schema: inferSchema(feats)}
	s.mu.Unlock()
	return skipped, nil
}

func inferSchema(feats []Feature) map[string]string {
	schema := make(map[string]string)
	for _, f := range feats {
		for k, v := range f.Attributes {
			if _, ok := schema[k]; ok {
				continue
			}
			switch v.(type) {
			case float64:
				schema[k] = "float64"
			case string:
				schema[k] = "string"
			case bool:
				schema[k] = "bool"
			default:
				schema[k] = "any"
			}
		}
	}
	return schema
}

func (s *GeoJSONSource) TableExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.layers[name]
	return ok, nil
}

func (s *GeoJSONSource) RecordCount(ctx context.Context, name string) (int64, error) {
	l, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return int64(len(l.features)), nil
}

func (s *GeoJSONSource) TableSchema(ctx context.Context, name string) (map[string]string, error) {
	l, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return l.schema, nil
}

func (s *GeoJSONSource) LayerExtent(ctx context.Context, name string) (geom.Envelope, error) {
	l, err := s.get(name)
	if err != nil {
		return geom.EmptyEnvelope(), err
	}
	return l.extent, nil
}

func (s *GeoJSONSource) FeatureByID(ctx context.Context, name string, id int64) (*Feature, error) {
	l, err := s.get(name)
	if err != nil {
		return nil, err
	}
	for _, f := range l.features {
		if f.ID == id {
			return &f, nil
		}
	}
	return nil, nil
}

func (s *GeoJSONSource) Stream(ctx context.Context, name string) (func() (Feature, bool, error), func(), error) {
	l, err := s.get(name)
	if err != nil {
		return nil, nil, err
	}
	idx := 0
	next := func() (Feature, bool, error) {
		if ctx.Err() != nil {
			return Feature{}, false, ctx.Err()
		}
		for idx < len(l.features) {
			f := l.features[idx]
			idx++
			if l.filter != nil && !f.Geom.Envelope().Intersects(*l.filter) {
				continue
			}
			return f, true, nil
		}
		return Feature{}, false, nil
	}
	return next, func() {}, nil
}

func (s *GeoJSONSource) SetSpatialFilter(name string, env geom.Envelope) error {
	l, err := s.get(name)
	if err != nil {
		return err
	}
	l.filter = &env
	return nil
}

func (s *GeoJSONSource) ClearSpatialFilter(name string) error {
	l, err := s.get(name)
	if err != nil {
		return err
	}
	l.filter = nil
	return nil
}

func (s *GeoJSONSource) get(name string) (*layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[name]
	if !ok {
		return nil, fmt.Errorf("feature: unknown layer %q", name)
	}
	return l, nil
}
