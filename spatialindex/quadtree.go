package spatialindex

import (
	"context"
	"fmt"
	"time"

	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
)

const (
	// DefaultQuadtreeMaxDepth bounds subdivision (spec.md §4.1).
	DefaultQuadtreeMaxDepth = 10
	// DefaultQuadtreeMaxFeatures is the per-node feature cap before a leaf
	// subdivides (spec.md §4.1).
	DefaultQuadtreeMaxFeatures = 100
)

type quadEntry struct {
	id  int64
	env geom.Envelope
}

type quadNode struct {
	bounds   geom.Envelope
	depth    int
	entries  []quadEntry
	children [4]*quadNode // nw, ne, sw, se; nil until subdivided
}

func (n *quadNode) isLeaf() bool { return n.children[0] == nil }

// Quadtree is a region quadtree (spec.md §4.1): leaves subdivide into four
// quadrants once they exceed maxFeaturesPerNode, up to maxDepth. A feature
// straddling more than one quadrant is duplicated into every quadrant its
// envelope intersects.
type Quadtree struct {
	root               *quadNode
	maxDepth           int
	maxFeaturesPerNode int
	envs               map[int64]geom.Envelope
	count              int
}

// NewQuadtree builds an empty quadtree covering extent.
func NewQuadtree(extent geom.Envelope, maxDepth, maxFeaturesPerNode int) *Quadtree {
	if maxDepth <= 0 {
		maxDepth = DefaultQuadtreeMaxDepth
	}
	if maxFeaturesPerNode <= 0 {
		maxFeaturesPerNode = DefaultQuadtreeMaxFeatures
	}
	if extent.Empty {
		extent = geom.NewEnvelope(-1, -1, 1, 1)
	}
	return &Quadtree{
		root:               &quadNode{bounds: extent, depth: 0},
		maxDepth:           maxDepth,
		maxFeaturesPerNode: maxFeaturesPerNode,
		envs:               make(map[int64]geom.Envelope),
	}
}

func (t *Quadtree) Build(ctx context.Context, source feature.Source, layerName string) (BuildResult, error) {
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
		t.Insert(f.ID, f.Geom.Envelope())
		result.Inserted++
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Insert links featureID into every quadrant of the tree that env
// intersects, subdividing leaves that overflow maxFeaturesPerNode.
func (t *Quadtree) Insert(featureID int64, env geom.Envelope) {
	if env.Empty {
		return
	}
	t.envs[featureID] = env
	t.count++
	t.insertInto(t.root, quadEntry{id: featureID, env: env})
}

func (t *Quadtree) insertInto(n *quadNode, e quadEntry) {
	if !n.isLeaf() {
		for _, c := range n.children {
			if c.bounds.Intersects(e.env) {
				t.insertInto(c, e)
			}
		}
		return
	}

	n.entries = append(n.entries, e)

	if len(n.entries) > t.maxFeaturesPerNode && n.depth < t.maxDepth {
		t.subdivide(n)
	}
}

// subdivide splits a leaf into NW/NE/SW/SE quadrants about its bounds'
// centroid and redistributes its entries. Each entry is reinserted using
// its OWN envelope — not the node's new child envelope — so a feature only
// lands in the quadrants it actually intersects.
func (t *Quadtree) subdivide(n *quadNode) {
	cx := n.bounds.CenterX()
	cy := n.bounds.CenterY()
	nw := geom.NewEnvelope(n.bounds.MinX, cy, cx, n.bounds.MaxY)
	ne := geom.NewEnvelope(cx, cy, n.bounds.MaxX, n.bounds.MaxY)
	sw := geom.NewEnvelope(n.bounds.MinX, n.bounds.MinY, cx, cy)
	se := geom.NewEnvelope(cx, n.bounds.MinY, n.bounds.MaxX, cy)

	n.children[0] = &quadNode{bounds: nw, depth: n.depth + 1}
	n.children[1] = &quadNode{bounds: ne, depth: n.depth + 1}
	n.children[2] = &quadNode{bounds: sw, depth: n.depth + 1}
	n.children[3] = &quadNode{bounds: se, depth: n.depth + 1}

	entries := n.entries
	n.entries = nil
	for _, e := range entries {
		for _, c := range n.children {
			if c.bounds.Intersects(e.env) {
				t.insertInto(c, e)
			}
		}
	}
}

func (t *Quadtree) Query(env geom.Envelope) []int64 {
	if env.Empty {
		return nil
	}
	seen := make(map[int64]struct{})
	var out []int64
	var walk func(n *quadNode)
	walk = func(n *quadNode) {
		if !n.bounds.Intersects(env) {
			return
		}
		if n.isLeaf() {
			for _, e := range n.entries {
				if _, ok := seen[e.id]; ok {
					continue
				}
				if e.env.Intersects(env) {
					seen[e.id] = struct{}{}
					out = append(out, e.id)
				}
			}
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	return out
}

func (t *Quadtree) Count() int { return t.count }

func (t *Quadtree) Clear() {
	t.root = &quadNode{bounds: t.root.bounds, depth: 0}
	t.envs = make(map[int64]geom.Envelope)
	t.count = 0
}

func (t *Quadtree) EnvelopeOf(id int64) (geom.Envelope, bool) {
	e, ok := t.envs[id]
	return e, ok
}

func (t *Quadtree) Stats() Stats {
	nodes, depth := 0, 0
	var walk func(n *quadNode)
	walk = func(n *quadNode) {
		nodes++
		if n.depth > depth {
			depth = n.depth
		}
		if !n.isLeaf() {
			for _, c := range n.children {
				walk(c)
			}
		}
	}
	walk(t.root)
	return Stats{Kind: KindQuadtree, FeatureCount: t.count, NodeCount: nodes, MaxDepth: depth}
}
