package spatialindex

import (
	"context"
	"fmt"
	"time"

	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/geom"
)

// DefaultRTreeCapacity is the R-tree node capacity M from spec.md §4.1.
const DefaultRTreeCapacity = 16

type rtreeEntry struct {
	env   geom.Envelope
	id    int64   // leaf entry: feature id
	child *rtreeNode // internal entry: child node
}

type rtreeNode struct {
	leaf    bool
	entries []rtreeEntry
}

func (n *rtreeNode) envelope() geom.Envelope {
	env := geom.EmptyEnvelope()
	for _, e := range n.entries {
		env = env.Union(e.env)
	}
	return env
}

// RTree is an R-tree spatial index (spec.md §4.1): node capacity M, minimum
// occupancy ceil(M/2), least-enlargement-area insertion with an
// equal-halves split policy.
type RTree struct {
	capacity int
	minFill  int
	root     *rtreeNode
	envs     map[int64]geom.Envelope
	count    int
}

// NewRTree builds an empty R-tree with the given node capacity.
func NewRTree(capacity int) *RTree {
	if capacity < 4 {
		capacity = DefaultRTreeCapacity
	}
	minFill := (capacity + 1) / 2
	return &RTree{
		capacity: capacity,
		minFill:  minFill,
		root:     &rtreeNode{leaf: true},
		envs:     make(map[int64]geom.Envelope),
	}
}

func (t *RTree) Build(ctx context.Context, source feature.Source, layerName string) (BuildResult, error) {
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

// Insert links featureID into the tree under env, splitting nodes that
// overflow the node capacity.
func (t *RTree) Insert(featureID int64, env geom.Envelope) {
	if env.Empty {
		return
	}
	t.envs[featureID] = env
	t.count++

	leaf, path := t.chooseLeaf(env)
	leaf.entries = append(leaf.entries, rtreeEntry{env: env, id: featureID})

	t.adjustTree(leaf, path)
}

// chooseLeaf descends the tree choosing, at every level, the child whose
// envelope requires the least enlargement to accommodate env (ties broken
// by smaller resulting area). It returns the chosen leaf and the path of
// ancestor nodes from root (exclusive of leaf) for split propagation.
func (t *RTree) chooseLeaf(env geom.Envelope) (*rtreeNode, []*rtreeNode) {
	var path []*rtreeNode
	n := t.root
	for !n.leaf {
		path = append(path, n)
		best := -1
		var bestEnlargement, bestArea float64
		for i, e := range n.entries {
			enlargement := e.env.EnlargementArea(env)
			area := e.env.Area()
			if best == -1 || enlargement < bestEnlargement || (enlargement == bestEnlargement && area < bestArea) {
				best = i
				bestEnlargement = enlargement
				bestArea = area
			}
		}
		if best == -1 {
			// Empty internal node (shouldn't normally happen); treat as leaf.
			break
		}
		n.entries[best].env = n.entries[best].env.Union(env)
		n = n.entries[best].child
	}
	return n, path
}

// adjustTree walks back up from leaf, splitting any node that has overflowed
// past capacity, and recomputing ancestor envelopes.
func (t *RTree) adjustTree(n *rtreeNode, path []*rtreeNode) {
	for len(n.entries) > t.capacity {
		n1, n2 := t.splitNode(n)
		if len(path) == 0 {
			// n was root: make a new root with two children.
			newRoot := &rtreeNode{leaf: false, entries: []rtreeEntry{
				{env: n1.envelope(), child: n1},
				{env: n2.envelope(), child: n2},
			}}
			t.root = newRoot
			return
		}
		parent := path[len(path)-1]
		path = path[:len(path)-1]
		for i := range parent.entries {
			if parent.entries[i].child == n {
				parent.entries[i] = rtreeEntry{env: n1.envelope(), child: n1}
				parent.entries = append(parent.entries, rtreeEntry{env: n2.envelope(), child: n2})
				break
			}
		}
		n = parent
	}
	// Propagate envelope recomputation up the remaining path.
	for i := len(path) - 1; i >= 0; i-- {
		parent := path[i]
		var child *rtreeNode
		if i+1 < len(path) {
			child = path[i+1]
		} else {
			child = n
		}
		for j := range parent.entries {
			if parent.entries[j].child == child {
				parent.entries[j].env = child.envelope()
			}
		}
	}
}

// splitNode implements the equal-halves split policy: entries keep their
// current order and are divided into two equal (±1) groups.
func (t *RTree) splitNode(n *rtreeNode) (*rtreeNode, *rtreeNode) {
	mid := len(n.entries) / 2
	n1 := &rtreeNode{leaf: n.leaf, entries: append([]rtreeEntry{}, n.entries[:mid]...)}
	n2 := &rtreeNode{leaf: n.leaf, entries: append([]rtreeEntry{}, n.entries[mid:]...)}
	if len(n1.entries) < t.minFill && len(n2.entries) > 0 {
		// Borrow one entry to keep minimum occupancy where possible.
		n1.entries = append(n1.entries, n2.entries[0])
		n2.entries = n2.entries[1:]
	}
	return n1, n2
}

func (t *RTree) Query(env geom.Envelope) []int64 {
	if env.Empty {
		return nil
	}
	var out []int64
	var walk func(n *rtreeNode)
	walk = func(n *rtreeNode) {
		for _, e := range n.entries {
			if !e.env.Intersects(env) {
				continue
			}
			if n.leaf {
				out = append(out, e.id)
			} else {
				walk(e.child)
			}
		}
	}
	walk(t.root)
	return out
}

func (t *RTree) Count() int { return t.count }

func (t *RTree) Clear() {
	t.root = &rtreeNode{leaf: true}
	t.envs = make(map[int64]geom.Envelope)
	t.count = 0
}

func (t *RTree) EnvelopeOf(id int64) (geom.Envelope, bool) {
	e, ok := t.envs[id]
	return e, ok
}

func (t *RTree) Stats() Stats {
	nodes, depth := 0, 0
	var walk func(n *rtreeNode, d int)
	walk = func(n *rtreeNode, d int) {
		nodes++
		if d > depth {
			depth = d
		}
		if !n.leaf {
			for _, e := range n.entries {
				walk(e.child, d+1)
			}
		}
	}
	walk(t.root, 0)
	return Stats{Kind: KindRTree, FeatureCount: t.count, NodeCount: nodes, MaxDepth: depth}
}
