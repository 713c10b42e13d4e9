// Package tree holds the branch topology the turtle builds and the tropism
// and resource passes consume. A Tree owns every branch through the child
// lists; parent pointers are back-references only.
package tree

import "plantgrow.dev/internal/sim/geom"

// Branch is a single segment. Geometry is start + unit direction + length;
// End derives from them unless tropism curved the segment, in which case
// Curve holds the polyline (both endpoints included) and End is its last
// point.
type Branch struct {
	Start     geom.Vec3
	Direction geom.Vec3
	Length    float32
	Radius    float32

	// Depth is the chain distance from the trunk root (0). A child is
	// always exactly one deeper than its parent.
	Depth int
	// Age in simulated years. The grower loop advances it; nothing else
	// writes it.
	Age int

	// Exposure caches the last computed light value in [0, 1].
	Exposure float32
	Curve    []geom.Vec3

	Parent   *Branch // nil for the root
	Children []*Branch

	Pruned bool
}

// NewBranch builds a detached branch. Direction is normalized and exposure
// starts at full light.
func NewBranch(start, direction geom.Vec3, length, radius float32) *Branch {
	return &Branch{
		Start:     start,
		Direction: direction.Normal(),
		Length:    length,
		Radius:    radius,
		Exposure:  1,
	}
}

// End returns the far endpoint of the segment.
func (b *Branch) End() geom.Vec3 {
	if n := len(b.Curve); n > 0 {
		return b.Curve[n-1]
	}
	return b.Start.Add(b.Direction.MulScalar(b.Length))
}

// AddChild links child under b, setting its parent and depth.
func (b *Branch) AddChild(child *Branch) {
	child.Parent = b
	child.Depth = b.Depth + 1
	b.Children = append(b.Children, child)
}

func (b *Branch) removeChild(child *Branch) {
	for i, c := range b.Children {
		if c == child {
			b.Children = append(b.Children[:i], b.Children[i+1:]...)
			return
		}
	}
}

// PathPoints returns the render polyline for the segment: the tropism curve
// when present, otherwise a straight line sampled at segments+1 points.
func (b *Branch) PathPoints(segments int) []geom.Vec3 {
	if len(b.Curve) > 0 {
		return b.Curve
	}
	if segments < 1 {
		segments = 1
	}
	pts := make([]geom.Vec3, 0, segments+1)
	for i := 0; i <= segments; i++ {
		t := float32(i) / float32(segments)
		pts = append(pts, b.Start.Add(b.Direction.MulScalar(b.Length*t)))
	}
	return pts
}

// Tree is the whole plant. Branches is the flat traversal list in creation
// order; the turtle builds depth-first, so the list is also a preorder walk
// from the root, and Prune rebuilds it that way.
type Tree struct {
	Root     *Branch
	Branches []*Branch
	Age      int
}

// New creates a tree whose root branch starts at the origin pointing up.
func New(segmentLength, segmentRadius float32) *Tree {
	root := NewBranch(geom.Vec3{}, geom.V3(0, 1, 0), segmentLength, segmentRadius)
	return &Tree{Root: root, Branches: []*Branch{root}}
}

// AddBranch links a new branch under parent and registers it in the flat
// list. Depth comes from the parent.
func (t *Tree) AddBranch(parent *Branch, start, direction geom.Vec3, length, radius float32) *Branch {
	b := NewBranch(start, direction, length, radius)
	parent.AddChild(b)
	t.Branches = append(t.Branches, b)
	return b
}

// Len returns the number of live branches.
func (t *Tree) Len() int { return len(t.Branches) }

// MaxDepth returns the deepest branch depth.
func (t *Tree) MaxDepth() int {
	max := 0
	for _, b := range t.Branches {
		if b.Depth > max {
			max = b.Depth
		}
	}
	return max
}

// Prune detaches every branch whose flat-list index is marked, then rebuilds
// the flat list by preorder walk from the root, dropping each detached
// branch's whole subtree with it. The root is never detached. It returns the
// previous flat-list indices of the survivors in rebuilt order, so callers
// can compact parallel per-branch state, plus the number of branches
// removed. A call marking nothing returns (nil, 0) and leaves the list
// untouched.
func (t *Tree) Prune(marked []bool) (survivors []int, removed int) {
	prev := make(map[*Branch]int, len(t.Branches))
	for i, b := range t.Branches {
		prev[b] = i
	}

	detached := false
	for i, b := range t.Branches {
		if i >= len(marked) || !marked[i] || b.Parent == nil {
			continue
		}
		b.Pruned = true
		b.Parent.removeChild(b)
		detached = true
	}
	if !detached {
		return nil, 0
	}

	before := len(t.Branches)
	rebuilt := make([]*Branch, 0, before)
	survivors = make([]int, 0, before)
	var walk func(*Branch)
	walk = func(b *Branch) {
		rebuilt = append(rebuilt, b)
		survivors = append(survivors, prev[b])
		for _, c := range b.Children {
			walk(c)
		}
	}
	walk(t.Root)

	t.Branches = rebuilt
	return survivors, before - len(rebuilt)
}
