package surface

import (
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// weldPoint is a vertex stored in the welding tree.
type weldPoint struct {
	pos   r3.Vec
	index int
}

func (p weldPoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.pos.X
	case 1:
		return p.pos.Y
	default:
		return p.pos.Z
	}
}

// Compare implements kdtree.Comparable.
func (p weldPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coord(d) - c.(weldPoint).coord(d)
}

// Dims implements kdtree.Comparable.
func (p weldPoint) Dims() int { return 3 }

// Distance implements kdtree.Comparable and returns the squared distance.
func (p weldPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.pos, c.(weldPoint).pos))
}

// FromTriangles builds an indexed mesh from a triangle soup, merging
// vertices closer than tol. Triangle soups (such as STL files) repeat each
// shared vertex per face; merging is what lets Validate see shared edges.
// Triangles that collapse to fewer than three distinct vertices are dropped.
func FromTriangles(tris [][3]r3.Vec, tol float64) *Mesh {
	m := &Mesh{}
	tree := &kdtree.Tree{}
	tol2 := tol * tol

	lookup := func(v r3.Vec) int {
		q := weldPoint{pos: v}
		if tree.Root != nil {
			if near, d := tree.Nearest(q); near != nil && d <= tol2 {
				return near.(weldPoint).index
			}
		}
		q.index = len(m.Vertices)
		m.Vertices = append(m.Vertices, v)
		tree.Insert(q, false)
		return q.index
	}

	for _, tri := range tris {
		face := [3]int{lookup(tri[0]), lookup(tri[1]), lookup(tri[2])}
		if face[0] == face[1] || face[1] == face[2] || face[0] == face[2] {
			continue
		}
		m.Faces = append(m.Faces, face)
	}
	return m
}
