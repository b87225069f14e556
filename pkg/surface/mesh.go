// Package surface holds closed triangle meshes used as masking regions.
package surface

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"volmask/pkg/transform"
)

// ErrEmptyOrOpenSurface is returned for meshes without faces or with
// boundary edges, for which inside and outside are not defined.
var ErrEmptyOrOpenSurface = errors.New("surface is empty or not closed")

// Mesh is a triangulated surface expressed in its own local frame.
type Mesh struct {
	// Vertices are the vertex positions in the local frame.
	Vertices []r3.Vec

	// Faces index into Vertices, three per triangle.
	Faces [][3]int

	// ToWorld maps the local frame to world (RAS) coordinates. Nil means
	// the local frame already is world space.
	ToWorld *transform.Matrix
}

// NumFaces returns the number of triangles.
func (m *Mesh) NumFaces() int {
	if m == nil {
		return 0
	}
	return len(m.Faces)
}

// Validate checks face indices and that the mesh is closed: every undirected
// edge must be shared by an even number of faces. Non-manifold edges used by
// four or more faces are tolerated.
func (m *Mesh) Validate() error {
	if m.NumFaces() == 0 {
		return fmt.Errorf("mesh has no faces: %w", ErrEmptyOrOpenSurface)
	}

	type edge struct{ a, b int }
	uses := make(map[edge]int, len(m.Faces)*3/2)
	for f, face := range m.Faces {
		for _, v := range face {
			if v < 0 || v >= len(m.Vertices) {
				return fmt.Errorf("face %d references vertex %d of %d", f, v, len(m.Vertices))
			}
		}
		for e := 0; e < 3; e++ {
			a, b := face[e], face[(e+1)%3]
			if a > b {
				a, b = b, a
			}
			uses[edge{a, b}]++
		}
	}

	open := 0
	for _, n := range uses {
		if n%2 != 0 {
			open++
		}
	}
	if open > 0 {
		return fmt.Errorf("%d boundary edges: %w", open, ErrEmptyOrOpenSurface)
	}
	return nil
}

// Transformed returns a copy of the mesh with every vertex mapped through t.
// Faces are shared with the receiver; the result has no ToWorld transform.
func (m *Mesh) Transformed(t *transform.Matrix) *Mesh {
	out := &Mesh{
		Vertices: make([]r3.Vec, len(m.Vertices)),
		Faces:    m.Faces,
	}
	for i, v := range m.Vertices {
		out.Vertices[i] = t.Apply(v)
	}
	return out
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (m *Mesh) Bounds() r3.Box {
	if len(m.Vertices) == 0 {
		return r3.Box{}
	}
	b := r3.Box{Min: m.Vertices[0], Max: m.Vertices[0]}
	for _, v := range m.Vertices[1:] {
		b.Min = r3.Vec{X: min(b.Min.X, v.X), Y: min(b.Min.Y, v.Y), Z: min(b.Min.Z, v.Z)}
		b.Max = r3.Vec{X: max(b.Max.X, v.X), Y: max(b.Max.Y, v.Y), Z: max(b.Max.Z, v.Z)}
	}
	return b
}

// Triangle returns the three vertex positions of face f.
func (m *Mesh) Triangle(f int) [3]r3.Vec {
	face := m.Faces[f]
	return [3]r3.Vec{m.Vertices[face[0]], m.Vertices[face[1]], m.Vertices[face[2]]}
}
