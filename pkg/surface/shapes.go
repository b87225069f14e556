package surface

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Sphere returns a closed UV sphere with outward-facing triangles. slices is
// the number of segments around the z axis, stacks the number of segments
// from pole to pole; they are raised to 3 and 2 respectively.
//
// Vertices lie on the sphere, so the tessellation is inscribed: every point
// of the mesh is within radius of center but flat faces cut slightly inside.
func Sphere(center r3.Vec, radius float64, slices, stacks int) *Mesh {
	slices = max(slices, 3)
	stacks = max(stacks, 2)

	m := &Mesh{}
	m.Vertices = append(m.Vertices, r3.Add(center, r3.Vec{Z: radius}))
	for s := 1; s < stacks; s++ {
		phi := math.Pi * float64(s) / float64(stacks)
		for i := 0; i < slices; i++ {
			theta := 2 * math.Pi * float64(i) / float64(slices)
			m.Vertices = append(m.Vertices, r3.Add(center, r3.Vec{
				X: radius * math.Sin(phi) * math.Cos(theta),
				Y: radius * math.Sin(phi) * math.Sin(theta),
				Z: radius * math.Cos(phi),
			}))
		}
	}
	m.Vertices = append(m.Vertices, r3.Add(center, r3.Vec{Z: -radius}))
	south := len(m.Vertices) - 1

	ring := func(s, i int) int { return 1 + (s-1)*slices + i%slices }

	for i := 0; i < slices; i++ {
		m.Faces = append(m.Faces, [3]int{0, ring(1, i), ring(1, i+1)})
	}
	for s := 1; s < stacks-1; s++ {
		for i := 0; i < slices; i++ {
			a, b := ring(s, i), ring(s, i+1)
			c, d := ring(s+1, i+1), ring(s+1, i)
			m.Faces = append(m.Faces, [3]int{a, d, c}, [3]int{a, c, b})
		}
	}
	for i := 0; i < slices; i++ {
		m.Faces = append(m.Faces, [3]int{ring(stacks-1, i), south, ring(stacks-1, i+1)})
	}
	return m
}

// Box returns the closed axis-aligned box spanning lo..hi.
func Box(lo, hi r3.Vec) *Mesh {
	m := &Mesh{Vertices: make([]r3.Vec, 8)}
	for c := 0; c < 8; c++ {
		v := lo
		if c&1 != 0 {
			v.X = hi.X
		}
		if c&2 != 0 {
			v.Y = hi.Y
		}
		if c&4 != 0 {
			v.Z = hi.Z
		}
		m.Vertices[c] = v
	}
	m.Faces = [][3]int{
		{0, 2, 3}, {0, 3, 1}, // -z
		{4, 5, 7}, {4, 7, 6}, // +z
		{0, 1, 5}, {0, 5, 4}, // -y
		{2, 6, 7}, {2, 7, 3}, // +y
		{0, 4, 6}, {0, 6, 2}, // -x
		{1, 3, 7}, {1, 7, 5}, // +x
	}
	return m
}
