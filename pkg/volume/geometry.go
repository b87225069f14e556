// Package volume describes scalar 3-D images: their index extent, physical
// geometry and sample buffer.
package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"volmask/pkg/transform"
)

var (
	// ErrShapeMismatch is returned when two volumes that must share a grid
	// do not.
	ErrShapeMismatch = errors.New("volume geometry mismatch")

	// ErrInconsistentGeometry is returned when spacing, origin and the
	// IJK-to-RAS matrix of a geometry disagree.
	ErrInconsistentGeometry = errors.New("inconsistent volume geometry")
)

// GeometryTolerance bounds the per-element difference accepted when
// comparing spacing, origin and matrices.
const GeometryTolerance = 1e-6

// Extent is the inclusive index range {iMin, iMax, jMin, jMax, kMin, kMax}.
type Extent [6]int

// NewExtent returns the extent of an nx by ny by nz grid starting at zero.
func NewExtent(nx, ny, nz int) Extent {
	return Extent{0, nx - 1, 0, ny - 1, 0, nz - 1}
}

// Dims returns the number of samples along each axis.
func (e Extent) Dims() (nx, ny, nz int) {
	return max(e[1]-e[0]+1, 0), max(e[3]-e[2]+1, 0), max(e[5]-e[4]+1, 0)
}

// Empty reports whether the extent contains no voxels.
func (e Extent) Empty() bool {
	nx, ny, nz := e.Dims()
	return nx == 0 || ny == 0 || nz == 0
}

// NumVoxels returns the number of voxels in the extent.
func (e Extent) NumVoxels() int {
	nx, ny, nz := e.Dims()
	return nx * ny * nz
}

// Contains reports whether (i, j, k) lies inside the extent.
func (e Extent) Contains(i, j, k int) bool {
	return i >= e[0] && i <= e[1] && j >= e[2] && j <= e[3] && k >= e[4] && k <= e[5]
}

// Offset returns the linear buffer offset of (i, j, k); i varies fastest.
func (e Extent) Offset(i, j, k int) int {
	nx, ny, _ := e.Dims()
	return ((k-e[4])*ny+(j-e[2]))*nx + (i - e[0])
}

// Geometry places an index grid in physical space.
type Geometry struct {
	Extent Extent

	// Spacing is the physical voxel size along i, j and k.
	Spacing r3.Vec

	// Origin is the physical position of index (0, 0, 0).
	Origin r3.Vec

	// IJKToRAS maps continuous index coordinates to physical coordinates.
	IJKToRAS *transform.Matrix
}

// NewGeometry builds a geometry whose IJK-to-RAS matrix is derived from
// spacing, origin and the unit direction of each index axis. A zero
// direction array means axis-aligned.
func NewGeometry(extent Extent, spacing, origin r3.Vec, directions [3]r3.Vec) Geometry {
	if directions == ([3]r3.Vec{}) {
		directions = [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}
	}
	cols := [3]r3.Vec{
		r3.Scale(spacing.X, directions[0]),
		r3.Scale(spacing.Y, directions[1]),
		r3.Scale(spacing.Z, directions[2]),
	}
	linear := [3][3]float64{
		{cols[0].X, cols[1].X, cols[2].X},
		{cols[0].Y, cols[1].Y, cols[2].Y},
		{cols[0].Z, cols[1].Z, cols[2].Z},
	}
	return Geometry{
		Extent:   extent,
		Spacing:  spacing,
		Origin:   origin,
		IJKToRAS: transform.FromLinear(linear, origin),
	}
}

// GeometryFromMatrix derives spacing and origin from an IJK-to-RAS matrix.
func GeometryFromMatrix(extent Extent, ijkToRAS *transform.Matrix) Geometry {
	return Geometry{
		Extent: extent,
		Spacing: r3.Vec{
			X: r3.Norm(ijkToRAS.Column(0)),
			Y: r3.Norm(ijkToRAS.Column(1)),
			Z: r3.Norm(ijkToRAS.Column(2)),
		},
		Origin:   ijkToRAS.Translation(),
		IJKToRAS: ijkToRAS,
	}
}

// IsZero reports whether g is the zero geometry, as carried by a freshly
// created volume that has not been given a grid yet.
func (g Geometry) IsZero() bool {
	return g.Extent == (Extent{}) && g.IJKToRAS == nil && g.Spacing == (r3.Vec{}) && g.Origin == (r3.Vec{})
}

// Validate checks that the matrix columns have the lengths given by Spacing
// and that the matrix translation equals Origin.
func (g Geometry) Validate() error {
	if g.Extent.Empty() {
		return fmt.Errorf("empty extent %v: %w", g.Extent, ErrInconsistentGeometry)
	}
	if g.IJKToRAS == nil {
		return fmt.Errorf("missing IJK-to-RAS matrix: %w", ErrInconsistentGeometry)
	}
	spacing := [3]float64{g.Spacing.X, g.Spacing.Y, g.Spacing.Z}
	for c := 0; c < 3; c++ {
		if n := r3.Norm(g.IJKToRAS.Column(c)); !near(n, spacing[c]) {
			return fmt.Errorf("axis %d: matrix scale %g, spacing %g: %w", c, n, spacing[c], ErrInconsistentGeometry)
		}
	}
	if o := g.IJKToRAS.Translation(); !nearVec(o, g.Origin) {
		return fmt.Errorf("matrix translation %v, origin %v: %w", o, g.Origin, ErrInconsistentGeometry)
	}
	return nil
}

// Matches reports whether g and other describe the same grid.
func (g Geometry) Matches(other Geometry) bool {
	return g.Extent == other.Extent &&
		nearVec(g.Spacing, other.Spacing) &&
		nearVec(g.Origin, other.Origin) &&
		g.IJKToRAS.Equal(other.IJKToRAS, GeometryTolerance)
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= GeometryTolerance
}

func nearVec(a, b r3.Vec) bool {
	return near(a.X, b.X) && near(a.Y, b.Y) && near(a.Z, b.Z)
}
