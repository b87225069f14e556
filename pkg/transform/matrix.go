// Package transform provides the 4x4 affine matrices used to move points
// between a surface's local frame, physical (RAS) space and the IJK index
// space of a volume.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrDegenerateTransform is returned when a matrix that has to be
	// inverted is singular or contains non-finite elements.
	ErrDegenerateTransform = errors.New("degenerate transform")

	// ErrNotAffine is returned for homogeneous matrices whose last row is
	// not (0, 0, 0, 1).
	ErrNotAffine = errors.New("transform is not affine")
)

// Matrix is a 4x4 homogeneous affine transform stored row-major.
// A Matrix is immutable once constructed. The zero Matrix behaves as the
// all-zero matrix, so inverting it yields ErrDegenerateTransform.
type Matrix struct {
	m *mat.Dense
}

var zeroDense = mat.NewDense(4, 4, nil)

func (a *Matrix) dense() *mat.Dense {
	if a == nil || a.m == nil {
		return zeroDense
	}
	return a.m
}

// Identity returns the identity transform.
func Identity() *Matrix {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return &Matrix{m: m}
}

// New builds a matrix from 16 row-major elements. A last row other than
// (0, 0, 0, 1) yields ErrNotAffine, or ErrDegenerateTransform when the
// matrix is also singular. Singular affine matrices are accepted.
func New(rowMajor []float64) (*Matrix, error) {
	if len(rowMajor) != 16 {
		return nil, fmt.Errorf("expected 16 matrix elements, got %d", len(rowMajor))
	}
	data := make([]float64, 16)
	copy(data, rowMajor)

	a := &Matrix{m: mat.NewDense(4, 4, data)}
	if !a.IsAffine() {
		if err := a.checkInvertible(); err != nil {
			return nil, fmt.Errorf("last row %v: %w", data[12:], err)
		}
		return nil, fmt.Errorf("last row %v: %w", data[12:], ErrNotAffine)
	}
	return a, nil
}

// FromLinear builds an affine transform from a 3x3 linear part (row-major)
// and a translation.
func FromLinear(linear [3][3]float64, translation r3.Vec) *Matrix {
	a := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.m.Set(r, c, linear[r][c])
		}
	}
	a.m.Set(0, 3, translation.X)
	a.m.Set(1, 3, translation.Y)
	a.m.Set(2, 3, translation.Z)
	return a
}

// Translation returns a pure translation by v.
func Translation(v r3.Vec) *Matrix {
	return FromLinear([3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, v)
}

// Scaling returns an axis-aligned scale by s.
func Scaling(s r3.Vec) *Matrix {
	return FromLinear([3][3]float64{{s.X, 0, 0}, {0, s.Y, 0}, {0, 0, s.Z}}, r3.Vec{})
}

// Rotation returns a rotation of angle radians about axis (Rodrigues form).
// A zero axis yields the identity.
func Rotation(axis r3.Vec, angle float64) *Matrix {
	n := r3.Norm(axis)
	if n == 0 {
		return Identity()
	}
	u := r3.Scale(1/n, axis)
	c, s := math.Cos(angle), math.Sin(angle)
	t := 1 - c
	return FromLinear([3][3]float64{
		{t*u.X*u.X + c, t*u.X*u.Y - s*u.Z, t*u.X*u.Z + s*u.Y},
		{t*u.X*u.Y + s*u.Z, t*u.Y*u.Y + c, t*u.Y*u.Z - s*u.X},
		{t*u.X*u.Z - s*u.Y, t*u.Y*u.Z + s*u.X, t*u.Z*u.Z + c},
	}, r3.Vec{})
}

// At returns the element at row r, column c.
func (a *Matrix) At(r, c int) float64 {
	return a.dense().At(r, c)
}

// RowMajor returns a copy of the 16 matrix elements.
func (a *Matrix) RowMajor() []float64 {
	out := make([]float64, 16)
	copy(out, a.dense().RawMatrix().Data)
	return out
}

// IsAffine reports whether the last row is exactly (0, 0, 0, 1).
func (a *Matrix) IsAffine() bool {
	d := a.dense()
	return d.At(3, 0) == 0 && d.At(3, 1) == 0 && d.At(3, 2) == 0 && d.At(3, 3) == 1
}

// checkInvertible returns ErrDegenerateTransform for matrices with NaN or
// Inf elements or a zero determinant.
func (a *Matrix) checkInvertible() error {
	d := a.dense()
	for _, v := range d.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite element %v: %w", v, ErrDegenerateTransform)
		}
	}
	if det := mat.Det(d); det == 0 {
		return fmt.Errorf("zero determinant: %w", ErrDegenerateTransform)
	}
	return nil
}

// checkAffine reports singular matrices as degenerate before looking at
// the homogeneous row.
func (a *Matrix) checkAffine() error {
	if err := a.checkInvertible(); err != nil {
		return err
	}
	if !a.IsAffine() {
		return ErrNotAffine
	}
	return nil
}

// Mul returns the composition a·b, i.e. b is applied first.
func (a *Matrix) Mul(b *Matrix) *Matrix {
	var out mat.Dense
	out.Mul(a.dense(), b.dense())
	return &Matrix{m: &out}
}

// Inverse returns the inverse transform. Singular matrices, matrices with
// NaN or Inf elements and matrices too ill-conditioned for gonum to invert
// yield ErrDegenerateTransform.
func (a *Matrix) Inverse() (*Matrix, error) {
	if err := a.checkInvertible(); err != nil {
		return nil, err
	}

	var inv mat.Dense
	if err := inv.Inverse(a.dense()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateTransform, err)
	}

	// Keep the homogeneous row exact so the result stays affine.
	inv.Set(3, 0, 0)
	inv.Set(3, 1, 0)
	inv.Set(3, 2, 0)
	inv.Set(3, 3, 1)
	return &Matrix{m: &inv}, nil
}

// Apply transforms point p.
func (a *Matrix) Apply(p r3.Vec) r3.Vec {
	d := a.dense().RawMatrix().Data
	return r3.Vec{
		X: d[0]*p.X + d[1]*p.Y + d[2]*p.Z + d[3],
		Y: d[4]*p.X + d[5]*p.Y + d[6]*p.Z + d[7],
		Z: d[8]*p.X + d[9]*p.Y + d[10]*p.Z + d[11],
	}
}

// Column returns column c (0..2) of the linear part.
func (a *Matrix) Column(c int) r3.Vec {
	d := a.dense()
	return r3.Vec{X: d.At(0, c), Y: d.At(1, c), Z: d.At(2, c)}
}

// Translation returns the translation part.
func (a *Matrix) Translation() r3.Vec {
	d := a.dense()
	return r3.Vec{X: d.At(0, 3), Y: d.At(1, 3), Z: d.At(2, 3)}
}

// Equal reports whether every element of a and b differs by at most tol.
func (a *Matrix) Equal(b *Matrix, tol float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return mat.EqualApprox(a.dense(), b.dense(), tol)
}

func (a *Matrix) String() string {
	return fmt.Sprintf("%v", mat.Formatted(a.dense(), mat.Squeeze()))
}
