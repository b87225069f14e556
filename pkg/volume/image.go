package volume

import (
	"fmt"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Sample is the set of scalar types a volume can hold.
type Sample interface {
	constraints.Integer | constraints.Float
}

// Image is a scalar volume. Samples are stored with i varying fastest,
// then j, then k, covering Geometry.Extent.
type Image[T Sample] struct {
	Geometry

	Samples []T

	// Display is the optional visualization descriptor. The masking core
	// never reads it; hosts attach one with EnsureDisplay.
	Display *Display
}

// New allocates a zero-filled image on the given grid.
func New[T Sample](g Geometry) *Image[T] {
	return &Image[T]{
		Geometry: g,
		Samples:  make([]T, g.Extent.NumVoxels()),
	}
}

// Validate checks the geometry and that the sample buffer covers the extent.
func (im *Image[T]) Validate() error {
	if err := im.Geometry.Validate(); err != nil {
		return err
	}
	if n := im.Extent.NumVoxels(); len(im.Samples) != n {
		return fmt.Errorf("%d samples for %d voxels: %w", len(im.Samples), n, ErrInconsistentGeometry)
	}
	return nil
}

// At returns the sample at (i, j, k).
func (im *Image[T]) At(i, j, k int) T {
	return im.Samples[im.Extent.Offset(i, j, k)]
}

// Set stores v at (i, j, k).
func (im *Image[T]) Set(i, j, k int, v T) {
	im.Samples[im.Extent.Offset(i, j, k)] = v
}

// Fill sets every sample to v.
func (im *Image[T]) Fill(v T) {
	for n := range im.Samples {
		im.Samples[n] = v
	}
}

// Clone returns a deep copy. The display descriptor is copied by value.
func (im *Image[T]) Clone() *Image[T] {
	out := &Image[T]{
		Geometry: im.Geometry,
		Samples:  make([]T, len(im.Samples)),
	}
	copy(out.Samples, im.Samples)
	if im.Display != nil {
		d := *im.Display
		out.Display = &d
	}
	return out
}

// SizeBytes returns the size of the sample buffer in bytes.
func (im *Image[T]) SizeBytes() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero)) * uint64(len(im.Samples))
}
