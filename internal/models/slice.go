package models

import (
	"image"
)

// Slice represents a single image of a slice stack with metadata
type Slice struct {
	// Image is the actual slice image data
	Image image.Image

	// Index is the position of this slice in the sequence
	Index int

	// Filename is the original filename of the slice
	Filename string

	// Position is the physical position of the slice along the stack axis
	Position float64
}

// Size returns the width and height of the slice image.
func (s Slice) Size() (width, height int) {
	b := s.Image.Bounds()
	return b.Dx(), b.Dy()
}
