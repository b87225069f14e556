package masking

import (
	"volmask/pkg/surface"
	"volmask/pkg/transform"
	"volmask/pkg/volume"
)

// Failure classes of a masking call. Errors returned by Apply wrap one of
// these; test with errors.Is. None of them leaves the output modified.
var (
	ErrDegenerateTransform  = transform.ErrDegenerateTransform
	ErrNotAffine            = transform.ErrNotAffine
	ErrEmptyOrOpenSurface   = surface.ErrEmptyOrOpenSurface
	ErrShapeMismatch        = volume.ErrShapeMismatch
	ErrInvalidFillValue     = volume.ErrInvalidFillValue
	ErrInconsistentGeometry = volume.ErrInconsistentGeometry
)
