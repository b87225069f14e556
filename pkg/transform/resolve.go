package transform

import "fmt"

// ModelToIndex returns the transform that carries points expressed in a
// surface's local frame to continuous (unrounded) IJK coordinates of a
// volume.
//
// indexToPhysical is the volume's IJK-to-RAS matrix. localToWorld is the
// transform attached to the surface; nil means the surface already lives in
// world coordinates. Either matrix being singular, including the zero
// Matrix, yields ErrDegenerateTransform; that check comes before the test
// for an affine last row.
func ModelToIndex(indexToPhysical, localToWorld *Matrix) (*Matrix, error) {
	if indexToPhysical == nil {
		return nil, fmt.Errorf("volume has no IJK-to-RAS matrix: %w", ErrDegenerateTransform)
	}
	if err := indexToPhysical.checkAffine(); err != nil {
		return nil, fmt.Errorf("IJK-to-RAS matrix: %w", err)
	}

	worldToLocal := Identity()
	if localToWorld != nil {
		if err := localToWorld.checkAffine(); err != nil {
			return nil, fmt.Errorf("surface transform: %w", err)
		}
		inv, err := localToWorld.Inverse()
		if err != nil {
			return nil, fmt.Errorf("surface transform: %w", err)
		}
		worldToLocal = inv
	}

	indexToLocal := worldToLocal.Mul(indexToPhysical)
	localToIndex, err := indexToLocal.Inverse()
	if err != nil {
		return nil, fmt.Errorf("IJK-to-RAS matrix: %w", err)
	}
	return localToIndex, nil
}
