// Package stencil holds binary voxel classifications stored as runs of
// inside voxels per grid row, and the rasterizer that produces them from
// closed triangle meshes.
package stencil

import (
	"sort"

	"volmask/pkg/volume"
)

// Run is an inclusive range of inside voxels along i.
type Run struct {
	Start, End int
}

// Stencil classifies every voxel of an extent as inside or outside.
// Rows are indexed by (j, k); each row holds sorted, disjoint runs.
type Stencil struct {
	extent volume.Extent
	rows   [][]Run
}

// New returns a stencil over extent with every voxel outside.
func New(extent volume.Extent) *Stencil {
	_, ny, nz := extent.Dims()
	return &Stencil{
		extent: extent,
		rows:   make([][]Run, ny*nz),
	}
}

// Extent returns the extent the stencil covers.
func (s *Stencil) Extent() volume.Extent {
	return s.extent
}

func (s *Stencil) row(j, k int) int {
	_, ny, _ := s.extent.Dims()
	return (k-s.extent[4])*ny + (j - s.extent[2])
}

// Runs returns the inside runs of row (j, k). The slice must not be
// modified.
func (s *Stencil) Runs(j, k int) []Run {
	if j < s.extent[2] || j > s.extent[3] || k < s.extent[4] || k > s.extent[5] {
		return nil
	}
	return s.rows[s.row(j, k)]
}

// Inside reports whether voxel (i, j, k) is inside. Voxels outside the
// extent are never inside.
func (s *Stencil) Inside(i, j, k int) bool {
	if !s.extent.Contains(i, j, k) {
		return false
	}
	runs := s.rows[s.row(j, k)]
	n := sort.Search(len(runs), func(n int) bool { return runs[n].End >= i })
	return n < len(runs) && runs[n].Start <= i
}

// Count returns the number of inside voxels.
func (s *Stencil) Count() int {
	total := 0
	for _, runs := range s.rows {
		for _, r := range runs {
			total += r.End - r.Start + 1
		}
	}
	return total
}

// SliceMask returns the inside flags of slice k, i varying fastest.
func (s *Stencil) SliceMask(k int) []bool {
	nx, ny, _ := s.extent.Dims()
	mask := make([]bool, nx*ny)
	for j := s.extent[2]; j <= s.extent[3]; j++ {
		for _, r := range s.Runs(j, k) {
			base := (j-s.extent[2])*nx - s.extent[0]
			for i := r.Start; i <= r.End; i++ {
				mask[base+i] = true
			}
		}
	}
	return mask
}
