package masking

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"volmask/pkg/stencil"
	"volmask/pkg/volume"
)

// Report summarizes a masking operation.
type Report struct {
	// InsideVoxels and OutsideVoxels partition the grid.
	InsideVoxels  int
	OutsideVoxels int

	// FilledVoxels received the fill value; RetainedVoxels kept their input
	// sample. Together they cover the grid.
	FilledVoxels   int
	RetainedVoxels int

	// RetainedMean and RetainedStdDev describe the retained samples. Both
	// are NaN when fewer than one (mean) or two (deviation) samples were
	// retained.
	RetainedMean   float64
	RetainedStdDev float64
}

// moments accumulates count, mean and sum of squared deviations so partial
// results of independent slices can be merged.
type moments struct {
	n    int
	mean float64
	m2   float64
}

func (a moments) merge(b moments) moments {
	if a.n == 0 {
		return b
	}
	if b.n == 0 {
		return a
	}
	n := a.n + b.n
	delta := b.mean - a.mean
	return moments{
		n:    n,
		mean: a.mean + delta*float64(b.n)/float64(n),
		m2:   a.m2 + b.m2 + delta*delta*float64(a.n)*float64(b.n)/float64(n),
	}
}

// maskedWrite fills dst from input: voxels on the selected side of st get
// fill, the others copy the input sample. Slices are written concurrently;
// each goroutine owns the dst range of its slice.
func maskedWrite[T volume.Sample](dst []T, input *volume.Image[T], st *stencil.Stencil, maskOutside bool, fill T, workers int) (Report, error) {
	e := input.Extent
	nx, ny, nz := e.Dims()

	filled := make([]int, nz)
	partial := make([]moments, nz)

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for k := e[4]; k <= e[5]; k++ {
		k := k // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			kk := k - e[4]
			retained := make([]float64, 0, nx*ny)
			for j := e[2]; j <= e[3]; j++ {
				base := e.Offset(e[0], j, k)
				row := dst[base : base+nx]
				src := input.Samples[base : base+nx]
				copy(row, src)

				// Walk the row as alternating outside/inside spans.
				next := e[0]
				for _, r := range st.Runs(j, k) {
					filled[kk] += fillSpan(row, src, next-e[0], r.Start-e[0], maskOutside, fill, &retained)
					filled[kk] += fillSpan(row, src, r.Start-e[0], r.End+1-e[0], !maskOutside, fill, &retained)
					next = r.End + 1
				}
				filled[kk] += fillSpan(row, src, next-e[0], nx, maskOutside, fill, &retained)
			}
			if len(retained) > 0 {
				mean, variance := stat.MeanVariance(retained, nil)
				m := moments{n: len(retained), mean: mean}
				if len(retained) > 1 {
					m.m2 = variance * float64(len(retained)-1)
				}
				partial[kk] = m
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	var total moments
	rep := Report{RetainedMean: math.NaN(), RetainedStdDev: math.NaN()}
	for kk := range partial {
		rep.FilledVoxels += filled[kk]
		total = total.merge(partial[kk])
	}
	rep.RetainedVoxels = e.NumVoxels() - rep.FilledVoxels
	rep.InsideVoxels = st.Count()
	rep.OutsideVoxels = e.NumVoxels() - rep.InsideVoxels
	if total.n > 0 {
		rep.RetainedMean = total.mean
	}
	if total.n > 1 {
		rep.RetainedStdDev = math.Sqrt(total.m2 / float64(total.n-1))
	}
	return rep, nil
}

// fillSpan handles row[from:to]. When fillIt is set the span is overwritten
// with fill and its length returned; otherwise the (already copied) input
// samples are recorded as retained.
func fillSpan[T volume.Sample](row, src []T, from, to int, fillIt bool, fill T, retained *[]float64) int {
	if from >= to {
		return 0
	}
	if !fillIt {
		for _, v := range src[from:to] {
			*retained = append(*retained, float64(v))
		}
		return 0
	}
	for n := from; n < to; n++ {
		row[n] = fill
	}
	return to - from
}
