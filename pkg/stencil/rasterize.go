package stencil

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"volmask/pkg/surface"
	"volmask/pkg/volume"
)

// Tolerance is the distance, in voxels, within which a voxel lying on the
// surface still counts as inside.
const Tolerance = 1e-3

// sampleOffsets are the plane and row offsets at which each slice is
// evaluated; the results are merged.
var sampleOffsets = [2]float64{-Tolerance, Tolerance}

// Rasterize classifies the voxels of extent against a closed mesh whose
// vertices are already expressed in continuous index coordinates.
//
// The mesh is cut by the planes z = k +/- Tolerance of the extent, and each
// contour is scanned along the rows y = j +/- Tolerance. Along a row a voxel
// is inside when it lies between an odd crossing and the next one, widened
// by Tolerance on both ends. A voxel is inside when any of its samples is,
// so the inside range along every axis is closed: a box with corners on the
// lattice covers [lo, hi]. Within a single sample, vertices lying exactly on
// a plane or row line count as below it, so shared vertices and edges are
// crossed exactly once.
// Self-intersecting or non-manifold meshes get the even-odd classification
// of their slices, which is deterministic but not necessarily a solid
// interpretation.
//
// Slices are processed concurrently by up to workers goroutines; each
// writes only its own rows.
func Rasterize(m *surface.Mesh, extent volume.Extent, workers int) (*Stencil, error) {
	s := New(extent)
	if extent.Empty() || m.NumFaces() == 0 {
		return s, nil
	}
	for n, v := range m.Vertices {
		if !finite(v) {
			return nil, fmt.Errorf("vertex %d has non-finite position %v", n, v)
		}
	}

	// Bucket faces by the slices they cross so the work per slice is
	// proportional to the faces it actually intersects.
	_, _, nz := extent.Dims()
	buckets := make([][]int, nz)
	for f := range m.Faces {
		tri := m.Triangle(f)
		zlo := min(tri[0].Z, tri[1].Z, tri[2].Z)
		zhi := max(tri[0].Z, tri[1].Z, tri[2].Z)
		k0 := max(ceilClamp(zlo-Tolerance, extent[4], extent[5]), extent[4])
		k1 := min(ceilClamp(zhi+Tolerance, extent[4], extent[5])-1, extent[5])
		for k := k0; k <= k1; k++ {
			buckets[k-extent[4]] = append(buckets[k-extent[4]], f)
		}
	}

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for k := extent[4]; k <= extent[5]; k++ {
		faces := buckets[k-extent[4]]
		if len(faces) == 0 {
			continue
		}
		k := k // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			s.fillSlice(m, faces, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

// point2 is a contour vertex in the (x, y) plane of a slice.
type point2 struct {
	x, y float64
}

type segment struct {
	a, b point2
}

func (s *Stencil) fillSlice(m *surface.Mesh, faces []int, k int) {
	e := s.extent
	_, ny, _ := e.Dims()
	rows := make([][]Run, ny)

	segs := make([]segment, 0, len(faces))
	for _, dz := range sampleOffsets {
		segs = segs[:0]
		for _, f := range faces {
			seg, ok := cutTriangle(m, m.Faces[f], float64(k)+dz)
			if !ok {
				continue
			}
			// Lower endpoint first so the crossing does not depend on the
			// orientation of the face.
			if seg.b.y < seg.a.y {
				seg.a, seg.b = seg.b, seg.a
			}
			segs = append(segs, seg)
		}
		if len(segs) == 0 {
			continue
		}
		for _, dy := range sampleOffsets {
			for jj, xs := range rowCrossings(segs, dy, e[2], e[3]) {
				if len(xs) < 2 {
					continue
				}
				rows[jj] = mergeRuns(rows[jj], evenOddRuns(xs, e[0], e[1]))
			}
		}
	}

	for jj, runs := range rows {
		if len(runs) > 0 {
			s.rows[s.row(e[2]+jj, k)] = runs
		}
	}
}

// rowCrossings returns, for each row j in [jMin, jMax], the x coordinates at
// which the contour crosses the line y = j + dy.
func rowCrossings(segs []segment, dy float64, jMin, jMax int) [][]float64 {
	crossings := make([][]float64, jMax-jMin+1)
	for _, seg := range segs {
		j0 := max(ceilClamp(seg.a.y-dy, jMin, jMax), jMin)
		j1 := min(ceilClamp(seg.b.y-dy, jMin, jMax)-1, jMax)
		for j := j0; j <= j1; j++ {
			t := (float64(j) + dy - seg.a.y) / (seg.b.y - seg.a.y)
			x := seg.a.x + t*(seg.b.x-seg.a.x)
			crossings[j-jMin] = append(crossings[j-jMin], x)
		}
	}
	return crossings
}

// cutTriangle intersects a face with the plane at height z. It reports false
// when the face lies entirely on one side of the plane.
func cutTriangle(m *surface.Mesh, face [3]int, z float64) (segment, bool) {
	var pts [2]point2
	n := 0
	for e := 0; e < 3; e++ {
		a, b := face[e], face[(e+1)%3]
		va, vb := m.Vertices[a], m.Vertices[b]
		if (va.Z > z) == (vb.Z > z) {
			continue
		}
		// Interpolate from the lower vertex index so the two faces sharing
		// this edge produce bit-identical points.
		if a > b {
			va, vb = vb, va
		}
		t := (z - va.Z) / (vb.Z - va.Z)
		pts[n] = point2{x: va.X + t*(vb.X-va.X), y: va.Y + t*(vb.Y-va.Y)}
		n++
	}
	if n != 2 {
		return segment{}, false
	}
	return segment{a: pts[0], b: pts[1]}, true
}

// evenOddRuns converts the row crossings into inside runs clipped to
// [iMin, iMax]. Each run is widened by Tolerance on both ends. An unmatched
// final crossing is dropped.
func evenOddRuns(xs []float64, iMin, iMax int) []Run {
	sort.Float64s(xs)
	var runs []Run
	for n := 0; n+1 < len(xs); n += 2 {
		start := max(ceilClamp(xs[n]-Tolerance, iMin, iMax), iMin)
		end := min(floorClamp(xs[n+1]+Tolerance, iMin, iMax), iMax)
		if start > end {
			continue
		}
		if last := len(runs) - 1; last >= 0 && runs[last].End+1 >= start {
			runs[last].End = max(runs[last].End, end)
			continue
		}
		runs = append(runs, Run{Start: start, End: end})
	}
	return runs
}

// mergeRuns returns the union of two sorted run lists.
func mergeRuns(a, b []Run) []Run {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	all := append(append(make([]Run, 0, len(a)+len(b)), a...), b...)
	sort.Slice(all, func(x, y int) bool { return all[x].Start < all[y].Start })
	out := all[:1]
	for _, r := range all[1:] {
		if last := &out[len(out)-1]; last.End+1 >= r.Start {
			last.End = max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// ceilClamp rounds v up after clamping it to [lo-1, hi+1] so that huge
// coordinates never overflow int.
func ceilClamp(v float64, lo, hi int) int {
	return int(math.Ceil(min(max(v, float64(lo-1)), float64(hi+1))))
}

func floorClamp(v float64, lo, hi int) int {
	return int(math.Floor(min(max(v, float64(lo-1)), float64(hi+1))))
}

func finite(v r3.Vec) bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
