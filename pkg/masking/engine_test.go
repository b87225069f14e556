package masking

import (
	"bytes"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"volmask/pkg/surface"
	"volmask/pkg/transform"
	"volmask/pkg/volume"
)

// newTestVolume returns a 10x10x10 unit-spacing volume whose samples are
// 2000 + linear offset, so no sample collides with the fill values used
// below.
func newTestVolume(t *testing.T) *volume.Image[int16] {
	t.Helper()
	g := volume.NewGeometry(volume.NewExtent(10, 10, 10), r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, [3]r3.Vec{})
	im := volume.New[int16](g)
	for n := range im.Samples {
		im.Samples[n] = int16(2000 + n)
	}
	require.NoError(t, im.Validate())
	return im
}

// sphere3 approximates the radius-3 sphere at (5,5,5). The tessellation is
// inscribed, so it is inflated just enough for lattice points at distance
// exactly 3 that are not mesh vertices, such as (6,7,7), to fall inside it.
func sphere3() *surface.Mesh {
	return surface.Sphere(r3.Vec{X: 5, Y: 5, Z: 5}, 3.05, 64, 32)
}

func within3(i, j, k int) bool {
	return (i-5)*(i-5)+(j-5)*(j-5)+(k-5)*(k-5) <= 9
}

func quietEngine() *Engine {
	return NewEngine(WithWorkers(3), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
}

func TestMaskOutsideSphere(t *testing.T) {
	in := newTestVolume(t)
	orig := in.Clone()

	out, err := MaskVolumeWithSegment(in, sphere3(), true, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, orig.Samples, in.Samples, "input must not change")

	for k := 0; k < 10; k++ {
		for j := 0; j < 10; j++ {
			for i := 0; i < 10; i++ {
				if within3(i, j, k) {
					assert.Equal(t, orig.At(i, j, k), out.At(i, j, k))
				} else {
					assert.Equal(t, int16(-1), out.At(i, j, k))
				}
			}
		}
	}
}

func TestMaskInsideSphere(t *testing.T) {
	in := newTestVolume(t)
	res, err := Apply(quietEngine(), Request[int16]{Input: in, Surface: sphere3(), FillValue: 999})
	require.NoError(t, err)

	inside := 0
	for k := 0; k < 10; k++ {
		for j := 0; j < 10; j++ {
			for i := 0; i < 10; i++ {
				if within3(i, j, k) {
					inside++
					assert.Equal(t, int16(999), res.Image.At(i, j, k))
				} else {
					assert.Equal(t, in.At(i, j, k), res.Image.At(i, j, k))
				}
			}
		}
	}
	assert.Equal(t, Report{
		InsideVoxels:   inside,
		OutsideVoxels:  1000 - inside,
		FilledVoxels:   inside,
		RetainedVoxels: 1000 - inside,
		RetainedMean:   res.Report.RetainedMean,
		RetainedStdDev: res.Report.RetainedStdDev,
	}, res.Report)
	assert.False(t, math.IsNaN(res.Report.RetainedMean))
}

func TestSphereAxisExtremesTreatedAlike(t *testing.T) {
	in := newTestVolume(t)
	sphere := surface.Sphere(r3.Vec{X: 5, Y: 5, Z: 5}, 3, 64, 32)

	out, err := MaskVolumeWithSegment(in, sphere, true, -1, nil)
	require.NoError(t, err)
	for _, p := range [][3]int{{2, 5, 5}, {8, 5, 5}, {5, 2, 5}, {5, 8, 5}, {5, 5, 2}, {5, 5, 8}} {
		assert.Equal(t, in.At(p[0], p[1], p[2]), out.At(p[0], p[1], p[2]), "voxel %v", p)
	}
	assert.Equal(t, int16(-1), out.At(9, 5, 5))
	assert.Equal(t, int16(-1), out.At(5, 5, 1))
}

func TestBoxOnLatticeKeepsBothFaces(t *testing.T) {
	in := newTestVolume(t)
	box := surface.Box(r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{X: 7, Y: 7, Z: 7})

	res, err := Apply(quietEngine(), Request[int16]{Input: in, Surface: box, MaskOutside: true, FillValue: -1})
	require.NoError(t, err)
	assert.Equal(t, 216, res.Report.InsideVoxels)
	assert.Equal(t, in.At(2, 2, 2), res.Image.At(2, 2, 2))
	assert.Equal(t, in.At(7, 7, 7), res.Image.At(7, 7, 7))
	assert.Equal(t, int16(-1), res.Image.At(8, 7, 7))
}

func TestFlagSymmetryPartitionsGrid(t *testing.T) {
	in := newTestVolume(t)
	outside, err := MaskVolumeWithSegment(in, sphere3(), true, -1, nil)
	require.NoError(t, err)
	inside, err := MaskVolumeWithSegment(in, sphere3(), false, 999, nil)
	require.NoError(t, err)

	for n := range in.Samples {
		filledOutside := outside.Samples[n] == -1
		filledInside := inside.Samples[n] == 999
		assert.True(t, filledOutside != filledInside, "voxel %d filled by both or neither run", n)
		if !filledOutside {
			assert.Equal(t, in.Samples[n], outside.Samples[n])
		}
		if !filledInside {
			assert.Equal(t, in.Samples[n], inside.Samples[n])
		}
	}
}

func TestReportMatchesRetainedSamples(t *testing.T) {
	in := newTestVolume(t)
	res, err := Apply(quietEngine(), Request[int16]{Input: in, Surface: sphere3(), MaskOutside: true, FillValue: 0})
	require.NoError(t, err)

	var sum, sumSq float64
	n := 0
	for idx, v := range res.Image.Samples {
		if v == 0 {
			continue
		}
		x := float64(in.Samples[idx])
		sum += x
		sumSq += x * x
		n++
	}
	mean := sum / float64(n)
	std := math.Sqrt((sumSq - float64(n)*mean*mean) / float64(n-1))

	assert.Equal(t, n, res.Report.RetainedVoxels)
	assert.Equal(t, 1000-n, res.Report.FilledVoxels)
	assert.InDelta(t, mean, res.Report.RetainedMean, 1e-9)
	assert.InDelta(t, std, res.Report.RetainedStdDev, 1e-6)
}

func TestSurfaceTransformEqualsPreTransformedSurface(t *testing.T) {
	g := volume.NewGeometry(volume.NewExtent(12, 10, 8), r3.Vec{X: 0.75, Y: 0.75, Z: 1.5},
		r3.Vec{X: -4, Y: 2, Z: 1}, [3]r3.Vec{{Y: 1}, {X: -1}, {Z: 1}})
	in := volume.New[float32](g)
	for n := range in.Samples {
		in.Samples[n] = float32(n) * 0.5
	}

	local := surface.Sphere(r3.Vec{}, 2.6, 48, 24)
	toWorld := transform.Translation(r3.Vec{X: -7.1, Y: 6.2, Z: 6.3}).
		Mul(transform.Rotation(r3.Vec{X: 1, Y: 2, Z: 3}, 0.4)).
		Mul(transform.Scaling(r3.Vec{X: 1.2, Y: 0.8, Z: 1}))

	withTransform := &surface.Mesh{Vertices: local.Vertices, Faces: local.Faces, ToWorld: toWorld}
	preApplied := local.Transformed(toWorld)

	a, err := Apply(quietEngine(), Request[float32]{Input: in, Surface: withTransform, MaskOutside: true, FillValue: -5})
	require.NoError(t, err)
	b, err := Apply(quietEngine(), Request[float32]{Input: in, Surface: preApplied, MaskOutside: true, FillValue: -5})
	require.NoError(t, err)

	assert.Equal(t, a.Image.Samples, b.Image.Samples)
	assert.Greater(t, a.Report.RetainedVoxels, 0)
	assert.Greater(t, a.Report.FilledVoxels, 0)
}

func TestGeometryPreserved(t *testing.T) {
	g := volume.NewGeometry(volume.NewExtent(6, 7, 8), r3.Vec{X: 0.5, Y: 0.6, Z: 2},
		r3.Vec{X: 1, Y: 2, Z: 3}, [3]r3.Vec{})
	in := volume.New[uint8](g)
	box := surface.Box(r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 3, Y: 4, Z: 10})

	for _, maskOutside := range []bool{true, false} {
		for _, fill := range []float64{0, 255} {
			out, err := MaskVolumeWithSegment(in, box, maskOutside, fill, nil)
			require.NoError(t, err)
			assert.Equal(t, in.Extent, out.Extent)
			assert.Equal(t, in.Spacing, out.Spacing)
			assert.Equal(t, in.Origin, out.Origin)
			assert.True(t, in.IJKToRAS.Equal(out.IJKToRAS, 0))
		}
	}
}

func TestInPlaceCumulativeMasking(t *testing.T) {
	in := newTestVolume(t)
	orig := in.Clone()
	buf := in.Samples

	left := surface.Box(r3.Vec{X: -1, Y: -1, Z: -1}, r3.Vec{X: 2.5, Y: 11, Z: 11})
	right := surface.Box(r3.Vec{X: 6.5, Y: -1, Z: -1}, r3.Vec{X: 11, Y: 11, Z: 11})

	res, err := Apply(quietEngine(), Request[int16]{Input: in, Surface: left, FillValue: -7, Output: in})
	require.NoError(t, err)
	assert.Same(t, in, res.Image)
	res, err = Apply(quietEngine(), Request[int16]{Input: in, Surface: right, FillValue: -7, Output: in})
	require.NoError(t, err)
	assert.Equal(t, 600, countValue(in.Samples, -7))

	// the caller's buffer is updated, not replaced
	assert.Equal(t, &buf[0], &in.Samples[0])
	for k := 0; k < 10; k++ {
		for j := 0; j < 10; j++ {
			for i := 3; i <= 6; i++ {
				assert.Equal(t, orig.At(i, j, k), in.At(i, j, k))
			}
		}
	}
}

func TestOutputTargets(t *testing.T) {
	in := newTestVolume(t)
	box := surface.Box(r3.Vec{X: 1.5, Y: 1.5, Z: 1.5}, r3.Vec{X: 4.5, Y: 4.5, Z: 4.5})

	t.Run("fresh node adopts geometry", func(t *testing.T) {
		out := &volume.Image[int16]{}
		res, err := Apply(quietEngine(), Request[int16]{Input: in, Surface: box, MaskOutside: true, Output: out})
		require.NoError(t, err)
		assert.Same(t, out, res.Image)
		assert.False(t, res.HadDisplay)
		assert.True(t, out.Geometry.Matches(in.Geometry))
		assert.Equal(t, 27, 1000-countValue(out.Samples, 0))
	})

	t.Run("matching volume keeps display", func(t *testing.T) {
		out := volume.New[int16](in.Geometry)
		out.Display = &volume.Display{ColorTable: "Ocean", Window: 10, Level: 5}
		res, err := Apply(quietEngine(), Request[int16]{Input: in, Surface: box, FillValue: 1, Output: out})
		require.NoError(t, err)
		assert.True(t, res.HadDisplay)
		assert.Equal(t, "Ocean", out.Display.ColorTable)
		assert.Equal(t, 27, countValue(out.Samples, 1))
	})

	t.Run("nil output has no display", func(t *testing.T) {
		res, err := Apply(quietEngine(), Request[int16]{Input: in, Surface: box})
		require.NoError(t, err)
		assert.False(t, res.HadDisplay)
		assert.Nil(t, res.Image.Display)
		assert.True(t, volume.EnsureDisplay(res.Image))
	})
}

func TestDisjointSurfaceLeavesOneSide(t *testing.T) {
	in := newTestVolume(t)
	far := surface.Box(r3.Vec{X: 50, Y: 50, Z: 50}, r3.Vec{X: 60, Y: 60, Z: 60})

	res, err := Apply(quietEngine(), Request[int16]{Input: in, Surface: far, MaskOutside: false, FillValue: 5})
	require.NoError(t, err)
	assert.Equal(t, in.Samples, res.Image.Samples)
	assert.Equal(t, 0, res.Report.InsideVoxels)

	res, err = Apply(quietEngine(), Request[int16]{Input: in, Surface: far, MaskOutside: true, FillValue: 5})
	require.NoError(t, err)
	assert.Equal(t, 1000, countValue(res.Image.Samples, 5))
	assert.True(t, math.IsNaN(res.Report.RetainedMean))
}

func TestErrorsLeaveOutputUntouched(t *testing.T) {
	zeroScale := transform.FromLinear([3][3]float64{}, r3.Vec{})
	degenerate := sphere3()
	degenerate.ToWorld = zeroScale
	zeroValue := sphere3()
	zeroValue.ToWorld = &transform.Matrix{}

	open := surface.Box(r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{X: 3, Y: 3, Z: 3})
	open.Faces = open.Faces[:11]

	cases := []struct {
		name    string
		surf    *surface.Mesh
		fill    float64
		mutate  func(in, out *volume.Image[int16])
		wantErr error
	}{
		{name: "degenerate surface transform", surf: degenerate, wantErr: ErrDegenerateTransform},
		{name: "zero-value surface transform", surf: zeroValue, wantErr: ErrDegenerateTransform},
		{name: "open surface", surf: open, wantErr: ErrEmptyOrOpenSurface},
		{name: "empty surface", surf: &surface.Mesh{}, wantErr: ErrEmptyOrOpenSurface},
		{name: "nil surface", surf: nil, wantErr: ErrEmptyOrOpenSurface},
		{name: "fill above int16", surf: sphere3(), fill: 40000, wantErr: ErrInvalidFillValue},
		{name: "fractional fill", surf: sphere3(), fill: 0.5, wantErr: ErrInvalidFillValue},
		{
			name: "output grid differs", surf: sphere3(), wantErr: ErrShapeMismatch,
			mutate: func(_, out *volume.Image[int16]) {
				out.Geometry = volume.NewGeometry(volume.NewExtent(10, 10, 9), r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, [3]r3.Vec{})
				out.Samples = out.Samples[:900]
			},
		},
		{
			name: "output spacing differs", surf: sphere3(), wantErr: ErrShapeMismatch,
			mutate: func(_, out *volume.Image[int16]) {
				out.Geometry = volume.NewGeometry(out.Extent, r3.Vec{X: 2, Y: 1, Z: 1}, r3.Vec{}, [3]r3.Vec{})
			},
		},
		{
			name: "degenerate image matrix", surf: sphere3(), wantErr: ErrDegenerateTransform,
			mutate: func(in, out *volume.Image[int16]) {
				in.Geometry = volume.NewGeometry(in.Extent, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, [3]r3.Vec{{X: 1}, {X: 1}, {Z: 1}})
				out.Geometry = in.Geometry
			},
		},
		{
			name: "inconsistent input", surf: sphere3(), wantErr: ErrInconsistentGeometry,
			mutate: func(in, _ *volume.Image[int16]) { in.Spacing.X = 4 },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := newTestVolume(t)
			out := volume.New[int16](in.Geometry)
			out.Fill(123)
			if tc.mutate != nil {
				tc.mutate(in, out)
			}
			before := out.Clone()

			res, err := Apply(quietEngine(), Request[int16]{
				Input:       in,
				Surface:     tc.surf,
				MaskOutside: true,
				FillValue:   tc.fill,
				Output:      out,
			})
			require.ErrorIs(t, err, tc.wantErr)
			assert.Nil(t, res)
			assert.Equal(t, before, out)
		})
	}
}

func TestNilInput(t *testing.T) {
	_, err := MaskVolumeWithSegment[uint16](nil, sphere3(), true, 0, nil)
	assert.ErrorIs(t, err, ErrInconsistentGeometry)
}

func TestMomentsMerge(t *testing.T) {
	a := moments{n: 2, mean: 1, m2: 2} // {0, 2}
	b := moments{n: 2, mean: 5, m2: 2} // {4, 6}
	m := a.merge(b)
	assert.Equal(t, 4, m.n)
	assert.InDelta(t, 3, m.mean, 1e-12)
	assert.InDelta(t, 20, m.m2, 1e-12)
	assert.Equal(t, a, a.merge(moments{}))
	assert.Equal(t, b, moments{}.merge(b))
}

func countValue[T volume.Sample](samples []T, v T) int {
	n := 0
	for _, s := range samples {
		if s == v {
			n++
		}
	}
	return n
}
