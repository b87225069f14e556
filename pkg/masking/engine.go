// Package masking overwrites the voxels of a volume that lie inside, or
// outside, a closed surface with a fill value while leaving the other side
// untouched.
//
// The surface is carried into the volume's index space (see
// transform.ModelToIndex), rasterized into a stencil, and the stencil gates a
// copy of the input samples into the output. All preconditions are checked
// before any output sample is written, and the result is assembled in a
// scratch buffer that is committed only once complete, so the output may be
// the input itself.
package masking

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"volmask/pkg/stencil"
	"volmask/pkg/surface"
	"volmask/pkg/transform"
	"volmask/pkg/volume"
)

// Request bundles the parameters of one masking operation.
type Request[T volume.Sample] struct {
	// Input supplies the grid and the samples that are kept.
	Input *volume.Image[T]

	// Surface is the closed masking surface, with its optional
	// local-to-world transform.
	Surface *surface.Mesh

	// MaskOutside selects the filled side: true fills voxels outside the
	// surface, false fills voxels inside.
	MaskOutside bool

	// FillValue is written to the selected side. It must be representable
	// by T.
	FillValue float64

	// Output receives the result. Nil allocates a new image; a volume with
	// zero geometry adopts the input grid; otherwise its geometry must match
	// the input's. Output may be Input for cumulative masking.
	Output *volume.Image[T]
}

// Result is the outcome of a successful masking operation.
type Result[T volume.Sample] struct {
	Image *volume.Image[T]

	// HadDisplay reports whether the output already carried a display
	// descriptor. Hosts attach a default one when it did not.
	HadDisplay bool

	Report Report

	// Stencil is the rasterized surface on the input grid.
	Stencil *stencil.Stencil
}

// Engine runs masking requests.
type Engine struct {
	workers int
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of goroutines used for rasterization and
// the masked write. Values below 1 mean one.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = max(n, 1) }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine returns an engine using every CPU by default.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		workers: runtime.NumCPU(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs one masking request. A nil engine uses NewEngine defaults.
func Apply[T volume.Sample](e *Engine, req Request[T]) (*Result[T], error) {
	if e == nil {
		e = NewEngine()
	}
	start := time.Now()

	// Step 1: preconditions. Nothing below this block may fail after the
	// output has been touched.
	if req.Input == nil {
		return nil, fmt.Errorf("no input volume: %w", ErrInconsistentGeometry)
	}
	if err := req.Input.Validate(); err != nil {
		return nil, fmt.Errorf("input volume: %w", err)
	}
	if err := req.Surface.Validate(); err != nil {
		return nil, fmt.Errorf("masking surface: %w", err)
	}
	fill, err := volume.ConvertFill[T](req.FillValue)
	if err != nil {
		return nil, err
	}
	if err := checkOutput(req.Input, req.Output); err != nil {
		return nil, err
	}

	// Step 2: surface frame to index frame.
	localToIndex, err := transform.ModelToIndex(req.Input.IJKToRAS, req.Surface.ToWorld)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("resolved surface-to-index transform", "matrix", localToIndex.String())

	// Step 3: rasterize the transformed surface on the input grid.
	indexSurface := req.Surface.Transformed(localToIndex)
	st, err := stencil.Rasterize(indexSurface, req.Input.Extent, e.workers)
	if err != nil {
		return nil, fmt.Errorf("rasterize surface: %w", err)
	}
	e.logger.Debug("rasterized surface",
		"faces", indexSurface.NumFaces(),
		"insideVoxels", st.Count())

	// Step 4: masked write into scratch.
	scratch := make([]T, len(req.Input.Samples))
	report, err := maskedWrite(scratch, req.Input, st, req.MaskOutside, fill, e.workers)
	if err != nil {
		return nil, err
	}

	// Step 5: commit.
	res := &Result[T]{Report: report, Stencil: st}
	if out := req.Output; out != nil {
		res.HadDisplay = out.Display != nil
		if len(out.Samples) == len(scratch) {
			copy(out.Samples, scratch)
		} else {
			out.Samples = scratch
		}
		out.Geometry = req.Input.Geometry
		res.Image = out
	} else {
		res.Image = &volume.Image[T]{Geometry: req.Input.Geometry, Samples: scratch}
	}

	e.logger.Info("masked volume",
		"maskOutside", req.MaskOutside,
		"fill", req.FillValue,
		"filled", report.FilledVoxels,
		"retained", report.RetainedVoxels,
		"elapsed", time.Since(start))
	return res, nil
}

// checkOutput verifies that output can receive a result on input's grid.
func checkOutput[T volume.Sample](input, output *volume.Image[T]) error {
	if output == nil || output == input {
		return nil
	}
	if output.Geometry.IsZero() && len(output.Samples) == 0 {
		return nil
	}
	if !output.Geometry.Matches(input.Geometry) {
		return fmt.Errorf("output extent %v, input extent %v: %w", output.Extent, input.Extent, ErrShapeMismatch)
	}
	if len(output.Samples) != len(input.Samples) {
		return fmt.Errorf("output has %d samples, input %d: %w", len(output.Samples), len(input.Samples), ErrShapeMismatch)
	}
	return nil
}

// MaskVolumeWithSegment fills the voxels of input on the selected side of
// surf with fillValue and returns the masked volume. output may be nil, a
// fresh volume, a volume on the same grid, or input itself.
func MaskVolumeWithSegment[T volume.Sample](input *volume.Image[T], surf *surface.Mesh, maskOutside bool, fillValue float64, output *volume.Image[T]) (*volume.Image[T], error) {
	res, err := Apply(NewEngine(), Request[T]{
		Input:       input,
		Surface:     surf,
		MaskOutside: maskOutside,
		FillValue:   fillValue,
		Output:      output,
	})
	if err != nil {
		return nil, err
	}
	return res.Image, nil
}
