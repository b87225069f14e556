// Package pipeline runs the masking workflow on files: a slice stack is
// loaded as a volume, masked with an STL surface and written back as a
// slice stack.
package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/spatial/r3"

	"volmask/internal/models"
	"volmask/pkg/masking"
	"volmask/pkg/stencil"
	"volmask/pkg/stl"
	"volmask/pkg/surface"
	"volmask/pkg/transform"
	"volmask/pkg/visualization"
	"volmask/pkg/volume"
)

// StencilDumpName is the file name of the compressed stencil written to the
// intermediary directory.
const StencilDumpName = "stencil.bin.zst"

// Params holds the masking parameters.
type Params struct {
	// InputDir is the directory containing the 2D slice images (JPEG, PNG,
	// TIFF or BMP). Slices are ordered by the number in their file name.
	InputDir string

	// SurfaceFile is the STL file of the closed masking surface.
	SurfaceFile string

	// OutputDir receives the masked slices.
	OutputDir string

	// OutputFormat is png or tiff. Both keep 16-bit samples.
	OutputFormat string

	// NumWorkers bounds the goroutines used for rasterization and the
	// masked write.
	NumWorkers int

	// PixelSpacing is the in-plane voxel size in mm.
	PixelSpacing float64

	// SliceGap represents the physical distance between consecutive slices in mm.
	SliceGap float64

	// Origin is the RAS position of the first voxel of the first slice.
	Origin r3.Vec

	// SurfaceTransform is an optional row-major 4x4 matrix carrying the
	// surface from its file coordinates to RAS.
	SurfaceTransform []float64

	// MaskOutside selects the filled side of the surface.
	MaskOutside bool

	// FillValue is written to the masked voxels.
	FillValue float64

	// SaveIntermediaryResults determines whether to save the stencil masks.
	SaveIntermediaryResults bool

	// IntermediaryDir is the directory where intermediary results will be saved.
	// Only used when SaveIntermediaryResults is true.
	IntermediaryDir string

	// Logger receives progress records; nil means slog.Default().
	Logger *slog.Logger
}

// Masker loads a slice stack and a surface, masks the volume and writes the
// result.
type Masker struct {
	params *Params
	logger *slog.Logger

	slices  []models.Slice
	volume  *volume.Image[uint16]
	surface *surface.Mesh
	result  *masking.Result[uint16]
}

// NewMasker creates a masker for the given parameters.
func NewMasker(params *Params) *Masker {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Masker{params: params, logger: logger}
}

// Process runs the complete masking pipeline
func (m *Masker) Process() error {
	start := time.Now()

	if m.params.SaveIntermediaryResults {
		if err := os.MkdirAll(m.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	m.logger.Info("step 1: loading input slices", "dir", m.params.InputDir)
	if err := m.loadSlices(); err != nil {
		return fmt.Errorf("failed to load slices: %w", err)
	}

	m.logger.Info("step 2: building volume")
	if err := m.buildVolume(); err != nil {
		return fmt.Errorf("failed to build volume: %w", err)
	}

	m.logger.Info("step 3: loading surface", "file", m.params.SurfaceFile)
	if err := m.loadSurface(); err != nil {
		return fmt.Errorf("failed to load surface: %w", err)
	}

	m.logger.Info("step 4: masking volume", "maskOutside", m.params.MaskOutside, "fill", m.params.FillValue)
	engine := masking.NewEngine(masking.WithWorkers(m.workers()), masking.WithLogger(m.logger))
	res, err := masking.Apply(engine, masking.Request[uint16]{
		Input:       m.volume,
		Surface:     m.surface,
		MaskOutside: m.params.MaskOutside,
		FillValue:   m.params.FillValue,
	})
	if err != nil {
		return fmt.Errorf("failed to mask volume: %w", err)
	}
	m.result = res

	if m.params.SaveIntermediaryResults {
		if err := m.saveStencil(res.Stencil); err != nil {
			m.logger.Warn("failed to save stencil", "err", err)
		}
	}

	m.logger.Info("step 5: writing masked slices", "dir", m.params.OutputDir)
	if !res.HadDisplay {
		volume.EnsureDisplay(res.Image)
	}
	if err := m.writeOutput(res.Image); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	m.logger.Info("done",
		"inside", res.Report.InsideVoxels,
		"filled", res.Report.FilledVoxels,
		"retainedMean", res.Report.RetainedMean,
		"elapsed", time.Since(start))
	return nil
}

func (m *Masker) workers() int {
	if m.params.NumWorkers > 0 {
		return m.params.NumWorkers
	}
	return runtime.NumCPU()
}

var sliceExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true, ".bmp": true,
}

func (m *Masker) loadSlices() error {
	entries, err := os.ReadDir(m.params.InputDir)
	if err != nil {
		return err
	}

	var imageFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if sliceExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			imageFiles = append(imageFiles, entry.Name())
		}
	}
	if len(imageFiles) == 0 {
		return fmt.Errorf("no slice images found in %s", m.params.InputDir)
	}

	// Order by slice number; names without numbers keep their relative order.
	sort.SliceStable(imageFiles, func(i, j int) bool {
		return extractNumber(imageFiles[i]) < extractNumber(imageFiles[j])
	})

	m.slices = m.slices[:0]
	for i, filename := range imageFiles {
		img, err := imaging.Open(filepath.Join(m.params.InputDir, filename))
		if err != nil {
			return fmt.Errorf("failed to load image %s: %w", filename, err)
		}
		s := models.Slice{
			Image:    img,
			Index:    i,
			Filename: filename,
			Position: m.params.Origin.Z + float64(i)*m.params.SliceGap,
		}
		if i > 0 {
			w0, h0 := m.slices[0].Size()
			if w, h := s.Size(); w != w0 || h != h0 {
				return fmt.Errorf("slice %s is %dx%d, expected %dx%d", filename, w, h, w0, h0)
			}
		}
		m.slices = append(m.slices, s)
		m.logger.Debug("loaded slice", "index", s.Index, "file", s.Filename, "position", s.Position)
	}

	w, h := m.slices[0].Size()
	m.logger.Debug("loaded slices", "count", len(m.slices), "width", w, "height", h, "sliceGap", m.params.SliceGap)
	return nil
}

// maskName names the stencil image of a slice after its index and source file.
func maskName(s models.Slice) string {
	base := strings.TrimSuffix(s.Filename, filepath.Ext(s.Filename))
	return fmt.Sprintf("%03d_%s.png", s.Index, base)
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

func (m *Masker) buildVolume() error {
	w, h := m.slices[0].Size()
	spacing := r3.Vec{X: m.params.PixelSpacing, Y: m.params.PixelSpacing, Z: m.params.SliceGap}
	origin := r3.Vec{X: m.params.Origin.X, Y: m.params.Origin.Y, Z: m.slices[0].Position}
	g := volume.NewGeometry(volume.NewExtent(w, h, len(m.slices)), spacing, origin, [3]r3.Vec{})
	if err := g.Validate(); err != nil {
		return err
	}

	im := volume.New[uint16](g)
	for _, s := range m.slices {
		b := s.Image.Bounds()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.Gray16Model.Convert(s.Image.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				im.Set(x, y, s.Index, c.Y)
			}
		}
	}
	m.volume = im
	return nil
}

func (m *Masker) loadSurface() error {
	mesh, err := stl.LoadMesh(m.params.SurfaceFile)
	if err != nil {
		return err
	}
	if len(m.params.SurfaceTransform) > 0 {
		t, err := transform.New(m.params.SurfaceTransform)
		if err != nil {
			return fmt.Errorf("surface transform: %w", err)
		}
		mesh.ToWorld = t
	}
	m.logger.Debug("loaded surface", "vertices", len(mesh.Vertices), "faces", mesh.NumFaces())
	m.surface = mesh
	return nil
}

// saveStencil writes one mask image per slice, named after the source
// slice, and the compressed stencil.
func (m *Masker) saveStencil(st *stencil.Stencil) error {
	maskDir := filepath.Join(m.params.IntermediaryDir, "01_stencil")
	if err := os.MkdirAll(maskDir, 0755); err != nil {
		return err
	}

	e := st.Extent()
	nx, ny, _ := e.Dims()
	for _, s := range m.slices {
		img := image.NewGray(image.Rect(0, 0, nx, ny))
		for n, inside := range st.SliceMask(e[4] + s.Index) {
			if inside {
				img.Pix[n] = 255
			}
		}
		filename := filepath.Join(maskDir, maskName(s))
		if err := imaging.Save(img, filename); err != nil {
			return err
		}
	}

	data, err := st.MarshalBinary()
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(m.params.IntermediaryDir, StencilDumpName))
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadStencilDump decodes a stencil written to the intermediary directory.
func ReadStencilDump(filename string) (*stencil.Stencil, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", filename, err)
	}
	st := &stencil.Stencil{}
	if err := st.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return st, nil
}

func (m *Masker) writeOutput(im *volume.Image[uint16]) error {
	format := m.params.OutputFormat
	if format == "" {
		format = "tiff"
	}
	viewer := visualization.NewViewer(im)
	if err := viewer.SaveSliceSequence("z", m.params.OutputDir, format); err != nil {
		return err
	}
	_, _, nz := im.Extent.Dims()
	return viewer.SavePreview("z", nz/2, filepath.Join(m.params.OutputDir, "preview.png"))
}

// GetReport returns the masking report of the last successful Process call.
func (m *Masker) GetReport() masking.Report {
	if m.result == nil {
		return masking.Report{}
	}
	return m.result.Report
}

// GetVolume returns the masked volume, or nil before Process succeeded.
func (m *Masker) GetVolume() *volume.Image[uint16] {
	if m.result == nil {
		return nil
	}
	return m.result.Image
}
