package visualization

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/spatial/r3"

	"volmask/pkg/volume"
)

// newTestVolume returns a width x height x depth volume with the given
// spacing whose samples are set by value.
func newTestVolume(width, height, depth int, spacing r3.Vec, value func(x, y, z int) uint16) *volume.Image[uint16] {
	g := volume.NewGeometry(volume.NewExtent(width, height, depth), spacing, r3.Vec{}, [3]r3.Vec{})
	im := volume.New[uint16](g)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				im.Set(x, y, z, value(x, y, z))
			}
		}
	}
	return im
}

// TestNewViewer verifies that a new viewer picks up the volume dimensions
// and display descriptor
func TestNewViewer(t *testing.T) {
	width, height, depth := 10, 10, 5
	im := newTestVolume(width, height, depth, r3.Vec{X: 1, Y: 1, Z: 2}, func(x, y, z int) uint16 {
		return uint16(x + y + z)
	})

	viewer := NewViewer(im)
	if viewer.width != width || viewer.height != height || viewer.depth != depth {
		t.Errorf("Expected dimensions %dx%dx%d, got %dx%dx%d",
			width, height, depth, viewer.width, viewer.height, viewer.depth)
	}
	if viewer.display.ColorTable != volume.DefaultColorTable {
		t.Errorf("Expected default color table, got %q", viewer.display.ColorTable)
	}
	if im.Display != nil {
		t.Error("NewViewer must not attach a display to the volume")
	}

	im.Display = &volume.Display{ColorTable: "Ocean", Window: 4, Level: 2}
	if got := NewViewer(im).display; got != *im.Display {
		t.Errorf("Expected display %+v, got %+v", *im.Display, got)
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	im := newTestVolume(width, height, depth, r3.Vec{X: 1, Y: 1, Z: 1}, func(x, y, z int) uint16 {
		return uint16(100*z + 10*y + x)
	})
	viewer := NewViewer(im)

	// Z slices
	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", width, height, b.Dx(), b.Dy())
		}
		if got, want := img.Gray16At(3, 4).Y, uint16(100*z+43); got != want {
			t.Errorf("Z slice %d: expected %d at (3,4), got %d", z, want, got)
		}
	}

	// X slice: columns are z, rows are y
	imgX, err := viewer.ExtractSlice("x", 6)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}
	if got := imgX.Gray16At(2, 7).Y; got != 276 {
		t.Errorf("X slice: expected 276 at (2,7), got %d", got)
	}

	// Y slice: columns are x, rows are z
	imgY, err := viewer.ExtractSlice("y", 1)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}
	if got := imgY.Gray16At(9, 3).Y; got != 319 {
		t.Errorf("Y slice: expected 319 at (9,3), got %d", got)
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestExtractSliceClampsSamples verifies the conversion of signed and
// fractional samples to 16-bit pixels
func TestExtractSliceClampsSamples(t *testing.T) {
	g := volume.NewGeometry(volume.NewExtent(3, 1, 1), r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, [3]r3.Vec{})
	im := volume.New[float32](g)
	copy(im.Samples, []float32{-5, 2.6, 70000})

	img, err := NewViewer(im).ExtractSlice("z", 0)
	if err != nil {
		t.Fatal(err)
	}
	for x, want := range []uint16{0, 3, 65535} {
		if got := img.Gray16At(x, 0).Y; got != want {
			t.Errorf("pixel %d: expected %d, got %d", x, want, got)
		}
	}
}

// TestRenderSlice verifies the window/level mapping and the aspect correction
func TestRenderSlice(t *testing.T) {
	im := newTestVolume(4, 4, 3, r3.Vec{X: 1, Y: 1, Z: 2}, func(x, y, z int) uint16 {
		return uint16(x * 100)
	})
	im.Display = &volume.Display{ColorTable: volume.DefaultColorTable, Window: 200, Level: 200}
	viewer := NewViewer(im)

	img, err := viewer.RenderSlice("z", 1)
	if err != nil {
		t.Fatal(err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("Expected *image.Gray for an isotropic slice, got %T", img)
	}
	for x, want := range []uint8{0, 0, 128, 255} {
		if got := gray.GrayAt(x, 0).Y; got != want {
			t.Errorf("pixel %d: expected %d, got %d", x, want, got)
		}
	}

	// slices through z are stretched by the 2:1 voxel aspect
	imgY, err := viewer.RenderSlice("y", 0)
	if err != nil {
		t.Fatal(err)
	}
	if b := imgY.Bounds(); b.Dx() != 4 || b.Dy() != 6 {
		t.Errorf("Expected stretched Y slice 4x6, got %dx%d", b.Dx(), b.Dy())
	}
}

// TestExtractRegion verifies that 3D regions are correctly extracted
func TestExtractRegion(t *testing.T) {
	width, height, depth := 10, 10, 5
	im := newTestVolume(width, height, depth, r3.Vec{X: 0.5, Y: 0.5, Z: 2}, func(x, y, z int) uint16 {
		return uint16(100*z + 10*y + x)
	})
	viewer := NewViewer(im)

	startX, startY, startZ := 2, 3, 1
	sizeX, sizeY, sizeZ := 4, 3, 2

	region, err := viewer.ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if err := region.Validate(); err != nil {
		t.Fatalf("Region geometry is inconsistent: %v", err)
	}
	if want := (volume.Extent{2, 5, 3, 5, 1, 2}); region.Extent != want {
		t.Errorf("Expected region extent %v, got %v", want, region.Extent)
	}

	for z := startZ; z < startZ+sizeZ; z++ {
		for y := startY; y < startY+sizeY; y++ {
			for x := startX; x < startX+sizeX; x++ {
				if got, want := region.At(x, y, z), im.At(x, y, z); got != want {
					t.Errorf("Region value mismatch at (%d,%d,%d): expected %d, got %d", x, y, z, want, got)
				}
			}
		}
	}

	if _, err := viewer.ExtractRegion(-1, 0, 0, 1, 1, 1); err == nil {
		t.Error("Expected error for negative start coordinate, got nil")
	}
	if _, err := viewer.ExtractRegion(0, 0, 0, 0, 1, 1); err == nil {
		t.Error("Expected error for zero size, got nil")
	}
	if _, err := viewer.ExtractRegion(width-1, 0, 0, 2, 1, 1); err == nil {
		t.Error("Expected error for region extending beyond volume, got nil")
	}
}

// TestSaveSlice verifies that 16-bit slices survive a TIFF and PNG round trip
func TestSaveSlice(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	im := newTestVolume(6, 5, 2, r3.Vec{X: 1, Y: 1, Z: 1}, func(x, y, z int) uint16 {
		return uint16(1000*x + 7*y + 30000*z)
	})
	img, err := NewViewer(im).ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	for _, name := range []string{"slice.tiff", "slice.png"} {
		filename := filepath.Join(t.TempDir(), name)
		if err := SaveSlice(img, filename); err != nil {
			t.Fatalf("Failed to save %s: %v", name, err)
		}
		back, err := imaging.Open(filename)
		if err != nil {
			t.Fatalf("Failed to reopen %s: %v", name, err)
		}
		g16, ok := back.(*image.Gray16)
		if !ok {
			t.Fatalf("%s: expected *image.Gray16, got %T", name, back)
		}
		if got, want := g16.Gray16At(4, 3).Y, uint16(34021); got != want {
			t.Errorf("%s: expected %d at (4,3), got %d", name, want, got)
		}
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	width, height, depth := 5, 5, 3
	im := newTestVolume(width, height, depth, r3.Vec{X: 1, Y: 1, Z: 1}, func(x, y, z int) uint16 {
		return 32768
	})
	viewer := NewViewer(im)

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir, "png"); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir, "png"); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if err := viewer.SaveSliceSequence("z", outputDir, "gif"); err == nil {
		t.Error("Expected error for unsupported format, got nil")
	}

	preview := filepath.Join(outputDir, "preview.png")
	if err := viewer.SavePreview("x", 2, preview); err != nil {
		t.Fatalf("Failed to save preview: %v", err)
	}
	if _, err := os.Stat(preview); err != nil {
		t.Errorf("Preview not written: %v", err)
	}
}
