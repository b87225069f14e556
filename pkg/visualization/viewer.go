// Package visualization extracts and renders 2D slices of a volume.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"

	"volmask/pkg/volume"
)

// Viewer extracts slices of a volume along its index axes. Slice positions
// and region coordinates are relative to the first voxel of the extent.
type Viewer[T volume.Sample] struct {
	im *volume.Image[T]

	// dimensions of the volume
	width  int
	height int
	depth  int

	// display maps samples to grey levels for previews
	display volume.Display
}

// NewViewer creates a viewer over im. Previews use the image's display
// descriptor, or a default one derived from its samples.
func NewViewer[T volume.Sample](im *volume.Image[T]) *Viewer[T] {
	w, h, d := im.Extent.Dims()
	v := &Viewer[T]{im: im, width: w, height: h, depth: d}
	if im.Display != nil {
		v.display = *im.Display
	} else {
		v.display = *volume.DefaultDisplay(im)
	}
	return v
}

// sliceSize returns the image size of a slice along axis and the number of
// slices along it.
func (v *Viewer[T]) sliceSize(axis string) (w, h, n int, err error) {
	switch axis {
	case "x", "X":
		return v.depth, v.height, v.width, nil
	case "y", "Y":
		return v.width, v.depth, v.height, nil
	case "z", "Z":
		return v.width, v.height, v.depth, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// walkSlice calls fn for every pixel of the slice at position along axis
// with the sample shown there.
func (v *Viewer[T]) walkSlice(axis string, position int, fn func(px, py int, s T)) error {
	w, h, n, err := v.sliceSize(axis)
	if err != nil {
		return err
	}
	if position < 0 || position >= n {
		return fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	e := v.im.Extent
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			var i, j, k int
			switch axis {
			case "x", "X":
				// YZ plane
				i, j, k = position, py, px
			case "y", "Y":
				// XZ plane
				i, j, k = px, position, py
			default:
				// XY plane
				i, j, k = px, py, position
			}
			fn(px, py, v.im.At(e[0]+i, e[2]+j, e[4]+k))
		}
	}
	return nil
}

// ExtractSlice extracts a 2D slice along the specified axis as raw sample
// values. Samples are rounded and clamped to the 16-bit range.
func (v *Viewer[T]) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	w, h, _, err := v.sliceSize(axis)
	if err != nil {
		return nil, err
	}
	img := image.NewGray16(image.Rect(0, 0, w, h))
	if err := v.walkSlice(axis, position, func(px, py int, s T) {
		value := uint16(math.Max(0, math.Min(65535, math.Round(float64(s)))))
		img.SetGray16(px, py, color.Gray16{Y: value})
	}); err != nil {
		return nil, err
	}
	return img, nil
}

// RenderSlice renders a slice through the window/level mapping as an 8-bit
// preview. Slices across the k axis are stretched to the physical aspect
// ratio of the voxels.
func (v *Viewer[T]) RenderSlice(axis string, position int) (image.Image, error) {
	w, h, _, err := v.sliceSize(axis)
	if err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	if err := v.walkSlice(axis, position, func(px, py int, s T) {
		img.SetGray(px, py, color.Gray{Y: uint8(math.Round(v.display.Map(float64(s)) * 255))})
	}); err != nil {
		return nil, err
	}

	sp := v.im.Spacing
	switch axis {
	case "x", "X":
		return stretch(img, sp.Z/sp.Y, 1), nil
	case "y", "Y":
		return stretch(img, 1, sp.Z/sp.X), nil
	}
	return stretch(img, 1, sp.Y/sp.X), nil
}

func stretch(img image.Image, sx, sy float64) image.Image {
	if !(sx > 0) || !(sy > 0) || (sx == 1 && sy == 1) {
		return img
	}
	b := img.Bounds()
	w := max(int(math.Round(float64(b.Dx())*sx)), 1)
	h := max(int(math.Round(float64(b.Dy())*sy)), 1)
	return imaging.Resize(img, w, h, imaging.Linear)
}

// ExtractRegion extracts a 3D subregion from the volume as a new volume
// whose geometry places it where it lies in the source.
func (v *Viewer[T]) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*volume.Image[T], error) {
	// Validate parameters
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}

	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	if startX+sizeX > v.width || startY+sizeY > v.height || startZ+sizeZ > v.depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	e := v.im.Extent
	sub := volume.Extent{
		e[0] + startX, e[0] + startX + sizeX - 1,
		e[2] + startY, e[2] + startY + sizeY - 1,
		e[4] + startZ, e[4] + startZ + sizeZ - 1,
	}
	g := v.im.Geometry
	g.Extent = sub
	region := volume.New[T](g)
	for k := sub[4]; k <= sub[5]; k++ {
		for j := sub[2]; j <= sub[3]; j++ {
			src := v.im.Samples[e.Offset(sub[0], j, k):]
			copy(region.Samples[sub.Offset(sub[0], j, k):][:sizeX], src[:sizeX])
		}
	}
	return region, nil
}

// SaveSlice saves a slice image. The format follows the file extension:
// .tif and .tiff are written with x/image/tiff, keeping 16-bit samples;
// everything else goes through imaging.Save.
func SaveSlice(img image.Image, filename string) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff":
		file, err := os.Create(filename)
		if err != nil {
			return err
		}
		if err := tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			file.Close()
			return fmt.Errorf("encode %s: %w", filename, err)
		}
		return file.Close()
	}
	return imaging.Save(img, filename)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// as raw 16-bit images in the given format (png or tiff).
func (v *Viewer[T]) SaveSliceSequence(axis, outputDir, format string) error {
	_, _, n, err := v.sliceSize(axis)
	if err != nil {
		return err
	}
	ext, err := extension(format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d%s", strings.ToLower(axis), pos, ext))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SavePreview renders the slice at position along axis and saves it as PNG.
func (v *Viewer[T]) SavePreview(axis string, position int, filename string) error {
	img, err := v.RenderSlice(axis, position)
	if err != nil {
		return err
	}
	return imaging.Save(img, filename)
}

func extension(format string) (string, error) {
	switch strings.ToLower(format) {
	case "png":
		return ".png", nil
	case "tif", "tiff":
		return ".tiff", nil
	}
	return "", fmt.Errorf("unsupported slice format %q", format)
}
