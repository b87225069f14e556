package volume

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultColorTable is the color table given to volumes that get a default
// display descriptor.
const DefaultColorTable = "Grey"

// Display describes how a volume is rendered: a color table and a
// window/level intensity mapping.
type Display struct {
	ColorTable string  `yaml:"colorTable" toml:"color_table"`
	Window     float64 `yaml:"window" toml:"window"`
	Level      float64 `yaml:"level" toml:"level"`
}

// DefaultDisplay returns a grey descriptor whose window covers mean ± 2σ of
// the samples, clipped to the sample range present in the image.
func DefaultDisplay[T Sample](im *Image[T]) *Display {
	d := &Display{ColorTable: DefaultColorTable, Window: 1}
	if len(im.Samples) == 0 {
		return d
	}

	values := make([]float64, len(im.Samples))
	for n, v := range im.Samples {
		values[n] = float64(v)
	}
	mean, std := stat.MeanStdDev(values, nil)
	lo := max(mean-2*std, floats.Min(values))
	hi := min(mean+2*std, floats.Max(values))

	d.Level = (lo + hi) / 2
	if hi > lo {
		d.Window = hi - lo
	}
	return d
}

// EnsureDisplay attaches a default descriptor when im has none and reports
// whether it did.
func EnsureDisplay[T Sample](im *Image[T]) bool {
	if im.Display != nil {
		return false
	}
	im.Display = DefaultDisplay(im)
	return true
}

// Map converts a sample to the 0..1 display range.
func (d *Display) Map(v float64) float64 {
	if d.Window <= 0 {
		if v >= d.Level {
			return 1
		}
		return 0
	}
	t := (v - (d.Level - d.Window/2)) / d.Window
	return min(max(t, 0), 1)
}
