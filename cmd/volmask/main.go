package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/spatial/r3"

	"volmask/internal/logging"
	"volmask/pkg/config"
	"volmask/pkg/pipeline"
	"volmask/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "volmask.yaml", "Configuration file (.yaml or .toml)")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	inputDir := flag.String("input", "", "Directory containing the 2D slices of the volume")
	surfaceFile := flag.String("surface", "", "STL file of the closed masking surface")
	outputDir := flag.String("output", "masked", "Directory for the masked slices")
	numWorkers := flag.Int("workers", 0, "Number of worker goroutines (default: from config)")
	pixelSpacing := flag.Float64("spacing", 0, "In-plane pixel spacing in mm (default: from config)")
	sliceGap := flag.Float64("gap", 0, "Inter-slice gap in mm (default: from config)")
	maskOutside := flag.Bool("mask-outside", true, "Fill voxels outside the surface; false fills inside")
	fillValue := flag.Float64("fill", 0, "Value written to masked voxels")
	format := flag.String("format", "", "Output slice format: png or tiff (default: from config)")
	extractSlices := flag.Bool("extract-slices", false, "Also save the masked volume sliced along all axes")
	slicesDir := flag.String("slices-dir", "masked_slices", "Directory to save extracted slices")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save stencil masks during processing")
	intermediaryDir := flag.String("intermediary-dir", "intermediary_results", "Directory to save intermediary results")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" || *surfaceFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags given on the command line override the configuration.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Processing.NumWorkers = *numWorkers
		case "spacing":
			cfg.Volume.PixelSpacing = *pixelSpacing
		case "gap":
			cfg.Volume.SliceGap = *sliceGap
		case "mask-outside":
			cfg.Masking.MaskOutside = *maskOutside
		case "fill":
			cfg.Masking.FillValue = *fillValue
		case "format":
			cfg.Output.Format = *format
		case "save-intermediary":
			cfg.Output.SaveIntermediaryResults = *saveIntermediary
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	logger, logCloser, err := logging.New(logging.Config{
		File:    cfg.Logging.File,
		MaxSize: cfg.Logging.MaxSize,
		MaxAge:  cfg.Logging.MaxAge,
		Level:   cfg.Logging.Level,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	if cfg.Output.Verbose {
		fmt.Println("================================")
		fmt.Println("VOLUME MASKING WITH A CLOSED SURFACE")
		fmt.Println("================================")
	}

	params := &pipeline.Params{
		InputDir:                *inputDir,
		SurfaceFile:             *surfaceFile,
		OutputDir:               *outputDir,
		OutputFormat:            cfg.Output.Format,
		NumWorkers:              cfg.Processing.NumWorkers,
		PixelSpacing:            cfg.Volume.PixelSpacing,
		SliceGap:                cfg.Volume.SliceGap,
		Origin:                  r3.Vec{X: cfg.Volume.Origin[0], Y: cfg.Volume.Origin[1], Z: cfg.Volume.Origin[2]},
		SurfaceTransform:        cfg.Masking.SurfaceTransform,
		MaskOutside:             cfg.Masking.MaskOutside,
		FillValue:               cfg.Masking.FillValue,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         *intermediaryDir,
		Logger:                  logger,
	}

	masker := pipeline.NewMasker(params)

	startTime := time.Now()
	if err := masker.Process(); err != nil {
		logCloser.Close()
		log.Fatalf("Masking failed: %v", err)
	}
	processingTime := time.Since(startTime)

	rep := masker.GetReport()
	vol := masker.GetVolume()
	nx, ny, nz := vol.Extent.Dims()

	side := "outside"
	if !cfg.Masking.MaskOutside {
		side = "inside"
	}
	fmt.Printf("\nMasking completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Volume: %dx%dx%d voxels, %s\n", nx, ny, nz, humanize.IBytes(vol.SizeBytes()))
	fmt.Printf("Voxels inside surface: %s\n", humanize.Comma(int64(rep.InsideVoxels)))
	fmt.Printf("Voxels filled (%s, value %g): %s\n", side, cfg.Masking.FillValue, humanize.Comma(int64(rep.FilledVoxels)))
	fmt.Printf("Voxels retained: %s (mean %.2f, std dev %.2f)\n",
		humanize.Comma(int64(rep.RetainedVoxels)), rep.RetainedMean, rep.RetainedStdDev)
	fmt.Printf("Masked slices saved to: %s\n", *outputDir)

	if *extractSlices {
		fmt.Println("\nExtracting masked slices along all axes...")
		viewer := visualization.NewViewer(vol)
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(*slicesDir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
			if err := viewer.SaveSliceSequence(axis, axisDir, cfg.Output.Format); err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
			}
		}
	}

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", *intermediaryDir)
		fmt.Println("- 01_stencil: inside mask of every slice, named <index>_<source name>.png")
		fmt.Printf("- %s: zstd-compressed stencil\n", pipeline.StencilDumpName)
	}
}
