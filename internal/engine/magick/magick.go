// Package magick provides an ImageMagick-backed engine through the
// MagickWand bindings. Importing it registers the "imagick" backend.
package magick

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vfxproc/internal/engine"

	"gopkg.in/gographics/imagick.v3/imagick"
)

func init() {
	engine.Register("imagick", func() (engine.Engine, error) { return New(), nil })
}

// Engine applies effects with MagickWand.
type Engine struct {
	Quality uint
}

// New returns an Engine writing JPEG output at quality 90.
func New() *Engine {
	return &Engine{Quality: 90}
}

func (e *Engine) Process(ctx context.Context, inputPath, effect, outputPath string, progress engine.ProgressFunc) (string, error) {
	if !supported(effect) {
		return "", fmt.Errorf("%w: %s", engine.ErrUnsupportedEffect, effect)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("input file does not exist: %s", inputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(inputPath); err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return "", fmt.Errorf("failed to orient image: %w", err)
	}
	progressf(progress, 10)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := apply(mw, effect); err != nil {
		return "", fmt.Errorf("%s failed: %w", effect, err)
	}
	progressf(progress, 60)

	if e.Quality > 0 {
		// Ignored by lossless formats.
		_ = mw.SetImageCompressionQuality(e.Quality)
	}
	if err := mw.WriteImage(outputPath); err != nil {
		return "", fmt.Errorf("failed to write output file: %w", err)
	}
	progressf(progress, 100)

	return outputPath, nil
}

func supported(effect string) bool {
	for _, name := range engine.Effects() {
		if name == effect {
			return true
		}
	}
	return false
}

func apply(mw *imagick.MagickWand, effect string) error {
	switch effect {
	case engine.EdgeDetect:
		if err := mw.TransformImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
			return err
		}
		if err := mw.EdgeImage(1.0); err != nil {
			return err
		}
		return mw.NegateImage(false)
	case engine.Blur:
		return mw.GaussianBlurImage(0, 2.0)
	case engine.Sharpen:
		return mw.UnsharpMaskImage(0, 1.0, 5.0, 0)
	case engine.Grayscale:
		return mw.TransformImageColorspace(imagick.COLORSPACE_GRAY)
	case engine.Sepia:
		_, quantum := imagick.GetQuantumRange()
		return mw.SepiaToneImage(0.8 * float64(quantum))
	case engine.Invert:
		return mw.NegateImage(false)
	}
	return fmt.Errorf("%w: %s", engine.ErrUnsupportedEffect, effect)
}

func progressf(progress engine.ProgressFunc, percent int) {
	if progress != nil {
		progress(percent)
	}
}
