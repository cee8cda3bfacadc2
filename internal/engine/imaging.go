package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

func init() {
	Register("imaging", func() (Engine, error) { return NewImaging(), nil })
}

type effectFunc func(image.Image) *image.NRGBA

// Imaging is a pure Go engine built on disintegration/imaging.
type Imaging struct {
	effects map[string]effectFunc
}

// NewImaging returns the pure Go engine.
func NewImaging() *Imaging {
	return &Imaging{
		effects: map[string]effectFunc{
			EdgeDetect: edgeDetect,
			Blur:       func(img image.Image) *image.NRGBA { return imaging.Blur(img, 2.0) },
			Sharpen:    func(img image.Image) *image.NRGBA { return imaging.Sharpen(img, 1.0) },
			Grayscale:  imaging.Grayscale,
			Sepia:      sepia,
			Invert:     imaging.Invert,
		},
	}
}

// Process loads inputPath, applies effect and saves the result to
// outputPath. The output format follows the output extension.
func (e *Imaging) Process(ctx context.Context, inputPath, effect, outputPath string, progress ProgressFunc) (string, error) {
	apply, ok := e.effects[effect]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedEffect, effect)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := imaging.Open(inputPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}
	report(progress, 10)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := apply(src)
	report(progress, 60)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := imaging.Save(dst, outputPath); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	report(progress, 100)

	return outputPath, nil
}

// edgeDetect renders dark edges on a light background.
func edgeDetect(img image.Image) *image.NRGBA {
	gray := imaging.Grayscale(img)
	edges := imaging.Convolve3x3(gray, [9]float64{
		-1, -1, -1,
		-1, 8, -1,
		-1, -1, -1,
	}, nil)
	return imaging.Invert(edges)
}

func sepia(img image.Image) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		r, g, b := float64(c.R), float64(c.G), float64(c.B)
		return color.NRGBA{
			R: clamp8(0.393*r + 0.769*g + 0.189*b),
			G: clamp8(0.349*r + 0.686*g + 0.168*b),
			B: clamp8(0.272*r + 0.534*g + 0.131*b),
			A: c.A,
		}
	})
}

func clamp8(v float64) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}
