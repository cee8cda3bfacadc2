package engine

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, name string) string {
	t.Helper()
	img := imaging.New(8, 8, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestImagingAppliesEveryEffect(t *testing.T) {
	dir := t.TempDir()
	in := writeFixture(t, dir, "a.png")
	eng := NewImaging()

	for _, effect := range Effects() {
		t.Run(effect, func(t *testing.T) {
			out := filepath.Join(dir, "out", effect+".png")
			var seen []int
			got, err := eng.Process(context.Background(), in, effect, out, func(p int) { seen = append(seen, p) })
			require.NoError(t, err)
			require.Equal(t, out, got)
			require.NoError(t, Validate(out))
			require.Equal(t, []int{10, 60, 100}, seen)
		})
	}
}

func TestImagingInvertAndSepiaPixels(t *testing.T) {
	dir := t.TempDir()
	in := writeFixture(t, dir, "a.png")
	eng := NewImaging()

	out := filepath.Join(dir, "inv.png")
	_, err := eng.Process(context.Background(), in, Invert, out, nil)
	require.NoError(t, err)
	img, err := imaging.Open(out)
	require.NoError(t, err)
	r, g, b, _ := img.At(0, 0).RGBA()
	require.Equal(t, uint32(55), r>>8)
	require.Equal(t, uint32(135), g>>8)
	require.Equal(t, uint32(215), b>>8)

	out = filepath.Join(dir, "sepia.png")
	_, err = eng.Process(context.Background(), in, Sepia, out, nil)
	require.NoError(t, err)
	img, err = imaging.Open(out)
	require.NoError(t, err)
	r, g, b, _ = img.At(0, 0).RGBA()
	require.Equal(t, uint32(178), r>>8)
	require.Equal(t, uint32(158), g>>8)
	require.Equal(t, uint32(123), b>>8)
	require.Equal(t, uint8(255), clamp8(300))
}

func TestImagingInPlaceChaining(t *testing.T) {
	dir := t.TempDir()
	in := writeFixture(t, dir, "a.png")
	out := filepath.Join(dir, "temp_a.png")
	eng := NewImaging()

	_, err := eng.Process(context.Background(), in, Blur, out, nil)
	require.NoError(t, err)
	_, err = eng.Process(context.Background(), out, Sepia, out, nil)
	require.NoError(t, err)
	require.NoError(t, Validate(out))
}

func TestImagingRejectsUnknownEffect(t *testing.T) {
	dir := t.TempDir()
	in := writeFixture(t, dir, "a.png")
	_, err := NewImaging().Process(context.Background(), in, "posterize", filepath.Join(dir, "o.png"), nil)
	require.ErrorIs(t, err, ErrUnsupportedEffect)
}

func TestImagingMissingInput(t *testing.T) {
	dir := t.TempDir()
	_, err := NewImaging().Process(context.Background(), filepath.Join(dir, "nope.png"), Blur, filepath.Join(dir, "o.png"), nil)
	require.Error(t, err)
}

func TestImagingHonorsCancelledContext(t *testing.T) {
	dir := t.TempDir()
	in := writeFixture(t, dir, "a.png")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewImaging().Process(ctx, in, Blur, filepath.Join(dir, "o.png"), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	require.ErrorIs(t, Validate(filepath.Join(dir, "missing.png")), ErrInvalidOutput)

	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o644))
	require.ErrorIs(t, Validate(garbage), ErrInvalidOutput)

	require.ErrorIs(t, Validate(dir), ErrInvalidOutput)
	require.NoError(t, Validate(writeFixture(t, dir, "ok.png")))
}

func TestRegistry(t *testing.T) {
	eng, err := New("imaging")
	require.NoError(t, err)
	require.IsType(t, &Imaging{}, eng)
	require.Contains(t, Backends(), "imaging")

	_, err = New("nonexistent")
	require.Error(t, err)
}
