package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sort"
	"sync"
)

var (
	// ErrUnsupportedEffect is returned for effect names an engine does not know.
	ErrUnsupportedEffect = errors.New("unsupported effect")
	// ErrInvalidOutput means a reported success left no decodable image behind.
	ErrInvalidOutput = errors.New("invalid processing result")
)

// Effect names understood by the bundled engines. Callers treat names as
// an open set and only forward them.
const (
	EdgeDetect = "edge_detect"
	Blur       = "blur"
	Sharpen    = "sharpen"
	Grayscale  = "grayscale"
	Sepia      = "sepia"
	Invert     = "invert"
)

// Effects returns the bundled effect vocabulary in display order.
func Effects() []string {
	return []string{EdgeDetect, Blur, Sharpen, Grayscale, Sepia, Invert}
}

// ProgressFunc receives completion percentages in [0,100].
type ProgressFunc func(percent int)

// Engine applies one named effect to one image file.
type Engine interface {
	Process(ctx context.Context, inputPath, effect, outputPath string, progress ProgressFunc) (string, error)
}

// Factory builds an engine for a configured backend.
type Factory func() (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available to New. Adapters call it from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the engine registered under backend.
func New(backend string) (Engine, error) {
	registryMu.RLock()
	f, ok := registry[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine backend %q (available: %v)", backend, Backends())
	}
	return f()
}

// Validate checks that path exists and holds a decodable image.
func Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: result file does not exist: %s", ErrInvalidOutput, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: result is a directory: %s", ErrInvalidOutput, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open result: %v", ErrInvalidOutput, err)
	}
	defer f.Close()
	if _, _, err := image.DecodeConfig(f); err != nil {
		return fmt.Errorf("%w: failed to load result image %s: %v", ErrInvalidOutput, path, err)
	}
	return nil
}

func report(progress ProgressFunc, percent int) {
	if progress != nil {
		progress(percent)
	}
}
