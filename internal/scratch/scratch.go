// Package scratch owns the per-session directory that holds intermediate
// and final processed images.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const filePrefix = "temp_"

// Allocator derives temporary output paths inside one owned directory.
type Allocator struct {
	dir    string
	keep   bool
	mu     sync.Mutex
	closed bool
}

// New creates a fresh temp directory under base (os.TempDir() when empty).
// When keep is true, Close leaves the directory on disk for inspection.
func New(base string, keep bool) (*Allocator, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create temp base %s: %w", base, err)
		}
	}
	dir, err := os.MkdirTemp(base, "vfxproc-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Allocator{dir: dir, keep: keep}, nil
}

// Dir returns the owned directory.
func (a *Allocator) Dir() string { return a.dir }

// Path returns <dir>/temp_<basename(original)>. The same original always
// maps to the same path, so chained steps overwrite their predecessor.
func (a *Allocator) Path(original string) string {
	return filepath.Join(a.dir, filePrefix+filepath.Base(original))
}

// Close removes the directory and everything in it. Safe to call twice.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.keep {
		return nil
	}
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("remove temp dir %s: %w", a.dir, err)
	}
	return nil
}
