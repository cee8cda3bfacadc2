package scratch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathDerivesFromBasename(t *testing.T) {
	a, err := New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	defer a.Close()

	got := a.Path("/photos/2025/a.png")
	want := filepath.Join(a.Dir(), "temp_a.png")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := a.Path("a.png"); again != want {
		t.Fatalf("expected repeated derivation to reuse %s, got %s", want, again)
	}
}

func TestCloseRemovesDirectory(t *testing.T) {
	a, err := New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	if err := os.WriteFile(a.Path("x.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(a.Dir()); !os.IsNotExist(err) {
		t.Fatalf("expected temp dir removed, stat err=%v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseKeepsDirectoryWhenConfigured(t *testing.T) {
	a, err := New(t.TempDir(), true)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(a.Dir()); err != nil {
		t.Fatalf("expected temp dir kept: %v", err)
	}
}

func TestAllocatorsAreIsolated(t *testing.T) {
	base := t.TempDir()
	a, _ := New(base, false)
	b, _ := New(base, false)
	defer a.Close()
	defer b.Close()
	if a.Dir() == b.Dir() {
		t.Fatalf("expected distinct directories, both %s", a.Dir())
	}
}
