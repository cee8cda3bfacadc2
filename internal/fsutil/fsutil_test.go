package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListImagesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.PNG", "a.jpg", "notes.txt", "sub/c.bmp"} {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ListImages(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.PNG"), filepath.Join(dir, "sub/c.bmp")}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestExpandImages(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "in")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	single := filepath.Join(dir, "one.tiff")
	for _, p := range []string{single, filepath.Join(sub, "x.png")} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ExpandImages(single, sub)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(got) != 2 || got[0] != single || got[1] != filepath.Join(sub, "x.png") {
		t.Fatalf("unexpected expansion %v", got)
	}

	if _, err := ExpandImages(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	if err := os.WriteFile(src, []byte("pixels"), 0o640); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "nested", "out", "processed_src.png")

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "pixels" {
		t.Fatalf("copied content = %q, %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Fatalf("expected no leftover partial files, got %d entries", len(entries))
	}

	if err := CopyFile(filepath.Join(dir, "missing.png"), dst); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestIsImageFile(t *testing.T) {
	if !IsImageFile("x.JPEG") || IsImageFile("x.gif") || IsImageFile("noext") {
		t.Fatal("unexpected extension classification")
	}
}
