package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"vfxproc/internal/export"
	"vfxproc/internal/fsutil"
	"vfxproc/internal/history"
)

const exportPrefix = "processed_"

// ExportName returns the name an exported copy of original gets.
func ExportName(original string) string {
	return exportPrefix + filepath.Base(original)
}

// SaveCurrent copies the last processed image to dest.
func (s *Session) SaveCurrent(dest string) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	src := s.processed
	s.mu.Unlock()
	if src == "" {
		return ErrNothingToSave
	}
	if err := fsutil.CopyFile(src, dest); err != nil {
		return fmt.Errorf("save %s: %w", dest, err)
	}
	s.log.Info("saved current image", "path", dest)
	return nil
}

// SaveAll exports the current processed image and every batch output as
// processed_<original name>. Every file is attempted; failures are joined
// into the returned error and successful copies are kept.
func (s *Session) SaveAll(ctx context.Context, exp export.Exporter) ([]string, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	type item struct{ src, name string }
	var items []item

	s.mu.Lock()
	if s.processed != "" {
		original := s.origin
		if original == "" {
			original = s.current.Path
		}
		items = append(items, item{src: s.processed, name: ExportName(original)})
	}
	s.mu.Unlock()

	processed := s.queue.Processed()
	originals := make([]string, 0, len(processed))
	for original := range processed {
		originals = append(originals, original)
	}
	sort.Strings(originals)
	for _, original := range originals {
		items = append(items, item{src: processed[original], name: ExportName(original)})
	}

	if len(items) == 0 {
		return nil, ErrNothingToSave
	}

	var saved []string
	var errs []error
	for _, it := range items {
		dst, err := exp.Export(ctx, it.src, it.name)
		if err != nil {
			s.log.Error("failed to save image", "source", it.src, "name", it.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", it.name, err))
			continue
		}
		saved = append(saved, dst)
	}
	s.log.Info("saved processed images", "saved", len(saved), "failed", len(errs))
	return saved, errors.Join(errs...)
}

// HistoryEntry describes one command on the history.
type HistoryEntry struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Effect  string `json:"effect"`
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path,omitempty"`
	Status  string `json:"status"` // pending, done, failed
	Error   string `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Current        history.ImageState `json:"current"`
	Processed      string             `json:"processed,omitempty"`
	History        []HistoryEntry     `json:"history"`
	Cursor         int                `json:"cursor"`
	CanUndo        bool               `json:"can_undo"`
	CanRedo        bool               `json:"can_redo"`
	Effects        []string           `json:"effects"`
	BatchFiles     []string           `json:"batch_files"`
	BatchProcessed map[string]string  `json:"batch_processed"`
	Busy           bool               `json:"busy"`
	TempDir        string             `json:"temp_dir"`
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	entries := s.stack.Entries()
	hist := make([]HistoryEntry, 0, len(entries))
	for _, c := range entries {
		e := HistoryEntry{
			ID:      c.ID.String(),
			Label:   c.Label(),
			Effect:  c.Effect,
			OldPath: c.OldState.Path,
			Status:  "pending",
		}
		switch {
		case c.NewState != nil:
			e.NewPath = c.NewState.Path
			e.Status = "done"
		case c.Err != nil:
			e.Status = "failed"
			e.Error = c.Err.Error()
		}
		hist = append(hist, e)
	}

	snap := Snapshot{
		History:        hist,
		Cursor:         s.stack.Cursor(),
		CanUndo:        s.stack.CanUndo(),
		CanRedo:        s.stack.CanRedo(),
		Effects:        s.queue.Effects(),
		BatchFiles:     s.queue.Files(),
		BatchProcessed: s.queue.Processed(),
		TempDir:        s.queue.Dir(),
	}

	s.mu.Lock()
	snap.Current = s.current
	snap.Processed = s.processed
	snap.Busy = s.busy
	s.mu.Unlock()
	return snap
}
