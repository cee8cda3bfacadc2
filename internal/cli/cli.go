package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"vfxproc/internal/config"
	"vfxproc/internal/engine"
	"vfxproc/internal/export"
	"vfxproc/internal/history"
	"vfxproc/internal/metrics"
	"vfxproc/internal/session"
	"vfxproc/internal/storage"
)

// Version is set at build time with -ldflags "-X vfxproc/internal/cli.Version=...".
var Version = "1.0.0-dev"

var errNoImage = errors.New("no image open")

type engineFactory func(backend string) (engine.Engine, error)

type exporterFactory func(ctx context.Context, cfg config.MinIO, prefix string) (export.Exporter, error)

// Root holds what every command needs: configuration, logging, the audit
// store and the metrics registry.
type Root struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *storage.Store
	metrics *metrics.Metrics
	in      io.Reader
	out     io.Writer

	engineFn   engineFactory
	exporterFn exporterFactory
}

// NewRoot constructs the CLI root. store and m may be nil.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, m *metrics.Metrics) *Root {
	return &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		metrics:  m,
		in:       os.Stdin,
		out:      os.Stdout,
		engineFn: engine.New,
		exporterFn: func(ctx context.Context, cfg config.MinIO, prefix string) (export.Exporter, error) {
			exp, err := export.NewMinIO(ctx, cfg, prefix)
			if err != nil {
				return nil, err
			}
			return exp, nil
		},
	}
}

// newSession builds a Session from the configured backend and policy.
func (r *Root) newSession() (*session.Session, error) {
	eng, err := r.engineFn(r.cfg.Engine.Backend)
	if err != nil {
		return nil, err
	}
	policy, err := history.ParseRedoPolicy(r.cfg.History.RedoAfterFailure)
	if err != nil {
		return nil, err
	}
	return session.New(session.Options{
		Engine:     eng,
		TempDir:    r.cfg.Processing.TempDir,
		KeepTemp:   r.cfg.Processing.KeepTemp,
		RedoPolicy: policy,
		Logger:     r.log,
		Store:      r.store,
		Metrics:    r.metrics,
	})
}

// applyAndWait applies effect to the displayed image and blocks until its
// task reports a terminal event.
func (r *Root) applyAndWait(ctx context.Context, sess *session.Session, effect string) (session.Event, error) {
	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	if sess.Current().IsZero() {
		return session.Event{}, errNoImage
	}
	if err := sess.ApplyEffect(effect); err != nil {
		return session.Event{}, err
	}
	return r.awaitTerminal(ctx, events)
}

func (r *Root) awaitTerminal(ctx context.Context, events <-chan session.Event) (session.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return session.Event{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return session.Event{}, session.ErrClosed
			}
			switch ev.Kind {
			case session.EventProgress:
				r.log.Debug("task progress", "task", ev.TaskID, "effect", ev.Effect, "percent", ev.Percent)
			case session.EventFailed:
				return ev, fmt.Errorf("%s failed (%s): %s", ev.Effect, ev.Failure, ev.Error)
			case session.EventCompleted:
				return ev, nil
			}
		}
	}
}

// exporter picks the MinIO bucket when one is named, the directory otherwise.
func (r *Root) exporter(ctx context.Context, dir, bucket, prefix string) (export.Exporter, error) {
	if bucket == "" {
		return export.NewDir(dir), nil
	}
	mcfg := r.cfg.Export.MinIO
	mcfg.Bucket = bucket
	return r.exporterFn(ctx, mcfg, prefix)
}

func (r *Root) outputDir(flag string) string {
	if flag != "" {
		return flag
	}
	return r.cfg.Paths.DefaultOutput
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) printSnapshot(snap session.Snapshot) {
	current := snap.Current.String()
	if snap.Current.IsZero() {
		current = "(no image)"
	}
	r.printf("Current:   %s\n", current)
	if snap.Processed != "" {
		r.printf("Processed: %s\n", snap.Processed)
	}
	r.printf("History:   %d entries, cursor %d (undo=%t redo=%t)\n", len(snap.History), snap.Cursor, snap.CanUndo, snap.CanRedo)
	for i, h := range snap.History {
		marker := " "
		if i == snap.Cursor {
			marker = ">"
		}
		line := fmt.Sprintf("  %s %d. %s [%s]", marker, i+1, h.Label, h.Status)
		if h.Error != "" {
			line += " " + h.Error
		}
		r.printf("%s\n", line)
	}
	if len(snap.Effects) > 0 {
		r.printf("Effects:   %v\n", snap.Effects)
	}
	if len(snap.BatchFiles) > 0 {
		r.printf("Batch:     %d files, %d processed\n", len(snap.BatchFiles), len(snap.BatchProcessed))
	}
	if snap.Busy {
		r.printf("Busy:      yes\n")
	}
}

func (r *Root) cmdEffects() error {
	for _, name := range engine.Effects() {
		r.printf("%s\n", name)
	}
	return nil
}

func (r *Root) cmdHistory(limit int) error {
	if r.store == nil {
		return errors.New("no audit database configured")
	}
	tasks, err := r.store.RecentTasks(limit)
	if err != nil {
		return err
	}
	r.printf("Recent tasks:\n")
	if len(tasks) == 0 {
		r.printf("  (none)\n")
	}
	for _, t := range tasks {
		r.printf("  %s  %-10s %-9s %s -> %s", t.CreatedAt.Local().Format("2006-01-02 15:04:05"), t.Effect, t.Status, filepath.Base(t.InputPath), t.OutputPath)
		if t.Error != "" {
			r.printf("  (%s)", t.Error)
		}
		r.printf("\n")
	}

	batches, err := r.store.RecentBatches(limit)
	if err != nil {
		return err
	}
	r.printf("Recent batches:\n")
	if len(batches) == 0 {
		r.printf("  (none)\n")
	}
	for _, b := range batches {
		r.printf("  %s  %-9s %d files, %d processed, effects %v", b.CreatedAt.Local().Format("2006-01-02 15:04:05"), b.Status, len(b.Files), len(b.Processed), b.Effects)
		if b.Error != "" {
			r.printf("  (%s)", b.Error)
		}
		r.printf("\n")
	}
	return nil
}

func (r *Root) cmdVersion() error {
	r.printf("vfxproc v%s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
	r.printf("Engine backends: %v (configured: %s)\n", engine.Backends(), r.cfg.Engine.Backend)
	return nil
}
