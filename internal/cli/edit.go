package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"vfxproc/internal/batch"
	"vfxproc/internal/engine"
	"vfxproc/internal/export"
	"vfxproc/internal/fsutil"
	"vfxproc/internal/session"
)

const editHelp = `Commands:
  open <image>        display an image (history is kept)
  apply <effect>      apply an effect to the displayed image and queue it for the batch
  undo | redo         step through the history
  effects             list effect names
  status              show the displayed image, history and batch state
  save <path>         copy the last processed image to path
  save-all <dir>      export the processed image and every batch result to dir
  add <files|dirs...> add images to the batch
  batch               run the queued effects over the batch files
  clear               forget the queued effects
  reset               forget the undo/redo history, keeping the displayed image
  help                show this text
  quit                leave the editor
`

// runBatch processes the session's batch and prints each step.
func (r *Root) runBatch(ctx context.Context, sess *session.Session) (map[string]string, error) {
	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Kind {
			case session.EventBatchProgress:
				if ev.File != "" {
					r.printf("  [%3d%%] %s on %s\n", ev.Percent, ev.Effect, filepath.Base(ev.File))
				}
			case session.EventBatchCompleted, session.EventBatchFailed:
				return
			}
		}
	}()

	processed, err := sess.ProcessBatch(ctx)
	unsubscribe()
	<-done
	return processed, err
}

// cmdEdit reads editor commands from r.in until quit or EOF.
func (r *Root) cmdEdit(ctx context.Context, image string) error {
	sess, err := r.newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	if image != "" {
		if err := sess.Open(image); err != nil {
			return err
		}
		r.printf("opened %s\n", image)
	}

	scanner := bufio.NewScanner(r.in)
	r.printf("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			quit, err := r.editCommand(ctx, sess, fields[0], fields[1:])
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.printf("> ")
	}
	return scanner.Err()
}

func (r *Root) editCommand(ctx context.Context, sess *session.Session, cmd string, args []string) (bool, error) {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: missing argument (see help)", cmd)
		}
		return nil
	}

	switch cmd {
	case "quit", "exit", "q":
		return true, nil

	case "help", "?":
		r.printf("%s", editHelp)

	case "open":
		if err := need(1); err != nil {
			return false, err
		}
		if err := sess.Open(args[0]); err != nil {
			return false, err
		}
		r.printf("opened %s\n", args[0])

	case "apply":
		if err := need(1); err != nil {
			return false, err
		}
		if sess.Current().IsZero() {
			if err := sess.ApplyEffect(args[0]); err != nil {
				return false, err
			}
			r.printf("queued %s (no image open)\n", args[0])
			return false, nil
		}
		ev, err := r.applyAndWait(ctx, sess, args[0])
		if err != nil {
			return false, err
		}
		r.printf("%s -> %s\n", ev.Effect, ev.Path)

	case "undo":
		if err := sess.Undo(); err != nil {
			return false, err
		}
		r.printf("showing %s\n", sess.Current())

	case "redo":
		events, unsubscribe := sess.Subscribe()
		err := sess.Redo()
		if err == nil && sess.Busy() {
			_, err = r.awaitTerminal(ctx, events)
		}
		unsubscribe()
		if err != nil {
			return false, err
		}
		r.printf("showing %s\n", sess.Current())

	case "effects":
		return false, r.cmdEffects()

	case "status":
		r.printSnapshot(sess.Snapshot())

	case "save":
		if err := need(1); err != nil {
			return false, err
		}
		if err := sess.SaveCurrent(args[0]); err != nil {
			return false, err
		}
		r.printf("saved %s\n", args[0])

	case "save-all":
		dir := r.outputDir("")
		if len(args) > 0 {
			dir = args[0]
		}
		saved, err := sess.SaveAll(ctx, export.NewDir(dir))
		for _, p := range saved {
			r.printf("saved %s\n", p)
		}
		return false, err

	case "add":
		if err := need(1); err != nil {
			return false, err
		}
		files, err := fsutil.ExpandImages(args...)
		if err != nil {
			return false, err
		}
		r.printf("added %d of %d images (%d in batch)\n", sess.AddBatchFiles(files...), len(files), len(sess.BatchFiles()))

	case "batch":
		processed, err := r.runBatch(ctx, sess)
		if errors.Is(err, batch.ErrNothingToProcess) {
			return false, errors.New("add files and apply at least one effect first")
		}
		if err != nil {
			return false, err
		}
		r.printProcessed(processed)

	case "clear":
		sess.ClearEffects()
		r.printf("effect queue cleared\n")

	case "reset":
		if err := sess.ClearHistory(); err != nil {
			return false, err
		}
		r.printf("history cleared\n")

	default:
		if slices.Contains(engine.Effects(), cmd) {
			return r.editCommand(ctx, sess, "apply", []string{cmd})
		}
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (r *Root) printProcessed(processed map[string]string) {
	files := make([]string, 0, len(processed))
	for f := range processed {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		r.printf("  %s -> %s\n", f, processed[f])
	}
}
