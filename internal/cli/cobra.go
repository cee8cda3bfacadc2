package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"vfxproc/internal/export"
	"vfxproc/internal/fsutil"
	"vfxproc/internal/grpcserver"
	"vfxproc/internal/server"
	"vfxproc/internal/session"
	"vfxproc/internal/watch"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vfxproc",
		Short: "vfxproc applies image effects with undo/redo and batch processing",
		Long: `vfxproc applies named effects (blur, sharpen, grayscale, sepia, invert,
edge_detect) to images. Interactive edits keep an undo/redo history; queued
effects can be run over a batch of files and exported to a directory or bucket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(root.in)
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newApplyCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newEditCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newEffectsCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newApplyCmd(root *Root) *cobra.Command {
	var (
		effects []string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "apply <image>",
		Short: "Apply effects to one image and save the result",
		Long: `Apply one or more effects to an image, in order, and save the final result.

Examples:
  vfxproc apply photo.png --effect grayscale
  vfxproc apply photo.png -e blur -e sepia -o out/photo_sepia.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = filepath.Join(root.outputDir(""), session.ExportName(input))
			}

			sess, err := root.newSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.Open(input); err != nil {
				return err
			}
			for _, effect := range effects {
				ev, err := root.applyAndWait(cmd.Context(), sess, effect)
				if err != nil {
					return err
				}
				root.log.Info("effect applied", "effect", effect, "path", ev.Path)
			}
			if err := sess.SaveCurrent(output); err != nil {
				return err
			}
			root.printf("✅ saved %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&effects, "effect", "e", nil, "effect to apply (repeatable, applied in order)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: <paths.default_output>/processed_<name>)")
	_ = cmd.MarkFlagRequired("effect")

	return cmd
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		effects []string
		output  string
		bucket  string
		prefix  string
	)

	cmd := &cobra.Command{
		Use:   "batch <files|dirs...>",
		Short: "Run a chain of effects over many images",
		Long: `Apply every effect, in order, to each image and export the results.
Directories are expanded to the images they contain.

Examples:
  vfxproc batch shots/ --effect blur --effect sepia --output out/
  vfxproc batch a.png b.png -e invert --bucket processed --prefix 2024/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			files, err := fsutil.ExpandImages(args...)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no images found in %v", args)
			}

			exp, err := root.exporter(ctx, root.outputDir(output), bucket, prefix)
			if err != nil {
				return err
			}

			sess, err := root.newSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			sess.AddBatchFiles(files...)
			for _, effect := range effects {
				if err := sess.ApplyEffect(effect); err != nil {
					return err
				}
			}

			root.printf("Processing %d images with %v\n", len(files), effects)
			processed, runErr := root.runBatch(ctx, sess)
			if runErr != nil && len(processed) == 0 {
				return runErr
			}

			saved, saveErr := sess.SaveAll(ctx, exp)
			for _, p := range saved {
				root.printf("✅ %s\n", p)
			}
			return errors.Join(runErr, saveErr)
		},
	}

	cmd.Flags().StringArrayVarP(&effects, "effect", "e", nil, "effect to apply (repeatable, applied in order)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default: paths.default_output)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "upload results to this MinIO bucket instead of a directory")
	cmd.Flags().StringVar(&prefix, "prefix", "", "object name prefix for --bucket")
	_ = cmd.MarkFlagRequired("effect")

	return cmd
}

func newEditCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "edit [image]",
		Short: "Interactive editor with undo/redo",
		Long: `Read editor commands from stdin: open, apply, undo, redo, effects, status,
save, save-all, add, batch, clear, reset, quit. Type help for details.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := ""
			if len(args) > 0 {
				image = args[0]
			}
			return root.cmdEdit(cmd.Context(), image)
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		grpcAddr   string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health service",
		Long: `Start an HTTP server exposing an editing session, with live progress over
SSE and WebSocket, plus a gRPC health endpoint. Watched directories feed new
images into the batch.

Examples:
  # Basic server
  vfxproc serve --addr :8080

  # Hot folder
  vfxproc serve --addr :8080 --watch /data/incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return root.serve(ctx, addr, grpcAddr, watchPaths)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address, empty to disable")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories whose new images join the batch")

	return cmd
}

func (r *Root) serve(ctx context.Context, addr, grpcAddr string, watchPaths []string) error {
	sess, err := r.newSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exp export.Exporter
	if r.cfg.Export.MinIO.Endpoint != "" {
		exp, err = r.exporterFn(ctx, r.cfg.Export.MinIO, "")
		if err != nil {
			return fmt.Errorf("failed to set up export: %w", err)
		}
	}

	errCh := make(chan error, 3)
	running := 0

	if len(watchPaths) > 0 {
		w, err := watch.New(r.log, watchPaths...)
		if err != nil {
			return err
		}
		running++
		go func() {
			errCh <- w.Run(ctx, func(ev watch.Event) {
				if sess.AddBatchFiles(ev.Path) > 0 {
					r.log.Info("image added to batch", "path", ev.Path, "operation", ev.Operation)
				}
			})
		}()
	}

	if grpcAddr != "" {
		health := grpcserver.New(r.log)
		running++
		go func() { errCh <- health.ListenAndServe(ctx, grpcAddr) }()
	}

	srv := server.New(server.Options{
		Addr:          addr,
		Session:       sess,
		Store:         r.store,
		Metrics:       r.metrics,
		Exporter:      exp,
		Logger:        r.log,
		ProgressRate:  r.cfg.Server.ProgressRate,
		ProgressBurst: r.cfg.Server.ProgressBurst,
	})
	running++
	go func() { errCh <- srv.Start(ctx) }()

	r.log.Info("server ready",
		"addr", addr,
		"grpc_addr", grpcAddr,
		"watch_paths", watchPaths,
	)

	// The first failure stops everything; a clean exit waits for the rest.
	var errs []error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			if len(errs) == 1 {
				r.log.Error("service stopped", "error", err)
			}
		}
		if len(errs) > 0 && ctx.Err() == nil {
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

func newEffectsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "effects",
		Short: "List effect names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdEffects()
		},
	}
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent tasks and batch runs from the audit database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdHistory(limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows per table")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
