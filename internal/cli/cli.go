// Package cli wires the command line interface to the stacking engine.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/charlie-x/focus-stack/internal/config"
	"github.com/charlie-x/focus-stack/internal/fsutil"
	"github.com/charlie-x/focus-stack/internal/stack"
	"github.com/charlie-x/focus-stack/internal/storage"
)

// Root carries the shared command dependencies.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
}

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	root := &Root{cfg: cfg, log: log, store: store}

	rootCmd := &cobra.Command{
		Use:   "focus-stack",
		Short: "Focus-stack combines differently focused photos into one sharp image",
		Long: `Focus-stack aligns a series of photos focused at different distances and
merges them into a single image with extended depth of field. It can also
produce a depth map and an oblique 3D preview of the scene.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newStackCmd(root *Root) *cobra.Command {
	opts := config.DefaultOptions()
	if root.cfg.Paths.DefaultOutput != "" {
		opts.Output = root.cfg.Paths.DefaultOutput
	}
	if root.cfg.Processing.Threads > 0 {
		opts.Threads = root.cfg.Processing.Threads
	}
	if root.cfg.Processing.BatchSize > 0 {
		opts.BatchSize = root.cfg.Processing.BatchSize
	}

	var inputFolder string

	cmd := &cobra.Command{
		Use:   "stack <images...>",
		Short: "Align and merge a focus series into one sharp image",
		Long: `Align and merge a set of photos focused at different distances.

Accepts a list of image files, a single directory, or --input-folder;
directories expand to all image files inside them in name order.

Examples:
  # Stack a macro focus series
  focus-stack stack photos/macro/*.jpg --output sharp.jpg

  # Stack a directory, keeping a depth map and 3D preview
  focus-stack stack photos/macro/ --depthmap depth.png --3dview view.png

  # Only align, writing aligned frames next to the output
  focus-stack stack --input-folder photos/macro/ --align-only`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandInputs(args)
			if err != nil {
				return err
			}
			if inputFolder != "" {
				listed, err := fsutil.ListImages(inputFolder)
				if err != nil {
					return err
				}
				files = append(files, listed...)
			}
			if len(files) == 0 {
				return fmt.Errorf("no input images given")
			}

			root.log.Info("stack command parsed",
				"inputs", len(files),
				"output", opts.Output,
				"depthmap", opts.Depthmap,
				"3dview", opts.View3D,
				"reference", opts.Reference,
				"global_align", opts.GlobalAlign,
				"threads", opts.Threads,
				"batch_size", opts.BatchSize,
			)

			s, err := stack.New(files, opts, root.log, root.store)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := s.Run(ctx); err != nil {
				return err
			}
			for _, out := range s.Outputs() {
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputFolder, "input-folder", "", "read all images from this folder in name order")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", opts.Output, "output file path")
	cmd.Flags().StringVar(&opts.Depthmap, "depthmap", "", "also write a depth map image to this path")
	cmd.Flags().StringVar(&opts.View3D, "3dview", "", "also write a 3D preview image to this path")
	cmd.Flags().BoolVar(&opts.SaveSteps, "save-steps", false, "save intermediate aligned and batch images")
	cmd.Flags().IntVar(&opts.JPGQuality, "jpgquality", opts.JPGQuality, "JPEG output quality (0-100)")
	cmd.Flags().BoolVar(&opts.NoCrop, "nocrop", false, "keep the padded borders in output images")

	cmd.Flags().IntVar(&opts.Reference, "reference", opts.Reference, "index of the alignment reference frame, -1 = middle of stack")
	cmd.Flags().BoolVar(&opts.GlobalAlign, "global-align", false, "align everything directly against the reference, without neighbour seeding")
	cmd.Flags().BoolVar(&opts.FullResolution, "full-resolution-align", false, "use full image resolution in the final alignment pass")
	cmd.Flags().BoolVar(&opts.NoWhitebalance, "no-whitebalance", false, "skip white balance correction between frames")
	cmd.Flags().BoolVar(&opts.NoContrast, "no-contrast", false, "skip contrast and exposure correction between frames")
	cmd.Flags().BoolVar(&opts.AlignOnly, "align-only", false, "only align the frames and save them, skip merging")
	cmd.Flags().BoolVar(&opts.AlignKeepSize, "align-keep-size", false, "keep padded frame size in align-only output")

	cmd.Flags().IntVar(&opts.Consistency, "consistency", opts.Consistency, "neighbour consistency filter level (0-2)")
	cmd.Flags().Float64Var(&opts.Denoise, "denoise", opts.Denoise, "denoise level for the merged image, 0 disables")

	cmd.Flags().IntVar(&opts.DepthmapThreshold, "depthmap-threshold", opts.DepthmapThreshold, "focus measure threshold for depth map points (0-255)")
	cmd.Flags().Float64Var(&opts.DepthmapSmoothXY, "depthmap-smooth-xy", opts.DepthmapSmoothXY, "depth map smoothing in the image plane")
	cmd.Flags().Float64Var(&opts.DepthmapSmoothZ, "depthmap-smooth-z", opts.DepthmapSmoothZ, "depth map smoothing across depth levels")
	cmd.Flags().IntVar(&opts.RemoveBG, "remove-bg", opts.RemoveBG, "remove background darker (positive) or brighter (negative) than this from the depth map")
	cmd.Flags().Float64Var(&opts.HaloRadius, "halo-radius", opts.HaloRadius, "radius of halo artifacts suppressed in the depth map")
	cmd.Flags().StringVar(&opts.Viewpoint3D, "3dviewpoint", opts.Viewpoint3D, "3D preview viewpoint as x:y:z:zscale")

	cmd.Flags().IntVar(&opts.Threads, "threads", opts.Threads, "number of worker threads")
	cmd.Flags().IntVar(&opts.BatchSize, "batchsize", opts.BatchSize, "images merged per batch")
	cmd.Flags().Float64Var(&opts.WaitImages, "wait-images", 0, "seconds to wait for input files to appear")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose task logging")

	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run_id]",
		Short: "Show recent stacking runs",
		Long: `List recent stacking runs recorded in the history database, or show
the per-task breakdown of one run when a run ID is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("run history is disabled, set paths.history_db in the config")
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 1 {
				recs, err := root.store.RunTasks(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "TASK\tSTATUS\tDURATION\tERROR")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						r.TaskName, r.Status, time.Duration(r.DurationMS)*time.Millisecond, r.Error)
				}
				return nil
			}

			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "RUN\tSTATUS\tINPUTS\tOUTPUT\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Status, r.InputCount, r.OutputPath, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration:\n\n")
			fmt.Fprintf(out, "Default Output: %s\n", root.cfg.Paths.DefaultOutput)
			fmt.Fprintf(out, "History DB: %s\n", root.cfg.Paths.HistoryDB)
			fmt.Fprintf(out, "Threads: %d\n", root.cfg.Processing.Threads)
			fmt.Fprintf(out, "Batch Size: %d\n", root.cfg.Processing.BatchSize)
			fmt.Fprintf(out, "Log Level: %s\n", root.cfg.Logging.Level)
			fmt.Fprintf(out, "Log Format: %s\n", root.cfg.Logging.Format)
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(config.Default(), ""); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration written")
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("focus-stack v1.0.0")
		},
	}
}

// expandInputs turns the argument list into a sorted list of image
// files. A single directory argument is expanded to its image contents.
func expandInputs(args []string) ([]string, error) {
	if len(args) == 1 {
		info, err := os.Stat(args[0])
		if err == nil && info.IsDir() {
			files, err := fsutil.ListImages(args[0])
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				return nil, fmt.Errorf("no image files found in %s", args[0])
			}
			return files, nil
		}
	}
	return args, nil
}
