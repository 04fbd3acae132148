package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tinyrange/simdgen/internal/trace"
)

// BatchOptions holds flags for the batch command.
type BatchOptions struct {
	*RootOptions
	Target         string
	OutputDir      string
	TraceFile      string
	CheckConflicts bool
	NoProgress     bool
}

// NewBatchCommand creates the batch command.
func NewBatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batch <kernel.yaml>...",
		Short: "Lower many kernels, writing one listing per kernel",
		Long: `Lower every kernel file given and write <name>.s into the output
directory. All kernels share one trace log when --trace is set; each kernel
is a separate source in it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "hardware profile (overrides each kernel's target)")
	cmd.Flags().StringVarP(&opts.OutputDir, "output-dir", "o", ".", "directory for listings")
	cmd.Flags().StringVar(&opts.TraceFile, "trace", "", "record all lowerings to one binary trace log")
	cmd.Flags().BoolVar(&opts.CheckConflicts, "check-conflicts", false, "count register read-port conflicts")
	cmd.Flags().BoolVar(&opts.NoProgress, "no-progress", false, "do not draw a progress bar")

	return cmd
}

func runBatch(opts *BatchOptions, paths []string, cmd *cobra.Command) (err error) {
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	cfg := kernelConfig{Target: opts.Target, CheckConflicts: opts.CheckConflicts}
	if opts.TraceFile != "" {
		w, terr := trace.Create(opts.TraceFile)
		if terr != nil {
			return fmt.Errorf("create trace log: %w", terr)
		}
		defer func() {
			if cerr := w.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close trace log: %w", cerr)
			}
		}()
		cfg.Trace = w
	}

	var bar *progressbar.ProgressBar
	if !opts.NoProgress {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("compiling"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	var failed []string
	names := make(map[string]string)
	for _, path := range paths {
		if err := batchOne(opts, cfg, path, names); err != nil {
			slog.Error("kernel failed", "file", path, "err", err)
			failed = append(failed, path)
		}
		if bar != nil {
			if err := bar.Add(1); err != nil {
				slog.Warn("progress bar update failed", "err", err)
			}
		}
	}
	if bar != nil {
		if err := bar.Finish(); err != nil {
			slog.Warn("progress bar finish failed", "err", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "compiled %d of %d kernels into %s\n",
		len(paths)-len(failed), len(paths), opts.OutputDir)
	if len(failed) > 0 {
		return fmt.Errorf("%d kernels failed: %v", len(failed), failed)
	}
	return nil
}

// batchOne compiles path and writes its listing. names maps kernel names to
// the file that first claimed them so two files cannot overwrite one
// listing.
func batchOne(opts *BatchOptions, cfg kernelConfig, path string, names map[string]string) error {
	k, err := opts.compileKernel(path, cfg)
	if err != nil {
		return err
	}
	if prev, ok := names[k.Name]; ok {
		return fmt.Errorf("kernel %s is also defined in %s", k.Name, prev)
	}
	names[k.Name] = path

	listing := k.Listing
	if k.Conflicts != nil {
		listing += fmt.Sprintf("// %d bank conflicts, %d bundle conflicts\n", k.Conflicts.Bank, k.Conflicts.Bundle)
	}
	out := filepath.Join(opts.OutputDir, k.Name+".s")
	if err := os.WriteFile(out, []byte(listing), 0644); err != nil {
		return fmt.Errorf("write listing: %w", err)
	}
	slog.Debug("wrote listing", "kernel", k.Name, "file", out)
	return nil
}
