package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/simdgen/internal/trace"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Target         string
	Output         string
	TraceFile      string
	CheckConflicts bool
	Diagnose       bool
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <kernel.yaml>",
		Short: "Lower one kernel and print its listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "hardware profile (overrides the kernel's target)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the listing to a file")
	cmd.Flags().StringVar(&opts.TraceFile, "trace", "", "record the lowering to a binary trace log")
	cmd.Flags().BoolVar(&opts.CheckConflicts, "check-conflicts", false, "count register read-port conflicts")
	cmd.Flags().BoolVar(&opts.Diagnose, "diagnose", false, "print lowering errors inline instead of failing")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) (err error) {
	cfg := kernelConfig{
		Target:         opts.Target,
		CheckConflicts: opts.CheckConflicts,
		Diagnose:       opts.Diagnose,
	}
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

	k, err := opts.compileKernel(path, cfg)
	if err != nil {
		return err
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, []byte(k.Listing), 0644); err != nil {
			return fmt.Errorf("write listing: %w", err)
		}
	} else {
		writeListing(cmd.OutOrStdout(), opts.Color, k.Listing)
	}
	if k.Conflicts != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "// %s on %s: %d bank conflicts, %d bundle conflicts\n",
			k.Name, k.Profile.Name, k.Conflicts.Bank, k.Conflicts.Bundle)
	}
	if k.Failed {
		return fmt.Errorf("%s: lowering failed", k.Name)
	}
	return nil
}

func writeListing(w io.Writer, mode, listing string) {
	if useColor(mode, w) {
		listing = colorize(listing)
	}
	io.WriteString(w, listing)
}
