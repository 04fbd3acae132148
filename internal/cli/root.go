// Package cli implements the simdgen command line.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tinyrange/simdgen/internal/target"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	Verbose bool
	// Color is one of auto, always or never.
	Color string
	// Profiles names a YAML file of extra hardware profiles. Its entries
	// shadow built-in profiles of the same name.
	Profiles string
}

var colorModes = []string{"auto", "always", "never"}

// NewRootCommand creates the simdgen root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "simdgen",
		Short: "Lower SIMD kernels to vector instructions",
		Long: `simdgen lowers kernels described in YAML to instruction listings for
SIMD/SIMT register-file machines.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(colorModes, opts.Color) {
				return fmt.Errorf("invalid color mode %q: must be one of %v", opts.Color, colorModes)
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log lowering decisions")
	cmd.PersistentFlags().StringVar(&opts.Color, "color", "auto", "colorize listings (auto|always|never)")
	cmd.PersistentFlags().StringVar(&opts.Profiles, "profiles", "", "YAML file with additional hardware profiles")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewBatchCommand(opts))
	cmd.AddCommand(NewTargetsCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// profiles returns the built-in profiles followed by those loaded from
// --profiles.
func (o *RootOptions) profiles() ([]target.Profile, error) {
	builtin, err := target.Builtin()
	if err != nil {
		return nil, err
	}
	if o.Profiles == "" {
		return builtin, nil
	}
	extra, err := target.Load(o.Profiles)
	if err != nil {
		return nil, err
	}
	return append(builtin, extra...), nil
}

// profile resolves a profile name, preferring user profiles.
func (o *RootOptions) profile(name string) (target.Profile, error) {
	if name == "" {
		return target.Profile{}, fmt.Errorf("no target: set --target or the kernel's target field")
	}
	all, err := o.profiles()
	if err != nil {
		return target.Profile{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Name == name {
			return all[i], nil
		}
	}
	return target.Profile{}, fmt.Errorf("unknown target %q", name)
}
