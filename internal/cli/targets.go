package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// TargetsOptions holds flags for the targets command.
type TargetsOptions struct {
	*RootOptions
	YAML bool
}

// NewTargetsCommand creates the targets command.
func NewTargetsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TargetsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List hardware profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTargets(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.YAML, "yaml", false, "print the profiles as YAML")

	return cmd
}

func runTargets(opts *TargetsOptions, cmd *cobra.Command) error {
	profiles, err := opts.profiles()
	if err != nil {
		return err
	}

	if opts.YAML {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(profiles); err != nil {
			return fmt.Errorf("encode profiles: %w", err)
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tGEN\tSIMD\tGRF\tFLAGS\tFEATURES")
	for _, p := range profiles {
		var features []string
		if p.Features.DPAS {
			features = append(features, "dpas")
		}
		if p.Features.FloatAtomics {
			features = append(features, "float-atomics")
		}
		if p.Features.FP64Atomics {
			features = append(features, "fp64-atomics")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%dx%dB\t%d\t%s\n",
			p.Name, p.Gen, p.SIMD, p.GRFCount, p.GRFBytes, p.FlagRegs, strings.Join(features, ","))
	}
	return tw.Flush()
}
