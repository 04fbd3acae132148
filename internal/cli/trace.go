package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/tinyrange/simdgen/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Sources []string
	Kinds   []string
	Limit   int
}

var traceKinds = map[string]trace.Kind{
	"inst":    trace.KindInst,
	"label":   trace.KindLabel,
	"comment": trace.KindComment,
}

var kindStyles = map[trace.Kind]ansi.Style{
	trace.KindInst:    opStyle,
	trace.KindLabel:   labelStyle,
	trace.KindComment: commentStyle,
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <log>",
		Short: "Print the entries of a lowering trace log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Sources, "source", "s", nil, "only show these kernels")
	cmd.Flags().StringSliceVarP(&opts.Kinds, "kind", "k", nil, "only show these entry kinds (inst|label|comment)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "show at most this many entries")

	return cmd
}

func runTrace(opts *TraceOptions, path string, cmd *cobra.Command) error {
	search := trace.SearchOptions{Sources: opts.Sources, Limit: opts.Limit}
	for _, name := range opts.Kinds {
		k, ok := traceKinds[name]
		if !ok {
			return fmt.Errorf("unknown entry kind %q", name)
		}
		search.Kinds = append(search.Kinds, k)
	}

	r, closer, err := trace.Open(path)
	if err != nil {
		return err
	}
	defer closer.Close()

	width := 0
	for _, s := range r.Sources() {
		width = max(width, len(s))
	}
	out := cmd.OutOrStdout()
	color := useColor(opts.Color, out)
	return r.Search(search, func(e trace.Entry) error {
		kind := e.Kind.String()
		if color {
			kind = kindStyles[e.Kind].Styled(kind)
		}
		_, err := fmt.Fprintf(out, "%6d  %s  %s  %s\n",
			e.Seq, pad(e.Source, width), pad(kind, len("comment")), strings.TrimSpace(e.Text))
		return err
	})
}
