package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/simdgen/internal/codegen"
	"github.com/tinyrange/simdgen/internal/host"
	"github.com/tinyrange/simdgen/internal/kernelfile"
	"github.com/tinyrange/simdgen/internal/target"
	"github.com/tinyrange/simdgen/internal/trace"
)

// kernelConfig carries the per-run settings of compile and batch.
type kernelConfig struct {
	Target         string
	CheckConflicts bool
	// Diagnose renders lowering failures into the listing instead of
	// failing the command.
	Diagnose bool
	Trace    *trace.Writer
}

type compiledKernel struct {
	Name      string
	Profile   target.Profile
	Listing   string
	Setup     codegen.SetupFlags
	Conflicts *codegen.ConflictStats
	// Failed is set when Diagnose turned a lowering error into text.
	Failed bool
}

func (o *RootOptions) compileKernel(path string, cfg kernelConfig) (*compiledKernel, error) {
	f, err := kernelfile.Load(path)
	if err != nil {
		return nil, err
	}
	name := cfg.Target
	if name == "" {
		name = f.Target
	}
	p, err := o.profile(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	k, err := f.Build(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.CheckConflicts {
		k.Options.CheckConflicts = true
	}

	hostOpts := []host.Option{host.WithReserved(k.Reserved...)}
	if cfg.Trace != nil {
		hostOpts = append(hostOpts, host.WithTrace(cfg.Trace, k.Name))
	}
	rec := host.New(p, hostOpts...)

	out := &compiledKernel{Name: k.Name, Profile: p, Setup: codegen.SetupFlagsOf(k.Body)}
	slog.Debug("compiling kernel",
		"kernel", k.Name, "target", p.Name,
		"dpas", out.Setup.HasDPAS, "atomics", out.Setup.HasSendAtomics, "signal_header", out.Setup.HasSignalHeader)

	if cfg.Diagnose {
		out.Listing = codegen.Disassemble(k.Body, rec, k.Externals, k.Options)
		out.Failed = strings.HasPrefix(out.Listing, "IR lowering error:")
	} else {
		if err := codegen.Generate(k.Body, rec, k.Externals, k.Options); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out.Listing = rec.String()
	}
	if err := rec.TraceErr(); err != nil {
		slog.Warn("trace incomplete", "kernel", k.Name, "err", err)
	}
	if k.Options.CheckConflicts && !out.Failed {
		stats := codegen.CountConflicts(p, rec.Program().Machine())
		out.Conflicts = &stats
	}
	return out, nil
}
