package target

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

// Validate checks a profile against the embedded CUE schema and the
// cross-field rules the schema cannot express.
func Validate(p Profile) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("target: compile schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Profile"))
	doc := ctx.Encode(map[string]any{
		"name":      p.Name,
		"gen":       p.Gen.String(),
		"simd":      p.SIMD,
		"grf_bytes": p.GRFBytes,
		"grf_count": p.GRFCount,
		"flag_regs": p.FlagRegs,
		"banks":     p.Banks,
		"bundles":   p.Bundles,
		"features": map[string]any{
			"fp64_atomics":  p.Features.FP64Atomics,
			"float_atomics": p.Features.FloatAtomics,
			"dpas":          p.Features.DPAS,
		},
	})
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("target: profile %q: %w", p.Name, err)
	}

	if p.Features.FP64Atomics && !p.Features.FloatAtomics {
		return fmt.Errorf("target: profile %q: fp64 atomics require float atomics", p.Name)
	}
	if p.SIMD > 16*2 {
		return fmt.Errorf("target: profile %q: SIMD %d exceeds flag register width", p.Name, p.SIMD)
	}
	return nil
}
