package codegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/asm/sim"
	"github.com/tinyrange/simdgen/internal/host"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/target"
)

var xehpg = target.MustLookup("xehpg")

// Buffers handed in by tests live from fixedBase upwards so the allocator
// never hands them out.
const fixedBase = 96

func fixedRegs(p target.Profile) []int {
	var regs []int
	for r := fixedBase; r < p.GRFCount; r++ {
		regs = append(regs, r)
	}
	return regs
}

func newRecorder(p target.Profile) *host.Recorder {
	return host.New(p, host.WithReserved(fixedRegs(p)...))
}

// buffer returns a byte buffer operand starting at register reg.
func buffer(p target.Profile, reg int) asm.Operand {
	return asm.RegOp(asm.NewRegion(p.GRFBytes, reg, 0, asm.TypeUB), 1)
}

func region(p target.Profile, reg int, t asm.DataType) asm.Region {
	return asm.NewRegion(p.GRFBytes, reg, 0, t)
}

func bufVar(name string) *ir.Var {
	return ir.NewVar(name, ir.Scalar(ir.BytePtr))
}

func lower(t *testing.T, p target.Profile, body ir.Stmt, ext Externals) *host.Recorder {
	t.Helper()
	rec := newRecorder(p)
	require.NoError(t, Generate(body, rec, ext, Options{}))
	return rec
}

func simulate(t *testing.T, rec *host.Recorder, setup func(m *sim.Machine)) *sim.Machine {
	t.Helper()
	m := sim.New(rec.Profile())
	if setup != nil {
		setup(m)
	}
	require.NoError(t, m.Run(rec.Program()), "program:\n%s", rec.String())
	return m
}

// listing renders a program without comments.
func listing(p asm.Program) string {
	var kept []asm.Inst
	for _, inst := range p.Insts() {
		if inst.Op != asm.OpComment {
			kept = append(kept, inst)
		}
	}
	return asm.NewProgram(kept).String()
}

func countMessages(p asm.Program, op asm.MessageOp) int {
	n := 0
	for _, inst := range p.Insts() {
		if inst.Op == asm.OpSend && inst.Msg != nil && inst.Msg.Op == op {
			n++
		}
	}
	return n
}

func hasLabel(p asm.Program, hint string) bool {
	for _, inst := range p.Insts() {
		if inst.Op == asm.OpLabel && strings.HasSuffix(string(inst.JIP), "_"+hint) {
			return true
		}
	}
	return false
}

func f32x(n int) ir.Type { return ir.Vec(ir.F32, n) }
func s32x(n int) ir.Type { return ir.Vec(ir.S32, n) }
