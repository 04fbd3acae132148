package codegen

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/host"
	"github.com/tinyrange/simdgen/internal/ir"
)

func TestGoldenListings(t *testing.T) {
	a, b, out := bufVar("a"), bufVar("b"), bufVar("out")
	ext := Externals{a: buffer(xehpg, 100), b: buffer(xehpg, 101), out: buffer(xehpg, 102)}
	la, lb := ir.NewLoad(f32x(8), a, 0, 0), ir.NewLoad(f32x(8), b, 0, 0)
	i := ir.NewVar("i", ir.Scalar(ir.S32))

	kernels := []struct {
		name string
		body ir.Stmt
	}{
		{"vector_add", &ir.Store{Buf: out, Value: ir.Add(la, lb)}},
		{"counted_loop", &ir.For{Var: i, Init: ir.S32Const(0), Bound: ir.S32Const(4), Step: ir.S32Const(1), Body: accumulate(out, i)}},
		{"if_else", &ir.If{Cond: ir.Lt(la, lb), Body: &ir.Store{Buf: out, Value: la}, Else: &ir.Store{Buf: out, Value: lb}}},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, k := range kernels {
		t.Run(k.name, func(t *testing.T) {
			rec := lower(t, xehpg, k.body, ext)
			g.Assert(t, k.name, []byte(listing(rec.Program())))
		})
	}
}

func TestGenerateCommentsExternals(t *testing.T) {
	first, second := bufVar("a_first"), bufVar("b_second")
	rec := lower(t, xehpg, nil, Externals{second: buffer(xehpg, 100), first: buffer(xehpg, 101)})

	insts := rec.Program().Insts()
	require.Len(t, insts, 2)
	assert.Equal(t, "a_first -> r101.0<1>:ub", insts[0].Text)
	assert.Equal(t, "b_second -> r100.0<1>:ub", insts[1].Text)
}

func TestDisassembleReportsErrors(t *testing.T) {
	out := bufVar("out")
	x := ir.NewVar("x", f32x(8))
	text := Disassemble(&ir.Store{Buf: out, Value: x}, newRecorder(xehpg), Externals{out: buffer(xehpg, 102)}, Options{})
	assert.True(t, strings.HasPrefix(text, "IR lowering error: "), text)
	assert.Contains(t, text, "variable is not defined")
}

type panickingHost struct {
	*host.Recorder
}

func (panickingHost) Emit(asm.Inst) { panic("emit refused") }

func TestDisassembleRecoversPanics(t *testing.T) {
	a, out := bufVar("a"), bufVar("out")
	ext := Externals{a: buffer(xehpg, 100), out: buffer(xehpg, 102)}
	h := panickingHost{newRecorder(xehpg)}
	text := Disassemble(&ir.Store{Buf: out, Value: ir.NewLoad(f32x(8), a, 0, 0)}, h, ext, Options{})
	assert.Equal(t, "IR lowering error: emit refused\n", text)
}

func TestDisassembleListsProgram(t *testing.T) {
	a, out := bufVar("a"), bufVar("out")
	ext := Externals{a: buffer(xehpg, 100), out: buffer(xehpg, 102)}
	text := Disassemble(&ir.Store{Buf: out, Value: ir.NewLoad(f32x(8), a, 0, 0)}, newRecorder(xehpg), ext, Options{})
	assert.Contains(t, text, "  mov (8) r102.0<1>:f r100.0<1>:f\n")
	assert.Contains(t, text, "// out.store(0, a.load(0):f32x8)")
}

func TestSetupFlagsOf(t *testing.T) {
	buf := bufVar("buf")
	dpas := ir.NewCall(&ir.DPAS{ExecSize: 8, SDepth: 8, RCount: 8})
	atomic := ir.NewCall(&ir.Send{Op: ir.SendAtomicAdd, Type: ir.Scalar(ir.F32), Slots: 8})
	load := ir.NewCall(&ir.Send{Op: ir.SendLoad, Type: ir.Scalar(ir.F32), Slots: 8})
	barrier := ir.NewCall(ir.BarrierFunc)

	tests := []struct {
		name string
		body ir.Stmt
		want SetupFlags
	}{
		{"empty", ir.Seq{}, SetupFlags{}},
		{"load", load, SetupFlags{}},
		{"dpas", dpas, SetupFlags{HasDPAS: true}},
		{"nested", &ir.Alloc{Buf: buf, Size: 64, Body: ir.Seq{load, &ir.If{Cond: buf, Body: atomic}}}, SetupFlags{HasSendAtomics: true}},
		{"barrier in else", &ir.If{Cond: buf, Body: ir.Seq{}, Else: barrier}, SetupFlags{HasSignalHeader: true}},
		{"all", ir.Seq{dpas, atomic, ir.NewCall(ir.SignalFunc)}, SetupFlags{HasDPAS: true, HasSendAtomics: true, HasSignalHeader: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SetupFlagsOf(tt.body))
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := contractf(ir.NewVar("v", f32x(8)), "bad %s", "thing")
	assert.Equal(t, "codegen: bad thing: v", err.Error())
	assert.Equal(t, "codegen: plain", (&Error{Msg: "plain"}).Error())
}
