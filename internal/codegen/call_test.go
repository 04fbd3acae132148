package codegen

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/asm/sim"
	"github.com/tinyrange/simdgen/internal/host"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/regalloc"
	"github.com/tinyrange/simdgen/internal/target"
)

func TestEltwise(t *testing.T) {
	signed := func(i int) float64 { return float64(i-8) * 0.5 }
	positive := func(i int) float64 { return float64(i)*0.25 + 0.25 }

	tests := []struct {
		name  string
		fn    ir.Eltwise
		input func(i int) float64
		want  func(x float64) float64
	}{
		{"relu", ir.Eltwise{Alg: ir.EltwiseRelu}, signed, func(x float64) float64 { return math.Max(x, 0) }},
		{"leaky relu", ir.Eltwise{Alg: ir.EltwiseRelu, Alpha: 0.5}, signed, func(x float64) float64 {
			if x > 0 {
				return x
			}
			return 0.5 * x
		}},
		{"linear", ir.Eltwise{Alg: ir.EltwiseLinear, Alpha: 2, Beta: 1}, signed, func(x float64) float64 { return 2*x + 1 }},
		{"abs", ir.Eltwise{Alg: ir.EltwiseAbs}, signed, math.Abs},
		{"square", ir.Eltwise{Alg: ir.EltwiseSquare}, signed, func(x float64) float64 { return x * x }},
		{"sqrt", ir.Eltwise{Alg: ir.EltwiseSqrt}, positive, math.Sqrt},
		{"exp", ir.Eltwise{Alg: ir.EltwiseExp}, signed, math.Exp},
		{"logistic", ir.Eltwise{Alg: ir.EltwiseLogistic}, signed, func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }},
		{"tanh", ir.Eltwise{Alg: ir.EltwiseTanh}, signed, math.Tanh},
		{"clip", ir.Eltwise{Alg: ir.EltwiseClip, Alpha: -1, Beta: 2}, signed, func(x float64) float64 { return math.Min(math.Max(x, -1), 2) }},
		{"scaled relu", ir.Eltwise{Alg: ir.EltwiseRelu, Scale: 3}, signed, func(x float64) float64 { return 3 * math.Max(x, 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bufVar("data")
			fn := tt.fn
			rec := lower(t, xehpg, ir.NewCall(&fn, ir.S32Const(16), data), Externals{data: buffer(xehpg, 100)})

			in := make([]float64, 16)
			for i := range in {
				in[i] = tt.input(i)
			}
			m := simulate(t, rec, func(m *sim.Machine) { m.Store(region(xehpg, 100, asm.TypeF), in...) })
			got := m.Load(region(xehpg, 100, asm.TypeF), 16)
			for i, x := range in {
				want := tt.want(x)
				assert.InDelta(t, want, got[i], 1e-4*math.Max(1, math.Abs(want)), "element %d (x=%g)", i, x)
			}
		})
	}
}

func TestEltwisePartialChunk(t *testing.T) {
	data := bufVar("data")
	rec := lower(t, xehpg, ir.NewCall(&ir.Eltwise{Alg: ir.EltwiseRelu}, ir.S32Const(12), data), Externals{data: buffer(xehpg, 100)})

	m := simulate(t, rec, func(m *sim.Machine) {
		m.Store(region(xehpg, 100, asm.TypeF), -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1)
	})
	got := m.Load(region(xehpg, 100, asm.TypeF), 16)
	for i := 0; i < 12; i++ {
		assert.Equal(t, 0.0, got[i], "element %d", i)
	}
	for i := 12; i < 16; i++ {
		assert.Equal(t, -1.0, got[i], "element %d is past the end", i)
	}
}

func TestEltwiseReleasesChunkOnFailure(t *testing.T) {
	// Only the two scratch registers are free, so the unaligned tail chunk
	// cannot get its temporary.
	var reserved []int
	for r := 3; r < xehpg.GRFCount; r++ {
		reserved = append(reserved, r)
	}
	rec := host.New(xehpg, host.WithReserved(reserved...))
	require.Equal(t, 2, rec.RA().FreeRegs())

	data := bufVar("data")
	err := Generate(ir.NewCall(&ir.Eltwise{Alg: ir.EltwiseRelu}, ir.S32Const(12), data), rec, Externals{data: buffer(xehpg, 100)}, Options{})
	require.ErrorIs(t, err, regalloc.ErrExhausted)
	assert.Equal(t, 2, rec.RA().FreeRegs())
}

func TestEltwiseRejectsDynamicCount(t *testing.T) {
	data, n := bufVar("data"), ir.NewVar("n", ir.Scalar(ir.S32))
	ext := Externals{data: buffer(xehpg, 100), n: asm.RegOp(region(xehpg, 101, asm.TypeD).Format(0, 1, 1, asm.TypeD), 1)}
	err := Generate(ir.NewCall(&ir.Eltwise{Alg: ir.EltwiseRelu}, n, data), newRecorder(xehpg), ext, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element count must be constant")
}

func TestReorderConvertsTypes(t *testing.T) {
	src, dst := bufVar("src"), bufVar("dst")
	ext := Externals{src: buffer(xehpg, 100), dst: buffer(xehpg, 104)}
	fn := &ir.Reorder{SrcType: ir.Scalar(ir.F32), DstType: ir.Scalar(ir.F16), Elems: 16}
	rec := lower(t, xehpg, ir.NewCall(fn, src, dst), ext)
	assert.Equal(t, 1, rec.Program().Count(asm.OpMov))

	in := make([]float64, 16)
	for i := range in {
		in[i] = float64(i) * 0.5
	}
	m := simulate(t, rec, func(m *sim.Machine) { m.Store(region(xehpg, 100, asm.TypeF), in...) })
	assert.Equal(t, in, m.Load(region(xehpg, 104, asm.TypeHF), 16))
}

func TestReorderStridedSource(t *testing.T) {
	src, dst := bufVar("src"), bufVar("dst")
	ext := Externals{src: buffer(xehpg, 100), dst: buffer(xehpg, 104)}
	fn := &ir.Reorder{SrcType: ir.Scalar(ir.F32), DstType: ir.Scalar(ir.F32), Elems: 8, SrcStride: 2}
	rec := lower(t, xehpg, ir.NewCall(fn, src, dst), ext)

	in := make([]float64, 16)
	for i := range in {
		in[i] = float64(i)
	}
	m := simulate(t, rec, func(m *sim.Machine) { m.Store(region(xehpg, 100, asm.TypeF), in...) })
	assert.Equal(t, []float64{0, 2, 4, 6, 8, 10, 12, 14}, m.Load(region(xehpg, 104, asm.TypeF), 8))
}

func TestReduce(t *testing.T) {
	src, dst := bufVar("src"), bufVar("dst")
	ext := Externals{src: buffer(xehpg, 100), dst: buffer(xehpg, 104)}
	fn := &ir.Reduce{Type: ir.Scalar(ir.F32), SrcElems: 32, DstElems: 8}
	rec := lower(t, xehpg, ir.NewCall(fn, src, dst), ext)
	assert.Equal(t, 3, rec.Program().Count(asm.OpAdd))

	in := make([]float64, 32)
	for i := range in {
		in[i] = float64(i)
	}
	m := simulate(t, rec, func(m *sim.Machine) { m.Store(region(xehpg, 100, asm.TypeF), in...) })
	got := m.Load(region(xehpg, 104, asm.TypeF), 8)
	for i := range got {
		assert.Equal(t, float64(4*i+48), got[i], "element %d", i)
	}
}

func TestReduceRejectsUnevenSplit(t *testing.T) {
	src, dst := bufVar("src"), bufVar("dst")
	ext := Externals{src: buffer(xehpg, 100), dst: buffer(xehpg, 104)}
	fn := &ir.Reduce{Type: ir.Scalar(ir.F32), SrcElems: 30, DstElems: 8}
	assert.Error(t, Generate(ir.NewCall(fn, src, dst), newRecorder(xehpg), ext, Options{}))
}

func TestZeroOut(t *testing.T) {
	buf := bufVar("buf")
	rec := lower(t, xehpg, ir.NewCall(ir.ZeroOutFunc, buf, ir.S32Const(64)), Externals{buf: buffer(xehpg, 100)})

	ones := make([]float64, 17)
	for i := range ones {
		ones[i] = 1
	}
	m := simulate(t, rec, func(m *sim.Machine) { m.Store(region(xehpg, 100, asm.TypeF), ones...) })
	got := m.Load(region(xehpg, 100, asm.TypeF), 17)
	assert.Equal(t, make([]float64, 16), got[:16])
	assert.Equal(t, 1.0, got[16])
}

func TestZeroOutRequiresConstantSize(t *testing.T) {
	buf, n := bufVar("buf"), ir.NewVar("n", ir.Scalar(ir.S32))
	ext := Externals{buf: buffer(xehpg, 100), n: asm.RegOp(region(xehpg, 101, asm.TypeD).Format(0, 1, 1, asm.TypeD), 1)}
	err := Generate(ir.NewCall(ir.ZeroOutFunc, buf, n), newRecorder(xehpg), ext, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero_out size is not constant")
}

// int8Rows writes the byte operands shared by the dot product tests.
func int8Rows(m *sim.Machine) {
	var a []int64
	for i := 0; i < 8; i++ {
		a = append(a, int64(i), 1, -1, 2)
	}
	m.StoreInt(region(xehpg, 100, asm.TypeB), a...)
	m.StoreInt(region(xehpg, 101, asm.TypeB), 1, 2, 3, 4, 1, 1, 1, 1)
}

func TestDP4A(t *testing.T) {
	dst, a, b := bufVar("dst"), bufVar("a"), bufVar("b")
	ext := Externals{dst: buffer(xehpg, 102), a: buffer(xehpg, 100), b: buffer(xehpg, 101)}
	fn := &ir.DPAS{ExecSize: 8, SDepth: 1, RCount: 1, DstType: ir.Scalar(ir.S32), Src1Type: ir.Scalar(ir.S8), Src2Type: ir.Scalar(ir.S8)}
	rec := lower(t, xehpg, ir.NewCall(fn, dst, ir.S32Const(0), a, b), ext)

	require.Equal(t, 1, rec.Program().Count(asm.OpDp4a))
	for _, inst := range rec.Program().Insts() {
		if inst.Op == asm.OpDp4a {
			assert.True(t, inst.Src[0].IsImm(), "zero accumulator becomes an immediate")
			assert.True(t, inst.Src[2].Reg.IsScalar(), "src2 is shared by every lane")
		}
	}

	m := simulate(t, rec, int8Rows)
	assert.Equal(t, []int64{7, 8, 9, 10, 11, 12, 13, 14}, m.LoadInt(region(xehpg, 102, asm.TypeD), 8))
}

func TestDPAS(t *testing.T) {
	dst, a, b := bufVar("dst"), bufVar("a"), bufVar("b")
	ext := Externals{dst: buffer(xehpg, 102), a: buffer(xehpg, 100), b: buffer(xehpg, 101)}
	fn := &ir.DPAS{ExecSize: 8, SDepth: 1, RCount: 2, DstType: ir.Scalar(ir.S32), Src1Type: ir.Scalar(ir.S8), Src2Type: ir.Scalar(ir.S8)}
	rec := lower(t, xehpg, ir.NewCall(fn, dst, ir.S32Const(0), a, b), ext)

	var dpas asm.Inst
	for _, inst := range rec.Program().Insts() {
		if inst.Op == asm.OpDpas {
			dpas = inst
		}
	}
	require.Equal(t, asm.OpDpas, dpas.Op)
	assert.Equal(t, 1, dpas.SDepth)
	assert.Equal(t, 2, dpas.RCount)
	assert.True(t, dpas.Src[0].IsNull())

	m := simulate(t, rec, int8Rows)
	got := m.LoadInt(region(xehpg, 102, asm.TypeD), 16)
	for i := 0; i < 8; i++ {
		assert.Equal(t, int64(i+7), got[i], "row 0 lane %d", i)
		assert.Equal(t, int64(i+2), got[8+i], "row 1 lane %d", i)
	}
}

func TestDPASRejectsNonZeroAccumulatorImmediate(t *testing.T) {
	dst, a, b := bufVar("dst"), bufVar("a"), bufVar("b")
	ext := Externals{dst: buffer(xehpg, 102), a: buffer(xehpg, 100), b: buffer(xehpg, 101)}
	fn := &ir.DPAS{ExecSize: 8, SDepth: 8, RCount: 8, DstType: ir.Scalar(ir.S32), Src1Type: ir.Scalar(ir.S8), Src2Type: ir.Scalar(ir.S8)}
	err := Generate(ir.NewCall(fn, dst, ir.S32Const(1), a, b), newRecorder(xehpg), ext, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accumulator immediate must be zero")
}

func TestDPASNeedsMatrixUnit(t *testing.T) {
	p := mustLookup(t, "xelp")
	dst, a, b := bufVar("dst"), bufVar("a"), bufVar("b")
	ext := Externals{dst: buffer(p, 102), a: buffer(p, 100), b: buffer(p, 101)}
	fn := &ir.DPAS{ExecSize: 8, SDepth: 1, RCount: 2, DstType: ir.Scalar(ir.S32), Src1Type: ir.Scalar(ir.S8), Src2Type: ir.Scalar(ir.S8)}
	err := Generate(ir.NewCall(fn, dst, ir.S32Const(0), a, b), newRecorder(p), ext, Options{})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Msg, "target xelp has no systolic matrix instructions")

	dp4a := &ir.DPAS{ExecSize: 8, SDepth: 1, RCount: 1, DstType: ir.Scalar(ir.S32), Src1Type: ir.Scalar(ir.S8), Src2Type: ir.Scalar(ir.S8)}
	assert.NoError(t, Generate(ir.NewCall(dp4a, dst, ir.S32Const(0), a, b), newRecorder(p), ext, Options{}))
}

func TestMADBroadcast(t *testing.T) {
	dst, acc, a, s := bufVar("dst"), bufVar("acc"), bufVar("a"), bufVar("s")
	ext := Externals{dst: buffer(xehpg, 103), acc: buffer(xehpg, 100), a: buffer(xehpg, 101), s: buffer(xehpg, 102)}
	f32 := ir.Scalar(ir.F32)
	fn := &ir.MAD{ExecSize: 8, DstType: f32, Src1Type: f32, Src2Type: f32, Src1Stride: 1, Src2Stride: 0}

	setup := func(m *sim.Machine) {
		m.Store(region(xehpg, 100, asm.TypeF), 1, 1, 1, 1, 2, 2, 2, 2)
		m.Store(region(xehpg, 101, asm.TypeF), 0, 1, 2, 3, 4, 5, 6, 7)
		m.Store(region(xehpg, 102, asm.TypeF), 3, 100)
	}

	t.Run("accumulate", func(t *testing.T) {
		rec := lower(t, xehpg, ir.NewCall(fn, dst, acc, a, s), ext)
		assert.Equal(t, 1, rec.Program().Count(asm.OpMad))
		m := simulate(t, rec, setup)
		assert.Equal(t, []float64{1, 4, 7, 10, 14, 17, 20, 23}, m.Load(region(xehpg, 103, asm.TypeF), 8))
	})
	t.Run("zero accumulator", func(t *testing.T) {
		rec := lower(t, xehpg, ir.NewCall(fn, dst, ir.S32Const(0), a, s), ext)
		assert.Equal(t, 0, rec.Program().Count(asm.OpMad))
		assert.Equal(t, 1, rec.Program().Count(asm.OpMul))
		m := simulate(t, rec, setup)
		assert.Equal(t, []float64{0, 3, 6, 9, 12, 15, 18, 21}, m.Load(region(xehpg, 103, asm.TypeF), 8))
	})
}

func scalarAddr(p target.Profile, reg int) asm.Operand {
	return asm.RegOp(region(p, reg, asm.TypeUQ).Format(0, 1, 1, asm.TypeUQ), 1)
}

func laneAddrs(p target.Profile, reg int) asm.Operand {
	return asm.RegOp(region(p, reg, asm.TypeUQ), 8)
}

func TestSendBlockLoadStore(t *testing.T) {
	src, dst, buf := bufVar("src"), bufVar("dst"), bufVar("buf")
	ext := Externals{src: scalarAddr(xehpg, 100), dst: scalarAddr(xehpg, 101), buf: buffer(xehpg, 104)}
	load := &ir.Send{Op: ir.SendLoad, Space: asm.SpaceGlobal, Type: ir.Scalar(ir.F32), Slots: 8, Elems: 1}
	store := &ir.Send{Op: ir.SendStore, Space: asm.SpaceGlobal, Type: ir.Scalar(ir.F32), Slots: 8, Elems: 1}
	rec := lower(t, xehpg, ir.Seq{ir.NewCall(load, src, buf), ir.NewCall(store, dst, buf)}, ext)

	assert.Equal(t, 1, countMessages(rec.Program(), asm.MsgLoad))
	assert.Equal(t, 1, countMessages(rec.Program(), asm.MsgStore))

	in := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	m := simulate(t, rec, func(m *sim.Machine) {
		m.StoreInt(region(xehpg, 100, asm.TypeUQ), 64)
		m.StoreInt(region(xehpg, 101, asm.TypeUQ), 256)
		m.WriteMem(asm.SpaceGlobal, asm.TypeF, 64, in...)
	})
	assert.Equal(t, in, m.ReadMem(asm.SpaceGlobal, asm.TypeF, 256, 8))
}

func TestSendMaskedStore(t *testing.T) {
	addr, buf := bufVar("addr"), bufVar("buf")
	setup := func(m *sim.Machine) {
		var addrs []int64
		for i := 0; i < 8; i++ {
			addrs = append(addrs, int64(512+4*i))
		}
		m.StoreInt(region(xehpg, 100, asm.TypeUQ), addrs...)
		m.StoreInt(region(xehpg, 102, asm.TypeUQ), 1024)
		m.Store(region(xehpg, 104, asm.TypeF), 1, 2, 3, 4, 5, 6, 7, 8)
	}

	t.Run("predicate", func(t *testing.T) {
		ext := Externals{addr: laneAddrs(xehpg, 100), buf: buffer(xehpg, 104)}
		store := &ir.Send{Op: ir.SendStore, Type: ir.Scalar(ir.F32), Slots: 8}
		mask := ir.BoolMask(true, false, true, false, true, false, true, false)
		rec := lower(t, xehpg, ir.NewCall(store, addr, buf, mask), ext)
		m := simulate(t, rec, setup)
		assert.Equal(t, []float64{1, 0, 3, 0, 5, 0, 7, 0}, m.ReadMem(asm.SpaceGlobal, asm.TypeF, 512, 8))
	})
	t.Run("slot mask", func(t *testing.T) {
		ext := Externals{addr: scalarAddr(xehpg, 102), buf: buffer(xehpg, 104)}
		store := &ir.Send{Op: ir.SendStore, Type: ir.Scalar(ir.F32), Slots: 8, SlotMask: 0x0f}
		rec := lower(t, xehpg, ir.NewCall(store, addr, buf), ext)
		m := simulate(t, rec, setup)
		assert.Equal(t, []float64{1, 2, 3, 4, 0, 0, 0, 0}, m.ReadMem(asm.SpaceGlobal, asm.TypeF, 1024, 8))
	})
	t.Run("all lanes", func(t *testing.T) {
		ext := Externals{addr: laneAddrs(xehpg, 100), buf: buffer(xehpg, 104)}
		store := &ir.Send{Op: ir.SendStore, Type: ir.Scalar(ir.F32), Slots: 8}
		rec := lower(t, xehpg, ir.NewCall(store, addr, buf, ir.Broadcast(ir.BoolConst(true), 8)), ext)
		for _, inst := range rec.Program().Insts() {
			assert.False(t, inst.Mod.HasPred, "an all-true mask needs no predicate: %s", inst)
		}
		m := simulate(t, rec, setup)
		assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, m.ReadMem(asm.SpaceGlobal, asm.TypeF, 512, 8))
	})
}

func TestSendDisabledLoadFillsPayload(t *testing.T) {
	addr, buf := bufVar("addr"), bufVar("buf")
	ext := Externals{addr: laneAddrs(xehpg, 100), buf: buffer(xehpg, 104)}
	load := &ir.Send{Op: ir.SendLoad, Type: ir.Scalar(ir.S32), Slots: 8, FillBuf: true}
	mask := ir.BoolMask(false, false, false, false, false, false, false, false)
	rec := lower(t, xehpg, ir.NewCall(load, addr, buf, mask, ir.Int(7, ir.Scalar(ir.U32))), ext)

	assert.Equal(t, 0, rec.Program().Count(asm.OpSend))
	m := simulate(t, rec, nil)
	assert.Equal(t, []int64{7, 7, 7, 7, 7, 7, 7, 7}, m.LoadInt(region(xehpg, 104, asm.TypeUD), 8))
}

func TestSendPredicatedLoadFillsDisabledLanes(t *testing.T) {
	addr, buf := bufVar("addr"), bufVar("buf")
	ext := Externals{addr: laneAddrs(xehpg, 100), buf: buffer(xehpg, 104)}
	load := &ir.Send{Op: ir.SendLoad, Type: ir.Scalar(ir.S32), Slots: 8, FillBuf: true}
	mask := ir.BoolMask(true, false, true, false, true, false, true, false)
	rec := lower(t, xehpg, ir.NewCall(load, addr, buf, mask, ir.Int(7, ir.Scalar(ir.U32))), ext)

	m := simulate(t, rec, func(m *sim.Machine) {
		var addrs []int64
		for i := 0; i < 8; i++ {
			addrs = append(addrs, int64(4*i))
		}
		m.StoreInt(region(xehpg, 100, asm.TypeUQ), addrs...)
		m.WriteMem(asm.SpaceGlobal, asm.TypeD, 0, 10, 11, 12, 13, 14, 15, 16, 17)
	})
	assert.Equal(t, []int64{10, 7, 12, 7, 14, 7, 16, 7}, m.LoadInt(region(xehpg, 104, asm.TypeD), 8))
}

func TestSendRejectsArgumentCount(t *testing.T) {
	addr := bufVar("addr")
	err := Generate(ir.NewCall(&ir.Send{Op: ir.SendLoad, Type: ir.Scalar(ir.F32), Slots: 8}, addr),
		newRecorder(xehpg), Externals{addr: scalarAddr(xehpg, 100)}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send takes 2 to 4 arguments")
}

func TestAtomicAdd(t *testing.T) {
	// Lanes 0 and 1 share an address so the emulated loop has to retry.
	addrs := []int64{0, 0, 4, 8, 12, 16, 20, 24}
	want := []float64{13, 23, 34, 45, 56, 67, 78, 80}

	tests := []struct {
		profile string
		native  bool
	}{
		{"xehpg", true},
		{"xelp", false},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			p := target.MustLookup(tt.profile)
			addr, data := bufVar("addr"), bufVar("data")
			ext := Externals{addr: laneAddrs(p, 100), data: buffer(p, 104)}
			fn := &ir.Send{Op: ir.SendAtomicAdd, Type: ir.Scalar(ir.F32), Slots: 8, Elems: 1}
			rec := lower(t, p, ir.NewCall(fn, addr, data), ext)

			prog := rec.Program()
			if tt.native {
				assert.Equal(t, 1, countMessages(prog, asm.MsgAtomicAdd))
				assert.Equal(t, 0, countMessages(prog, asm.MsgAtomicCmpwr))
			} else {
				assert.Equal(t, 0, countMessages(prog, asm.MsgAtomicAdd))
				assert.Equal(t, 1, countMessages(prog, asm.MsgAtomicCmpwr))
				assert.True(t, hasLabel(prog, "atomic"))
			}

			m := simulate(t, rec, func(m *sim.Machine) {
				m.StoreInt(region(p, 100, asm.TypeUQ), addrs...)
				m.Store(region(p, 104, asm.TypeF), 1, 2, 3, 4, 5, 6, 7, 8)
				m.WriteMem(asm.SpaceGlobal, asm.TypeF, 0, 10, 20, 30, 40, 50, 60, 70, 80)
			})
			assert.Equal(t, want, m.ReadMem(asm.SpaceGlobal, asm.TypeF, 0, 8))
		})
	}
}

func TestAtomicAddEmulationStopsOnNaN(t *testing.T) {
	p := mustLookup(t, "xelp")
	addr, data := bufVar("addr"), bufVar("data")
	ext := Externals{addr: laneAddrs(p, 100), data: buffer(p, 104)}
	fn := &ir.Send{Op: ir.SendAtomicAdd, Type: ir.Scalar(ir.F32), Slots: 8, Elems: 1}
	rec := lower(t, p, ir.NewCall(fn, addr, data), ext)
	require.Equal(t, 1, countMessages(rec.Program(), asm.MsgAtomicCmpwr))

	nan := math.NaN()
	m := simulate(t, rec, func(m *sim.Machine) {
		m.StoreInt(region(p, 100, asm.TypeUQ), 0, 4, 8, 12, 16, 20, 24, 28)
		m.Store(region(p, 104, asm.TypeF), 1, 2, 3, 4, 5, 6, 7, 8)
		m.WriteMem(asm.SpaceGlobal, asm.TypeF, 0, nan, 20, 30, nan, 50, 60, 70, 80)
	})
	got := m.ReadMem(asm.SpaceGlobal, asm.TypeF, 0, 8)
	assert.True(t, math.IsNaN(got[0]))
	assert.True(t, math.IsNaN(got[3]))
	assert.Equal(t, []float64{22, 33, 55, 66, 77, 88}, []float64{got[1], got[2], got[4], got[5], got[6], got[7]})
	assert.Less(t, m.Steps, 64, "retry loop ran %d steps", m.Steps)
}

func TestBarrier(t *testing.T) {
	rec := lower(t, xehpg, ir.Seq{ir.NewCall(ir.BarrierFunc), ir.NewCall(ir.BarrierFunc)}, nil)
	prog := rec.Program()
	assert.Equal(t, 2, prog.Count(asm.OpSLMFence))
	assert.Equal(t, 2, prog.Count(asm.OpFenceWait))
	assert.Equal(t, 2, prog.Count(asm.OpBarrierMsg))
	assert.Equal(t, 2, prog.Count(asm.OpBarrierWait))
	assert.Equal(t, 2, prog.Count(asm.OpMov), "the signal header is set up once")

	header, err := rec.SignalHeader()
	require.NoError(t, err)
	m := simulate(t, rec, func(m *sim.Machine) {
		m.StoreInt(header, 5, 5, 5, 5, 5, 5, 5, 5)
		m.StoreInt(rec.R0(), 0, 0, 77)
	})
	assert.Equal(t, []int64{0, 0, 77, 0, 0, 0, 0, 0}, m.LoadInt(header, 8))
}

func TestSignalHeaderSurvivesTemporaries(t *testing.T) {
	p := mustLookup(t, "xelp")
	a, b, out := bufVar("a"), bufVar("b"), bufVar("out")
	ext := Externals{a: buffer(p, 100), b: buffer(p, 101), out: buffer(p, 102)}
	la, lb := ir.NewLoad(f32x(8), a, 0, 0), ir.NewLoad(f32x(8), b, 0, 0)
	body := ir.Seq{
		&ir.Store{Buf: out, Value: ir.Mul(ir.Add(la, lb), ir.Add(lb, lb))},
		ir.NewCall(ir.BarrierFunc),
	}
	rec := lower(t, p, body, ext)

	header, err := rec.SignalHeader()
	require.NoError(t, err)
	writes := 0
	for _, inst := range rec.Program().Machine() {
		if inst.Dst.IsReg() && inst.Dst.Reg.Base == header.Base {
			writes++
		}
	}
	assert.Equal(t, 2, writes, "only the prologue writes the signal header:\n%s", rec)

	m := simulate(t, rec, func(m *sim.Machine) {
		m.Store(region(p, 100, asm.TypeF), 1, 2, 3, 4, 5, 6, 7, 8)
		m.Store(region(p, 101, asm.TypeF), 1, 1, 1, 1, 1, 1, 1, 1)
		m.StoreInt(rec.R0(), 0, 0, 77)
	})
	assert.Equal(t, []int64{0, 0, 77, 0, 0, 0, 0, 0}, m.LoadInt(header, 8))
	assert.Equal(t, []float64{4, 6, 8, 10, 12, 14, 16, 18}, m.Load(region(p, 102, asm.TypeF), 8))
}

func TestSignalAndFence(t *testing.T) {
	rec := lower(t, xehpg, ir.Seq{ir.NewCall(ir.SignalFunc), ir.NewCall(ir.BarrierWaitFunc), ir.NewCall(ir.SLMFenceFunc)}, nil)
	prog := rec.Program()
	assert.Equal(t, 1, prog.Count(asm.OpBarrierMsg))
	assert.Equal(t, 1, prog.Count(asm.OpBarrierWait))
	assert.Equal(t, 1, prog.Count(asm.OpSLMFence))
	simulate(t, rec, nil)
}

func mustLookup(t *testing.T, name string) target.Profile {
	t.Helper()
	p, err := target.Lookup(name)
	require.NoError(t, err)
	return p
}

func TestCountConflicts(t *testing.T) {
	p := mustLookup(t, "xehpg")
	src := func(reg int) asm.Operand { return asm.RegOp(region(p, reg, asm.TypeF), 8) }
	mad := func(exec, a, b, c int) asm.Inst {
		return asm.Inst{Op: asm.OpMad, Mod: asm.Exec(exec), Dst: src(10), Src: [3]asm.Operand{src(a), src(b), src(c)}}
	}
	dpas := func(a, b, c int) asm.Inst {
		return asm.Inst{Op: asm.OpDpas, Mod: asm.Exec(8), Dst: src(10), Src: [3]asm.Operand{src(a), src(b), src(c)}, SDepth: 8, RCount: 8}
	}

	tests := []struct {
		name string
		inst asm.Inst
		want ConflictStats
	}{
		{"one bank", mad(8, 2, 4, 6), ConflictStats{Bank: 3}},
		{"split banks", mad(8, 2, 3, 5), ConflictStats{Bank: 1}},
		{"same bundle", mad(8, 2, 18, 3), ConflictStats{Bundle: 1}},
		{"two reads per source", mad(16, 2, 4, 6), ConflictStats{Bank: 6}},
		{"matrix accumulator skipped", dpas(2, 4, 5), ConflictStats{}},
		{"matrix sources", dpas(3, 4, 6), ConflictStats{Bank: 1}},
		{"not counted", asm.Inst{Op: asm.OpAdd, Mod: asm.Exec(8), Dst: src(10), Src: [3]asm.Operand{src(2), src(4)}}, ConflictStats{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountConflicts(p, []asm.Inst{tt.inst}))
		})
	}
}

func TestCheckConflictsOption(t *testing.T) {
	rec := newRecorder(xehpg)
	g := newGenerator(rec, Options{CheckConflicts: true})
	dst, acc, a, b := bufVar("dst"), bufVar("acc"), bufVar("a"), bufVar("b")
	for v, reg := range map[*ir.Var]int{dst: 102, acc: 96, a: 98, b: 100} {
		require.NoError(t, g.binding.Bind(v, buffer(xehpg, reg)))
	}
	f32 := ir.Scalar(ir.F32)
	fn := &ir.MAD{ExecSize: 8, DstType: f32, Src1Type: f32, Src2Type: f32, Src1Stride: 1, Src2Stride: 1}
	require.NoError(t, g.visit(ir.NewCall(fn, dst, acc, a, b)))
	assert.Equal(t, ConflictStats{Bank: 3}, g.conflicts.ConflictStats)
	assert.Equal(t, g.conflicts.ConflictStats, CountConflicts(xehpg, rec.Program().Insts()))
}

func TestBankConflictGroup(t *testing.T) {
	rec := newRecorder(xehpg)
	g := newGenerator(rec, Options{})
	a, b, c := bufVar("a"), bufVar("b"), bufVar("c")
	attr := &ir.BankConflictAttr{Bufs: []*ir.Var{a, b, c}, Sizes: []int{64, 64, 32}}

	ra, err := g.retainBankConflict(&ir.Alloc{Buf: a, Size: 64, BankConflict: attr})
	require.NoError(t, err)
	rb, err := g.retainBankConflict(&ir.Alloc{Buf: b, Size: 64, BankConflict: attr})
	require.NoError(t, err)
	rc, err := g.retainBankConflict(&ir.Alloc{Buf: c, Size: 32, BankConflict: attr})
	require.NoError(t, err)

	assert.Equal(t, 0, xehpg.Bank(ra.Base))
	assert.Equal(t, 1, xehpg.Bank(rb.Base))
	assert.Equal(t, 0, xehpg.Bank(rc.Base))
	require.Len(t, g.bankConflicts, 1)

	g.releaseBankConflict(attr)
	g.releaseBankConflict(attr)
	assert.False(t, g.ra.IsFree(regalloc.Range{Base: ra.Base, Len: 2}), "still referenced")
	g.releaseBankConflict(attr)
	assert.True(t, g.ra.IsFree(regalloc.Range{Base: ra.Base, Len: 2}))
	assert.True(t, g.ra.IsFree(regalloc.Range{Base: rb.Base, Len: 2}))
	assert.True(t, g.ra.IsFree(regalloc.Range{Base: rc.Base, Len: 1}))
	assert.Empty(t, g.bankConflicts)

	_, err = g.retainBankConflict(&ir.Alloc{Buf: bufVar("d"), Size: 32, BankConflict: attr})
	assert.Error(t, err)
}

func TestBankConflictNestedAllocs(t *testing.T) {
	rec := newRecorder(xehpg)
	g := newGenerator(rec, Options{})
	a, b, out := bufVar("a"), bufVar("b"), bufVar("out")
	require.NoError(t, g.binding.Bind(out, buffer(xehpg, 100)))
	attr := &ir.BankConflictAttr{Bufs: []*ir.Var{a, b}, Sizes: []int{32, 32}}
	free := g.ra.FreeRegs()

	body := &ir.Alloc{Buf: a, Size: 32, BankConflict: attr, Body: &ir.Alloc{Buf: b, Size: 32, BankConflict: attr,
		Body: &ir.Store{Buf: out, Value: ir.Add(ir.NewLoad(f32x(8), a, 0, 0), ir.NewLoad(f32x(8), b, 0, 0))}}}
	require.NoError(t, g.visit(body))

	assert.Equal(t, free, g.ra.FreeRegs())
	assert.Empty(t, g.bankConflicts)
}

func TestIntUpConvert(t *testing.T) {
	rec := newRecorder(xehpg)
	g := newGenerator(rec, Options{})
	buf := bufVar("buf")
	require.NoError(t, g.binding.Bind(buf, buffer(xehpg, 100)))

	scope := g.scope()
	defer scope.Release()
	ev := g.newEvaluator(scope)

	widen := ir.NewCast(ir.Scalar(ir.S32), ir.NewLoad(ir.Scalar(ir.S16), buf, 0, 0), false)
	narrow := ir.NewCast(ir.Scalar(ir.S8), ir.NewLoad(ir.Scalar(ir.S16), buf, 2, 0), false)
	_, err := ev.Eval(widen, asm.Operand{}, false)
	require.NoError(t, err)
	_, err = ev.Eval(narrow, asm.Operand{}, false)
	require.NoError(t, err)

	from, ok := ev.IntUpConvert(widen)
	require.True(t, ok)
	assert.Equal(t, ir.Scalar(ir.S16), from)
	_, ok = ev.IntUpConvert(narrow)
	assert.False(t, ok)
}
