package codegen

import "github.com/tinyrange/simdgen/internal/asm"

// emitter builds instruction records.
type emitter struct {
	out func(asm.Inst)
}

func (e emitter) inst(op asm.Opcode, mod asm.Mod, dst asm.Operand, srcs ...asm.Operand) {
	in := asm.Inst{Op: op, Mod: mod, Dst: dst}
	copy(in.Src[:], srcs)
	e.out(in)
}

func (e emitter) mov(mod asm.Mod, dst, src asm.Operand) {
	e.inst(asm.OpMov, mod, dst, src)
}

func (e emitter) sel(mod asm.Mod, dst, a, b asm.Operand) {
	e.inst(asm.OpSel, mod, dst, a, b)
}

func (e emitter) add(mod asm.Mod, dst, a, b asm.Operand) {
	e.inst(asm.OpAdd, mod, dst, a, b)
}

func (e emitter) mul(mod asm.Mod, dst, a, b asm.Operand) {
	e.inst(asm.OpMul, mod, dst, a, b)
}

func (e emitter) and(mod asm.Mod, dst, a, b asm.Operand) {
	e.inst(asm.OpAnd, mod, dst, a, b)
}

// cmp writes the comparison result into the condition flag of mod.
func (e emitter) cmp(mod asm.Mod, a, b asm.Operand) {
	e.inst(asm.OpCmp, mod, asm.Null(a.Type()), a, b)
}

// csel selects a where c compares true against zero under mod's condition,
// b otherwise.
func (e emitter) csel(mod asm.Mod, dst, a, b, c asm.Operand) {
	e.inst(asm.OpCsel, mod, dst, a, b, c)
}

func (e emitter) math(fn asm.MathFn, mod asm.Mod, dst, a asm.Operand) {
	e.out(asm.Inst{Op: asm.OpMath, Math: fn, Mod: mod, Dst: dst, Src: [3]asm.Operand{a}})
}

func (e emitter) jmpi(mod asm.Mod, target asm.Label) {
	e.out(asm.Inst{Op: asm.OpJmpi, Mod: mod, JIP: target})
}

func (e emitter) sendMsg(mod asm.Mod, msg asm.Message, dst, addr, data asm.Operand) {
	e.out(asm.Inst{Op: asm.OpSend, Mod: mod, Msg: &msg, Dst: dst, Src: [3]asm.Operand{addr, data}})
}

func (e emitter) barrierMsg(mod asm.Mod, header asm.Region) {
	e.inst(asm.OpBarrierMsg, mod, asm.Operand{}, asm.RegOp(header, 1))
}

func (e emitter) barrierWait() {
	e.inst(asm.OpBarrierWait, asm.Exec(1), asm.Operand{})
}

func (e emitter) slmFence(mod asm.Mod, tmp, r0 asm.Region) {
	e.inst(asm.OpSLMFence, mod, asm.RegOp(tmp, 1), asm.RegOp(r0, 1))
}

func (e emitter) fenceWait(tmp asm.Region) {
	e.inst(asm.OpFenceWait, asm.Exec(1), asm.Operand{}, asm.RegOp(tmp, 1))
}

func zeroOf(t asm.DataType) asm.Operand {
	if t.IsFloat() {
		return asm.ImmOp(asm.ImmFloat(0, t))
	}
	return asm.ImmOp(asm.Imm(0, t))
}

// scalarReg returns a one-lane operand over r.
func scalarReg(r asm.Region) asm.Operand {
	r.HS, r.VS, r.Width = 0, 0, 0
	return asm.RegOp(r, 1)
}
