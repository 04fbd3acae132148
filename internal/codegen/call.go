package codegen

import (
	"math/bits"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/regalloc"
)

func (g *generator) visitCall(c *ir.Call) error {
	g.host.Comment(c.String())
	scope := g.scope()
	defer scope.Release()

	var attr asm.Mod
	if c.Attr != nil {
		attr = *c.Attr
	}

	switch fn := c.Func.(type) {
	case *ir.DPAS:
		args, err := g.evalArgs(scope, c, 4)
		if err != nil {
			return err
		}
		return g.dpas(c, fn, args, attr)
	case *ir.MAD:
		args, err := g.evalArgs(scope, c, 4)
		if err != nil {
			return err
		}
		return g.mad(scope, c, fn, args, attr)
	case *ir.Send:
		return g.visitSend(scope, c, fn, attr)
	case *ir.Reorder:
		if c.Attr != nil {
			return contractf(c, "reorder takes no attribute")
		}
		args, err := g.evalArgs(scope, c, 2)
		if err != nil {
			return err
		}
		return g.reorder(c, fn, args[ir.ArgSrcBuf], args[ir.ArgDstBuf])
	case *ir.Reduce:
		if c.Attr != nil {
			return contractf(c, "reduce takes no attribute")
		}
		args, err := g.evalArgs(scope, c, 2)
		if err != nil {
			return err
		}
		return g.reduce(c, fn, args[ir.ArgSrcBuf], args[ir.ArgDstBuf])
	case *ir.Eltwise:
		args, err := g.evalArgs(scope, c, 2)
		if err != nil {
			return err
		}
		return g.eltwise(scope, c, fn, args)
	case ir.Builtin:
		switch fn {
		case ir.BarrierFunc:
			return g.barrier(scope, attr)
		case ir.BarrierWaitFunc:
			g.barrierWait()
			return nil
		case ir.SignalFunc:
			return g.signal(attr)
		case ir.SLMFenceFunc:
			return g.slmFenceWait(scope, attr)
		case ir.ZeroOutFunc:
			if len(c.Args) != 2 {
				return contractf(c, "zero_out takes a buffer and a size")
			}
			size, ok := ir.ConstInt(c.Args[1])
			if !ok {
				return contractf(c, "zero_out size is not constant")
			}
			buf, err := g.eval(scope, c.Args[0], asm.Operand{}, false)
			if err != nil {
				return err
			}
			if !buf.IsReg() {
				return contractf(c, "zero_out of a non-register buffer")
			}
			g.fillBuf(buf.Reg, int(size), asm.Operand{})
			return nil
		}
	}
	return contractf(c, "unsupported call")
}

func (g *generator) evalArgs(scope *regalloc.Scope, c *ir.Call, n int) ([]asm.Operand, error) {
	if len(c.Args) != n {
		return nil, contractf(c, "expected %d arguments, got %d", n, len(c.Args))
	}
	return g.evalAll(scope, c.Args)
}

func (g *generator) dpas(c *ir.Call, fn *ir.DPAS, args []asm.Operand, attr asm.Mod) error {
	if !fn.IsDP4A() && !g.prof.Features.DPAS {
		return contractf(c, "target %s has no systolic matrix instructions", g.prof.Name)
	}
	dst, src0, src1, src2 := args[ir.ArgDst], args[ir.ArgSrc0], args[ir.ArgSrc1], args[ir.ArgSrc2]
	if !dst.IsReg() || !src1.IsReg() || !src2.IsReg() {
		return contractf(c, "matrix operands must be register buffers")
	}
	esize := fn.ExecSize
	dstType := fn.DstType.Asm()

	var s0 asm.Operand
	if src0.IsImm() {
		if !src0.Imm.IsZero() {
			return contractf(c, "accumulator immediate must be zero")
		}
		s0 = asm.Null(dstType)
	} else {
		s0 = asm.RegOp(src0.Reg.Format(0, esize, 1, dstType), esize)
	}
	d := asm.RegOp(dst.Reg.Format(0, esize, 1, dstType), esize)
	s1 := asm.RegOp(src1.Reg.Format(0, esize, 1, fn.Src1Type.Asm()), esize)
	s2 := asm.RegOp(src2.Reg.Format(0, esize, 1, fn.Src2Type.Asm()), esize)
	if fn.IsDP4A() {
		s2.Reg = s2.Reg.WithRegion(0, 1, 0)
	}

	mod := asm.Exec(esize).Merge(attr)
	if g.opts.CheckConflicts {
		g.conflicts.check(g.prof, mod, [3]asm.Operand{s0, s1, s2}, true)
	}
	inst := asm.Inst{Mod: mod, Dst: d, Src: [3]asm.Operand{s0, s1, s2}, SDepth: fn.SDepth, RCount: fn.RCount}
	switch {
	case fn.IsDPASW:
		inst.Op = asm.OpDpasw
	case fn.IsDP4A():
		inst.Op = asm.OpDp4a
		if s0.IsNull() {
			inst.Src[0] = zeroOf(dstType)
		}
	default:
		inst.Op = asm.OpDpas
	}
	g.out(inst)
	return nil
}

func (g *generator) mad(scope *regalloc.Scope, c *ir.Call, fn *ir.MAD, args []asm.Operand, attr asm.Mod) error {
	dst, src0, src1, src2 := args[ir.ArgDst], args[ir.ArgSrc0], args[ir.ArgSrc1], args[ir.ArgSrc2]
	if !dst.IsReg() || !src1.IsReg() || !src2.IsReg() {
		return contractf(c, "mad operands must be register buffers")
	}
	esize := fn.ExecSize
	dstType := fn.DstType.Asm()

	var s0 asm.Operand
	if src0.IsImm() {
		if !src0.Imm.IsZero() {
			return contractf(c, "accumulator immediate must be zero")
		}
		s0 = asm.Null(dstType)
	} else {
		s0 = asm.RegOp(src0.Reg.Format(0, esize, 1, dstType), esize)
	}
	d := asm.RegOp(dst.Reg.Format(0, esize, 1, dstType), esize)
	source := func(r asm.Region, stride int, t ir.Type) asm.Operand {
		width := esize
		if stride == 0 {
			width = 1
		}
		return asm.RegOp(r.Format(0, width, stride, t.Asm()), esize)
	}
	s1 := source(src1.Reg, fn.Src1Stride, fn.Src1Type)
	s2 := source(src2.Reg, fn.Src2Stride, fn.Src2Type)

	mod := asm.Exec(esize).Merge(attr)
	if g.opts.CheckConflicts {
		g.conflicts.check(g.prof, mod, [3]asm.Operand{s0, s1, s2}, false)
	}
	if s0.IsNull() {
		g.mul(mod, d, s1, s2)
		return nil
	}
	if d.Reg.Off != s0.Reg.Off {
		return contractf(c, "destination and accumulator must share a register offset")
	}
	if err := alignSrcDstOffset(g.emitter, scope, mod, d, &s1, &s2); err != nil {
		return err
	}
	if fn.DstType.Kind == ir.F64 && s1.Reg.HS == 0 && s1.Reg.VS == 0 {
		g.inst(asm.OpMad, mod, d, s0, s2, s1)
	} else {
		g.inst(asm.OpMad, mod, d, s0, s1, s2)
	}
	return nil
}

func (g *generator) slmFenceWait(scope *regalloc.Scope, attr asm.Mod) error {
	r, err := scope.Alloc()
	if err != nil {
		return err
	}
	tmp := asm.NewRegion(g.prof.GRFBytes, r.Base, 0, asm.TypeUD)
	g.slmFence(attr.WithExec(1), tmp, g.host.R0())
	g.fenceWait(tmp)
	return nil
}

func (g *generator) barrier(scope *regalloc.Scope, attr asm.Mod) error {
	if err := g.slmFenceWait(scope, attr); err != nil {
		return err
	}
	if err := g.signal(attr); err != nil {
		return err
	}
	g.barrierWait()
	return nil
}

func (g *generator) signal(attr asm.Mod) error {
	header, err := g.host.SignalHeader()
	if err != nil {
		return err
	}
	g.barrierMsg(attr.WithExec(1), header)
	return nil
}

// fillBuf writes size bytes of buf with zero or with pattern using moves of
// at most two registers.
func (g *generator) fillBuf(buf asm.Region, size int, pattern asm.Operand) {
	t := asm.TypeF
	if pattern.IsValid() {
		t = asm.TypeUD
	}
	src := zeroOf(t)
	if pattern.IsValid() {
		src = pattern
	}
	elems := size / t.Size()
	step := 2 * g.prof.GRFBytes / t.Size()
	for i := 0; i < elems; i += step {
		step = roundDownPow2(min(step, elems-i))
		g.mov(asm.Exec(step), asm.RegOp(buf.Format(i, step, 1, t), step), src)
	}
}

func roundDownPow2(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 << (bits.Len(uint(n)) - 1)
}
