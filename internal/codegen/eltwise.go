package codegen

import (
	"math"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/regalloc"
)

// eltwiseInjector emits an activation over whole registers of f32 data.
type eltwiseInjector struct {
	g       *generator
	fn      *ir.Eltwise
	scratch regalloc.Range
}

func fimm(v float64) asm.Operand {
	return asm.ImmOp(asm.ImmFloat(v, asm.TypeF))
}

// compute applies the activation in place to regs registers starting at
// base.
func (inj *eltwiseInjector) compute(base, regs int) {
	g := inj.g
	grf := g.prof.GRFBytes
	n := regs * grf / 4
	mod := asm.Exec(n)
	x := asm.RegOp(asm.NewRegion(grf, base, 0, asm.TypeF), n)
	tmp := asm.RegOp(asm.NewRegion(grf, inj.scratch.Base, 0, asm.TypeF), n)
	alpha, beta := float64(inj.fn.Alpha), float64(inj.fn.Beta)

	switch inj.fn.Alg {
	case ir.EltwiseRelu:
		if alpha == 0 {
			g.inst(asm.OpMax, mod, x, x, fimm(0))
			break
		}
		g.mul(mod, tmp, x, fimm(alpha))
		le := mod
		le.Cond = asm.CondLE
		g.csel(le, x, tmp, x, x)
	case ir.EltwiseLinear:
		g.mul(mod, x, x, fimm(alpha))
		g.add(mod, x, x, fimm(beta))
	case ir.EltwiseAbs:
		g.inst(asm.OpMax, mod, x, x, x.Negate())
	case ir.EltwiseSquare:
		g.mul(mod, x, x, x)
	case ir.EltwiseSqrt:
		g.math(asm.MathSqrt, mod, x, x)
	case ir.EltwiseExp:
		g.mul(mod, x, x, fimm(math.Log2E))
		g.math(asm.MathExp, mod, x, x)
	case ir.EltwiseLogistic:
		g.mul(mod, x, x, fimm(-math.Log2E))
		g.math(asm.MathExp, mod, x, x)
		g.add(mod, x, x, fimm(1))
		g.math(asm.MathInv, mod, x, x)
	case ir.EltwiseTanh:
		g.math(asm.MathTanh, mod, x, x)
	case ir.EltwiseClip:
		g.inst(asm.OpMax, mod, x, x, fimm(alpha))
		g.inst(asm.OpMin, mod, x, x, fimm(beta))
	}
	if s := inj.fn.Scale; s != 0 && s != 1 {
		g.mul(mod, x, x, fimm(float64(s)))
	}
}

func (g *generator) eltwise(scope *regalloc.Scope, c *ir.Call, fn *ir.Eltwise, args []asm.Operand) error {
	elemsOp, data := args[ir.EltwiseArgElems], args[ir.EltwiseArgData]
	if !elemsOp.IsImm() {
		return contractf(c, "element count must be constant")
	}
	if !data.IsReg() {
		return contractf(c, "eltwise data must be a register buffer")
	}
	elems := int(elemsOp.Imm.I)
	grf := g.prof.GRFBytes

	scratch, err := scope.AllocRange(2)
	if err != nil {
		return err
	}
	inj := &eltwiseInjector{g: g, fn: fn, scratch: scratch}

	f := data.Reg.Retype(asm.TypeF)
	f.HS = 1
	step := 2 * grf / 4
	for i := 0; i < elems; i += step {
		step = roundDownPow2(min(step, elems-i))
		rd := f.Format(i, step, 1, asm.TypeF)
		if (step*4)%grf == 0 && rd.Off == 0 {
			inj.compute(rd.Base, step*4/grf)
			continue
		}
		if err := inj.computeCopy(scope, rd, step); err != nil {
			return err
		}
	}
	return nil
}

// computeCopy runs the activation on an undersized or misaligned chunk
// through an aligned temporary.
func (inj *eltwiseInjector) computeCopy(scope *regalloc.Scope, rd asm.Region, elems int) error {
	chunk := regalloc.NewScope(scope.Allocator())
	defer chunk.Release()

	grf := inj.g.prof.GRFBytes
	full := (elems*4 + grf - 1) / grf
	r, err := chunk.AllocRange(full)
	if err != nil {
		return err
	}
	tmp := asm.NewRegion(grf, r.Base, 0, asm.TypeF)
	inj.g.reorder1D(elems, rd, 1, tmp, 1)
	inj.compute(r.Base, full)
	inj.g.reorder1D(elems, tmp, 1, rd, 1)
	return nil
}
