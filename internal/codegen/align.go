package codegen

import (
	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/regalloc"
)

func (ev *Evaluator) alignSrcDstOffset(mod asm.Mod, dst asm.Operand, srcs ...*asm.Operand) error {
	return alignSrcDstOffset(ev.emitter, ev.scope, mod, dst, srcs...)
}

// alignSrcDstOffset copies vector sources whose register offset differs from
// the destination's, and whose elements cross a register boundary, into a
// temporary aligned with the destination.
func alignSrcDstOffset(em emitter, scope *regalloc.Scope, mod asm.Mod, dst asm.Operand, srcs ...*asm.Operand) error {
	if !dst.IsReg() {
		return nil
	}
	grf := scope.GRFBytes()
	for _, src := range srcs {
		if !src.IsReg() || src.Reg.IsScalar() || src.Reg.Width > 0 {
			continue
		}
		r := src.Reg
		size := r.Type.Size()
		if r.Off == dst.Reg.Off || size != dst.Reg.Type.Size() {
			continue
		}
		last := r.Off + ((mod.Exec-1)*r.HS+1)*size
		if last <= grf {
			continue
		}
		regs := (dst.Reg.Off + mod.Exec*size + grf - 1) / grf
		rr, err := scope.AllocRange(regs)
		if err != nil {
			return err
		}
		tmp := asm.RegOp(asm.NewRegion(grf, rr.Base, dst.Reg.Off, r.Type), mod.Exec)
		em.mov(asm.Exec(mod.Exec), tmp, asm.RegOp(r, mod.Exec))
		neg := src.Neg
		*src = tmp
		src.Neg = neg
	}
	return nil
}
