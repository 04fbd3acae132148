package codegen

import (
	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
)

const maxExecSize = 32

// forEachChunk splits n elements into power-of-two pieces of at most limit.
func forEachChunk(n, limit int, fn func(off, exec int)) {
	for i := 0; i < n; {
		exec := roundDownPow2(min(limit, n-i))
		fn(i, exec)
		i += exec
	}
}

// chunkLimit is the widest execution size whose regions stay within two
// registers.
func (g *generator) chunkLimit(regions ...asm.Region) int {
	limit := maxExecSize
	for _, r := range regions {
		span := r.Type.Size() * max(r.HS, 1)
		limit = min(limit, 2*g.prof.GRFBytes/span)
	}
	return max(roundDownPow2(limit), 1)
}

// reorder1D copies n elements from src to dst, converting between their
// types. Strides are in elements of each region's type.
func (g *generator) reorder1D(n int, src asm.Region, srcStride int, dst asm.Region, dstStride int) {
	srcStride, dstStride = max(srcStride, 1), max(dstStride, 1)
	src.HS, dst.HS = srcStride, dstStride
	limit := g.chunkLimit(src, dst)
	forEachChunk(n, limit, func(off, exec int) {
		s := asm.RegOp(src.Format(off*srcStride, exec, srcStride, src.Type), exec)
		d := asm.RegOp(dst.Format(off*dstStride, exec, dstStride, dst.Type), exec)
		g.mov(asm.Exec(exec), d, s)
	})
}

func (g *generator) reorder(c *ir.Call, fn *ir.Reorder, src, dst asm.Operand) error {
	if !src.IsReg() || !dst.IsReg() {
		return contractf(c, "reorder buffers must be registers")
	}
	g.reorder1D(fn.Elems,
		src.Reg.Retype(fn.SrcType.Asm()), fn.SrcStride,
		dst.Reg.Retype(fn.DstType.Asm()), fn.DstStride)
	return nil
}

// reduce accumulates consecutive blocks of the source into the destination.
func (g *generator) reduce(c *ir.Call, fn *ir.Reduce, src, dst asm.Operand) error {
	if !src.IsReg() || !dst.IsReg() {
		return contractf(c, "reduce buffers must be registers")
	}
	if fn.DstElems <= 0 || fn.SrcElems%fn.DstElems != 0 {
		return contractf(c, "%d source elements do not split into %d", fn.SrcElems, fn.DstElems)
	}
	t := fn.Type.Asm()
	s := src.Reg.Retype(t)
	d := dst.Reg.Retype(t)
	s.HS, d.HS = 1, 1

	n := fn.DstElems
	g.reorder1D(n, s, 1, d, 1)
	limit := g.chunkLimit(s, d)
	for block := 1; block < fn.SrcElems/n; block++ {
		forEachChunk(n, limit, func(off, exec int) {
			dd := asm.RegOp(d.Format(off, exec, 1, t), exec)
			ss := asm.RegOp(s.Format(block*n+off, exec, 1, t), exec)
			g.add(asm.Exec(exec), dd, dd, ss)
		})
	}
	return nil
}
