package codegen

import (
	"math"
	"math/bits"
	"slices"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
)

func (ev *Evaluator) visitShuffle(e *ir.Shuffle, hint asm.Operand) error {
	t := e.Type()
	if t.IsBool() && ir.IsShuffleConst(e) {
		return ev.boolConstShuffle(e, hint)
	}

	if e.IsBroadcast() {
		if t.IsBool() {
			dst, err := ev.allocDst(e, hint)
			if err != nil {
				return err
			}
			if _, err := ev.Eval(e.Vec[0], dst, false); err != nil {
				return err
			}
			return ev.bind(e, dst, hint)
		}
		op, err := ev.Eval(e.Vec[0], asm.Operand{}, false)
		if err != nil {
			return err
		}
		return ev.bind(e, op, hint)
	}

	if ok, err := ev.regionShuffle(e, hint); ok || err != nil {
		return err
	}
	if ok, err := ev.packedIntShuffle(e, hint); ok || err != nil {
		return err
	}
	return ev.chunkedShuffle(e, hint)
}

func (ev *Evaluator) boolConstShuffle(e *ir.Shuffle, hint asm.Operand) error {
	dst, err := ev.allocDst(e, hint)
	if err != nil {
		return err
	}
	if dst.Neg {
		return contractf(e, "constant mask into a negated destination")
	}
	var mask int64
	for i := e.Elems() - 1; i >= 0; i-- {
		mask <<= 1
		if e.Elem(i).(*ir.Const).Bool() {
			mask |= 1
		}
	}
	immType := asm.TypeUW
	if e.Elems() > 16 {
		immType = asm.TypeUD
	}
	imm := asm.ImmOp(asm.Imm(mask, immType))

	switch {
	case dst.IsFlag() && dst.Mod.HasPred:
		if dst.Mod.Pred.Index() != dst.Flag.Index() {
			return contractf(e, "mask predicated on a foreign flag")
		}
		f := dst.WithExec(1)
		ev.and(asm.Exec(1), f, f, imm)
	case dst.IsFlag():
		ev.mov(asm.Exec(1), dst.WithExec(1), imm)
	case dst.IsReg() && (dst.Type() == asm.TypeUW || dst.Type() == asm.TypeUD):
		ev.mov(asm.Exec(1), dst.WithExec(1), imm)
	default:
		return contractf(e, "constant mask into %s", dst)
	}
	return ev.bind(e, dst, hint)
}

// regionShuffle matches shuffles of equally spaced loads that a single
// region can address: [x x y y] through a vertical stride and [x y x y]
// through a repeating row.
func (ev *Evaluator) regionShuffle(e *ir.Shuffle, hint asm.Operand) (bool, error) {
	elems := e.Elems()
	if elems%2 != 0 || len(e.Vec) < 2 {
		return false, nil
	}
	ops := make([]asm.Operand, len(e.Vec))
	for i, v := range e.Vec {
		if _, ok := v.(*ir.Load); !ok {
			return false, nil
		}
		op, err := ev.Eval(v, asm.Operand{}, false)
		if err != nil {
			return false, err
		}
		if !op.IsReg() {
			return false, contractf(v, "load produced %s", op)
		}
		if op.Type() != ops[0].Type() && i > 0 {
			return false, nil
		}
		ops[i] = op
	}

	grf := ev.scope.GRFBytes()
	size := ops[0].Type().Size()
	diff := func(a, b asm.Operand) int { return b.Reg.Byte() - a.Reg.Byte() }
	strideBytes := diff(ops[0], ops[1])
	if strideBytes < 0 || strideBytes%size != 0 {
		return false, nil
	}
	half := elems / 2

	isXXYY := ev.allowVS
	for i := 0; isXXYY && i < half; i++ {
		isXXYY = e.Idx[i] == 0 && e.Idx[i+half] == 1
	}
	if isXXYY {
		if (strideBytes*2+grf-1)/grf > 2 {
			return false, nil
		}
		r := ops[0].Reg.WithRegion(strideBytes/size, half, 0)
		return true, ev.bind(e, asm.RegOp(r, elems), hint)
	}

	isXYXY := len(e.Vec) >= half
	for i := 0; isXYXY && i < half; i++ {
		isXYXY = e.Idx[i] == i && e.Idx[i] == e.Idx[i+half] &&
			(i == 0 || diff(ops[i-1], ops[i]) == strideBytes)
	}
	if isXYXY {
		if (strideBytes*half+grf-1)/grf > 2 {
			return false, nil
		}
		r := ops[0].Reg.WithRegion(0, half, strideBytes/size)
		return true, ev.bind(e, asm.RegOp(r, elems), hint)
	}
	return false, nil
}

// packedIntShuffle builds a constant 32-bit integer vector from packed 4-bit
// immediates scaled by a common factor and shifted by the minimum.
func (ev *Evaluator) packedIntShuffle(e *ir.Shuffle, hint asm.Operand) (bool, error) {
	const esize = 8
	if !e.Type().IsX32() || (e.Elems() != 8 && e.Elems() != 16) {
		return false, nil
	}
	vec := make([]int, len(e.Vec))
	for i, v := range e.Vec {
		c, ok := ir.ConstInt(v)
		if !ok || c < math.MinInt32 || c > math.MaxInt32 {
			return false, nil
		}
		vec[i] = int(c)
	}

	halfSame := func(off int) bool {
		for j := off + 1; j < off+esize; j++ {
			if e.Idx[j] != e.Idx[off] {
				return false
			}
		}
		return true
	}
	if halfSame(0) && halfSame(esize%e.Elems()) {
		return false, nil
	}

	vecMin, vecMax := slices.Min(vec), slices.Max(vec)
	factor := vecMax - vecMin
	for _, v := range vec {
		factor = gcd(v-vecMin, factor)
	}
	if factor == 0 {
		factor = 1
	}
	if factor < math.MinInt16 || factor > math.MaxInt16 {
		return false, nil
	}

	checkRange := func(f, m, lo, hi int) bool {
		for _, v := range vec {
			if d := (v - m) / f; d < lo || d > hi {
				return false
			}
		}
		return true
	}
	useUV, useV := false, false
	for _, f := range []int{1, factor, -factor} {
		useUV = checkRange(f, vecMin, 0, 15)
		useV = checkRange(f, vecMin, -8, 7)
		if useUV || useV {
			factor = f
			break
		}
	}
	if !useUV && !useV {
		return false, nil
	}
	if vecMin%factor == 0 {
		uv, v := checkRange(factor, 0, 0, 15), checkRange(factor, 0, -8, 7)
		if uv || v {
			vecMin, useUV, useV = 0, uv, v
		}
	}

	dst, err := ev.allocDst(e, hint)
	if err != nil {
		return false, err
	}
	if !dst.IsReg() {
		return false, contractf(e, "packed vector into %s", dst)
	}
	tmp, err := ev.scope.AllocBuf(1)
	if err != nil {
		return false, err
	}
	wType := asm.TypeW
	if useUV {
		wType = asm.TypeUV
	}
	for i := 0; i < e.Elems(); i += esize {
		var packed uint32
		for j := 0; j < esize; j++ {
			d := (vec[e.Idx[i+j]] - vecMin) / factor
			nibble := uint32(d)
			if d < 0 {
				nibble = uint32(d&0x7) | 0x8
			}
			packed |= nibble << (4 * j)
		}
		imm := asm.PackedV(packed)
		if useUV {
			imm = asm.PackedUV(packed)
		}
		ev.mov(asm.Exec(esize), asm.RegOp(tmp.Format(i, esize, 1, wordOf(wType)), esize), asm.ImmOp(imm))
	}

	n := e.Elems()
	t := asm.RegOp(tmp.Format(0, n, 1, wordOf(wType)), n)
	stride := max(dst.Reg.HS, 1)
	d := asm.RegOp(dst.Reg.Format(0, n, stride, dst.Type()), n)
	if factor != 1 {
		ev.mul(asm.Exec(n), d, t, asm.ImmOp(asm.Imm(int64(factor), asm.TypeW)))
	}
	if factor == 1 || vecMin != 0 {
		src := d
		if factor == 1 {
			src = t
		}
		ev.add(asm.Exec(n), d, src, asm.ImmOp(asm.Imm(int64(vecMin), dst.Type())))
	}
	return true, ev.bind(e, dst, hint)
}

// wordOf returns the register type packed vector immediates expand to.
func wordOf(t asm.DataType) asm.DataType {
	if t == asm.TypeUV {
		return asm.TypeUW
	}
	return asm.TypeW
}

func gcd(a, b int) int {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// chunkedShuffle writes runs of equal lanes with power-of-two moves.
func (ev *Evaluator) chunkedShuffle(e *ir.Shuffle, hint asm.Operand) error {
	type chunk struct{ off, n, idx int }
	var chunks []chunk
	for i, idx := range e.Idx {
		if len(chunks) > 0 && chunks[len(chunks)-1].idx == idx {
			chunks[len(chunks)-1].n++
			continue
		}
		chunks = append(chunks, chunk{off: i, n: 1, idx: idx})
	}

	dst, err := ev.allocDst(e, hint)
	if err != nil {
		return err
	}
	isBool := e.Type().IsBool()
	var packed asm.Region
	if isBool {
		if !dst.IsFlag() {
			return contractf(e, "boolean shuffle into %s", dst)
		}
		t := asm.TypeUW
		if e.Elems() > 16 {
			t = asm.TypeUD
		}
		if packed, err = ev.scope.AllocReg(t, 1, 1); err != nil {
			return err
		}
	} else if !dst.IsReg() {
		return contractf(e, "shuffle into %s", dst)
	}

	for _, c := range chunks {
		off, length := c.off, c.n
		for length > 0 {
			exec := 1 << (bits.Len(uint(length)) - 1)
			if isBool {
				if off%8 != 0 {
					return contractf(e, "mask chunk at lane %d is not byte aligned", off)
				}
				if _, err := ev.Eval(e.Vec[c.idx], dst.WithExec(exec), false); err != nil {
					return err
				}
				ev.mov(asm.Exec(1), scalarReg(packed.Format(off/8, 1, 1, asm.TypeUB)), dst.WithExec(1))
			} else {
				src, err := ev.Eval(e.Vec[c.idx], asm.Operand{}, false)
				if err != nil {
					return err
				}
				if src.IsReg() {
					src.Reg.HS, src.Reg.VS, src.Reg.Width = 0, 0, 0
				}
				sub := asm.RegOp(dst.Reg.Sub(off, exec), exec)
				if exec > 1 {
					sub.Reg.HS = max(dst.Reg.HS, 1)
				}
				ev.mov(asm.Exec(exec), sub, src)
			}
			length -= exec
			off += exec
		}
	}
	if isBool {
		ev.mov(asm.Exec(1), dst.WithExec(1), scalarReg(packed))
	}
	return ev.bind(e, dst, hint)
}
