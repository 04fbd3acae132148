package codegen

import (
	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/regalloc"
)

// Evaluator computes expression values. It works on an overlay of the
// statement binding so every value it produces is dropped together with the
// evaluator; temporaries come from scope.
type Evaluator struct {
	emitter
	g     *generator
	b     *Binding
	scope *regalloc.Scope

	// allowVS enables regions with a vertical stride. Multiply and ternary
	// sources cannot use them.
	allowVS    bool
	upConverts map[ir.Expr]ir.Type
}

func (g *generator) newEvaluator(scope *regalloc.Scope) *Evaluator {
	return &Evaluator{
		emitter:    g.emitter,
		g:          g,
		b:          g.binding.Child(),
		scope:      scope,
		allowVS:    true,
		upConverts: make(map[ir.Expr]ir.Type),
	}
}

// Eval returns the operand holding e. When dst is valid the value is written
// there; with fillMask0 the lanes disabled by dst's predicate receive zero.
func (ev *Evaluator) Eval(e ir.Expr, dst asm.Operand, fillMask0 bool) (asm.Operand, error) {
	if dst.IsValid() && dst.Mod.Exec == 0 {
		return asm.Operand{}, contractf(e, "destination without execution size")
	}

	if op, ok := ev.b.Get(e); ok {
		if !dst.IsValid() {
			return op, nil
		}
		if fillMask0 {
			if err := ev.fill(dst, op, e); err != nil {
				return asm.Operand{}, err
			}
		} else {
			ev.mov(dst.Mod, dst, op)
		}
		return dst, nil
	}

	switch {
	case !dst.IsValid():
		if err := ev.visit(e, asm.Operand{}); err != nil {
			return asm.Operand{}, err
		}
	case !fillMask0:
		if err := ev.b.BindDst(e, dst); err != nil {
			return asm.Operand{}, err
		}
		if err := ev.visit(e, dst); err != nil {
			return asm.Operand{}, err
		}
	default:
		op, err := ev.Eval(e, asm.Operand{}, false)
		if err != nil {
			return asm.Operand{}, err
		}
		if err := ev.fill(dst, op, e); err != nil {
			return asm.Operand{}, err
		}
		return dst, nil
	}

	if ev.b.IsDstBound(e) && !ev.b.IsBound(e) {
		return asm.Operand{}, contractf(e, "destination left unwritten")
	}
	op, ok := ev.b.Get(e)
	if !ok {
		return asm.Operand{}, contractf(e, "expression produced no value")
	}
	return op, nil
}

// fill copies op into dst on enabled lanes and zero elsewhere.
func (ev *Evaluator) fill(dst, op asm.Operand, e ir.Expr) error {
	if !dst.Mod.HasPred {
		ev.mov(dst.Mod, dst, op)
		return nil
	}
	if op.IsImm() {
		tmp, err := ev.scope.AllocReg(op.Type(), 1, 1)
		if err != nil {
			return err
		}
		ev.mov(asm.Exec(1), scalarReg(tmp), op)
		op = scalarReg(tmp)
	}
	ev.sel(dst.Mod, dst, op, zeroOf(dst.Type()))
	return nil
}

// EvalAll evaluates every expression without a destination. Nil expressions
// produce invalid operands.
func (ev *Evaluator) EvalAll(es []ir.Expr) ([]asm.Operand, error) {
	out := make([]asm.Operand, len(es))
	for i, e := range es {
		if e == nil {
			continue
		}
		op, err := ev.Eval(e, asm.Operand{}, false)
		if err != nil {
			return nil, err
		}
		out[i] = op
	}
	return out, nil
}

// IntUpConvert reports whether e widened an integer and returns the source
// type.
func (ev *Evaluator) IntUpConvert(e ir.Expr) (ir.Type, bool) {
	t, ok := ev.upConverts[e]
	return t, ok
}

// bind records op as the value of e, copying it into dst first when the
// caller asked for a specific destination.
func (ev *Evaluator) bind(e ir.Expr, op, dst asm.Operand) error {
	if dst.IsValid() && !dst.Same(op) {
		ev.mov(dst.Mod, dst, op)
		op = dst
	}
	return ev.b.Bind(e, op)
}

// allocDst returns dst when valid, otherwise fresh storage for e.
func (ev *Evaluator) allocDst(e ir.Expr, dst asm.Operand) (asm.Operand, error) {
	if ev.b.IsBound(e) {
		return asm.Operand{}, contractf(e, "expression evaluated twice")
	}
	if dst.IsValid() {
		return dst, nil
	}
	t := e.Type()
	if t.IsBool() {
		f, err := ev.scope.AllocFlag(max(t.Elems, 16, ev.g.simd))
		if err != nil {
			return asm.Operand{}, err
		}
		return asm.FlagOp(f, t.Elems), nil
	}
	r, err := ev.scope.AllocReg(t.Asm(), t.Elems, 1)
	if err != nil {
		return asm.Operand{}, err
	}
	return asm.RegOp(r, t.Elems), nil
}

func (ev *Evaluator) visit(e ir.Expr, dst asm.Operand) error {
	switch e := e.(type) {
	case *ir.Const:
		return ev.visitConst(e, dst)
	case *ir.Var:
		return contractf(e, "variable is not defined")
	case *ir.Unary:
		op, err := ev.Eval(e.A, asm.Operand{}, false)
		if err != nil {
			return err
		}
		return ev.bind(e, op.Negate(), dst)
	case *ir.Binary:
		return ev.visitBinary(e, dst)
	case *ir.Ternary:
		return ev.visitTernary(e, dst)
	case *ir.Cast:
		return ev.visitCast(e, dst)
	case *ir.Load:
		return ev.visitLoad(e, dst)
	case *ir.Ptr:
		return ev.visitPtr(e, dst)
	case *ir.Shuffle:
		return ev.visitShuffle(e, dst)
	case *ir.Select:
		return ev.visitSelect(e, dst)
	}
	return contractf(e, "unsupported expression")
}

func constImm(c *ir.Const, t ir.Type) asm.Immediate {
	at := t.Asm()
	switch {
	case c.Type().IsBool():
		v := int64(0)
		if c.Bool() {
			v = 1
		}
		if at.IsFloat() {
			return asm.ImmFloat(float64(v), at)
		}
		return asm.Imm(v, at)
	case at.IsFloat():
		return asm.ImmFloat(c.Float(), at)
	case c.Type().IsFloat():
		return asm.Imm(int64(c.Float()), at)
	}
	return asm.Imm(c.Int(), at)
}

func (ev *Evaluator) visitConst(c *ir.Const, dst asm.Operand) error {
	if c.Type().IsBool() {
		return contractf(c, "boolean constants must be built as a shuffle")
	}
	return ev.bind(c, asm.ImmOp(constImm(c, c.Type())), dst)
}

// hasAndOnly reports that e contains no comparison, so its value can be
// moved through an integer register.
func hasAndOnly(e ir.Expr) bool {
	switch e := e.(type) {
	case *ir.Binary:
		if e.Op.IsCmp() {
			return false
		}
		return hasAndOnly(e.A) && hasAndOnly(e.B)
	case *ir.Unary:
		return hasAndOnly(e.A)
	case *ir.Select:
		return hasAndOnly(e.Cond) && hasAndOnly(e.True) && hasAndOnly(e.False)
	case *ir.Cast:
		return hasAndOnly(e.X)
	case *ir.Shuffle:
		for _, v := range e.Vec {
			if !hasAndOnly(v) {
				return false
			}
		}
	}
	return true
}

func (ev *Evaluator) visitBinary(e *ir.Binary, hint asm.Operand) error {
	dst, err := ev.allocDst(e, hint)
	if err != nil {
		return err
	}
	if e.Op == ir.OpAnd && e.Type().IsBool() {
		if err := ev.boolAnd(e, dst); err != nil {
			return err
		}
		return ev.bind(e, dst, hint)
	}

	saved := ev.allowVS
	ev.allowVS = e.Op != ir.OpMul
	defer func() { ev.allowVS = saved }()

	src0, err := ev.evalOperand(e.A, e.Type())
	if err != nil {
		return err
	}
	src1, err := ev.evalOperand(e.B, e.Type())
	if err != nil {
		return err
	}

	mod := dst.Mod
	if (src0.IsReg() && src0.Reg.HS != 0) || (src1.IsReg() && src1.Reg.HS != 0) {
		mod.Exec = e.Type().Elems
	}
	if err := ev.binary(e, mod, dst, src0, src1); err != nil {
		return err
	}
	return ev.bind(e, dst, hint)
}

// evalOperand evaluates a binary source. Narrow vector sources of 64-bit
// results are placed with a stride matching the result element size.
func (ev *Evaluator) evalOperand(e ir.Expr, res ir.Type) (asm.Operand, error) {
	t := e.Type()
	strided := (res.Kind == ir.S64 || res.Kind == ir.U64) &&
		!t.IsScalar() && !t.Is64() && !t.IsBool()
	if s, ok := e.(*ir.Shuffle); ok && s.IsBroadcast() {
		strided = false
	}
	if !strided || ev.b.IsBound(e) {
		return ev.Eval(e, asm.Operand{}, false)
	}
	stride := res.Bits() / t.Bits()
	r, err := ev.scope.AllocReg(t.Asm(), t.Elems, stride)
	if err != nil {
		return asm.Operand{}, err
	}
	return ev.Eval(e, asm.RegOp(r, t.Elems), false)
}

func (ev *Evaluator) binary(e *ir.Binary, mod asm.Mod, dst, src0, src1 asm.Operand) error {
	if err := ev.alignSrcDstOffset(mod, dst, &src0, &src1); err != nil {
		return err
	}
	switch e.Op {
	case ir.OpAdd:
		ev.add(mod, dst, src0, src1)
	case ir.OpSub:
		ev.add(mod, dst, src0, src1.Negate())
	case ir.OpMul:
		ev.mul(mod, dst, src0, src1)
	case ir.OpDiv:
		if dst.Type().IsFloat() {
			ev.out(asm.Inst{Op: asm.OpMath, Math: asm.MathFDiv, Mod: mod, Dst: dst, Src: [3]asm.Operand{src0, src1}})
		} else {
			ev.inst(asm.OpDiv, mod, dst, src0, src1)
		}
	case ir.OpMod:
		ev.inst(asm.OpMod, mod, dst, src0, src1)
	case ir.OpShl:
		ev.inst(asm.OpShl, mod, dst, src0, src1)
	case ir.OpShr:
		ev.inst(asm.OpShr, mod, dst, src0, src1)
	case ir.OpMin:
		ev.inst(asm.OpMin, mod, dst, src0, src1)
	case ir.OpMax:
		ev.inst(asm.OpMax, mod, dst, src0, src1)
	case ir.OpAnd:
		ev.and(mod, dst, src0, src1)
	case ir.OpOr:
		ev.inst(asm.OpOr, mod, dst, src0, src1)
	case ir.OpXor:
		ev.inst(asm.OpXor, mod, dst, src0, src1)
	case ir.OpEQ, ir.OpNE, ir.OpGT, ir.OpGE, ir.OpLT, ir.OpLE:
		return ev.compare(e, mod, dst, src0, src1)
	case ir.OpPReLU:
		return ev.prelu(mod, dst, src0, src1)
	default:
		return contractf(e, "unsupported binary operator %s", e.Op)
	}
	return nil
}

var cmpConds = map[ir.Op]asm.CondMod{
	ir.OpEQ: asm.CondEQ,
	ir.OpNE: asm.CondNE,
	ir.OpGT: asm.CondGT,
	ir.OpGE: asm.CondGE,
	ir.OpLT: asm.CondLT,
	ir.OpLE: asm.CondLE,
}

func (ev *Evaluator) compare(e *ir.Binary, mod asm.Mod, dst, src0, src1 asm.Operand) error {
	cond := cmpConds[e.Op]
	if !src0.IsReg() {
		src0, src1 = src1, src0
		cond = cond.Swap()
	}
	if !src0.IsReg() {
		return contractf(e, "comparison of two immediates")
	}
	switch {
	case dst.IsFlag():
		if dst.Neg {
			return contractf(e, "comparison into a negated flag")
		}
		ev.cmp(mod.WithCond(cond, dst.Flag), src0, src1)
	case dst.IsReg():
		f, err := ev.scope.AllocFlag(max(mod.Exec, 16))
		if err != nil {
			return err
		}
		ev.inst(asm.OpCmp, mod.WithCond(cond, f), dst, src0, src1)
	default:
		return contractf(e, "comparison into %s", dst)
	}
	return nil
}

// prelu computes x > 0 ? x : x*alpha.
func (ev *Evaluator) prelu(mod asm.Mod, dst, x, alpha asm.Operand) error {
	if !x.IsReg() {
		return contractf(nil, "prelu input must be a register region")
	}
	grf := ev.scope.GRFBytes()
	size := x.Type().Size()
	regs := (x.Reg.Off + mod.Exec*size + grf - 1) / grf
	r, err := ev.scope.AllocRange(regs)
	if err != nil {
		return err
	}
	tmp := asm.RegOp(asm.NewRegion(grf, r.Base, x.Reg.Off, x.Type()), mod.Exec)
	ev.mul(mod, tmp, x, alpha)
	cselMod := mod
	cselMod.Cond = asm.CondLE
	ev.csel(cselMod, dst, tmp, x, x)
	return nil
}

// boolAnd lowers a conjunction of predicates. Sides built only from
// variables are combined through integer registers; comparisons are chained
// by predicating the second comparison on the first.
func (ev *Evaluator) boolAnd(e *ir.Binary, dst asm.Operand) error {
	aVar, bVar := hasAndOnly(e.A), hasAndOnly(e.B)
	mod := dst.Mod

	intType := asm.TypeUW
	if e.Type().Elems > 16 {
		intType = asm.TypeUD
	}
	scalar := func() (asm.Operand, error) {
		r, err := ev.scope.AllocReg(intType, 1, 1)
		if err != nil {
			return asm.Operand{}, err
		}
		return scalarReg(r), nil
	}

	switch {
	case aVar && bVar:
		tmp0, err := scalar()
		if err != nil {
			return err
		}
		tmp1, err := scalar()
		if err != nil {
			return err
		}
		tmpDst, err := scalar()
		if err != nil {
			return err
		}
		s0, err := ev.Eval(e.A, tmp0, false)
		if err != nil {
			return err
		}
		s1, err := ev.Eval(e.B, tmp1, false)
		if err != nil {
			return err
		}
		ev.and(asm.Exec(1), tmpDst, s0, s1)
		ev.mov(asm.Exec(1), dst.WithExec(1), tmpDst)
	case aVar || bVar:
		a, b := e.A, e.B
		if bVar {
			a, b = e.B, e.A
		}
		tmp0, err := scalar()
		if err != nil {
			return err
		}
		tmp1, err := scalar()
		if err != nil {
			return err
		}
		tmpDst, err := scalar()
		if err != nil {
			return err
		}
		s0, err := ev.Eval(a, tmp0, false)
		if err != nil {
			return err
		}
		if _, err := ev.Eval(b, dst.WithMod(mod), false); err != nil {
			return err
		}
		ev.mov(asm.Exec(1), tmp1, dst.WithExec(1))
		ev.and(asm.Exec(1), tmpDst, s0, tmp1)
		ev.mov(asm.Exec(1), dst.WithExec(1), tmpDst)
	default:
		if !dst.IsFlag() {
			return contractf(e, "conjunction of comparisons needs a flag destination")
		}
		if _, err := ev.Eval(e.A, dst, false); err != nil {
			return err
		}
		if _, err := ev.Eval(e.B, dst.WithMod(mod.Merge(dst.FlagMod())), false); err != nil {
			return err
		}
	}
	return nil
}

func (ev *Evaluator) visitTernary(e *ir.Ternary, hint asm.Operand) error {
	dst, err := ev.allocDst(e, hint)
	if err != nil {
		return err
	}
	saved := ev.allowVS
	ev.allowVS = false
	defer func() { ev.allowVS = saved }()

	srcs, err := ev.EvalAll([]ir.Expr{e.A, e.B, e.C})
	if err != nil {
		return err
	}
	mod := dst.Mod
	switch e.Op {
	case ir.OpAdd3:
		ev.inst(asm.OpAdd3, mod, dst, srcs...)
	case ir.OpMad:
		ev.inst(asm.OpMad, mod, dst, srcs...)
	case ir.OpIDiv:
		ev.inst(asm.OpDiv, mod, dst, srcs...)
	case ir.OpIMod:
		ev.inst(asm.OpMod, mod, dst, srcs...)
	default:
		return contractf(e, "unsupported ternary operator %s", e.Op)
	}
	return ev.bind(e, dst, hint)
}

func (ev *Evaluator) visitCast(e *ir.Cast, hint asm.Operand) error {
	from, to := e.X.Type(), e.To
	if from == to {
		return contractf(e, "cast between equal types")
	}
	if c, ok := e.X.(*ir.Const); ok && !to.IsBool() {
		return ev.bind(e, asm.ImmOp(constImm(c, to)), hint)
	}

	isPtrLike := func(t ir.Type) bool { return t.IsPtr() || t.Kind == ir.U64 }
	if isPtrLike(from) && isPtrLike(to) {
		op, err := ev.Eval(e.X, asm.Operand{}, false)
		if err != nil {
			return err
		}
		return ev.bind(e, op.Reinterpret(to.Asm()), hint)
	}

	isIntConvert := from.IsScalar() && to.IsScalar() && from.IsInt() && to.IsInt()
	if isIntConvert && from.Size() >= to.Size() {
		op, err := ev.Eval(e.X, asm.Operand{}, false)
		if err != nil {
			return err
		}
		switch {
		case op.IsReg():
			return ev.bind(e, op.Reinterpret(to.Asm()), hint)
		case op.IsImm():
			return ev.bind(e, asm.ImmOp(asm.Imm(truncate(op.Imm.I, to), to.Asm())), hint)
		}
		return contractf(e, "cannot narrow %s", op)
	}

	dst, err := ev.allocDst(e, hint)
	if err != nil {
		return err
	}
	op, err := ev.Eval(e.X, asm.Operand{}, false)
	if err != nil {
		return err
	}
	mod := dst.Mod
	mod.Sat = e.Saturate
	ev.mov(mod, dst, op)
	if isIntConvert {
		ev.upConverts[e] = from
	}
	return ev.bind(e, dst, hint)
}

func truncate(v int64, t ir.Type) int64 {
	bits := uint(t.Bits())
	if bits >= 64 {
		return v
	}
	v &= int64(1)<<bits - 1
	if t.IsSigned() && v&(int64(1)<<(bits-1)) != 0 {
		v -= int64(1) << bits
	}
	return v
}

func (ev *Evaluator) visitLoad(e *ir.Load, hint asm.Operand) error {
	buf, err := ev.Eval(e.Buf, asm.Operand{}, false)
	if err != nil {
		return err
	}
	if !buf.IsReg() {
		return contractf(e, "load from a non-register buffer")
	}
	t := e.Type()
	size := t.Size()
	stride := 1
	if !e.HasDefaultStride() {
		if e.Stride%size != 0 {
			return contractf(e, "stride %d is not a multiple of the element size", e.Stride)
		}
		stride = e.Stride / size
	}
	if e.Off%size != 0 {
		return contractf(e, "offset %d is not element aligned", e.Off)
	}
	region := buf.Reg.Format(e.Off/size, t.Elems, stride, t.Asm())
	return ev.bind(e, asm.RegOp(region, t.Elems), hint)
}

func (ev *Evaluator) visitPtr(e *ir.Ptr, hint asm.Operand) error {
	base, err := ev.Eval(e.Base, asm.Operand{}, false)
	if err != nil {
		return err
	}
	if e.Off == 0 {
		return ev.bind(e, base, hint)
	}
	if !base.IsReg() {
		return contractf(e, "pointer offset into a non-register buffer")
	}
	region := base.Reg.Format(e.Off, 1, 1, asm.TypeUB)
	region.HS = 1
	return ev.bind(e, asm.RegOp(region, 1), hint)
}

func (ev *Evaluator) visitSelect(e *ir.Select, hint asm.Operand) error {
	dst, err := ev.allocDst(e, hint)
	if err != nil {
		return err
	}
	cond, err := ev.Eval(e.Cond, asm.Operand{}, false)
	if err != nil {
		return err
	}
	if !cond.IsFlag() {
		return contractf(e, "select condition is not a predicate")
	}
	srcs, err := ev.EvalAll([]ir.Expr{e.True, e.False})
	if err != nil {
		return err
	}
	ev.sel(dst.Mod.Merge(cond.FlagMod()), dst, srcs[0], srcs[1])
	return ev.bind(e, dst, hint)
}
