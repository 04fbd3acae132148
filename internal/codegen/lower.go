package codegen

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/regalloc"
)

func (g *generator) scope() *regalloc.Scope {
	return regalloc.NewScope(g.ra)
}

func (g *generator) eval(scope *regalloc.Scope, e ir.Expr, dst asm.Operand, fillMask0 bool) (asm.Operand, error) {
	if e == nil {
		return asm.Operand{}, nil
	}
	return g.newEvaluator(scope).Eval(e, dst, fillMask0)
}

func (g *generator) evalAll(scope *regalloc.Scope, es []ir.Expr) ([]asm.Operand, error) {
	return g.newEvaluator(scope).EvalAll(es)
}

func (g *generator) visit(s ir.Stmt) error {
	if s == nil {
		return nil
	}
	switch s := s.(type) {
	case *ir.Alloc:
		return g.visitAlloc(s)
	case *ir.For:
		return g.visitFor(s)
	case *ir.While:
		return g.visitWhile(s)
	case *ir.If:
		return g.visitIf(s)
	case *ir.Let:
		return g.visitLet(s)
	case *ir.Store:
		return g.visitStore(s)
	case *ir.Call:
		return g.visitCall(s)
	case ir.Seq:
		for _, c := range s {
			if err := g.visit(c); err != nil {
				return err
			}
		}
		return nil
	}
	return contractf(s, "unsupported statement %T", s)
}

func isHeader(buf *ir.Var) bool {
	return strings.HasPrefix(buf.Name, "h_")
}

func (g *generator) visitAlloc(s *ir.Alloc) error {
	scope := g.scope()
	defer scope.Release()

	if s.Kind != ir.AllocGRF {
		op, ok := g.binding.Get(s.Buf)
		if !ok {
			return contractf(s, "%s buffer is not bound", s.Kind)
		}
		g.host.Comment(fmt.Sprintf("%s -> %s", s, op))
		return g.visit(s.Body)
	}

	var region asm.Region
	switch {
	case s.BankConflict != nil:
		r, err := g.retainBankConflict(s)
		if err != nil {
			return err
		}
		defer g.releaseBankConflict(s.BankConflict)
		region = r
	case s.Size*8 <= 64:
		t := asm.UnsignedOf(s.Size)
		elems := 1
		if t == asm.TypeInvalid {
			t, elems = asm.TypeUB, s.Size
		}
		r, err := scope.AllocReg(t, elems, 1)
		if err != nil {
			return err
		}
		region = r
	default:
		regs := (s.Size + g.prof.GRFBytes - 1) / g.prof.GRFBytes
		var rr regalloc.Range
		var err error
		if isHeader(s.Buf) {
			rr, err = g.allocHeader(scope, regs)
		} else {
			rr, err = scope.AllocRange(regs)
		}
		if err != nil {
			return err
		}
		region = asm.NewRegion(g.prof.GRFBytes, rr.Base, 0, asm.TypeUB)
	}

	op := asm.RegOp(region, 1)
	if err := g.binding.Bind(s.Buf, op); err != nil {
		return err
	}
	g.host.Comment(fmt.Sprintf("%s -> %s", s, op))
	if err := g.visit(s.Body); err != nil {
		return err
	}
	return g.binding.Unbind(s.Buf)
}

// allocHeader places message headers away from the most recently used
// header registers. It keeps allocating until two ranges outside that set
// turn up, keeps the last one and returns the rest.
func (g *generator) allocHeader(scope *regalloc.Scope, regs int) (regalloc.Range, error) {
	recent := func(r regalloc.Range) bool {
		for reg := r.Base; reg < r.Base+r.Len; reg++ {
			for _, h := range g.headerRegs {
				if h == reg {
					return true
				}
			}
		}
		return false
	}

	var ranges []regalloc.Range
	for found := 0; found < 2; {
		r, ok := scope.TryAllocRange(regs)
		ranges = append(ranges, r)
		if !ok || !recent(r) {
			found++
		}
	}
	r := ranges[len(ranges)-1]
	for _, other := range ranges[:len(ranges)-1] {
		if other.Valid() {
			scope.SafeRelease(other)
		}
	}
	if !r.Valid() {
		slog.Debug("header placement fell back to first fit", "regs", regs)
		var err error
		if r, err = scope.AllocRange(regs); err != nil {
			return regalloc.Range{}, err
		}
	}

	for reg := r.Base; reg < r.Base+r.Len; reg++ {
		g.headerRegs = append(g.headerRegs, reg)
	}
	if n := len(g.headerRegs); n > g.opts.HeaderWindow {
		g.headerRegs = append(g.headerRegs[:0], g.headerRegs[n-g.opts.HeaderWindow:]...)
	}
	return r, nil
}

func (g *generator) visitFor(s *ir.For) error {
	g.host.Comment(s.String())
	scope := g.scope()
	defer scope.Release()

	varType := s.Var.Type()
	r, err := scope.AllocReg(varType.Asm(), 1, 1)
	if err != nil {
		return err
	}
	varOp := asm.RegOp(r, 1)

	init, initOK := ir.ConstInt(s.Init)
	bound, boundOK := ir.ConstInt(s.Bound)
	// A constant loop that never runs still needs the entry check.
	dynamic := !initOK || !boundOK || bound <= init

	ops, err := g.evalAll(scope, []ir.Expr{s.Init, s.Bound, s.Step})
	if err != nil {
		return err
	}
	initOp, boundOp, stepOp := ops[0], ops[1], ops[2]

	if err := g.binding.Bind(s.Var, varOp); err != nil {
		return err
	}
	g.host.Comment(fmt.Sprintf("%s -> %s", s.Var, varOp))
	g.mov(asm.Exec(1), varOp, initOp)

	flag, err := scope.AllocFlag(16)
	if err != nil {
		return err
	}
	if dynamic {
		begin, end := g.host.NewLabel("loop_begin"), g.host.NewLabel("loop_end")
		g.host.Mark(begin)
		g.cmp(asm.Exec(1).WithCond(asm.CondGE, flag), varOp, boundOp)
		g.jmpi(asm.Exec(1).Predicated(flag, false), end)
		if err := g.visit(s.Body); err != nil {
			return err
		}
		g.add(asm.Exec(1), varOp, varOp, stepOp)
		g.jmpi(asm.Exec(1), begin)
		g.host.Mark(end)
	} else {
		loop := g.host.NewLabel("loop")
		g.host.Mark(loop)
		if err := g.visit(s.Body); err != nil {
			return err
		}
		g.add(asm.Exec(1), varOp, varOp, stepOp)
		g.cmp(asm.Exec(1).WithCond(asm.CondLT, flag), varOp, boundOp)
		g.jmpi(asm.Exec(1).Predicated(flag, false), loop)
	}

	if err := g.binding.Unbind(s.Var); err != nil {
		return err
	}
	g.host.Comment("end " + s.String())
	return nil
}

func (g *generator) visitWhile(s *ir.While) error {
	g.host.Comment(s.String())
	scope := g.scope()
	defer scope.Release()

	begin, end := g.host.NewLabel("while_begin"), g.host.NewLabel("while_end")
	g.host.Mark(begin)
	cond, err := g.eval(scope, s.Cond, asm.Operand{}, false)
	if err != nil {
		return err
	}
	if !cond.IsFlag() {
		return contractf(s, "loop condition is not a predicate")
	}
	g.jmpi(asm.Exec(1).Predicated(cond.Flag, !cond.Neg), end)
	if err := g.visit(s.Body); err != nil {
		return err
	}
	g.jmpi(asm.Exec(1), begin)
	g.host.Mark(end)
	return nil
}

func (g *generator) visitIf(s *ir.If) error {
	if s.Cond.Type().Elems != g.simd {
		return contractf(s, "condition has %d lanes, want %d", s.Cond.Type().Elems, g.simd)
	}
	g.host.Comment(s.String())
	scope := g.scope()
	defer scope.Release()

	cond, err := g.eval(scope, s.Cond, asm.Operand{}, false)
	if err != nil {
		return err
	}
	if !cond.IsFlag() {
		return contractf(s, "condition is not a predicate")
	}

	hasElse := s.Else != nil
	endif := g.host.NewLabel("endif")
	jip := endif
	var elseLabel asm.Label
	if hasElse {
		elseLabel = g.host.NewLabel("else")
		jip = elseLabel
	}
	g.out(asm.Inst{Op: asm.OpIf, Mod: asm.Exec(g.simd).Merge(cond.FlagMod()), JIP: jip, UIP: endif})
	if err := g.visit(s.Body); err != nil {
		return err
	}
	if hasElse {
		g.host.Comment("else // " + s.String())
		g.out(asm.Inst{Op: asm.OpElse, Mod: asm.Exec(g.simd), JIP: endif, UIP: endif})
		g.host.Mark(elseLabel)
		if err := g.visit(s.Else); err != nil {
			return err
		}
	}
	g.host.Mark(endif)
	g.out(asm.Inst{Op: asm.OpEndif, Mod: asm.Exec(g.simd)})
	g.host.Comment("end " + s.String())
	return nil
}

func (g *generator) visitLet(s *ir.Let) error {
	if s.Value == nil {
		op, ok := g.binding.Get(s.Var)
		if !ok {
			return contractf(s, "variable is not defined")
		}
		g.host.Comment(fmt.Sprintf("%s -> %s", s, op))
		return g.visit(s.Body)
	}

	scope := g.scope()
	defer scope.Release()
	g.host.Comment(s.String())

	varType := s.Var.Type()
	var varOp asm.Operand
	if ir.IsConst(s.Value) || ir.IsShuffleConst(s.Value) || varType != s.Value.Type() {
		if varType.IsBool() {
			f, err := scope.AllocFlag(max(varType.Elems, 16))
			if err != nil {
				return err
			}
			varOp = asm.FlagOp(f, varType.Elems)
		} else {
			r, err := scope.AllocReg(varType.Asm(), varType.Elems, 1)
			if err != nil {
				return err
			}
			varOp = asm.RegOp(r, varType.Elems)
		}
		if _, err := g.eval(scope, s.Value, varOp, false); err != nil {
			return err
		}
	} else {
		op, err := g.eval(scope, s.Value, asm.Operand{}, false)
		if err != nil {
			return err
		}
		varOp = op
	}
	if err := g.binding.Bind(s.Var, varOp); err != nil {
		return err
	}
	g.host.Comment(fmt.Sprintf("%s -> %s", s.Var, varOp))

	// Keep only the storage of the variable; expression temporaries are
	// returned before the body runs.
	var (
		rng    regalloc.Range
		sub    regalloc.Sub
		flag   asm.Flag
		hasRng bool
		hasSub bool
		hasFlg bool
	)
	switch {
	case varOp.IsReg():
		rng, hasRng = scope.FindRange(varOp.Reg.Base)
		if !hasRng {
			sub, hasSub = scope.FindSub(varOp.Reg.Base, varOp.Reg.Off)
		}
	case varOp.IsFlag():
		flag, hasFlg = scope.FindFlag(varOp.Flag)
	}
	scope.Clear()

	varScope := g.scope()
	defer varScope.Release()
	var err error
	switch {
	case hasRng:
		err = varScope.Claim(rng)
	case hasSub:
		err = varScope.ClaimSub(sub)
	case hasFlg:
		err = varScope.ClaimFlag(flag)
	}
	if err != nil {
		return err
	}

	if err := g.visit(s.Body); err != nil {
		return err
	}
	return g.binding.Unbind(s.Var)
}

func (g *generator) visitStore(s *ir.Store) error {
	g.host.Comment(s.String())
	scope := g.scope()
	defer scope.Release()

	buf, err := g.eval(scope, s.Buf, asm.Operand{}, false)
	if err != nil {
		return err
	}
	if !buf.IsReg() {
		return contractf(s, "store into a non-register buffer")
	}
	mask, err := g.eval(scope, s.Mask, asm.Operand{}, false)
	if err != nil {
		return err
	}

	t := s.Value.Type()
	size := t.Size()
	stride := 1
	if !s.HasDefaultStride() {
		if s.Stride%size != 0 {
			return contractf(s, "stride %d is not a multiple of the element size", s.Stride)
		}
		stride = s.Stride / size
	}
	if s.Off%size != 0 {
		return contractf(s, "offset %d is not element aligned", s.Off)
	}

	mod := asm.Exec(t.Elems)
	if mask.IsValid() {
		if !mask.IsFlag() {
			return contractf(s, "store mask is not a predicate")
		}
		mod = mod.Merge(mask.FlagMod())
	}
	dst := asm.RegOp(buf.Reg.Format(s.Off/size, t.Elems, stride, t.Scalar().Asm()), t.Elems).WithMod(mod)
	_, err = g.eval(scope, s.Value, dst, s.FillMask0 && mask.IsValid())
	return err
}
