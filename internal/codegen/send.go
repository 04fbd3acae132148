package codegen

import (
	"log/slog"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/regalloc"
)

func (g *generator) visitSend(scope *regalloc.Scope, c *ir.Call, fn *ir.Send, attr asm.Mod) error {
	if len(c.Args) < 2 || len(c.Args) > 4 {
		return contractf(c, "send takes 2 to 4 arguments, got %d", len(c.Args))
	}
	args := make([]ir.Expr, 4)
	copy(args, c.Args)

	mask := args[ir.SendArgMask]
	if mask != nil && ir.AllOf(mask, false) {
		// Nothing is transferred; loads still define their payload.
		if fn.IsLoad() || fn.IsLoad2D() {
			ops, err := g.evalAll(scope, []ir.Expr{args[ir.SendArgRegBuf], args[ir.SendArgFill]})
			if err != nil {
				return err
			}
			if !ops[0].IsReg() {
				return contractf(c, "load into a non-register buffer")
			}
			g.fillBuf(ops[0].Reg, fn.PayloadSize(), ops[1])
		}
		return nil
	}
	if mask != nil && ir.AllOf(mask, true) {
		args[ir.SendArgMask] = nil
	}

	ops, err := g.evalAll(scope, args)
	if err != nil {
		return err
	}
	return g.lowerSend(scope, c, fn, ops, attr)
}

func (g *generator) lowerSend(scope *regalloc.Scope, c *ir.Call, fn *ir.Send, ops []asm.Operand, attr asm.Mod) error {
	addr, buf, mask, pattern := ops[ir.SendArgMemOff], ops[ir.SendArgRegBuf], ops[ir.SendArgMask], ops[ir.SendArgFill]
	if !addr.IsReg() {
		return contractf(c, "message address must be a register")
	}

	exec := max(fn.ExecSize(), 1)
	if exec&(exec-1) != 0 {
		return contractf(c, "message with %d slots", exec)
	}
	mod := asm.Exec(exec).Merge(attr)
	if mask.IsValid() {
		if !mask.IsFlag() {
			return contractf(c, "message mask is not a predicate")
		}
		mod = mod.Merge(mask.FlagMod())
	}

	isLoad := fn.IsLoad() || fn.IsLoad2D()
	if fn.FillBuf && isLoad && mod.HasPred {
		if !buf.IsReg() {
			return contractf(c, "load into a non-register buffer")
		}
		g.fillBuf(buf.Reg, fn.PayloadSize(), pattern)
	}

	data, err := g.densePayload(scope, c, fn, buf)
	if err != nil {
		return err
	}

	if !fn.HasDefaultSlotMask() {
		immType := asm.TypeUW
		if fn.Slots > 16 {
			immType = asm.TypeUD
		}
		slotMask := asm.ImmOp(asm.Imm(int64(fn.SlotMask), immType))
		if mod.HasPred {
			f := mod.Pred
			if fn.Slots > 16 {
				f = asm.Flag{Reg: f.Reg, Width: 32}
			}
			fop := asm.FlagOp(f, 1)
			g.and(asm.Exec(1), fop, fop, slotMask)
		} else {
			f, err := scope.AllocFlag(fn.Slots)
			if err != nil {
				return err
			}
			g.mov(asm.Exec(1), asm.FlagOp(f, 1), slotMask)
			mod = mod.Predicated(f, false)
		}
	}

	addr = asm.RegOp(addr.Reg, exec)
	if fn.IsAtomic() && !g.prof.NativeAtomicAdd(fn.Type.Asm()) {
		return g.atomicAddEmulation(scope, c, fn, mod, addr, data)
	}
	g.emitMessage(mod, fn.Message(fn.MessageOp()), addr, data)
	return nil
}

// emitMessage issues msg; loads write data, other messages read it.
func (g *generator) emitMessage(mod asm.Mod, msg asm.Message, addr, data asm.Operand) {
	switch msg.Op {
	case asm.MsgLoad, asm.MsgLoad2D:
		g.sendMsg(mod, msg, data, addr, asm.Operand{})
	case asm.MsgPrefetch, asm.MsgPrefetch2D:
		g.sendMsg(mod, msg, asm.Null(msg.Type), addr, asm.Operand{})
	case asm.MsgAtomicCmpwr:
		g.sendMsg(mod, msg, data, addr, data)
	default:
		g.sendMsg(mod, msg, asm.Null(msg.Type), addr, data)
	}
}

// densePayload returns a payload operand starting on a register boundary,
// copying store data into a temporary when the buffer is misaligned.
func (g *generator) densePayload(scope *regalloc.Scope, c *ir.Call, fn *ir.Send, buf asm.Operand) (asm.Operand, error) {
	t := fn.Type.Asm()
	if fn.IsPrefetch() || fn.IsPrefetch2D() {
		return asm.Null(t), nil
	}
	if !buf.IsReg() {
		return asm.Operand{}, contractf(c, "message payload must be a register buffer")
	}
	grf := g.prof.GRFBytes
	size := fn.PayloadSize()
	if buf.Reg.IsDense(size) {
		return asm.RegOp(asm.NewRegion(grf, buf.Reg.Base, 0, t), fn.ExecSize()), nil
	}
	if fn.IsLoad() || fn.IsLoad2D() {
		return asm.Operand{}, contractf(c, "load payload must be a dense register region")
	}

	slog.Debug("repacking message payload", "call", c.String(), "region", buf.Reg.String())
	regs := (size + grf - 1) / grf
	tmp, err := scope.AllocRange(regs)
	if err != nil {
		return asm.Operand{}, err
	}
	dwords := grf / 4
	for i := 0; i < regs; {
		sub := buf.Reg.At(buf.Reg.Byte() + i*grf).Retype(asm.TypeUD)
		sub.HS, sub.VS, sub.Width = 1, 0, 0
		step := min(2, regs-i)
		if step > 1 && !sub.IsDense(step*grf) {
			step = 1
		}
		esize := step * dwords
		dst := asm.NewRegion(grf, tmp.Base+i, 0, asm.TypeUD)
		g.mov(asm.Exec(esize), asm.RegOp(dst, esize), asm.RegOp(sub, esize))
		i += step
	}
	return asm.RegOp(asm.NewRegion(grf, tmp.Base, 0, t), fn.ExecSize()), nil
}

// atomicAddEmulation implements a floating-point atomic add with a
// compare-and-exchange loop: load the current values, add, try to swap and
// retry the lanes whose memory changed in between. NaN lanes never compare
// equal and are retired explicitly.
func (g *generator) atomicAddEmulation(scope *regalloc.Scope, c *ir.Call, fn *ir.Send, mod asm.Mod, addr, data asm.Operand) error {
	var t asm.DataType
	switch fn.Type.Size() {
	case 4:
		t = asm.TypeF
	case 8:
		t = asm.TypeDF
	default:
		return contractf(c, "atomic add emulation needs 32- or 64-bit elements")
	}
	esize := fn.Slots
	if max(fn.Elems, 1) != 1 || esize > 16 {
		return contractf(c, "atomic add emulation handles up to 16 slots of one element")
	}
	slog.Debug("emulating atomic add", "call", c.String())

	grf := g.prof.GRFBytes
	size := fn.PayloadSize()
	regs := (size + grf - 1) / grf

	newVal, err := scope.AllocRange(2 * regs)
	if err != nil {
		return err
	}
	oldSave, err := scope.AllocRange(regs)
	if err != nil {
		return err
	}
	flag, err := scope.AllocFlag(esize)
	if err != nil {
		return err
	}

	old := asm.RegOp(asm.NewRegion(grf, newVal.Base, 0, t), esize)
	sum := asm.RegOp(asm.NewRegion(grf, newVal.Base+regs, 0, t), esize)
	saved := asm.RegOp(asm.NewRegion(grf, oldSave.Base, 0, t), esize)
	payload := asm.RegOp(data.Reg.Retype(t), esize)
	payload.Reg.HS = 1

	g.emitMessage(mod, fn.Message(asm.MsgLoad), addr, old)

	lanes := asm.ImmOp(asm.Imm(int64(1)<<uint(esize)-1, asm.TypeUW))
	fop := asm.FlagOp(flag, 1)
	if mod.HasPred {
		g.and(asm.Exec(1), fop, asm.FlagOp(mod.Pred, 1), lanes)
	} else {
		g.mov(asm.Exec(1), fop, lanes)
	}

	loop := g.host.NewLabel("atomic")
	g.host.Mark(loop)
	g.mov(asm.Exec(esize), saved, old)
	g.add(asm.Exec(esize), sum, old, payload)
	cmpwrMod := mod
	cmpwrMod.HasPred, cmpwrMod.Pred, cmpwrMod.PredInv = true, flag, false
	g.emitMessage(cmpwrMod, fn.Message(asm.MsgAtomicCmpwr), addr, old)
	retry := asm.Exec(esize).Predicated(flag, false)
	g.cmp(retry.WithCond(asm.CondNE, flag), saved, old)
	g.cmp(retry.WithCond(asm.CondEQ, flag), old, old)
	g.out(asm.Inst{Op: asm.OpWhile, Mod: retry, JIP: loop})
	return nil
}
