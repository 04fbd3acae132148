package sim

import (
	"fmt"

	"github.com/tinyrange/simdgen/internal/asm"
)

// Run executes p from the first instruction until it falls off the end.
func (m *Machine) Run(p asm.Program) error {
	insts := p.Insts()
	labels, err := p.Labels()
	if err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	target := func(l asm.Label) (int, error) {
		idx, ok := labels[l]
		if !ok {
			return 0, fmt.Errorf("sim: undefined label %q", l)
		}
		return idx, nil
	}

	m.mask = ^uint32(0)
	m.stack = m.stack[:0]
	m.Steps = 0
	limit := m.MaxSteps
	if limit <= 0 {
		limit = defaultMaxSteps
	}

	for pc := 0; pc < len(insts); {
		inst := insts[pc]
		if inst.Op.IsPseudo() {
			pc++
			continue
		}
		if m.Steps++; m.Steps > limit {
			return ErrStepLimit
		}

		next := pc + 1
		var jump asm.Label
		switch inst.Op {
		case asm.OpJmpi:
			if m.predicate(inst.Mod, 0) {
				jump = inst.JIP
			}
		case asm.OpIf:
			exec := execMask(inst.Mod.Exec)
			var cond uint32
			for lane := 0; lane < inst.Mod.Exec; lane++ {
				if m.predicate(inst.Mod, lane) {
					cond |= 1 << uint(lane)
				}
			}
			f := frame{saved: m.mask, taken: m.mask & cond}
			m.stack = append(m.stack, f)
			m.mask = f.taken
			if m.mask&exec == 0 {
				if inst.JIP != inst.UIP {
					m.mask = f.saved &^ f.taken
				}
				jump = inst.JIP
			}
		case asm.OpElse:
			if len(m.stack) == 0 {
				return fmt.Errorf("sim: else without if at %d", pc)
			}
			f := m.stack[len(m.stack)-1]
			m.mask = f.saved &^ f.taken
			if m.mask&execMask(inst.Mod.Exec) == 0 {
				jump = inst.JIP
			}
		case asm.OpEndif:
			if len(m.stack) == 0 {
				return fmt.Errorf("sim: endif without if at %d", pc)
			}
			m.mask = m.stack[len(m.stack)-1].saved
			m.stack = m.stack[:len(m.stack)-1]
		case asm.OpWhile:
			for lane := 0; lane < max(inst.Mod.Exec, 1); lane++ {
				if m.enabled(inst.Mod, lane) {
					jump = inst.JIP
					break
				}
			}
		case asm.OpSend:
			err = m.send(inst)
		case asm.OpDpas, asm.OpDpasw:
			err = m.dpas(inst)
		case asm.OpDp4a:
			err = m.dp4a(inst)
		case asm.OpSLMFence, asm.OpFenceWait, asm.OpBarrierMsg, asm.OpBarrierWait:
			// One thread: memory is always coherent and barriers are trivial.
		default:
			err = m.data(inst)
		}
		if err != nil {
			return fmt.Errorf("sim: %s: %w", inst, err)
		}
		if jump != "" {
			if next, err = target(jump); err != nil {
				return err
			}
		}
		pc = next
	}
	return nil
}

// send performs a memory message. A scalar address with several slots
// addresses one contiguous block and moves the payload in memory order;
// otherwise every slot has its own address and the payload holds element j
// of all slots before element j+1.
func (m *Machine) send(inst asm.Inst) error {
	msg := inst.Msg
	if msg == nil {
		return fmt.Errorf("send without message")
	}
	if msg.Op == asm.MsgPrefetch || msg.Op == asm.MsgPrefetch2D {
		return nil
	}
	mem := m.memory(msg.Space)
	t := msg.Type
	size := t.Size()
	elems := max(msg.Elems, 1)
	addr := inst.Src[0]
	if !addr.IsReg() {
		return fmt.Errorf("message address %s is not a register", addr)
	}
	block := addr.Reg.IsScalar() && msg.Slots > 1
	base := int64(0)
	if block {
		v, err := m.read(addr, 0)
		if err != nil {
			return err
		}
		base = v.int()
	}

	payload := func(op asm.Operand, slot, elem, extra int) ([]byte, error) {
		var off int
		if block {
			off = (slot*elems + elem) * size
		} else {
			off = (elem*msg.Slots + slot) * size
		}
		return m.bytes(op.Reg.Byte()+extra+off, size)
	}
	grf := m.grfBytes
	regs := (msg.PayloadSize() + grf - 1) / grf

	for slot := 0; slot < msg.Slots; slot++ {
		if !m.enabled(inst.Mod, slot) {
			continue
		}
		a := base + int64(slot*elems*size)
		if !block {
			v, err := m.read(addr, slot)
			if err != nil {
				return err
			}
			a = v.int()
		}
		for elem := 0; elem < elems; elem++ {
			at := a + int64(elem*size)
			if at < 0 || at+int64(size) > int64(len(mem)) {
				return fmt.Errorf("%s address %d out of range", msg.Space, at)
			}
			cell := mem[at : at+int64(size)]

			switch msg.Op {
			case asm.MsgLoad, asm.MsgLoad2D:
				dst, err := payload(inst.Dst, slot, elem, 0)
				if err != nil {
					return err
				}
				copy(dst, cell)
			case asm.MsgStore, asm.MsgStore2D:
				src, err := payload(inst.Src[1], slot, elem, 0)
				if err != nil {
					return err
				}
				copy(cell, src)
			case asm.MsgAtomicAdd:
				src, err := payload(inst.Src[1], slot, elem, 0)
				if err != nil {
					return err
				}
				old, inc := decode(cell, t), decode(src, t)
				if t.IsFloat() {
					encode(cell, t, floatValue(old.float()+inc.float()))
				} else {
					encode(cell, t, intValue(old.int()+inc.int()))
				}
			case asm.MsgAtomicCmpwr:
				cmpv, err := payload(inst.Src[1], slot, elem, 0)
				if err != nil {
					return err
				}
				newv, err := payload(inst.Src[1], slot, elem, regs*grf)
				if err != nil {
					return err
				}
				old := decode(cell, t)
				swap := compare(asm.CondEQ, old, decode(cmpv, t))
				oldBytes := append([]byte(nil), cell...)
				if swap {
					copy(cell, newv)
				}
				if inst.Dst.IsReg() {
					dst, err := payload(inst.Dst, slot, elem, 0)
					if err != nil {
						return err
					}
					copy(dst, oldBytes)
				}
			default:
				return fmt.Errorf("unsupported message %s", msg.Op)
			}
		}
	}
	return nil
}

func (m *Machine) readAt(pos int, t asm.DataType) (value, error) {
	b, err := m.bytes(pos, t.Size())
	if err != nil {
		return value{}, err
	}
	return decode(b, t), nil
}

func (m *Machine) accumulator(src asm.Operand, pos int) (value, error) {
	switch {
	case src.IsReg():
		return m.readAt(src.Reg.Byte()+pos*src.Reg.Type.Size(), src.Reg.Type)
	case src.IsImm():
		return m.read(src, 0)
	}
	return intValue(0), nil
}

// dpas computes RCount rows of Exec channels. Channel i of row r accumulates
// SDepth dwords of src1 channel i against SDepth dwords of src2 row r.
func (m *Machine) dpas(inst asm.Inst) error {
	esize := inst.Mod.Exec
	dt := inst.Dst.Reg.Type
	t1, t2 := inst.Src[1].Reg.Type, inst.Src[2].Reg.Type
	ops := 4 / t1.Size()
	float := dt.IsFloat() || t1.IsFloat()
	s1, s2 := inst.Src[1].Reg.Byte(), inst.Src[2].Reg.Byte()

	for r := 0; r < inst.RCount; r++ {
		for i := 0; i < esize; i++ {
			acc, err := m.accumulator(inst.Src[0], r*esize+i)
			if err != nil {
				return err
			}
			fsum, isum := acc.float(), acc.int()
			for d := 0; d < inst.SDepth; d++ {
				for k := 0; k < ops; k++ {
					a, err := m.readAt(s1+(d*esize+i)*4+k*t1.Size(), t1)
					if err != nil {
						return err
					}
					b, err := m.readAt(s2+(r*inst.SDepth+d)*4+k*t2.Size(), t2)
					if err != nil {
						return err
					}
					fsum += a.float() * b.float()
					isum += a.int() * b.int()
				}
			}
			b, err := m.bytes(inst.Dst.Reg.Byte()+(r*esize+i)*dt.Size(), dt.Size())
			if err != nil {
				return err
			}
			if float {
				encode(b, dt, floatValue(fsum))
			} else {
				encode(b, dt, intValue(isum))
			}
		}
	}
	return nil
}

// dp4a adds the dot product of four bytes of src1 and src2 to src0, per
// dword lane.
func (m *Machine) dp4a(inst asm.Inst) error {
	t1, t2 := inst.Src[1].Reg.Type, inst.Src[2].Reg.Type
	for i := 0; i < inst.Mod.Exec; i++ {
		if !m.enabled(inst.Mod, i) {
			continue
		}
		acc, err := m.read(inst.Src[0], i)
		if err != nil {
			return err
		}
		sum := acc.int()
		p1 := inst.Src[1].Reg.Byte() + 4*i
		p2 := inst.Src[2].Reg.Byte()
		if !inst.Src[2].Reg.IsScalar() {
			p2 += 4 * i
		}
		for k := 0; k < 4; k++ {
			a, err := m.readAt(p1+k, t1)
			if err != nil {
				return err
			}
			b, err := m.readAt(p2+k, t2)
			if err != nil {
				return err
			}
			sum += a.int() * b.int()
		}
		if err := m.write(inst.Dst, inst.Mod, i, intValue(sum)); err != nil {
			return err
		}
	}
	return nil
}
