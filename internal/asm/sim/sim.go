// Package sim executes instruction streams produced by the code generator on
// a single simulated thread. It models the register file, flag registers,
// the SIMD execution mask and two flat memories; it is meant for checking
// values in tests, not timing.
package sim

import (
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/target"
)

const (
	maxLanes        = 32
	defaultMaxSteps = 1 << 20
	defaultMemSize  = 1 << 16
)

var ErrStepLimit = errors.New("sim: step limit exceeded")

type frame struct {
	saved, taken uint32
}

// Machine is the architectural state of one thread.
type Machine struct {
	grfBytes int
	grf      []byte
	flags    []uint32

	Global []byte
	SLM    []byte

	// MaxSteps bounds the number of executed instructions.
	MaxSteps int
	// Steps is the number of instructions executed by the last Run.
	Steps int

	mask  uint32
	stack []frame
}

func New(p target.Profile) *Machine {
	return &Machine{
		grfBytes: p.GRFBytes,
		grf:      make([]byte, p.GRFBytes*p.GRFCount),
		flags:    make([]uint32, p.FlagRegs),
		Global:   make([]byte, defaultMemSize),
		SLM:      make([]byte, defaultMemSize),
		MaxSteps: defaultMaxSteps,
	}
}

func (m *Machine) bytes(pos, n int) ([]byte, error) {
	if pos < 0 || pos+n > len(m.grf) {
		return nil, fmt.Errorf("sim: register byte %d out of range", pos)
	}
	return m.grf[pos : pos+n], nil
}

// Load returns n elements of r converted to float64.
func (m *Machine) Load(r asm.Region, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		b, err := m.bytes(r.ElemByte(i), r.Type.Size())
		if err != nil {
			panic(err)
		}
		out[i] = decode(b, r.Type).float()
	}
	return out
}

// LoadInt returns n elements of r as integers.
func (m *Machine) LoadInt(r asm.Region, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		b, err := m.bytes(r.ElemByte(i), r.Type.Size())
		if err != nil {
			panic(err)
		}
		out[i] = decode(b, r.Type).int()
	}
	return out
}

// Store writes vals into consecutive elements of r.
func (m *Machine) Store(r asm.Region, vals ...float64) {
	for i, v := range vals {
		b, err := m.bytes(r.ElemByte(i), r.Type.Size())
		if err != nil {
			panic(err)
		}
		encode(b, r.Type, floatValue(v))
	}
}

// StoreInt writes integer vals into consecutive elements of r.
func (m *Machine) StoreInt(r asm.Region, vals ...int64) {
	for i, v := range vals {
		b, err := m.bytes(r.ElemByte(i), r.Type.Size())
		if err != nil {
			panic(err)
		}
		encode(b, r.Type, intValue(v))
	}
}

func (m *Machine) memory(space asm.AddressSpace) []byte {
	if space == asm.SpaceSLM {
		return m.SLM
	}
	return m.Global
}

// ReadMem returns n elements of type t starting at addr.
func (m *Machine) ReadMem(space asm.AddressSpace, t asm.DataType, addr, n int) []float64 {
	mem := m.memory(space)
	out := make([]float64, n)
	for i := range out {
		out[i] = decode(mem[addr+i*t.Size():], t).float()
	}
	return out
}

// WriteMem stores vals as elements of type t starting at addr.
func (m *Machine) WriteMem(space asm.AddressSpace, t asm.DataType, addr int, vals ...float64) {
	mem := m.memory(space)
	for i, v := range vals {
		var val value
		if t.IsFloat() {
			val = floatValue(v)
		} else {
			val = intValue(int64(v))
		}
		encode(mem[addr+i*t.Size():], t, val)
	}
}

// Flag returns the lanes of f.
func (m *Machine) Flag(f asm.Flag) uint32 {
	v := m.flags[f.Reg]
	if f.Width > 16 {
		return v
	}
	return (v >> (16 * uint(f.Sub))) & 0xffff
}

func (m *Machine) SetFlag(f asm.Flag, v uint32) {
	if f.Width > 16 {
		m.flags[f.Reg] = v
		return
	}
	shift := 16 * uint(f.Sub)
	m.flags[f.Reg] = m.flags[f.Reg]&^(0xffff<<shift) | (v&0xffff)<<shift
}

func (m *Machine) flagBit(f asm.Flag, lane int) bool {
	return m.Flag(f)&(1<<uint(lane)) != 0
}

func (m *Machine) setFlagBit(f asm.Flag, lane int, on bool) {
	v := m.Flag(f)
	if on {
		v |= 1 << uint(lane)
	} else {
		v &^= 1 << uint(lane)
	}
	m.SetFlag(f, v)
}

func execMask(n int) uint32 {
	if n >= maxLanes {
		return ^uint32(0)
	}
	return 1<<uint(n) - 1
}

// active reports whether lane executes under the SIMD mask. Scalar
// instructions are uniform and ignore it.
func (m *Machine) active(mod asm.Mod, lane int) bool {
	if mod.Exec <= 1 || mod.NoMask {
		return true
	}
	return m.mask&(1<<uint(lane)) != 0
}

func (m *Machine) predicate(mod asm.Mod, lane int) bool {
	if !mod.HasPred {
		return true
	}
	return m.flagBit(mod.Pred, lane) != mod.PredInv
}

func (m *Machine) enabled(mod asm.Mod, lane int) bool {
	return m.active(mod, lane) && m.predicate(mod, lane)
}

func (m *Machine) read(op asm.Operand, lane int) (value, error) {
	var v value
	switch op.Kind {
	case asm.OperandImm:
		switch {
		case op.Imm.Type == asm.TypeUV || op.Imm.Type == asm.TypeV:
			v = intValue(op.Imm.Lane(lane))
		case op.Imm.Type.IsFloat():
			v = floatValue(op.Imm.F)
		default:
			v = intValue(op.Imm.I)
		}
	case asm.OperandReg:
		b, err := m.bytes(op.Reg.ElemByte(lane), op.Reg.Type.Size())
		if err != nil {
			return value{}, err
		}
		v = decode(b, op.Reg.Type)
	case asm.OperandFlag:
		return intValue(int64(m.Flag(op.Flag))), nil
	case asm.OperandNull:
		return intValue(0), nil
	default:
		return value{}, errors.New("sim: read of invalid operand")
	}
	if op.Neg {
		v = v.neg()
	}
	return v, nil
}

func (m *Machine) write(op asm.Operand, mod asm.Mod, lane int, v value) error {
	switch op.Kind {
	case asm.OperandReg:
		t := op.Reg.Type
		if mod.Sat {
			v = saturate(v, t)
		}
		b, err := m.bytes(op.Reg.ElemByte(lane), t.Size())
		if err != nil {
			return err
		}
		encode(b, t, v)
	case asm.OperandFlag:
		if mod.Exec <= 1 {
			m.SetFlag(op.Flag, uint32(v.int()))
		} else {
			m.setFlagBit(op.Flag, lane, v.int() != 0)
		}
	case asm.OperandNull, asm.OperandInvalid:
	default:
		return fmt.Errorf("sim: write to %s", op)
	}
	return nil
}

func compare(c asm.CondMod, a, b value) bool {
	if a.isFloat || b.isFloat {
		x, y := a.float(), b.float()
		switch c {
		case asm.CondEQ:
			return x == y
		case asm.CondNE:
			return x != y
		case asm.CondGT:
			return x > y
		case asm.CondGE:
			return x >= y
		case asm.CondLT:
			return x < y
		case asm.CondLE:
			return x <= y
		}
		return false
	}
	x, y := a.i, b.i
	switch c {
	case asm.CondEQ:
		return x == y
	case asm.CondNE:
		return x != y
	case asm.CondGT:
		return x > y
	case asm.CondGE:
		return x >= y
	case asm.CondLT:
		return x < y
	case asm.CondLE:
		return x <= y
	}
	return false
}

func floatSources(srcs []asm.Operand) bool {
	for _, s := range srcs {
		if (s.IsReg() || s.IsImm()) && s.Type().IsFloat() {
			return true
		}
	}
	return false
}

func mathFn(fn asm.MathFn, a, b float64) (float64, error) {
	switch fn {
	case asm.MathInv:
		return 1 / a, nil
	case asm.MathLog:
		return math.Log2(a), nil
	case asm.MathExp:
		return math.Exp2(a), nil
	case asm.MathSqrt:
		return math.Sqrt(a), nil
	case asm.MathRsqrt:
		return 1 / math.Sqrt(a), nil
	case asm.MathTanh:
		return math.Tanh(a), nil
	case asm.MathFDiv:
		return a / b, nil
	}
	return 0, fmt.Errorf("sim: unsupported math function %s", fn)
}

// alu computes one lane of a data-processing instruction.
func alu(inst asm.Inst, src []value, float bool) (value, error) {
	a, b, c := src[0], src[1], src[2]
	if float {
		x, y, z := a.float(), b.float(), c.float()
		switch inst.Op {
		case asm.OpAdd:
			return floatValue(x + y), nil
		case asm.OpAdd3:
			return floatValue(x + y + z), nil
		case asm.OpMul:
			return floatValue(x * y), nil
		case asm.OpMad:
			return floatValue(x + y*z), nil
		case asm.OpDiv:
			return floatValue(x / y), nil
		case asm.OpMin:
			return floatValue(math.Min(x, y)), nil
		case asm.OpMax:
			return floatValue(math.Max(x, y)), nil
		case asm.OpMath:
			r, err := mathFn(inst.Math, x, y)
			return floatValue(r), err
		}
		return value{}, fmt.Errorf("sim: %s has no floating-point form", inst.Op)
	}

	x, y, z := a.int(), b.int(), c.int()
	switch inst.Op {
	case asm.OpAdd:
		return intValue(x + y), nil
	case asm.OpAdd3:
		return intValue(x + y + z), nil
	case asm.OpMul:
		return intValue(x * y), nil
	case asm.OpMad:
		return intValue(x + y*z), nil
	case asm.OpDiv:
		if y == 0 {
			return intValue(0), nil
		}
		return intValue(x / y), nil
	case asm.OpMod:
		if y == 0 {
			return intValue(0), nil
		}
		return intValue(x % y), nil
	case asm.OpShl:
		return intValue(x << uint(y&63)), nil
	case asm.OpShr:
		return intValue(x >> uint(y&63)), nil
	case asm.OpMin:
		return intValue(min(x, y)), nil
	case asm.OpMax:
		return intValue(max(x, y)), nil
	case asm.OpAnd:
		return intValue(x & y), nil
	case asm.OpOr:
		return intValue(x | y), nil
	case asm.OpXor:
		return intValue(x ^ y), nil
	case asm.OpNot:
		return intValue(^x), nil
	case asm.OpMath:
		r, err := mathFn(inst.Math, float64(x), float64(y))
		return floatValue(r), err
	}
	return value{}, fmt.Errorf("sim: unsupported opcode %s", inst.Op)
}

func (m *Machine) sources(inst asm.Inst, lane int) ([]value, error) {
	out := make([]value, 3)
	for i, s := range inst.Src {
		if !s.IsValid() {
			continue
		}
		v, err := m.read(s, lane)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// data executes a per-lane data-processing instruction.
func (m *Machine) data(inst asm.Inst) error {
	mod := inst.Mod
	exec := max(mod.Exec, 1)
	float := floatSources(inst.Src[:])
	for lane := 0; lane < exec; lane++ {
		if !m.active(mod, lane) {
			continue
		}
		src, err := m.sources(inst, lane)
		if err != nil {
			return err
		}

		switch inst.Op {
		case asm.OpSel:
			pick := src[0]
			switch {
			case mod.HasPred:
				if !m.predicate(mod, lane) {
					pick = src[1]
				}
			case mod.Cond == asm.CondGE && compare(asm.CondLT, src[0], src[1]):
				pick = src[1]
			case mod.Cond == asm.CondLT && compare(asm.CondGE, src[0], src[1]):
				pick = src[1]
			}
			if err := m.write(inst.Dst, mod, lane, pick); err != nil {
				return err
			}
			continue
		}

		if !m.predicate(mod, lane) {
			continue
		}
		var res value
		switch inst.Op {
		case asm.OpMov:
			res = src[0]
		case asm.OpCsel:
			zero := intValue(0)
			if src[2].isFloat {
				zero = floatValue(0)
			}
			res = src[1]
			if compare(mod.Cond, src[2], zero) {
				res = src[0]
			}
		case asm.OpCmp:
			ok := compare(mod.Cond, src[0], src[1])
			m.setFlagBit(mod.CondFlag, lane, ok)
			if ok {
				res = intValue(-1)
			} else {
				res = intValue(0)
			}
			if err := m.write(inst.Dst, asm.Mod{Exec: mod.Exec}, lane, res); err != nil {
				return err
			}
			continue
		default:
			res, err = alu(inst, src, float)
			if err != nil {
				return err
			}
		}
		if inst.Op != asm.OpCsel && mod.Cond != asm.CondNone {
			zero := intValue(0)
			if res.isFloat {
				zero = floatValue(0)
			}
			m.setFlagBit(mod.CondFlag, lane, compare(mod.Cond, res, zero))
		}
		if err := m.write(inst.Dst, mod, lane, res); err != nil {
			return err
		}
	}
	return nil
}
