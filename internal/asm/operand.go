package asm

import (
	"fmt"
	"strings"
)

// Region describes a register-backed vector region: a byte position in the
// general register file plus an element type and strides. Strides are in
// elements. A zero Width selects one-dimensional addressing where element i
// lives at i*HS; otherwise element i lives at (i/Width)*VS + (i%Width)*HS.
type Region struct {
	GRF   int // bytes per register
	Base  int
	Off   int // byte offset inside Base
	Type  DataType
	VS    int
	Width int
	HS    int
}

// NewRegion returns a unit-stride region starting at byte offset off of
// register base.
func NewRegion(grf, base, off int, t DataType) Region {
	return Region{GRF: grf, Base: base, Off: 0, Type: t, HS: 1}.At(base*grf + off)
}

func (r Region) validate() error {
	if r.GRF <= 0 {
		return fmt.Errorf("asm: region without register size")
	}
	if r.Type.Size() == 0 {
		return fmt.Errorf("asm: region with invalid type %s", r.Type)
	}
	if r.Off < 0 || r.Off >= r.GRF {
		return fmt.Errorf("asm: region offset %d out of register bounds", r.Off)
	}
	return nil
}

// Byte returns the absolute byte position of the first element.
func (r Region) Byte() int {
	return r.Base*r.GRF + r.Off
}

// At moves the region to absolute byte position b keeping type and strides.
func (r Region) At(b int) Region {
	r.Base = b / r.GRF
	r.Off = b % r.GRF
	return r
}

// ElemByte returns the absolute byte position of element i.
func (r Region) ElemByte(i int) int {
	size := r.Type.Size()
	if r.Width > 0 {
		return r.Byte() + ((i/r.Width)*r.VS+(i%r.Width)*r.HS)*size
	}
	return r.Byte() + i*r.HS*size
}

// Format reinterprets the storage starting at element off (counted in units
// of t) as elems elements of type t with the given stride. A single element
// yields a scalar region.
func (r Region) Format(off, elems, stride int, t DataType) Region {
	out := Region{GRF: r.GRF, Type: t, HS: stride}
	if elems == 1 {
		out.HS = 0
	}
	return out.At(r.Byte() + off*t.Size())
}

// Sub selects elems elements starting at element off using the current
// stride.
func (r Region) Sub(off, elems int) Region {
	out := r.At(r.ElemByte(off))
	if elems == 1 {
		out.HS, out.VS, out.Width = 0, 0, 0
	}
	return out
}

// Retype keeps the byte position and strides but changes the element type.
func (r Region) Retype(t DataType) Region {
	r.Type = t
	return r
}

// Reinterpret changes the element type and rescales the strides so that the
// same bytes are addressed.
func (r Region) Reinterpret(t DataType) Region {
	from, to := r.Type.Size(), t.Size()
	if from > to && to > 0 {
		r.HS = r.HS * from / to
		r.VS = r.VS * from / to
	} else if to > from && from > 0 && r.HS*from%to == 0 && r.VS*from%to == 0 {
		r.HS = r.HS * from / to
		r.VS = r.VS * from / to
	}
	r.Type = t
	return r
}

// WithRegion sets two-dimensional region parameters.
func (r Region) WithRegion(vs, width, hs int) Region {
	r.VS, r.Width, r.HS = vs, width, hs
	return r
}

func (r Region) IsScalar() bool {
	return r.HS == 0 && r.Width <= 1 && r.VS == 0
}

// IsDense reports whether size bytes starting at the region are laid out
// contiguously from a register boundary.
func (r Region) IsDense(size int) bool {
	if r.Off != 0 {
		return false
	}
	if size <= r.Type.Size() {
		return true
	}
	return r.HS == 1 && r.Width == 0
}

// Regs returns how many registers a span of size bytes starting at the region
// touches.
func (r Region) Regs(size int) int {
	return (r.Off + size + r.GRF - 1) / r.GRF
}

func (r Region) String() string {
	sub := 0
	if size := r.Type.Size(); size > 0 {
		sub = r.Off / size
	}
	var region string
	switch {
	case r.Width > 0:
		region = fmt.Sprintf("<%d;%d,%d>", r.VS, r.Width, r.HS)
	default:
		region = fmt.Sprintf("<%d>", r.HS)
	}
	return fmt.Sprintf("r%d.%d%s:%s", r.Base, sub, region, r.Type)
}

// Flag names a predicate register. Sixteen-lane flags occupy one
// subregister; wider flags occupy a full register and have Sub == 0.
type Flag struct {
	Reg   int
	Sub   int
	Width int
}

// Index returns the linear subregister index of the flag.
func (f Flag) Index() int {
	return f.Reg*2 + f.Sub
}

func (f Flag) String() string {
	return fmt.Sprintf("f%d.%d", f.Reg, f.Sub)
}

// Immediate is a constant operand. Integer values use I, floating-point
// values use F.
type Immediate struct {
	Type DataType
	I    int64
	F    float64
}

func Imm(v int64, t DataType) Immediate {
	if t == TypeInvalid {
		t = TypeD
	}
	return Immediate{Type: t, I: v}
}

func ImmFloat(v float64, t DataType) Immediate {
	if t == TypeInvalid {
		t = TypeF
	}
	return Immediate{Type: t, F: v}
}

// PackedUV builds an unsigned packed 4-bit vector immediate.
func PackedUV(bits uint32) Immediate {
	return Immediate{Type: TypeUV, I: int64(bits)}
}

// PackedV builds a signed packed 4-bit vector immediate.
func PackedV(bits uint32) Immediate {
	return Immediate{Type: TypeV, I: int64(bits)}
}

// Lane returns lane i of a packed vector immediate.
func (m Immediate) Lane(i int) int64 {
	nibble := (uint32(m.I) >> (4 * uint(i))) & 0xf
	if m.Type == TypeV && nibble&0x8 != 0 {
		return int64(nibble) - 16
	}
	return int64(nibble)
}

// Value returns the immediate as a float64 regardless of its type.
func (m Immediate) Value() float64 {
	if m.Type.IsFloat() {
		return m.F
	}
	return float64(m.I)
}

func (m Immediate) IsZero() bool {
	if m.Type.IsFloat() {
		return m.F == 0
	}
	return m.I == 0
}

func (m Immediate) String() string {
	switch {
	case m.Type == TypeUV || m.Type == TypeV:
		return fmt.Sprintf("0x%08x:%s", uint32(m.I), m.Type)
	case m.Type.IsFloat():
		return fmt.Sprintf("%g:%s", m.F, m.Type)
	default:
		return fmt.Sprintf("%d:%s", m.I, m.Type)
	}
}

type OperandKind uint8

const (
	OperandInvalid OperandKind = iota
	OperandImm
	OperandReg
	OperandFlag
	OperandNull
)

// Operand is the tagged union consumed by instructions: an immediate, a
// register region or a flag register. Mod carries the execution size and
// predication the value was produced under.
type Operand struct {
	Kind OperandKind
	Imm  Immediate
	Reg  Region
	Flag Flag
	Neg  bool
	Mod  Mod
}

func ImmOp(m Immediate) Operand {
	return Operand{Kind: OperandImm, Imm: m, Mod: Mod{Exec: 1}}
}

func RegOp(r Region, exec int) Operand {
	return Operand{Kind: OperandReg, Reg: r, Mod: Mod{Exec: exec}}
}

func FlagOp(f Flag, exec int) Operand {
	return Operand{Kind: OperandFlag, Flag: f, Mod: Mod{Exec: exec}}
}

// Null returns the null register retyped to t.
func Null(t DataType) Operand {
	return Operand{Kind: OperandNull, Reg: Region{Type: t}}
}

func (o Operand) IsValid() bool { return o.Kind != OperandInvalid }
func (o Operand) IsImm() bool   { return o.Kind == OperandImm }
func (o Operand) IsReg() bool   { return o.Kind == OperandReg }
func (o Operand) IsFlag() bool  { return o.Kind == OperandFlag }
func (o Operand) IsNull() bool  { return o.Kind == OperandNull }

// Type returns the element type of the operand. Flags report TypeUW or TypeUD
// depending on their width.
func (o Operand) Type() DataType {
	switch o.Kind {
	case OperandImm:
		return o.Imm.Type
	case OperandReg, OperandNull:
		return o.Reg.Type
	case OperandFlag:
		if o.Flag.Width > 16 {
			return TypeUD
		}
		return TypeUW
	}
	return TypeInvalid
}

// Negate flips the source negation modifier. For flags it inverts the
// predicate produced by FlagMod.
func (o Operand) Negate() Operand {
	o.Neg = !o.Neg
	return o
}

// WithExec returns the operand with a new execution size.
func (o Operand) WithExec(exec int) Operand {
	o.Mod.Exec = exec
	return o
}

// WithMod replaces the attached instruction modifier.
func (o Operand) WithMod(m Mod) Operand {
	o.Mod = m
	return o
}

// FlagMod returns a modifier predicated on the operand's flag register.
func (o Operand) FlagMod() Mod {
	if o.Kind != OperandFlag {
		panic(fmt.Sprintf("asm: operand %s is not a flag register", o))
	}
	return Mod{HasPred: true, Pred: o.Flag, PredInv: o.Neg}
}

// Reinterpret changes the element type of a register operand in place.
func (o Operand) Reinterpret(t DataType) Operand {
	if o.Kind == OperandReg {
		o.Reg = o.Reg.Reinterpret(t)
	}
	return o
}

// Same reports whether two operands address the same storage with the same
// type and modifiers.
func (o Operand) Same(p Operand) bool {
	if o.Kind != p.Kind || o.Neg != p.Neg {
		return false
	}
	switch o.Kind {
	case OperandImm:
		return o.Imm == p.Imm
	case OperandReg:
		return o.Reg == p.Reg
	case OperandFlag:
		return o.Flag == p.Flag
	case OperandNull:
		return true
	}
	return true
}

func (o Operand) String() string {
	var b strings.Builder
	if o.Neg && o.Kind != OperandFlag {
		b.WriteByte('-')
	}
	switch o.Kind {
	case OperandImm:
		b.WriteString(o.Imm.String())
	case OperandReg:
		b.WriteString(o.Reg.String())
	case OperandFlag:
		if o.Neg {
			b.WriteByte('~')
		}
		b.WriteString(o.Flag.String())
	case OperandNull:
		fmt.Fprintf(&b, "null:%s", o.Reg.Type)
	default:
		b.WriteString("<invalid>")
	}
	return b.String()
}

// CondMod is a comparison condition written into a flag register.
type CondMod uint8

const (
	CondNone CondMod = iota
	CondEQ
	CondNE
	CondGT
	CondGE
	CondLT
	CondLE
)

var condNames = [...]string{"", "eq", "ne", "gt", "ge", "lt", "le"}

func (c CondMod) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Negate returns the logical negation of the condition.
func (c CondMod) Negate() CondMod {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondGT:
		return CondLE
	case CondGE:
		return CondLT
	case CondLT:
		return CondGE
	case CondLE:
		return CondGT
	}
	return c
}

// Swap returns the condition that holds when the operands are exchanged.
func (c CondMod) Swap() CondMod {
	switch c {
	case CondGT:
		return CondLT
	case CondGE:
		return CondLE
	case CondLT:
		return CondGT
	case CondLE:
		return CondGE
	}
	return c
}

// Mod is an instruction modifier: execution size, predication, condition
// modifier and saturation.
type Mod struct {
	Exec     int
	HasPred  bool
	Pred     Flag
	PredInv  bool
	Cond     CondMod
	CondFlag Flag
	Sat      bool
	NoMask   bool
	Atomic   bool
}

// Exec returns a modifier with only an execution size.
func Exec(n int) Mod {
	return Mod{Exec: n}
}

// Predicated returns m predicated on f.
func (m Mod) Predicated(f Flag, inv bool) Mod {
	m.HasPred = true
	m.Pred = f
	m.PredInv = inv
	return m
}

// WithCond returns m writing condition c into f.
func (m Mod) WithCond(c CondMod, f Flag) Mod {
	m.Cond = c
	m.CondFlag = f
	return m
}

// WithExec returns m with another execution size.
func (m Mod) WithExec(n int) Mod {
	m.Exec = n
	return m
}

// Merge ORs the flags of o into m. Execution size and predicate from o win
// when set.
func (m Mod) Merge(o Mod) Mod {
	if o.Exec != 0 {
		m.Exec = o.Exec
	}
	if o.HasPred {
		m.HasPred, m.Pred, m.PredInv = true, o.Pred, o.PredInv
	}
	if o.Cond != CondNone {
		m.Cond, m.CondFlag = o.Cond, o.CondFlag
	}
	m.Sat = m.Sat || o.Sat
	m.NoMask = m.NoMask || o.NoMask
	m.Atomic = m.Atomic || o.Atomic
	return m
}

func (m Mod) String() string {
	var b strings.Builder
	if m.HasPred {
		b.WriteByte('(')
		if m.PredInv {
			b.WriteByte('~')
		}
		b.WriteString(m.Pred.String())
		b.WriteString(") ")
	}
	fmt.Fprintf(&b, "(%d", m.Exec)
	if m.NoMask {
		b.WriteString("|NoMask")
	}
	b.WriteByte(')')
	if m.Cond != CondNone {
		fmt.Fprintf(&b, " (%s)%s", m.Cond, m.CondFlag)
	}
	if m.Sat {
		b.WriteString(" sat")
	}
	if m.Atomic {
		b.WriteString(" atomic")
	}
	return b.String()
}
