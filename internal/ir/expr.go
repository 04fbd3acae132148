package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is an immutable IR value. The set of implementations is closed; code
// that lowers expressions switches over the concrete pointer types. Nodes are
// compared by identity, so a node shared by several parents is one value.
type Expr interface {
	Type() Type
	String() string
	expr()
}

// Op names unary, binary and ternary operators.
type Op uint8

const (
	OpInvalid Op = iota
	OpNeg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpShl
	OpShr
	OpMin
	OpMax
	OpAnd
	OpOr
	OpXor
	OpEQ
	OpNE
	OpGT
	OpGE
	OpLT
	OpLE
	OpPReLU
	OpAdd3
	OpMad
	OpIDiv
	OpIMod
)

var opNames = [...]string{
	OpInvalid: "invalid",
	OpNeg:     "neg",
	OpAdd:     "add",
	OpSub:     "sub",
	OpMul:     "mul",
	OpDiv:     "div",
	OpMod:     "mod",
	OpShl:     "shl",
	OpShr:     "shr",
	OpMin:     "min",
	OpMax:     "max",
	OpAnd:     "and",
	OpOr:      "or",
	OpXor:     "xor",
	OpEQ:      "eq",
	OpNE:      "ne",
	OpGT:      "gt",
	OpGE:      "ge",
	OpLT:      "lt",
	OpLE:      "le",
	OpPReLU:   "prelu",
	OpAdd3:    "add3",
	OpMad:     "mad",
	OpIDiv:    "idiv",
	OpIMod:    "imod",
}

var opSymbols = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%",
	OpShl: "<<", OpShr: ">>", OpAnd: "&", OpOr: "|", OpXor: "^",
	OpEQ: "==", OpNE: "!=", OpGT: ">", OpGE: ">=", OpLT: "<", OpLE: "<=",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ParseOp maps an operator name back to its Op.
func ParseOp(name string) (Op, bool) {
	for i, n := range opNames {
		if Op(i) != OpInvalid && n == name {
			return Op(i), true
		}
	}
	return OpInvalid, false
}

// IsCmp reports comparison operators.
func (op Op) IsCmp() bool {
	switch op {
	case OpEQ, OpNE, OpGT, OpGE, OpLT, OpLE:
		return true
	}
	return false
}

func (op Op) IsBinary() bool { return op >= OpAdd && op <= OpPReLU }

func (op Op) IsTernary() bool { return op >= OpAdd3 && op <= OpIMod }

// Const is an integer, floating-point or boolean constant.
type Const struct {
	typ Type
	I   int64
	F   float64
	B   bool
}

func (*Const) expr() {}
func (c *Const) Type() Type { return c.typ }
func (c *Const) Int() int64 { return c.I }
func (c *Const) Bool() bool { return c.B }
func (c *Const) Float() float64 {
	if c.typ.IsFloat() {
		return c.F
	}
	return float64(c.I)
}

func (c *Const) String() string {
	switch {
	case c.typ.IsBool():
		return strconv.FormatBool(c.B)
	case c.typ.IsFloat():
		return strconv.FormatFloat(c.F, 'g', -1, 64) + "f"
	default:
		return strconv.FormatInt(c.I, 10)
	}
}

// Int returns an integer constant of scalar type t.
func Int(v int64, t Type) *Const {
	if !t.IsInt() && !t.IsPtr() {
		panic(fmt.Sprintf("ir: integer constant of type %s", t))
	}
	return &Const{typ: t.Scalar(), I: v}
}

// S32Const is shorthand for a signed 32-bit constant.
func S32Const(v int64) *Const { return Int(v, Scalar(S32)) }

func Float(v float64, t Type) *Const {
	if !t.IsFloat() {
		panic(fmt.Sprintf("ir: float constant of type %s", t))
	}
	return &Const{typ: t.Scalar(), F: v}
}

func BoolConst(v bool) *Const {
	return &Const{typ: Scalar(Bool), B: v}
}

// Var is a named value bound by an enclosing statement or by the driver.
type Var struct {
	Name string
	typ  Type
}

func NewVar(name string, t Type) *Var {
	if name == "" {
		panic("ir: variable name must be non-empty")
	}
	return &Var{Name: name, typ: t}
}

func (*Var) expr() {}
func (v *Var) Type() Type { return v.typ }
func (v *Var) String() string { return v.Name }

// Unary applies OpNeg.
type Unary struct {
	Op Op
	A  Expr
}

func Neg(a Expr) *Unary { return &Unary{Op: OpNeg, A: a} }

func (*Unary) expr() {}
func (u *Unary) Type() Type { return u.A.Type() }
func (u *Unary) String() string { return "-" + u.A.String() }

// Binary applies a two-operand operator. Comparisons produce booleans with the
// lane count of the operands.
type Binary struct {
	Op   Op
	A, B Expr
	typ  Type
}

func NewBinary(op Op, a, b Expr) *Binary {
	if !op.IsBinary() {
		panic(fmt.Sprintf("ir: %s is not a binary operator", op))
	}
	ta, tb := a.Type(), b.Type()
	elems := max(ta.Elems, tb.Elems)
	typ := ta.WithElems(elems)
	if op.IsCmp() {
		typ = Vec(Bool, elems)
	}
	return &Binary{Op: op, A: a, B: b, typ: typ}
}

func Add(a, b Expr) *Binary { return NewBinary(OpAdd, a, b) }
func Sub(a, b Expr) *Binary { return NewBinary(OpSub, a, b) }
func Mul(a, b Expr) *Binary { return NewBinary(OpMul, a, b) }
func And(a, b Expr) *Binary { return NewBinary(OpAnd, a, b) }
func Lt(a, b Expr) *Binary { return NewBinary(OpLT, a, b) }
func Ge(a, b Expr) *Binary { return NewBinary(OpGE, a, b) }
func Eq(a, b Expr) *Binary { return NewBinary(OpEQ, a, b) }

func (*Binary) expr() {}
func (b *Binary) Type() Type { return b.typ }

func (b *Binary) String() string {
	if sym, ok := opSymbols[b.Op]; ok {
		return "(" + b.A.String() + " " + sym + " " + b.B.String() + ")"
	}
	return b.Op.String() + "(" + b.A.String() + ", " + b.B.String() + ")"
}

// Ternary applies add3, mad, idiv or imod.
type Ternary struct {
	Op      Op
	A, B, C Expr
}

func NewTernary(op Op, a, b, c Expr) *Ternary {
	if !op.IsTernary() {
		panic(fmt.Sprintf("ir: %s is not a ternary operator", op))
	}
	return &Ternary{Op: op, A: a, B: b, C: c}
}

func (*Ternary) expr() {}

func (t *Ternary) Type() Type {
	elems := max(t.A.Type().Elems, t.B.Type().Elems, t.C.Type().Elems)
	return t.A.Type().WithElems(elems)
}

func (t *Ternary) String() string {
	return fmt.Sprintf("%s(%s, %s, %s)", t.Op, t.A, t.B, t.C)
}

// Cast converts X to To, optionally saturating.
type Cast struct {
	To       Type
	X        Expr
	Saturate bool
}

func NewCast(to Type, x Expr, saturate bool) *Cast {
	return &Cast{To: to, X: x, Saturate: saturate}
}

func (*Cast) expr() {}
func (c *Cast) Type() Type { return c.To }

func (c *Cast) String() string {
	if c.Saturate {
		return fmt.Sprintf("cast_sat<%s>(%s)", c.To, c.X)
	}
	return fmt.Sprintf("cast<%s>(%s)", c.To, c.X)
}

// Load reads a typed value from a register buffer at a constant byte offset.
// Stride is the byte distance between lanes; zero selects dense lanes.
type Load struct {
	typ    Type
	Buf    Expr
	Off    int
	Stride int
}

func NewLoad(t Type, buf Expr, off, stride int) *Load {
	return &Load{typ: t, Buf: buf, Off: off, Stride: stride}
}

func (*Load) expr() {}
func (l *Load) Type() Type { return l.typ }

// HasDefaultStride reports dense lanes.
func (l *Load) HasDefaultStride() bool {
	return l.Stride == 0 || l.Stride == l.typ.Size()
}

func (l *Load) String() string {
	s := fmt.Sprintf("%s.load(%d)", l.Buf, l.Off)
	if !l.HasDefaultStride() {
		s = fmt.Sprintf("%s.load(%d, %d)", l.Buf, l.Off, l.Stride)
	}
	return s + ":" + l.typ.String()
}

// Ptr offsets a buffer by a constant number of bytes.
type Ptr struct {
	Base Expr
	Off  int
}

func NewPtr(base Expr, off int) *Ptr { return &Ptr{Base: base, Off: off} }

func (*Ptr) expr() {}
func (p *Ptr) Type() Type { return Scalar(BytePtr) }
func (p *Ptr) String() string { return fmt.Sprintf("%s[%d]", p.Base, p.Off) }

// Shuffle builds a vector whose lane i is Vec[Idx[i]]. Every element of Vec is
// a scalar of the same kind.
type Shuffle struct {
	Vec []Expr
	Idx []int
	typ Type
}

func NewShuffle(vec []Expr, idx []int) *Shuffle {
	if len(vec) == 0 || len(idx) == 0 {
		panic("ir: empty shuffle")
	}
	kind := vec[0].Type().Kind
	for _, e := range vec {
		if !e.Type().IsScalar() || e.Type().Kind != kind {
			panic(fmt.Sprintf("ir: shuffle element %s must be a scalar %s", e, kind))
		}
	}
	for _, i := range idx {
		if i < 0 || i >= len(vec) {
			panic(fmt.Sprintf("ir: shuffle index %d out of range", i))
		}
	}
	return &Shuffle{Vec: vec, Idx: idx, typ: Vec(kind, len(idx))}
}

// Broadcast replicates the scalar e over n lanes.
func Broadcast(e Expr, n int) *Shuffle {
	return NewShuffle([]Expr{e}, make([]int, n))
}

// ShuffleOf builds a vector from scalar elements. Equal constants and repeated
// nodes share one slot of Vec.
func ShuffleOf(elems ...Expr) *Shuffle {
	var vec []Expr
	idx := make([]int, len(elems))
	for i, e := range elems {
		slot := -1
		for j, v := range vec {
			if sameValue(v, e) {
				slot = j
				break
			}
		}
		if slot < 0 {
			slot = len(vec)
			vec = append(vec, e)
		}
		idx[i] = slot
	}
	return NewShuffle(vec, idx)
}

// BoolMask builds a constant boolean vector.
func BoolMask(bits ...bool) *Shuffle {
	elems := make([]Expr, len(bits))
	for i, b := range bits {
		elems[i] = BoolConst(b)
	}
	return ShuffleOf(elems...)
}

func sameValue(a, b Expr) bool {
	if a == b {
		return true
	}
	ca, ok1 := a.(*Const)
	cb, ok2 := b.(*Const)
	return ok1 && ok2 && *ca == *cb
}

func (*Shuffle) expr() {}
func (s *Shuffle) Type() Type { return s.typ }

// Elems returns the lane count.
func (s *Shuffle) Elems() int { return len(s.Idx) }

// Elem returns the expression in lane i.
func (s *Shuffle) Elem(i int) Expr { return s.Vec[s.Idx[i]] }

// IsBroadcast reports a shuffle with a single source element.
func (s *Shuffle) IsBroadcast() bool { return len(s.Vec) == 1 }

func (s *Shuffle) String() string {
	if s.IsBroadcast() {
		return fmt.Sprintf("bcast%d(%s)", s.Elems(), s.Vec[0])
	}
	parts := make([]string, s.Elems())
	for i := range parts {
		parts[i] = s.Elem(i).String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Select yields True where Cond holds and False elsewhere.
type Select struct {
	Cond, True, False Expr
}

func NewSelect(cond, t, f Expr) *Select {
	return &Select{Cond: cond, True: t, False: f}
}

func (*Select) expr() {}
func (s *Select) Type() Type { return s.True.Type() }

func (s *Select) String() string {
	return fmt.Sprintf("(%s ? %s : %s)", s.Cond, s.True, s.False)
}

// IsConst reports a constant node.
func IsConst(e Expr) bool {
	_, ok := e.(*Const)
	return ok
}

// IsShuffleConst reports a shuffle whose elements are all constants.
func IsShuffleConst(e Expr) bool {
	s, ok := e.(*Shuffle)
	if !ok {
		return false
	}
	for _, v := range s.Vec {
		if !IsConst(v) {
			return false
		}
	}
	return true
}

// IsZero reports an integer or floating-point zero constant.
func IsZero(e Expr) bool {
	c, ok := e.(*Const)
	if !ok || c.typ.IsBool() {
		return false
	}
	return c.Float() == 0
}

// AllOf reports whether every lane of the boolean e is the constant v. A nil
// expression never matches.
func AllOf(e Expr, v bool) bool {
	switch e := e.(type) {
	case *Const:
		return e.typ.IsBool() && e.B == v
	case *Shuffle:
		for _, el := range e.Vec {
			c, ok := el.(*Const)
			if !ok || !c.typ.IsBool() || c.B != v {
				return false
			}
		}
		return true
	}
	return false
}

// ConstInt returns the value of an integer constant.
func ConstInt(e Expr) (int64, bool) {
	c, ok := e.(*Const)
	if !ok || !(c.typ.IsInt() || c.typ.IsPtr()) {
		return 0, false
	}
	return c.I, true
}
