package asm

import (
	"fmt"
	"strings"
)

type Opcode uint8

const (
	OpInvalid Opcode = iota
	OpMov
	OpSel
	OpCsel
	OpAdd
	OpAdd3
	OpMul
	OpMad
	OpDiv
	OpMod
	OpShl
	OpShr
	OpMin
	OpMax
	OpAnd
	OpOr
	OpXor
	OpNot
	OpCmp
	OpMath
	OpJmpi
	OpIf
	OpElse
	OpEndif
	OpWhile
	OpSend
	OpDpas
	OpDpasw
	OpDp4a
	OpSLMFence
	OpFenceWait
	OpBarrierMsg
	OpBarrierWait
	// OpLabel and OpComment are pseudo instructions that carry no encoding.
	OpLabel
	OpComment
)

var opcodeNames = [...]string{
	OpInvalid:     "invalid",
	OpMov:         "mov",
	OpSel:         "sel",
	OpCsel:        "csel",
	OpAdd:         "add",
	OpAdd3:        "add3",
	OpMul:         "mul",
	OpMad:         "mad",
	OpDiv:         "div",
	OpMod:         "mod",
	OpShl:         "shl",
	OpShr:         "shr",
	OpMin:         "min",
	OpMax:         "max",
	OpAnd:         "and",
	OpOr:          "or",
	OpXor:         "xor",
	OpNot:         "not",
	OpCmp:         "cmp",
	OpMath:        "math",
	OpJmpi:        "jmpi",
	OpIf:          "if",
	OpElse:        "else",
	OpEndif:       "endif",
	OpWhile:       "while",
	OpSend:        "send",
	OpDpas:        "dpas",
	OpDpasw:       "dpasw",
	OpDp4a:        "dp4a",
	OpSLMFence:    "slmfence",
	OpFenceWait:   "fencewait",
	OpBarrierMsg:  "barriermsg",
	OpBarrierWait: "barrierwait",
	OpLabel:       "label",
	OpComment:     "comment",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// IsPseudo reports whether the opcode is a label or comment marker.
func (op Opcode) IsPseudo() bool {
	return op == OpLabel || op == OpComment
}

// MathFn selects the function computed by OpMath.
type MathFn uint8

const (
	MathNone MathFn = iota
	MathInv
	MathLog
	MathExp
	MathSqrt
	MathRsqrt
	MathTanh
	MathFDiv
)

var mathNames = [...]string{"", "inv", "log", "exp", "sqrt", "rsqrt", "tanh", "fdiv"}

func (f MathFn) String() string {
	if int(f) < len(mathNames) {
		return mathNames[f]
	}
	return fmt.Sprintf("math(%d)", uint8(f))
}

// MessageOp is the operation performed by a memory message.
type MessageOp uint8

const (
	MsgLoad MessageOp = iota
	MsgStore
	MsgAtomicAdd
	MsgAtomicCmpwr
	MsgPrefetch
	MsgLoad2D
	MsgStore2D
	MsgPrefetch2D
)

var messageOpNames = [...]string{"load", "store", "atomic_add", "atomic_cmpwr", "prefetch", "load_2d", "store_2d", "prefetch_2d"}

func (op MessageOp) String() string {
	if int(op) < len(messageOpNames) {
		return messageOpNames[op]
	}
	return fmt.Sprintf("msg(%d)", uint8(op))
}

// AddressSpace selects the memory targeted by a message.
type AddressSpace uint8

const (
	SpaceGlobal AddressSpace = iota
	SpaceSLM
)

func (s AddressSpace) String() string {
	if s == SpaceSLM {
		return "slm"
	}
	return "ugm"
}

// Message describes a memory transaction: Slots lanes, each moving Elems
// elements of Type.
type Message struct {
	Op    MessageOp
	Space AddressSpace
	Type  DataType
	Elems int
	Slots int
}

// PayloadSize returns the register payload size in bytes.
func (m Message) PayloadSize() int {
	elems := m.Elems
	if elems == 0 {
		elems = 1
	}
	return m.Slots * elems * m.Type.Size()
}

func (m Message) String() string {
	return fmt.Sprintf("%s.%s.%s%dx%d", m.Space, m.Op, m.Type, max(m.Elems, 1), m.Slots)
}

// Label identifies a position in the instruction stream.
type Label string

// Inst is one emitted instruction. Unused operands are invalid.
type Inst struct {
	Op     Opcode
	Mod    Mod
	Dst    Operand
	Src    [3]Operand
	JIP    Label
	UIP    Label
	Math   MathFn
	Msg    *Message
	SDepth int
	RCount int
	Text   string
}

// Sources returns the valid source operands.
func (i Inst) Sources() []Operand {
	var out []Operand
	for _, s := range i.Src {
		if s.IsValid() {
			out = append(out, s)
		}
	}
	return out
}

func (i Inst) String() string {
	switch i.Op {
	case OpLabel:
		return string(i.JIP) + ":"
	case OpComment:
		return "// " + i.Text
	}

	var b strings.Builder
	name := i.Op.String()
	switch {
	case i.Op == OpMath:
		name += "." + i.Math.String()
	case i.Op == OpDpas || i.Op == OpDpasw:
		name += fmt.Sprintf(".%dx%d", i.SDepth, i.RCount)
	case i.Msg != nil:
		name += "." + i.Msg.String()
	}
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(i.Mod.String())

	if i.Dst.IsValid() {
		b.WriteByte(' ')
		b.WriteString(i.Dst.String())
	}
	for _, s := range i.Sources() {
		b.WriteByte(' ')
		b.WriteString(s.String())
	}
	if i.JIP != "" {
		b.WriteByte(' ')
		b.WriteString(string(i.JIP))
	}
	if i.UIP != "" && i.UIP != i.JIP {
		b.WriteByte(' ')
		b.WriteString(string(i.UIP))
	}
	return b.String()
}
