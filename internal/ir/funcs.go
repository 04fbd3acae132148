package ir

import (
	"fmt"

	"github.com/tinyrange/simdgen/internal/asm"
)

// Func is the callee of a Call statement.
type Func interface {
	String() string
	fn()
}

// Argument positions shared by the multiply-accumulate callees.
const (
	ArgDst = iota
	ArgSrc0
	ArgSrc1
	ArgSrc2
)

// DPAS is a systolic multiply-accumulate. A one-deep, one-repeat DPAS is a
// dp4a dot product.
type DPAS struct {
	ExecSize int
	SDepth   int
	RCount   int
	DstType  Type
	Src1Type Type
	Src2Type Type
	IsDPASW  bool
}

func (*DPAS) fn() {}

func (d *DPAS) IsDP4A() bool { return d.SDepth == 1 && d.RCount == 1 }

func (d *DPAS) String() string {
	switch {
	case d.IsDP4A():
		return "dp4a"
	case d.IsDPASW:
		return fmt.Sprintf("dpasw.%dx%d", d.SDepth, d.RCount)
	}
	return fmt.Sprintf("dpas.%dx%d", d.SDepth, d.RCount)
}

// MAD is a fused multiply-add over register buffers: dst = src0 + src1*src2.
// A zero stride broadcasts the first element of that source.
type MAD struct {
	ExecSize   int
	DstType    Type
	Src1Type   Type
	Src2Type   Type
	Src1Stride int
	Src2Stride int
}

func (*MAD) fn() {}

func (m *MAD) String() string { return fmt.Sprintf("mad.%d", m.ExecSize) }

// SendOp is the operation performed by a Send callee.
type SendOp uint8

const (
	SendLoad SendOp = iota
	SendStore
	SendAtomicAdd
	SendPrefetch
	SendLoad2D
	SendStore2D
	SendPrefetch2D
)

var sendOpNames = [...]string{"load", "store", "atomic_add", "prefetch", "load_2d", "store_2d", "prefetch_2d"}

func (op SendOp) String() string {
	if int(op) < len(sendOpNames) {
		return sendOpNames[op]
	}
	return fmt.Sprintf("send(%d)", uint8(op))
}

// ParseSendOp maps a send operation name to its value.
func ParseSendOp(name string) (SendOp, bool) {
	for i, n := range sendOpNames {
		if n == name {
			return SendOp(i), true
		}
	}
	return 0, false
}

// Argument positions of a Send call.
const (
	SendArgMemOff = iota
	SendArgRegBuf
	SendArgMask
	SendArgFill
)

// Send is a memory message. Slots lanes each move Elems elements of Type.
// SlotMask restricts the active slots; zero enables all of them.
type Send struct {
	Op       SendOp
	Space    asm.AddressSpace
	Type     Type
	Slots    int
	Elems    int
	SlotMask uint32
	FillBuf  bool
}

func (*Send) fn() {}

func (s *Send) IsLoad() bool       { return s.Op == SendLoad }
func (s *Send) IsLoad2D() bool     { return s.Op == SendLoad2D }
func (s *Send) IsStore() bool      { return s.Op == SendStore }
func (s *Send) IsStore2D() bool    { return s.Op == SendStore2D }
func (s *Send) IsAtomic() bool     { return s.Op == SendAtomicAdd }
func (s *Send) IsPrefetch() bool   { return s.Op == SendPrefetch }
func (s *Send) IsPrefetch2D() bool { return s.Op == SendPrefetch2D }

// ExecSize is the number of mask lanes of the message.
func (s *Send) ExecSize() int { return s.Slots }

// PayloadSize returns the register payload size in bytes.
func (s *Send) PayloadSize() int {
	return s.Slots * max(s.Elems, 1) * s.Type.Size()
}

// HasDefaultSlotMask reports whether every slot is enabled.
func (s *Send) HasDefaultSlotMask() bool {
	all := uint32(1)<<uint(s.Slots) - 1
	if s.Slots >= 32 {
		all = ^uint32(0)
	}
	return s.SlotMask == 0 || s.SlotMask&all == all
}

// Message returns the message descriptor for op, which may differ from s.Op
// when a single callee expands to several messages.
func (s *Send) Message(op asm.MessageOp) asm.Message {
	return asm.Message{Op: op, Space: s.Space, Type: s.Type.Asm(), Elems: max(s.Elems, 1), Slots: s.Slots}
}

// MessageOp maps the callee operation to its message.
func (s *Send) MessageOp() asm.MessageOp {
	switch s.Op {
	case SendStore:
		return asm.MsgStore
	case SendAtomicAdd:
		return asm.MsgAtomicAdd
	case SendPrefetch:
		return asm.MsgPrefetch
	case SendLoad2D:
		return asm.MsgLoad2D
	case SendStore2D:
		return asm.MsgStore2D
	case SendPrefetch2D:
		return asm.MsgPrefetch2D
	}
	return asm.MsgLoad
}

func (s *Send) String() string {
	return fmt.Sprintf("send.%s.%s.%s%dx%d", s.Space, s.Op, s.Type, max(s.Elems, 1), s.Slots)
}

// Reorder copies Elems elements between buffers, converting SrcType to
// DstType. Strides are in elements; zero means one.
type Reorder struct {
	SrcType   Type
	DstType   Type
	Elems     int
	SrcStride int
	DstStride int
}

func (*Reorder) fn() {}

func (r *Reorder) String() string {
	return fmt.Sprintf("reorder.%s->%s.%d", r.SrcType, r.DstType, r.Elems)
}

// Argument positions of Reorder and Reduce calls.
const (
	ArgSrcBuf = iota
	ArgDstBuf
)

// Reduce sums SrcElems source elements into DstElems destination elements;
// source element i contributes to destination element i % DstElems.
type Reduce struct {
	Type     Type
	SrcElems int
	DstElems int
}

func (*Reduce) fn() {}

func (r *Reduce) String() string {
	return fmt.Sprintf("reduce.%s.%d->%d", r.Type, r.SrcElems, r.DstElems)
}

// EltwiseAlg selects an elementwise activation.
type EltwiseAlg uint8

const (
	EltwiseRelu EltwiseAlg = iota
	EltwiseLinear
	EltwiseAbs
	EltwiseSquare
	EltwiseSqrt
	EltwiseExp
	EltwiseLogistic
	EltwiseTanh
	EltwiseClip
)

var eltwiseNames = [...]string{"relu", "linear", "abs", "square", "sqrt", "exp", "logistic", "tanh", "clip"}

func (a EltwiseAlg) String() string {
	if int(a) < len(eltwiseNames) {
		return eltwiseNames[a]
	}
	return fmt.Sprintf("eltwise(%d)", uint8(a))
}

func ParseEltwiseAlg(name string) (EltwiseAlg, bool) {
	for i, n := range eltwiseNames {
		if n == name {
			return EltwiseAlg(i), true
		}
	}
	return 0, false
}

// Argument positions of an Eltwise call.
const (
	EltwiseArgElems = iota
	EltwiseArgData
)

// Eltwise applies an activation in place to f32 data:
// scale * alg(x; alpha, beta).
type Eltwise struct {
	Alg   EltwiseAlg
	Alpha float32
	Beta  float32
	Scale float32
}

func (*Eltwise) fn() {}

func (e *Eltwise) String() string {
	return fmt.Sprintf("eltwise.%s(%g, %g)", e.Alg, e.Alpha, e.Beta)
}

// Builtin callees carry no parameters and are compared by value.
type Builtin uint8

const (
	BarrierFunc Builtin = iota
	BarrierWaitFunc
	SignalFunc
	SLMFenceFunc
	// ZeroOutFunc takes a register buffer and a constant byte size.
	ZeroOutFunc
)

var builtinNames = [...]string{"barrier", "barrier_wait", "signal", "slm_fence", "zero_out"}

func (Builtin) fn() {}

func (b Builtin) String() string {
	if int(b) < len(builtinNames) {
		return builtinNames[b]
	}
	return fmt.Sprintf("builtin(%d)", uint8(b))
}

// ParseBuiltin maps a builtin callee name to its value.
func ParseBuiltin(name string) (Builtin, bool) {
	for i, n := range builtinNames {
		if n == name {
			return Builtin(i), true
		}
	}
	return 0, false
}
