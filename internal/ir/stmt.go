package ir

import (
	"fmt"
	"strings"

	"github.com/tinyrange/simdgen/internal/asm"
)

// Stmt is an IR statement. Like Expr the set of implementations is closed.
// String returns a one-line header without nested bodies, used for comments
// in the emitted stream.
type Stmt interface {
	String() string
	stmt()
}

type AllocKind uint8

const (
	AllocGRF AllocKind = iota
	AllocSLM
	AllocGlobal
)

func (k AllocKind) String() string {
	switch k {
	case AllocSLM:
		return "slm"
	case AllocGlobal:
		return "global"
	}
	return "grf"
}

// BankConflictAttr groups buffers that feed the same instructions and should
// be placed in distinct register banks. Buffers sharing one attribute share
// one allocation.
type BankConflictAttr struct {
	Bufs  []*Var
	Sizes []int
}

// SizeOf returns the declared size of buf.
func (a *BankConflictAttr) SizeOf(buf *Var) (int, bool) {
	for i, b := range a.Bufs {
		if b == buf {
			return a.Sizes[i], true
		}
	}
	return 0, false
}

// Alloc reserves Size bytes for Buf for the duration of Body. Only register
// allocations are materialized by the code generator; other kinds must be
// bound by the driver.
type Alloc struct {
	Buf          *Var
	Size         int
	Kind         AllocKind
	BankConflict *BankConflictAttr
	Body         Stmt
}

func (*Alloc) stmt() {}

func (a *Alloc) String() string {
	return fmt.Sprintf("alloc %s[%d] (%s)", a.Buf, a.Size, a.Kind)
}

// For runs Body with Var = Init, Init+Step, ... while Var < Bound.
type For struct {
	Var               *Var
	Init, Bound, Step Expr
	Body              Stmt
}

func (*For) stmt() {}

func (f *For) String() string {
	return fmt.Sprintf("for (%s = %s; %s < %s; %s += %s)", f.Var, f.Init, f.Var, f.Bound, f.Var, f.Step)
}

type While struct {
	Cond Expr
	Body Stmt
}

func (*While) stmt() {}

func (w *While) String() string { return fmt.Sprintf("while (%s)", w.Cond) }

// If runs Body on lanes where Cond holds and Else, when present, on the rest.
type If struct {
	Cond Expr
	Body Stmt
	Else Stmt
}

func (*If) stmt() {}

func (i *If) String() string { return fmt.Sprintf("if (%s)", i.Cond) }

// Let binds Var to Value for the duration of Body. A nil Value declares an
// external variable that the driver has already bound.
type Let struct {
	Var   *Var
	Value Expr
	Body  Stmt
}

func (*Let) stmt() {}

func (l *Let) String() string {
	if l.Value == nil {
		return fmt.Sprintf("let %s (external)", l.Var)
	}
	return fmt.Sprintf("let %s = %s", l.Var, l.Value)
}

// Store writes Value into a register buffer at a constant byte offset. Stride
// is the byte distance between lanes; zero selects dense lanes. A non-nil Mask
// predicates the write and FillMask0 zeroes the disabled lanes.
type Store struct {
	Buf       Expr
	Off       int
	Value     Expr
	Stride    int
	Mask      Expr
	FillMask0 bool
}

func (*Store) stmt() {}

// HasDefaultStride reports dense lanes.
func (s *Store) HasDefaultStride() bool {
	return s.Stride == 0 || s.Stride == s.Value.Type().Size()
}

func (s *Store) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.store(%d, %s", s.Buf, s.Off, s.Value)
	if !s.HasDefaultStride() {
		fmt.Fprintf(&b, ", stride=%d", s.Stride)
	}
	if s.Mask != nil {
		fmt.Fprintf(&b, ", mask=%s", s.Mask)
	}
	b.WriteString(")")
	return b.String()
}

// Call invokes a specialized operation. Attr optionally adds instruction
// modifier bits to the emitted instructions.
type Call struct {
	Func Func
	Args []Expr
	Attr *asm.Mod
}

func NewCall(fn Func, args ...Expr) *Call {
	return &Call{Func: fn, Args: args}
}

func (*Call) stmt() {}

func (c *Call) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		if a == nil {
			parts[i] = "_"
		} else {
			parts[i] = a.String()
		}
	}
	return fmt.Sprintf("%s(%s)", c.Func, strings.Join(parts, ", "))
}

// Seq runs statements in order.
type Seq []Stmt

func (Seq) stmt() {}

func (s Seq) String() string { return fmt.Sprintf("seq[%d]", len(s)) }

// Walk calls fn for s and every nested statement in pre-order. Returning false
// from fn skips the children of that statement.
func Walk(s Stmt, fn func(Stmt) bool) {
	if s == nil || !fn(s) {
		return
	}
	switch s := s.(type) {
	case *Alloc:
		Walk(s.Body, fn)
	case *For:
		Walk(s.Body, fn)
	case *While:
		Walk(s.Body, fn)
	case *If:
		Walk(s.Body, fn)
		Walk(s.Else, fn)
	case *Let:
		Walk(s.Body, fn)
	case Seq:
		for _, c := range s {
			Walk(c, fn)
		}
	}
}
