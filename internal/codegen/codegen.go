// Package codegen lowers IR statement trees into vector instructions. Values
// live in register regions and flag registers handed out by a scoped
// allocator; the instructions themselves are passed to a Host.
package codegen

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/regalloc"
	"github.com/tinyrange/simdgen/internal/target"
)

// Host receives emitted instructions and owns the register file.
type Host interface {
	Profile() target.Profile
	RA() *regalloc.Allocator
	Emit(inst asm.Inst)
	NewLabel(hint string) asm.Label
	Mark(label asm.Label)
	Comment(text string)
	// PrepareSignalHeader reserves and initializes the payload register used
	// by barrier messages. Generate calls it before lowering when the body
	// signals.
	PrepareSignalHeader() (asm.Region, error)
	// SignalHeader returns the register prepared by PrepareSignalHeader.
	SignalHeader() (asm.Region, error)
	// R0 returns the thread payload register.
	R0() asm.Region
}

// Externals binds driver-provided variables before lowering starts.
type Externals map[*ir.Var]asm.Operand

const defaultHeaderWindow = 8

type Options struct {
	// CheckConflicts counts register bank and bundle conflicts of
	// three-source and matrix instructions and logs them at the end.
	CheckConflicts bool
	// HeaderWindow is the number of recently used header registers avoided
	// when placing message header buffers. Zero selects 8.
	HeaderWindow int
}

// Error reports IR that the lowering does not accept.
type Error struct {
	Node string
	Msg  string
}

func (e *Error) Error() string {
	if e.Node == "" {
		return "codegen: " + e.Msg
	}
	return fmt.Sprintf("codegen: %s: %s", e.Msg, e.Node)
}

func contractf(node fmt.Stringer, format string, args ...any) error {
	e := &Error{Msg: fmt.Sprintf(format, args...)}
	if node != nil {
		e.Node = node.String()
	}
	return e
}

type generator struct {
	emitter
	host    Host
	prof    target.Profile
	ra      *regalloc.Allocator
	simd    int
	binding *Binding
	opts    Options

	bankConflicts map[*ir.BankConflictAttr]*bankConflictAllocation
	headerRegs    []int
	conflicts     conflictStats
}

func newGenerator(h Host, opts Options) *generator {
	if opts.HeaderWindow <= 0 {
		opts.HeaderWindow = defaultHeaderWindow
	}
	prof := h.Profile()
	g := &generator{
		host:          h,
		prof:          prof,
		ra:            h.RA(),
		simd:          prof.SIMD,
		binding:       NewBinding(),
		opts:          opts,
		bankConflicts: make(map[*ir.BankConflictAttr]*bankConflictAllocation),
	}
	g.emitter = emitter{out: h.Emit}
	return g
}

// Generate lowers body through h. Every variable body reads must either be
// introduced by body or present in ext.
func Generate(body ir.Stmt, h Host, ext Externals, opts Options) error {
	g := newGenerator(h, opts)

	if SetupFlagsOf(body).HasSignalHeader {
		if _, err := h.PrepareSignalHeader(); err != nil {
			return err
		}
	}

	vars := make([]*ir.Var, 0, len(ext))
	for v := range ext {
		vars = append(vars, v)
	}
	slices.SortFunc(vars, func(a, b *ir.Var) int { return cmp.Compare(a.Name, b.Name) })
	for _, v := range vars {
		if err := g.binding.Bind(v, ext[v]); err != nil {
			return err
		}
		h.Comment(fmt.Sprintf("%s -> %s", v, ext[v]))
	}

	if err := g.visit(body); err != nil {
		return err
	}
	if g.opts.CheckConflicts {
		g.conflicts.report()
	}
	return nil
}

// Disassemble lowers body and returns the text of h. Lowering failures are
// rendered inline instead of being returned.
func Disassemble(body ir.Stmt, h interface {
	Host
	fmt.Stringer
}, ext Externals, opts Options) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("lowering panicked", "panic", r)
			text = fmt.Sprintf("IR lowering error: %v\n", r)
		}
	}()
	if err := Generate(body, h, ext, opts); err != nil {
		return fmt.Sprintf("IR lowering error: %v\n", err)
	}
	return h.String()
}

// SetupFlags summarizes the hardware features a statement tree needs so the
// host can prepare its prologue.
type SetupFlags struct {
	HasDPAS         bool
	HasSendAtomics  bool
	HasSignalHeader bool
}

func SetupFlagsOf(s ir.Stmt) SetupFlags {
	var flags SetupFlags
	ir.Walk(s, func(s ir.Stmt) bool {
		c, ok := s.(*ir.Call)
		if !ok {
			return true
		}
		switch fn := c.Func.(type) {
		case *ir.DPAS:
			flags.HasDPAS = true
		case *ir.Send:
			if fn.IsAtomic() {
				flags.HasSendAtomics = true
			}
		case ir.Builtin:
			if fn == ir.BarrierFunc || fn == ir.SignalFunc {
				flags.HasSignalHeader = true
			}
		}
		return true
	})
	return flags
}
