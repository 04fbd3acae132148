// Package host provides an instruction host that records the stream emitted
// by the code generator into an asm.Program.
package host

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/regalloc"
	"github.com/tinyrange/simdgen/internal/target"
	"github.com/tinyrange/simdgen/internal/trace"
)

// signalDword is the dword of r0 holding the barrier id copied into the
// signal header.
const signalDword = 2

// ErrNoSignalHeader is returned by SignalHeader before PrepareSignalHeader.
var ErrNoSignalHeader = errors.New("host: signal header was not prepared")

type Option func(*Recorder)

// WithTrace mirrors every emitted entry into w under the given source name.
func WithTrace(w *trace.Writer, source string) Option {
	return func(r *Recorder) {
		r.trace = w
		r.source = source
	}
}

// WithReserved keeps registers out of allocation, for payloads the driver
// places itself.
func WithReserved(regs ...int) Option {
	return func(r *Recorder) {
		for _, reg := range regs {
			r.ra.Reserve(reg)
		}
	}
}

// Recorder implements codegen.Host. Register r0 holds the thread payload and
// is never allocated.
type Recorder struct {
	prof     target.Profile
	ra       *regalloc.Allocator
	prologue asm.Program
	body     asm.Program
	labels   int
	signal   *asm.Region

	trace    *trace.Writer
	source   string
	traceErr error
}

func New(p target.Profile, opts ...Option) *Recorder {
	r := &Recorder{
		prof: p,
		ra:   regalloc.New(p.GRFBytes, p.GRFCount, p.FlagRegs),
	}
	r.ra.Reserve(0)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Profile() target.Profile { return r.prof }
func (r *Recorder) RA() *regalloc.Allocator { return r.ra }

func (r *Recorder) record(kind trace.Kind, text string) {
	if r.trace == nil || r.traceErr != nil {
		return
	}
	if err := r.trace.Record(kind, r.source, text); err != nil {
		slog.Warn("trace write failed", "source", r.source, "err", err)
		r.traceErr = err
	}
}

func (r *Recorder) Emit(inst asm.Inst) {
	r.body.Append(inst)
	r.record(trace.KindInst, inst.String())
}

func (r *Recorder) NewLabel(hint string) asm.Label {
	l := asm.Label(fmt.Sprintf("L%d_%s", r.labels, hint))
	r.labels++
	return l
}

func (r *Recorder) Mark(label asm.Label) {
	r.body.Append(asm.MarkLabel(label))
	r.record(trace.KindLabel, string(label))
}

func (r *Recorder) Comment(text string) {
	r.body.Append(asm.Comment(text))
	r.record(trace.KindComment, text)
}

// PrepareSignalHeader allocates the barrier payload register for the rest
// of the program and adds its setup to the prologue. It must run before any
// temporary is allocated so no other value can share the register.
func (r *Recorder) PrepareSignalHeader() (asm.Region, error) {
	if r.signal != nil {
		return *r.signal, nil
	}
	rr, err := r.ra.AllocRange(1)
	if err != nil {
		return asm.Region{}, fmt.Errorf("host: signal header: %w", err)
	}
	grf := r.prof.GRFBytes
	header := asm.NewRegion(grf, rr.Base, 0, asm.TypeUD)
	r.signal = &header

	whole := asm.RegOp(header, grf/4)
	r.prologue.Append(
		asm.Comment("signal header"),
		asm.Inst{Op: asm.OpMov, Mod: asm.Exec(grf / 4).Merge(asm.Mod{NoMask: true}), Dst: whole, Src: [3]asm.Operand{asm.ImmOp(asm.Imm(0, asm.TypeUD))}},
		asm.Inst{Op: asm.OpMov, Mod: asm.Exec(1).Merge(asm.Mod{NoMask: true}),
			Dst: asm.RegOp(header.Format(signalDword, 1, 1, asm.TypeUD), 1),
			Src: [3]asm.Operand{asm.RegOp(r.R0().Format(signalDword, 1, 1, asm.TypeUD), 1)}},
	)
	return header, nil
}

// SignalHeader returns the register set up by PrepareSignalHeader.
func (r *Recorder) SignalHeader() (asm.Region, error) {
	if r.signal == nil {
		return asm.Region{}, ErrNoSignalHeader
	}
	return *r.signal, nil
}

func (r *Recorder) R0() asm.Region {
	return asm.NewRegion(r.prof.GRFBytes, 0, 0, asm.TypeUD)
}

// TraceErr returns the first trace write failure.
func (r *Recorder) TraceErr() error { return r.traceErr }

// Program returns the prologue followed by the recorded instructions.
func (r *Recorder) Program() asm.Program {
	p := r.prologue.Clone()
	p.Append(r.body.Insts()...)
	return p
}

func (r *Recorder) String() string {
	return r.Program().String()
}
