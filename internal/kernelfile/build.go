package kernelfile

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/codegen"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/target"
)

// Kernel is a kernel file built for one hardware profile.
type Kernel struct {
	Name      string
	Body      ir.Stmt
	Externals codegen.Externals
	// Reserved lists the registers covered by driver buffers; the host
	// must keep them out of allocation.
	Reserved []int
	Options  codegen.Options
}

// Error points at the YAML node a build failure comes from.
type Error struct {
	Line, Column int
	Msg          string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kernelfile: line %d column %d: %s", e.Line, e.Column, e.Msg)
}

func errorf(n *yaml.Node, format string, args ...any) error {
	return &Error{Line: n.Line, Column: n.Column, Msg: fmt.Sprintf(format, args...)}
}

type builder struct {
	prof   target.Profile
	scopes []map[string]*ir.Var
	groups map[string]*ir.BankConflictAttr
}

// Build resolves the file against p.
func (f *File) Build(p target.Profile) (*Kernel, error) {
	b := &builder{
		prof:   p,
		scopes: []map[string]*ir.Var{{}},
		groups: make(map[string]*ir.BankConflictAttr),
	}
	k := &Kernel{
		Name:      f.Name,
		Externals: make(codegen.Externals),
		Options:   codegen.Options{CheckConflicts: f.Options.CheckConflicts, HeaderWindow: f.Options.HeaderWindow},
	}

	reserved := make(map[int]bool)
	for _, buf := range f.Buffers {
		v, op, regs, err := b.external(buf)
		if err != nil {
			return nil, fmt.Errorf("kernelfile: %s: buffer %s: %w", f.Name, buf.Name, err)
		}
		b.declare(v)
		k.Externals[v] = op
		for _, r := range regs {
			if !reserved[r] {
				reserved[r] = true
				k.Reserved = append(k.Reserved, r)
			}
		}
	}

	for _, g := range f.BankConflicts {
		if _, ok := b.groups[g.Name]; ok {
			return nil, fmt.Errorf("kernelfile: %s: bank conflict group %q declared twice", f.Name, g.Name)
		}
		attr := &ir.BankConflictAttr{}
		for _, gb := range g.Bufs {
			if gb.Buf == "" {
				return nil, fmt.Errorf("kernelfile: %s: group %s: buffer without a name", f.Name, g.Name)
			}
			if gb.Size <= 0 {
				return nil, fmt.Errorf("kernelfile: %s: group %s: buffer %s has no size", f.Name, g.Name, gb.Buf)
			}
			attr.Bufs = append(attr.Bufs, ir.NewVar(gb.Buf, ir.Scalar(ir.BytePtr)))
			attr.Sizes = append(attr.Sizes, gb.Size)
		}
		b.groups[g.Name] = attr
	}

	body, err := b.stmt(&f.Body)
	if err != nil {
		return nil, fmt.Errorf("kernelfile: %s: %w", f.Name, err)
	}
	k.Body = body
	return k, nil
}

// external returns the variable and operand for a driver buffer along with
// the registers it occupies.
func (b *builder) external(buf Buffer) (*ir.Var, asm.Operand, []int, error) {
	grf := b.prof.GRFBytes
	if buf.Reg <= 0 || buf.Reg >= b.prof.GRFCount {
		return nil, asm.Operand{}, nil, fmt.Errorf("register r%d is outside r1..r%d", buf.Reg, b.prof.GRFCount-1)
	}
	if buf.Off < 0 || buf.Off >= grf {
		return nil, asm.Operand{}, nil, fmt.Errorf("offset %d is outside the register", buf.Off)
	}

	t := ir.Scalar(ir.BytePtr)
	if buf.Type != "" {
		var err error
		if t, err = ir.ParseType(buf.Type); err != nil {
			return nil, asm.Operand{}, nil, err
		}
	}
	if t.IsBool() {
		return nil, asm.Operand{}, nil, fmt.Errorf("boolean buffers are not supported")
	}

	size := buf.Size
	var op asm.Operand
	region := asm.NewRegion(grf, buf.Reg, buf.Off, asm.TypeUB)
	switch {
	case t.IsPtr():
		if size == 0 {
			size = grf
		}
		op = asm.RegOp(region, 1)
	case t.IsScalar():
		size = max(size, t.Size())
		op = asm.RegOp(region.Format(0, 1, 1, t.Asm()), 1)
	default:
		size = max(size, t.Size()*t.Elems)
		op = asm.RegOp(region.Format(0, t.Elems, 1, t.Asm()), t.Elems)
	}

	var regs []int
	last := (buf.Reg*grf + buf.Off + size - 1) / grf
	if last >= b.prof.GRFCount {
		return nil, asm.Operand{}, nil, fmt.Errorf("%d bytes at r%d run past the register file", size, buf.Reg)
	}
	for r := buf.Reg; r <= last; r++ {
		regs = append(regs, r)
	}
	return ir.NewVar(buf.Name, t), op, regs, nil
}

func (b *builder) push() { b.scopes = append(b.scopes, map[string]*ir.Var{}) }
func (b *builder) pop()  { b.scopes = b.scopes[:len(b.scopes)-1] }

func (b *builder) declare(v *ir.Var) {
	b.scopes[len(b.scopes)-1][v.Name] = v
}

func (b *builder) lookup(name string) (*ir.Var, bool) {
	for i := len(b.scopes) - 1; i >= 0; i-- {
		if v, ok := b.scopes[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// present reports whether an optional field was given.
func present(n *yaml.Node) bool {
	return n != nil && n.Kind != 0
}

// single splits a one-key mapping into its key and value.
func single(n *yaml.Node) (string, *yaml.Node, error) {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return "", nil, errorf(n, "expected a mapping with a single key")
	}
	return n.Content[0].Value, n.Content[1], nil
}
