package kernelfile

import (
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/simdgen/internal/ir"
)

type allocNode struct {
	Buf          string    `yaml:"buf"`
	Size         int       `yaml:"size"`
	Kind         string    `yaml:"kind"`
	BankConflict string    `yaml:"bank_conflict"`
	Body         yaml.Node `yaml:"body"`
}

type forNode struct {
	Var   string    `yaml:"var"`
	Type  string    `yaml:"type"`
	Init  yaml.Node `yaml:"init"`
	Bound yaml.Node `yaml:"bound"`
	Step  yaml.Node `yaml:"step"`
	Body  yaml.Node `yaml:"body"`
}

type whileNode struct {
	Cond yaml.Node `yaml:"cond"`
	Body yaml.Node `yaml:"body"`
}

type ifNode struct {
	Cond yaml.Node `yaml:"cond"`
	Then yaml.Node `yaml:"then"`
	Else yaml.Node `yaml:"else"`
}

type letNode struct {
	Var   string    `yaml:"var"`
	Type  string    `yaml:"type"`
	Value yaml.Node `yaml:"value"`
	Body  yaml.Node `yaml:"body"`
}

type storeNode struct {
	Buf       yaml.Node `yaml:"buf"`
	Off       int       `yaml:"off"`
	Value     yaml.Node `yaml:"value"`
	Stride    int       `yaml:"stride"`
	Mask      yaml.Node `yaml:"mask"`
	FillMask0 bool      `yaml:"fill_mask0"`
}

var allocKinds = map[string]ir.AllocKind{
	"":       ir.AllocGRF,
	"grf":    ir.AllocGRF,
	"slm":    ir.AllocSLM,
	"global": ir.AllocGlobal,
}

func (b *builder) stmt(n *yaml.Node) (ir.Stmt, error) {
	if !present(n) {
		return nil, nil
	}
	if n.Kind == yaml.SequenceNode {
		seq := make(ir.Seq, 0, len(n.Content))
		for _, c := range n.Content {
			s, err := b.stmt(c)
			if err != nil {
				return nil, err
			}
			seq = append(seq, s)
		}
		return seq, nil
	}

	key, val, err := single(n)
	if err != nil {
		return nil, err
	}
	switch key {
	case "alloc":
		return b.alloc(val)
	case "for":
		return b.forStmt(val)
	case "while":
		var w whileNode
		if err := val.Decode(&w); err != nil {
			return nil, err
		}
		cond, err := b.expr(&w.Cond)
		if err != nil {
			return nil, err
		}
		body, err := b.scoped(&w.Body)
		if err != nil {
			return nil, err
		}
		return &ir.While{Cond: cond, Body: body}, nil
	case "if":
		var s ifNode
		if err := val.Decode(&s); err != nil {
			return nil, err
		}
		cond, err := b.expr(&s.Cond)
		if err != nil {
			return nil, err
		}
		then, err := b.scoped(&s.Then)
		if err != nil {
			return nil, err
		}
		els, err := b.scoped(&s.Else)
		if err != nil {
			return nil, err
		}
		return &ir.If{Cond: cond, Body: then, Else: els}, nil
	case "let":
		return b.let(val)
	case "store":
		return b.store(val)
	case "call":
		return b.call(val)
	}
	return nil, errorf(n, "unknown statement %q", key)
}

// scoped builds a statement body in its own variable scope.
func (b *builder) scoped(n *yaml.Node, vars ...*ir.Var) (ir.Stmt, error) {
	b.push()
	defer b.pop()
	for _, v := range vars {
		b.declare(v)
	}
	return b.stmt(n)
}

func (b *builder) alloc(n *yaml.Node) (ir.Stmt, error) {
	var a allocNode
	if err := n.Decode(&a); err != nil {
		return nil, err
	}
	kind, ok := allocKinds[a.Kind]
	if !ok {
		return nil, errorf(n, "unknown allocation kind %q", a.Kind)
	}
	if a.Buf == "" {
		return nil, errorf(n, "allocation without a buffer name")
	}

	s := &ir.Alloc{Size: a.Size, Kind: kind}
	switch {
	case kind != ir.AllocGRF:
		// Memory buffers are placed by the driver.
		v, ok := b.lookup(a.Buf)
		if !ok {
			return nil, errorf(n, "%s buffer %s is not declared", kind, a.Buf)
		}
		s.Buf = v
		body, err := b.stmt(&a.Body)
		if err != nil {
			return nil, err
		}
		s.Body = body
		return s, nil
	case a.BankConflict != "":
		attr, ok := b.groups[a.BankConflict]
		if !ok {
			return nil, errorf(n, "unknown bank conflict group %q", a.BankConflict)
		}
		for i, v := range attr.Bufs {
			if v.Name == a.Buf {
				s.Buf, s.BankConflict = v, attr
				if s.Size == 0 {
					s.Size = attr.Sizes[i]
				}
			}
		}
		if s.Buf == nil {
			return nil, errorf(n, "buffer %s is not part of group %s", a.Buf, a.BankConflict)
		}
	default:
		if a.Size <= 0 {
			return nil, errorf(n, "allocation of %s has no size", a.Buf)
		}
		s.Buf = ir.NewVar(a.Buf, ir.Scalar(ir.BytePtr))
	}

	body, err := b.scoped(&a.Body, s.Buf)
	if err != nil {
		return nil, err
	}
	s.Body = body
	return s, nil
}

func (b *builder) forStmt(n *yaml.Node) (ir.Stmt, error) {
	var f forNode
	if err := n.Decode(&f); err != nil {
		return nil, err
	}
	if f.Var == "" {
		return nil, errorf(n, "loop without a variable")
	}
	t := ir.Scalar(ir.S32)
	if f.Type != "" {
		var err error
		if t, err = ir.ParseType(f.Type); err != nil {
			return nil, errorf(n, "%v", err)
		}
	}
	if !t.IsInt() || !t.IsScalar() {
		return nil, errorf(n, "loop variable %s must be a scalar integer, not %s", f.Var, t)
	}

	init, err := b.typedExpr(&f.Init, t)
	if err != nil {
		return nil, err
	}
	bound, err := b.typedExpr(&f.Bound, t)
	if err != nil {
		return nil, err
	}
	step := ir.Expr(ir.Int(1, t))
	if present(&f.Step) {
		if step, err = b.typedExpr(&f.Step, t); err != nil {
			return nil, err
		}
	}

	v := ir.NewVar(f.Var, t)
	body, err := b.scoped(&f.Body, v)
	if err != nil {
		return nil, err
	}
	return &ir.For{Var: v, Init: init, Bound: bound, Step: step, Body: body}, nil
}

func (b *builder) let(n *yaml.Node) (ir.Stmt, error) {
	var l letNode
	if err := n.Decode(&l); err != nil {
		return nil, err
	}
	if !present(&l.Value) {
		v, ok := b.lookup(l.Var)
		if !ok {
			return nil, errorf(n, "external %s is not declared", l.Var)
		}
		body, err := b.stmt(&l.Body)
		if err != nil {
			return nil, err
		}
		return &ir.Let{Var: v, Body: body}, nil
	}

	var value ir.Expr
	if l.Type != "" {
		t, err := ir.ParseType(l.Type)
		if err != nil {
			return nil, errorf(n, "%v", err)
		}
		if value, err = b.typedExpr(&l.Value, t); err != nil {
			return nil, err
		}
		if value.Type() != t {
			return nil, errorf(&l.Value, "%s is %s, not %s", l.Var, value.Type(), t)
		}
	} else {
		var err error
		if value, err = b.expr(&l.Value); err != nil {
			return nil, err
		}
	}
	if l.Var == "" {
		return nil, errorf(n, "let without a variable")
	}
	v := ir.NewVar(l.Var, value.Type())
	body, err := b.scoped(&l.Body, v)
	if err != nil {
		return nil, err
	}
	return &ir.Let{Var: v, Value: value, Body: body}, nil
}

func (b *builder) store(n *yaml.Node) (ir.Stmt, error) {
	var s storeNode
	if err := n.Decode(&s); err != nil {
		return nil, err
	}
	buf, err := b.expr(&s.Buf)
	if err != nil {
		return nil, err
	}
	value, err := b.expr(&s.Value)
	if err != nil {
		return nil, err
	}
	var mask ir.Expr
	if present(&s.Mask) {
		if mask, err = b.expr(&s.Mask); err != nil {
			return nil, err
		}
		if !mask.Type().IsBool() {
			return nil, errorf(&s.Mask, "store mask must be boolean, not %s", mask.Type())
		}
	}
	return &ir.Store{Buf: buf, Off: s.Off, Value: value, Stride: s.Stride, Mask: mask, FillMask0: s.FillMask0}, nil
}
