package kernelfile

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/simdgen/internal/ir"
)

type castNode struct {
	To    string    `yaml:"to"`
	Value yaml.Node `yaml:"value"`
	Sat   bool      `yaml:"sat"`
}

type loadNode struct {
	Buf    yaml.Node `yaml:"buf"`
	Type   string    `yaml:"type"`
	Off    int       `yaml:"off"`
	Stride int       `yaml:"stride"`
}

type ptrNode struct {
	Buf yaml.Node `yaml:"buf"`
	Off int       `yaml:"off"`
}

type broadcastNode struct {
	Value yaml.Node `yaml:"value"`
	Lanes int       `yaml:"lanes"`
}

type shuffleNode struct {
	Vec []yaml.Node `yaml:"vec"`
	Idx []int       `yaml:"idx"`
}

// literal reports an untyped numeric constant, which takes its type from
// the expression around it.
func literal(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && (n.Tag == "!!int" || n.Tag == "!!float")
}

func (b *builder) expr(n *yaml.Node) (ir.Expr, error) {
	if !present(n) {
		return nil, errorf(n, "missing expression")
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return b.scalar(n)
	case yaml.SequenceNode:
		return b.vector(n.Content, n)
	case yaml.MappingNode:
	default:
		return nil, errorf(n, "unsupported expression")
	}

	key, val, err := single(n)
	if err != nil {
		return nil, err
	}
	if op, ok := ir.ParseOp(key); ok {
		return b.operator(n, op, val)
	}

	switch key {
	case "select":
		ops, err := b.operands(val, 3)
		if err != nil {
			return nil, err
		}
		cond, err := b.expr(ops[0])
		if err != nil {
			return nil, err
		}
		if !cond.Type().IsBool() {
			return nil, errorf(ops[0], "select condition must be boolean, not %s", cond.Type())
		}
		args, err := b.unify(ops[1:])
		if err != nil {
			return nil, err
		}
		return ir.NewSelect(cond, args[0], args[1]), nil
	case "cast":
		var c castNode
		if err := val.Decode(&c); err != nil {
			return nil, err
		}
		to, err := ir.ParseType(c.To)
		if err != nil {
			return nil, errorf(val, "%v", err)
		}
		x, err := b.expr(&c.Value)
		if err != nil {
			return nil, err
		}
		if xt := x.Type(); xt.Elems != to.Elems && !xt.IsScalar() {
			return nil, errorf(val, "cast from %s to %s changes the lane count", xt, to)
		}
		return ir.NewCast(to, x, c.Sat), nil
	case "load":
		var l loadNode
		if err := val.Decode(&l); err != nil {
			return nil, err
		}
		t, err := ir.ParseType(l.Type)
		if err != nil {
			return nil, errorf(val, "%v", err)
		}
		buf, err := b.buffer(&l.Buf)
		if err != nil {
			return nil, err
		}
		return ir.NewLoad(t, buf, l.Off, l.Stride), nil
	case "ptr":
		var p ptrNode
		if err := val.Decode(&p); err != nil {
			return nil, err
		}
		buf, err := b.buffer(&p.Buf)
		if err != nil {
			return nil, err
		}
		return ir.NewPtr(buf, p.Off), nil
	case "broadcast":
		var bc broadcastNode
		if err := val.Decode(&bc); err != nil {
			return nil, err
		}
		x, err := b.expr(&bc.Value)
		if err != nil {
			return nil, err
		}
		if !x.Type().IsScalar() || bc.Lanes < 1 {
			return nil, errorf(val, "broadcast needs a scalar and a lane count")
		}
		return ir.Broadcast(x, bc.Lanes), nil
	case "shuffle":
		var s shuffleNode
		if err := val.Decode(&s); err != nil {
			return nil, err
		}
		nodes := make([]*yaml.Node, len(s.Vec))
		for i := range s.Vec {
			nodes[i] = &s.Vec[i]
		}
		vec, err := b.elements(nodes, val)
		if err != nil {
			return nil, err
		}
		if len(s.Idx) == 0 {
			return nil, errorf(val, "shuffle without indices")
		}
		for _, i := range s.Idx {
			if i < 0 || i >= len(vec) {
				return nil, errorf(val, "shuffle index %d out of range", i)
			}
		}
		return ir.NewShuffle(vec, s.Idx), nil
	}
	return nil, errorf(n, "unknown expression %q", key)
}

// typedExpr builds n, giving untyped literals the type t.
func (b *builder) typedExpr(n *yaml.Node, t ir.Type) (ir.Expr, error) {
	if !present(n) {
		return nil, errorf(n, "missing expression")
	}
	if !literal(n) {
		return b.expr(n)
	}
	switch {
	case t.IsFloat():
		v, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, errorf(n, "bad number %q", n.Value)
		}
		return ir.Float(v, t), nil
	case t.IsInt() || t.IsPtr():
		if n.Tag != "!!int" {
			return nil, errorf(n, "%s is not an integer", n.Value)
		}
		v, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return nil, errorf(n, "bad integer %q", n.Value)
		}
		return ir.Int(v, t), nil
	}
	return nil, errorf(n, "number where a %s is expected", t)
}

func (b *builder) scalar(n *yaml.Node) (ir.Expr, error) {
	switch n.Tag {
	case "!!int":
		return b.typedExpr(n, ir.Scalar(ir.S32))
	case "!!float":
		return b.typedExpr(n, ir.Scalar(ir.F32))
	case "!!bool":
		return ir.BoolConst(n.Value == "true"), nil
	}

	if value, typ, ok := strings.Cut(n.Value, ":"); ok {
		t, err := ir.ParseType(typ)
		if err != nil {
			return nil, errorf(n, "%v", err)
		}
		if !t.IsScalar() {
			return nil, errorf(n, "constant of vector type %s", t)
		}
		if t.IsBool() {
			v, err := strconv.ParseBool(value)
			if err != nil {
				return nil, errorf(n, "bad boolean %q", value)
			}
			return ir.BoolConst(v), nil
		}
		tag := "!!int"
		if strings.ContainsAny(value, ".eE") && !strings.HasPrefix(value, "0x") {
			tag = "!!float"
		}
		return b.typedExpr(&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value, Line: n.Line, Column: n.Column}, t)
	}

	v, ok := b.lookup(n.Value)
	if !ok {
		return nil, errorf(n, "undefined variable %s", n.Value)
	}
	return v, nil
}

// buffer builds an expression that must address bytes.
func (b *builder) buffer(n *yaml.Node) (ir.Expr, error) {
	e, err := b.expr(n)
	if err != nil {
		return nil, err
	}
	if !e.Type().IsPtr() {
		return nil, errorf(n, "%s is not a buffer", e)
	}
	return e, nil
}

func (b *builder) vector(content []*yaml.Node, n *yaml.Node) (ir.Expr, error) {
	elems, err := b.elements(content, n)
	if err != nil {
		return nil, err
	}
	return ir.ShuffleOf(elems...), nil
}

// elements builds the scalar lanes of a vector. Literals take the kind of
// the first typed lane.
func (b *builder) elements(content []*yaml.Node, n *yaml.Node) ([]ir.Expr, error) {
	if len(content) == 0 {
		return nil, errorf(n, "empty vector")
	}
	elems, err := b.unify(content)
	if err != nil {
		return nil, err
	}
	kind := elems[0].Type().Kind
	for i, e := range elems {
		if !e.Type().IsScalar() || e.Type().Kind != kind {
			return nil, errorf(content[i], "vector lane %s must be a scalar %s", e, kind)
		}
	}
	return elems, nil
}

// unify builds operands that share one element kind. Literal operands take
// the type of the first non-literal one; with none, they keep their default.
func (b *builder) unify(nodes []*yaml.Node) ([]ir.Expr, error) {
	out := make([]ir.Expr, len(nodes))
	var t *ir.Type
	for i, n := range nodes {
		if literal(n) {
			continue
		}
		e, err := b.expr(n)
		if err != nil {
			return nil, err
		}
		out[i] = e
		if t == nil {
			st := e.Type().Scalar()
			t = &st
		}
	}
	for i, n := range nodes {
		if out[i] != nil {
			continue
		}
		var err error
		if t == nil {
			out[i], err = b.expr(n)
		} else {
			out[i], err = b.typedExpr(n, *t)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *builder) operands(n *yaml.Node, want int) ([]*yaml.Node, error) {
	if n.Kind != yaml.SequenceNode || len(n.Content) != want {
		return nil, errorf(n, "expected %d operands", want)
	}
	return n.Content, nil
}

func (b *builder) operator(n *yaml.Node, op ir.Op, val *yaml.Node) (ir.Expr, error) {
	if op == ir.OpNeg {
		x, err := b.expr(val)
		if err != nil {
			return nil, err
		}
		if x.Type().IsBool() || x.Type().IsPtr() {
			return nil, errorf(val, "cannot negate %s", x.Type())
		}
		return ir.Neg(x), nil
	}

	want := 2
	if op.IsTernary() {
		want = 3
	}
	nodes, err := b.operands(val, want)
	if err != nil {
		return nil, err
	}
	args, err := b.unify(nodes)
	if err != nil {
		return nil, err
	}

	lanes := 1
	for i, a := range args {
		e := a.Type().Elems
		switch {
		case e == 1:
		case lanes == 1:
			lanes = e
		case e != lanes:
			return nil, errorf(nodes[i], "%s mixes %d and %d lanes", op, lanes, e)
		}
	}
	if op.IsTernary() {
		return ir.NewTernary(op, args[0], args[1], args[2]), nil
	}
	ta, tb := args[0].Type(), args[1].Type()
	if ta.IsBool() != tb.IsBool() || ta.IsFloat() != tb.IsFloat() {
		return nil, errorf(n, "%s of %s and %s", op, ta, tb)
	}
	return ir.NewBinary(op, args[0], args[1]), nil
}
