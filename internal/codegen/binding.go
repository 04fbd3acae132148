package codegen

import (
	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
)

// Binding maps IR expressions to the operands holding their values. A child
// binding overlays its parent: lookups fall through, writes stay local, so
// dropping the child discards every value it computed.
type Binding struct {
	parent *Binding
	bound  map[ir.Expr]asm.Operand
	dst    map[ir.Expr]asm.Operand
}

func NewBinding() *Binding {
	return &Binding{
		bound: make(map[ir.Expr]asm.Operand),
		dst:   make(map[ir.Expr]asm.Operand),
	}
}

// Child returns an overlay of b.
func (b *Binding) Child() *Binding {
	c := NewBinding()
	c.parent = b
	return c
}

// Bind records op as the value of e. Binding an expression twice is an
// error. A pending destination reservation for e is consumed.
func (b *Binding) Bind(e ir.Expr, op asm.Operand) error {
	if b.IsBound(e) {
		return contractf(e, "expression is already bound")
	}
	if !op.IsValid() {
		return contractf(e, "binding an invalid operand")
	}
	b.bound[e] = op
	delete(b.dst, e)
	return nil
}

// Unbind removes the binding of e from this level.
func (b *Binding) Unbind(e ir.Expr) error {
	if _, ok := b.bound[e]; !ok {
		return contractf(e, "expression is not bound")
	}
	delete(b.bound, e)
	return nil
}

func (b *Binding) Get(e ir.Expr) (asm.Operand, bool) {
	for l := b; l != nil; l = l.parent {
		if op, ok := l.bound[e]; ok {
			return op, true
		}
	}
	return asm.Operand{}, false
}

func (b *Binding) IsBound(e ir.Expr) bool {
	_, ok := b.Get(e)
	return ok
}

// BindDst reserves dst as the place where e must be evaluated.
func (b *Binding) BindDst(e ir.Expr, dst asm.Operand) error {
	if b.IsBound(e) {
		return contractf(e, "destination reserved for an evaluated expression")
	}
	b.dst[e] = dst
	return nil
}

func (b *Binding) GetDst(e ir.Expr) (asm.Operand, bool) {
	for l := b; l != nil; l = l.parent {
		if op, ok := l.dst[e]; ok {
			return op, true
		}
	}
	return asm.Operand{}, false
}

func (b *Binding) IsDstBound(e ir.Expr) bool {
	_, ok := b.GetDst(e)
	return ok
}

// Len returns the number of values bound at this level.
func (b *Binding) Len() int { return len(b.bound) }
