package codegen

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
	"github.com/tinyrange/simdgen/internal/regalloc"
)

// bankConflictAllocation holds the registers of every buffer in one
// bank-conflict group. Nested allocations of the group share it.
type bankConflictAllocation struct {
	refs   int
	ranges map[*ir.Var]regalloc.Range
}

func (g *generator) allocBankConflict(attr *ir.BankConflictAttr) (*bankConflictAllocation, error) {
	a := &bankConflictAllocation{ranges: make(map[*ir.Var]regalloc.Range, len(attr.Bufs))}
	banks := max(g.prof.Banks, 1)
	for i, buf := range attr.Bufs {
		regs := (attr.Sizes[i] + g.prof.GRFBytes - 1) / g.prof.GRFBytes
		want := i % banks
		r, err := g.ra.AllocRangeWhere(regs, func(base int) bool {
			return g.prof.Bank(base) == want
		})
		if errors.Is(err, regalloc.ErrExhausted) {
			slog.Debug("bank placement failed, using first fit", "buf", buf.Name, "bank", want)
			r, err = g.ra.AllocRange(regs)
		}
		if err != nil {
			a.release(g.ra)
			return nil, err
		}
		a.ranges[buf] = r
	}
	return a, nil
}

func (a *bankConflictAllocation) release(ra *regalloc.Allocator) {
	for _, r := range a.ranges {
		ra.ReleaseRange(r)
	}
	a.ranges = nil
}

// retainBankConflict returns the region of s.Buf inside its group,
// allocating the whole group on first use.
func (g *generator) retainBankConflict(s *ir.Alloc) (asm.Region, error) {
	attr := s.BankConflict
	if _, ok := attr.SizeOf(s.Buf); !ok {
		return asm.Region{}, contractf(s, "buffer %s is not part of its bank conflict group", s.Buf)
	}
	a, ok := g.bankConflicts[attr]
	if !ok {
		var err error
		if a, err = g.allocBankConflict(attr); err != nil {
			return asm.Region{}, err
		}
		g.bankConflicts[attr] = a
	}
	a.refs++
	return asm.NewRegion(g.prof.GRFBytes, a.ranges[s.Buf].Base, 0, asm.TypeUB), nil
}

func (g *generator) releaseBankConflict(attr *ir.BankConflictAttr) {
	a, ok := g.bankConflicts[attr]
	if !ok {
		return
	}
	if a.refs--; a.refs > 0 {
		return
	}
	a.release(g.ra)
	delete(g.bankConflicts, attr)
}
