package regalloc

import (
	"fmt"

	"github.com/tinyrange/simdgen/internal/asm"
)

// subRegLimit is the largest allocation, in bytes, packed into a partial
// register instead of a register range.
const subRegLimit = 8

// Scope records allocations made on behalf of one lexical block. Release
// returns everything to the allocator, so callers pair NewScope with
// defer scope.Release().
type Scope struct {
	ra     *Allocator
	ranges []Range
	subs   []Sub
	flags  []asm.Flag
}

func NewScope(ra *Allocator) *Scope {
	return &Scope{ra: ra}
}

func (s *Scope) Allocator() *Allocator { return s.ra }

// GRFBytes returns the register size of the underlying allocator.
func (s *Scope) GRFBytes() int { return s.ra.grf }

// AllocRange allocates n contiguous registers.
func (s *Scope) AllocRange(n int) (Range, error) {
	r, err := s.ra.AllocRange(n)
	if err != nil {
		return Range{}, err
	}
	s.ranges = append(s.ranges, r)
	return r, nil
}

// TryAllocRange is AllocRange without an error.
func (s *Scope) TryAllocRange(n int) (Range, bool) {
	r, ok := s.ra.TryAllocRange(n)
	if ok {
		s.ranges = append(s.ranges, r)
	}
	return r, ok
}

// AllocRangeWhere allocates n registers whose base satisfies accept.
func (s *Scope) AllocRangeWhere(n int, accept func(base int) bool) (Range, error) {
	r, err := s.ra.AllocRangeWhere(n, accept)
	if err != nil {
		return Range{}, err
	}
	s.ranges = append(s.ranges, r)
	return r, nil
}

// Alloc allocates a single register.
func (s *Scope) Alloc() (Range, error) {
	return s.AllocRange(1)
}

// AllocBuf allocates regs registers and returns a byte region over them.
func (s *Scope) AllocBuf(regs int) (asm.Region, error) {
	r, err := s.AllocRange(regs)
	if err != nil {
		return asm.Region{}, err
	}
	return asm.NewRegion(s.ra.grf, r.Base, 0, asm.TypeUB), nil
}

// AllocReg allocates storage for elems elements of type t laid out with the
// given stride. Allocations of at most 64 bits are packed into a partial
// register.
func (s *Scope) AllocReg(t asm.DataType, elems, stride int) (asm.Region, error) {
	if stride <= 0 {
		stride = 1
	}
	size := t.Size()
	if size == 0 {
		return asm.Region{}, fmt.Errorf("regalloc: cannot allocate type %s", t)
	}
	bytes := size
	if elems > 1 {
		bytes = ((elems-1)*stride + 1) * size
	}

	if bytes <= subRegLimit {
		align := 1
		for align < bytes {
			align <<= 1
		}
		sub, err := s.ra.AllocSub(bytes, align)
		if err != nil {
			return asm.Region{}, err
		}
		s.subs = append(s.subs, sub)
		return shape(asm.NewRegion(s.ra.grf, sub.Reg, sub.Off, t), elems, stride), nil
	}

	regs := (bytes + s.ra.grf - 1) / s.ra.grf
	r, err := s.AllocRange(regs)
	if err != nil {
		return asm.Region{}, err
	}
	return shape(asm.NewRegion(s.ra.grf, r.Base, 0, t), elems, stride), nil
}

func shape(r asm.Region, elems, stride int) asm.Region {
	if elems <= 1 {
		r.HS = 0
	} else {
		r.HS = stride
	}
	return r
}

// AllocFlag allocates a flag register for width lanes.
func (s *Scope) AllocFlag(width int) (asm.Flag, error) {
	f, err := s.ra.AllocFlag(width)
	if err != nil {
		return asm.Flag{}, err
	}
	s.flags = append(s.flags, f)
	return f, nil
}

// Claim takes ownership of a free range.
func (s *Scope) Claim(r Range) error {
	if err := s.ra.ClaimRange(r); err != nil {
		return err
	}
	s.ranges = append(s.ranges, r)
	return nil
}

// ClaimSub takes ownership of a free subregister.
func (s *Scope) ClaimSub(sub Sub) error {
	if err := s.ra.ClaimSub(sub); err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// ClaimFlag takes ownership of an unused flag.
func (s *Scope) ClaimFlag(f asm.Flag) error {
	if s.ra.flags[f.Index()] || (f.Width > 16 && s.ra.flags[f.Index()+1]) {
		return fmt.Errorf("regalloc: cannot claim %s: already in use", f)
	}
	s.ra.flags[f.Index()] = true
	if f.Width > 16 {
		s.ra.flags[f.Index()+1] = true
	}
	s.flags = append(s.flags, f)
	return nil
}

// FindRange returns the range owned by this scope that contains reg.
func (s *Scope) FindRange(reg int) (Range, bool) {
	for _, r := range s.ranges {
		if r.Contains(reg) {
			return r, true
		}
	}
	return Range{}, false
}

// FindSub returns the subregister owned by this scope starting at reg:off.
func (s *Scope) FindSub(reg, off int) (Sub, bool) {
	for _, sub := range s.subs {
		if sub.Reg == reg && sub.Off == off {
			return sub, true
		}
	}
	return Sub{}, false
}

// FindFlag reports whether f is owned by this scope.
func (s *Scope) FindFlag(f asm.Flag) (asm.Flag, bool) {
	for _, owned := range s.flags {
		if owned.Index() == f.Index() {
			return owned, true
		}
	}
	return asm.Flag{}, false
}

// SafeRelease releases r if this scope owns it.
func (s *Scope) SafeRelease(r Range) {
	for i, owned := range s.ranges {
		if owned == r {
			s.ra.ReleaseRange(r)
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			return
		}
	}
}

// Clear releases every allocation made through the scope. The scope stays
// usable.
func (s *Scope) Clear() {
	for i := len(s.flags) - 1; i >= 0; i-- {
		s.ra.ReleaseFlag(s.flags[i])
	}
	for i := len(s.subs) - 1; i >= 0; i-- {
		s.ra.ReleaseSub(s.subs[i])
	}
	for i := len(s.ranges) - 1; i >= 0; i-- {
		s.ra.ReleaseRange(s.ranges[i])
	}
	s.flags, s.subs, s.ranges = nil, nil, nil
}

// Release is Clear, named for use with defer.
func (s *Scope) Release() {
	s.Clear()
}

// Empty reports whether the scope owns nothing.
func (s *Scope) Empty() bool {
	return len(s.ranges) == 0 && len(s.subs) == 0 && len(s.flags) == 0
}
