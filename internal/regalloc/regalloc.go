// Package regalloc tracks general register file and flag register usage for
// the code generator. Registers are handed out as contiguous ranges or as
// byte-granular subregisters packed into partially used registers.
package regalloc

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/tinyrange/simdgen/internal/asm"
)

// ErrExhausted is returned when no storage satisfies a request.
var ErrExhausted = errors.New("regalloc: out of registers")

// Range is a span of Len consecutive registers starting at Base.
type Range struct {
	Base int
	Len  int
}

func (r Range) Valid() bool { return r.Len > 0 }

func (r Range) Contains(reg int) bool {
	return r.Valid() && reg >= r.Base && reg < r.Base+r.Len
}

func (r Range) String() string {
	if r.Len == 1 {
		return fmt.Sprintf("r%d", r.Base)
	}
	return fmt.Sprintf("r%d-r%d", r.Base, r.Base+r.Len-1)
}

// Sub is a byte span inside one register.
type Sub struct {
	Reg  int
	Off  int
	Size int
}

func (s Sub) Valid() bool { return s.Size > 0 }

func (s Sub) mask() uint64 {
	return spanMask(s.Off, s.Size)
}

func (s Sub) String() string {
	return fmt.Sprintf("r%d[%d:%d]", s.Reg, s.Off, s.Off+s.Size)
}

func spanMask(off, size int) uint64 {
	if size >= 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << uint(size)) - 1) << uint(off)
}

// Allocator owns the register file state. It is not safe for concurrent use;
// code generation is single threaded.
type Allocator struct {
	grf   int
	used  []uint64
	full  uint64
	flags []bool
}

// New creates an allocator for count registers of grfBytes bytes each and
// flagRegs 32-bit flag registers.
func New(grfBytes, count, flagRegs int) *Allocator {
	if grfBytes <= 0 || grfBytes > 64 {
		panic(fmt.Sprintf("regalloc: unsupported register size %d", grfBytes))
	}
	return &Allocator{
		grf:   grfBytes,
		used:  make([]uint64, count),
		full:  spanMask(0, grfBytes),
		flags: make([]bool, flagRegs*2),
	}
}

// GRFBytes returns the register size in bytes.
func (a *Allocator) GRFBytes() int { return a.grf }

// Count returns the number of registers in the file.
func (a *Allocator) Count() int { return len(a.used) }

// Reserve permanently marks reg as used, for registers with fixed roles.
func (a *Allocator) Reserve(reg int) {
	a.used[reg] = a.full
}

// FreeRegs returns the number of completely unused registers.
func (a *Allocator) FreeRegs() int {
	n := 0
	for _, u := range a.used {
		if u == 0 {
			n++
		}
	}
	return n
}

// IsFree reports whether every register in r is unused.
func (a *Allocator) IsFree(r Range) bool {
	if r.Base < 0 || r.Base+r.Len > len(a.used) {
		return false
	}
	for i := r.Base; i < r.Base+r.Len; i++ {
		if a.used[i] != 0 {
			return false
		}
	}
	return true
}

// TryAllocRange returns the lowest free span of n registers.
func (a *Allocator) TryAllocRange(n int) (Range, bool) {
	if n <= 0 {
		return Range{}, false
	}
	run := 0
	for i, u := range a.used {
		if u != 0 {
			run = 0
			continue
		}
		run++
		if run == n {
			r := Range{Base: i - n + 1, Len: n}
			a.mark(r)
			return r, true
		}
	}
	return Range{}, false
}

// AllocRange is TryAllocRange returning ErrExhausted on failure.
func (a *Allocator) AllocRange(n int) (Range, error) {
	r, ok := a.TryAllocRange(n)
	if !ok {
		return Range{}, fmt.Errorf("%w: need %d contiguous registers, %d free", ErrExhausted, n, a.FreeRegs())
	}
	return r, nil
}

// AllocRangeWhere allocates the lowest free span of n registers whose base
// satisfies accept.
func (a *Allocator) AllocRangeWhere(n int, accept func(base int) bool) (Range, error) {
	for base := 0; base+n <= len(a.used); base++ {
		r := Range{Base: base, Len: n}
		if accept(base) && a.IsFree(r) {
			a.mark(r)
			return r, nil
		}
	}
	return Range{}, fmt.Errorf("%w: no %d-register span matches placement", ErrExhausted, n)
}

func (a *Allocator) mark(r Range) {
	for i := r.Base; i < r.Base+r.Len; i++ {
		a.used[i] = a.full
	}
}

// ReleaseRange returns r to the free pool.
func (a *Allocator) ReleaseRange(r Range) {
	for i := r.Base; i < r.Base+r.Len; i++ {
		a.used[i] = 0
	}
}

// ClaimRange marks a specific free range as used.
func (a *Allocator) ClaimRange(r Range) error {
	if !a.IsFree(r) {
		return fmt.Errorf("regalloc: cannot claim %s: already in use", r)
	}
	a.mark(r)
	return nil
}

// AllocSub packs size bytes aligned to align into a register, preferring
// registers that already hold other subregisters.
func (a *Allocator) AllocSub(size, align int) (Sub, error) {
	if size <= 0 || size > a.grf {
		return Sub{}, fmt.Errorf("regalloc: invalid subregister size %d", size)
	}
	if align <= 0 {
		align = 1
	}
	for pass := 0; pass < 2; pass++ {
		for reg, u := range a.used {
			partial := u != 0 && u != a.full
			if (pass == 0 && !partial) || (pass == 1 && u != 0) {
				continue
			}
			for off := 0; off+size <= a.grf; off += align {
				m := spanMask(off, size)
				if u&m == 0 {
					a.used[reg] |= m
					return Sub{Reg: reg, Off: off, Size: size}, nil
				}
			}
		}
	}
	return Sub{}, fmt.Errorf("%w: no room for %d-byte subregister", ErrExhausted, size)
}

// ReleaseSub frees the bytes of s.
func (a *Allocator) ReleaseSub(s Sub) {
	a.used[s.Reg] &^= s.mask()
}

// ClaimSub marks the bytes of s as used.
func (a *Allocator) ClaimSub(s Sub) error {
	if a.used[s.Reg]&s.mask() != 0 {
		return fmt.Errorf("regalloc: cannot claim %s: already in use", s)
	}
	a.used[s.Reg] |= s.mask()
	return nil
}

// UsedBytes returns the number of allocated bytes in reg.
func (a *Allocator) UsedBytes(reg int) int {
	return bits.OnesCount64(a.used[reg])
}

// AllocFlag allocates a flag wide enough for width lanes. Up to sixteen lanes
// fit into a subregister; wider flags take a whole register.
func (a *Allocator) AllocFlag(width int) (asm.Flag, error) {
	if width <= 16 {
		for idx, used := range a.flags {
			if !used {
				a.flags[idx] = true
				return asm.Flag{Reg: idx / 2, Sub: idx % 2, Width: 16}, nil
			}
		}
		return asm.Flag{}, fmt.Errorf("%w: no free flag subregister", ErrExhausted)
	}
	if width > 32 {
		return asm.Flag{}, fmt.Errorf("regalloc: flag width %d exceeds 32 lanes", width)
	}
	for reg := 0; reg*2+1 < len(a.flags); reg++ {
		if !a.flags[reg*2] && !a.flags[reg*2+1] {
			a.flags[reg*2], a.flags[reg*2+1] = true, true
			return asm.Flag{Reg: reg, Sub: 0, Width: 32}, nil
		}
	}
	return asm.Flag{}, fmt.Errorf("%w: no free flag register", ErrExhausted)
}

// ReleaseFlag frees f.
func (a *Allocator) ReleaseFlag(f asm.Flag) {
	a.flags[f.Index()] = false
	if f.Width > 16 {
		a.flags[f.Index()+1] = false
	}
}
