package codegen

import (
	"log/slog"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/target"
)

// ConflictStats counts register read-port conflicts. A bank conflict is two
// sources reading different registers of one bank in the same cycle; a
// bundle conflict is the same with a matching bundle as well.
type ConflictStats struct {
	Bank   int
	Bundle int
}

type conflictStats struct {
	ConflictStats
}

// check counts the conflicts between the register sources of one
// three-source instruction, split into the chunks the register file reads
// per cycle. Matrix instructions stage the accumulator separately so only
// src1 and src2 compete.
func (s *conflictStats) check(p target.Profile, mod asm.Mod, srcs [3]asm.Operand, isDPAS bool) {
	first := 0
	if isDPAS {
		first = 1
	}
	hw := p.HWSIMD()
	for off := 0; off < max(mod.Exec, 1); off += hw {
		var regs []int
		for _, src := range srcs[first:] {
			if !src.IsReg() {
				continue
			}
			regs = append(regs, src.Reg.ElemByte(off)/p.GRFBytes)
		}
		for i := range regs {
			for j := i + 1; j < len(regs); j++ {
				a, b := regs[i], regs[j]
				if a == b || p.Bank(a) != p.Bank(b) {
					continue
				}
				if p.Bundle(a) == p.Bundle(b) {
					s.Bundle++
				} else {
					s.Bank++
				}
			}
		}
	}
}

func (s *conflictStats) report() {
	if s.Bank == 0 && s.Bundle == 0 {
		return
	}
	slog.Warn("register read conflicts", "bank", s.Bank, "bundle", s.Bundle)
}

// CountConflicts scans an instruction stream for conflicts between the
// sources of mad and matrix instructions.
func CountConflicts(p target.Profile, insts []asm.Inst) ConflictStats {
	var s conflictStats
	for _, inst := range insts {
		switch inst.Op {
		case asm.OpMad:
			s.check(p, inst.Mod, inst.Src, false)
		case asm.OpDpas, asm.OpDpasw:
			s.check(p, inst.Mod, inst.Src, true)
		}
	}
	return s.ConflictStats
}
