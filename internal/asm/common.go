package asm

import (
	"fmt"
	"strings"
)

// MarkLabel returns the pseudo instruction that defines label at the current
// position.
func MarkLabel(label Label) Inst {
	return Inst{Op: OpLabel, JIP: label}
}

// Comment returns a comment pseudo instruction.
func Comment(text string) Inst {
	return Inst{Op: OpComment, Text: text}
}

// Program is a linear instruction stream including label and comment
// markers.
type Program struct {
	insts []Inst
}

func NewProgram(insts []Inst) Program {
	return Program{insts: append([]Inst(nil), insts...)}
}

// Append adds instructions to the end of the stream.
func (p *Program) Append(insts ...Inst) {
	p.insts = append(p.insts, insts...)
}

// Insts returns a copy of the instruction stream.
func (p Program) Insts() []Inst {
	return append([]Inst(nil), p.insts...)
}

// Len returns the number of entries including pseudo instructions.
func (p Program) Len() int {
	return len(p.insts)
}

// Machine returns the instructions that would be encoded, without labels and
// comments.
func (p Program) Machine() []Inst {
	out := make([]Inst, 0, len(p.insts))
	for _, inst := range p.insts {
		if !inst.Op.IsPseudo() {
			out = append(out, inst)
		}
	}
	return out
}

// Count returns how many instructions use op.
func (p Program) Count(op Opcode) int {
	n := 0
	for _, inst := range p.insts {
		if inst.Op == op {
			n++
		}
	}
	return n
}

// Labels resolves every label to the index of its marker. Defining a label
// twice is an error.
func (p Program) Labels() (map[Label]int, error) {
	labels := make(map[Label]int)
	for idx, inst := range p.insts {
		if inst.Op != OpLabel {
			continue
		}
		if _, exists := labels[inst.JIP]; exists {
			return nil, fmt.Errorf("label %q already defined", inst.JIP)
		}
		labels[inst.JIP] = idx
	}
	return labels, nil
}

// Clone returns a deep copy of the program.
func (p Program) Clone() Program {
	return NewProgram(p.insts)
}

func (p Program) String() string {
	var b strings.Builder
	for _, inst := range p.insts {
		if inst.Op != OpLabel {
			b.WriteString("  ")
		}
		b.WriteString(inst.String())
		b.WriteByte('\n')
	}
	return b.String()
}
