// Package kernelfile reads kernel descriptions written in YAML and turns them
// into IR statement trees together with the register bindings the driver
// provides.
//
// A kernel file names its target, the buffers the driver places in registers
// and a body of statements:
//
//	name: vector_add
//	target: xehpg
//	buffers:
//	  - {name: a, reg: 100}
//	  - {name: b, reg: 101}
//	  - {name: out, reg: 102}
//	body:
//	  - store:
//	      buf: out
//	      value: {add: [{load: {buf: a, type: f32x8}}, {load: {buf: b, type: f32x8}}]}
//
// Statements are single-key mappings (alloc, for, while, if, let, store,
// call) or sequences of statements. Expressions are constants ("3",
// "2.5", "7:u16"), variable names, vectors of scalars, or single-key
// mappings naming an operator.
package kernelfile

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the decoded form of a kernel file before its body is built.
type File struct {
	Name          string              `yaml:"name"`
	Description   string              `yaml:"description,omitempty"`
	Target        string              `yaml:"target"`
	Buffers       []Buffer            `yaml:"buffers"`
	BankConflicts []BankConflictGroup `yaml:"bank_conflicts,omitempty"`
	Options       Options             `yaml:"options,omitempty"`
	Body          yaml.Node           `yaml:"body"`
}

// Buffer is a driver-placed value. Pointer buffers (the default type) span
// Size bytes starting at register Reg; scalar and vector types describe a
// value held in that register.
type Buffer struct {
	Name string `yaml:"name"`
	Reg  int    `yaml:"reg"`
	Off  int    `yaml:"off,omitempty"`
	Type string `yaml:"type,omitempty"`
	Size int    `yaml:"size,omitempty"`
}

// BankConflictGroup lists register buffers that should land in distinct
// banks. Allocations name their group through bank_conflict.
type BankConflictGroup struct {
	Name string      `yaml:"name"`
	Bufs []GroupBuf `yaml:"bufs"`
}

type GroupBuf struct {
	Buf  string `yaml:"buf"`
	Size int    `yaml:"size"`
}

type Options struct {
	CheckConflicts bool `yaml:"check_conflicts,omitempty"`
	HeaderWindow   int  `yaml:"header_window,omitempty"`
}

// Parse decodes a kernel file.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("kernelfile: decode: %w", err)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("kernelfile: kernel has no name")
	}
	seen := make(map[string]bool)
	for _, b := range f.Buffers {
		if b.Name == "" {
			return nil, fmt.Errorf("kernelfile: %s: buffer without a name", f.Name)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("kernelfile: %s: buffer %q declared twice", f.Name, b.Name)
		}
		seen[b.Name] = true
	}
	return &f, nil
}

// Load reads and decodes the kernel file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kernelfile: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
