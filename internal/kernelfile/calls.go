package kernelfile

import (
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/simdgen/internal/asm"
	"github.com/tinyrange/simdgen/internal/ir"
)

type dpasParams struct {
	ExecSize int    `yaml:"exec_size"`
	SDepth   int    `yaml:"sdepth"`
	RCount   int    `yaml:"rcount"`
	DstType  string `yaml:"dst_type"`
	Src1Type string `yaml:"src1_type"`
	Src2Type string `yaml:"src2_type"`
	DPASW    bool   `yaml:"dpasw"`
}

type madParams struct {
	ExecSize   int    `yaml:"exec_size"`
	DstType    string `yaml:"dst_type"`
	Src1Type   string `yaml:"src1_type"`
	Src2Type   string `yaml:"src2_type"`
	Src1Stride *int   `yaml:"src1_stride"`
	Src2Stride *int   `yaml:"src2_stride"`
}

type sendParams struct {
	Op       string `yaml:"op"`
	Space    string `yaml:"space"`
	Type     string `yaml:"type"`
	Slots    int    `yaml:"slots"`
	Elems    int    `yaml:"elems"`
	SlotMask uint32 `yaml:"slot_mask"`
	FillBuf  bool   `yaml:"fill_buf"`
}

type reorderParams struct {
	SrcType   string `yaml:"src_type"`
	DstType   string `yaml:"dst_type"`
	Elems     int    `yaml:"elems"`
	SrcStride int    `yaml:"src_stride"`
	DstStride int    `yaml:"dst_stride"`
}

type reduceParams struct {
	Type     string `yaml:"type"`
	SrcElems int    `yaml:"src_elems"`
	DstElems int    `yaml:"dst_elems"`
}

type eltwiseParams struct {
	Alg   string   `yaml:"alg"`
	Alpha float32  `yaml:"alpha"`
	Beta  float32  `yaml:"beta"`
	Scale *float32 `yaml:"scale"`
}

// Keys accepted next to fn, args and attr for each callee.
var callKeys = map[string][]string{
	"dpas":    {"exec_size", "sdepth", "rcount", "dst_type", "src1_type", "src2_type", "dpasw"},
	"dp4a":    {"exec_size", "dst_type", "src1_type", "src2_type"},
	"mad":     {"exec_size", "dst_type", "src1_type", "src2_type", "src1_stride", "src2_stride"},
	"send":    {"op", "space", "type", "slots", "elems", "slot_mask", "fill_buf"},
	"reorder": {"src_type", "dst_type", "elems", "src_stride", "dst_stride"},
	"reduce":  {"type", "src_elems", "dst_elems"},
	"eltwise": {"alg", "alpha", "beta", "scale"},
}

var attrBits = map[string]func(*asm.Mod){
	"sat":    func(m *asm.Mod) { m.Sat = true },
	"nomask": func(m *asm.Mod) { m.NoMask = true },
	"atomic": func(m *asm.Mod) { m.Atomic = true },
}

func (b *builder) call(n *yaml.Node) (ir.Stmt, error) {
	if n.Kind != yaml.MappingNode {
		return nil, errorf(n, "call must be a mapping")
	}
	var head struct {
		Fn   string      `yaml:"fn"`
		Args []yaml.Node `yaml:"args"`
		Attr []string    `yaml:"attr"`
	}
	if err := n.Decode(&head); err != nil {
		return nil, err
	}

	fn, err := b.callee(n, head.Fn)
	if err != nil {
		return nil, err
	}

	c := &ir.Call{Func: fn}
	for i := range head.Args {
		a := &head.Args[i]
		if a.Kind == yaml.ScalarNode && a.Value == "_" {
			c.Args = append(c.Args, nil)
			continue
		}
		e, err := b.expr(a)
		if err != nil {
			return nil, err
		}
		c.Args = append(c.Args, e)
	}
	if len(head.Attr) > 0 {
		var mod asm.Mod
		for _, name := range head.Attr {
			set, ok := attrBits[name]
			if !ok {
				return nil, errorf(n, "unknown call attribute %q", name)
			}
			set(&mod)
		}
		c.Attr = &mod
	}
	return c, nil
}

func (b *builder) callee(n *yaml.Node, name string) (ir.Func, error) {
	if builtin, ok := ir.ParseBuiltin(name); ok {
		return builtin, checkKeys(n, nil)
	}
	allowed, ok := callKeys[name]
	if !ok {
		return nil, errorf(n, "unknown callee %q", name)
	}
	if err := checkKeys(n, allowed); err != nil {
		return nil, err
	}

	types := func(names ...string) ([]ir.Type, error) {
		out := make([]ir.Type, len(names))
		for i, s := range names {
			t, err := ir.ParseType(s)
			if err != nil {
				return nil, errorf(n, "%s: %v", name, err)
			}
			out[i] = t
		}
		return out, nil
	}

	switch name {
	case "dpas", "dp4a":
		var p dpasParams
		if err := n.Decode(&p); err != nil {
			return nil, err
		}
		if name == "dp4a" {
			p.SDepth, p.RCount = 1, 1
		}
		ts, err := types(p.DstType, p.Src1Type, p.Src2Type)
		if err != nil {
			return nil, err
		}
		if p.ExecSize <= 0 || p.SDepth <= 0 || p.RCount <= 0 {
			return nil, errorf(n, "%s needs exec_size, sdepth and rcount", name)
		}
		return &ir.DPAS{
			ExecSize: p.ExecSize, SDepth: p.SDepth, RCount: p.RCount,
			DstType: ts[0], Src1Type: ts[1], Src2Type: ts[2], IsDPASW: p.DPASW,
		}, nil
	case "mad":
		var p madParams
		if err := n.Decode(&p); err != nil {
			return nil, err
		}
		ts, err := types(p.DstType, p.Src1Type, p.Src2Type)
		if err != nil {
			return nil, err
		}
		if p.ExecSize <= 0 {
			return nil, errorf(n, "mad needs exec_size")
		}
		stride := func(s *int) int {
			if s == nil {
				return 1
			}
			return *s
		}
		return &ir.MAD{
			ExecSize: p.ExecSize, DstType: ts[0], Src1Type: ts[1], Src2Type: ts[2],
			Src1Stride: stride(p.Src1Stride), Src2Stride: stride(p.Src2Stride),
		}, nil
	case "send":
		var p sendParams
		if err := n.Decode(&p); err != nil {
			return nil, err
		}
		op, ok := ir.ParseSendOp(p.Op)
		if !ok {
			return nil, errorf(n, "unknown send operation %q", p.Op)
		}
		var space asm.AddressSpace
		switch p.Space {
		case "", "global":
			space = asm.SpaceGlobal
		case "slm":
			space = asm.SpaceSLM
		default:
			return nil, errorf(n, "unknown address space %q", p.Space)
		}
		ts, err := types(p.Type)
		if err != nil {
			return nil, err
		}
		if !ts[0].IsScalar() || p.Slots <= 0 {
			return nil, errorf(n, "send needs a scalar type and a slot count")
		}
		return &ir.Send{
			Op: op, Space: space, Type: ts[0], Slots: p.Slots, Elems: max(p.Elems, 1),
			SlotMask: p.SlotMask, FillBuf: p.FillBuf,
		}, nil
	case "reorder":
		var p reorderParams
		if err := n.Decode(&p); err != nil {
			return nil, err
		}
		ts, err := types(p.SrcType, p.DstType)
		if err != nil {
			return nil, err
		}
		if p.Elems <= 0 {
			return nil, errorf(n, "reorder needs an element count")
		}
		return &ir.Reorder{SrcType: ts[0], DstType: ts[1], Elems: p.Elems, SrcStride: p.SrcStride, DstStride: p.DstStride}, nil
	case "reduce":
		var p reduceParams
		if err := n.Decode(&p); err != nil {
			return nil, err
		}
		ts, err := types(p.Type)
		if err != nil {
			return nil, err
		}
		return &ir.Reduce{Type: ts[0], SrcElems: p.SrcElems, DstElems: p.DstElems}, nil
	case "eltwise":
		var p eltwiseParams
		if err := n.Decode(&p); err != nil {
			return nil, err
		}
		alg, ok := ir.ParseEltwiseAlg(p.Alg)
		if !ok {
			return nil, errorf(n, "unknown eltwise algorithm %q", p.Alg)
		}
		scale := float32(1)
		if p.Scale != nil {
			scale = *p.Scale
		}
		return &ir.Eltwise{Alg: alg, Alpha: p.Alpha, Beta: p.Beta, Scale: scale}, nil
	}
	return nil, errorf(n, "unknown callee %q", name)
}

// checkKeys rejects call parameters the callee does not take.
func checkKeys(n *yaml.Node, allowed []string) error {
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i]
		switch k.Value {
		case "fn", "args", "attr":
			continue
		}
		if !slices.Contains(allowed, k.Value) {
			return errorf(k, "unexpected parameter %q", k.Value)
		}
	}
	return nil
}
