// Package target describes the hardware generations the code generator can
// lower to. Profiles are plain data so the same lowering logic can be
// retargeted by swapping the profile handed to the instruction host.
package target

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/simdgen/internal/asm"
)

// Gen is a hardware generation. Generations are ordered so feature checks may
// compare them.
type Gen int

const (
	GenInvalid Gen = iota
	Gen9
	XeLP
	XeHP
	XeHPG
	XeHPC
	Xe2
	Xe3
)

var genNames = map[Gen]string{
	Gen9:  "gen9",
	XeLP:  "xelp",
	XeHP:  "xehp",
	XeHPG: "xehpg",
	XeHPC: "xehpc",
	Xe2:   "xe2",
	Xe3:   "xe3",
}

func (g Gen) String() string {
	if name, ok := genNames[g]; ok {
		return name
	}
	return "invalid"
}

// ParseGen maps a generation name to its Gen value.
func ParseGen(name string) (Gen, error) {
	for g, n := range genNames {
		if n == name {
			return g, nil
		}
	}
	return GenInvalid, fmt.Errorf("target: unknown generation %q", name)
}

// UnmarshalYAML implements yaml.Unmarshaler for Gen.
func (g *Gen) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseGen(name)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Gen.
func (g Gen) MarshalYAML() (any, error) {
	return g.String(), nil
}

type Features struct {
	// FP64Atomics reports native 64-bit floating-point atomic add.
	FP64Atomics bool `yaml:"fp64_atomics"`
	// FloatAtomics reports native 32-bit floating-point atomic add.
	FloatAtomics bool `yaml:"float_atomics"`
	DPAS         bool `yaml:"dpas"`
}

// Profile is the set of capabilities the lowering engine queries from the
// instruction host.
type Profile struct {
	Name     string   `yaml:"name"`
	Gen      Gen      `yaml:"gen"`
	SIMD     int      `yaml:"simd"`
	GRFBytes int      `yaml:"grf_bytes"`
	GRFCount int      `yaml:"grf_count"`
	FlagRegs int      `yaml:"flag_regs"`
	Banks    int      `yaml:"banks"`
	Bundles  int      `yaml:"bundles"`
	Features Features `yaml:"features"`
}

// NativeAtomicAdd reports whether a floating-point atomic add on elements of
// type t can be issued as a single message.
func (p Profile) NativeAtomicAdd(t asm.DataType) bool {
	if !t.IsFloat() {
		return true
	}
	if !p.Features.FloatAtomics {
		return false
	}
	if t.Size() == 8 {
		return p.Features.FP64Atomics
	}
	return true
}

// HWSIMD is the number of lanes the register file reads per cycle, used to
// split wide instructions when counting operand conflicts.
func (p Profile) HWSIMD() int {
	if p.Gen >= XeHPC {
		return 16
	}
	return 8
}

// Bank returns the register file bank holding register reg.
func (p Profile) Bank(reg int) int {
	if p.Banks <= 1 {
		return 0
	}
	return reg % p.Banks
}

// Bundle returns the read-port bundle of register reg.
func (p Profile) Bundle(reg int) int {
	if p.Bundles <= 1 {
		return 0
	}
	return (reg / max(p.Banks, 1)) % p.Bundles
}

//go:embed profiles.yaml
var builtinProfiles []byte

var (
	builtinOnce sync.Once
	builtin     map[string]Profile
	builtinErr  error
)

func loadBuiltin() {
	profiles, err := Parse(builtinProfiles)
	if err != nil {
		builtinErr = fmt.Errorf("target: builtin profiles: %w", err)
		return
	}
	builtin = make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		builtin[p.Name] = p
	}
}

// Builtin returns the embedded profiles sorted by generation.
func Builtin() ([]Profile, error) {
	builtinOnce.Do(loadBuiltin)
	if builtinErr != nil {
		return nil, builtinErr
	}
	out := make([]Profile, 0, len(builtin))
	for _, p := range builtin {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Gen != out[j].Gen {
			return out[i].Gen < out[j].Gen
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Lookup returns the built-in profile with the given name.
func Lookup(name string) (Profile, error) {
	builtinOnce.Do(loadBuiltin)
	if builtinErr != nil {
		return Profile{}, builtinErr
	}
	p, ok := builtin[name]
	if !ok {
		return Profile{}, fmt.Errorf("target: no profile named %q", name)
	}
	return p, nil
}

// MustLookup is like Lookup but panics on unknown names.
func MustLookup(name string) Profile {
	p, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse decodes a YAML list of profiles and validates each one.
func Parse(data []byte) ([]Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var profiles []Profile
	if err := dec.Decode(&profiles); err != nil {
		return nil, fmt.Errorf("target: decode profiles: %w", err)
	}
	for _, p := range profiles {
		if err := Validate(p); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}

// Load reads and validates profiles from a YAML file.
func Load(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("target: read %s: %w", path, err)
	}
	return Parse(data)
}
