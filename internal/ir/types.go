package ir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/simdgen/internal/asm"
)

// Kind is a scalar element kind.
type Kind uint8

const (
	KindInvalid Kind = iota
	Bool
	U8
	S8
	U16
	S16
	U32
	S32
	U64
	S64
	F16
	BF16
	F32
	F64
	BytePtr
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	Bool:        "bool",
	U8:          "u8",
	S8:          "s8",
	U16:         "u16",
	S16:         "s16",
	U32:         "u32",
	S32:         "s32",
	U64:         "u64",
	S64:         "s64",
	F16:         "f16",
	BF16:        "bf16",
	F32:         "f32",
	F64:         "f64",
	BytePtr:     "ptr",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Type is a scalar kind replicated over Elems lanes. Elems is at least one.
type Type struct {
	Kind  Kind
	Elems int
}

func Scalar(k Kind) Type { return Type{Kind: k, Elems: 1} }

func Vec(k Kind, elems int) Type {
	if elems < 1 {
		panic(fmt.Sprintf("ir: vector of %d elements", elems))
	}
	return Type{Kind: k, Elems: elems}
}

// WithElems returns the same element kind with another lane count.
func (t Type) WithElems(n int) Type { return Vec(t.Kind, n) }

func (t Type) Scalar() Type { return Scalar(t.Kind) }

func (t Type) IsScalar() bool { return t.Elems <= 1 }
func (t Type) IsBool() bool   { return t.Kind == Bool }
func (t Type) IsPtr() bool    { return t.Kind == BytePtr }

func (t Type) IsInt() bool {
	switch t.Kind {
	case U8, S8, U16, S16, U32, S32, U64, S64:
		return true
	}
	return false
}

func (t Type) IsFloat() bool {
	switch t.Kind {
	case F16, BF16, F32, F64:
		return true
	}
	return false
}

func (t Type) IsSigned() bool {
	switch t.Kind {
	case S8, S16, S32, S64, F16, BF16, F32, F64:
		return true
	}
	return false
}

// IsX32 reports 32-bit integer kinds.
func (t Type) IsX32() bool { return t.Kind == U32 || t.Kind == S32 }

// Is64 reports 64-bit integer kinds.
func (t Type) Is64() bool { return t.Kind == U64 || t.Kind == S64 }

// Size returns the size of one element in bytes. Booleans report one byte
// although they are held in flag registers.
func (t Type) Size() int {
	switch t.Kind {
	case Bool, U8, S8:
		return 1
	case U16, S16, F16, BF16:
		return 2
	case U32, S32, F32:
		return 4
	case U64, S64, F64, BytePtr:
		return 8
	}
	return 0
}

func (t Type) Bits() int { return t.Size() * 8 }

// Asm returns the register data type of one element.
func (t Type) Asm() asm.DataType {
	switch t.Kind {
	case U8:
		return asm.TypeUB
	case S8:
		return asm.TypeB
	case U16:
		return asm.TypeUW
	case S16:
		return asm.TypeW
	case U32:
		return asm.TypeUD
	case S32:
		return asm.TypeD
	case U64, BytePtr:
		return asm.TypeUQ
	case S64:
		return asm.TypeQ
	case F16:
		return asm.TypeHF
	case BF16:
		return asm.TypeBF
	case F32:
		return asm.TypeF
	case F64:
		return asm.TypeDF
	}
	return asm.TypeInvalid
}

func (t Type) String() string {
	if t.Elems > 1 {
		return t.Kind.String() + "x" + strconv.Itoa(t.Elems)
	}
	return t.Kind.String()
}

// ParseType parses names such as "f32", "s32x8" or "boolx16".
func ParseType(s string) (Type, error) {
	name, elems := s, 1
	if idx := strings.LastIndexByte(s, 'x'); idx > 0 {
		n, err := strconv.Atoi(s[idx+1:])
		if err != nil || n < 1 {
			return Type{}, fmt.Errorf("ir: bad lane count in type %q", s)
		}
		name, elems = s[:idx], n
	}
	for k, kn := range kindNames {
		if Kind(k) != KindInvalid && kn == name {
			return Vec(Kind(k), elems), nil
		}
	}
	return Type{}, fmt.Errorf("ir: unknown type %q", s)
}
