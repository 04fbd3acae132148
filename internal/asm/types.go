package asm

import "fmt"

// DataType is the element type of a register region or immediate.
type DataType uint8

const (
	TypeInvalid DataType = iota
	TypeUB
	TypeB
	TypeUW
	TypeW
	TypeUD
	TypeD
	TypeUQ
	TypeQ
	TypeHF
	TypeBF
	TypeF
	TypeDF
	// TypeUV and TypeV are packed immediates holding eight 4-bit lanes,
	// unsigned and signed respectively. They expand to word-sized elements.
	TypeUV
	TypeV
)

var dataTypeNames = [...]string{
	TypeInvalid: "invalid",
	TypeUB:      "ub",
	TypeB:       "b",
	TypeUW:      "uw",
	TypeW:       "w",
	TypeUD:      "ud",
	TypeD:       "d",
	TypeUQ:      "uq",
	TypeQ:       "q",
	TypeHF:      "hf",
	TypeBF:      "bf",
	TypeF:       "f",
	TypeDF:      "df",
	TypeUV:      "uv",
	TypeV:       "v",
}

func (t DataType) String() string {
	if int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Size returns the element size in bytes. Packed immediate vectors report the
// size of one expanded element.
func (t DataType) Size() int {
	switch t {
	case TypeUB, TypeB:
		return 1
	case TypeUW, TypeW, TypeHF, TypeBF, TypeUV, TypeV:
		return 2
	case TypeUD, TypeD, TypeF:
		return 4
	case TypeUQ, TypeQ, TypeDF:
		return 8
	default:
		return 0
	}
}

func (t DataType) IsInt() bool {
	switch t {
	case TypeUB, TypeB, TypeUW, TypeW, TypeUD, TypeD, TypeUQ, TypeQ, TypeUV, TypeV:
		return true
	}
	return false
}

func (t DataType) IsSigned() bool {
	switch t {
	case TypeB, TypeW, TypeD, TypeQ, TypeV, TypeHF, TypeBF, TypeF, TypeDF:
		return true
	}
	return false
}

func (t DataType) IsFloat() bool {
	switch t {
	case TypeHF, TypeBF, TypeF, TypeDF:
		return true
	}
	return false
}

// UnsignedOf returns the unsigned integer type with the same width as t.
func UnsignedOf(size int) DataType {
	switch size {
	case 1:
		return TypeUB
	case 2:
		return TypeUW
	case 4:
		return TypeUD
	case 8:
		return TypeUQ
	}
	return TypeInvalid
}

// ParseDataType maps a type suffix as printed by String back to a DataType.
func ParseDataType(s string) (DataType, error) {
	for i, name := range dataTypeNames {
		if i != int(TypeInvalid) && name == s {
			return DataType(i), nil
		}
	}
	return TypeInvalid, fmt.Errorf("asm: unknown data type %q", s)
}
