package sim

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/tinyrange/simdgen/internal/asm"
)

// value is one lane of an operand. Integer and floating-point values are
// kept apart so 64-bit integers survive unchanged.
type value struct {
	i       int64
	f       float64
	isFloat bool
}

func intValue(i int64) value     { return value{i: i} }
func floatValue(f float64) value { return value{f: f, isFloat: true} }

func (v value) float() float64 {
	if v.isFloat {
		return v.f
	}
	return float64(v.i)
}

func (v value) int() int64 {
	if !v.isFloat {
		return v.i
	}
	f := math.Trunc(v.f)
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func (v value) neg() value {
	if v.isFloat {
		return floatValue(-v.f)
	}
	return intValue(-v.i)
}

func floatToBF(f float64) uint16 {
	if math.IsNaN(f) {
		return 0x7fc0
	}
	b := math.Float32bits(float32(f))
	b += 0x7fff + (b>>16)&1
	return uint16(b >> 16)
}

func bfToFloat(h uint16) float64 {
	return float64(math.Float32frombits(uint32(h) << 16))
}

// decode reads one element of type t from b.
func decode(b []byte, t asm.DataType) value {
	le := binary.LittleEndian
	switch t {
	case asm.TypeUB:
		return intValue(int64(b[0]))
	case asm.TypeB:
		return intValue(int64(int8(b[0])))
	case asm.TypeUW:
		return intValue(int64(le.Uint16(b)))
	case asm.TypeW:
		return intValue(int64(int16(le.Uint16(b))))
	case asm.TypeUD:
		return intValue(int64(le.Uint32(b)))
	case asm.TypeD:
		return intValue(int64(int32(le.Uint32(b))))
	case asm.TypeUQ, asm.TypeQ:
		return intValue(int64(le.Uint64(b)))
	case asm.TypeHF:
		return floatValue(float64(float16.Frombits(le.Uint16(b)).Float32()))
	case asm.TypeBF:
		return floatValue(bfToFloat(le.Uint16(b)))
	case asm.TypeF:
		return floatValue(float64(math.Float32frombits(le.Uint32(b))))
	case asm.TypeDF:
		return floatValue(math.Float64frombits(le.Uint64(b)))
	}
	return value{}
}

func saturate(v value, t asm.DataType) value {
	if t.IsFloat() {
		f := v.float()
		switch {
		case math.IsNaN(f), f < 0:
			f = 0
		case f > 1:
			f = 1
		}
		return floatValue(f)
	}
	lo, hi := intRange(t)
	i := v.int()
	if v.isFloat {
		f := math.Trunc(v.f)
		switch {
		case math.IsNaN(f):
			i = 0
		case f < float64(lo):
			i = lo
		case f > float64(hi):
			i = hi
		}
	}
	return intValue(min(max(i, lo), hi))
}

func intRange(t asm.DataType) (int64, int64) {
	switch t {
	case asm.TypeUB:
		return 0, math.MaxUint8
	case asm.TypeB:
		return math.MinInt8, math.MaxInt8
	case asm.TypeUW:
		return 0, math.MaxUint16
	case asm.TypeW:
		return math.MinInt16, math.MaxInt16
	case asm.TypeUD:
		return 0, math.MaxUint32
	case asm.TypeD:
		return math.MinInt32, math.MaxInt32
	case asm.TypeUQ:
		return 0, math.MaxInt64
	}
	return math.MinInt64, math.MaxInt64
}

// encode writes v converted to t into b.
func encode(b []byte, t asm.DataType, v value) {
	le := binary.LittleEndian
	switch t {
	case asm.TypeUB, asm.TypeB:
		b[0] = byte(v.int())
	case asm.TypeUW, asm.TypeW:
		le.PutUint16(b, uint16(v.int()))
	case asm.TypeUD, asm.TypeD:
		le.PutUint32(b, uint32(v.int()))
	case asm.TypeUQ, asm.TypeQ:
		le.PutUint64(b, uint64(v.int()))
	case asm.TypeHF:
		le.PutUint16(b, float16.Fromfloat32(float32(v.float())).Bits())
	case asm.TypeBF:
		le.PutUint16(b, floatToBF(v.float()))
	case asm.TypeF:
		le.PutUint32(b, math.Float32bits(float32(v.float())))
	case asm.TypeDF:
		le.PutUint64(b, math.Float64bits(v.float()))
	}
}
