package tensor

import "math"

// F32ToF16 converts a float32 to IEEE-754 binary16 bits with round to
// nearest even. Values beyond the half range become infinities and values
// below the smallest subnormal flush to signed zero.
func F32ToF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	e := exp - 127 + 15
	if e >= 0x1F {
		return sign | 0x7C00
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		// Subnormal: shift the implicit leading bit into the mantissa.
		mant |= 0x800000
		shift := uint32(14 - e)
		half := uint32(1) << (shift - 1)
		rest := mant & ((1 << shift) - 1)
		out := mant >> shift
		if rest > half || (rest == half && out&1 == 1) {
			out++
		}
		return sign | uint16(out)
	}

	out := uint32(e)<<10 | mant>>13
	rest := mant & 0x1FFF
	if rest > 0x1000 || (rest == 0x1000 && out&1 == 1) {
		// May carry into the exponent, which is still the correct result.
		out++
	}
	return sign | uint16(out)
}

// F16ToF32 converts binary16 bits to float32.
func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// BF16ToF32 widens bfloat16 bits to float32.
func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// RoundF16 rounds v to the nearest binary16-representable value.
func RoundF16(v float32) float32 {
	return F16ToF32(F32ToF16(v))
}

// NarrowF16 rounds every element to binary16 precision and tags t as F16.
func (t *Tensor) NarrowF16() {
	for i, v := range t.Data {
		t.Data[i] = RoundF16(v)
	}
	t.DType = F16
}
