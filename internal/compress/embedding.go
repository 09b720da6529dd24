package compress

import (
	"encoding/binary"
	"math"
)

// EncodeVector packs an embedding with the given embedding encoding.
// None stores little-endian float32.
func EncodeVector(vec []float32, enc Encoding) []byte {
	switch enc {
	case F16:
		out := make([]byte, 2*len(vec))
		for i, v := range vec {
			binary.LittleEndian.PutUint16(out[2*i:], halfFromFloat32(v))
		}
		return out
	case Int8:
		return quantizeInt8(vec)
	default:
		out := make([]byte, 4*len(vec))
		for i, v := range vec {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out
	}
}

// DecodeVector reverses EncodeVector.
func DecodeVector(b []byte, enc Encoding) ([]float32, error) {
	switch enc {
	case F16:
		if len(b)%2 != 0 {
			return nil, ErrCorrupt
		}
		out := make([]float32, len(b)/2)
		for i := range out {
			out[i] = halfToFloat32(binary.LittleEndian.Uint16(b[2*i:]))
		}
		return out, nil
	case Int8:
		return dequantizeInt8(b)
	default:
		if len(b)%4 != 0 {
			return nil, ErrCorrupt
		}
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return out, nil
	}
}

// halfFromFloat32 converts to IEEE-754 binary16 with round-to-nearest-even.
// Values below the half normal range flush to signed zero.
func halfFromFloat32(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xFF
	frac := bits & 0x7FFFFF

	switch {
	case exp == 0xFF: // Inf / NaN
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp-127+15 >= 0x1F:
		return sign | 0x7C00
	case exp-127+15 <= 0:
		return sign
	}

	e := uint32(exp - 127 + 15)
	m := frac >> 13
	rest := frac & 0x1FFF
	if rest > 0x1000 || (rest == 0x1000 && m&1 == 1) {
		m++
		if m == 0x400 {
			m = 0
			e++
			if e >= 0x1F {
				return sign | 0x7C00
			}
		}
	}
	return sign | uint16(e<<10) | uint16(m)
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal half: value = frac * 2^-24.
		v := float32(frac) * float32(math.Ldexp(1, -24))
		if sign != 0 {
			v = -v
		}
		return v
	case 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}

// quantizeInt8 layout: [min float32][max float32][codes...].
func quantizeInt8(vec []float32) []byte {
	out := make([]byte, 8+len(vec))
	if len(vec) == 0 {
		return out
	}
	lo, hi := vec[0], vec[0]
	for _, v := range vec[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	binary.LittleEndian.PutUint32(out[0:], math.Float32bits(lo))
	binary.LittleEndian.PutUint32(out[4:], math.Float32bits(hi))

	span := hi - lo
	if span == 0 {
		return out
	}
	scale := 255 / span
	for i, v := range vec {
		q := math.Round(float64((v - lo) * scale))
		out[8+i] = byte(max(0, min(255, q)))
	}
	return out
}

func dequantizeInt8(b []byte) ([]float32, error) {
	if len(b) < 8 {
		return nil, ErrCorrupt
	}
	lo := math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))
	hi := math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	step := (hi - lo) / 255

	out := make([]float32, len(b)-8)
	for i, c := range b[8:] {
		out[i] = lo + float32(c)*step
	}
	return out, nil
}
