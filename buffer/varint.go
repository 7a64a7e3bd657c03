package buffer

import "fmt"

// AppendVarInt appends v using 7 bits per byte, low groups first, with the
// high bit of each byte set while more bytes follow. Negative values are
// encoded through their uint32 bits and always take five bytes.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// VarIntSize returns the encoded size of v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// ParseVarInt decodes a varint from the start of p and reports how many bytes
// it used. Running out of input yields ErrOverRead, so callers reading from a
// stream can tell "need more bytes" apart from ErrVarIntTooLong.
func ParseVarInt(p []byte) (int32, int, error) {
	var u uint32
	for i := 0; i < MaxVarIntSize; i++ {
		if i >= len(p) {
			return 0, 0, fmt.Errorf("%w: varint needs more than %d bytes", ErrOverRead, len(p))
		}
		c := p[i]
		if i == MaxVarIntSize-1 && c > 0x0f {
			return 0, 0, ErrVarIntTooLong
		}
		u |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			return int32(u), i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTooLong
}
