// Package buffer implements the byte cursor every wire format of the node is
// built on.
//
// A Buffer has an append-only write side and an independent read cursor:
//
//	0           r                     len(buf)
//	┌───────────┬─────────────────────┬ ─ ─ ─ ─ ─ ┐
//	│ consumed  │  readable           │  writes →
//	└───────────┴─────────────────────┴ ─ ─ ─ ─ ─ ┘
//
// Reads never go past what was written. An over-read is a decode failure
// reported through ErrOverRead, it is never silently truncated.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrOverRead       = errors.New("buffer: read past end")
	ErrVarIntTooLong  = errors.New("buffer: varint longer than 5 bytes")
	ErrNegativeLength = errors.New("buffer: negative length prefix")
	ErrInvalidUTF8    = errors.New("buffer: string is not valid utf-8")
)

// MaxVarIntSize is the largest number of bytes an int32 varint occupies.
const MaxVarIntSize = 5

// Buffer is a sequential cursor over a byte region. It is not safe for
// concurrent use.
type Buffer struct {
	buf []byte
	r   int
}

// New returns an empty buffer with the given initial capacity.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// Wrap returns a buffer whose readable region is b. The slice is not copied.
func Wrap(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// Bytes returns the unread region.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:] }

// Len returns the total number of written bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// Readable returns the number of bytes left to read.
func (b *Buffer) Readable() int { return len(b.buf) - b.r }

// Reset empties the buffer and rewinds the read cursor.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.r = 0
}

// ---- writes ----

func (b *Buffer) WriteRaw(p []byte) *Buffer {
	b.buf = append(b.buf, p...)
	return b
}

func (b *Buffer) WriteByte(v byte) error {
	b.buf = append(b.buf, v)
	return nil
}

func (b *Buffer) WriteBool(v bool) *Buffer {
	if v {
		b.buf = append(b.buf, 1)
	} else {
		b.buf = append(b.buf, 0)
	}
	return b
}

func (b *Buffer) WriteInt32(v int32) *Buffer {
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(v))
	return b
}

func (b *Buffer) WriteInt64(v int64) *Buffer {
	b.buf = binary.BigEndian.AppendUint64(b.buf, uint64(v))
	return b
}

func (b *Buffer) WriteFloat64(v float64) *Buffer {
	b.buf = binary.BigEndian.AppendUint64(b.buf, math.Float64bits(v))
	return b
}

func (b *Buffer) WriteVarInt(v int32) *Buffer {
	b.buf = AppendVarInt(b.buf, v)
	return b
}

// WriteBytes writes a varint length prefix followed by p.
func (b *Buffer) WriteBytes(p []byte) *Buffer {
	b.buf = AppendVarInt(b.buf, int32(len(p)))
	b.buf = append(b.buf, p...)
	return b
}

// WriteString writes s as length-prefixed UTF-8.
func (b *Buffer) WriteString(s string) *Buffer {
	b.buf = AppendVarInt(b.buf, int32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// WriteUUID writes id as two big-endian longs (most significant first).
func (b *Buffer) WriteUUID(id uuid.UUID) *Buffer {
	b.buf = append(b.buf, id[:]...)
	return b
}

// ---- reads ----

func (b *Buffer) next(n int, what string) ([]byte, error) {
	if n < 0 || b.Readable() < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d left", ErrOverRead, what, n, b.Readable())
	}
	p := b.buf[b.r : b.r+n]
	b.r += n
	return p, nil
}

func (b *Buffer) ReadRaw(n int) ([]byte, error) {
	return b.next(n, "raw")
}

func (b *Buffer) ReadByte() (byte, error) {
	p, err := b.next(1, "byte")
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) ReadBool() (bool, error) {
	p, err := b.next(1, "bool")
	if err != nil {
		return false, err
	}
	return p[0] != 0, nil
}

func (b *Buffer) ReadInt32() (int32, error) {
	p, err := b.next(4, "int32")
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

func (b *Buffer) ReadInt64() (int64, error) {
	p, err := b.next(8, "int64")
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

func (b *Buffer) ReadFloat64() (float64, error) {
	p, err := b.next(8, "float64")
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
}

func (b *Buffer) ReadVarInt() (int32, error) {
	v, n, err := ParseVarInt(b.buf[b.r:])
	if err != nil {
		return 0, err
	}
	b.r += n
	return v, nil
}

// ReadBytes reads a varint length prefix and that many bytes. The returned
// slice is a copy.
func (b *Buffer) ReadBytes() ([]byte, error) {
	n, err := b.readLength("bytes")
	if err != nil {
		return nil, err
	}
	p, err := b.next(n, "bytes")
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

func (b *Buffer) ReadString() (string, error) {
	n, err := b.readLength("string")
	if err != nil {
		return "", err
	}
	p, err := b.next(n, "string")
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", ErrInvalidUTF8
	}
	return string(p), nil
}

func (b *Buffer) ReadUUID() (uuid.UUID, error) {
	var id uuid.UUID
	p, err := b.next(16, "uuid")
	if err != nil {
		return id, err
	}
	copy(id[:], p)
	return id, nil
}

func (b *Buffer) readLength(what string) (int, error) {
	n, err := b.ReadVarInt()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s length %d", ErrNegativeLength, what, n)
	}
	return int(n), nil
}
