package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
)

// Decoder turns a byte stream that may arrive in arbitrary pieces into
// packets. It never consumes a frame before all of its declared bytes are
// buffered. Once a frame is found corrupt the frame boundary can no longer be
// trusted, so the decoder keeps returning that error.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly received bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of received bytes not yet turned into packets.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete packet, or (nil, nil) when more bytes are
// needed.
func (d *Decoder) Next() (*Packet, error) {
	if d.err != nil {
		return nil, d.err
	}
	h, ok, err := parseHeader(d.buf)
	if err != nil {
		d.err = fmt.Errorf("%w: %v", ErrCorruptFrame, err)
		return nil, d.err
	}
	if !ok || len(d.buf) < h.size() {
		return nil, nil
	}

	body := make([]byte, h.bodyLen)
	copy(body, d.buf[h.headerLen:h.size()])
	d.buf = d.buf[h.size():]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return &Packet{Channel: h.channel, ID: h.id, Body: body}, nil
}

// missing returns how many more bytes the current frame needs, or 1 while
// its header is still incomplete.
func (d *Decoder) missing() int {
	h, ok, err := parseHeader(d.buf)
	if err != nil || !ok {
		return 1
	}
	if n := h.size() - len(d.buf); n > 0 {
		return n
	}
	return 1
}

type frameHeader struct {
	bodyLen   int
	headerLen int
	channel   int32
	id        uuid.UUID
}

func (h frameHeader) size() int { return h.headerLen + h.bodyLen }

// parseHeader reports ok=false when p does not yet hold a whole header.
func parseHeader(p []byte) (frameHeader, bool, error) {
	var h frameHeader

	length, n, err := buffer.ParseVarInt(p)
	if err != nil {
		if errors.Is(err, buffer.ErrOverRead) {
			return h, false, nil
		}
		return h, false, fmt.Errorf("length prefix: %w", err)
	}
	if length < 0 || length > MaxFrameSize {
		return h, false, fmt.Errorf("declared length %d out of range", length)
	}
	off := n

	channel, n, err := buffer.ParseVarInt(p[off:])
	if err != nil {
		if errors.Is(err, buffer.ErrOverRead) {
			return h, false, nil
		}
		return h, false, fmt.Errorf("channel: %w", err)
	}
	if channel < 0 {
		return h, false, fmt.Errorf("negative channel %d", channel)
	}
	off += n

	if len(p) <= off {
		return h, false, nil
	}
	switch p[off] {
	case 0:
		off++
	case 1:
		off++
		if len(p) < off+16 {
			return h, false, nil
		}
		copy(h.id[:], p[off:off+16])
		off += 16
	default:
		return h, false, fmt.Errorf("invalid id flag %d", p[off])
	}

	h.bodyLen = int(length)
	h.headerLen = off
	h.channel = channel
	return h, true, nil
}
