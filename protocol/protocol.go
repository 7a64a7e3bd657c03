// Package protocol implements the packet frame protocol spoken between nodes
// and workers.
//
// Every frame is prefixed with the varint length of its body, so the receiver
// knows whether a frame is complete before touching it. Small channels and
// lengths cost a single byte each.
//
// Frame format:
//
//	┌──────────────┬──────────────┬───────┬────────────┬───────────────┐
//	│ varint(len)  │ varint(chan) │ hasId │ id (16B)?  │  body ...     │
//	│ 1-5 bytes    │ 1-5 bytes    │ u8    │ if hasId=1 │  len bytes    │
//	└──────────────┴──────────────┴───────┴────────────┴───────────────┘
package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
)

// MaxFrameSize bounds the declared body length of a single frame. Anything
// larger is treated as a corrupt length prefix; large payloads go through the
// chunk protocol instead.
const MaxFrameSize = 16 << 20

var (
	ErrCorruptFrame  = errors.New("protocol: corrupt frame")
	ErrFrameTooLarge = errors.New("protocol: body exceeds frame limit")
)

// Marshal returns the complete frame for p.
func Marshal(p *Packet) []byte {
	size := buffer.VarIntSize(int32(len(p.Body))) + buffer.VarIntSize(p.Channel) + 1 + len(p.Body)
	if p.HasID() {
		size += 16
	}
	frame := make([]byte, 0, size)
	frame = buffer.AppendVarInt(frame, int32(len(p.Body)))
	frame = buffer.AppendVarInt(frame, p.Channel)
	if p.HasID() {
		frame = append(frame, 1)
		frame = append(frame, p.ID[:]...)
	} else {
		frame = append(frame, 0)
	}
	return append(frame, p.Body...)
}

// Encode writes a complete frame for p to w in a single Write call, so a peer
// never observes half a frame written by us. The caller must hold a write lock
// if several goroutines share w.
func Encode(w io.Writer, p *Packet) error {
	if err := CheckSize(p); err != nil {
		return err
	}
	_, err := w.Write(Marshal(p))
	return err
}

// CheckSize reports ErrFrameTooLarge if p cannot be framed. Nothing has been
// written when it fails, so the stream is still intact.
func CheckSize(p *Packet) error {
	if len(p.Body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(p.Body), MaxFrameSize)
	}
	return nil
}

// ReadPacket reads exactly one frame from r, blocking until it is complete.
func ReadPacket(r io.Reader) (*Packet, error) {
	d := NewDecoder()
	chunk := make([]byte, 4096)
	for {
		if p, err := d.Next(); err != nil || p != nil {
			return p, err
		}
		// never read past the current frame, the rest belongs to the caller
		want := d.missing()
		if want > len(chunk) {
			want = len(chunk)
		}
		n, err := r.Read(chunk[:want])
		d.Feed(chunk[:n])
		if err != nil {
			if err == io.EOF && d.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}
			if p, derr := d.Next(); derr == nil && p != nil {
				return p, nil
			}
			return nil, err
		}
	}
}
