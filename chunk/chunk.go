// Package chunk implements the chunked transfer protocol: a byte stream too
// large for one packet is cut into an ordered sequence of chunks and
// reassembled into a sink on every receiving node.
//
//	sender                                   receiver
//	  │── session open (query) ──────────────→ │ pick handler by transfer channel
//	  │←─────────────────── accepted / rejected │
//	  │── chunk seq=0 ─────────────────────────→ │ append to sink
//	  │── chunk seq=1 ─────────────────────────→ │ append to sink
//	  │── chunk seq=n final (query) ───────────→ │ close sink, report status
//	  │←──────────────────────── Success/Failure │
//
// Sequence numbers start at 0 and must increase by exactly one; anything
// else aborts the session and discards the partial output.
package chunk

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
)

// DefaultChunkSize is used when a sender does not set one.
const DefaultChunkSize = 50 * 1024

var (
	ErrInvalidSession = errors.New("chunk: invalid session")
	ErrNoHandler      = errors.New("chunk: no handler for transfer channel")
	ErrOutOfOrder     = errors.New("chunk: out of order chunk")
	ErrAborted        = errors.New("chunk: session aborted by sender")
	ErrChannelClosed  = errors.New("chunk: channel closed")
	ErrSessionExists  = errors.New("chunk: session already open")
)

// Status is the outcome of a transfer. The zero value is Failure, so an
// unanswered query reads as a failed transfer.
type Status byte

const (
	Failure Status = 0
	Success Status = 1
)

func (s Status) String() string {
	if s == Success {
		return "success"
	}
	return "failure"
}

// statusOf reads the status byte of a response packet.
func statusOf(p *protocol.Packet) Status {
	if p == nil || len(p.Body) != 1 {
		return Failure
	}
	return Status(p.Body[0])
}

// SessionInfo identifies one transfer. It does not change after the session
// was opened.
type SessionInfo struct {
	ID              uuid.UUID
	TransferChannel string
	ChunkSize       int32
	ExtraData       []byte
}

func (i SessionInfo) validate() error {
	if i.ID == uuid.Nil {
		return fmt.Errorf("%w: missing session id", ErrInvalidSession)
	}
	if i.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d", ErrInvalidSession, i.ChunkSize)
	}
	return nil
}

// Extra returns a read cursor over the extra data.
func (i SessionInfo) Extra() *buffer.Buffer { return buffer.Wrap(i.ExtraData) }

// Chunk is one piece of a transfer.
type Chunk struct {
	Session uuid.UUID
	Seq     int32
	Final   bool
	Payload []byte
}

// Marshal encodes c as sessionId:16 seq:varint isFinal:u8 len:varint payload.
func (c Chunk) Marshal() []byte {
	b := buffer.New(16 + 5 + 1 + 5 + len(c.Payload))
	b.WriteUUID(c.Session).WriteVarInt(c.Seq).WriteBool(c.Final).WriteBytes(c.Payload)
	return b.Bytes()
}

func UnmarshalChunk(body []byte) (Chunk, error) {
	b := buffer.Wrap(body)
	var c Chunk
	var err error
	if c.Session, err = b.ReadUUID(); err != nil {
		return c, fmt.Errorf("chunk: session id: %w", err)
	}
	if c.Seq, err = b.ReadVarInt(); err != nil {
		return c, fmt.Errorf("chunk: sequence: %w", err)
	}
	if c.Final, err = b.ReadBool(); err != nil {
		return c, fmt.Errorf("chunk: final flag: %w", err)
	}
	if c.Payload, err = b.ReadBytes(); err != nil {
		return c, fmt.Errorf("chunk: payload: %w", err)
	}
	return c, nil
}

const (
	opOpen  byte = 1
	opAbort byte = 2
)

// control is a packet on the session channel: op:u8 sessionId:16 and, for
// op open, transferChannel:str chunkSize:varint extra:bytes.
type control struct {
	op   byte
	info SessionInfo
}

func (c control) marshal() []byte {
	b := buffer.New(32 + len(c.info.TransferChannel) + len(c.info.ExtraData))
	b.WriteByte(c.op)
	b.WriteUUID(c.info.ID)
	if c.op == opOpen {
		b.WriteString(c.info.TransferChannel).WriteVarInt(c.info.ChunkSize).WriteBytes(c.info.ExtraData)
	}
	return b.Bytes()
}

func unmarshalControl(body []byte) (control, error) {
	b := buffer.Wrap(body)
	var c control
	var err error
	if c.op, err = b.ReadByte(); err != nil {
		return c, fmt.Errorf("chunk: control op: %w", err)
	}
	if c.info.ID, err = b.ReadUUID(); err != nil {
		return c, fmt.Errorf("chunk: control session id: %w", err)
	}
	switch c.op {
	case opAbort:
		return c, nil
	case opOpen:
	default:
		return c, fmt.Errorf("chunk: unknown control op %d", c.op)
	}
	if c.info.TransferChannel, err = b.ReadString(); err != nil {
		return c, fmt.Errorf("chunk: transfer channel: %w", err)
	}
	if c.info.ChunkSize, err = b.ReadVarInt(); err != nil {
		return c, fmt.Errorf("chunk: chunk size: %w", err)
	}
	if c.info.ExtraData, err = b.ReadBytes(); err != nil {
		return c, fmt.Errorf("chunk: extra data: %w", err)
	}
	return c, c.info.validate()
}
