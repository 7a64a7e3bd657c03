package protocol

import (
	"github.com/google/uuid"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
)

// Reserved channels. Application protocols use channels >= ReservedChannels.
const (
	ChannelHeartbeat     int32 = 0 // keep-alive probe, empty body, ignored on receipt
	ChannelQueryResponse int32 = 1 // responses to queries, always carry the query's id
	ChannelAuthorization int32 = 2 // connection handshake, owned by the authorization layer
	ChannelRPC           int32 = 3 // rpc invocations
	ChannelChunkTransfer int32 = 4 // chunk payloads
	ChannelChunkSession  int32 = 5 // chunk session open/abort signals

	ReservedChannels int32 = 16
)

// Packet is the unit of transport: a channel, an optional correlation id
// (uuid.Nil means none) and a body. A packet must not be modified after it
// was handed to the codec.
type Packet struct {
	Channel int32
	ID      uuid.UUID
	Body    []byte
}

// NewPacket creates a packet without correlation id.
func NewPacket(channel int32, body []byte) *Packet {
	return &Packet{Channel: channel, Body: body}
}

// EmptyPacket is the sentinel a query resolves to when it times out or its
// connection goes away.
func EmptyPacket() *Packet {
	return &Packet{Channel: ChannelQueryResponse}
}

// HasID reports whether the packet carries a correlation id.
func (p *Packet) HasID() bool { return p.ID != uuid.Nil }

// IsEmpty reports whether the body is empty. Timed out queries and absent rpc
// results both look like this.
func (p *Packet) IsEmpty() bool { return len(p.Body) == 0 }

// Content returns a read cursor over the body.
func (p *Packet) Content() *buffer.Buffer { return buffer.Wrap(p.Body) }

// Response builds the answer to this packet: same correlation id, response
// channel.
func (p *Packet) Response(body []byte) *Packet {
	return &Packet{Channel: ChannelQueryResponse, ID: p.ID, Body: body}
}
