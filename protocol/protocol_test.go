package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
)

func samePacket(t *testing.T, got, want *Packet) {
	t.Helper()
	if got.Channel != want.Channel {
		t.Errorf("Channel mismatch: got %d, want %d", got.Channel, want.Channel)
	}
	if got.ID != want.ID || got.HasID() != want.HasID() {
		t.Errorf("ID mismatch: got %v (%v), want %v (%v)", got.ID, got.HasID(), want.ID, want.HasID())
	}
	if !bytes.Equal(got.Body, want.Body) {
		t.Errorf("Body mismatch: got %q, want %q", got.Body, want.Body)
	}
}

func TestEncodeDecode(t *testing.T) {
	cases := []*Packet{
		{Channel: ChannelRPC, ID: uuid.New(), Body: []byte("hello world")},
		{Channel: ChannelRPC, Body: []byte("no id")},
		{Channel: ChannelQueryResponse, ID: uuid.New()},
		{Channel: 0},
		{Channel: 300, Body: bytes.Repeat([]byte{0xab}, 200)},
	}
	for _, p := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, p); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		decoded, err := ReadPacket(&buf)
		if err != nil {
			t.Fatalf("ReadPacket failed: %v", err)
		}
		samePacket(t, decoded, p)
		if buf.Len() != 0 {
			t.Errorf("ReadPacket left %d bytes behind", buf.Len())
		}
	}
}

func TestFrameLayout(t *testing.T) {
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	frame := Marshal(&Packet{Channel: 3, ID: id, Body: []byte{9, 8}})
	want := append([]byte{2, 3, 1}, id[:]...)
	want = append(want, 9, 8)
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame layout mismatch:\n got %x\nwant %x", frame, want)
	}

	frame = Marshal(&Packet{Channel: 200})
	if !bytes.Equal(frame, []byte{0, 0xc8, 0x01, 0}) {
		t.Fatalf("frame without id mismatch: %x", frame)
	}
}

func TestDecoderPartialFrames(t *testing.T) {
	packets := []*Packet{
		{Channel: ChannelRPC, ID: uuid.New(), Body: []byte("first")},
		{Channel: ChannelChunkTransfer, Body: bytes.Repeat([]byte("x"), 1000)},
		{Channel: 42},
	}
	var stream []byte
	for _, p := range packets {
		stream = append(stream, Marshal(p)...)
	}

	// feed one byte at a time, nothing may be emitted before a frame is whole
	d := NewDecoder()
	var got []*Packet
	for i := range stream {
		d.Feed(stream[i : i+1])
		for {
			p, err := d.Next()
			if err != nil {
				t.Fatalf("Next failed at byte %d: %v", i, err)
			}
			if p == nil {
				break
			}
			got = append(got, p)
		}
	}
	if len(got) != len(packets) {
		t.Fatalf("expect %d packets, got %d", len(packets), len(got))
	}
	for i := range packets {
		samePacket(t, got[i], packets[i])
	}
	if d.Buffered() != 0 {
		t.Fatalf("expect empty decoder, %d bytes buffered", d.Buffered())
	}
}

func TestDecoderManyFramesOneFeed(t *testing.T) {
	d := NewDecoder()
	for i := 0; i < 10; i++ {
		d.Feed(Marshal(&Packet{Channel: int32(20 + i), Body: []byte{byte(i)}}))
	}
	for i := 0; i < 10; i++ {
		p, err := d.Next()
		if err != nil || p == nil {
			t.Fatalf("packet %d: %v %v", i, p, err)
		}
		if p.Channel != int32(20+i) || p.Body[0] != byte(i) {
			t.Fatalf("packet %d out of order: channel %d body %v", i, p.Channel, p.Body)
		}
	}
	if p, err := d.Next(); p != nil || err != nil {
		t.Fatalf("expect (nil, nil) on drained decoder, got %v %v", p, err)
	}
}

func TestDecoderCorruptFrame(t *testing.T) {
	cases := map[string][]byte{
		"overlong length": {0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
		"huge length":     {0xff, 0xff, 0xff, 0x7f, 0x03},
		"bad id flag":     {0x00, 0x03, 0x07},
		"negative chan":   {0x00, 0xff, 0xff, 0xff, 0xff, 0x0f, 0x00},
	}
	for name, raw := range cases {
		d := NewDecoder()
		d.Feed(raw)
		_, err := d.Next()
		if !errors.Is(err, ErrCorruptFrame) {
			t.Errorf("%s: expect ErrCorruptFrame, got %v", name, err)
			continue
		}
		// the stream stays poisoned
		d.Feed(Marshal(&Packet{Channel: 1}))
		if _, err := d.Next(); !errors.Is(err, ErrCorruptFrame) {
			t.Errorf("%s: decoder recovered after corruption: %v", name, err)
		}
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	d := NewDecoder()
	d.Feed(Marshal(&Packet{Channel: ChannelHeartbeat}))
	p, err := d.Next()
	if err != nil || p == nil {
		t.Fatalf("Next failed: %v %v", p, err)
	}
	if !p.IsEmpty() || p.HasID() {
		t.Fatalf("expect empty packet without id, got %+v", p)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &Packet{Channel: ChannelRPC, ID: uuid.New(), Body: largeBody}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	p, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if !bytes.Equal(p.Body, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestReadPacketTruncated(t *testing.T) {
	frame := Marshal(&Packet{Channel: ChannelRPC, Body: []byte("truncated")})
	_, err := ReadPacket(bytes.NewReader(frame[:len(frame)-2]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expect io.ErrUnexpectedEOF, got %v", err)
	}
}

type countingWriter struct{ writes int }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return len(p), nil
}

func TestEncodeSingleWrite(t *testing.T) {
	w := &countingWriter{}
	if err := Encode(w, &Packet{Channel: ChannelRPC, ID: uuid.New(), Body: []byte("one write")}); err != nil {
		t.Fatal(err)
	}
	if w.writes != 1 {
		t.Fatalf("expect 1 write, got %d", w.writes)
	}
}

func TestEncodeOversizedWritesNothing(t *testing.T) {
	w := &countingWriter{}
	err := Encode(w, &Packet{Channel: ChannelRPC, Body: make([]byte, MaxFrameSize+1)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge, got %v", err)
	}
	if w.writes != 0 {
		t.Fatalf("expect no write, got %d", w.writes)
	}
}
