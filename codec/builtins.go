package codec

import (
	"time"

	"github.com/google/uuid"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
)

func registerBuiltins(m *Mapper) {
	m.codecs["bool"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v bool) error { b.WriteBool(v); return nil },
		func(_ *Mapper, b *buffer.Buffer) (bool, error) { return b.ReadBool() },
	)
	m.codecs["byte"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v byte) error { return b.WriteByte(v) },
		func(_ *Mapper, b *buffer.Buffer) (byte, error) { return b.ReadByte() },
	)
	m.codecs["int32"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v int32) error { b.WriteInt32(v); return nil },
		func(_ *Mapper, b *buffer.Buffer) (int32, error) { return b.ReadInt32() },
	)
	m.codecs["int64"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v int64) error { b.WriteInt64(v); return nil },
		func(_ *Mapper, b *buffer.Buffer) (int64, error) { return b.ReadInt64() },
	)
	// int travels as a long so both 32 and 64 bit peers agree on the layout
	m.codecs["int"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v int) error { b.WriteInt64(int64(v)); return nil },
		func(_ *Mapper, b *buffer.Buffer) (int, error) {
			v, err := b.ReadInt64()
			return int(v), err
		},
	)
	m.codecs["float64"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v float64) error { b.WriteFloat64(v); return nil },
		func(_ *Mapper, b *buffer.Buffer) (float64, error) { return b.ReadFloat64() },
	)
	m.codecs["string"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v string) error { b.WriteString(v); return nil },
		func(_ *Mapper, b *buffer.Buffer) (string, error) { return b.ReadString() },
	)
	m.codecs["bytes"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v []byte) error { b.WriteBytes(v); return nil },
		func(_ *Mapper, b *buffer.Buffer) ([]byte, error) { return b.ReadBytes() },
	)
	m.codecs["uuid"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v uuid.UUID) error { b.WriteUUID(v); return nil },
		func(_ *Mapper, b *buffer.Buffer) (uuid.UUID, error) { return b.ReadUUID() },
	)
	m.codecs["duration"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v time.Duration) error { b.WriteInt64(int64(v)); return nil },
		func(_ *Mapper, b *buffer.Buffer) (time.Duration, error) {
			v, err := b.ReadInt64()
			return time.Duration(v), err
		},
	)
	// time is sent as unix nanoseconds, the location is not preserved
	m.codecs["time"] = Of(
		func(_ *Mapper, b *buffer.Buffer, v time.Time) error { b.WriteInt64(v.UnixNano()); return nil },
		func(_ *Mapper, b *buffer.Buffer) (time.Time, error) {
			v, err := b.ReadInt64()
			if err != nil {
				return time.Time{}, err
			}
			return time.Unix(0, v), nil
		},
	)
}
