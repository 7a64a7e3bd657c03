package codec

import (
	"fmt"
	"reflect"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// valueOf converts a decoded value into a reflect.Value assignable to t.
func valueOf(x any, t reflect.Type) (reflect.Value, error) {
	if x == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(x)
	if !v.Type().AssignableTo(t) {
		return reflect.Value{}, fmt.Errorf("%w: got %s, want %s", ErrTypeMismatch, v.Type(), t)
	}
	return v, nil
}

// readCount reads a varint element count. The count is only a hint for
// preallocation; a lying peer runs into ErrOverRead instead of an allocation.
func readCount(b *buffer.Buffer) (int, int, error) {
	n, err := b.ReadVarInt()
	if err != nil {
		return 0, 0, err
	}
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: element count %d", buffer.ErrNegativeLength, n)
	}
	return int(n), min(int(n), b.Readable()), nil
}

type listCodec struct{ elem TypeCodec }

func (c listCodec) GoType() reflect.Type { return reflect.SliceOf(c.elem.GoType()) }

func (c listCodec) Write(m *Mapper, b *buffer.Buffer, v any) error {
	if v == nil {
		b.WriteVarInt(0)
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("%w: got %T, want a list", ErrTypeMismatch, v)
	}
	b.WriteVarInt(int32(rv.Len()))
	for i := 0; i < rv.Len(); i++ {
		if err := c.elem.Write(m, b, rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

func (c listCodec) Read(m *Mapper, b *buffer.Buffer) (any, error) {
	n, hint, err := readCount(b)
	if err != nil {
		return nil, err
	}
	t := c.elem.GoType()
	out := reflect.MakeSlice(reflect.SliceOf(t), 0, hint)
	for i := 0; i < n; i++ {
		x, err := c.elem.Read(m, b)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		v, err := valueOf(x, t)
		if err != nil {
			return nil, err
		}
		out = reflect.Append(out, v)
	}
	return out.Interface(), nil
}

// optionalCodec values are either nil or a value of the element type. A
// pointer to the element type is accepted on write.
type optionalCodec struct{ elem TypeCodec }

func (c optionalCodec) GoType() reflect.Type { return anyType }

func (c optionalCodec) Write(m *Mapper, b *buffer.Buffer, v any) error {
	if v != nil {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && c.elem.GoType().Kind() != reflect.Pointer {
			if rv.IsNil() {
				v = nil
			} else {
				v = rv.Elem().Interface()
			}
		}
	}
	if v == nil {
		b.WriteBool(false)
		return nil
	}
	b.WriteBool(true)
	return c.elem.Write(m, b, v)
}

func (c optionalCodec) Read(m *Mapper, b *buffer.Buffer) (any, error) {
	present, err := b.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	return c.elem.Read(m, b)
}

type mapCodec struct{ key, value TypeCodec }

func (c mapCodec) GoType() reflect.Type { return reflect.MapOf(c.key.GoType(), c.value.GoType()) }

func (c mapCodec) Write(m *Mapper, b *buffer.Buffer, v any) error {
	if v == nil {
		b.WriteVarInt(0)
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return fmt.Errorf("%w: got %T, want a map", ErrTypeMismatch, v)
	}
	b.WriteVarInt(int32(rv.Len()))
	iter := rv.MapRange()
	for iter.Next() {
		if err := c.key.Write(m, b, iter.Key().Interface()); err != nil {
			return fmt.Errorf("map key: %w", err)
		}
		if err := c.value.Write(m, b, iter.Value().Interface()); err != nil {
			return fmt.Errorf("map value: %w", err)
		}
	}
	return nil
}

func (c mapCodec) Read(m *Mapper, b *buffer.Buffer) (any, error) {
	n, hint, err := readCount(b)
	if err != nil {
		return nil, err
	}
	kt, vt := c.key.GoType(), c.value.GoType()
	out := reflect.MakeMapWithSize(reflect.MapOf(kt, vt), hint)
	for i := 0; i < n; i++ {
		kx, err := c.key.Read(m, b)
		if err != nil {
			return nil, fmt.Errorf("map key: %w", err)
		}
		vx, err := c.value.Read(m, b)
		if err != nil {
			return nil, fmt.Errorf("map value: %w", err)
		}
		k, err := valueOf(kx, kt)
		if err != nil {
			return nil, err
		}
		val, err := valueOf(vx, vt)
		if err != nil {
			return nil, err
		}
		out.SetMapIndex(k, val)
	}
	return out.Interface(), nil
}
