package codec

import (
	"fmt"
	"reflect"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
)

// Field describes one field of a struct codec: its descriptor and how to get
// and set it on a *T.
type Field[T any] struct {
	Name string
	Type string
	Get  func(v *T) any
	Set  func(v *T, x any) error
}

// FieldOf builds a Field from a pointer accessor. The decoded value must have
// the dynamic type F.
func FieldOf[T, F any](name, desc string, ptr func(v *T) *F) Field[T] {
	return Field[T]{
		Name: name,
		Type: desc,
		Get:  func(v *T) any { return *ptr(v) },
		Set: func(v *T, x any) error {
			if x == nil {
				var zero F
				*ptr(v) = zero
				return nil
			}
			f, ok := x.(F)
			if !ok {
				return fmt.Errorf("%w: field %s got %T", ErrTypeMismatch, name, x)
			}
			*ptr(v) = f
			return nil
		},
	}
}

// Struct builds a codec for T that writes the fields in order. Values may be
// passed as T or *T; Read returns T.
func Struct[T any](fields ...Field[T]) TypeCodec {
	return structCodec[T]{fields: fields}
}

type structCodec[T any] struct{ fields []Field[T] }

func (c structCodec[T]) GoType() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

func (c structCodec[T]) Write(m *Mapper, b *buffer.Buffer, v any) error {
	var t *T
	switch x := v.(type) {
	case T:
		t = &x
	case *T:
		if x == nil {
			return fmt.Errorf("%w: nil %s", ErrTypeMismatch, c.GoType())
		}
		t = x
	default:
		return fmt.Errorf("%w: got %T, want %s", ErrTypeMismatch, v, c.GoType())
	}
	for _, f := range c.fields {
		if err := m.Write(b, f.Type, f.Get(t)); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return nil
}

func (c structCodec[T]) Read(m *Mapper, b *buffer.Buffer) (any, error) {
	var t T
	for _, f := range c.fields {
		x, err := m.Read(b, f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		if err := f.Set(&t, x); err != nil {
			return nil, err
		}
	}
	return t, nil
}
