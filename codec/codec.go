// Package codec implements the object mapper: a registry from type
// descriptors to codecs that read and write values on a buffer.
//
// Descriptors are plain type names ("int32", "string", "uuid", or any name a
// module registers) combined with three composite forms that are resolved
// recursively:
//
//	[]T        varint count, then each element as T
//	?T         presence byte, then T if present
//	map[K]V    varint count, then key/value pairs
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
)

var (
	ErrUnknownType     = errors.New("codec: unknown type")
	ErrTypeMismatch    = errors.New("codec: value does not match type")
	ErrInvalidTypeName = errors.New("codec: invalid type name")
)

// TypeCodec writes and reads values of one type. The mapper is passed in so
// codecs of composite types can encode their fields recursively.
type TypeCodec interface {
	Write(m *Mapper, b *buffer.Buffer, v any) error
	Read(m *Mapper, b *buffer.Buffer) (any, error)
	// GoType is the dynamic type of values returned by Read.
	GoType() reflect.Type
}

// Mapper is safe for concurrent use; modules register their codecs while
// connections are already decoding.
type Mapper struct {
	mu     sync.RWMutex
	codecs map[string]TypeCodec
}

// NewMapper returns a mapper with the built-in types registered.
func NewMapper() *Mapper {
	m := &Mapper{codecs: make(map[string]TypeCodec)}
	registerBuiltins(m)
	return m
}

// Register installs c under name, replacing an existing codec.
func (m *Mapper) Register(name string, c TypeCodec) error {
	if name == "" || strings.ContainsAny(name, "[]?(),") {
		return fmt.Errorf("%w: %q", ErrInvalidTypeName, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codecs[name] = c
	return nil
}

func (m *Mapper) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codecs, name)
}

// Known reports whether desc resolves to a codec.
func (m *Mapper) Known(desc string) bool {
	_, err := m.Codec(desc)
	return err == nil
}

// Write encodes v as desc.
func (m *Mapper) Write(b *buffer.Buffer, desc string, v any) error {
	c, err := m.Codec(desc)
	if err != nil {
		return err
	}
	return c.Write(m, b, v)
}

// Read decodes a value of desc.
func (m *Mapper) Read(b *buffer.Buffer, desc string) (any, error) {
	c, err := m.Codec(desc)
	if err != nil {
		return nil, err
	}
	v, err := c.Read(m, b)
	if err != nil {
		return nil, fmt.Errorf("codec: read %s: %w", desc, err)
	}
	return v, nil
}

// Codec resolves desc, building composite codecs on the fly.
func (m *Mapper) Codec(desc string) (TypeCodec, error) {
	switch {
	case strings.HasPrefix(desc, "[]"):
		elem, err := m.Codec(desc[2:])
		if err != nil {
			return nil, err
		}
		return listCodec{elem: elem}, nil
	case strings.HasPrefix(desc, "?"):
		elem, err := m.Codec(desc[1:])
		if err != nil {
			return nil, err
		}
		return optionalCodec{elem: elem}, nil
	case strings.HasPrefix(desc, "map["):
		key, value, err := splitMap(desc)
		if err != nil {
			return nil, err
		}
		kc, err := m.Codec(key)
		if err != nil {
			return nil, err
		}
		vc, err := m.Codec(value)
		if err != nil {
			return nil, err
		}
		if !kc.GoType().Comparable() {
			return nil, fmt.Errorf("%w: map key %s is not comparable", ErrUnknownType, key)
		}
		return mapCodec{key: kc, value: vc}, nil
	}

	m.mu.RLock()
	c, ok := m.codecs[desc]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, desc)
	}
	return c, nil
}

// splitMap splits "map[K]V" into K and V, honouring nested brackets in K.
func splitMap(desc string) (string, string, error) {
	depth := 0
	for i := len("map["); i < len(desc); i++ {
		switch desc[i] {
		case '[':
			depth++
		case ']':
			if depth == 0 {
				key, value := desc[len("map["):i], desc[i+1:]
				if key == "" || value == "" {
					break
				}
				return key, value, nil
			}
			depth--
		}
	}
	return "", "", fmt.Errorf("%w: malformed map descriptor %q", ErrUnknownType, desc)
}

// Of builds a codec for values of type T from a pair of functions.
func Of[T any](write func(m *Mapper, b *buffer.Buffer, v T) error, read func(m *Mapper, b *buffer.Buffer) (T, error)) TypeCodec {
	return funcCodec[T]{write: write, read: read}
}

type funcCodec[T any] struct {
	write func(m *Mapper, b *buffer.Buffer, v T) error
	read  func(m *Mapper, b *buffer.Buffer) (T, error)
}

func (c funcCodec[T]) Write(m *Mapper, b *buffer.Buffer, v any) error {
	t, ok := v.(T)
	if !ok {
		return fmt.Errorf("%w: got %T, want %s", ErrTypeMismatch, v, c.GoType())
	}
	return c.write(m, b, t)
}

func (c funcCodec[T]) Read(m *Mapper, b *buffer.Buffer) (any, error) {
	return c.read(m, b)
}

func (c funcCodec[T]) GoType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
