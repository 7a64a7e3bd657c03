// Package message defines the rpc invocation descriptor and its wire form.
//
// A plain invocation names one method; a chained invocation names several
// that are applied in order, each to the result of the previous one:
//
//	┌───────────┬──────────────────┬──────────────────────────────────────┐
//	│ isChained │ chainLen?        │ step+                                │
//	│ u8        │ varint if chained│ className:str methodRef:str arg...   │
//	└───────────┴──────────────────┴──────────────────────────────────────┘
//
// methodRef is "name(params)ret", so the receiver can decode (and skip) the
// arguments of a step even when it has no handler for it.
package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
	"github.com/CloudNetService/CloudNet-sub027/codec"
)

var (
	ErrMalformed     = errors.New("message: malformed invocation")
	ErrArgumentCount = errors.New("message: argument count does not match signature")
)

// Step is one method invocation inside an Invocation.
type Step struct {
	Class  string
	Method string
	Sig    codec.Signature
	Args   []any
}

// MethodRef is the wire name of the step's method.
func (s Step) MethodRef() string { return s.Method + s.Sig.String() }

// Invocation is what the rpc channel carries. A non chained invocation has
// exactly one step.
type Invocation struct {
	Chained bool
	Steps   []Step
}

// EncodeInvocation serializes inv, encoding every argument with m.
func EncodeInvocation(m *codec.Mapper, inv Invocation) ([]byte, error) {
	if len(inv.Steps) == 0 || (!inv.Chained && len(inv.Steps) > 1) {
		return nil, fmt.Errorf("%w: %d steps, chained=%v", ErrMalformed, len(inv.Steps), inv.Chained)
	}
	b := buffer.New(64)
	b.WriteBool(inv.Chained)
	if inv.Chained {
		b.WriteVarInt(int32(len(inv.Steps)))
	}
	for _, s := range inv.Steps {
		if err := encodeStep(m, b, s); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

func encodeStep(m *codec.Mapper, b *buffer.Buffer, s Step) error {
	if len(s.Args) != len(s.Sig.Params) {
		return fmt.Errorf("%w: %s.%s takes %d, got %d", ErrArgumentCount, s.Class, s.Method, len(s.Sig.Params), len(s.Args))
	}
	b.WriteString(s.Class)
	b.WriteString(s.MethodRef())
	for i, arg := range s.Args {
		if err := m.Write(b, s.Sig.Params[i], arg); err != nil {
			return fmt.Errorf("%s.%s argument %d: %w", s.Class, s.Method, i, err)
		}
	}
	return nil
}

// DecodeHeader reads the chain flag and the number of steps that follow.
func DecodeHeader(b *buffer.Buffer) (chained bool, steps int, err error) {
	chained, err = b.ReadBool()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !chained {
		return false, 1, nil
	}
	n, err := b.ReadVarInt()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n < 1 {
		return false, 0, fmt.Errorf("%w: chain length %d", ErrMalformed, n)
	}
	return true, int(n), nil
}

// DecodeStep reads one step including its arguments.
func DecodeStep(m *codec.Mapper, b *buffer.Buffer) (Step, error) {
	class, err := b.ReadString()
	if err != nil {
		return Step{}, fmt.Errorf("%w: class name: %v", ErrMalformed, err)
	}
	ref, err := b.ReadString()
	if err != nil {
		return Step{}, fmt.Errorf("%w: method ref: %v", ErrMalformed, err)
	}
	name, sig, err := ParseMethodRef(ref)
	if err != nil {
		return Step{}, err
	}
	s := Step{Class: class, Method: name, Sig: sig, Args: make([]any, len(sig.Params))}
	for i, p := range sig.Params {
		if s.Args[i], err = m.Read(b, p); err != nil {
			return Step{}, fmt.Errorf("%w: %s.%s argument %d: %v", ErrMalformed, class, name, i, err)
		}
	}
	return s, nil
}

// DecodeInvocation reads a whole invocation.
func DecodeInvocation(m *codec.Mapper, body []byte) (Invocation, error) {
	b := buffer.Wrap(body)
	chained, n, err := DecodeHeader(b)
	if err != nil {
		return Invocation{}, err
	}
	inv := Invocation{Chained: chained, Steps: make([]Step, 0, min(n, b.Readable()))}
	for i := 0; i < n; i++ {
		s, err := DecodeStep(m, b)
		if err != nil {
			return Invocation{}, err
		}
		inv.Steps = append(inv.Steps, s)
	}
	return inv, nil
}

// ParseMethodRef splits "name(params)ret".
func ParseMethodRef(ref string) (string, codec.Signature, error) {
	i := strings.IndexByte(ref, '(')
	if i <= 0 {
		return "", codec.Signature{}, fmt.Errorf("%w: method ref %q", ErrMalformed, ref)
	}
	sig, err := codec.ParseSignature(ref[i:])
	if err != nil {
		return "", codec.Signature{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ref[:i], sig, nil
}
