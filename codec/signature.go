package codec

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSignature = errors.New("codec: invalid signature")

// Signature lists the parameter descriptors and the return descriptor of a
// method. An empty Return means the method returns nothing.
type Signature struct {
	Params []string
	Return string
}

func NewSignature(ret string, params ...string) Signature {
	return Signature{Params: params, Return: ret}
}

// String renders the signature as "(p1,p2)ret", the form used on the wire.
func (s Signature) String() string {
	return "(" + strings.Join(s.Params, ",") + ")" + s.Return
}

func (s Signature) IsVoid() bool { return s.Return == "" }

func (s Signature) Equal(o Signature) bool {
	if s.Return != o.Return || len(s.Params) != len(o.Params) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != o.Params[i] {
			return false
		}
	}
	return true
}

// ParseSignature is the inverse of Signature.String.
func ParseSignature(s string) (Signature, error) {
	if !strings.HasPrefix(s, "(") {
		return Signature{}, fmt.Errorf("%w: %q", ErrInvalidSignature, s)
	}
	end := strings.IndexByte(s, ')')
	if end < 0 {
		return Signature{}, fmt.Errorf("%w: %q", ErrInvalidSignature, s)
	}
	sig := Signature{Return: s[end+1:]}
	if params := s[1:end]; params != "" {
		sig.Params = strings.Split(params, ",")
		for _, p := range sig.Params {
			if p == "" {
				return Signature{}, fmt.Errorf("%w: empty parameter in %q", ErrInvalidSignature, s)
			}
		}
	}
	if strings.ContainsAny(sig.Return, "(),") {
		return Signature{}, fmt.Errorf("%w: %q", ErrInvalidSignature, s)
	}
	return sig, nil
}

// Check verifies that every descriptor of sig resolves.
func (m *Mapper) Check(sig Signature) error {
	for i, p := range sig.Params {
		if _, err := m.Codec(p); err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
	}
	if !sig.IsVoid() {
		if _, err := m.Codec(sig.Return); err != nil {
			return fmt.Errorf("return: %w", err)
		}
	}
	return nil
}
