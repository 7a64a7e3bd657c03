package message

import (
	"github.com/CloudNetService/CloudNet-sub027/buffer"
	"github.com/CloudNetService/CloudNet-sub027/codec"
)

// Call is one step about to be executed on the receiving side.
type Call struct {
	Class  string
	Method string
	Sig    codec.Signature
	Args   []any
	// Target is the object the method is applied to: the handler's instance
	// for the first step, the previous result inside a chain.
	Target any
}

// Result is the outcome of a call. A void method, a missing handler and a
// failed handler all produce the empty result.
type Result struct {
	Value   any
	Present bool
}

func Empty() Result { return Result{} }

func Value(v any) Result { return Result{Value: v, Present: true} }

// EncodeResult returns the response body for r: the encoded value, or nothing
// when the result is empty or the method is void.
func EncodeResult(m *codec.Mapper, sig codec.Signature, r Result) ([]byte, error) {
	if !r.Present || sig.IsVoid() {
		return nil, nil
	}
	b := buffer.New(32)
	if err := m.Write(b, sig.Return, r.Value); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeResult is the inverse of EncodeResult. An empty body is the empty
// result, so a value that encodes to zero bytes reads back as absent.
func DecodeResult(m *codec.Mapper, sig codec.Signature, body []byte) (Result, error) {
	if len(body) == 0 || sig.IsVoid() {
		return Empty(), nil
	}
	v, err := m.Read(buffer.Wrap(body), sig.Return)
	if err != nil {
		return Empty(), err
	}
	return Value(v), nil
}
