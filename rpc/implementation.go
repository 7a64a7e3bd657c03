package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/CloudNetService/CloudNet-sub027/codec"
	"github.com/CloudNetService/CloudNet-sub027/future"
	"github.com/CloudNetService/CloudNet-sub027/message"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
)

// Sender is the channel an Implementation sends through; *transport.Channel
// is one.
type Sender interface {
	SendPacket(p *protocol.Packet) error
	SendQuery(p *protocol.Packet) (*future.Future[*protocol.Packet], error)
}

// ChannelSupplier picks the channel for each call, e.g. the connection to
// the node currently hosting a service.
type ChannelSupplier func() (Sender, error)

// Fixed returns a supplier that always yields s.
func Fixed(s Sender) ChannelSupplier {
	return func() (Sender, error) { return s, nil }
}

// generated is the validated method table of one capability for one mapper.
// It is built once and shared by every Implementation of that capability.
type generated struct {
	capability *Capability
	mapper     *codec.Mapper
}

type generatedKey struct {
	capability *Capability
	mapper     *codec.Mapper
}

var generatedCache sync.Map // generatedKey -> *generated

func generate(c *Capability, m *codec.Mapper) (*generated, error) {
	key := generatedKey{c, m}
	if g, ok := generatedCache.Load(key); ok {
		return g.(*generated), nil
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	for _, method := range c.Methods() {
		sig := method.Sig
		switch {
		case method.Excluded:
			continue
		case method.Next != nil:
			sig.Return = "" // remote objects are never encoded
		}
		if err := m.Check(sig); err != nil {
			return nil, fmt.Errorf("rpc: %s.%s: %w", c.Name(), method.Ref(), err)
		}
	}
	g, _ := generatedCache.LoadOrStore(key, &generated{capability: c, mapper: m})
	return g.(*generated), nil
}

// Implementation is the caller side proxy of a capability. Root
// implementations come from Generate; Chain returns intermediate links that
// carry the steps collected so far and send nothing until a terminal call.
type Implementation struct {
	gen      *generated
	supplier ChannelSupplier
	pending  []message.Step
	extra    []any
}

// Generate creates an implementation of c that encodes arguments with m and
// sends through supplier. Every declared signature must resolve in m.
func Generate(c *Capability, m *codec.Mapper, supplier ChannelSupplier) (*Implementation, error) {
	g, err := generate(c, m)
	if err != nil {
		return nil, err
	}
	return &Implementation{gen: g, supplier: supplier}, nil
}

func (i *Implementation) Capability() *Capability { return i.gen.capability }

// Extra returns the argument the previous link mapped to index n, or nil.
func (i *Implementation) Extra(n int) any {
	if n < 0 || n >= len(i.extra) {
		return nil
	}
	return i.extra[n]
}

// Extras returns a copy of all mapped arguments.
func (i *Implementation) Extras() []any { return append([]any(nil), i.extra...) }

// prepare resolves ref and encodes the invocation that ends with it.
func (i *Implementation) prepare(ref string, args []any) (*Method, []byte, error) {
	c := i.gen.capability
	m, err := c.Resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	if len(args) != len(m.Sig.Params) {
		return nil, nil, fmt.Errorf("%w: %s.%s takes %d, got %d", ErrArgumentCount, c.Name(), m.Ref(), len(m.Sig.Params), len(args))
	}
	steps := append(append([]message.Step(nil), i.pending...), message.Step{
		Class:  c.Name(),
		Method: m.Name,
		Sig:    m.Sig,
		Args:   args,
	})
	body, err := message.EncodeInvocation(i.gen.mapper, message.Invocation{Chained: len(steps) > 1, Steps: steps})
	if err != nil {
		return nil, nil, err
	}
	return m, body, nil
}

func (i *Implementation) channel() (Sender, error) {
	s, err := i.supplier()
	if err != nil {
		return nil, fmt.Errorf("rpc: no channel: %w", err)
	}
	return s, nil
}

// CallAsync sends the invocation as a query. The future completes with the
// decoded result, which is empty if the call timed out, found no handler or
// failed remotely.
func (i *Implementation) CallAsync(ref string, args ...any) (*future.Future[message.Result], error) {
	m, body, err := i.prepare(ref, args)
	if err != nil {
		return nil, err
	}
	if m.Next != nil {
		return nil, fmt.Errorf("%w: %s returns a remote object, use Chain", ErrNotChained, m.Ref())
	}
	ch, err := i.channel()
	if err != nil {
		return nil, err
	}
	resp, err := ch.SendQuery(protocol.NewPacket(protocol.ChannelRPC, body))
	if err != nil {
		return nil, err
	}

	out := future.New[message.Result]()
	mapper := i.gen.mapper
	resp.Then(func(p *protocol.Packet, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		r, err := message.DecodeResult(mapper, m.Sig, p.Body)
		if err != nil {
			out.Fail(err)
			return
		}
		out.Complete(r)
	})
	return out, nil
}

// Call is the blocking form of CallAsync.
func (i *Implementation) Call(ctx context.Context, ref string, args ...any) (message.Result, error) {
	f, err := i.CallAsync(ref, args...)
	if err != nil {
		return message.Empty(), err
	}
	return f.Get(ctx)
}

// Fire sends the invocation without waiting for, or asking for, a response.
func (i *Implementation) Fire(ref string, args ...any) error {
	_, body, err := i.prepare(ref, args)
	if err != nil {
		return err
	}
	ch, err := i.channel()
	if err != nil {
		return err
	}
	return ch.SendPacket(protocol.NewPacket(protocol.ChannelRPC, body))
}

// Chain records a call of a chained method and returns the implementation of
// the remote object it yields. Nothing is sent yet.
func (i *Implementation) Chain(ref string, args ...any) (*Implementation, error) {
	c := i.gen.capability
	m, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if m.Next == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotChained, c.Name(), m.Ref())
	}
	if len(args) != len(m.Sig.Params) {
		return nil, fmt.Errorf("%w: %s.%s takes %d, got %d", ErrArgumentCount, c.Name(), m.Ref(), len(m.Sig.Params), len(args))
	}
	// encode the step alone so type errors surface at the link that caused them
	if _, err := message.EncodeInvocation(i.gen.mapper, message.Invocation{Steps: []message.Step{{
		Class: c.Name(), Method: m.Name, Sig: m.Sig, Args: args,
	}}}); err != nil {
		return nil, err
	}

	next, err := generate(m.Next, i.gen.mapper)
	if err != nil {
		return nil, err
	}
	pending := append(append([]message.Step(nil), i.pending...), message.Step{
		Class: c.Name(), Method: m.Name, Sig: m.Sig, Args: args,
	})
	var extra []any
	for n := 0; n < len(m.Mapping); n += 2 {
		param, slot := m.Mapping[n], m.Mapping[n+1]
		for len(extra) <= slot {
			extra = append(extra, nil)
		}
		extra[slot] = args[param]
	}
	return &Implementation{gen: next, supplier: i.supplier, pending: pending, extra: extra}, nil
}

// As extracts a typed value from a result.
func As[T any](r message.Result) (T, bool) {
	if !r.Present {
		var zero T
		return zero, false
	}
	v, ok := r.Value.(T)
	return v, ok
}
