// Package rpc invokes methods on objects living on another node.
//
// Both sides share a Capability: the named table of methods a remote object
// offers, each identified by name and full signature so overloads can
// coexist. The receiving node binds an Invoker to each method it serves
// (Handler) and registers the handler under the capability name (Registry);
// the Dispatcher executes incoming invocations against that registry. The
// calling node generates an Implementation from the capability, which
// encodes invocations and sends them over a channel:
//
//	caller                                       callee
//	Implementation.Call("group", "Lobby")
//	  └─ Chain → Implementation(Group).Call("task")
//	        └─ one packet: [Provider.group, Group.task] ─→ Dispatcher
//	                                                         ├─ Provider.group(target=instance)
//	                                                         └─ Group.task(target=previous result)
//	       ←─────────────── response: encoded result of the last step
//
// Methods can be excluded: they stay part of the capability but any attempt
// to call or bind them fails locally, before a byte is sent.
package rpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/CloudNetService/CloudNet-sub027/codec"
	"github.com/CloudNetService/CloudNet-sub027/message"
)

var (
	ErrUnknownMethod   = errors.New("rpc: unknown method")
	ErrMethodExcluded  = errors.New("rpc: method excluded from remote calls")
	ErrAmbiguousMethod = errors.New("rpc: ambiguous method name")
	ErrArgumentCount   = message.ErrArgumentCount
	ErrNotChained      = errors.New("rpc: method does not return a remote object")
	ErrInvalidMapping  = errors.New("rpc: invalid chain argument mapping")
)

// Method is one entry of a capability.
type Method struct {
	Name     string
	Sig      codec.Signature
	Excluded bool

	// Next is set for chained methods: calling them yields a remote object of
	// that capability instead of a value.
	Next *Capability
	// Mapping pairs method parameter indexes with indexes of the extra
	// arguments handed to the next link.
	Mapping []int
}

// Ref is the wire name of the method.
func (m *Method) Ref() string { return m.Name + m.Sig.String() }

// Capability describes the methods of one remote object type. Build it once
// at start up; it must not change after an Implementation or Handler was
// created from it.
type Capability struct {
	name    string
	methods map[string]*Method
	byName  map[string][]*Method
	order   []*Method
	err     error
}

func NewCapability(name string) *Capability {
	return &Capability{
		name:    name,
		methods: make(map[string]*Method),
		byName:  make(map[string][]*Method),
	}
}

func (c *Capability) Name() string { return c.name }

// Method declares a remotely callable method.
func (c *Capability) Method(name string, sig codec.Signature) *Capability {
	c.add(&Method{Name: name, Sig: sig})
	return c
}

// Chained declares a method returning a remote object of capability next.
// mapping lists pairs (parameter index, extra index): the argument at the
// parameter index is made available to the next link as Extra(extra index).
func (c *Capability) Chained(name string, sig codec.Signature, next *Capability, mapping ...int) *Capability {
	if sig.Return == "" {
		sig.Return = next.Name()
	}
	if len(mapping)%2 != 0 {
		c.fail(fmt.Errorf("%w: %s has an odd number of indexes", ErrInvalidMapping, name))
		return c
	}
	for i := 0; i < len(mapping); i += 2 {
		if mapping[i] < 0 || mapping[i] >= len(sig.Params) || mapping[i+1] < 0 {
			c.fail(fmt.Errorf("%w: %s pair (%d, %d)", ErrInvalidMapping, name, mapping[i], mapping[i+1]))
			return c
		}
	}
	c.add(&Method{Name: name, Sig: sig, Next: next, Mapping: mapping})
	return c
}

// Exclude forbids remote calls of name with sig. The method does not need to
// be declared before.
func (c *Capability) Exclude(name string, sig codec.Signature) *Capability {
	if m, ok := c.methods[name+sig.String()]; ok {
		m.Excluded = true
		return c
	}
	c.add(&Method{Name: name, Sig: sig, Excluded: true})
	return c
}

func (c *Capability) add(m *Method) {
	ref := m.Ref()
	if old, ok := c.methods[ref]; ok {
		*old = *m
		return
	}
	c.methods[ref] = m
	c.byName[m.Name] = append(c.byName[m.Name], m)
	c.order = append(c.order, m)
}

func (c *Capability) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Err returns the first error made while building the capability.
func (c *Capability) Err() error { return c.err }

// Methods returns the declared methods in declaration order.
func (c *Capability) Methods() []*Method {
	return append([]*Method(nil), c.order...)
}

// Lookup finds the method with exactly this name and signature, excluded or
// not.
func (c *Capability) Lookup(name string, sig codec.Signature) (*Method, bool) {
	m, ok := c.methods[name+sig.String()]
	return m, ok
}

// Resolve finds a callable method by reference: either "name(params)ret" or
// a bare name that is not overloaded.
func (c *Capability) Resolve(ref string) (*Method, error) {
	var m *Method
	if strings.IndexByte(ref, '(') >= 0 {
		name, sig, err := message.ParseMethodRef(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, c.name, ref)
		}
		found, ok := c.Lookup(name, sig)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, c.name, ref)
		}
		m = found
	} else {
		switch candidates := c.byName[ref]; len(candidates) {
		case 0:
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, c.name, ref)
		case 1:
			m = candidates[0]
		default:
			return nil, fmt.Errorf("%w: %s.%s has %d overloads", ErrAmbiguousMethod, c.name, ref, len(candidates))
		}
	}
	if m.Excluded {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodExcluded, c.name, m.Ref())
	}
	return m, nil
}
