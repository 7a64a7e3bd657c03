package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/codec"
	"github.com/CloudNetService/CloudNet-sub027/message"
	"github.com/CloudNetService/CloudNet-sub027/middleware"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
	"github.com/CloudNetService/CloudNet-sub027/transport"
	"github.com/CloudNetService/CloudNet-sub027/worker"
)

// Dispatcher executes invocations arriving on the rpc channel. Packets are
// decoded on the channel's read goroutine and executed on the scheduler, so
// a slow handler never stalls the connection.
type Dispatcher struct {
	registry  *Registry
	mapper    *codec.Mapper
	scheduler *worker.Scheduler
	log       *zap.Logger

	middlewares []middleware.Middleware
	handle      middleware.HandlerFunc
}

type DispatcherOption func(*Dispatcher)

func WithMiddleware(mws ...middleware.Middleware) DispatcherOption {
	return func(d *Dispatcher) { d.middlewares = append(d.middlewares, mws...) }
}

func WithLogger(log *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

func NewDispatcher(registry *Registry, mapper *codec.Mapper, scheduler *worker.Scheduler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		mapper:    mapper,
		scheduler: scheduler,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.handle = middleware.Chain(d.middlewares...)(d.invoke)
	return d
}

// Listen registers d for the rpc channel.
func (d *Dispatcher) Listen(ls *transport.Listeners) {
	ls.Register(protocol.ChannelRPC, d)
}

func (d *Dispatcher) HandlePacket(ch *transport.Channel, p *protocol.Packet) {
	inv, err := message.DecodeInvocation(d.mapper, p.Body)
	if err != nil {
		d.log.Warn("dropping malformed rpc invocation", zap.Error(err))
		d.respond(ch, p, nil)
		return
	}
	err = d.scheduler.Submit(func() {
		res := d.Execute(context.Background(), inv)
		if !p.HasID() {
			return
		}
		last := inv.Steps[len(inv.Steps)-1]
		body, err := message.EncodeResult(d.mapper, last.Sig, res)
		if err != nil {
			d.log.Warn("cannot encode rpc result",
				zap.String("class", last.Class), zap.String("method", last.MethodRef()), zap.Error(err))
			body = nil
		}
		d.respond(ch, p, body)
	})
	if err != nil {
		d.log.Debug("dropping rpc invocation", zap.Error(err))
		d.respond(ch, p, nil)
	}
}

func (d *Dispatcher) respond(ch *transport.Channel, p *protocol.Packet, body []byte) {
	if ch == nil || !p.HasID() {
		return
	}
	err := ch.SendPacket(p.Response(body))
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		d.log.Warn("rpc result too large, answering empty", zap.Int("size", len(body)), zap.Error(err))
		err = ch.SendPacket(p.Response(nil))
	}
	if err != nil {
		d.log.Debug("cannot send rpc response", zap.Error(err))
	}
}

// Execute runs the steps of inv in order and returns the result of the last
// one. The first step runs on its handler's instance, every later step on the
// previous result; once a step yields nothing the remaining steps are not
// invoked.
func (d *Dispatcher) Execute(ctx context.Context, inv message.Invocation) message.Result {
	res := message.Empty()
	for i, step := range inv.Steps {
		var target any
		if i == 0 {
			if h, ok := d.registry.Handler(step.Class); ok {
				target = h.Instance()
			}
		} else {
			if !res.Present {
				return message.Empty()
			}
			target = res.Value
		}

		call := &message.Call{Class: step.Class, Method: step.Method, Sig: step.Sig, Args: step.Args, Target: target}
		r, err := d.handle(ctx, call)
		if err != nil {
			r = message.Empty()
		}
		res = r
	}
	return res
}

// invoke is the innermost handler of the middleware chain.
func (d *Dispatcher) invoke(ctx context.Context, call *message.Call) (message.Result, error) {
	h, ok := d.registry.Handler(call.Class)
	if !ok {
		return message.Empty(), fmt.Errorf("%w: %s", ErrNoHandler, call.Class)
	}
	inv, err := h.invoker(call.Method, call.Sig)
	if err != nil {
		return message.Empty(), err
	}
	v, err := inv(ctx, call.Target, call.Args)
	if err != nil {
		return message.Empty(), err
	}
	if call.Sig.IsVoid() || isNil(v) {
		return message.Empty(), nil
	}
	return message.Value(v), nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
