package transport

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool keeps one multiplexed Channel per address. Channels are created
// lazily on first use and replaced once they close; concurrent callers for
// the same address share a single dial.
type Pool struct {
	mu        sync.Mutex
	channels  map[string]*Channel
	dials     singleflight.Group
	listeners *Listeners
	opts      []Option
	closed    bool
}

func NewPool(listeners *Listeners, opts ...Option) *Pool {
	return &Pool{
		channels:  make(map[string]*Channel),
		listeners: listeners,
		opts:      opts,
	}
}

// Get returns the live channel to addr, dialing a new one if needed.
func (p *Pool) Get(ctx context.Context, addr string) (*Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if ch, ok := p.channels[addr]; ok && !ch.IsClosed() {
		p.mu.Unlock()
		return ch, nil
	}
	p.mu.Unlock()

	v, err, _ := p.dials.Do(addr, func() (any, error) {
		p.mu.Lock()
		if ch, ok := p.channels[addr]; ok && !ch.IsClosed() {
			p.mu.Unlock()
			return ch, nil
		}
		p.mu.Unlock()

		ch, err := Dial(ctx, addr, p.listeners, p.opts...)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			ch.Close()
			return nil, ErrClosed
		}
		p.channels[addr] = ch
		p.mu.Unlock()

		ch.OnClose(func(closed *Channel) {
			p.mu.Lock()
			if p.channels[addr] == closed {
				delete(p.channels, addr)
			}
			p.mu.Unlock()
		})
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

// Channels returns a snapshot of the live channels.
func (p *Pool) Channels() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		if !ch.IsClosed() {
			out = append(out, ch)
		}
	}
	return out
}

// Close closes every channel; later Get calls fail with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	channels := p.channels
	p.channels = make(map[string]*Channel)
	p.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
