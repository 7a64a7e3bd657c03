package transport

import (
	"sync"

	"github.com/CloudNetService/CloudNet-sub027/protocol"
)

// Listener handles the packets of one channel id. HandlePacket runs on the
// channel's read goroutine; long running work must be handed off.
type Listener interface {
	HandlePacket(ch *Channel, p *protocol.Packet)
}

type ListenerFunc func(ch *Channel, p *protocol.Packet)

func (f ListenerFunc) HandlePacket(ch *Channel, p *protocol.Packet) { f(ch, p) }

// Listeners maps channel ids to listeners. It is shared by every Channel of
// a node and may change while packets are dispatched.
type Listeners struct {
	mu sync.RWMutex
	m  map[int32]Listener
}

func NewListeners() *Listeners {
	return &Listeners{m: make(map[int32]Listener)}
}

// Register installs l for channel, replacing a previous listener.
func (ls *Listeners) Register(channel int32, l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.m[channel] = l
}

func (ls *Listeners) Unregister(channel int32) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.m, channel)
}

func (ls *Listeners) Get(channel int32) (Listener, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	l, ok := ls.m[channel]
	return l, ok
}
