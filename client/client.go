// Package client reaches other cluster nodes: it discovers them through a
// registry, picks one with a balancer and keeps one multiplexed channel per
// node.
//
//	Channel(ctx) → Nodes (watch cache / Discover) → Balancer.Pick → Pool.Get(addr)
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CloudNetService/CloudNet-sub027/codec"
	"github.com/CloudNetService/CloudNet-sub027/loadbalance"
	"github.com/CloudNetService/CloudNet-sub027/registry"
	"github.com/CloudNetService/CloudNet-sub027/rpc"
	"github.com/CloudNetService/CloudNet-sub027/transport"
)

const DefaultDialTimeout = 5 * time.Second

var ErrClosed = errors.New("client: closed")

type Client struct {
	registry    registry.Registry // find nodes from registry
	balancer    loadbalance.Balancer
	ring        *loadbalance.ConsistentHashBalancer
	pool        *transport.Pool // one channel per node address
	log         *zap.Logger
	dialTimeout time.Duration
	exclude     string
	channelOpts []transport.Option

	mu     sync.RWMutex
	nodes  []registry.Node
	synced bool // nodes follows the registry watch
	closed bool
	cancel context.CancelFunc
}

type Option func(*Client)

// WithBalancer replaces the default round robin strategy.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithChannelOptions configures every dialed channel.
func WithChannelOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.channelOpts = append(c.channelOpts, opts...) }
}

// WithExclude hides the node called name, usually the local one.
func WithExclude(name string) Option {
	return func(c *Client) { c.exclude = name }
}

// New creates a client whose channels dispatch incoming packets to
// listeners, and starts following membership changes of reg.
func New(reg registry.Registry, listeners *transport.Listeners, opts ...Option) *Client {
	c := &Client{
		registry:    reg,
		balancer:    &loadbalance.RoundRobinBalancer{},
		ring:        loadbalance.NewConsistentHashBalancer(),
		log:         zap.NewNop(),
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.pool = transport.NewPool(listeners, append([]transport.Option{transport.WithLogger(c.log)}, c.channelOpts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.watch(ctx)
	return c
}

func (c *Client) watch(ctx context.Context) {
	for nodes := range c.registry.Watch(ctx) {
		c.setNodes(nodes, true)
		c.log.Debug("cluster membership changed", zap.Int("nodes", len(nodes)))
	}
	c.mu.Lock()
	c.synced = false
	c.mu.Unlock()
}

func (c *Client) setNodes(nodes []registry.Node, synced bool) []registry.Node {
	filtered := make([]registry.Node, 0, len(nodes))
	for _, n := range nodes {
		if c.exclude == "" || n.Name != c.exclude {
			filtered = append(filtered, n)
		}
	}
	c.mu.Lock()
	c.nodes = filtered
	c.synced = c.synced || synced
	c.mu.Unlock()
	c.ring.Set(filtered)
	return filtered
}

// Nodes returns the known cluster members, asking the registry unless a
// watch update already arrived.
func (c *Client) Nodes(ctx context.Context) ([]registry.Node, error) {
	c.mu.RLock()
	nodes, synced, closed := c.nodes, c.synced, c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if synced {
		return nodes, nil
	}
	nodes, err := c.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return c.setNodes(nodes, false), nil
}

// Channel returns the channel to a node chosen by the balancer.
func (c *Client) Channel(ctx context.Context) (*transport.Channel, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	node, err := c.balancer.Pick(nodes)
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, node)
}

// ChannelFor returns the channel to the node owning key on the hash ring, so
// work for the same key keeps landing on the same node.
func (c *Client) ChannelFor(ctx context.Context, key string) (*transport.Channel, error) {
	if _, err := c.Nodes(ctx); err != nil {
		return nil, err
	}
	node, err := c.ring.Pick(key)
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, node)
}

// Channels dials every known node concurrently. It fails if any node cannot
// be reached.
func (c *Client) Channels(ctx context.Context) ([]*transport.Channel, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	channels := make([]*transport.Channel, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i := range nodes {
		g.Go(func() error {
			ch, err := c.dial(gctx, &nodes[i])
			if err != nil {
				return err
			}
			channels[i] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return channels, nil
}

func (c *Client) dial(ctx context.Context, node *registry.Node) (*transport.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	ch, err := c.pool.Get(ctx, node.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s (%s): %w", node.Name, node.Addr, err)
	}
	return ch, nil
}

// Implementation returns a proxy of capability whose calls go to the node
// the balancer picks for each call.
func (c *Client) Implementation(capability *rpc.Capability, m *codec.Mapper) (*rpc.Implementation, error) {
	return rpc.Generate(capability, m, func() (rpc.Sender, error) {
		ch, err := c.Channel(context.Background())
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
}

// Close stops watching the registry and closes all channels.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.pool.Close()
}
