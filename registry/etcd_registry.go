package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const Prefix = "/cloudnet/nodes/"

// Etcd implements Registry using etcd v3.
//
// etcd provides strong consistency (Raft), so every node sees the same member
// list:
//
//	Key:   /cloudnet/nodes/{Name}
//	Value: JSON-encoded Node
//
// Registration uses TTL-based leases: if a node crashes, the lease expires and
// the entry is removed automatically, no ghost members stay behind.
type Etcd struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // node name -> lease kept alive by us
	cancel map[string]context.CancelFunc
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*Etcd, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &Etcd{
		client: c,
		log:    log,
		leases: make(map[string]clientv3.LeaseID),
		cancel: make(map[string]context.CancelFunc),
	}, nil
}

func key(name string) string { return Prefix + name }

// Register adds node to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease until Deregister or Close
//
// Registering a name again replaces the previous lease.
func (r *Etcd) Register(ctx context.Context, node Node, ttl time.Duration) error {
	if err := node.validate(); err != nil {
		return err
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}

	if _, err = r.client.Put(ctx, key(node.Name), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", node.Name, err)
	}

	// KeepAlive outlives the caller's ctx, it stops on Deregister or Close
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	r.mu.Lock()
	if prev, ok := r.cancel[node.Name]; ok {
		prev()
	}
	r.leases[node.Name] = lease.ID
	r.cancel[node.Name] = cancel
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("node", node.Name))
	}()
	return nil
}

// Deregister removes a node. Called during graceful shutdown before the
// listener is closed.
func (r *Etcd) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	cancel, ok := r.cancel[name]
	lease := r.leases[name]
	delete(r.cancel, name)
	delete(r.leases, name)
	r.mu.Unlock()

	if ok {
		cancel()
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.log.Debug("revoke lease failed", zap.String("node", name), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key(name)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", name, err)
	}
	return nil
}

// Discover returns all currently registered nodes ordered by name.
func (r *Etcd) Discover(ctx context.Context) ([]Node, error) {
	resp, err := r.client.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover: %w", err)
	}

	nodes := make([]Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			r.log.Warn("skipping malformed node entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// Watch monitors the node prefix and emits the member list whenever it
// changes (registrations, deregistrations, lease expirations). The channel
// is closed once ctx is done.
func (r *Etcd) Watch(ctx context.Context) <-chan []Node {
	ch := make(chan []Node, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, Prefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.log.Warn("watch failed", zap.Error(err))
				continue
			}
			// re-fetch the full list, simpler than applying single events
			nodes, err := r.Discover(ctx)
			if err != nil {
				r.log.Warn("rediscover after watch event failed", zap.Error(err))
				continue
			}
			select {
			case ch <- nodes:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops all lease renewals and disconnects. Entries of registered nodes
// expire with their lease.
func (r *Etcd) Close() error {
	r.mu.Lock()
	for name, cancel := range r.cancel {
		cancel()
		delete(r.cancel, name)
		delete(r.leases, name)
	}
	r.mu.Unlock()
	return r.client.Close()
}
