package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Static is an in-memory Registry for clusters with a fixed peer list and
// for tests. TTLs are ignored, entries stay until deregistered.
type Static struct {
	mu       sync.Mutex
	nodes    map[string]Node
	watchers map[chan []Node]struct{}
	closed   bool
}

// NewStatic returns a registry pre-populated with nodes.
func NewStatic(nodes ...Node) *Static {
	s := &Static{
		nodes:    make(map[string]Node),
		watchers: make(map[chan []Node]struct{}),
	}
	for _, n := range nodes {
		s.nodes[n.Name] = n
	}
	return s
}

func (s *Static) Register(_ context.Context, node Node, _ time.Duration) error {
	if err := node.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.nodes[node.Name] = node
	s.notifyLocked()
	return nil
}

func (s *Static) Deregister(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.nodes[name]; ok {
		delete(s.nodes, name)
		s.notifyLocked()
	}
	return nil
}

func (s *Static) Discover(context.Context) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.snapshotLocked(), nil
}

func (s *Static) Watch(ctx context.Context) <-chan []Node {
	ch := make(chan []Node, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}()
	return ch
}

func (s *Static) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	return nil
}

func (s *Static) snapshotLocked() []Node {
	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes
}

// notifyLocked replaces a stale unread list so a slow watcher always ends up
// with the latest one.
func (s *Static) notifyLocked() {
	nodes := s.snapshotLocked()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- nodes
	}
}
