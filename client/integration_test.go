package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/CloudNetService/CloudNet-sub027/codec"
	"github.com/CloudNetService/CloudNet-sub027/registry"
	"github.com/CloudNetService/CloudNet-sub027/rpc"
	"github.com/CloudNetService/CloudNet-sub027/transport"
)

func etcdRegistry(t *testing.T) *registry.Etcd {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:2379", 200*time.Millisecond)
	if err != nil {
		t.Skip("etcd not reachable on 127.0.0.1:2379")
	}
	conn.Close()
	reg, err := registry.NewEtcd([]string{"127.0.0.1:2379"}, time.Second, nil)
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// TestMultiNodeWithEtcd 多节点 + 负载均衡 + etcd
// 链路: Client → Registry(etcd) → LB → Pool → Channel → Dispatcher → Handler
func TestMultiNodeWithEtcd(t *testing.T) {
	reg := etcdRegistry(t)

	// 1. 启动 2 个节点，各自注册到 etcd
	startNode(t, "it-node-1", reg)
	startNode(t, "it-node-2", reg)

	// 2. 创建 Client（用同一个 registry 做服务发现）
	cli := New(reg, transport.NewListeners(), WithDialTimeout(time.Second))
	defer cli.Close()
	impl, err := cli.Implementation(nodeCap, codec.NewMapper())
	if err != nil {
		t.Fatal(err)
	}

	// 3. 发 10 个请求，验证全部正确
	seen := map[string]bool{}
	for i := int32(1); i <= 10; i++ {
		res, err := impl.Call(context.Background(), "add", i, i*10)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if sum, _ := rpc.As[int32](res); sum != i+i*10 {
			t.Fatalf("request %d: expect %d, got %+v", i, i+i*10, res)
		}
	}
	for i := 0; i < 4; i++ {
		seen[callName(t, impl)] = true
	}
	if !seen["it-node-1"] || !seen["it-node-2"] {
		t.Fatalf("expect calls on both nodes, got %v", seen)
	}
}
