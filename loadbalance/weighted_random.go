package loadbalance

import (
	"math/rand/v2"

	"github.com/CloudNetService/CloudNet-sub027/registry"
)

// WeightedRandomBalancer picks a node with probability proportional to its
// weight. Nodes announcing no weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(nodes []registry.Node) (*registry.Node, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	// 计算总权重
	totalWeight := 0
	for _, n := range nodes {
		totalWeight += weight(n)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range nodes {
		r -= weight(nodes[i])
		if r < 0 {
			return &nodes[i], nil
		}
	}
	return &nodes[len(nodes)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(n registry.Node) int {
	if n.Weight <= 0 {
		return 1
	}
	return n.Weight
}
