package loadbalance

import (
	"math/rand/v2"

	"vpp-ping/discovery"
)

// WeightedRandomBalancer picks endpoints with probability proportional to
// their weight. A weight below 1 counts as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []discovery.Endpoint, _ string) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errNoEndpoints
	}

	// 计算总权重
	totalWeight := 0
	for _, ep := range endpoints {
		totalWeight += weight(ep)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range endpoints {
		r -= weight(endpoints[i])
		if r < 0 {
			return &endpoints[i], nil
		}
	}
	return &endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(ep discovery.Endpoint) int {
	if ep.Weight < 1 {
		return 1
	}
	return ep.Weight
}
