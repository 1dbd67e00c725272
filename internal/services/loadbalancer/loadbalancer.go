// Package loadbalancer breaks priority ties between otherwise-equal
// candidates by weighted random ordering.
package loadbalancer

import (
	"math/rand"
	"sync"

	"github.com/lanternhq/modelgate/internal/services/registry"
)

// LoadBalancer orders tied-priority candidates by weighted random selection
// without replacement, so the result is a full fallback ordering rather than
// a single pick. The random source is injectable for reproducible tests.
type LoadBalancer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a load balancer seeded from the given source.
func New(src rand.Source) *LoadBalancer {
	return &LoadBalancer{rng: rand.New(src)}
}

// Order reorders candidates in place. Each position is drawn with
// probability proportional to the remaining candidates' weights; weights at
// or below zero are treated as 1 so misconfigured providers still receive
// traffic.
func (lb *LoadBalancer) Order(candidates []registry.Candidate) {
	if len(candidates) < 2 {
		return
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		w := c.Provider.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	for pos := 0; pos < len(candidates)-1; pos++ {
		draw := lb.rng.Float64() * total
		picked := pos
		acc := 0.0
		for i := pos; i < len(candidates); i++ {
			acc += weights[i]
			if draw < acc {
				picked = i
				break
			}
		}
		total -= weights[picked]
		candidates[pos], candidates[picked] = candidates[picked], candidates[pos]
		weights[pos], weights[picked] = weights[picked], weights[pos]
	}
}
