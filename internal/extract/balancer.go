package extract

import (
	"fmt"
	"sync/atomic"
)

// Balance modes.
const (
	RoundRobin = "round_robin"
	LeastBusy  = "least_busy"
)

// balancer picks the endpoint for each call. acquire avoids the endpoint at
// index avoid when another is available, so a retry lands elsewhere.
type balancer struct {
	mode     string
	n        int
	next     atomic.Uint64
	inflight []atomic.Int64
}

func newBalancer(mode string, n int) (*balancer, error) {
	switch mode {
	case "", RoundRobin:
		mode = RoundRobin
	case LeastBusy:
	default:
		return nil, fmt.Errorf("unknown balance mode %q", mode)
	}
	return &balancer{mode: mode, n: n, inflight: make([]atomic.Int64, n)}, nil
}

func (b *balancer) acquire(avoid int) int {
	var i int
	if b.mode == LeastBusy {
		i = b.leastBusy(avoid)
	} else {
		i = int(b.next.Add(1)-1) % b.n
		if i == avoid && b.n > 1 {
			i = (i + 1) % b.n
		}
	}
	b.inflight[i].Add(1)
	return i
}

func (b *balancer) release(i int) {
	b.inflight[i].Add(-1)
}

func (b *balancer) leastBusy(avoid int) int {
	best, bestLoad := -1, int64(0)
	// Start at a rotating offset so ties spread across endpoints.
	start := int(b.next.Add(1)-1) % b.n
	for k := 0; k < b.n; k++ {
		i := (start + k) % b.n
		if i == avoid && b.n > 1 {
			continue
		}
		if load := b.inflight[i].Load(); best < 0 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}
