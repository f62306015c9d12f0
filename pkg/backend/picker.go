package backend

import (
	"fmt"
	"math/rand"
	"sync/atomic"
)

// A Picker selects which backend a query goes to.
type Picker interface {
	Pick(upstreams []*Upstream) *Upstream
}

// NewPicker returns the picker for a policy name: "roundrobin" (also the
// default for an empty name), "random" or "leastload".
func NewPicker(policy string) (Picker, error) {
	switch policy {
	case "", "roundrobin":
		return new(roundRobinPicker), nil
	case "random":
		return new(randomPicker), nil
	case "leastload":
		return new(leastLoadPicker), nil
	default:
		return nil, fmt.Errorf("unknown backend policy %q", policy)
	}
}

type roundRobinPicker struct {
	c atomic.Uint64
}

func (p *roundRobinPicker) Pick(upstreams []*Upstream) *Upstream {
	if len(upstreams) == 0 {
		return nil
	}
	return upstreams[(p.c.Add(1)-1)%uint64(len(upstreams))]
}

type randomPicker struct{}

func (p *randomPicker) Pick(upstreams []*Upstream) *Upstream {
	if len(upstreams) == 0 {
		return nil
	}
	return upstreams[rand.Intn(len(upstreams))]
}

// leastLoadPicker picks the backend with the fewest outstanding
// exchanges. Ties go to the earlier backend.
type leastLoadPicker struct{}

func (p *leastLoadPicker) Pick(upstreams []*Upstream) *Upstream {
	if len(upstreams) == 0 {
		return nil
	}
	best := upstreams[0]
	bestLoad := best.Inflight()
	for _, u := range upstreams[1:] {
		if l := u.Inflight(); l < bestLoad {
			best = u
			bestLoad = l
		}
	}
	return best
}
