// Package portpool hands out ephemeral UDP ports for the recording
// pipeline from a fixed numeric range.
package portpool

import (
	"fmt"
	"sync"

	"roomcast/pkg/errors"
)

// Pool issues and reclaims ports from the inclusive range [min, max].
// All methods are safe for concurrent use.
type Pool struct {
	mu   sync.Mutex
	min  int
	max  int
	free []int
	held map[int]struct{}
}

// New creates a pool over [min, max]. It panics on an invalid range since
// the range comes from validated configuration.
func New(min, max int) *Pool {
	if min <= 0 || max < min {
		panic(fmt.Sprintf("portpool: invalid range [%d, %d]", min, max))
	}
	p := &Pool{
		min:  min,
		max:  max,
		free: make([]int, 0, max-min+1),
		held: make(map[int]struct{}),
	}
	for port := min; port <= max; port++ {
		p.free = append(p.free, port)
	}
	return p
}

// Acquire returns an unused port, or RESOURCE_EXHAUSTED when the range is
// fully allocated.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, errors.NewResourceExhausted("port pool exhausted")
	}
	port := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.held[port] = struct{}{}
	return port, nil
}

// Release returns a port to the pool. Releasing a port that is not
// currently held is a no-op: overlapping cleanup paths (stopRecord and
// disconnect) may both try to release the same port.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[port]; !ok {
		return
	}
	delete(p.held, port)
	p.free = append(p.free, port)
}

// Available reports how many ports remain unallocated.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}
