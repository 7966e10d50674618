package comm

import (
	"context"
	"fmt"
	"sync"
)

// localGroup is the shared state behind an in-process communicator group.
// It backs single-rank runs (size 1, no coordination store needed) and
// multi-rank tests where each rank runs in its own goroutine.
type localGroup struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	reduces map[string]*localReduce
	arrived map[string]int
	bcasts  map[string][]byte

	aborted     bool
	abortReason string
}

type localReduce struct {
	contribs [][]float64
	count    int
	sum      []float64
}

// NewLocalGroup creates size communicators sharing one in-process group.
func NewLocalGroup(size int) []Communicator {
	g := &localGroup{
		size:    size,
		reduces: make(map[string]*localReduce),
		arrived: make(map[string]int),
		bcasts:  make(map[string][]byte),
	}
	g.cond = sync.NewCond(&g.mu)

	comms := make([]Communicator, size)
	for i := range comms {
		comms[i] = &localComm{group: g, rank: i}
	}
	return comms
}

// NewLocal creates a single-rank communicator whose collectives are all
// no-ops over local data.
func NewLocal() Communicator {
	return NewLocalGroup(1)[0]
}

// waitLocked blocks on the group condition until done reports true, the
// group aborts, or ctx expires. Must be called with g.mu held.
func (g *localGroup) waitLocked(ctx context.Context, done func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	for !done() && !g.aborted && ctx.Err() == nil {
		g.cond.Wait()
	}
	if g.aborted {
		return fmt.Errorf("%w: %s", ErrAborted, g.abortReason)
	}
	return ctx.Err()
}

type localComm struct {
	group *localGroup
	rank  int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.group.size }

func (c *localComm) AllReduceSum(ctx context.Context, name string, vec []float64) ([]float64, error) {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.reduces[name]
	if !ok {
		st = &localReduce{contribs: make([][]float64, g.size)}
		g.reduces[name] = st
	}
	st.contribs[c.rank] = vec
	st.count++

	if st.count == g.size {
		// Sum in rank order so every rank sees the identical result.
		sum := make([]float64, len(vec))
		for rank := 0; rank < g.size; rank++ {
			for i, v := range st.contribs[rank] {
				sum[i] += v
			}
		}
		st.sum = sum
		g.cond.Broadcast()
	}

	if err := g.waitLocked(ctx, func() bool { return st.sum != nil }); err != nil {
		return nil, err
	}

	out := make([]float64, len(st.sum))
	copy(out, st.sum)
	return out, nil
}

func (c *localComm) Broadcast(ctx context.Context, name string, data []byte, root int) ([]byte, error) {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.rank == root {
		g.bcasts[name] = data
		g.cond.Broadcast()
		return data, nil
	}

	if err := g.waitLocked(ctx, func() bool { return g.bcasts[name] != nil }); err != nil {
		return nil, err
	}

	return g.bcasts[name], nil
}

func (c *localComm) Barrier(ctx context.Context, name string) error {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	g.arrived[name]++
	if g.arrived[name] == g.size {
		g.cond.Broadcast()
	}

	return g.waitLocked(ctx, func() bool { return g.arrived[name] >= g.size })
}

func (c *localComm) Abort(_ context.Context, reason string) {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.aborted {
		g.aborted = true
		g.abortReason = reason
	}
	g.cond.Broadcast()
}

func (c *localComm) Close() error { return nil }

var _ Communicator = (*localComm)(nil)
