// Package parallel provides the worker-rank execution model: a fleet
// of workers communicating exclusively through strongly-ordered
// collective operations. There is no shared mutable state across
// ranks; within a rank everything is single-threaded.
package parallel

import (
	"fmt"
	"sync"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/rng"
)

var log = logging.MustGetLogger("parallel")

// AbortError carries the exit code of a deterministic fleet teardown.
type AbortError struct {
	Code int
}

func (e AbortError) Error() string { return fmt.Sprintf("run aborted with code %d", e.Code) }

// comm is the shared rendezvous of one fleet. Collectives are
// generation-counted: every rank deposits its value, the last arrival
// computes the result and wakes the fleet.
type comm struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     uint64
	vals    []float64
	ivals   []uint64
	result  any
	aborted bool
	code    int
}

func newComm(size int) *comm {
	c := &comm{size: size, vals: make([]float64, size), ivals: make([]uint64, size)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Context is the per-rank view of the fleet.
type Context struct {
	rank int
	comm *comm
	// Rand is the rank's pseudo-random stream. All ranks are seeded
	// identically and must consume identically outside of
	// snapshot/restore windows.
	Rand *rng.Rand
}

// Self returns a single-rank context, the serial execution mode.
func Self(seed int64) *Context {
	return &Context{rank: 0, comm: newComm(1), Rand: rng.New(seed)}
}

// SelfView returns a single-rank context sharing this rank's random
// stream, for work that is local to the rank (collectives on it are
// no-ops).
func (ctx *Context) SelfView() *Context {
	return &Context{rank: 0, comm: newComm(1), Rand: ctx.Rand}
}

// Run executes body on size ranks and waits for all of them. The
// returned code is zero on success, or the Abort code that tore the
// fleet down.
func Run(size int, seed int64, body func(ctx *Context)) (code int) {
	c := newComm(size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if abort, ok := r.(AbortError); ok {
						c.mu.Lock()
						if !c.aborted {
							c.aborted = true
							c.code = abort.Code
						}
						c.cond.Broadcast()
						c.mu.Unlock()
						return
					}
					panic(r)
				}
			}()
			body(&Context{rank: rank, comm: c, Rand: rng.New(seed)})
		}(rank)
	}
	wg.Wait()
	if c.aborted {
		return c.code
	}
	return 0
}

// Rank returns the worker rank in [0, Size).
func (ctx *Context) Rank() int { return ctx.rank }

// Size returns the number of worker ranks.
func (ctx *Context) Size() int { return ctx.comm.size }

// Abort deterministically tears down the whole fleet with the given
// exit code.
func (ctx *Context) Abort(code int) {
	log.Errorf("rank %d aborts the run with code %d", ctx.rank, code)
	panic(AbortError{Code: code})
}

// collective deposits a value and blocks until all ranks arrived; the
// last arrival runs reduce over the deposited values.
func (ctx *Context) collective(deposit func(c *comm, rank int), reduce func(c *comm)) any {
	c := ctx.comm
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		panic(AbortError{Code: c.code})
	}
	deposit(c, ctx.rank)
	c.arrived++
	if c.arrived == c.size {
		reduce(c)
		c.arrived = 0
		c.gen++
		c.cond.Broadcast()
		return c.result
	}
	gen := c.gen
	for c.gen == gen && !c.aborted {
		c.cond.Wait()
	}
	if c.aborted {
		panic(AbortError{Code: c.code})
	}
	return c.result
}

// Barrier blocks until every rank reached it.
func (ctx *Context) Barrier() {
	ctx.collective(func(*comm, int) {}, func(*comm) {})
}

// SumDouble returns the sum of x over all ranks.
func (ctx *Context) SumDouble(x float64) float64 {
	res := ctx.collective(
		func(c *comm, rank int) { c.vals[rank] = x },
		func(c *comm) {
			sum := 0.0
			for _, v := range c.vals {
				sum += v
			}
			c.result = sum
		})
	return res.(float64)
}

type maxResult struct {
	value float64
	rank  int
}

// Max returns the maximum of x over all ranks and the owning rank.
func (ctx *Context) Max(x float64) (float64, int) {
	res := ctx.collective(
		func(c *comm, rank int) { c.vals[rank] = x },
		func(c *comm) {
			best := maxResult{value: c.vals[0], rank: 0}
			for rank, v := range c.vals {
				if v > best.value {
					best = maxResult{value: v, rank: rank}
				}
			}
			c.result = best
		})
	m := res.(maxResult)
	return m.value, m.rank
}

// Broadcast distributes the owner rank's value to all ranks.
func (ctx *Context) Broadcast(owner int, value any) any {
	res := ctx.collective(
		func(c *comm, rank int) {
			if rank == owner {
				c.result = value
			}
		},
		func(*comm) {})
	return res
}

// BroadcastUint distributes the owner rank's integer.
func (ctx *Context) BroadcastUint(owner int, value uint64) uint64 {
	return ctx.Broadcast(owner, value).(uint64)
}

// BeginFamilies returns the contiguous slice [begin, end) of n
// families assigned to this rank.
func (ctx *Context) BeginFamilies(n int) (int, int) {
	per := n / ctx.comm.size
	rem := n % ctx.comm.size
	begin := ctx.rank*per + min(ctx.rank, rem)
	end := begin + per
	if ctx.rank < rem {
		end++
	}
	return begin, end
}

// IsRandConsistent checks that the pseudo-random streams of all ranks
// agree; it consumes one value from every stream.
func (ctx *Context) IsRandConsistent() bool {
	probe := ctx.Rand.Uint64()
	res := ctx.collective(
		func(c *comm, rank int) { c.ivals[rank] = probe },
		func(c *comm) {
			ok := true
			for _, v := range c.ivals {
				if v != c.ivals[0] {
					ok = false
				}
			}
			c.result = ok
		})
	return res.(bool)
}

// AssertRandConsistent aborts the run on random stream divergence.
func (ctx *Context) AssertRandConsistent() {
	if !ctx.IsRandConsistent() {
		log.Error("random streams diverged across ranks")
		ctx.Abort(43)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
