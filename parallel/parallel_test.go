package parallel

import (
	"sync"
	"testing"

	"github.com/op/go-logging"
)

func init() {
	logging.SetLevel(logging.CRITICAL, "parallel")
}

func TestCollectives(tst *testing.T) {
	const size = 4
	var mu sync.Mutex
	sums := map[int]float64{}
	code := Run(size, 42, func(ctx *Context) {
		sum := ctx.SumDouble(float64(ctx.Rank() + 1))
		mu.Lock()
		sums[ctx.Rank()] = sum
		mu.Unlock()

		best, owner := ctx.Max(float64(ctx.Rank()))
		if best != size-1 || owner != size-1 {
			tst.Error("Max reduction wrong: ", best, owner)
		}
		v := ctx.BroadcastUint(owner, uint64(ctx.Rank()*100))
		if v != (size-1)*100 {
			tst.Error("Broadcast wrong: ", v)
		}
		ctx.Barrier()
	})
	if code != 0 {
		tst.Fatal("Run failed with code ", code)
	}
	for rank, sum := range sums {
		if sum != 10 {
			tst.Error("rank ", rank, " got sum ", sum)
		}
	}
}

func TestBeginFamilies(tst *testing.T) {
	const size = 3
	const n = 10
	covered := make([]int, n)
	var mu sync.Mutex
	Run(size, 42, func(ctx *Context) {
		begin, end := ctx.BeginFamilies(n)
		mu.Lock()
		for i := begin; i < end; i++ {
			covered[i]++
		}
		mu.Unlock()
	})
	for i, c := range covered {
		if c != 1 {
			tst.Error("family ", i, " covered ", c, " times")
		}
	}
}

func TestRandConsistency(tst *testing.T) {
	code := Run(3, 7, func(ctx *Context) {
		if !ctx.IsRandConsistent() {
			tst.Error("fresh streams should be consistent")
		}
		// Divergent consumption, then snapshot restore.
		snapshot := ctx.Rand.Snapshot()
		for i := 0; i < ctx.Rank(); i++ {
			ctx.Rand.Uint64()
		}
		ctx.Rand.Restore(snapshot)
		if !ctx.IsRandConsistent() {
			tst.Error("restored streams should be consistent")
		}
	})
	if code != 0 {
		tst.Fatal("Run failed with code ", code)
	}
}

func TestAbortTearsDownFleet(tst *testing.T) {
	code := Run(3, 42, func(ctx *Context) {
		if ctx.Rank() == 1 {
			ctx.Abort(10)
		}
		// The other ranks block on a collective until the abort
		// reaches them.
		ctx.Barrier()
	})
	if code != 10 {
		tst.Error("Expected abort code 10, got ", code)
	}
}

func TestSelfView(tst *testing.T) {
	ctx := Self(42)
	view := ctx.SelfView()
	if view.Size() != 1 || view.Rank() != 0 {
		tst.Error("self view must be a single rank")
	}
	if view.SumDouble(2.5) != 2.5 {
		tst.Error("collectives on a self view must be identities")
	}
}
