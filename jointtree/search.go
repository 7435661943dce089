package jointtree

import (
	"math"

	"github.com/DavidGoldLab/GeneRax/parallel"
)

const (
	// minImprovement is the margin a move must beat to be accepted.
	minImprovement = 1e-9
	// emaWindow dampens the running mean of reconciliation
	// improvements used as the move prefilter.
	emaWindow = 51.0
)

// enumerateMoves lists all SPR moves within the radius, skipping
// regrafts that would yield an isomorphic tree.
func (jt *JointTree) enumerateMoves(radius int) []Move {
	var moves []Move
	for _, prune := range jt.Genes.PruneCandidates() {
		jt.Genes.Regrafts(prune, radius, func(regraft int, path []int) {
			moves = append(moves, Move{
				Prune:   prune,
				Regraft: regraft,
				Path:    append([]int{}, path...),
			})
		})
	}
	return moves
}

// testMove applies a candidate, prefilters it against the running
// mean of reconciliation improvements, and scores the survivors with
// the full joint likelihood. The tree is always restored.
func (jt *JointTree) testMove(m Move, initialRecLL float64,
	avgRecDiff *float64, blo bool) (float64, error) {
	if err := jt.ApplyMove(m); err != nil {
		return math.Inf(-1), nil
	}
	recLL, err := jt.ReconciliationLoglk()
	if err != nil {
		jt.RollbackLastMove()
		return 0, err
	}
	improvement := recLL - initialRecLL
	*avgRecDiff = (*avgRecDiff*(emaWindow-1) + improvement) / emaWindow
	if improvement < *avgRecDiff {
		return math.Inf(-1), jt.RollbackLastMove()
	}
	if blo {
		if err := jt.OptimizeParameters(1.0); err != nil {
			jt.RollbackLastMove()
			return 0, err
		}
	}
	seqLL, err := jt.SequenceLoglk()
	if err != nil {
		jt.RollbackLastMove()
		return 0, err
	}
	if err := jt.RollbackLastMove(); err != nil {
		return 0, err
	}
	return recLL + seqLL, nil
}

// FindBestMove scores a rank-disjoint slice of the candidates and
// reduces the best across ranks.
func (jt *JointTree) FindBestMove(ctx *parallel.Context, moves []Move,
	bestLL float64, blo bool) (int, float64, error) {
	initialRecLL, err := jt.ReconciliationLoglk()
	if err != nil {
		return -1, 0, err
	}
	avgRecDiff := 0.0
	bestIdx := -1
	begin, end := ctx.BeginFamilies(len(moves))
	for i := begin; i < end; i++ {
		ll, err := jt.testMove(moves[i], initialRecLL, &avgRecDiff, blo)
		if err != nil {
			return -1, 0, err
		}
		if ll > bestLL+minImprovement {
			bestLL = ll
			bestIdx = i
		}
	}
	globalBest, owner := ctx.Max(bestLL)
	idx := ctx.BroadcastUint(owner, uint64(bestIdx+1))
	if idx == 0 {
		return -1, globalBest, nil
	}
	return int(idx) - 1, globalBest, nil
}

// SPRRound enumerates and tests all moves within the radius and
// applies the best improving one. It returns the new best joint
// likelihood and whether a move was accepted.
func (jt *JointTree) SPRRound(ctx *parallel.Context, radius int, bestLL float64, blo bool) (float64, bool, error) {
	moves := jt.enumerateMoves(radius)
	log.Debugf("SPR round: hash=%d radius=%d candidates=%d best=%f",
		jt.Hash(), radius, len(moves), bestLL)
	bestIdx, newLL, err := jt.FindBestMove(ctx, moves, bestLL, blo)
	if err != nil {
		return bestLL, false, err
	}
	if bestIdx == -1 {
		return bestLL, false, nil
	}
	if err := jt.ApplyMove(moves[bestIdx]); err != nil {
		return bestLL, false, err
	}
	return newLL, true, nil
}

// SPRSearch loops rounds at the given radius until no move is
// accepted in a full pass.
func (jt *JointTree) SPRSearch(ctx *parallel.Context, radius int, blo bool) (float64, error) {
	bestLL, err := jt.JointLoglk()
	if err != nil {
		return 0, err
	}
	for {
		newLL, improved, err := jt.SPRRound(ctx, radius, bestLL, blo)
		if err != nil {
			return bestLL, err
		}
		if !improved {
			return bestLL, nil
		}
		bestLL = newLL
	}
}
