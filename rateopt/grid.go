package rateopt

import "math"

const (
	gridPointsPerDim = 6
	gridRefinements  = 4
)

// gridSearch samples a regular grid over the rate bounds and refines
// it around the best cell, coarse to fine.
func gridSearch(o *Objective, start Parameters) Parameters {
	dim := o.Dimensions()
	best := start.Clone()
	if len(best.Values) != dim {
		best.Values = make([]float64, dim)
		for i := range best.Values {
			best.Values[i] = 0.3
		}
	}
	best.Score = o.Eval(best.Values)

	lo := make([]float64, dim)
	hi := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lo[i] = rateMin
		hi[i] = 1.0
	}
	point := make([]float64, dim)
	for level := 0; level < gridRefinements; level++ {
		improved := sweep(o, lo, hi, point, 0, &best)
		// Refine around the incumbent.
		for i := 0; i < dim; i++ {
			span := (hi[i] - lo[i]) / float64(gridPointsPerDim)
			lo[i] = math.Max(rateMin, best.Values[i]-span)
			hi[i] = math.Min(rateMax, best.Values[i]+span)
		}
		if !improved && level > 0 {
			break
		}
	}
	return best
}

// sweep recursively enumerates the grid points of all dimensions.
func sweep(o *Objective, lo, hi, point []float64, dim int, best *Parameters) bool {
	if dim == len(point) {
		score := o.Eval(point)
		if score > best.Score {
			best.Score = score
			copy(best.Values, point)
			return true
		}
		return false
	}
	improved := false
	step := (hi[dim] - lo[dim]) / float64(gridPointsPerDim-1)
	for i := 0; i < gridPointsPerDim; i++ {
		point[dim] = lo[dim] + float64(i)*step
		if sweep(o, lo, hi, point, dim+1, best) {
			improved = true
		}
	}
	return improved
}
