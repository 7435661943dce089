package rateopt

import (
	"math"

	lbfgsb "github.com/idavydov/go-lbfgsb"
)

const lbfgsbDH = 1e-6

// lbfgsbObjective adapts the rate objective to the bounded L-BFGS
// library, with central-difference numerical gradients.
type lbfgsbObjective struct {
	o    *Objective
	best *Parameters
	grad []float64
}

func (l *lbfgsbObjective) EvaluateFunction(x []float64) float64 {
	score := l.o.Eval(x)
	if score > l.best.Score {
		l.best.Score = score
		copy(l.best.Values, x)
	}
	return -score
}

func (l *lbfgsbObjective) EvaluateGradient(x []float64) []float64 {
	if l.grad == nil {
		l.grad = make([]float64, len(x))
	}
	point := append([]float64{}, x...)
	for i := range x {
		point[i] = x[i] - lbfgsbDH
		l1 := -l.o.Eval(point)
		point[i] = x[i] + lbfgsbDH
		l2 := -l.o.Eval(point)
		point[i] = x[i]
		l.grad[i] = (l2 - l1) / 2 / lbfgsbDH
	}
	return l.grad
}

// lbfgsbSearch runs the bounded quasi-Newton method from the starting
// point.
func lbfgsbSearch(o *Objective, start Parameters) Parameters {
	dim := o.Dimensions()
	best := start.Clone()
	if len(best.Values) != dim {
		best.Values = make([]float64, dim)
		for i := range best.Values {
			best.Values[i] = 0.3
		}
	}
	best.Score = math.Inf(-1)

	bounds := make([][2]float64, dim)
	for i := range bounds {
		bounds[i][0] = rateMin
		bounds[i][1] = rateMax
	}
	opt := new(lbfgsb.Lbfgsb)
	opt.SetApproximationSize(10)
	opt.SetFTolerance(1e-9)
	opt.SetGTolerance(1e-9)
	opt.SetBounds(bounds)

	obj := &lbfgsbObjective{o: o, best: &best}
	_, exitStatus := opt.Minimize(obj, best.Values)
	log.Debugf("lbfgsb exit status: %v", exitStatus)
	return best
}
