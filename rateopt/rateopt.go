// Package rateopt optimizes the DTL event rates of a collection of
// reconciliation engines by derivative-free numerical search. The
// objective is the sum of the per-family reconciliation
// log-likelihoods, reduced across worker ranks.
package rateopt

import (
	"fmt"
	"math"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/parallel"
	"github.com/DavidGoldLab/GeneRax/recmodel"
)

var log = logging.MustGetLogger("rateopt")

// Method selects the optimization algorithm.
type Method int

const (
	Grid Method = iota
	Simplex
	Gradient
	LBFGSB
)

// ParseMethod converts a method name into its constant.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "grid":
		return Grid, nil
	case "simplex":
		return Simplex, nil
	case "gradient":
		return Gradient, nil
	case "lbfgsb":
		return LBFGSB, nil
	}
	return Grid, fmt.Errorf("unknown rate optimization method: %s", s)
}

const (
	// rateMin and rateMax bound every rate parameter.
	rateMin = 1e-6
	rateMax = 10.0
	// ftol terminates the search when the relative improvement of
	// an iteration falls below it.
	ftol = 1e-3
	// maxIterations bounds every algorithm.
	maxIterations = 1000
)

// Parameters is a rate vector with the log-likelihood it achieved.
type Parameters struct {
	Values []float64
	Score  float64
}

// NewParameters copies a starting point with an unknown score.
func NewParameters(values ...float64) Parameters {
	return Parameters{Values: append([]float64{}, values...), Score: math.Inf(-1)}
}

// Clone copies the parameters.
func (p Parameters) Clone() Parameters {
	return Parameters{Values: append([]float64{}, p.Values...), Score: p.Score}
}

// Objective maps a parameter vector to the cross-rank sum of the
// per-family reconciliation log-likelihoods.
type Objective struct {
	Engines []recmodel.Engine
	Model   recmodel.Model
	Ctx     *parallel.Context
	// PerSpecies interprets the vector as species-major blocks of
	// the model's free parameters; otherwise it is one global block.
	PerSpecies   bool
	SpeciesCount int

	evaluations int
}

// Rates converts a parameter vector into the engine rate layout.
func (o *Objective) Rates(values []float64) *recmodel.Rates {
	k := o.Model.FreeParameters()
	r := &recmodel.Rates{Model: o.Model}
	slot := func(j int) []float64 {
		if !o.PerSpecies {
			return []float64{values[j]}
		}
		col := make([]float64, o.SpeciesCount)
		for e := 0; e < o.SpeciesCount; e++ {
			col[e] = values[e*k+j]
		}
		return col
	}
	r.Dup = slot(0)
	r.Loss = slot(1)
	if o.Model.AccountsForTransfers() {
		r.Transfer = slot(2)
	}
	if o.Model == recmodel.UndatedIDTL {
		r.ILS = slot(3)
	}
	return r
}

// Dimensions returns the length of the parameter vector.
func (o *Objective) Dimensions() int {
	if o.PerSpecies {
		return o.SpeciesCount * o.Model.FreeParameters()
	}
	return o.Model.FreeParameters()
}

// InRange checks the rate bounds.
func (o *Objective) InRange(values []float64) bool {
	for _, v := range values {
		if v < 0 || v > rateMax {
			return false
		}
	}
	return true
}

// Eval computes the objective at a point. Out-of-range points score
// -Inf without touching the engines.
func (o *Objective) Eval(values []float64) float64 {
	if !o.InRange(values) {
		return math.Inf(-1)
	}
	o.evaluations++
	rates := o.Rates(values)
	sum := 0.0
	for _, engine := range o.Engines {
		if err := engine.SetRates(rates); err != nil {
			log.Error("Error setting rates: ", err)
			return math.Inf(-1)
		}
		ll, err := engine.Evaluate(false)
		if err != nil {
			log.Error("Error evaluating: ", err)
			return math.Inf(-1)
		}
		sum += ll
	}
	if o.Ctx != nil {
		sum = o.Ctx.SumDouble(sum)
	}
	return sum
}

// Evaluations returns the number of objective calls so far.
func (o *Objective) Evaluations() int { return o.evaluations }

// Optimize runs the selected method from the starting point and
// returns the best parameters found, engines left at that point.
func Optimize(method Method, o *Objective, start Parameters) Parameters {
	var best Parameters
	switch method {
	case Grid:
		best = gridSearch(o, start)
	case Simplex:
		best = downhillSimplex(o, start)
	case Gradient:
		best = gradientDescent(o, start)
	case LBFGSB:
		best = lbfgsbSearch(o, start)
	default:
		best = gridSearch(o, start)
	}
	// Leave the engines at the optimum.
	best.Score = o.Eval(best.Values)
	log.Debugf("rate optimization: %d evaluations, lnL=%f", o.evaluations, best.Score)
	return best
}
