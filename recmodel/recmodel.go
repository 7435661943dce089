// Package recmodel implements the reconciliation likelihood of a gene
// tree against a rooted species tree under undated duplication, loss,
// transfer and incomplete-lineage-sorting models.
package recmodel

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("recmodel")

// Model identifies a reconciliation model variant.
type Model int

const (
	UndatedDL Model = iota
	UndatedDTL
	UndatedIDTL
)

// ParseModel converts a model name into its constant.
func ParseModel(s string) (Model, error) {
	switch s {
	case "UndatedDL":
		return UndatedDL, nil
	case "UndatedDTL":
		return UndatedDTL, nil
	case "UndatedIDTL":
		return UndatedIDTL, nil
	}
	return UndatedDL, fmt.Errorf("unknown reconciliation model: %s", s)
}

func (m Model) String() string {
	switch m {
	case UndatedDL:
		return "UndatedDL"
	case UndatedDTL:
		return "UndatedDTL"
	case UndatedIDTL:
		return "UndatedIDTL"
	}
	return "invalid"
}

// FreeParameters returns the number of free rate parameters per
// species branch.
func (m Model) FreeParameters() int {
	switch m {
	case UndatedDL:
		return 2
	case UndatedDTL:
		return 3
	case UndatedIDTL:
		return 4
	}
	return 0
}

// AccountsForTransfers is true for models with horizontal transfers.
func (m Model) AccountsForTransfers() bool { return m != UndatedDL }

// ImplementsApproxLikelihood is true when the model has a faster
// approximative evaluation mode.
func (m Model) ImplementsApproxLikelihood() bool { return m != UndatedDL }

// PartialMode defines how computations are reused between likelihood
// evaluations.
type PartialMode int

const (
	// PartialGenes caches per-gene values, invalidated by gene tree
	// topology changes.
	PartialGenes PartialMode = iota
	// PartialSpecies caches per-species values and keeps a snapshot
	// for rollback, for use by the species tree search.
	PartialSpecies
	// NoPartial always recomputes everything.
	NoPartial
)

// Rates hold the per-species-branch event rates of a model. Each
// slice has either one entry (global rate) or one entry per species
// node.
type Rates struct {
	Model    Model
	Dup      []float64
	Loss     []float64
	Transfer []float64
	ILS      []float64
}

// NewRates builds global rates for the given model. Values beyond the
// model's free parameters are ignored.
func NewRates(model Model, values ...float64) *Rates {
	get := func(i int) []float64 {
		if i < len(values) {
			return []float64{values[i]}
		}
		return []float64{0}
	}
	r := &Rates{Model: model, Dup: get(0), Loss: get(1)}
	if model.AccountsForTransfers() {
		r.Transfer = get(2)
	}
	if model == UndatedIDTL {
		r.ILS = get(3)
	}
	return r
}

// at resolves a possibly-global rate slice at a species node.
func at(rates []float64, e int) float64 {
	if len(rates) == 0 {
		return 0
	}
	if len(rates) == 1 {
		return rates[0]
	}
	return rates[e]
}

// Errors returned by the engines.
var (
	ErrNotBound    = errors.New("no gene tree bound to the reconciliation engine")
	ErrModelKind   = errors.New("rates variant does not match the engine model")
	ErrNotEvaluted = errors.New("evaluate must be called before inferring a scenario")
)

const (
	// llFloor is returned when the likelihood is exactly zero.
	llFloor = -1e308
	// probaEps is the tolerance of the probability validation hook.
	probaEps = 1e-6
	// denomGuard treats sums below this value as probability zero.
	denomGuard = 1e-300
)

// probaWarnings counts clamped probabilities across all engines of
// all worker ranks.
var probaWarnings atomic.Int64

// isProba validates a probability-like value, clamping out-of-range
// values and counting a warning.
func isProba(x float64) float64 {
	if x >= 0 && x <= 1+probaEps {
		return x
	}
	if probaWarnings.Add(1) == 1 {
		log.Warningf("probability out of range: %g (warnings are counted, reported once)", x)
	}
	if x < 0 {
		return 0
	}
	return 1
}

// ProbaWarnings returns the number of clamped probabilities so far.
func ProbaWarnings() int { return int(probaWarnings.Load()) }
