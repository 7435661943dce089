// Package seqlh adapts an external per-site sequence likelihood
// kernel to the joint search. The kernel itself (substitution models,
// site pattern compression, branch length optimization) is an
// external collaborator; this package only wraps it behind a stable
// interface and translates its failures into typed errors.
package seqlh

import (
	"errors"
	"fmt"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/tree"
)

var log = logging.MustGetLogger("seqlh")

// Kernel is the external per-site likelihood engine of one family.
type Kernel interface {
	// Evaluate returns the log-likelihood of the current tree.
	Evaluate(genes *tree.GeneTree) (float64, error)
	// OptimizeAll optimizes model parameters and branch lengths up
	// to the given tolerance and returns the new log-likelihood.
	OptimizeAll(genes *tree.GeneTree, tolerance float64) (float64, error)
	// SPRRound runs one kernel-internal SPR round within the given
	// radius and returns the new log-likelihood.
	SPRRound(genes *tree.GeneTree, radius int) (float64, error)
}

// ErrKernel wraps failures of the external kernel.
var ErrKernel = errors.New("sequence likelihood kernel failure")

// Adaptor exposes the kernel operations with result caching and typed
// error translation.
type Adaptor struct {
	kernel Kernel
	genes  *tree.GeneTree

	valid  bool
	lastLL float64
}

// NewAdaptor wraps a kernel bound to a gene tree.
func NewAdaptor(kernel Kernel, genes *tree.GeneTree) *Adaptor {
	return &Adaptor{kernel: kernel, genes: genes}
}

// Invalidate discards the cached likelihood after a topology change.
func (a *Adaptor) Invalidate() { a.valid = false }

// Evaluate returns the sequence log-likelihood, cached until the next
// invalidation.
func (a *Adaptor) Evaluate() (float64, error) {
	if a.valid {
		return a.lastLL, nil
	}
	ll, err := a.kernel.Evaluate(a.genes)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrKernel, err)
	}
	a.lastLL = ll
	a.valid = true
	return ll, nil
}

// OptimizeAll optimizes the kernel parameters in place.
func (a *Adaptor) OptimizeAll(tolerance float64) (float64, error) {
	ll, err := a.kernel.OptimizeAll(a.genes, tolerance)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrKernel, err)
	}
	a.lastLL = ll
	a.valid = true
	return ll, nil
}

// SPRRound runs a kernel SPR round; the tree may change.
func (a *Adaptor) SPRRound(radius int) (float64, error) {
	ll, err := a.kernel.SPRRound(a.genes, radius)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrKernel, err)
	}
	a.lastLL = ll
	a.valid = true
	return ll, nil
}

// NullKernel is used when sequence data is disabled: it contributes a
// constant zero log-likelihood, so the joint search reduces to the
// reconciliation likelihood.
type NullKernel struct{}

// Evaluate implements Kernel.
func (NullKernel) Evaluate(*tree.GeneTree) (float64, error) { return 0, nil }

// OptimizeAll implements Kernel.
func (NullKernel) OptimizeAll(*tree.GeneTree, float64) (float64, error) { return 0, nil }

// SPRRound implements Kernel.
func (NullKernel) SPRRound(*tree.GeneTree, int) (float64, error) { return 0, nil }
