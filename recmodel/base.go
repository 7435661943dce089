package recmodel

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/DavidGoldLab/GeneRax/screal"
	"github.com/DavidGoldLab/GeneRax/tree"
)

// engineState tracks the engine life cycle: Unbound until a gene tree
// is bound, then Ready/Dirty depending on pending invalidations.
type engineState int

const (
	stateUnbound engineState = iota
	stateReady
	stateDirty
)

// hooks are the model-specific operations of the DP; UndatedDL,
// UndatedDTL and UndatedIDTL each provide an implementation, generic
// over the scaled-real type.
type hooks[T screal.Real[T]] interface {
	// onBind sizes the CLV buffers after a gene tree was bound.
	onBind()
	// applyRates normalizes the rates into per-species
	// probabilities and recomputes the species-side values.
	applyRates(r *Rates)
	// recomputeSpeciesProbabilities refreshes the extinction vector
	// (and the transfer extinction sum where applicable).
	recomputeSpeciesProbabilities()
	// updateCLV recomputes the conditional values of one gene
	// half-edge over the species nodes to update.
	updateCLV(u int)
	// computeRootCLV fills the virtual-root slot of u.
	computeRootCLV(u int)
	// rootLikelihood sums the virtual-root values of u over species.
	rootLikelihood(u int) T
	// rootLikelihoodAt reads the virtual-root value of u at e.
	rootLikelihoodAt(u, e int) T
	// likelihoodFactor is the rooting normalizer Σ_e (1-uE[e]).
	likelihoodFactor() T
	// probability recomputes the contribution sum of (u, e) and,
	// when ev is non-nil, selects the event realizing it.
	probability(u, e int, virtualRoot bool, sc *Scenario, ev *Event, stochastic bool, rng *rand.Rand)
	// beforeLL / afterLL bracket one evaluation for the
	// partial-species snapshot discipline.
	beforeLL()
	afterLL()
	// restoreSnapshot swaps back to the state preceding the last
	// exact evaluation.
	restoreSnapshot()
}

// base carries the model-independent machinery: binding, state
// machine, invalidation, root enumeration, and the backtrace driver.
type base[T screal.Real[T]] struct {
	self  hooks[T]
	model Model

	rootedGeneTree bool
	partialMode    PartialMode

	species    *tree.SpeciesTree
	allSpecies []int
	// speciesToUpdate is the subset rescored in fast mode.
	speciesToUpdate []int
	fastMode        bool
	speciesDirty    bool

	genes         *tree.GeneTree
	geneToSpecies []int
	maxGeneID     int
	geneRoot      int

	state      engineState
	invalid    map[int]bool
	allInvalid bool
	lastLL     float64
	prevLL     float64
}

func (b *base[T]) init(species *tree.SpeciesTree, rootedGeneTree bool) {
	b.species = species
	b.allSpecies = species.PostOrder()
	b.rootedGeneTree = rootedGeneTree
	b.partialMode = PartialGenes
	b.geneRoot = tree.None
	b.invalid = map[int]bool{}
	b.state = stateUnbound
}

// speciesCount is the size of the species-indexed arrays.
func (b *base[T]) speciesCount() int { return b.species.NodesCount() }

// clvCount is the size of the gene-indexed arrays: one slot per
// half-edge plus one virtual-root slot per half-edge.
func (b *base[T]) clvCount() int { return 2 * (b.maxGeneID + 1) }

// vrSlot addresses the virtual-root CLV of half-edge u.
func (b *base[T]) vrSlot(u int) int { return u + b.maxGeneID + 1 }

// speciesNodes returns the nodes rescored by the current evaluation.
func (b *base[T]) speciesNodes() []int {
	if b.fastMode && b.speciesToUpdate != nil {
		return b.speciesToUpdate
	}
	return b.allSpecies
}

// iterations is the fixpoint round count of the self-referential
// transfer sums: 5 in exact mode, 1 in fast mode.
func (b *base[T]) iterations() int {
	if !b.model.AccountsForTransfers() {
		return 1
	}
	if b.fastMode {
		return 1
	}
	return 5
}

// children returns the two child half-edges of u; a virtual root's
// children are the two directed views of the root branch.
func (b *base[T]) children(u int, virtualRoot bool) (int, int) {
	if virtualRoot {
		return u, b.genes.Edge(u).Back
	}
	return b.genes.LeftChild(u), b.genes.RightChild(u)
}

// BindGeneTree attaches a gene tree and its mapping to the engine,
// sizing all conditional value buffers.
func (b *base[T]) BindGeneTree(genes *tree.GeneTree, ext []int) error {
	if len(ext) != genes.HalfEdgeCount() {
		return fmt.Errorf("mapping extension has %d entries, want %d", len(ext), genes.HalfEdgeCount())
	}
	b.genes = genes
	b.geneToSpecies = ext
	b.maxGeneID = genes.MaxHalfEdge()
	b.geneRoot = genes.Root()
	b.allInvalid = true
	b.state = stateDirty
	b.self.onBind()
	return nil
}

// SetRates installs a rate vector. The variant must match the engine
// model.
func (b *base[T]) SetRates(r *Rates) error {
	if b.state == stateUnbound {
		return ErrNotBound
	}
	if r.Model != b.model {
		return fmt.Errorf("%w: got %s, engine is %s", ErrModelKind, r.Model, b.model)
	}
	b.geneRoot = tree.None
	b.self.applyRates(r)
	b.speciesDirty = false
	b.InvalidateAll()
	return nil
}

// Invalidate marks gene half-edges dirty; their ancestors are
// recomputed transitively at the next evaluation.
func (b *base[T]) Invalidate(halfEdges []int) {
	for _, h := range halfEdges {
		b.invalid[h] = true
	}
	if len(halfEdges) > 0 {
		b.state = stateDirty
	}
}

// InvalidateAll marks every conditional value dirty.
func (b *base[T]) InvalidateAll() {
	b.allInvalid = true
	b.state = stateDirty
}

// OnSpeciesTreeChange reports mutated species nodes. A nil set means
// the whole tree changed. The set (plus ancestors) drives the fast
// evaluation mode; exact evaluations recompute everything.
func (b *base[T]) OnSpeciesTreeChange(speciesNodes []int) {
	b.speciesToUpdate = speciesNodes
	b.speciesDirty = true
	b.allInvalid = true
	b.state = stateDirty
}

// SetPartialMode selects the caching discipline.
func (b *base[T]) SetPartialMode(mode PartialMode) { b.partialMode = mode }

// SetRoot designates the gene root branch (rooted-gene-tree mode).
func (b *base[T]) SetRoot(u int) { b.geneRoot = u }

// Root returns the cached best root branch, tree.None before the
// first evaluation.
func (b *base[T]) Root() int { return b.geneRoot }

// Model returns the engine variant.
func (b *base[T]) Model() Model { return b.model }

// Evaluate computes the reconciliation log-likelihood, reconverging
// only the dirty conditional values. In approximate mode a single
// fixpoint round is run over the species subset provided by
// OnSpeciesTreeChange.
func (b *base[T]) Evaluate(approx bool) (float64, error) {
	if b.state == stateUnbound {
		return 0, ErrNotBound
	}
	if b.state == stateReady && !b.nothingToDo(approx) {
		b.state = stateDirty
	}
	if b.state == stateReady {
		return b.lastLL, nil
	}
	b.fastMode = approx && b.model.ImplementsApproxLikelihood()
	b.self.beforeLL()
	if b.speciesDirty {
		b.self.recomputeSpeciesProbabilities()
		if !b.fastMode {
			b.speciesDirty = false
		}
	}
	b.updateCLVs()
	ll := b.computeRootsLikelihood()
	b.self.afterLL()
	if !b.fastMode {
		b.prevLL, b.lastLL = b.lastLL, ll
		b.invalid = map[int]bool{}
		b.allInvalid = false
		b.state = stateReady
	}
	return ll, nil
}

// nothingToDo reports whether the cached likelihood is still valid.
func (b *base[T]) nothingToDo(approx bool) bool {
	return !b.allInvalid && len(b.invalid) == 0 && !b.speciesDirty
}

// updateCLVs recomputes the dirty conditional values in post-order,
// propagating dirtiness to the ancestors of invalidated half-edges.
func (b *base[T]) updateCLVs() {
	recomputed := make([]bool, b.maxGeneID+1)
	for _, u := range b.genes.PostOrder() {
		need := b.allInvalid || b.invalid[u] || b.fastMode
		if !need && !b.genes.IsLeaf(u) {
			need = recomputed[b.genes.LeftChild(u)] || recomputed[b.genes.RightChild(u)]
		}
		if need {
			b.self.updateCLV(u)
			recomputed[u] = true
		}
	}
}

// rootCandidates enumerates the virtual roots scored by this
// evaluation. In rooted-gene-tree mode with a cached root, only its
// neighborhood is rescored.
func (b *base[T]) rootCandidates() []int {
	if b.rootedGeneTree && b.geneRoot != tree.None {
		return b.genes.RootNeighborhood()
	}
	return b.genes.VirtualRoots()
}

// computeRootsLikelihood scores all candidate roots and returns the
// final log-likelihood: the best root in rooted mode, the sum over
// roots otherwise, both divided by the likelihood factor.
func (b *base[T]) computeRootsLikelihood() float64 {
	roots := b.rootCandidates()
	var zero T
	total := zero
	best := zero
	bestRoot := tree.None
	for _, u := range roots {
		b.self.computeRootCLV(u)
		lk := b.self.rootLikelihood(u)
		total = total.Add(lk)
		if bestRoot == tree.None || best.Less(lk) {
			best = lk
			bestRoot = u
		}
	}
	b.geneRoot = bestRoot
	b.genes.SetRoot(bestRoot)
	result := total
	if b.rootedGeneTree {
		result = best
	}
	factor := b.self.likelihoodFactor()
	if factor.IsZero() || factor.Log() == math.Inf(-1) {
		log.Warning("likelihood factor is zero")
		return llFloor
	}
	ll := result.Log() - factor.Log()
	if math.IsInf(ll, -1) || math.IsNaN(ll) {
		return llFloor
	}
	return ll
}

// RollbackToLastState restores the conditional values snapshotted by
// the previous exact evaluation (partial-species mode).
func (b *base[T]) RollbackToLastState() {
	b.self.restoreSnapshot()
	b.lastLL = b.prevLL
	b.state = stateReady
}

// InferMLScenario backtracks a reconciliation from the best (or a
// sampled) virtual root and species root. Evaluate must have run.
func (b *base[T]) InferMLScenario(stochastic bool, rng *rand.Rand) (*Scenario, error) {
	if b.state == stateUnbound {
		return nil, ErrNotBound
	}
	if b.state != stateReady {
		return nil, ErrNotEvaluted
	}
	sc := NewScenario(b.species, b.genes)
	u, e := b.pickRoot(stochastic, rng)
	if u == tree.None {
		return nil, fmt.Errorf("no feasible reconciliation root")
	}
	sc.Root = u
	if err := b.backtrace(u, e, true, sc, stochastic, rng); err != nil {
		return nil, err
	}
	return sc, nil
}

// pickRoot selects the (virtual root, species root) pair with the
// highest contribution, or samples one proportionally.
func (b *base[T]) pickRoot(stochastic bool, rng *rand.Rand) (int, int) {
	roots := b.rootCandidates()
	if b.geneRoot != tree.None {
		roots = []int{b.geneRoot}
		if !b.rootedGeneTree {
			roots = b.rootCandidates()
		}
	}
	var zero T
	if stochastic {
		total := zero
		for _, u := range roots {
			for _, e := range b.allSpecies {
				total = total.Add(b.self.rootLikelihoodAt(u, e))
			}
		}
		if total.IsZero() {
			return tree.None, tree.None
		}
		target := total.MulFloat(rng.Float64())
		acc := zero
		for _, u := range roots {
			for _, e := range b.allSpecies {
				acc = acc.Add(b.self.rootLikelihoodAt(u, e))
				if target.Less(acc) {
					return u, e
				}
			}
		}
	}
	bestU, bestE := tree.None, tree.None
	best := zero
	for _, u := range roots {
		for _, e := range b.allSpecies {
			lk := b.self.rootLikelihoodAt(u, e)
			if lk.IsZero() {
				continue
			}
			if bestU == tree.None || best.Less(lk) {
				best, bestU, bestE = lk, u, e
			}
		}
	}
	return bestU, bestE
}

// backtrace picks the event realizing the conditional value of
// (u, e) and recurses into the implied children placements.
func (b *base[T]) backtrace(u, e int, virtualRoot bool, sc *Scenario, stochastic bool, rng *rand.Rand) error {
	var ev Event
	b.self.probability(u, e, virtualRoot, sc, &ev, stochastic, rng)
	sc.AddEvent(ev)
	left, right := tree.None, tree.None
	if virtualRoot || !b.genes.IsLeaf(u) {
		left, right = b.children(u, virtualRoot)
	}
	f, g := tree.None, tree.None
	if !b.species.IsLeaf(e) {
		f = b.species.Node(e).Left
		g = b.species.Node(e).Right
	}
	switch ev.Type {
	case EventNone:
		return nil
	case EventS:
		if ev.Cross {
			f, g = g, f
		}
		if err := b.backtrace(left, f, false, sc, stochastic, rng); err != nil {
			return err
		}
		return b.backtrace(right, g, false, sc, stochastic, rng)
	case EventSL:
		return b.backtrace(u, ev.DestSpeciesNode, virtualRoot, sc, stochastic, rng)
	case EventD:
		if err := b.backtrace(left, e, false, sc, stochastic, rng); err != nil {
			return err
		}
		return b.backtrace(right, e, false, sc, stochastic, rng)
	case EventT:
		staying := right
		if ev.TransferredGeneNode == right {
			staying = left
		}
		if err := b.backtrace(ev.TransferredGeneNode, ev.DestSpeciesNode, false, sc, stochastic, rng); err != nil {
			return err
		}
		return b.backtrace(staying, e, false, sc, stochastic, rng)
	case EventTL:
		return b.backtrace(u, ev.DestSpeciesNode, virtualRoot, sc, stochastic, rng)
	}
	return fmt.Errorf("no feasible event for gene %d at species %d", u, e)
}

// sampleIndex picks an index proportionally to the values, -1 when
// all values are zero.
func sampleIndex[T screal.Real[T]](values []T, rng *rand.Rand) int {
	var total T
	for _, v := range values {
		total = total.Add(v)
	}
	if total.IsZero() {
		return -1
	}
	target := total.MulFloat(rng.Float64())
	var acc T
	for i, v := range values {
		acc = acc.Add(v)
		if target.Less(acc) {
			return i
		}
	}
	return len(values) - 1
}

// maxIndex returns the index of the largest value, -1 when all are
// zero.
func maxIndex[T screal.Real[T]](values []T) int {
	best := -1
	var bestV T
	for i, v := range values {
		if v.IsZero() {
			continue
		}
		if best == -1 || bestV.Less(v) {
			best, bestV = i, v
		}
	}
	return best
}
