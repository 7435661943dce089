package recmodel

import (
	"math/rand"

	"github.com/DavidGoldLab/GeneRax/screal"
	"github.com/DavidGoldLab/GeneRax/tree"
)

// dtlCLV holds the conditional values of one gene half-edge under the
// transfer-aware models.
type dtlCLV[T screal.Real[T]] struct {
	// uq[e] is the probability of observing the gene subtree given
	// the species subtree at e.
	uq []T
	// survivingTransferSum is the mean of uq over all species, the
	// marginal avoiding a quadratic inner loop over recipients.
	survivingTransferSum T
	// survivingTransferSumInvariant retains the contribution of the
	// species nodes not rescored in fast mode.
	survivingTransferSumInvariant T
	// survivingTransferSumOneMore is the sum recomputed once more
	// after the last exact fixpoint round; fast mode restarts from
	// it to stay consistent.
	survivingTransferSumOneMore T
}

// dtlEngine implements the UndatedDTL model, and UndatedIDTL when the
// ILS rates are enabled.
type dtlEngine[T screal.Real[T]] struct {
	base[T]
	ils bool

	pd, pl, pt, ps []float64
	pi             []float64

	uE                          []T
	uEBackup                    []T
	transferExtinctionSum       T
	transferExtinctionSumBackup T
	snapshotTransferExtinction  T

	clvs       []dtlCLV[T]
	clvsBackup []dtlCLV[T]
}

func newDTLEngine[T screal.Real[T]](species *tree.SpeciesTree, rootedGeneTree, ils bool) *dtlEngine[T] {
	e := &dtlEngine[T]{ils: ils}
	e.model = UndatedDTL
	if ils {
		e.model = UndatedIDTL
	}
	e.init(species, rootedGeneTree)
	e.self = e
	return e
}

func (d *dtlEngine[T]) onBind() {
	n := d.speciesCount()
	newCLVs := func() []dtlCLV[T] {
		clvs := make([]dtlCLV[T], d.clvCount())
		for i := range clvs {
			clvs[i].uq = make([]T, n)
		}
		return clvs
	}
	d.clvs = newCLVs()
	d.clvsBackup = newCLVs()
}

func (d *dtlEngine[T]) applyRates(r *Rates) {
	n := d.speciesCount()
	d.pd = make([]float64, n)
	d.pl = make([]float64, n)
	d.pt = make([]float64, n)
	d.ps = make([]float64, n)
	d.pi = make([]float64, n)
	for _, e := range d.allSpecies {
		d.pd[e] = at(r.Dup, e)
		d.pl[e] = at(r.Loss, e)
		d.pt[e] = at(r.Transfer, e)
		d.ps[e] = 1.0
		if d.ils {
			d.pi[e] = at(r.ILS, e)
		}
	}
	// Normalization runs in post-order: a child's ILS probability is
	// divided by its parent's sum, as the parent hosts the event.
	for _, e := range d.allSpecies {
		node := d.species.Node(e)
		if d.ils && (node.Left == tree.None || node.Parent == tree.None) {
			d.pi[e] = 0
		}
		sum := d.pd[e] + d.pl[e] + d.pt[e] + d.ps[e]
		if d.ils && node.Left != tree.None {
			f, g := node.Left, node.Right
			sum += d.pi[f] + d.pi[g]
			d.pi[f] /= sum
			d.pi[g] /= sum
		}
		d.pd[e] /= sum
		d.pl[e] /= sum
		d.pt[e] /= sum
		d.ps[e] /= sum
	}
	d.recomputeSpeciesProbabilities()
}

// zero returns the additive identity of the scaled-real type.
func (d *dtlEngine[T]) zero() (z T) { return }

func (d *dtlEngine[T]) fromFloat(x float64) T { return d.zero().FromFloat(x) }

// resetTransferSums computes the invariant tail of a transfer sum:
// the part contributed by the species nodes not rescored in fast
// mode.
func (d *dtlEngine[T]) resetTransferSums(transferSum T, invariant *T, probabilities []T) {
	if !d.fastMode {
		return
	}
	diff := d.zero()
	for _, e := range d.speciesNodes() {
		diff = diff.Add(probabilities[e])
	}
	diff = diff.MulFloat(1.0 / float64(len(d.allSpecies)))
	*invariant = transferSum.Sub(diff)
}

// updateTransferSums recomputes a transfer sum as the mean over the
// rescored species nodes, plus the invariant tail in fast mode.
func (d *dtlEngine[T]) updateTransferSums(transferSum *T, invariant T, probabilities []T) {
	sum := d.zero()
	for _, e := range d.speciesNodes() {
		sum = sum.Add(probabilities[e])
	}
	sum = sum.MulFloat(1.0 / float64(len(d.allSpecies)))
	if d.fastMode {
		sum = sum.Add(invariant)
	}
	*transferSum = sum
}

func (d *dtlEngine[T]) correctedTransferExtinctionSum(e int) T {
	return d.transferExtinctionSum.MulFloat(d.pt[e])
}

func (d *dtlEngine[T]) correctedTransferSum(gid, e int) T {
	return d.clvs[gid].survivingTransferSum.MulFloat(d.pt[e])
}

// recomputeSpeciesProbabilities reconverges the extinction vector uE
// and the transfer extinction sum by fixpoint iteration.
func (d *dtlEngine[T]) recomputeSpeciesProbabilities() {
	if d.uE == nil {
		d.uE = make([]T, d.speciesCount())
	}
	unused := d.zero()
	d.resetTransferSums(d.transferExtinctionSum, &unused, d.uE)
	for it := 0; it < d.iterations(); it++ {
		for _, e := range d.speciesNodes() {
			node := d.species.Node(e)
			proba := d.fromFloat(d.pl[e])
			proba = proba.Add(d.uE[e].Mul(d.uE[e]).MulFloat(d.pd[e]))
			proba = proba.Add(d.correctedTransferExtinctionSum(e).Mul(d.uE[e]))
			if node.Left != tree.None {
				f, g := node.Left, node.Right
				proba = proba.Add(d.uE[f].Mul(d.uE[g]).MulFloat(d.ps[e]))
				if d.ils {
					proba = proba.Add(d.ilsExtinction(f, g))
					proba = proba.Add(d.ilsExtinction(g, f))
				}
			}
			d.uE[e] = proba
		}
		d.updateTransferSums(&d.transferExtinctionSum, unused, d.uE)
	}
}

// ilsExtinction is the depth-1 incomplete-lineage-sorting term of the
// extinction recurrence: both grandchildren below ilsChild and the
// other child go extinct.
func (d *dtlEngine[T]) ilsExtinction(ilsChild, other int) T {
	node := d.species.Node(ilsChild)
	if node.Left == tree.None {
		return d.zero()
	}
	return d.uE[node.Left].Mul(d.uE[node.Right]).Mul(d.uE[other]).MulFloat(d.pi[ilsChild])
}

func (d *dtlEngine[T]) updateCLV(u int) {
	clv := &d.clvs[u]
	start := clv.survivingTransferSum
	if d.fastMode {
		start = clv.survivingTransferSumOneMore
	}
	d.resetTransferSums(start, &clv.survivingTransferSumInvariant, clv.uq)
	if !d.fastMode {
		for _, e := range d.speciesNodes() {
			clv.uq[e] = d.zero()
		}
	}
	for it := 0; it < d.iterations(); it++ {
		d.updateTransferSums(&clv.survivingTransferSum, clv.survivingTransferSumInvariant, clv.uq)
		for _, e := range d.speciesNodes() {
			d.probability(u, e, false, nil, nil, false, nil)
		}
	}
	if d.partialMode == PartialSpecies && !d.fastMode {
		d.updateTransferSums(&clv.survivingTransferSumOneMore, clv.survivingTransferSumInvariant, clv.uq)
	}
}

func (d *dtlEngine[T]) computeRootCLV(u int) {
	slot := d.vrSlot(u)
	clv := &d.clvs[slot]
	start := clv.survivingTransferSum
	if d.fastMode {
		start = clv.survivingTransferSumOneMore
	}
	d.resetTransferSums(start, &clv.survivingTransferSumInvariant, clv.uq)
	if !d.fastMode {
		for _, e := range d.speciesNodes() {
			clv.uq[e] = d.zero()
		}
	}
	for it := 0; it < d.iterations(); it++ {
		d.updateTransferSums(&clv.survivingTransferSum, clv.survivingTransferSumInvariant, clv.uq)
		for _, e := range d.speciesNodes() {
			d.probability(u, e, true, nil, nil, false, nil)
		}
	}
	if !d.fastMode {
		d.updateTransferSums(&clv.survivingTransferSumOneMore, clv.survivingTransferSumInvariant, clv.uq)
	}
}

func (d *dtlEngine[T]) rootLikelihood(u int) T {
	sum := d.zero()
	slot := d.vrSlot(u)
	for _, e := range d.allSpecies {
		sum = sum.Add(d.clvs[slot].uq[e])
	}
	return sum
}

func (d *dtlEngine[T]) rootLikelihoodAt(u, e int) T {
	return d.clvs[d.vrSlot(u)].uq[e]
}

func (d *dtlEngine[T]) likelihoodFactor() T {
	one := d.fromFloat(1.0)
	factor := d.zero()
	for _, e := range d.allSpecies {
		factor = factor.Add(one.Sub(d.uE[e]))
	}
	return factor
}

// probability computes the contribution sum of (gene u, species e).
// Without an event receiver the value is stored into the CLV; with
// one, the event realizing the value is selected (by maximum, or
// sampled when stochastic).
func (d *dtlEngine[T]) probability(u, e int, virtualRoot bool, sc *Scenario, ev *Event, stochastic bool, rng *rand.Rand) {
	gid := u
	if virtualRoot {
		gid = d.vrSlot(u)
	}
	isGeneLeaf := !virtualRoot && d.genes.IsLeaf(u)
	spNode := d.species.Node(e)
	isSpeciesLeaf := spNode.Left == tree.None

	if ev != nil {
		ev.GeneNode = gid
		ev.SpeciesNode = e
		ev.Type = EventNone
	}
	if isSpeciesLeaf && isGeneLeaf && e == d.geneToSpecies[u] {
		if ev == nil {
			d.clvs[gid].uq[e] = d.fromFloat(d.ps[e])
		}
		return
	}

	// Contribution slots: 0/1 speciation, 2 duplication, 3/4
	// speciation-loss, 5/6 transfer, 7 transfer-loss, 8 ILS.
	var values [9]T
	proba := d.zero()

	var left, right int
	if !isGeneLeaf {
		left, right = d.children(u, virtualRoot)
	}
	f, g := tree.None, tree.None
	if !isSpeciesLeaf {
		f, g = spNode.Left, spNode.Right
	}
	if !isGeneLeaf {
		if !isSpeciesLeaf {
			values[0] = d.clvs[left].uq[f].Mul(d.clvs[right].uq[g]).MulFloat(d.ps[e])
			values[1] = d.clvs[left].uq[g].Mul(d.clvs[right].uq[f]).MulFloat(d.ps[e])
			proba = proba.Add(values[0]).Add(values[1])
			if d.ils {
				values[8] = d.ilsContribution(left, right, f, g)
				proba = proba.Add(values[8])
			}
		}
		values[2] = d.clvs[left].uq[e].Mul(d.clvs[right].uq[e]).MulFloat(d.pd[e])
		proba = proba.Add(values[2])
		values[5] = d.correctedTransferSum(left, e).Mul(d.clvs[right].uq[e])
		values[6] = d.correctedTransferSum(right, e).Mul(d.clvs[left].uq[e])
		proba = proba.Add(values[5]).Add(values[6])
	}
	if !isSpeciesLeaf {
		values[3] = d.clvs[gid].uq[f].Mul(d.uE[g]).MulFloat(d.ps[e])
		values[4] = d.clvs[gid].uq[g].Mul(d.uE[f]).MulFloat(d.ps[e])
		proba = proba.Add(values[3]).Add(values[4])
	}
	values[7] = d.correctedTransferSum(gid, e).Mul(d.uE[e])
	proba = proba.Add(values[7])

	if ev == nil {
		d.clvs[gid].uq[e] = proba
		return
	}

	// Event selection: the aggregated transfer slots are replaced by
	// the best concrete transfer; ILS placements are not reported as
	// events.
	values[5], values[6], values[7], values[8] = d.zero(), d.zero(), d.zero(), d.zero()
	var transferredGene, receivingSpecies int
	if !isGeneLeaf {
		values[5], transferredGene, receivingSpecies = d.bestTransfer(left, right, e, stochastic, rng)
	}
	tlReceiving := tree.None
	values[7], tlReceiving = d.bestTransferLoss(sc, gid, e, stochastic, rng)

	choice := -1
	if stochastic {
		choice = sampleIndex(values[:8], rng)
	} else {
		choice = maxIndex(values[:8])
	}
	if choice == -1 {
		ev.Type = EventInvalid
		return
	}
	switch choice {
	case 0:
		ev.Type = EventS
	case 1:
		ev.Type = EventS
		ev.Cross = true
	case 2:
		ev.Type = EventD
	case 3:
		ev.Type = EventSL
		ev.DestSpeciesNode = f
	case 4:
		ev.Type = EventSL
		ev.DestSpeciesNode = g
	case 5:
		ev.Type = EventT
		ev.TransferredGeneNode = transferredGene
		ev.DestSpeciesNode = receivingSpecies
	case 7:
		ev.Type = EventTL
		ev.TransferredGeneNode = u
		ev.DestSpeciesNode = tlReceiving
	}
}

// ilsContribution sums the eight pairings of grandchild genes and
// grandchild species realizing a depth-1 incomplete lineage sorting.
func (d *dtlEngine[T]) ilsContribution(left, right, f, g int) T {
	sonGenes := [2]int{left, right}
	sonSpecies := [2]int{f, g}
	res := d.zero()
	for ilsSp := 0; ilsSp < 2; ilsSp++ {
		ilsSpNode := d.species.Node(sonSpecies[ilsSp])
		if ilsSpNode.Left == tree.None {
			continue
		}
		for ilsGene := 0; ilsGene < 2; ilsGene++ {
			splitGene := sonGenes[1-ilsGene]
			if d.genes.IsLeaf(splitGene) {
				continue
			}
			grandGenes := [2]int{d.genes.LeftChild(splitGene), d.genes.RightChild(splitGene)}
			grandSpecies := [2]int{ilsSpNode.Left, ilsSpNode.Right}
			for lrGene := 0; lrGene < 2; lrGene++ {
				for lrSp := 0; lrSp < 2; lrSp++ {
					g1 := sonGenes[ilsGene]
					s1 := grandSpecies[lrSp]
					g2 := grandGenes[lrGene]
					s2 := grandSpecies[1-lrSp]
					g3 := grandGenes[1-lrGene]
					s3 := sonSpecies[1-ilsSp]
					t := d.clvs[g1].uq[s1].Mul(d.clvs[g2].uq[s2]).Mul(d.clvs[g3].uq[s3])
					t = t.MulFloat(d.pi[sonSpecies[ilsSp]])
					res = res.Add(t)
				}
			}
		}
	}
	return res
}

// ancestorSet collects e and its ancestors, the species forbidden as
// transfer recipients.
func (d *dtlEngine[T]) ancestorSet(e int) map[int]bool {
	set := map[int]bool{}
	for _, a := range d.species.Ancestors(e) {
		set[a] = true
	}
	return set
}

// bestTransfer finds the transfer event with the highest (or a
// sampled) contribution, excluding the donor's ancestors.
func (d *dtlEngine[T]) bestTransfer(left, right, e int, stochastic bool, rng *rand.Rand) (T, int, int) {
	n := len(d.allSpecies)
	parents := d.ancestorSet(e)
	probas := make([]T, 2*n)
	factor := d.pt[e] / float64(n)
	for _, h := range d.allSpecies {
		if parents[h] {
			continue
		}
		probas[h] = d.clvs[left].uq[h].Mul(d.clvs[right].uq[e]).MulFloat(factor)
		probas[h+n] = d.clvs[right].uq[h].Mul(d.clvs[left].uq[e]).MulFloat(factor)
	}
	if stochastic {
		total := d.zero()
		for _, p := range probas {
			total = total.Add(p)
		}
		idx := sampleIndex(probas, rng)
		if idx == -1 {
			return d.zero(), tree.None, tree.None
		}
		gene := left
		if idx >= n {
			gene = right
		}
		return total, gene, idx % n
	}
	idx := maxIndex(probas)
	if idx == -1 {
		return d.zero(), tree.None, tree.None
	}
	gene := left
	if idx >= n {
		gene = right
	}
	return probas[idx], gene, idx % n
}

// bestTransferLoss finds the recipient of a transfer-loss, honoring
// the scenario's blacklist so the same (gene, species) pair is not
// followed twice along a path.
func (d *dtlEngine[T]) bestTransferLoss(sc *Scenario, gid, e int, stochastic bool, rng *rand.Rand) (T, int) {
	n := len(d.allSpecies)
	parents := d.ancestorSet(e)
	probas := make([]T, n)
	factor := d.uE[e].MulFloat(d.pt[e] / float64(n))
	for _, h := range d.allSpecies {
		if parents[h] || (sc != nil && sc.IsBlacklisted(gid, h)) {
			continue
		}
		probas[h] = d.clvs[gid].uq[h].Mul(factor)
	}
	var idx int
	if stochastic {
		idx = sampleIndex(probas, rng)
	} else {
		idx = maxIndex(probas)
	}
	if idx == -1 {
		return d.zero(), tree.None
	}
	if sc != nil {
		sc.Blacklist(gid, idx)
	}
	if stochastic {
		total := d.zero()
		for _, p := range probas {
			total = total.Add(p)
		}
		return total, idx
	}
	return probas[idx], idx
}

func (d *dtlEngine[T]) beforeLL() {
	if d.partialMode != PartialSpecies {
		return
	}
	if d.fastMode {
		d.transferExtinctionSumBackup = d.transferExtinctionSum
		for gid := range d.clvs {
			d.clvsBackup[gid].survivingTransferSum = d.clvs[gid].survivingTransferSum
			for _, e := range d.speciesNodes() {
				d.clvsBackup[gid].uq[e] = d.clvs[gid].uq[e]
			}
		}
	} else {
		d.clvs, d.clvsBackup = d.clvsBackup, d.clvs
		if d.speciesDirty {
			if d.uEBackup == nil {
				d.uEBackup = make([]T, len(d.uE))
			}
			copy(d.uEBackup, d.uE)
			d.snapshotTransferExtinction = d.transferExtinctionSum
		}
	}
}

func (d *dtlEngine[T]) afterLL() {
	if d.partialMode != PartialSpecies || !d.fastMode {
		return
	}
	d.transferExtinctionSum = d.transferExtinctionSumBackup
	for gid := range d.clvs {
		d.clvs[gid].survivingTransferSum = d.clvsBackup[gid].survivingTransferSum
		for _, e := range d.speciesNodes() {
			d.clvs[gid].uq[e] = d.clvsBackup[gid].uq[e]
		}
	}
}

func (d *dtlEngine[T]) restoreSnapshot() {
	d.clvs, d.clvsBackup = d.clvsBackup, d.clvs
	if d.uEBackup != nil {
		copy(d.uE, d.uEBackup)
		d.transferExtinctionSum = d.snapshotTransferExtinction
	}
}
