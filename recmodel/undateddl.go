package recmodel

import (
	"math"
	"math/rand"

	"github.com/DavidGoldLab/GeneRax/screal"
	"github.com/DavidGoldLab/GeneRax/tree"
)

// dlEngine implements the UndatedDL model. Without transfers there
// are no self-referential sums: the extinction vector has a closed
// form and the CLVs converge in one pass.
type dlEngine[T screal.Real[T]] struct {
	base[T]

	pd, pl, ps []float64
	uE         []T
	uEBackup   []T

	clvs       [][]T
	clvsBackup [][]T
}

func newDLEngine[T screal.Real[T]](species *tree.SpeciesTree, rootedGeneTree bool) *dlEngine[T] {
	e := &dlEngine[T]{}
	e.model = UndatedDL
	e.init(species, rootedGeneTree)
	e.self = e
	return e
}

func (d *dlEngine[T]) zero() (z T) { return }

func (d *dlEngine[T]) fromFloat(x float64) T { return d.zero().FromFloat(x) }

func (d *dlEngine[T]) onBind() {
	n := d.speciesCount()
	newCLVs := func() [][]T {
		clvs := make([][]T, d.clvCount())
		for i := range clvs {
			clvs[i] = make([]T, n)
		}
		return clvs
	}
	d.clvs = newCLVs()
	d.clvsBackup = newCLVs()
}

func (d *dlEngine[T]) applyRates(r *Rates) {
	n := d.speciesCount()
	d.pd = make([]float64, n)
	d.pl = make([]float64, n)
	d.ps = make([]float64, n)
	for _, e := range d.allSpecies {
		pd, pl := at(r.Dup, e), at(r.Loss, e)
		sum := pd + pl + 1.0
		d.pd[e] = pd / sum
		d.pl[e] = pl / sum
		d.ps[e] = 1.0 / sum
	}
	d.recomputeSpeciesProbabilities()
}

// recomputeSpeciesProbabilities solves the extinction probability
// uE[e] = Pl + Pd*uE^2 + Ps*uE[f]*uE[g] directly: without transfers
// it is a quadratic with a stable closed-form root.
func (d *dlEngine[T]) recomputeSpeciesProbabilities() {
	if d.uE == nil {
		d.uE = make([]T, d.speciesCount())
	}
	for _, e := range d.speciesNodes() {
		node := d.species.Node(e)
		c := d.pl[e]
		if node.Left != tree.None {
			c += d.ps[e] * d.uE[node.Left].Float() * d.uE[node.Right].Float()
		}
		var u float64
		if d.pd[e] < denomGuard {
			u = c
		} else {
			u = (1 - math.Sqrt(1-4*d.pd[e]*c)) / (2 * d.pd[e])
		}
		d.uE[e] = d.fromFloat(isProba(u))
	}
}

func (d *dlEngine[T]) updateCLV(u int) {
	for _, e := range d.speciesNodes() {
		d.probability(u, e, false, nil, nil, false, nil)
	}
}

func (d *dlEngine[T]) computeRootCLV(u int) {
	slot := d.vrSlot(u)
	for _, e := range d.speciesNodes() {
		d.clvs[slot][e] = d.zero()
	}
	for _, e := range d.speciesNodes() {
		d.probability(u, e, true, nil, nil, false, nil)
	}
}

func (d *dlEngine[T]) rootLikelihood(u int) T {
	sum := d.zero()
	slot := d.vrSlot(u)
	for _, e := range d.allSpecies {
		sum = sum.Add(d.clvs[slot][e])
	}
	return sum
}

func (d *dlEngine[T]) rootLikelihoodAt(u, e int) T {
	return d.clvs[d.vrSlot(u)][e]
}

func (d *dlEngine[T]) likelihoodFactor() T {
	one := d.fromFloat(1.0)
	factor := d.zero()
	for _, e := range d.allSpecies {
		factor = factor.Add(one.Sub(d.uE[e]))
	}
	return factor
}

func (d *dlEngine[T]) probability(u, e int, virtualRoot bool, sc *Scenario, ev *Event, stochastic bool, rng *rand.Rand) {
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
			d.clvs[gid][e] = d.fromFloat(d.ps[e])
		}
		return
	}

	var values [5]T
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
			values[0] = d.clvs[left][f].Mul(d.clvs[right][g]).MulFloat(d.ps[e])
			values[1] = d.clvs[left][g].Mul(d.clvs[right][f]).MulFloat(d.ps[e])
			proba = proba.Add(values[0]).Add(values[1])
		}
		values[2] = d.clvs[left][e].Mul(d.clvs[right][e]).MulFloat(d.pd[e])
		proba = proba.Add(values[2])
	}
	if !isSpeciesLeaf {
		values[3] = d.clvs[gid][f].Mul(d.uE[g]).MulFloat(d.ps[e])
		values[4] = d.clvs[gid][g].Mul(d.uE[f]).MulFloat(d.ps[e])
		proba = proba.Add(values[3]).Add(values[4])
	}

	if ev == nil {
		d.clvs[gid][e] = proba
		return
	}
	choice := -1
	if stochastic {
		choice = sampleIndex(values[:], rng)
	} else {
		choice = maxIndex(values[:])
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
	}
}

func (d *dlEngine[T]) beforeLL() {
	if d.partialMode != PartialSpecies || d.fastMode {
		return
	}
	d.clvs, d.clvsBackup = d.clvsBackup, d.clvs
	if d.speciesDirty {
		if d.uEBackup == nil {
			d.uEBackup = make([]T, len(d.uE))
		}
		copy(d.uEBackup, d.uE)
	}
}

func (d *dlEngine[T]) afterLL() {}

func (d *dlEngine[T]) restoreSnapshot() {
	d.clvs, d.clvsBackup = d.clvsBackup, d.clvs
	if d.uEBackup != nil {
		copy(d.uE, d.uEBackup)
	}
}
