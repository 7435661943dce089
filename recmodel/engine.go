package recmodel

import (
	"math/rand"

	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/screal"
	"github.com/DavidGoldLab/GeneRax/tree"
)

// Engine is the reconciliation likelihood engine of one gene family.
// All operations except BindGeneTree fail with ErrNotBound until a
// gene tree is bound.
type Engine interface {
	BindGeneTree(genes *tree.GeneTree, geneToSpecies []int) error
	SetRates(r *Rates) error
	Invalidate(halfEdges []int)
	InvalidateAll()
	OnSpeciesTreeChange(speciesNodes []int)
	SetPartialMode(mode PartialMode)
	SetRoot(halfEdge int)
	Root() int
	Model() Model
	Evaluate(approx bool) (float64, error)
	RollbackToLastState()
	InferMLScenario(stochastic bool, rng *rand.Rand) (*Scenario, error)
}

// Species trees up to this size keep UndatedDL probabilities within
// the range of plain doubles.
const smallSpeciesTree = 64

// NewEngine builds an engine for the given model. Transfer-aware
// models always use scaled reals; UndatedDL uses plain doubles on
// small species trees.
func NewEngine(species *tree.SpeciesTree, model Model, rootedGeneTree bool) Engine {
	switch model {
	case UndatedDTL:
		return newDTLEngine[screal.Scaled](species, rootedGeneTree, false)
	case UndatedIDTL:
		return newDTLEngine[screal.Scaled](species, rootedGeneTree, true)
	}
	if species.NodesCount() <= smallSpeciesTree {
		return newDLEngine[screal.Float](species, rootedGeneTree)
	}
	return newDLEngine[screal.Scaled](species, rootedGeneTree)
}

// Evaluation couples an engine with the trees and mapping of one gene
// family.
type Evaluation struct {
	Engine
	Species *tree.SpeciesTree
	Genes   *tree.GeneTree
	Mapping *mapping.GeneSpecies
}

// NewEvaluation builds and binds an engine for one family.
func NewEvaluation(species *tree.SpeciesTree, genes *tree.GeneTree,
	geneMap *mapping.GeneSpecies, model Model, rootedGeneTree bool) (*Evaluation, error) {
	ext, err := geneMap.Extend(genes, species)
	if err != nil {
		return nil, err
	}
	engine := NewEngine(species, model, rootedGeneTree)
	if err := engine.BindGeneTree(genes, ext); err != nil {
		return nil, err
	}
	return &Evaluation{Engine: engine, Species: species, Genes: genes, Mapping: geneMap}, nil
}

// Rebind recomputes the mapping extension after the gene tree was
// replaced.
func (ev *Evaluation) Rebind(genes *tree.GeneTree) error {
	ext, err := ev.Mapping.Extend(genes, ev.Species)
	if err != nil {
		return err
	}
	ev.Genes = genes
	return ev.Engine.BindGeneTree(genes, ext)
}
