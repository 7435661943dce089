// Package jointtree couples one gene tree with its sequence
// likelihood and its reconciliation likelihood, and searches the gene
// tree topology by SPR moves scored against the joint likelihood.
package jointtree

import (
	"fmt"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/seqlh"
	"github.com/DavidGoldLab/GeneRax/tree"
)

var log = logging.MustGetLogger("jointtree")

// JointTree exclusively owns a gene tree, its sequence likelihood
// adaptor and one reconciliation engine. The species tree is shared
// read-only.
type JointTree struct {
	Genes *tree.GeneTree
	Rec   *recmodel.Evaluation
	Seq   *seqlh.Adaptor

	// RecWeight scales the reconciliation term of the joint
	// likelihood.
	RecWeight float64

	rollbacks []appliedMove
}

type appliedMove struct {
	move     Move
	rollback tree.GeneRollback
	invalid  []int
}

// Move is an SPR move on the gene tree.
type Move struct {
	Prune   int
	Regraft int
	Path    []int
}

func (m Move) String() string {
	return fmt.Sprintf("SPR(%d->%d, radius %d)", m.Prune, m.Regraft, len(m.Path)+1)
}

// New builds a joint tree over an existing gene tree.
func New(species *tree.SpeciesTree, genes *tree.GeneTree, geneMap *mapping.GeneSpecies,
	kernel seqlh.Kernel, model recmodel.Model, rootedGeneTree bool, recWeight float64) (*JointTree, error) {
	rec, err := recmodel.NewEvaluation(species, genes, geneMap, model, rootedGeneTree)
	if err != nil {
		return nil, err
	}
	return &JointTree{
		Genes:     genes,
		Rec:       rec,
		Seq:       seqlh.NewAdaptor(kernel, genes),
		RecWeight: recWeight,
	}, nil
}

// SetRates forwards the rates to the reconciliation engine.
func (jt *JointTree) SetRates(r *recmodel.Rates) error { return jt.Rec.SetRates(r) }

// ReconciliationLoglk returns the weighted reconciliation
// log-likelihood.
func (jt *JointTree) ReconciliationLoglk() (float64, error) {
	ll, err := jt.Rec.Evaluate(false)
	return ll * jt.RecWeight, err
}

// SequenceLoglk returns the sequence log-likelihood.
func (jt *JointTree) SequenceLoglk() (float64, error) { return jt.Seq.Evaluate() }

// JointLoglk is the sum of the sequence and weighted reconciliation
// log-likelihoods.
func (jt *JointTree) JointLoglk() (float64, error) {
	rec, err := jt.ReconciliationLoglk()
	if err != nil {
		return 0, err
	}
	seq, err := jt.SequenceLoglk()
	if err != nil {
		return 0, err
	}
	return rec + seq, nil
}

// ApplyMove performs the SPR move in place and invalidates the
// touched conditional values. Moves roll back in LIFO order.
func (jt *JointTree) ApplyMove(m Move) error {
	invalid := jt.Genes.MoveInvalidationSet(m.Prune, m.Regraft, m.Path)
	rollback, err := jt.Genes.ApplySPR(m.Prune, m.Regraft)
	if err != nil {
		return err
	}
	jt.rollbacks = append(jt.rollbacks, appliedMove{move: m, rollback: rollback, invalid: invalid})
	jt.Rec.Invalidate(invalid)
	jt.Seq.Invalidate()
	return nil
}

// RollbackLastMove undoes the most recent move.
func (jt *JointTree) RollbackLastMove() error {
	if len(jt.rollbacks) == 0 {
		return fmt.Errorf("no move to roll back")
	}
	last := jt.rollbacks[len(jt.rollbacks)-1]
	jt.rollbacks = jt.rollbacks[:len(jt.rollbacks)-1]
	last.rollback.Revert(jt.Genes)
	jt.Rec.Invalidate(last.invalid)
	jt.Seq.Invalidate()
	return nil
}

// OptimizeParameters runs the kernel's global parameter and branch
// length optimization.
func (jt *JointTree) OptimizeParameters(tolerance float64) error {
	if _, err := jt.Seq.OptimizeAll(tolerance); err != nil {
		return err
	}
	return nil
}

// Hash returns the unrooted gene tree hash.
func (jt *JointTree) Hash() uint64 { return jt.Genes.Hash() }
