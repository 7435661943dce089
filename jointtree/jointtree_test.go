package jointtree

import (
	"math"
	"strings"
	"testing"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/parallel"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/seqlh"
	"github.com/DavidGoldLab/GeneRax/tree"
)

const smallDiff = 1e-9

func init() {
	logging.SetLevel(logging.ERROR, "jointtree")
	logging.SetLevel(logging.ERROR, "recmodel")
}

func buildJointTree(tst *testing.T, geneNewick string) *JointTree {
	species, err := tree.ParseSpecies(strings.NewReader("((a:1,b:1)x:1,(c:1,d:1)y:1)r;"))
	if err != nil {
		tst.Fatal("Error parsing species tree: ", err)
	}
	genes, err := tree.ParseGene(strings.NewReader(geneNewick))
	if err != nil {
		tst.Fatal("Error parsing gene tree: ", err)
	}
	m := mapping.New()
	for _, label := range genes.LeafLabels() {
		if err := m.Add(label, label); err != nil {
			tst.Fatal("Error building mapping: ", err)
		}
	}
	jt, err := New(species, genes, m, seqlh.NullKernel{}, recmodel.UndatedDL, false, 1.0)
	if err != nil {
		tst.Fatal("Error building joint tree: ", err)
	}
	if err := jt.SetRates(recmodel.NewRates(recmodel.UndatedDL, 0.1, 0.1)); err != nil {
		tst.Fatal("Error setting rates: ", err)
	}
	return jt
}

// SPR rollback restores the tree hash and the likelihood.
func TestMoveRollback(tst *testing.T) {
	jt := buildJointTree(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);")
	before, err := jt.JointLoglk()
	if err != nil {
		tst.Fatal("Error computing likelihood: ", err)
	}
	hashBefore := jt.Hash()

	var move Move
	found := false
	for _, p := range jt.Genes.PruneCandidates() {
		jt.Genes.Regrafts(p, 2, func(r int, path []int) {
			if !found {
				move = Move{Prune: p, Regraft: r, Path: append([]int{}, path...)}
				found = true
			}
		})
		if found {
			break
		}
	}
	if !found {
		tst.Fatal("no move found")
	}
	if err := jt.ApplyMove(move); err != nil {
		tst.Fatal("Error applying move: ", err)
	}
	if jt.Hash() == hashBefore {
		tst.Error("move did not change the topology")
	}
	moved, err := jt.JointLoglk()
	if err != nil {
		tst.Fatal("Error computing likelihood: ", err)
	}
	if moved == before {
		tst.Log("likelihood unchanged by the move (possible but unusual)")
	}
	if err := jt.RollbackLastMove(); err != nil {
		tst.Fatal("Error rolling back: ", err)
	}
	if jt.Hash() != hashBefore {
		tst.Error("hash differs after rollback")
	}
	after, err := jt.JointLoglk()
	if err != nil {
		tst.Fatal("Error computing likelihood: ", err)
	}
	if math.Abs(after-before) > smallDiff {
		tst.Error("likelihood differs after rollback: ", before, " vs ", after)
	}
}

// Starting from the wrong topology, the SPR search recovers the tree
// matching the species tree.
func TestSPRSearchImproves(tst *testing.T) {
	jt := buildJointTree(tst, "((a:0.1,c:0.1):0.1,(b:0.1,d:0.1):0.1);")
	start, err := jt.JointLoglk()
	if err != nil {
		tst.Fatal("Error computing likelihood: ", err)
	}
	ctx := parallel.Self(42)
	final, err := jt.SPRSearch(ctx, 3, false)
	if err != nil {
		tst.Fatal("Error in SPR search: ", err)
	}
	if final <= start {
		tst.Error("search did not improve: ", start, " -> ", final)
	}
	want, err := tree.ParseGene(strings.NewReader("((a,b),(c,d));"))
	if err != nil {
		tst.Fatal("Error parsing expected tree: ", err)
	}
	if jt.Hash() != want.Hash() {
		tst.Error("search did not recover the species-compatible topology")
	}
}

// LIFO rollback across several stacked moves.
func TestStackedRollbacks(tst *testing.T) {
	jt := buildJointTree(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);")
	hashBefore := jt.Hash()
	applied := 0
	for _, p := range jt.Genes.PruneCandidates() {
		var m Move
		found := false
		jt.Genes.Regrafts(p, 2, func(r int, path []int) {
			if !found {
				m = Move{Prune: p, Regraft: r, Path: append([]int{}, path...)}
				found = true
			}
		})
		if !found {
			continue
		}
		if err := jt.ApplyMove(m); err != nil {
			continue
		}
		applied++
		if applied == 2 {
			break
		}
	}
	if applied == 0 {
		tst.Fatal("no moves applied")
	}
	for i := 0; i < applied; i++ {
		if err := jt.RollbackLastMove(); err != nil {
			tst.Fatal("Error rolling back: ", err)
		}
	}
	if jt.Hash() != hashBefore {
		tst.Error("stacked rollbacks did not restore the topology")
	}
	if err := jt.RollbackLastMove(); err == nil {
		tst.Error("rollback of an empty stack should fail")
	}
}
