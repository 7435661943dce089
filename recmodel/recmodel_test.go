package recmodel

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/screal"
	"github.com/DavidGoldLab/GeneRax/tree"
)

const smallDiff = 1e-9

func init() {
	logging.SetLevel(logging.ERROR, "recmodel")
}

func speciesABCD(tst *testing.T) *tree.SpeciesTree {
	t, err := tree.ParseSpecies(strings.NewReader("((a:1,b:1)x:1,(c:1,d:1)y:1)r;"))
	if err != nil {
		tst.Fatal("Error parsing species tree: ", err)
	}
	return t
}

func geneTree(tst *testing.T, newick string) *tree.GeneTree {
	t, err := tree.ParseGene(strings.NewReader(newick))
	if err != nil {
		tst.Fatal("Error parsing gene tree: ", err)
	}
	return t
}

func identityMapping(tst *testing.T, genes *tree.GeneTree) *mapping.GeneSpecies {
	m := mapping.New()
	for _, label := range genes.LeafLabels() {
		sp := strings.TrimRight(label, "'")
		if err := m.Add(label, sp); err != nil {
			tst.Fatal("Error building mapping: ", err)
		}
	}
	return m
}

func evaluation(tst *testing.T, species *tree.SpeciesTree, genes *tree.GeneTree,
	model Model, rates ...float64) *Evaluation {
	ev, err := NewEvaluation(species, genes, identityMapping(tst, genes), model, false)
	if err != nil {
		tst.Fatal("Error building evaluation: ", err)
	}
	if err = ev.SetRates(NewRates(model, rates...)); err != nil {
		tst.Fatal("Error setting rates: ", err)
	}
	return ev
}

func TestNotBound(tst *testing.T) {
	species := speciesABCD(tst)
	engine := NewEngine(species, UndatedDL, false)
	if err := engine.SetRates(NewRates(UndatedDL, 0.1, 0.1)); err != ErrNotBound {
		tst.Error("Expected ErrNotBound, got ", err)
	}
	if _, err := engine.Evaluate(false); err != ErrNotBound {
		tst.Error("Expected ErrNotBound, got ", err)
	}
}

// Single DL family: the reconciliation needs three speciations and
// nothing else.
func TestSingleDLFamily(tst *testing.T) {
	species := speciesABCD(tst)
	genes := geneTree(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);")
	ev := evaluation(tst, species, genes, UndatedDL, 0.1, 0.1)

	ll, err := ev.Evaluate(false)
	if err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	if math.IsInf(ll, 0) || math.IsNaN(ll) || ll >= 0 {
		tst.Error("Expected finite negative log-likelihood, got ", ll)
	}

	// Extinction probabilities: in [0,1], equal on the symmetric
	// internal branches, larger than at the leaves.
	engine := ev.Engine.(*dlEngine[screal.Float])
	x := species.Node(species.LeafIndex("a")).Parent
	y := species.Node(species.LeafIndex("c")).Parent
	for e := 0; e < species.NodesCount(); e++ {
		uE := engine.uE[e].Float()
		if uE < 0 || uE > 1 {
			tst.Error("uE out of range at ", e, ": ", uE)
		}
	}
	if math.Abs(engine.uE[x].Float()-engine.uE[y].Float()) > smallDiff {
		tst.Error("symmetric internals should have equal uE")
	}
	if engine.uE[species.LeafIndex("a")].Float() >= engine.uE[x].Float() {
		tst.Error("leaf extinction should be below internal extinction")
	}

	sc, err := ev.InferMLScenario(false, rand.New(rand.NewSource(42)))
	if err != nil {
		tst.Fatal("Error inferring scenario: ", err)
	}
	if sc.Count(EventS) != 3 {
		tst.Error("Expected 3 S events, got ", sc.Count(EventS))
	}
	if sc.Count(EventD) != 0 || sc.Count(EventSL) != 0 || sc.Count(EventL) != 0 {
		tst.Error("Expected no D/SL/L events")
	}

	// O(1) cached result on a second evaluation.
	ll2, _ := ev.Evaluate(false)
	if ll2 != ll {
		tst.Error("cached evaluation differs: ", ll, " vs ", ll2)
	}
}

// Forced duplication: two gene copies per species cannot be explained
// without a D event; with Pd=0 the likelihood hits the floor.
func TestForcedDuplication(tst *testing.T) {
	species := speciesABCD(tst)
	genes := geneTree(tst, "((a:0.1,a':0.1):0.1,(b:0.1,b':0.1):0.1);")
	ev := evaluation(tst, species, genes, UndatedDL, 0.1, 0.1)

	if _, err := ev.Evaluate(false); err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	sc, err := ev.InferMLScenario(false, rand.New(rand.NewSource(42)))
	if err != nil {
		tst.Fatal("Error inferring scenario: ", err)
	}
	if sc.Count(EventD) < 1 {
		tst.Error("Expected at least one duplication, got ", sc.Count(EventD))
	}

	if err := ev.SetRates(NewRates(UndatedDL, 0.0, 0.1)); err != nil {
		tst.Fatal("Error setting rates: ", err)
	}
	ll, err := ev.Evaluate(false)
	if err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	if ll != llFloor {
		tst.Error("Expected the log-likelihood floor, got ", ll)
	}
}

// Transfer recovery: a gene present only in the distant species a and
// c is best explained by a transfer.
func TestTransferRecovery(tst *testing.T) {
	species := speciesABCD(tst)
	genes := geneTree(tst, "(a:0.1,c:0.1);")
	ev := evaluation(tst, species, genes, UndatedDTL, 0.1, 0.1, 0.3)

	llT, err := ev.Evaluate(false)
	if err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	sc, err := ev.InferMLScenario(false, rand.New(rand.NewSource(42)))
	if err != nil {
		tst.Fatal("Error inferring scenario: ", err)
	}
	transfers := sc.Count(EventT) + sc.Count(EventTL)
	if transfers < 1 {
		tst.Error("Expected at least one transfer, got ", transfers)
	}
	for _, e := range sc.Events {
		if e.Type != EventT && e.Type != EventTL {
			continue
		}
		for _, anc := range species.Ancestors(e.SpeciesNode) {
			if anc == e.DestSpeciesNode {
				tst.Error("transfer to an ancestor species")
			}
		}
	}

	if err := ev.SetRates(NewRates(UndatedDTL, 0.1, 0.1, 0.0)); err != nil {
		tst.Fatal("Error setting rates: ", err)
	}
	llNoT, err := ev.Evaluate(false)
	if err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	if llNoT >= llT {
		tst.Error("transfers off should lower the likelihood: ", llNoT, " vs ", llT)
	}
}

// Rate normalization: per species, all event probabilities sum to 1.
func TestRatesNormalization(tst *testing.T) {
	species := speciesABCD(tst)
	genes := geneTree(tst, "((a,b),(c,d));")
	ev := evaluation(tst, species, genes, UndatedDTL, 0.2, 0.1, 0.15)
	engine := ev.Engine.(*dtlEngine[screal.Scaled])
	for e := 0; e < species.NodesCount(); e++ {
		sum := engine.pd[e] + engine.pl[e] + engine.pt[e] + engine.ps[e]
		if math.Abs(sum-1) > 1e-12 {
			tst.Error("rates at ", e, " sum to ", sum)
		}
	}
}

func TestRatesNormalizationILS(tst *testing.T) {
	species := speciesABCD(tst)
	genes := geneTree(tst, "((a,b),(c,d));")
	ev := evaluation(tst, species, genes, UndatedIDTL, 0.2, 0.1, 0.15, 0.1)
	engine := ev.Engine.(*dtlEngine[screal.Scaled])
	for e := 0; e < species.NodesCount(); e++ {
		node := species.Node(e)
		sum := engine.pd[e] + engine.pl[e] + engine.pt[e] + engine.ps[e]
		if node.Left != tree.None {
			sum += engine.pi[node.Left] + engine.pi[node.Right]
		}
		if math.Abs(sum-1) > 1e-12 {
			tst.Error("rates at ", e, " sum to ", sum)
		}
		if (node.Left == tree.None || node.Parent == tree.None) && engine.pi[e] != 0 {
			tst.Error("Pi must be zero at leaves and at the root")
		}
	}
	if _, err := ev.Evaluate(false); err != nil {
		tst.Fatal("Error evaluating IDTL: ", err)
	}
}

// Rooting invariance: with rooted-gene-tree mode off, the likelihood
// does not depend on the orientation of the input newick.
func TestRootingInvariance(tst *testing.T) {
	species := speciesABCD(tst)
	orientations := []string{
		"((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);",
		"((c:0.1,d:0.1):0.1,(b:0.1,a:0.1):0.1);",
		"(a:0.1,(b:0.1,(c:0.1,d:0.1):0.1):0.1);",
	}
	var ref float64
	for i, newick := range orientations {
		genes := geneTree(tst, newick)
		ev := evaluation(tst, species, genes, UndatedDTL, 0.1, 0.1, 0.1)
		ll, err := ev.Evaluate(false)
		if err != nil {
			tst.Fatal("Error evaluating: ", err)
		}
		if i == 0 {
			ref = ll
		} else if math.Abs(ll-ref) > smallDiff {
			tst.Error("orientation ", i, " changed the likelihood: ", ll, " vs ", ref)
		}
	}
}

// The engine invalidation contract: evaluating after Invalidate on a
// topology-preserving change reproduces the same likelihood.
func TestInvalidateRecompute(tst *testing.T) {
	species := speciesABCD(tst)
	genes := geneTree(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);")
	ev := evaluation(tst, species, genes, UndatedDTL, 0.1, 0.1, 0.1)
	ll, err := ev.Evaluate(false)
	if err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	ev.InvalidateAll()
	ll2, err := ev.Evaluate(false)
	if err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	if math.Abs(ll-ll2) > smallDiff {
		tst.Error("recomputation changed the likelihood: ", ll, " vs ", ll2)
	}
}

// Fast mode stays within 0.1 log units of the exact value after a
// local species tree change.
func TestFastModeTolerance(tst *testing.T) {
	species, err := tree.ParseSpecies(strings.NewReader(
		"(((a:1,b:1)x:1,(c:1,d:1)y:1)u:1,(e:1,f:1)z:1)r;"))
	if err != nil {
		tst.Fatal("Error parsing species tree: ", err)
	}
	genes := geneTree(tst, "((a:0.1,b:0.1):0.1,((c:0.1,d:0.1):0.1,(e:0.1,f:0.1):0.1):0.1);")
	ev := evaluation(tst, species, genes, UndatedDTL, 0.1, 0.1, 0.1)
	ev.SetPartialMode(PartialSpecies)
	if _, err := ev.Evaluate(false); err != nil {
		tst.Fatal("Error evaluating: ", err)
	}

	prune := species.LeafIndex("a")
	regraft := species.LeafIndex("e")
	affected := species.AffectedBySPR(prune, regraft)
	rb, err := species.ApplySPR(prune, regraft)
	if err != nil {
		tst.Fatal("Error applying species SPR: ", err)
	}
	ev.OnSpeciesTreeChange(affected)
	fast, err := ev.Evaluate(true)
	if err != nil {
		tst.Fatal("Error in fast evaluation: ", err)
	}
	ev.OnSpeciesTreeChange(affected)
	exact, err := ev.Evaluate(false)
	if err != nil {
		tst.Fatal("Error in exact evaluation: ", err)
	}
	if math.Abs(fast-exact) > 0.1 {
		tst.Error("fast mode out of tolerance: ", fast, " vs ", exact)
	}
	rb.Revert(species)
}

// Stochastic backtraces are deterministic for a fixed seed and stay
// consistent reconciliations.
func TestStochasticScenario(tst *testing.T) {
	species := speciesABCD(tst)
	genes := geneTree(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);")
	ev := evaluation(tst, species, genes, UndatedDTL, 0.1, 0.1, 0.1)
	if _, err := ev.Evaluate(false); err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	sample := func(seed int64) []Event {
		sc, err := ev.InferMLScenario(true, rand.New(rand.NewSource(seed)))
		if err != nil {
			tst.Fatal("Error sampling scenario: ", err)
		}
		return sc.Events
	}
	a := sample(7)
	b := sample(7)
	if len(a) != len(b) {
		tst.Fatal("same seed produced different event counts")
	}
	for i := range a {
		if a[i] != b[i] {
			tst.Error("same seed produced different events at ", i)
		}
	}
}

// Scaled and plain doubles agree on small DL problems.
func TestScaledMatchesFloat(tst *testing.T) {
	species := speciesABCD(tst)
	genes := geneTree(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);")
	m := identityMapping(tst, genes)
	ext, err := m.Extend(genes, species)
	if err != nil {
		tst.Fatal("Error extending mapping: ", err)
	}

	ef := newDLEngine[screal.Float](species, false)
	es := newDLEngine[screal.Scaled](species, false)
	for _, e := range []Engine{ef, es} {
		if err := e.BindGeneTree(genes, ext); err != nil {
			tst.Fatal("Error binding: ", err)
		}
		if err := e.SetRates(NewRates(UndatedDL, 0.1, 0.1)); err != nil {
			tst.Fatal("Error setting rates: ", err)
		}
	}
	lf, _ := ef.Evaluate(false)
	ls, _ := es.Evaluate(false)
	if math.Abs(lf-ls) > smallDiff {
		tst.Error("Float and Scaled disagree: ", lf, " vs ", ls)
	}
}
