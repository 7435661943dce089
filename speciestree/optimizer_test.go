package speciestree

import (
	"strings"
	"testing"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/parallel"
	"github.com/DavidGoldLab/GeneRax/rateopt"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/tree"
)

func init() {
	logging.SetLevel(logging.ERROR, "speciestree")
	logging.SetLevel(logging.ERROR, "recmodel")
	logging.SetLevel(logging.ERROR, "rateopt")
	logging.SetLevel(logging.ERROR, "parallel")
}

func parseSpecies(tst *testing.T, s string) *tree.SpeciesTree {
	t, err := tree.ParseSpecies(strings.NewReader(s))
	if err != nil {
		tst.Fatal("Error parsing species tree: ", err)
	}
	return t
}

func makeFamilies(tst *testing.T, species *tree.SpeciesTree, model recmodel.Model,
	newicks []string) []Family {
	var families []Family
	for i, newick := range newicks {
		genes, err := tree.ParseGene(strings.NewReader(newick))
		if err != nil {
			tst.Fatal("Error parsing gene tree: ", err)
		}
		m := mapping.New()
		for _, label := range genes.LeafLabels() {
			if err := m.Add(label, label); err != nil {
				tst.Fatal("Error building mapping: ", err)
			}
		}
		ev, err := recmodel.NewEvaluation(species, genes, m, model, false)
		if err != nil {
			tst.Fatal("Error building evaluation: ", err)
		}
		families = append(families, Family{Name: "family_" + string(rune('a'+i)), Eval: ev})
	}
	return families
}

// Starting from a wrong species topology, the SPR search recovers the
// topology supported by the gene trees.
func TestSprSearchRecoversTopology(tst *testing.T) {
	species := parseSpecies(tst, "((a:1,c:1):1,(b:1,d:1):1);")
	truth := parseSpecies(tst, "((a:1,b:1):1,(c:1,d:1):1);")
	startRF := tree.RobinsonFoulds(species, truth)
	if startRF == 0 {
		tst.Fatal("start tree already matches the truth")
	}

	newicks := make([]string, 8)
	for i := range newicks {
		newicks[i] = "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);"
	}
	families := makeFamilies(tst, species, recmodel.UndatedDL, newicks)
	ctx := parallel.Self(42)
	opt, err := New(species, ctx, families, recmodel.UndatedDL, rateopt.Simplex,
		rateopt.NewParameters(0.1, 0.1), true, "")
	if err != nil {
		tst.Fatal("Error building optimizer: ", err)
	}
	opt.notifyChange(nil)
	start, err := opt.ReconciliationLikelihood(false)
	if err != nil {
		tst.Fatal("Error computing likelihood: ", err)
	}
	final, err := opt.SprSearch(3, false)
	if err != nil {
		tst.Fatal("Error in SPR search: ", err)
	}
	if final <= start {
		tst.Error("species search did not improve: ", start, " -> ", final)
	}
	if rf := tree.RobinsonFoulds(species, truth); rf >= startRF {
		tst.Error("RF distance to the truth did not decrease: ", startRF, " -> ", rf)
	}
}

// Re-rooting keeps the unrooted topology and never worsens the
// likelihood.
func TestRootExhaustiveSearch(tst *testing.T) {
	species := parseSpecies(tst, "(((a:1,b:1):1,c:1):1,d:1);")
	unrooted := species.Copy()
	newicks := []string{
		"((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);",
		"((a:0.1,b:0.1):0.1,c:0.1,d:0.1);",
	}
	families := makeFamilies(tst, species, recmodel.UndatedDL, newicks)
	ctx := parallel.Self(42)
	opt, err := New(species, ctx, families, recmodel.UndatedDL, rateopt.Simplex,
		rateopt.NewParameters(0.1, 0.1), true, "")
	if err != nil {
		tst.Fatal("Error building optimizer: ", err)
	}
	opt.notifyChange(nil)
	start, err := opt.ReconciliationLikelihood(false)
	if err != nil {
		tst.Fatal("Error computing likelihood: ", err)
	}
	best, err := opt.RootExhaustiveSearch()
	if err != nil {
		tst.Fatal("Error in root search: ", err)
	}
	if best < start {
		tst.Error("root search worsened the likelihood: ", start, " -> ", best)
	}
	if rf := tree.RobinsonFoulds(species, unrooted); rf != 0 {
		tst.Error("root search changed the unrooted topology, RF=", rf)
	}
}

// Transfer-guided search collects frequencies and improves a species
// tree contradicted by consistently transferring families.
func TestTransferSearch(tst *testing.T) {
	species := parseSpecies(tst, "((a:1,c:1)u:1,(b:1,d:1)v:1)r;")
	truth := parseSpecies(tst, "((a:1,b:1):1,(c:1,d:1):1);")
	startRF := tree.RobinsonFoulds(species, truth)

	var newicks []string
	for i := 0; i < 6; i++ {
		newicks = append(newicks, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);")
	}
	families := makeFamilies(tst, species, recmodel.UndatedDTL, newicks)
	ctx := parallel.Self(42)
	dir := tst.TempDir()
	opt, err := New(species, ctx, families, recmodel.UndatedDTL, rateopt.Simplex,
		rateopt.NewParameters(0.1, 0.1, 0.1), true, dir)
	if err != nil {
		tst.Fatal("Error building optimizer: ", err)
	}
	opt.notifyChange(nil)
	start, err := opt.ReconciliationLikelihood(false)
	if err != nil {
		tst.Fatal("Error computing likelihood: ", err)
	}
	final, err := opt.TransferSearch()
	if err != nil {
		tst.Fatal("Error in transfer search: ", err)
	}
	if final < start {
		tst.Error("transfer search worsened the likelihood: ", start, " -> ", final)
	}
	if rf := tree.RobinsonFoulds(species, truth); rf > startRF {
		tst.Error("transfer search moved away from the truth: ", startRF, " -> ", rf)
	}
}
