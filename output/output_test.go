package output

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/tree"
)

func init() {
	logging.SetLevel(logging.ERROR, "output")
	logging.SetLevel(logging.ERROR, "recmodel")
}

func scenarioFor(tst *testing.T, geneNewick string, model recmodel.Model, rates ...float64) *recmodel.Scenario {
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
		if err := m.Add(label, strings.TrimRight(label, "'")); err != nil {
			tst.Fatal("Error building mapping: ", err)
		}
	}
	ev, err := recmodel.NewEvaluation(species, genes, m, model, false)
	if err != nil {
		tst.Fatal("Error building evaluation: ", err)
	}
	if err := ev.SetRates(recmodel.NewRates(model, rates...)); err != nil {
		tst.Fatal("Error setting rates: ", err)
	}
	if _, err := ev.Evaluate(false); err != nil {
		tst.Fatal("Error evaluating: ", err)
	}
	sc, err := ev.InferMLScenario(false, rand.New(rand.NewSource(42)))
	if err != nil {
		tst.Fatal("Error inferring scenario: ", err)
	}
	return sc
}

func TestWriteNHX(tst *testing.T) {
	sc := scenarioFor(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);",
		recmodel.UndatedDL, 0.1, 0.1)
	var sb strings.Builder
	if err := WriteNHX(&sb, sc); err != nil {
		tst.Fatal("Error writing NHX: ", err)
	}
	out := sb.String()
	if !strings.HasPrefix(out, "(") || !strings.HasSuffix(out, ");") {
		tst.Error("NHX output is not a newick: ", out)
	}
	for _, leaf := range []string{"a", "b", "c", "d"} {
		if !strings.Contains(out, leaf+":") {
			tst.Error("NHX misses leaf ", leaf)
		}
	}
	if !strings.Contains(out, "[&&NHX") || !strings.Contains(out, ":D=N") {
		tst.Error("NHX misses annotations: ", out)
	}
	if strings.Contains(out, ":H=Y") {
		tst.Error("DL reconciliation should not contain transfers")
	}
}

func TestWriteNHXTransfer(tst *testing.T) {
	// Mixed-clade cherries force transfers below the root, where the
	// NHX annotations can show them.
	sc := scenarioFor(tst, "((a:0.1,c:0.1):0.1,(b:0.1,d:0.1):0.1);",
		recmodel.UndatedDTL, 0.1, 0.1, 0.3)
	var sb strings.Builder
	if err := WriteNHX(&sb, sc); err != nil {
		tst.Fatal("Error writing NHX: ", err)
	}
	out := sb.String()
	if !strings.Contains(out, ":H=Y") || !strings.Contains(out, "@") {
		tst.Error("transfer annotation missing: ", out)
	}
}

func TestWriteRecPhyloXML(tst *testing.T) {
	sc := scenarioFor(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);",
		recmodel.UndatedDL, 0.1, 0.1)
	var sb strings.Builder
	if err := WriteRecPhyloXML(&sb, sc); err != nil {
		tst.Fatal("Error writing recPhyloXML: ", err)
	}
	out := sb.String()
	for _, tag := range []string{"<recPhylo", "<spTree>", "<recGeneTree>",
		"<speciation", "<leaf", "</recPhylo>"} {
		if !strings.Contains(out, tag) {
			tst.Error("recPhyloXML misses ", tag)
		}
	}
	if strings.Count(out, "<leaf") != 4 {
		tst.Error("Expected 4 leaf events, got ", strings.Count(out, "<leaf"))
	}
}

func TestOrthogroups(tst *testing.T) {
	// Without duplications all genes form one orthogroup.
	sc := scenarioFor(tst, "((a:0.1,b:0.1):0.1,(c:0.1,d:0.1):0.1);",
		recmodel.UndatedDL, 0.1, 0.1)
	groups := Orthogroups(sc)
	if len(groups) != 1 || len(groups[0]) != 4 {
		tst.Error("Expected one group of 4, got ", groups)
	}

	// A forced duplication splits the partition.
	sc = scenarioFor(tst, "((a:0.1,a':0.1):0.1,(b:0.1,b':0.1):0.1);",
		recmodel.UndatedDL, 0.1, 0.1)
	groups = Orthogroups(sc)
	if len(groups) < 2 {
		tst.Error("Expected a split partition, got ", groups)
	}
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if total != 4 {
		tst.Error("orthogroups lose genes: ", groups)
	}
}
