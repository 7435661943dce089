package family

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/tree"
)

func init() {
	logging.SetLevel(logging.ERROR, "family")
}

const descriptor = `
[FAMILIES]
- fam1
alignment = %[1]s/fam1.fasta
mapping = %[1]s/fam1.map
starting_gene_tree = %[1]s/fam1.newick
subst_model = GTR
- fam2
mapping = %[1]s/fam2.map
starting_gene_tree = __random__
- broken
mapping = %[1]s/missing.map
`

func writeFixtures(tst *testing.T) string {
	dir := tst.TempDir()
	files := map[string]string{
		"fam1.fasta":  ">g1\nACGT\n>g2\nACGA\n>g3\nACGC\n",
		"fam1.map":    "g1 a\ng2 b\ng3 c\n",
		"fam1.newick": "((g1:0.1,g2:0.1):0.1,g3:0.1);",
		"fam2.map":    "a:ga1;ga2\nb:gb1\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			tst.Fatal("Error writing fixture: ", err)
		}
	}
	return dir
}

func TestParseDescriptor(tst *testing.T) {
	dir := writeFixtures(tst)
	families, err := Parse(strings.NewReader(strings.ReplaceAll(descriptor, "%[1]s", dir)))
	if err != nil {
		tst.Fatal("Error parsing descriptor: ", err)
	}
	if len(families) != 3 {
		tst.Fatal("Expected 3 families, got ", len(families))
	}
	if families[0].Name != "fam1" || families[0].SubstModel != "GTR" {
		tst.Error("fam1 attributes wrong: ", families[0])
	}
	if families[1].StartingGeneTree != RandomGeneTree {
		tst.Error("fam2 random tree marker lost")
	}
}

func TestFilterDropsInvalid(tst *testing.T) {
	dir := writeFixtures(tst)
	families, err := Parse(strings.NewReader(strings.ReplaceAll(descriptor, "%[1]s", dir)))
	if err != nil {
		tst.Fatal("Error parsing descriptor: ", err)
	}
	// First round: no species tree, no alignments needed.
	kept := Filter(families, nil, false)
	if len(kept) != 2 {
		tst.Error("Expected 2 families after round 1, got ", len(kept))
	}
	species, err := tree.ParseSpecies(strings.NewReader("((a,b)x,(c,d)y)r;"))
	if err != nil {
		tst.Fatal("Error parsing species tree: ", err)
	}
	kept = Filter(kept, species, false)
	if len(kept) != 2 {
		tst.Error("Expected 2 families after round 2, got ", len(kept))
	}
	// With alignments required, fam2 has none and is dropped.
	kept = Filter(kept, species, true)
	if len(kept) != 1 || kept[0].Name != "fam1" {
		tst.Error("Expected only fam1 with alignments, got ", len(kept))
	}
}

func TestSpeciesLabels(tst *testing.T) {
	dir := writeFixtures(tst)
	families, err := Parse(strings.NewReader(strings.ReplaceAll(descriptor, "%[1]s", dir)))
	if err != nil {
		tst.Fatal("Error parsing descriptor: ", err)
	}
	labels := SpeciesLabels(families[:2])
	want := []string{"a", "b", "c"}
	if len(labels) != len(want) {
		tst.Fatal("Expected ", want, ", got ", labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			tst.Error("Expected ", want, ", got ", labels)
		}
	}
}
