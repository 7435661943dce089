package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/parallel"
	"github.com/DavidGoldLab/GeneRax/rateopt"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/speciestree"
)

func init() {
	for _, pkg := range []string{"core", "family", "mapping", "recmodel", "seqlh",
		"jointtree", "speciestree", "rateopt", "parallel", "output", "checkpoint"} {
		logging.SetLevel(logging.CRITICAL, pkg)
	}
}

// writeRun prepares a small three-family dataset and returns the
// families file path.
func writeRun(tst *testing.T, dir string) string {
	speciesPath := filepath.Join(dir, "species.newick")
	if err := os.WriteFile(speciesPath, []byte("((a:1,b:1)x:1,(c:1,d:1)y:1)r;\n"), 0644); err != nil {
		tst.Fatal("Error writing species tree: ", err)
	}
	genes := map[string]string{
		"fam1": "((a_1:0.1,b_1:0.1):0.1,(c_1:0.1,d_1:0.1):0.1);",
		"fam2": "((a_1:0.1,c_1:0.1):0.1,(b_1:0.1,d_1:0.1):0.1);",
		"fam3": "((a_1:0.1,b_1:0.1):0.1,c_1:0.1);",
	}
	descriptor := "[FAMILIES]\n"
	for name, newick := range genes {
		base := filepath.Join(dir, name)
		if err := os.WriteFile(base+".newick", []byte(newick+"\n"), 0644); err != nil {
			tst.Fatal("Error writing gene tree: ", err)
		}
		mapping := ""
		aln := ""
		for _, sp := range []string{"a", "b", "c", "d"} {
			mapping += fmt.Sprintf("%s_1 %s\n", sp, sp)
			aln += fmt.Sprintf(">%s_1\nACGTACGT\n", sp)
		}
		if err := os.WriteFile(base+".map", []byte(mapping), 0644); err != nil {
			tst.Fatal("Error writing mapping: ", err)
		}
		if err := os.WriteFile(base+".fasta", []byte(aln), 0644); err != nil {
			tst.Fatal("Error writing alignment: ", err)
		}
	}
	// fam3 keeps only three genes.
	fam3map := "a_1 a\nb_1 b\nc_1 c\n"
	if err := os.WriteFile(filepath.Join(dir, "fam3.map"), []byte(fam3map), 0644); err != nil {
		tst.Fatal("Error writing mapping: ", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fam3.fasta"),
		[]byte(">a_1\nACGTACGT\n>b_1\nACGTACGT\n>c_1\nACGTACGT\n"), 0644); err != nil {
		tst.Fatal("Error writing alignment: ", err)
	}
	for name := range genes {
		base := filepath.Join(dir, name)
		descriptor += fmt.Sprintf("- %s\nalignment = %s.fasta\nmapping = %s.map\nstarting_gene_tree = %s.newick\n",
			name, base, base, base)
	}
	famPath := filepath.Join(dir, "families.txt")
	if err := os.WriteFile(famPath, []byte(descriptor), 0644); err != nil {
		tst.Fatal("Error writing families file: ", err)
	}
	return famPath
}

func runPipeline(tst *testing.T, famPath, speciesPath, output string, ranks int) {
	args := &Args{
		Families:              famPath,
		SpeciesTree:           speciesPath,
		RecModel:              recmodel.UndatedDTL,
		RecOpt:                rateopt.Simplex,
		Output:                output,
		Seed:                  42,
		SpeciesStrategy:       speciestree.StrategySPR,
		RootedGeneTree:        false,
		DupRate:               0.2,
		LossRate:              0.2,
		TransferRate:          0.1,
		MaxSPRRadius:          2,
		Reconcile:             true,
		ReconciliationSamples: 2,
		OptimizeGeneTrees:     true,
		RecWeight:             1.0,
		Ranks:                 ranks,
	}
	if err := os.MkdirAll(output, 0755); err != nil {
		tst.Fatal("Error creating output dir: ", err)
	}
	code := parallel.Run(args.Ranks, args.Seed, func(ctx *parallel.Context) {
		inst := NewInstance(args, ctx)
		inst.InitRandomGeneTrees()
		if err := inst.LoadLocalFamilies(); err != nil {
			tst.Error("Error loading families: ", err)
			ctx.Abort(ExitArgumentError)
		}
		if err := inst.GeneTreeJointSearch(); err != nil {
			tst.Error("Error in gene tree search: ", err)
			ctx.Abort(ExitArgumentError)
		}
		if err := inst.Reconcile(); err != nil {
			tst.Error("Error reconciling: ", err)
			ctx.Abort(ExitArgumentError)
		}
		inst.Terminate()
	})
	if code != 0 {
		tst.Fatal("pipeline aborted with code ", code)
	}
}

func readFile(tst *testing.T, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		tst.Fatal("Error reading ", path, ": ", err)
	}
	return string(data)
}

// Two runs with the same seed and rank count must produce identical
// outputs.
func TestDeterministicRuns(tst *testing.T) {
	dir := tst.TempDir()
	famPath := writeRun(tst, dir)
	speciesPath := filepath.Join(dir, "species.newick")

	out1 := filepath.Join(dir, "run1")
	out2 := filepath.Join(dir, "run2")
	runPipeline(tst, famPath, speciesPath, out1, 2)
	runPipeline(tst, famPath, speciesPath, out2, 2)

	compare := []string{
		"stats.txt",
		"starting_species_tree.newick",
		filepath.Join("results", "fam1", "geneTree.newick"),
		filepath.Join("results", "fam2", "geneTree.newick"),
		filepath.Join("results", "fam1", "stats.txt"),
		filepath.Join("reconciliations", "fam1_samples.nhx"),
		filepath.Join("reconciliations", "fam2_samples.nhx"),
		filepath.Join("reconciliations", "fam1_eventCounts.txt"),
	}
	for _, rel := range compare {
		if readFile(tst, filepath.Join(out1, rel)) != readFile(tst, filepath.Join(out2, rel)) {
			tst.Error("output differs between identical runs: ", rel)
		}
	}
}

// The run produces the documented output layout.
func TestOutputLayout(tst *testing.T) {
	dir := tst.TempDir()
	famPath := writeRun(tst, dir)
	speciesPath := filepath.Join(dir, "species.newick")
	out := filepath.Join(dir, "run")
	runPipeline(tst, famPath, speciesPath, out, 1)

	expect := []string{
		"stats.txt",
		"starting_species_tree.newick",
		filepath.Join("results", "fam1", "geneTree.newick"),
		filepath.Join("results", "fam1", "stats.txt"),
		filepath.Join("reconciliations", "fam1_reconciliated.nhx"),
		filepath.Join("reconciliations", "fam1_reconciliated.xml"),
		filepath.Join("reconciliations", "fam1_eventCounts.txt"),
		filepath.Join("reconciliations", "fam1_speciesEventCounts.txt"),
		filepath.Join("reconciliations", "fam1_transfers.txt"),
		filepath.Join("reconciliations", "fam1_orthogroups.txt"),
		filepath.Join("reconciliations", "fam1_orthogroups_all.txt"),
		filepath.Join("reconciliations", "fam1_samples.nhx"),
	}
	for _, rel := range expect {
		if _, err := os.Stat(filepath.Join(out, rel)); err != nil {
			tst.Error("missing output file: ", rel)
		}
	}
	stats := readFile(tst, filepath.Join(out, "stats.txt"))
	for _, key := range []string{"JointLL:", "LibpllLL:", "RecLL:"} {
		if !strings.Contains(stats, key) {
			tst.Error("stats.txt misses ", key)
		}
	}
}
