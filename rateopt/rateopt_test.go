package rateopt

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/op/go-logging"
	bolt "go.etcd.io/bbolt"

	"github.com/DavidGoldLab/GeneRax/checkpoint"
	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/tree"
)

func init() {
	logging.SetLevel(logging.ERROR, "rateopt")
	logging.SetLevel(logging.ERROR, "recmodel")
	logging.SetLevel(logging.ERROR, "checkpoint")
}

// toyObjective builds a small synthetic rate-optimization problem:
// five families over one species tree, one of them carrying a forced
// duplication so the optimum stays off the boundary.
func toyObjective(tst *testing.T) *Objective {
	species, err := tree.ParseSpecies(strings.NewReader("(((a:1,b:1)x:1,c:1)w:1,(d:1,e:1)y:1)r;"))
	if err != nil {
		tst.Fatal("Error parsing species tree: ", err)
	}
	families := []string{
		"((a:0.1,b:0.1):0.1,(d:0.1,e:0.1):0.1);",
		"((a:0.1,c:0.1):0.1,(d:0.1,e:0.1):0.1);",
		"((a:0.1,b:0.1):0.1,c:0.1,(d:0.1,e:0.1):0.1);",
		"((a:0.1,a':0.1):0.1,(b:0.1,b':0.1):0.1);",
		"((d:0.1,e:0.1):0.1,c:0.1);",
	}
	o := &Objective{Model: recmodel.UndatedDL, SpeciesCount: species.NodesCount()}
	for _, newick := range families {
		genes, err := tree.ParseGene(strings.NewReader(newick))
		if err != nil {
			tst.Fatal("Error parsing gene tree: ", err)
		}
		m := mapping.New()
		for _, label := range genes.LeafLabels() {
			if err := m.Add(label, strings.TrimRight(label, "'")); err != nil {
				tst.Fatal("Error building mapping: ", err)
			}
		}
		ev, err := recmodel.NewEvaluation(species, genes, m, recmodel.UndatedDL, false)
		if err != nil {
			tst.Fatal("Error building evaluation: ", err)
		}
		o.Engines = append(o.Engines, ev.Engine)
	}
	return o
}

// Grid, simplex and gradient must find the same optimum on the toy
// problem.
func TestOptimizerAgreement(tst *testing.T) {
	scores := map[Method]Parameters{}
	for _, method := range []Method{Grid, Simplex, Gradient} {
		o := toyObjective(tst)
		start := NewParameters(0.3, 0.3)
		best := Optimize(method, o, start)
		if math.IsInf(best.Score, -1) {
			tst.Fatal("method ", method, " failed to score")
		}
		scores[method] = best
		tst.Log("method ", method, ": lnL=", best.Score, " at ", best.Values)
	}
	ref := scores[Grid]
	for method, best := range scores {
		if math.Abs(best.Score-ref.Score) > 0.5 {
			tst.Error("method ", method, " score ", best.Score, " far from grid score ", ref.Score)
		}
		for j := range best.Values {
			if math.Abs(best.Values[j]-ref.Values[j]) > 0.2 {
				tst.Error("method ", method, " argmax differs at ", j,
					": ", best.Values, " vs ", ref.Values)
			}
		}
	}
}

func TestOptimizeImproves(tst *testing.T) {
	o := toyObjective(tst)
	start := NewParameters(0.9, 0.9)
	startScore := o.Eval(start.Values)
	best := Optimize(Simplex, o, start)
	if best.Score < startScore {
		tst.Error("optimization worsened the likelihood: ", startScore, " -> ", best.Score)
	}
}

func TestObjectiveBounds(tst *testing.T) {
	o := toyObjective(tst)
	if !math.IsInf(o.Eval([]float64{-0.1, 0.1}), -1) {
		tst.Error("negative rates must score -Inf")
	}
	if !math.IsInf(o.Eval([]float64{0.1, 100}), -1) {
		tst.Error("rates above the bound must score -Inf")
	}
}

func TestPerSpeciesOptimization(tst *testing.T) {
	o := toyObjective(tst)
	global := Optimize(Simplex, o, NewParameters(0.3, 0.3))

	po := toyObjective(tst)
	po.PerSpecies = true
	counts := make([][]float64, po.SpeciesCount)
	for i := range counts {
		counts[i] = []float64{4, 1, 1}
	}
	seed := SeedFromEventCounts(counts, po.Model.FreeParameters(), global)
	if len(seed.Values) != po.Dimensions() {
		tst.Fatal("seed has wrong dimension: ", len(seed.Values))
	}
	seedScore := po.Eval(seed.Values)
	best := OptimizePerSpecies(po, seed)
	if best.Score < seedScore-1e-9 {
		tst.Error("per-species refinement worsened the seed: ",
			best.Score, " vs ", seedScore)
	}
}

func TestCheckpointResume(tst *testing.T) {
	dir := tst.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "ck.db"), 0600, nil)
	if err != nil {
		tst.Fatal("Error opening bolt db: ", err)
	}
	defer db.Close()
	ck := checkpoint.NewIO(db, []byte("toy"), 0)

	o := toyObjective(tst)
	best := OptimizeCheckpointed(Simplex, o, NewParameters(0.3, 0.3), ck)

	// The second run must short-circuit on the final checkpoint.
	o2 := toyObjective(tst)
	resumed := OptimizeCheckpointed(Simplex, o2, NewParameters(0.9, 0.9), ck)
	if math.Abs(resumed.Score-best.Score) > 1e-6 {
		tst.Error("resume did not restore the optimum: ", resumed.Score, " vs ", best.Score)
	}
	if o2.Evaluations() > 2 {
		tst.Error("resume should not re-run the search, got ", o2.Evaluations(), " evaluations")
	}
}
