package core

import (
	"os"
	"path/filepath"
	"time"

	"github.com/DavidGoldLab/GeneRax/jointtree"
	"github.com/DavidGoldLab/GeneRax/speciestree"
)

// speciesGeneScorer rescores a species tree proposal with the full
// joint likelihood: every rank-local gene tree is copied, searched at
// the given radius, and the proposal trees are materialized under
// proposals/.
func (inst *Instance) speciesGeneScorer() func(radius int) (float64, error) {
	return func(radius int) (float64, error) {
		sum := 0.0
		rates := inst.objective(len(inst.Rates.Values) > 4).Rates(inst.Rates.Values)
		for _, fs := range inst.local {
			genes := fs.joint.Genes.Copy()
			jt, err := jointtree.New(inst.Species, genes, fs.joint.Rec.Mapping,
				KernelFactory(fs.family), inst.Args.RecModel,
				inst.Args.RootedGeneTree, inst.Args.RecWeight)
			if err != nil {
				return 0, err
			}
			if err := jt.SetRates(rates); err != nil {
				return 0, err
			}
			ll, err := jt.SPRSearch(inst.Ctx.SelfView(), radius, true)
			if err != nil {
				return 0, err
			}
			sum += ll
			proposal := fs.family.GeneTreeFile(inst.Args.Output, "proposals")
			if err := os.WriteFile(proposal, []byte(genes.Newick(genes.Root())+"\n"), 0644); err != nil {
				log.Debugf("cannot save proposal tree for %s: %v", fs.family.Name, err)
			}
		}
		return inst.Ctx.SumDouble(sum), nil
	}
}

// SpeciesTreeSearch optimizes the species tree topology, optionally
// starting with a pass on a families subsample.
func (inst *Instance) SpeciesTreeSearch() error {
	inst.Ctx.AssertRandConsistent()
	if !inst.Args.OptimizeSpeciesTree {
		return nil
	}
	if n := inst.Args.InitialFamiliesSubsamples; n > 0 {
		if err := inst.speciesSearchPass(n); err != nil {
			return err
		}
	}
	return inst.speciesSearchPass(-1)
}

// speciesSearchPass runs one full species search on all families, or
// on a deterministic random subsample when samples > 0.
func (inst *Instance) speciesSearchPass(samples int) error {
	start := time.Now()
	selected := make(map[int]bool, len(inst.Families))
	indices := make([]int, len(inst.Families))
	for i := range indices {
		indices[i] = i
	}
	if samples > 0 && samples < len(indices) {
		// All ranks shuffle with the same stream, so the subsample
		// is rank-consistent.
		snapshot := inst.Ctx.Rand.Snapshot()
		inst.Ctx.Rand.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		indices = indices[:samples]
		inst.Ctx.Rand.Restore(snapshot)
	}
	for _, i := range indices {
		selected[i] = true
	}

	var families []speciestree.Family
	for i, fs := range inst.local {
		if !selected[inst.localBegin+i] {
			continue
		}
		families = append(families, speciestree.Family{Name: fs.family.Name, Eval: fs.joint.Rec})
	}
	inst.Ctx.Barrier()

	opt, err := speciestree.New(inst.Species, inst.Ctx, families, inst.Args.RecModel,
		inst.Args.RecOpt, inst.Rates, inst.Args.UserRates, inst.Args.Output)
	if err != nil {
		return err
	}
	opt.GeneScorer = inst.speciesGeneScorer()

	if inst.Args.FastRadius > 0 {
		log.Infof("Start optimizing the species tree with fixed gene trees (on %d families)", len(indices))
	}
	switch inst.Args.SpeciesStrategy {
	case speciestree.StrategySPR:
		for radius := 1; radius <= inst.Args.FastRadius; radius++ {
			opt.OptimizeRates()
			if _, err := opt.SprSearch(radius, false); err != nil {
				return err
			}
			if _, err := opt.RootExhaustiveSearch(); err != nil {
				return err
			}
			recLL, err := opt.ReconciliationLikelihood(false)
			if err != nil {
				return err
			}
			inst.TotalRecLL = recLL
		}
	case speciestree.StrategyTransfers:
		for i := 0; i < 3; i++ {
			opt.OptimizeRates()
			recLL, err := opt.TransferSearch()
			if err != nil {
				return err
			}
			inst.TotalRecLL = recLL
		}
	case speciestree.StrategyHybrid:
		for i := 0; i < 2; i++ {
			opt.OptimizeRates()
			if _, err := opt.TransferSearch(); err != nil {
				return err
			}
			recLL, err := opt.SprSearch(1, false)
			if err != nil {
				return err
			}
			inst.TotalRecLL = recLL
		}
	}
	if inst.Args.SlowRadius > 0 {
		log.Info("Start optimizing the species tree and the gene trees together")
		if _, err := opt.SprSearch(inst.Args.SlowRadius, true); err != nil {
			return err
		}
	}
	inst.Rates = opt.Rates
	opt.SaveCurrentSpeciesTree("inferred_species_tree.newick")
	if inst.Ctx.Rank() == 0 {
		path := filepath.Join(inst.Args.Output, "inferred_species_tree.newick")
		if err := os.WriteFile(path, []byte(inst.Species.String()+"\n"), 0644); err != nil {
			log.Error("Error saving species tree: ", err)
		}
	}

	// Engines outside the subsample have not seen the mutations.
	for _, fs := range inst.local {
		fs.joint.Rec.OnSpeciesTreeChange(nil)
	}
	recLL, err := inst.sumLocalRecLL()
	if err != nil {
		return err
	}
	inst.TotalRecLL = recLL
	log.Infof("End of the species tree optimization: recLL=%f (%s)", inst.TotalRecLL, time.Since(start))
	inst.Ctx.Barrier()
	return nil
}

func (inst *Instance) sumLocalRecLL() (float64, error) {
	sum := 0.0
	for _, fs := range inst.local {
		ll, err := fs.joint.Rec.Evaluate(false)
		if err != nil {
			return 0, err
		}
		sum += ll
	}
	return inst.Ctx.SumDouble(sum), nil
}
