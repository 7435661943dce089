package core

import (
	"bufio"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/DavidGoldLab/GeneRax/checkpoint"
	"github.com/DavidGoldLab/GeneRax/rateopt"
	"github.com/DavidGoldLab/GeneRax/recmodel"
)

// objective builds the rate objective over the rank-local engines.
func (inst *Instance) objective(perSpecies bool) *rateopt.Objective {
	engines := make([]recmodel.Engine, len(inst.local))
	for i, fs := range inst.local {
		engines[i] = fs.joint.Rec.Engine
	}
	return &rateopt.Objective{
		Engines:      engines,
		Model:        inst.Args.RecModel,
		Ctx:          inst.Ctx,
		PerSpecies:   perSpecies,
		SpeciesCount: inst.Species.NodesCount(),
	}
}

// OptimizeRates refits the DTL rates over all families of all ranks.
func (inst *Instance) OptimizeRates(perSpecies bool) {
	if inst.Args.UserRates {
		return
	}
	start := time.Now()
	log.Info("Reconciliation rates optimization...")
	if perSpecies {
		counts := inst.speciesEventCounts()
		seed := rateopt.SeedFromEventCounts(counts, inst.Args.RecModel.FreeParameters(), inst.Rates)
		obj := inst.objective(true)
		inst.Rates = rateopt.OptimizePerSpecies(obj, seed)
	} else {
		obj := inst.objective(false)
		inst.Rates = rateopt.OptimizeCheckpointed(inst.Args.RecOpt, obj, inst.Rates, inst.rateCheckpoint())
	}
	if len(inst.Rates.Values) <= 4 {
		log.Infof("Rates: %v lnL=%f (%s)", inst.Rates.Values, inst.Rates.Score, time.Since(start))
	} else {
		log.Infof("RecLL=%f (%s)", inst.Rates.Score, time.Since(start))
	}
}

// rateCheckpoint opens the optional bolt-backed checkpoint of the
// current iteration.
func (inst *Instance) rateCheckpoint() *checkpoint.IO {
	if inst.Args.CheckpointPath == "" || inst.Ctx.Size() > 1 {
		return nil
	}
	if inst.checkpointDB == nil {
		db, err := bolt.Open(inst.Args.CheckpointPath, 0600, nil)
		if err != nil {
			log.Error("Error opening checkpoint database: ", err)
			return nil
		}
		inst.checkpointDB = db
	}
	key := fmt.Sprintf("rates-%s-iter%d", inst.Args.RecModel, inst.currentIteration)
	return checkpoint.NewIO(inst.checkpointDB, []byte(key), 30)
}

// speciesEventCounts accumulates the per-species event-count table
// from the best reconciliation of every family.
func (inst *Instance) speciesEventCounts() [][]float64 {
	k := inst.Args.RecModel.FreeParameters()
	counts := make([][]float64, inst.Species.NodesCount())
	for i := range counts {
		counts[i] = make([]float64, k+1)
	}
	for _, fs := range inst.local {
		if _, err := fs.joint.Rec.Evaluate(false); err != nil {
			continue
		}
		sc, err := fs.joint.Rec.InferMLScenario(false, inst.Ctx.Rand.Rand)
		if err != nil {
			continue
		}
		for e, row := range sc.PerSpeciesCounts(k) {
			for j, c := range row {
				counts[e][j] += c
			}
		}
	}
	// Events are observed per rank; reduce the table across ranks.
	for e := range counts {
		for j := range counts[e] {
			counts[e][j] = inst.Ctx.SumDouble(counts[e][j])
		}
	}
	return counts
}

// OptimizeGeneTrees runs one SPR round schedule on every rank-local
// family and refreshes the per-family result files.
func (inst *Instance) OptimizeGeneTrees(radius int, enableSeq bool, resultDir string) error {
	start := time.Now()
	msg := "gene trees"
	if inst.Args.PerSpeciesRates {
		msg = "reconciliation rates and gene trees"
	}
	log.Infof("Optimizing %s with radius=%d...", msg, radius)
	if inst.Args.SplitExec != "" && radius > 0 {
		return inst.optimizeGeneTreesSplit(radius, resultDir)
	}
	rates := inst.objective(len(inst.Rates.Values) > 4).Rates(inst.Rates.Values)
	for _, fs := range inst.local {
		if err := fs.joint.SetRates(rates); err != nil {
			return err
		}
		if enableSeq {
			if err := fs.joint.OptimizeParameters(0.1); err != nil {
				log.Error("Kernel failure on family ", fs.family.Name, ": ", err)
				return err
			}
		}
		if _, err := fs.joint.SPRSearch(inst.Ctx.SelfView(), radius, enableSeq); err != nil {
			return err
		}
		if err := inst.saveFamilyResults(fs, resultDir); err != nil {
			return err
		}
	}
	inst.Ctx.Barrier()
	if err := inst.GatherLikelihoods(resultDir); err != nil {
		return err
	}
	log.Infof("\tJointLL=%f RecLL=%f LibpllLL=%f (%s)",
		inst.TotalLibpllLL+inst.TotalRecLL, inst.TotalRecLL, inst.TotalLibpllLL, time.Since(start))
	inst.currentIteration++
	return nil
}

// saveFamilyResults writes the family gene tree and its stats file
// (sequence log-likelihood, then reconciliation log-likelihood).
func (inst *Instance) saveFamilyResults(fs *familyState, resultDir string) error {
	seqLL, err := fs.joint.SequenceLoglk()
	if err != nil {
		return err
	}
	recLL, err := fs.joint.ReconciliationLoglk()
	if err != nil {
		return err
	}
	treePath := fs.family.GeneTreeFile(inst.Args.Output, resultDir)
	root := fs.joint.Genes.Root()
	if err := os.WriteFile(treePath, []byte(fs.joint.Genes.Newick(root)+"\n"), 0644); err != nil {
		return err
	}
	stats := fmt.Sprintf("%f\n%f\n", seqLL, recLL)
	return os.WriteFile(fs.family.StatsFile(inst.Args.Output, resultDir), []byte(stats), 0644)
}

// GatherLikelihoods sums the per-family likelihoods from the stats
// files across all ranks.
func (inst *Instance) GatherLikelihoods(resultDir string) error {
	inst.Ctx.Barrier()
	totalRec, totalSeq := 0.0, 0.0
	begin, end := inst.Ctx.BeginFamilies(len(inst.Families))
	for i := begin; i < end; i++ {
		f, err := os.Open(inst.Families[i].StatsFile(inst.Args.Output, resultDir))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		var seqLL, recLL float64
		if scanner.Scan() {
			fmt.Sscan(scanner.Text(), &seqLL)
		}
		if scanner.Scan() {
			fmt.Sscan(scanner.Text(), &recLL)
		}
		f.Close()
		totalRec += recLL
		totalSeq += seqLL
	}
	inst.TotalRecLL = inst.Ctx.SumDouble(totalRec)
	inst.TotalLibpllLL = inst.Ctx.SumDouble(totalSeq)
	return nil
}

// GeneTreeJointSearch is the main optimization loop: alternate rate
// optimization and gene tree SPR rounds on an increasing radius
// schedule.
func (inst *Instance) GeneTreeJointSearch() error {
	inst.Ctx.AssertRandConsistent()
	if !inst.Args.OptimizeGeneTrees {
		return nil
	}
	for radius := 1; radius <= inst.Args.RecRadius; radius++ {
		inst.OptimizeRates(false)
		if err := inst.OptimizeGeneTrees(radius, false, "results"); err != nil {
			return err
		}
	}
	for radius := 1; radius <= inst.Args.MaxSPRRadius; radius++ {
		// Per-species rates only help once the trees are almost
		// converged, on the two last rounds.
		perSpecies := inst.Args.PerSpeciesRates && radius >= inst.Args.MaxSPRRadius-1
		inst.OptimizeRates(perSpecies)
		if err := inst.OptimizeGeneTrees(radius, true, "results"); err != nil {
			return err
		}
	}
	return nil
}

// Terminate writes the final stats block and closes the run.
func (inst *Instance) Terminate() {
	inst.Ctx.AssertRandConsistent()
	if inst.Ctx.Rank() == 0 {
		path := fmt.Sprintf("%s/stats.txt", inst.Args.Output)
		stats := fmt.Sprintf("JointLL: %f\nLibpllLL: %f\nRecLL: %f",
			inst.TotalLibpllLL+inst.TotalRecLL, inst.TotalLibpllLL, inst.TotalRecLL)
		if err := os.WriteFile(path, []byte(stats), 0644); err != nil {
			log.Error("Error writing stats: ", err)
		}
	}
	if !inst.Args.PerSpeciesRates && len(inst.Rates.Values) >= 2 {
		log.Infof("DTL rates: %v", inst.Rates.Values)
	}
	log.Infof("Reconciliation likelihood: %f", inst.TotalRecLL)
	if inst.TotalLibpllLL != 0 {
		log.Infof("Phylogenetic likelihood: %f", inst.TotalLibpllLL)
		log.Infof("Joint likelihood: %f", inst.TotalLibpllLL+inst.TotalRecLL)
	}
	log.Infof("Results directory: %s", inst.Args.Output)
	log.Infof("Elapsed time: %s", inst.Elapsed())
	if inst.checkpointDB != nil {
		inst.checkpointDB.Close()
	}
	log.Info("End of execution")
}
