package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/DavidGoldLab/GeneRax/scheduler"
)

// optimizeGeneTreesSplit fans the per-family optimization out to one
// worker process per family. Rank 0 drives the scheduler; the results
// are materialized to the filesystem and reloaded after the barrier.
func (inst *Instance) optimizeGeneTreesSplit(radius int, resultDir string) error {
	speciesPath := filepath.Join(inst.Args.Output, "current_species_tree.newick")
	commandFile := filepath.Join(inst.Args.Output, fmt.Sprintf("commands_%d.txt", inst.currentIteration))
	if inst.Ctx.Rank() == 0 {
		if err := os.WriteFile(speciesPath, []byte(inst.Species.String()+"\n"), 0644); err != nil {
			return err
		}
		jobs := make([]scheduler.Job, 0, len(inst.Families))
		for _, f := range inst.Families {
			m, err := f.LoadMapping()
			if err != nil {
				return err
			}
			args := []string{
				"--name", f.Name,
				"--mapping", f.Mapping,
				"--gene-tree", f.StartingGeneTree,
				"--species-tree", speciesPath,
				"--rec-model", inst.Args.RecModel.String(),
				"--prefix", inst.Args.Output,
				"--final-gene-radius", strconv.Itoa(radius),
				"--seed", strconv.FormatInt(inst.Args.Seed, 10),
				"--rec-weight", fmt.Sprintf("%g", inst.Args.RecWeight),
			}
			if f.Alignment != "" {
				args = append(args, "--alignment", f.Alignment)
			}
			if !inst.Args.RootedGeneTree {
				args = append(args, "--unrooted-gene-tree")
			}
			if inst.Args.UserRates {
				args = append(args,
					"--dupRate", fmt.Sprintf("%g", inst.Args.DupRate),
					"--lossRate", fmt.Sprintf("%g", inst.Args.LossRate),
					"--transferRate", fmt.Sprintf("%g", inst.Args.TransferRate))
			}
			jobs = append(jobs, scheduler.Job{
				Name:  f.Name,
				Cores: 1,
				Cost:  2 * m.Len(),
				Args:  args,
				Fatal: true,
			})
		}
		if err := scheduler.WriteCommandFile(commandFile, jobs); err != nil {
			return err
		}
		runner := &scheduler.SplitRunner{
			ExecPath:   inst.Args.SplitExec,
			OutputDir:  inst.Args.Output,
			MaxWorkers: inst.Args.Ranks,
		}
		if _, err := runner.Run(jobs); err != nil {
			return err
		}
	}
	inst.Ctx.Barrier()

	// The workers wrote their optimized trees; continue from them.
	for i := range inst.Families {
		inst.Families[i].StartingGeneTree = inst.Families[i].GeneTreeFile(inst.Args.Output, resultDir)
	}
	if err := inst.LoadLocalFamilies(); err != nil {
		return err
	}
	rates := inst.objective(len(inst.Rates.Values) > 4).Rates(inst.Rates.Values)
	for _, fs := range inst.local {
		if err := fs.joint.SetRates(rates); err != nil {
			return err
		}
	}
	inst.currentIteration++
	return inst.GatherLikelihoods(resultDir)
}
