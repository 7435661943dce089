package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/DavidGoldLab/GeneRax/output"
	"github.com/DavidGoldLab/GeneRax/recmodel"
)

// Reconcile emits the final reconciliations: the maximum likelihood
// scenario and optional stochastic samples, with their event counts,
// transfers and orthogroups.
func (inst *Instance) Reconcile() error {
	inst.Ctx.AssertRandConsistent()
	if !inst.Args.Reconcile && inst.Args.ReconciliationSamples == 0 {
		return nil
	}
	log.Info("Reconciling gene trees with the species tree...")
	recDir := filepath.Join(inst.Args.Output, "reconciliations")
	if inst.Ctx.Rank() == 0 {
		if err := os.MkdirAll(recDir, 0755); err != nil {
			return err
		}
	}
	inst.Ctx.Barrier()

	snapshot := inst.Ctx.Rand.Snapshot()
	for _, fs := range inst.local {
		if _, err := fs.joint.Rec.Evaluate(false); err != nil {
			return err
		}
		if inst.Args.Reconcile {
			if err := inst.reconcileBest(fs, recDir); err != nil {
				return err
			}
		}
		if inst.Args.ReconciliationSamples > 0 {
			if err := inst.reconcileSamples(fs, recDir); err != nil {
				return err
			}
		}
	}
	inst.Ctx.Rand.Restore(snapshot)
	inst.Ctx.Barrier()

	if inst.Args.BuildSuperMatrix && inst.Ctx.Rank() == 0 {
		if err := inst.writeSuperMatrix(); err != nil {
			return err
		}
	}
	inst.Ctx.Barrier()
	return nil
}

func writeTo(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return write(f)
}

func (inst *Instance) reconcileBest(fs *familyState, recDir string) error {
	name := fs.family.Name
	sc, err := fs.joint.Rec.InferMLScenario(false, inst.Ctx.Rand.Rand)
	if err != nil {
		return fmt.Errorf("family %s: %v", name, err)
	}
	k := inst.Args.RecModel.FreeParameters()
	steps := []struct {
		suffix string
		write  func(f *os.File) error
	}{
		{"_reconciliated.nhx", func(f *os.File) error { return output.WriteNHX(f, sc) }},
		{"_reconciliated.xml", func(f *os.File) error { return output.WriteRecPhyloXML(f, sc) }},
		{"_eventCounts.txt", func(f *os.File) error { return sc.SaveEventCounts(f) }},
		{"_speciesEventCounts.txt", func(f *os.File) error { return sc.SavePerSpeciesCounts(f, k) }},
		{"_transfers.txt", func(f *os.File) error { return sc.SaveTransfers(f) }},
		{"_orthogroups.txt", func(f *os.File) error {
			return output.WriteLargestOrthogroup(f, output.Orthogroups(sc))
		}},
		{"_orthogroups_all.txt", func(f *os.File) error {
			return output.WriteOrthogroups(f, output.Orthogroups(sc))
		}},
	}
	for _, step := range steps {
		if err := writeTo(filepath.Join(recDir, name+step.suffix), step.write); err != nil {
			return fmt.Errorf("family %s: %v", name, err)
		}
	}
	return nil
}

func (inst *Instance) reconcileSamples(fs *familyState, recDir string) error {
	name := fs.family.Name
	samplesPath := filepath.Join(recDir, name+"_samples.nhx")
	f, err := os.Create(samplesPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var sc *recmodel.Scenario
	for i := 0; i < inst.Args.ReconciliationSamples; i++ {
		sc, err = fs.joint.Rec.InferMLScenario(true, inst.Ctx.Rand.Rand)
		if err != nil {
			return fmt.Errorf("family %s sample %d: %v", name, i, err)
		}
		if err := output.WriteNHX(f, sc); err != nil {
			return err
		}
		fmt.Fprintln(f)
		transfersPath := filepath.Join(recDir, fmt.Sprintf("%s_%d_transfers.txt", name, i))
		if err := writeTo(transfersPath, func(f *os.File) error { return sc.SaveTransfers(f) }); err != nil {
			return err
		}
	}
	return nil
}

func (inst *Instance) writeSuperMatrix() error {
	matrixPath := filepath.Join(inst.Args.Output, "superMatrix.fasta")
	partPath := filepath.Join(inst.Args.Output, "superMatrix.part")
	matrix, err := os.Create(matrixPath)
	if err != nil {
		return err
	}
	defer matrix.Close()
	part, err := os.Create(partPath)
	if err != nil {
		return err
	}
	defer part.Close()
	return output.WriteSuperMatrix(inst.Families, inst.Species, matrix, part)
}
