// Package core implements the run pipeline shared by the drivers:
// family filtering, starting trees, the rates / gene tree / species
// tree optimization loop, and reconciliation output.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/op/go-logging"
	bolt "go.etcd.io/bbolt"

	"github.com/DavidGoldLab/GeneRax/family"
	"github.com/DavidGoldLab/GeneRax/jointtree"
	"github.com/DavidGoldLab/GeneRax/parallel"
	"github.com/DavidGoldLab/GeneRax/rateopt"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/seqlh"
	"github.com/DavidGoldLab/GeneRax/speciestree"
	"github.com/DavidGoldLab/GeneRax/tree"
)

var log = logging.MustGetLogger("core")

// Exit codes shared by the drivers.
const (
	ExitArgumentError   = 1
	ExitNoValidFamilies = 10
	ExitInvalidEnum     = 41
	ExitInvalidMapping  = 42
)

// Args carries the validated command line of a run.
type Args struct {
	Families    string
	SpeciesTree string
	RecModel    recmodel.Model
	RecOpt      rateopt.Method
	Output      string
	Seed        int64

	SpeciesStrategy speciestree.Strategy
	RootedGeneTree  bool
	PerSpeciesRates bool

	// UserRates disables rate optimization; set when any starting
	// rate was given explicitly.
	UserRates    bool
	DupRate      float64
	LossRate     float64
	TransferRate float64

	FastRadius      int
	SlowRadius      int
	FinalGeneRadius int
	RecRadius       int
	MaxSPRRadius    int

	Reconcile             bool
	ReconciliationSamples int
	BuildSuperMatrix      bool

	OptimizeSpeciesTree bool
	OptimizeGeneTrees   bool

	RecWeight      float64
	CheckpointPath string
	Ranks          int

	// SplitExec enables the split scheduler: the per-family gene
	// tree optimization is fanned out to one worker process per
	// family, running this binary.
	SplitExec string

	// InitialFamiliesSubsamples runs a first species search pass on
	// a random subset of families; off when <= 0.
	InitialFamiliesSubsamples int
}

// KernelFactory builds the external sequence likelihood kernel of one
// family. The default wires the null kernel: reconciliation-only
// scoring.
var KernelFactory = func(f family.Family) seqlh.Kernel { return seqlh.NullKernel{} }

// familyState is the rank-local state of one family.
type familyState struct {
	family family.Family
	joint  *jointtree.JointTree
}

// Instance is the state of one run on one rank.
type Instance struct {
	Args *Args
	Ctx  *parallel.Context

	Species         *tree.SpeciesTree
	SpeciesTreePath string
	Families        []family.Family

	TotalRecLL    float64
	TotalLibpllLL float64
	Rates         rateopt.Parameters

	currentIteration int
	startTime        time.Time
	checkpointDB     *bolt.DB

	// rank-local joint trees, aligned with the rank's family slice
	local      []*familyState
	localBegin int
}

// NewInstance prepares the run: output folders, family filtering and
// the starting species tree.
func NewInstance(args *Args, ctx *parallel.Context) *Instance {
	inst := &Instance{Args: args, Ctx: ctx, startTime: time.Now()}
	ctx.AssertRandConsistent()

	families, err := family.ParseFile(args.Families)
	if err != nil {
		log.Error("Error reading families file: ", err)
		ctx.Abort(ExitArgumentError)
	}
	log.Infof("Number of gene families: %d", len(families))
	log.Info("Filtering invalid families...")
	families = family.Filter(families, nil, args.OptimizeGeneTrees)

	inst.SpeciesTreePath = filepath.Join(args.Output, "starting_species_tree.newick")
	inst.Species = inst.buildStartingSpeciesTree(families)
	inst.Species.AutoLabel()
	if ctx.Rank() == 0 {
		if err := os.WriteFile(inst.SpeciesTreePath, []byte(inst.Species.String()+"\n"), 0644); err != nil {
			log.Error("Error saving starting species tree: ", err)
			ctx.Abort(ExitArgumentError)
		}
	}
	ctx.Barrier()

	log.Info("Filtering invalid families based on the starting species tree...")
	families = family.Filter(families, inst.Species, args.OptimizeGeneTrees)
	if len(families) == 0 {
		log.Error("[Error] No valid families! Aborting")
		ctx.Abort(ExitNoValidFamilies)
	}
	inst.Families = families
	inst.Rates = startingRates(args)
	inst.initFolders()
	return inst
}

func startingRates(args *Args) rateopt.Parameters {
	switch args.RecModel {
	case recmodel.UndatedDL:
		return rateopt.NewParameters(args.DupRate, args.LossRate)
	case recmodel.UndatedDTL:
		return rateopt.NewParameters(args.DupRate, args.LossRate, args.TransferRate)
	default:
		return rateopt.NewParameters(args.DupRate, args.LossRate, args.TransferRate, 0.1)
	}
}

func (inst *Instance) buildStartingSpeciesTree(families []family.Family) *tree.SpeciesTree {
	args := inst.Args
	switch args.SpeciesTree {
	case "random":
		log.Info("Generating random starting species tree")
		labels := family.SpeciesLabels(families)
		if len(labels) < 2 {
			log.Error("Not enough species to build a starting tree")
			inst.Ctx.Abort(ExitNoValidFamilies)
		}
		return tree.NewRandomSpecies(labels, inst.Ctx.Rand.Rand)
	case "NJ", "NJst":
		// Distance-based starting trees come from an external
		// builder.
		log.Errorf("starting species tree %q requires the external NJ builder", args.SpeciesTree)
		inst.Ctx.Abort(ExitArgumentError)
		return nil
	default:
		f, err := os.Open(args.SpeciesTree)
		if err != nil {
			log.Error("Error opening species tree: ", err)
			inst.Ctx.Abort(ExitArgumentError)
			return nil
		}
		defer f.Close()
		t, err := tree.ParseSpecies(f)
		if err != nil {
			log.Error("Error parsing species tree: ", err)
			inst.Ctx.Abort(ExitArgumentError)
			return nil
		}
		return t
	}
}

func (inst *Instance) initFolders() {
	inst.Ctx.AssertRandConsistent()
	if inst.Ctx.Rank() == 0 {
		results := filepath.Join(inst.Args.Output, "results")
		os.MkdirAll(results, 0755)
		var proposals string
		if inst.Args.OptimizeSpeciesTree {
			proposals = filepath.Join(inst.Args.Output, "proposals")
			os.MkdirAll(proposals, 0755)
		}
		for _, f := range inst.Families {
			os.MkdirAll(filepath.Join(results, f.Name), 0755)
			if proposals != "" {
				os.MkdirAll(filepath.Join(proposals, f.Name), 0755)
			}
		}
	}
	inst.Ctx.Barrier()
}

// InitRandomGeneTrees materializes random starting trees for the
// families that requested them; rank 0 writes, everyone reads after
// the barrier.
func (inst *Instance) InitRandomGeneTrees() {
	inst.Ctx.AssertRandConsistent()
	dir := filepath.Join(inst.Args.Output, "startingTrees")
	created := false
	snapshot := inst.Ctx.Rand.Snapshot()
	for i := range inst.Families {
		f := &inst.Families[i]
		if f.StartingGeneTree != family.RandomGeneTree && f.StartingGeneTree != "" {
			continue
		}
		if !created {
			if inst.Ctx.Rank() == 0 {
				os.MkdirAll(dir, 0755)
			}
			created = true
		}
		path := filepath.Join(dir, f.Name+".newick")
		m, err := f.LoadMapping()
		if err != nil {
			log.Error("Error loading mapping for ", f.Name, ": ", err)
			inst.Ctx.Abort(ExitInvalidMapping)
		}
		t, err := tree.NewRandomGene(m.Genes(), inst.Ctx.Rand.Rand)
		if err != nil {
			log.Error("Error building random gene tree for ", f.Name, ": ", err)
			inst.Ctx.Abort(ExitNoValidFamilies)
		}
		if inst.Ctx.Rank() == 0 {
			if err := os.WriteFile(path, []byte(t.Newick(0)+"\n"), 0644); err != nil {
				log.Error("Error saving random gene tree: ", err)
				inst.Ctx.Abort(ExitArgumentError)
			}
		}
		f.StartingGeneTree = path
	}
	inst.Ctx.Rand.Restore(snapshot)
	inst.Ctx.Barrier()
}

// LoadLocalFamilies binds the rank's family slice into joint trees.
func (inst *Instance) LoadLocalFamilies() error {
	begin, end := inst.Ctx.BeginFamilies(len(inst.Families))
	inst.localBegin = begin
	inst.local = nil
	for i := begin; i < end; i++ {
		f := inst.Families[i]
		genes, err := f.LoadGeneTree()
		if err != nil {
			return fmt.Errorf("family %s: %v", f.Name, err)
		}
		m, err := f.LoadMapping()
		if err != nil {
			return fmt.Errorf("family %s: %v", f.Name, err)
		}
		jt, err := jointtree.New(inst.Species, genes, m, KernelFactory(f),
			inst.Args.RecModel, inst.Args.RootedGeneTree, inst.Args.RecWeight)
		if err != nil {
			log.Error("Error binding family ", f.Name, ": ", err)
			inst.Ctx.Abort(ExitInvalidMapping)
		}
		inst.local = append(inst.local, &familyState{family: f, joint: jt})
	}
	return nil
}

// PrintStats writes the per-species family coverage, rank 0 only.
func (inst *Instance) PrintStats() {
	if inst.Ctx.Rank() != 0 {
		inst.Ctx.Barrier()
		return
	}
	coverage := filepath.Join(inst.Args.Output, "perSpeciesCoverage.txt")
	log.Info("Gathering statistics about the families...")
	if err := family.PrintStats(inst.Families, inst.Species, coverage); err != nil {
		log.Error("Error writing coverage stats: ", err)
	}
	inst.Ctx.Barrier()
}

// Elapsed returns the wall time since the run started.
func (inst *Instance) Elapsed() time.Duration { return time.Since(inst.startTime) }
