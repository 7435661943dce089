/*

Generax infers a species tree and reconciled gene trees from gene
family alignments under duplication, loss and transfer models.

The basic usage looks like this:

	generax -f families.txt -s species.newick -p run_output

To search the species tree from scratch and emit reconciliations:

	generax -f families.txt -s random -r UndatedDTL --reconcile -p run_output

To see all the options run:

	generax --help

*/
package main

import (
	"os"
	"path/filepath"

	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/DavidGoldLab/GeneRax/core"
	"github.com/DavidGoldLab/GeneRax/parallel"
	"github.com/DavidGoldLab/GeneRax/rateopt"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/speciestree"
)

// These variables are set during the compilation.
var githash = ""
var buildstamp = ""
var version = "generax (revision: " + githash + ", build time: " + buildstamp + ")"

// Logger settings.
var log = logging.MustGetLogger("generax")
var formatter = logging.MustStringFormatter(`%{message}`)

// command-line options
var (
	app = kingpin.New("generax", "species tree and gene tree joint inference under DTL models").Version(version)

	familiesFile = app.Flag("families", "families descriptor file").Short('f').Required().String()
	speciesTree  = app.Flag("species-tree", "starting species tree (path, random, NJ or NJst)").Short('s').Default("random").String()
	recModel     = app.Flag("rec-model", "reconciliation model").Short('r').
			Default("UndatedDTL").Enum("UndatedDL", "UndatedDTL", "UndatedIDTL")
	recOpt = app.Flag("rec-opt", "rate optimization method").
		Default("grid").Enum("grid", "simplex", "gradient", "lbfgsb")
	prefix = app.Flag("prefix", "output directory").Short('p').Default("generax_output").String()
	seed   = app.Flag("seed", "random generator seed").Default("42").Int64()

	strategy = app.Flag("strategy", "gene tree search strategy").
			Default("SPR").Enum("SPR", "EVAL")
	speciesStrategy = app.Flag("species-strategy", "species tree search strategy").
			Default("SPR").Enum("SPR", "TRANSFERS", "HYBRID")
	optSpeciesTree = app.Flag("optimize-species-tree", "search the species tree topology").Bool()

	unrootedGeneTree = app.Flag("unrooted-gene-tree", "disable rooted gene tree mode").Bool()
	perSpeciesRates  = app.Flag("per-species-rates", "optimize DTL rates per species branch").Bool()
	dupRate          = app.Flag("dupRate", "starting duplication rate").Default("-1").Float64()
	lossRate         = app.Flag("lossRate", "starting loss rate").Default("-1").Float64()
	transferRate     = app.Flag("transferRate", "starting transfer rate").Default("-1").Float64()

	fastRadius      = app.Flag("fast-radius", "species SPR radius with fixed gene trees").Default("5").Int()
	slowRadius      = app.Flag("slow-radius", "species SPR radius with joint rescoring").Default("0").Int()
	finalGeneRadius = app.Flag("final-gene-radius", "gene SPR radius of the last rounds").Default("5").Int()
	recRadius       = app.Flag("rec-radius", "gene SPR rounds with reconciliation only").Default("0").Int()

	reconcile  = app.Flag("reconcile", "emit maximum likelihood reconciliations").Bool()
	recSamples = app.Flag("reconciliation-samples", "emit N stochastic reconciliation samples").Default("0").Int()
	superMat   = app.Flag("super-matrix", "emit the concatenated super matrix").Bool()

	recWeight = app.Flag("rec-weight", "weight of the reconciliation likelihood").Default("1.0").Float64()
	splitExec = app.Flag("split-exec", "jointsearch binary; fan the per-family optimization "+
		"out to one worker process per family").String()
	subsamples     = app.Flag("si-subsamples", "first species search pass on N subsampled families").Default("0").Int()
	checkpointPath = app.Flag("checkpoint", "bolt database storing rate optimization checkpoints").String()
	ranks          = app.Flag("ranks", "number of worker ranks").Default("1").Int()
	logLevel       = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("info").
		Enum("critical", "error", "warning", "notice", "info", "debug")
)

// packages lists the loggers configured by the drivers.
var packages = []string{
	"generax", "core", "family", "mapping", "tree", "recmodel", "seqlh",
	"jointtree", "speciestree", "rateopt", "parallel", "scheduler",
	"checkpoint", "output",
}

func buildArgs() *core.Args {
	model, err := recmodel.ParseModel(*recModel)
	if err != nil {
		log.Error(err)
		os.Exit(core.ExitInvalidEnum)
	}
	method, err := rateopt.ParseMethod(*recOpt)
	if err != nil {
		log.Error(err)
		os.Exit(core.ExitInvalidEnum)
	}
	spStrategy, err := speciestree.ParseStrategy(*speciesStrategy)
	if err != nil {
		log.Error(err)
		os.Exit(core.ExitInvalidEnum)
	}
	userRates := *dupRate >= 0 || *lossRate >= 0 || *transferRate >= 0
	pick := func(v, def float64) float64 {
		if v >= 0 {
			return v
		}
		return def
	}
	return &core.Args{
		Families:                  *familiesFile,
		SpeciesTree:               *speciesTree,
		RecModel:                  model,
		RecOpt:                    method,
		Output:                    *prefix,
		Seed:                      *seed,
		SpeciesStrategy:           spStrategy,
		RootedGeneTree:            !*unrootedGeneTree,
		PerSpeciesRates:           *perSpeciesRates,
		UserRates:                 userRates,
		DupRate:                   pick(*dupRate, 0.2),
		LossRate:                  pick(*lossRate, 0.2),
		TransferRate:              pick(*transferRate, 0.1),
		FastRadius:                *fastRadius,
		SlowRadius:                *slowRadius,
		FinalGeneRadius:           *finalGeneRadius,
		RecRadius:                 *recRadius,
		MaxSPRRadius:              *finalGeneRadius,
		Reconcile:                 *reconcile,
		ReconciliationSamples:     *recSamples,
		BuildSuperMatrix:          *superMat,
		OptimizeSpeciesTree:       *optSpeciesTree || *speciesTree == "random",
		OptimizeGeneTrees:         *strategy == "SPR",
		RecWeight:                 *recWeight,
		CheckpointPath:            *checkpointPath,
		Ranks:                     *ranks,
		SplitExec:                 *splitExec,
		InitialFamiliesSubsamples: *subsamples,
	}
}

// setupLogging routes all package loggers to the run log file and
// stderr.
func setupLogging(outputDir string) {
	logging.SetFormatter(formatter)
	stderrBackend := logging.NewLogBackend(os.Stderr, "", 0)
	backends := []logging.Backend{stderrBackend}
	f, err := os.OpenFile(filepath.Join(outputDir, "generax"),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err == nil {
		backends = append(backends, logging.NewLogBackend(f, "", 0))
	}
	logging.SetBackend(backends...)
	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, pkg := range packages {
		logging.SetLevel(level, pkg)
	}
}

func run(args *core.Args) int {
	return parallel.Run(args.Ranks, args.Seed, func(ctx *parallel.Context) {
		inst := core.NewInstance(args, ctx)
		inst.PrintStats()
		inst.InitRandomGeneTrees()
		if err := inst.LoadLocalFamilies(); err != nil {
			log.Error("Error loading families: ", err)
			ctx.Abort(core.ExitArgumentError)
		}
		if err := inst.SpeciesTreeSearch(); err != nil {
			log.Error("Error in the species tree search: ", err)
			ctx.Abort(core.ExitArgumentError)
		}
		if args.OptimizeGeneTrees {
			if err := inst.GeneTreeJointSearch(); err != nil {
				log.Error("Error in the gene tree search: ", err)
				ctx.Abort(core.ExitArgumentError)
			}
		} else {
			inst.OptimizeRates(false)
			if err := inst.OptimizeGeneTrees(0, false, "results"); err != nil {
				log.Error("Error evaluating families: ", err)
				ctx.Abort(core.ExitArgumentError)
			}
		}
		if err := inst.Reconcile(); err != nil {
			log.Error("Error writing reconciliations: ", err)
			ctx.Abort(core.ExitArgumentError)
		}
		inst.Terminate()
	})
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := os.MkdirAll(*prefix, 0755); err != nil {
		log.Fatal("Error creating output directory: ", err)
	}
	setupLogging(*prefix)

	log.Info(version)
	log.Info("Command line: ", os.Args)
	log.Infof("Random seed=%v", *seed)

	args := buildArgs()
	os.Exit(run(args))
}
