/*

Speciesrax searches a species tree against fixed gene trees, using
the reconciliation likelihood only:

	speciesrax -f families.txt -s random -r UndatedDTL -p run_output

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

var log = logging.MustGetLogger("speciesrax")
var formatter = logging.MustStringFormatter(`%{message}`)

var (
	app = kingpin.New("speciesrax", "species tree inference from gene trees under DTL models")

	familiesFile = app.Flag("families", "families descriptor file").Short('f').Required().String()
	speciesTree  = app.Flag("species-tree", "starting species tree (path or random)").Short('s').Default("random").String()
	recModel     = app.Flag("rec-model", "reconciliation model").Short('r').
			Default("UndatedDTL").Enum("UndatedDL", "UndatedDTL", "UndatedIDTL")
	recOpt = app.Flag("rec-opt", "rate optimization method").
		Default("simplex").Enum("grid", "simplex", "gradient", "lbfgsb")
	prefix = app.Flag("prefix", "output directory").Short('p').Default("speciesrax_output").String()
	seed   = app.Flag("seed", "random generator seed").Default("42").Int64()

	speciesStrategy = app.Flag("species-strategy", "species tree search strategy").
			Default("HYBRID").Enum("SPR", "TRANSFERS", "HYBRID")
	perSpeciesRates = app.Flag("per-species-rates", "optimize DTL rates per species branch").Bool()
	dupRate         = app.Flag("dupRate", "starting duplication rate").Default("-1").Float64()
	lossRate        = app.Flag("lossRate", "starting loss rate").Default("-1").Float64()
	transferRate    = app.Flag("transferRate", "starting transfer rate").Default("-1").Float64()
	fastRadius      = app.Flag("fast-radius", "species SPR radius").Default("5").Int()
	subsamples      = app.Flag("si-subsamples", "first species search pass on N subsampled families").Default("0").Int()
	ranks           = app.Flag("ranks", "number of worker ranks").Default("1").Int()
	logLevel        = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("info").
		Enum("critical", "error", "warning", "notice", "info", "debug")
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logging.SetFormatter(formatter)
	stderrBackend := logging.NewLogBackend(os.Stderr, "", 0)
	if err := os.MkdirAll(*prefix, 0755); err != nil {
		log.Fatal("Error creating output directory: ", err)
	}
	backends := []logging.Backend{stderrBackend}
	f, err := os.OpenFile(filepath.Join(*prefix, "speciesrax"),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err == nil {
		backends = append(backends, logging.NewLogBackend(f, "", 0))
	}
	logging.SetBackend(backends...)
	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, pkg := range []string{"speciesrax", "core", "family", "mapping", "tree",
		"recmodel", "seqlh", "jointtree", "speciestree", "rateopt", "parallel", "output"} {
		logging.SetLevel(level, pkg)
	}

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
	strategy, err := speciestree.ParseStrategy(*speciesStrategy)
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
	args := &core.Args{
		Families:                  *familiesFile,
		SpeciesTree:               *speciesTree,
		RecModel:                  model,
		RecOpt:                    method,
		Output:                    *prefix,
		Seed:                      *seed,
		SpeciesStrategy:           strategy,
		RootedGeneTree:            true,
		PerSpeciesRates:           *perSpeciesRates,
		UserRates:                 userRates,
		DupRate:                   pick(*dupRate, 0.2),
		LossRate:                  pick(*lossRate, 0.2),
		TransferRate:              pick(*transferRate, 0.1),
		FastRadius:                *fastRadius,
		OptimizeSpeciesTree:       true,
		RecWeight:                 1.0,
		Ranks:                     *ranks,
		InitialFamiliesSubsamples: *subsamples,
	}

	code := parallel.Run(args.Ranks, args.Seed, func(ctx *parallel.Context) {
		inst := core.NewInstance(args, ctx)
		inst.PrintStats()
		if err := inst.LoadLocalFamilies(); err != nil {
			log.Error("Error loading families: ", err)
			ctx.Abort(core.ExitArgumentError)
		}
		if err := inst.SpeciesTreeSearch(); err != nil {
			log.Error("Error in the species tree search: ", err)
			ctx.Abort(core.ExitArgumentError)
		}
		inst.Terminate()
	})
	os.Exit(code)
}
