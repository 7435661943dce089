/*

Jointsearch optimizes the gene tree of a single family against a
fixed species tree, maximizing the joint sequence and reconciliation
likelihood. It is the worker binary spawned per family by the split
scheduler, and a convenient way to process one family by hand:

	jointsearch --name fam1 --mapping fam1.map --gene-tree fam1.newick \
	  -s species.newick -p run_output

*/
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/DavidGoldLab/GeneRax/core"
	"github.com/DavidGoldLab/GeneRax/family"
	"github.com/DavidGoldLab/GeneRax/jointtree"
	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/parallel"
	"github.com/DavidGoldLab/GeneRax/rateopt"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/tree"
)

var log = logging.MustGetLogger("jointsearch")
var formatter = logging.MustStringFormatter(`%{message}`)

var (
	app = kingpin.New("jointsearch", "single-family joint gene tree search")

	name        = app.Flag("name", "family name").Required().String()
	alignment   = app.Flag("alignment", "family alignment (FASTA)").String()
	mappingFile = app.Flag("mapping", "gene to species mapping file").Required().String()
	geneTree    = app.Flag("gene-tree", "starting gene tree (path or __random__)").Default(family.RandomGeneTree).String()
	speciesFile = app.Flag("species-tree", "rooted species tree").Short('s').Required().ExistingFile()
	recModel    = app.Flag("rec-model", "reconciliation model").Short('r').
			Default("UndatedDTL").Enum("UndatedDL", "UndatedDTL", "UndatedIDTL")
	recOpt = app.Flag("rec-opt", "rate optimization method").
		Default("simplex").Enum("grid", "simplex", "gradient", "lbfgsb")
	prefix = app.Flag("prefix", "output directory").Short('p').Default("jointsearch_output").String()
	seed   = app.Flag("seed", "random generator seed").Default("42").Int64()

	unrootedGeneTree = app.Flag("unrooted-gene-tree", "disable rooted gene tree mode").Bool()
	dupRate          = app.Flag("dupRate", "starting duplication rate").Default("-1").Float64()
	lossRate         = app.Flag("lossRate", "starting loss rate").Default("-1").Float64()
	transferRate     = app.Flag("transferRate", "starting transfer rate").Default("-1").Float64()
	radius           = app.Flag("final-gene-radius", "maximum gene SPR radius").Default("5").Int()
	recWeight        = app.Flag("rec-weight", "weight of the reconciliation likelihood").Default("1.0").Float64()
	logLevel         = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("info").
		Enum("critical", "error", "warning", "notice", "info", "debug")
)

func fatal(code int, v ...interface{}) {
	log.Error(v...)
	os.Exit(code)
}

func run(ctx *parallel.Context) {
	model, err := recmodel.ParseModel(*recModel)
	if err != nil {
		fatal(core.ExitInvalidEnum, err)
	}
	method, err := rateopt.ParseMethod(*recOpt)
	if err != nil {
		fatal(core.ExitInvalidEnum, err)
	}

	f, err := os.Open(*speciesFile)
	if err != nil {
		fatal(core.ExitArgumentError, "Error opening species tree: ", err)
	}
	species, err := tree.ParseSpecies(f)
	f.Close()
	if err != nil {
		fatal(core.ExitArgumentError, "Error parsing species tree: ", err)
	}
	species.AutoLabel()

	m, err := mapping.ParseFile(*mappingFile)
	if err != nil {
		fatal(core.ExitInvalidMapping, "Error parsing mapping: ", err)
	}

	var genes *tree.GeneTree
	if *geneTree == family.RandomGeneTree {
		genes, err = tree.NewRandomGene(m.Genes(), ctx.Rand.Rand)
	} else {
		var gf *os.File
		gf, err = os.Open(*geneTree)
		if err == nil {
			genes, err = tree.ParseGene(gf)
			gf.Close()
		}
	}
	if err != nil {
		fatal(core.ExitArgumentError, "Error loading gene tree: ", err)
	}

	fam := family.Family{Name: *name, Alignment: *alignment, Mapping: *mappingFile}
	jt, err := jointtree.New(species, genes, m, core.KernelFactory(fam), model,
		!*unrootedGeneTree, *recWeight)
	if err != nil {
		fatal(core.ExitInvalidMapping, "Error binding family: ", err)
	}

	userRates := *dupRate >= 0 || *lossRate >= 0 || *transferRate >= 0
	pick := func(v, def float64) float64 {
		if v >= 0 {
			return v
		}
		return def
	}
	start := rateopt.NewParameters(pick(*dupRate, 0.2), pick(*lossRate, 0.2), pick(*transferRate, 0.1))
	obj := &rateopt.Objective{
		Engines:      []recmodel.Engine{jt.Rec.Engine},
		Model:        model,
		Ctx:          ctx,
		SpeciesCount: species.NodesCount(),
	}
	if model == recmodel.UndatedDL {
		start = rateopt.NewParameters(pick(*dupRate, 0.2), pick(*lossRate, 0.2))
	}
	if !userRates {
		best := rateopt.Optimize(method, obj, start)
		log.Infof("Optimized rates: %v lnL=%f", best.Values, best.Score)
	} else if err := jt.SetRates(obj.Rates(start.Values)); err != nil {
		fatal(core.ExitArgumentError, "Error setting rates: ", err)
	}

	if err := jt.OptimizeParameters(0.1); err != nil {
		fatal(core.ExitArgumentError, "Kernel failure: ", err)
	}
	bestLL, err := jt.JointLoglk()
	if err != nil {
		fatal(core.ExitArgumentError, "Error computing likelihood: ", err)
	}
	log.Infof("Initial joint lnL=%f", bestLL)
	for r := 1; r <= *radius; r++ {
		bestLL, err = jt.SPRSearch(ctx, r, true)
		if err != nil {
			fatal(core.ExitArgumentError, "Error in SPR search: ", err)
		}
		log.Infof("radius=%d joint lnL=%f", r, bestLL)
	}

	outDir := filepath.Join(*prefix, "results", *name)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		fatal(core.ExitArgumentError, "Error creating output directory: ", err)
	}
	root := jt.Genes.Root()
	if err := os.WriteFile(filepath.Join(outDir, "geneTree.newick"),
		[]byte(jt.Genes.Newick(root)+"\n"), 0644); err != nil {
		fatal(core.ExitArgumentError, "Error saving gene tree: ", err)
	}
	seqLL, err := jt.SequenceLoglk()
	if err != nil {
		fatal(core.ExitArgumentError, "Error computing sequence likelihood: ", err)
	}
	recLL, err := jt.ReconciliationLoglk()
	if err != nil {
		fatal(core.ExitArgumentError, "Error computing reconciliation likelihood: ", err)
	}
	stats := fmt.Sprintf("%f\n%f\n", seqLL, recLL)
	if err := os.WriteFile(filepath.Join(outDir, "stats.txt"), []byte(stats), 0644); err != nil {
		fatal(core.ExitArgumentError, "Error saving stats: ", err)
	}
	log.Infof("Final joint lnL=%f", bestLL)
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logging.SetFormatter(formatter)
	logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))
	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, pkg := range []string{"jointsearch", "tree", "mapping", "recmodel",
		"seqlh", "jointtree", "rateopt", "parallel"} {
		logging.SetLevel(level, pkg)
	}

	run(parallel.Self(*seed))
}
