// Package speciestree searches the species tree topology and root
// against the summed reconciliation likelihood of all gene families,
// with optional joint rescoring of the most promising moves.
package speciestree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/parallel"
	"github.com/DavidGoldLab/GeneRax/rateopt"
	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/tree"
)

var log = logging.MustGetLogger("speciestree")

// Strategy is the outer species search mode.
type Strategy int

const (
	StrategySPR Strategy = iota
	StrategyTransfers
	StrategyHybrid
)

// ParseStrategy converts a strategy name into its constant.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "SPR":
		return StrategySPR, nil
	case "TRANSFERS":
		return StrategyTransfers, nil
	case "HYBRID":
		return StrategyHybrid, nil
	}
	return StrategySPR, fmt.Errorf("unknown species search strategy: %s", s)
}

// Family is one rank-local gene family scored against the species
// tree.
type Family struct {
	Name string
	Eval *recmodel.Evaluation
}

// Optimizer owns the species tree during its search; all engine
// invalidation goes through it.
type Optimizer struct {
	Species  *tree.SpeciesTree
	Ctx      *parallel.Context
	Families []Family
	Model    recmodel.Model
	RecOpt   rateopt.Method
	// UserRates disables rate optimization.
	UserRates bool
	Rates     rateopt.Parameters
	OutputDir string
	// GeneScorer rescores the top moves with the full joint
	// likelihood at the given gene SPR radius; nil disables the
	// slow path.
	GeneScorer func(geneRadius int) (float64, error)
}

const (
	// movesToTry bounds the slow rescoring of sorted SPR rounds.
	movesToTry = 30
	// sprConvergence stops SPR rounds when the gain drops below it.
	sprConvergence = 0.001
)

// New builds an optimizer; every engine is switched to the
// partial-species caching mode and set to the starting rates.
func New(species *tree.SpeciesTree, ctx *parallel.Context, families []Family,
	model recmodel.Model, recOpt rateopt.Method, rates rateopt.Parameters,
	userRates bool, outputDir string) (*Optimizer, error) {
	o := &Optimizer{
		Species:   species,
		Ctx:       ctx,
		Families:  families,
		Model:     model,
		RecOpt:    recOpt,
		UserRates: userRates,
		Rates:     rates,
		OutputDir: outputDir,
	}
	for _, f := range families {
		f.Eval.SetPartialMode(recmodel.PartialSpecies)
	}
	if err := o.setRates(rates); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Optimizer) setRates(p rateopt.Parameters) error {
	obj := o.objective()
	rates := obj.Rates(p.Values)
	for _, f := range o.Families {
		if err := f.Eval.SetRates(rates); err != nil {
			return err
		}
	}
	return nil
}

func (o *Optimizer) objective() *rateopt.Objective {
	engines := make([]recmodel.Engine, len(o.Families))
	for i, f := range o.Families {
		engines[i] = f.Eval.Engine
	}
	return &rateopt.Objective{
		Engines:      engines,
		Model:        o.Model,
		Ctx:          o.Ctx,
		SpeciesCount: o.Species.NodesCount(),
	}
}

// OptimizeRates refits the global DTL rates on the current topology.
func (o *Optimizer) OptimizeRates() {
	if o.UserRates {
		return
	}
	o.Rates = rateopt.Optimize(o.RecOpt, o.objective(), o.Rates)
	log.Infof("Optimized rates: lnL=%f %v", o.Rates.Score, o.Rates.Values)
}

// ReconciliationLikelihood sums the family likelihoods across ranks.
func (o *Optimizer) ReconciliationLikelihood(approx bool) (float64, error) {
	sum := 0.0
	for _, f := range o.Families {
		ll, err := f.Eval.Evaluate(approx)
		if err != nil {
			return 0, err
		}
		sum += ll
	}
	return o.Ctx.SumDouble(sum), nil
}

// notifyChange broadcasts a species mutation to every engine.
func (o *Optimizer) notifyChange(affected []int) {
	for _, f := range o.Families {
		f.Eval.OnSpeciesTreeChange(affected)
	}
}

func (o *Optimizer) rollbackEngines() {
	for _, f := range o.Families {
		f.Eval.RollbackToLastState()
	}
}

// SprRound tests every SPR move within the radius, pre-filtering with
// the approximate likelihood and confirming with exact scoring. The
// first improving move is kept.
func (o *Optimizer) SprRound(radius int, bestLL float64) (float64, bool, error) {
	for _, prune := range o.Species.PossiblePrunes() {
		for _, regraft := range o.Species.PossibleRegrafts(prune, radius) {
			affected := o.Species.AffectedBySPR(prune, regraft)
			rollback, err := o.Species.ApplySPR(prune, regraft)
			if err != nil {
				continue
			}
			o.notifyChange(affected)
			approx, err := o.ReconciliationLikelihood(true)
			if err != nil {
				return bestLL, false, err
			}
			if approx >= bestLL {
				exact, err := o.ReconciliationLikelihood(false)
				if err != nil {
					return bestLL, false, err
				}
				if exact > bestLL {
					log.Infof("Better species tree found: hash=%d lnL=%f", o.Species.Hash(), exact)
					return exact, true, nil
				}
				o.rollbackEngines()
			}
			rollback.Revert(o.Species)
		}
	}
	return bestLL, false, nil
}

type evaluatedMove struct {
	prune, regraft int
	ll             float64
}

// SortedSprRound scores all moves with the exact reconciliation
// likelihood, then rescores the top candidates with the full joint
// likelihood at gene radius 1.
func (o *Optimizer) SortedSprRound(radius int, bestLL float64) (float64, bool, error) {
	if o.GeneScorer == nil {
		return o.SprRound(radius, bestLL)
	}
	log.Infof("Starting sorted SPR round from tree hash=%d", o.Species.Hash())
	var moves []evaluatedMove
	for _, prune := range o.Species.PossiblePrunes() {
		for _, regraft := range o.Species.PossibleRegrafts(prune, radius) {
			affected := o.Species.AffectedBySPR(prune, regraft)
			rollback, err := o.Species.ApplySPR(prune, regraft)
			if err != nil {
				continue
			}
			o.notifyChange(affected)
			ll, err := o.ReconciliationLikelihood(false)
			if err != nil {
				return bestLL, false, err
			}
			moves = append(moves, evaluatedMove{prune: prune, regraft: regraft, ll: ll})
			o.rollbackEngines()
			rollback.Revert(o.Species)
		}
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].ll > moves[j].ll })
	if len(moves) > movesToTry {
		moves = moves[:movesToTry]
	}
	for _, m := range moves {
		affected := o.Species.AffectedBySPR(m.prune, m.regraft)
		rollback, err := o.Species.ApplySPR(m.prune, m.regraft)
		if err != nil {
			continue
		}
		o.notifyChange(affected)
		joint, err := o.GeneScorer(1)
		if err != nil {
			return bestLL, false, err
		}
		if joint > bestLL {
			log.Infof("Better species tree found: hash=%d jointLL=%f", o.Species.Hash(), joint)
			return joint, true, nil
		}
		o.rollbackEngines()
		rollback.Revert(o.Species)
		o.notifyChange(affected)
	}
	return bestLL, false, nil
}

// SprSearch loops SPR rounds at the given radius until convergence.
func (o *Optimizer) SprSearch(radius int, slow bool) (float64, error) {
	var bestLL float64
	var err error
	if slow && o.GeneScorer != nil {
		bestLL, err = o.GeneScorer(1)
	} else {
		o.notifyChange(nil)
		bestLL, err = o.ReconciliationLikelihood(false)
	}
	if err != nil {
		return 0, err
	}
	log.Infof("Starting species SPR search, radius=%d, bestLL=%f", radius, bestLL)
	for {
		var newLL float64
		var improved bool
		if slow {
			newLL, improved, err = o.SortedSprRound(radius, bestLL)
		} else {
			newLL, improved, err = o.SprRound(radius, bestLL)
		}
		if err != nil {
			return bestLL, err
		}
		if !improved || newLL-bestLL <= sprConvergence {
			if improved {
				bestLL = newLL
			}
			break
		}
		bestLL = newLL
	}
	o.SaveCurrentSpeciesTree("inferred_species_tree.newick")
	return bestLL, nil
}

// RootExhaustiveSearch tries every rooting of the species tree by
// recursive root moves and keeps the best.
func (o *Optimizer) RootExhaustiveSearch() (float64, error) {
	o.notifyChange(nil)
	bestLL, err := o.ReconciliationLikelihood(false)
	if err != nil {
		return 0, err
	}
	var movesHistory, bestMovesHistory []int
	movesHistory = append(movesHistory, 0)
	if err := o.rootSearchAux(movesHistory, &bestMovesHistory, &bestLL); err != nil {
		return bestLL, err
	}
	movesHistory[0] = 1
	if err := o.rootSearchAux(movesHistory, &bestMovesHistory, &bestLL); err != nil {
		return bestLL, err
	}
	for _, direction := range bestMovesHistory[1:] {
		if _, err := o.Species.ChangeRoot(direction); err != nil {
			return bestLL, err
		}
	}
	o.notifyChange(nil)
	return bestLL, nil
}

// rootSearchAux descends recursively in the two directions compatible
// with the last move.
func (o *Optimizer) rootSearchAux(movesHistory []int, bestMovesHistory *[]int, bestLL *float64) error {
	last := movesHistory[len(movesHistory)-1]
	for _, direction := range []int{last % 2, 2 + last%2} {
		if !o.Species.CanChangeRoot(direction) {
			continue
		}
		rollback, err := o.Species.ChangeRoot(direction)
		if err != nil {
			return err
		}
		movesHistory = append(movesHistory, direction)
		o.notifyChange(nil)
		ll, err := o.ReconciliationLikelihood(false)
		if err != nil {
			return err
		}
		if ll > *bestLL {
			*bestLL = ll
			*bestMovesHistory = append([]int{}, movesHistory...)
		}
		if err := o.rootSearchAux(movesHistory, bestMovesHistory, bestLL); err != nil {
			return err
		}
		movesHistory = movesHistory[:len(movesHistory)-1]
		rollback.Revert(o.Species)
		o.notifyChange(nil)
	}
	return nil
}

// SaveCurrentSpeciesTree writes the tree under the output directory,
// rank 0 only.
func (o *Optimizer) SaveCurrentSpeciesTree(name string) {
	if o.Ctx.Rank() != 0 || o.OutputDir == "" {
		return
	}
	path := filepath.Join(o.OutputDir, name)
	if err := os.WriteFile(path, []byte(o.Species.String()+"\n"), 0644); err != nil {
		log.Error("Error saving species tree: ", err)
	}
}
