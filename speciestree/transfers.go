package speciestree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/DavidGoldLab/GeneRax/recmodel"
)

const (
	// transferSamples is the number of stochastic reconciliations
	// sampled per family when collecting transfer frequencies.
	transferSamples = 5
	// transferStopCount ends the guided search after this many
	// consecutive failures, or this many improvements.
	transferStopCount = 50
)

// transferPair is an ordered (donor, recipient) species pair with its
// sampled frequency.
type transferPair struct {
	donor, recipient string
	count            float64
}

// TransferFrequencies samples reconciliations on every family of this
// rank and accumulates ordered transfer pair counts across ranks. The
// per-rank counts are materialized to the filesystem before the
// barrier and merged after it.
func (o *Optimizer) TransferFrequencies() ([]transferPair, error) {
	// Sampling consumes rank-dependent amounts of randomness; the
	// snapshot keeps the streams rank-consistent afterwards.
	snapshot := o.Ctx.Rand.Snapshot()
	defer o.Ctx.Rand.Restore(snapshot)
	counts := map[string]float64{}
	for _, f := range o.Families {
		if _, err := f.Eval.Evaluate(false); err != nil {
			return nil, err
		}
		for i := 0; i < transferSamples; i++ {
			sc, err := f.Eval.InferMLScenario(true, o.Ctx.Rand.Rand)
			if err != nil {
				return nil, err
			}
			for _, e := range sc.Events {
				if e.Type != recmodel.EventT && e.Type != recmodel.EventTL {
					continue
				}
				donor := o.Species.Node(e.SpeciesNode).Label
				recipient := o.Species.Node(e.DestSpeciesNode).Label
				counts[donor+"\x00"+recipient]++
			}
		}
	}

	dir := filepath.Join(o.OutputDir, "transfers")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	rankFile := filepath.Join(dir, fmt.Sprintf("transfers_rank%d.txt", o.Ctx.Rank()))
	f, err := os.Create(rankFile)
	if err != nil {
		return nil, err
	}
	for key, count := range counts {
		parts := strings.SplitN(key, "\x00", 2)
		fmt.Fprintf(f, "%s %s %g\n", parts[0], parts[1], count)
	}
	f.Close()
	o.Ctx.Barrier()

	merged := map[string]float64{}
	for rank := 0; rank < o.Ctx.Size(); rank++ {
		path := filepath.Join(dir, fmt.Sprintf("transfers_rank%d.txt", rank))
		rf, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(rf)
		for scanner.Scan() {
			var donor, recipient string
			var count float64
			if _, err := fmt.Sscan(scanner.Text(), &donor, &recipient, &count); err != nil {
				continue
			}
			merged[donor+"\x00"+recipient] += count
		}
		rf.Close()
	}
	o.Ctx.Barrier()

	pairs := make([]transferPair, 0, len(merged))
	values := make([]float64, 0, len(merged))
	for key, count := range merged {
		parts := strings.SplitN(key, "\x00", 2)
		pairs = append(pairs, transferPair{donor: parts[0], recipient: parts[1], count: count})
		values = append(values, count)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		if pairs[i].donor != pairs[j].donor {
			return pairs[i].donor < pairs[j].donor
		}
		return pairs[i].recipient < pairs[j].recipient
	})
	log.Infof("Sampled %g transfers over %d ordered pairs", floats.Sum(values), len(pairs))
	return pairs, nil
}

// SaveTransferFrequencies writes the merged pair counts, rank 0 only.
func (o *Optimizer) SaveTransferFrequencies(pairs []transferPair, path string) error {
	if o.Ctx.Rank() != 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, p := range pairs {
		if _, err := fmt.Fprintf(f, "%s %s %g\n", p.donor, p.recipient, p.count); err != nil {
			return err
		}
	}
	return nil
}

// TransferSearch tests the most frequent transfer pairs as SPR moves
// regrafting the recipient next to the donor. It stops early after
// transferStopCount consecutive failures or improvements, but tries
// at least one move per species node.
func (o *Optimizer) TransferSearch() (float64, error) {
	o.Ctx.AssertRandConsistent()
	pairs, err := o.TransferFrequencies()
	if err != nil {
		return 0, err
	}
	if err := o.SaveTransferFrequencies(pairs, filepath.Join(o.OutputDir, "transfers.txt")); err != nil {
		log.Error("Error saving transfer frequencies: ", err)
	}

	o.notifyChange(nil)
	bestLL, err := o.ReconciliationLikelihood(false)
	if err != nil {
		return 0, err
	}
	minTrials := o.Species.NodesCount()
	trials, failures, improvements := 0, 0, 0
	for _, pair := range pairs {
		if trials >= minTrials &&
			(failures >= transferStopCount || improvements >= transferStopCount) {
			break
		}
		prune := o.labelNode(pair.recipient)
		regraft := o.labelNode(pair.donor)
		if prune < 0 || regraft < 0 {
			continue
		}
		affected := o.Species.AffectedBySPR(prune, regraft)
		rollback, err := o.Species.ApplySPR(prune, regraft)
		if err != nil {
			continue
		}
		trials++
		o.notifyChange(affected)
		ll, err := o.ReconciliationLikelihood(false)
		if err != nil {
			return bestLL, err
		}
		if ll > bestLL {
			bestLL = ll
			improvements++
			failures = 0
			log.Infof("Transfer-guided move improved the species tree: lnL=%f", ll)
			o.SaveCurrentSpeciesTree("inferred_species_tree.newick")
			continue
		}
		failures++
		o.rollbackEngines()
		rollback.Revert(o.Species)
		o.notifyChange(affected)
	}
	return bestLL, nil
}

// labelNode resolves any species label (leaf or internal) to its node
// index, -1 if unknown.
func (o *Optimizer) labelNode(label string) int {
	for _, i := range o.Species.PostOrder() {
		if o.Species.Node(i).Label == label {
			return i
		}
	}
	return -1
}
