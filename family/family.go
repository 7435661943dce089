// Package family parses and validates the families descriptor, the
// input manifest listing every gene family to process.
package family

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"

	"github.com/DavidGoldLab/GeneRax/bio"
	"github.com/DavidGoldLab/GeneRax/mapping"
	"github.com/DavidGoldLab/GeneRax/tree"
)

var log = logging.MustGetLogger("family")

// RandomGeneTree marks a family whose starting gene tree must be
// generated.
const RandomGeneTree = "__random__"

// Family describes one gene family.
type Family struct {
	Name             string
	Alignment        string
	Mapping          string
	StartingGeneTree string
	SubstModel       string
}

// StatsFile is the per-family likelihood stats path under the run
// prefix.
func (f *Family) StatsFile(outputDir, resultDir string) string {
	return filepath.Join(outputDir, resultDir, f.Name, "stats.txt")
}

// GeneTreeFile is the per-family result tree path under the run
// prefix.
func (f *Family) GeneTreeFile(outputDir, resultDir string) string {
	return filepath.Join(outputDir, resultDir, f.Name, "geneTree.newick")
}

// Parse reads a families descriptor:
//
//	[FAMILIES]
//	- family_name
//	alignment = path
//	mapping = path
//	starting_gene_tree = path|__random__
//	subst_model = GTR
func Parse(rd io.Reader) ([]Family, error) {
	var families []Family
	scanner := bufio.NewScanner(rd)
	var current *Family
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || strings.HasPrefix(line, "[") {
			continue
		}
		if strings.HasPrefix(line, "-") {
			families = append(families, Family{Name: strings.TrimSpace(line[1:])})
			current = &families[len(families)-1]
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("family attribute before any family name: %q", line)
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid family attribute: %q", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "alignment":
			current.Alignment = value
		case "mapping":
			current.Mapping = value
		case "starting_gene_tree":
			current.StartingGeneTree = value
		case "subst_model":
			current.SubstModel = value
		default:
			log.Debugf("ignoring unknown family attribute %q", key)
		}
	}
	return families, scanner.Err()
}

// ParseFile reads a families descriptor from disk.
func ParseFile(path string) ([]Family, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// LoadGeneTree reads the family's starting gene tree.
func (f *Family) LoadGeneTree() (*tree.GeneTree, error) {
	file, err := os.Open(f.StartingGeneTree)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return tree.ParseGene(file)
}

// LoadMapping reads the family's gene to species mapping.
func (f *Family) LoadMapping() (*mapping.GeneSpecies, error) {
	return mapping.ParseFile(f.Mapping)
}

// validate checks one family against the species tree. needAlignments
// requires a readable alignment; species may be nil during the first
// filtering round.
func (f *Family) validate(species *tree.SpeciesTree, needAlignments bool) error {
	if f.Mapping == "" {
		return fmt.Errorf("no mapping file")
	}
	m, err := f.LoadMapping()
	if err != nil {
		return fmt.Errorf("invalid mapping: %v", err)
	}
	if needAlignments {
		if f.Alignment == "" {
			return fmt.Errorf("no alignment file")
		}
		file, err := os.Open(f.Alignment)
		if err != nil {
			return fmt.Errorf("unreadable alignment: %v", err)
		}
		seqs, err := bio.ParseFasta(file)
		file.Close()
		if err != nil {
			return fmt.Errorf("invalid alignment: %v", err)
		}
		if _, err = seqs.Length(); err != nil {
			return fmt.Errorf("invalid alignment: %v", err)
		}
		for _, name := range seqs.Names() {
			if m.Species(name) == "" {
				return fmt.Errorf("sequence %q has no species mapping", name)
			}
		}
	}
	var genes *tree.GeneTree
	if f.StartingGeneTree != "" && f.StartingGeneTree != RandomGeneTree {
		genes, err = f.LoadGeneTree()
		if err != nil {
			return fmt.Errorf("invalid starting gene tree: %v", err)
		}
	}
	if species != nil {
		if genes != nil {
			if err := m.Check(genes, species); err != nil {
				return err
			}
			if len(genes.Leaves()) < 3 {
				return fmt.Errorf("fewer than 3 genes")
			}
		}
		covered := 0
		for sp := range m.CoveredSpecies() {
			if species.LeafIndex(sp) != tree.None {
				covered++
			}
		}
		if covered < 2 {
			return fmt.Errorf("not enough species overlap (%d)", covered)
		}
	}
	return nil
}

// Filter drops the families that do not validate. The first round
// (species == nil) checks the files alone; the second round checks
// against the species tree leaf set and the coverage requirement.
func Filter(families []Family, species *tree.SpeciesTree, needAlignments bool) []Family {
	kept := families[:0]
	for _, f := range families {
		if err := f.validate(species, needAlignments); err != nil {
			log.Debugf("dropping family %s: %v", f.Name, err)
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// PrintStats writes the fraction of families covering each species.
func PrintStats(families []Family, species *tree.SpeciesTree, coverageFile string) error {
	counts := map[string]float64{}
	for _, f := range families {
		m, err := f.LoadMapping()
		if err != nil {
			continue
		}
		for sp := range m.CoveredSpecies() {
			counts[sp]++
		}
	}
	f, err := os.Create(coverageFile)
	if err != nil {
		return err
	}
	defer f.Close()
	var values []float64
	for _, label := range species.Labels() {
		values = append(values, counts[label])
		fmt.Fprintf(f, "%s %g\n", label, counts[label]/float64(len(families)))
	}
	log.Infof("Average per-species family coverage: %f",
		floats.Sum(values)/float64(len(values)*len(families)))
	return nil
}

// SpeciesLabels collects the species covered by all families'
// mappings, the leaf set of random starting species trees.
func SpeciesLabels(families []Family) []string {
	set := map[string]bool{}
	for _, f := range families {
		m, err := f.LoadMapping()
		if err != nil {
			continue
		}
		for sp := range m.CoveredSpecies() {
			set[sp] = true
		}
	}
	labels := make([]string, 0, len(set))
	for sp := range set {
		labels = append(labels, sp)
	}
	sort.Strings(labels)
	return labels
}
