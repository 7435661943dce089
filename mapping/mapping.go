// Package mapping links gene tree leaves to species tree leaves.
package mapping

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/DavidGoldLab/GeneRax/tree"
)

// GeneSpecies maps gene leaf labels to species leaf labels. Several
// genes may map to the same species (paralogs), but each gene maps to
// exactly one species.
type GeneSpecies struct {
	geneToSpecies map[string]string
}

// New creates an empty mapping.
func New() *GeneSpecies {
	return &GeneSpecies{geneToSpecies: make(map[string]string)}
}

// Parse reads a mapping file. Two formats are accepted, both used by
// phylogenetics tools:
//
//	species:gene1;gene2;gene3
//	gene species
//
// one entry per line.
func Parse(rd io.Reader) (*GeneSpecies, error) {
	m := New()
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, ":") {
			parts := strings.SplitN(line, ":", 2)
			species := strings.TrimSpace(parts[0])
			for _, gene := range strings.Split(parts[1], ";") {
				gene = strings.TrimSpace(gene)
				if gene == "" {
					continue
				}
				if err := m.Add(gene, species); err != nil {
					return nil, err
				}
			}
		} else {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				return nil, fmt.Errorf("invalid mapping line: %q", line)
			}
			if err := m.Add(fields[0], fields[1]); err != nil {
				return nil, err
			}
		}
	}
	return m, scanner.Err()
}

// ParseFile reads a mapping file from disk.
func ParseFile(path string) (*GeneSpecies, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Add records one gene to species association.
func (m *GeneSpecies) Add(gene, species string) error {
	if prev, ok := m.geneToSpecies[gene]; ok && prev != species {
		return fmt.Errorf("gene %q mapped to both %q and %q", gene, prev, species)
	}
	m.geneToSpecies[gene] = species
	return nil
}

// Genes returns the mapped gene labels in sorted order.
func (m *GeneSpecies) Genes() []string {
	genes := make([]string, 0, len(m.geneToSpecies))
	for g := range m.geneToSpecies {
		genes = append(genes, g)
	}
	sort.Strings(genes)
	return genes
}

// Species returns the species of a gene, "" if unmapped.
func (m *GeneSpecies) Species(gene string) string {
	return m.geneToSpecies[gene]
}

// Len returns the number of mapped genes.
func (m *GeneSpecies) Len() int { return len(m.geneToSpecies) }

// Check verifies that every gene leaf maps to a leaf of the species
// tree.
func (m *GeneSpecies) Check(genes *tree.GeneTree, species *tree.SpeciesTree) error {
	for _, label := range genes.LeafLabels() {
		sp, ok := m.geneToSpecies[label]
		if !ok {
			return fmt.Errorf("gene %q has no species mapping", label)
		}
		if species.LeafIndex(sp) == tree.None {
			return fmt.Errorf("gene %q maps to unknown species %q", label, sp)
		}
	}
	return nil
}

// CoveredSpecies returns the species covered by the mapped genes.
func (m *GeneSpecies) CoveredSpecies() map[string]bool {
	covered := make(map[string]bool)
	for _, sp := range m.geneToSpecies {
		covered[sp] = true
	}
	return covered
}

// Extend resolves the mapping into gene leaf index to species leaf
// index, total on the gene tree's leaves.
func (m *GeneSpecies) Extend(genes *tree.GeneTree, species *tree.SpeciesTree) ([]int, error) {
	if err := m.Check(genes, species); err != nil {
		return nil, err
	}
	ext := make([]int, genes.HalfEdgeCount())
	for i := range ext {
		ext[i] = tree.None
	}
	for _, leaf := range genes.Leaves() {
		ext[leaf] = species.LeafIndex(m.geneToSpecies[genes.Edge(leaf).Label])
	}
	return ext, nil
}
