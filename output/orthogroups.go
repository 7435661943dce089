package output

import (
	"fmt"
	"io"

	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/tree"
)

// Orthogroups partitions the gene leaves into groups related only
// through speciations: duplications and transfers split the partition.
func Orthogroups(sc *recmodel.Scenario) [][]string {
	if sc.Root == tree.None {
		return nil
	}
	vrSlot := sc.Root + sc.Genes.HalfEdgeCount()
	primary, rest := orthogroupsRec(sc, sc.Root, vrSlot, true)
	groups := append([][]string{primary}, rest...)
	var nonEmpty [][]string
	for _, g := range groups {
		if len(g) > 0 {
			nonEmpty = append(nonEmpty, g)
		}
	}
	return nonEmpty
}

// orthogroupsRec returns the group the current gene lineage belongs
// to plus the closed groups split off below it.
func orthogroupsRec(sc *recmodel.Scenario, h, slot int, isVirtualRoot bool) ([]string, [][]string) {
	genes := sc.Genes
	if !isVirtualRoot && genes.IsLeaf(h) {
		return []string{genes.Edge(h).Label}, nil
	}
	var left, right int
	if isVirtualRoot {
		left, right = h, genes.Edge(h).Back
	} else {
		left, right = genes.LeftChild(h), genes.RightChild(h)
	}
	event, ok := terminalEventOf(sc, slot)
	if !ok {
		return nil, nil
	}
	lPrimary, lRest := orthogroupsRec(sc, left, left, false)
	rPrimary, rRest := orthogroupsRec(sc, right, right, false)
	rest := append(lRest, rRest...)
	switch event.Type {
	case recmodel.EventD, recmodel.EventT:
		// The copies diverge here: keep the larger side as the
		// continuing lineage, close the other.
		if len(lPrimary) < len(rPrimary) {
			lPrimary, rPrimary = rPrimary, lPrimary
		}
		return lPrimary, append(rest, rPrimary)
	default:
		return append(lPrimary, rPrimary...), rest
	}
}

// WriteOrthogroups writes all groups, one per line with a size
// prefix.
func WriteOrthogroups(w io.Writer, groups [][]string) error {
	for _, g := range groups {
		if _, err := fmt.Fprintf(w, "%d", len(g)); err != nil {
			return err
		}
		for _, gene := range g {
			if _, err := fmt.Fprintf(w, " %s", gene); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteLargestOrthogroup writes the genes of the largest group, one
// per line.
func WriteLargestOrthogroup(w io.Writer, groups [][]string) error {
	var largest []string
	for _, g := range groups {
		if len(g) > len(largest) {
			largest = g
		}
	}
	for _, gene := range largest {
		if _, err := fmt.Fprintln(w, gene); err != nil {
			return err
		}
	}
	return nil
}
