package tree

import (
	"sort"
	"strings"
)

// splits returns the canonical non-trivial bipartitions of the tree,
// each encoded as a sorted label list. The side not containing the
// reference label is used, so the encoding is rooting-independent.
func (t *SpeciesTree) splits() map[string]bool {
	labels := t.Labels()
	if len(labels) == 0 {
		return nil
	}
	ref := labels[0]
	all := map[string]bool{}
	for _, l := range labels {
		all[l] = true
	}
	res := map[string]bool{}
	for _, i := range t.PostOrder() {
		if t.IsLeaf(i) || i == t.root {
			continue
		}
		below := t.leafLabelsBelow(i)
		side := below
		if contains(below, ref) {
			side = complement(all, below)
		}
		if len(side) < 2 || len(side) > len(labels)-2 {
			continue
		}
		sort.Strings(side)
		res[strings.Join(side, "\x00")] = true
	}
	return res
}

func (t *SpeciesTree) leafLabelsBelow(i int) []string {
	var labels []string
	var rec func(int)
	rec = func(j int) {
		if t.IsLeaf(j) {
			labels = append(labels, t.nodes[j].Label)
			return
		}
		rec(t.nodes[j].Left)
		rec(t.nodes[j].Right)
	}
	rec(i)
	return labels
}

func contains(set []string, s string) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func complement(all map[string]bool, sub []string) []string {
	in := map[string]bool{}
	for _, s := range sub {
		in[s] = true
	}
	var res []string
	for s := range all {
		if !in[s] {
			res = append(res, s)
		}
	}
	return res
}

// RobinsonFoulds returns the unrooted Robinson-Foulds distance
// between two species trees over the same leaf set.
func RobinsonFoulds(a, b *SpeciesTree) int {
	sa, sb := a.splits(), b.splits()
	d := 0
	for s := range sa {
		if !sb[s] {
			d++
		}
	}
	for s := range sb {
		if !sa[s] {
			d++
		}
	}
	return d
}
