package tree

import "fmt"

// GeneRollback restores the half-edges touched by ApplySPR.
type GeneRollback struct {
	saved []HalfEdge
}

// Revert undoes the corresponding ApplySPR.
func (rb GeneRollback) Revert(t *GeneTree) {
	for _, e := range rb.saved {
		t.edges[e.Index] = e
	}
}

// sprYieldsSameTree detects regrafts that leave the unrooted topology
// unchanged.
func (t *GeneTree) sprYieldsSameTree(p, r int) bool {
	p1 := t.edges[p].Next
	p2 := t.edges[p1].Next
	return r == p || r == p1 || r == p2 ||
		r == t.edges[p].Back || r == t.edges[p1].Back || r == t.edges[p2].Back
}

// movedComponent returns the half-edges that move with the node of
// prune: the node's cycle and everything beyond its Back branch.
func (t *GeneTree) movedComponent(prune int) map[int]bool {
	p1 := t.edges[prune].Next
	p2 := t.edges[p1].Next
	set := map[int]bool{prune: true, p1: true, p2: true}
	// rec enters a node through half-edge h and spreads through the
	// node's other branches only, never back across h's branch.
	var rec func(h int)
	rec = func(h int) {
		if set[h] {
			return
		}
		set[h] = true
		if t.edges[h].Next == None {
			return
		}
		n1 := t.edges[h].Next
		n2 := t.edges[n1].Next
		set[n1] = true
		set[n2] = true
		rec(t.edges[n1].Back)
		rec(t.edges[n2].Back)
	}
	rec(t.edges[prune].Back)
	return set
}

// ApplySPR prunes the node of the internal half-edge prune (with the
// subtree behind its Back branch) and regrafts it into the branch of
// regraft. The returned rollback restores the previous topology
// bit-for-bit.
func (t *GeneTree) ApplySPR(prune, regraft int) (GeneRollback, error) {
	if t.edges[prune].Next == None {
		return GeneRollback{}, fmt.Errorf("prune half-edge %d is a leaf", prune)
	}
	if t.sprYieldsSameTree(prune, regraft) {
		return GeneRollback{}, fmt.Errorf("regraft %d yields the same tree", regraft)
	}
	moved := t.movedComponent(prune)
	if moved[regraft] || moved[t.edges[regraft].Back] {
		return GeneRollback{}, fmt.Errorf("regraft %d is inside the pruned subtree", regraft)
	}
	p1 := t.edges[prune].Next
	p2 := t.edges[p1].Next
	b1 := t.edges[p1].Back
	b2 := t.edges[p2].Back
	rback := t.edges[regraft].Back
	rb := GeneRollback{saved: []HalfEdge{
		t.edges[p1], t.edges[p2], t.edges[b1], t.edges[b2],
		t.edges[regraft], t.edges[rback],
	}}
	// Close the gap left by the pruned node.
	t.link(b1, b2, t.edges[b1].Length+t.edges[b2].Length)
	// Break the regraft branch and splice the node in.
	half := t.edges[regraft].Length / 2
	t.link(p1, regraft, half)
	t.link(p2, rback, half)
	return rb, nil
}

// PruneCandidates returns all internal half-edges, the valid prune
// points for SPR moves.
func (t *GeneTree) PruneCandidates() []int {
	var prunes []int
	for i := range t.edges {
		if t.edges[i].Next != None {
			prunes = append(prunes, i)
		}
	}
	return prunes
}

// Regrafts visits all regraft half-edges within radius traversal
// steps of the pruned node, with the path of branches crossed.
// Direct neighbors are skipped: regrafting there yields the same
// tree.
func (t *GeneTree) Regrafts(prune, radius int, visit func(regraft int, path []int)) {
	p1 := t.edges[prune].Next
	p2 := t.edges[p1].Next
	var path []int
	t.regraftsRec(t.edges[p1].Back, radius, path, visit)
	t.regraftsRec(t.edges[p2].Back, radius, path, visit)
}

func (t *GeneTree) regraftsRec(regraft, radius int, path []int, visit func(int, []int)) {
	if len(path) > 0 {
		visit(regraft, path)
	}
	if len(path) < radius && t.edges[regraft].Next != None {
		path = append(path, regraft)
		next := t.edges[regraft].Next
		t.regraftsRec(t.edges[next].Back, radius, path, visit)
		t.regraftsRec(t.edges[t.edges[next].Next].Back, radius, path, visit)
	}
}

// MoveInvalidationSet returns the half-edges whose conditional values
// must be recomputed after the SPR move (prune, regraft, path): the
// pruned node, the regraft branch, the crossed branches, and their
// opposite views.
func (t *GeneTree) MoveInvalidationSet(prune, regraft int, path []int) []int {
	p1 := t.edges[prune].Next
	p2 := t.edges[p1].Next
	set := map[int]bool{}
	add := func(h int) {
		set[h] = true
		set[t.edges[h].Back] = true
	}
	add(prune)
	add(p1)
	add(p2)
	add(regraft)
	for _, h := range path {
		add(h)
	}
	res := make([]int, 0, len(set))
	for h := range set {
		res = append(res, h)
	}
	return res
}
