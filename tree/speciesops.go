package tree

import "fmt"

// Root change directions. The first bit selects the root child to
// descend into, the second bit the grandchild that becomes a direct
// child of the root.
const (
	RootLeftLeft = iota
	RootLeftRight
	RootRightLeft
	RootRightRight
)

// RootRollback restores the nodes touched by ChangeRoot.
type RootRollback struct {
	saved []SpeciesNode
}

// SPRRollback restores the nodes touched by ApplySPR.
type SPRRollback struct {
	saved []SpeciesNode
}

func (t *SpeciesTree) save(indices ...int) []SpeciesNode {
	saved := make([]SpeciesNode, 0, len(indices))
	for _, i := range indices {
		saved = append(saved, t.nodes[i])
	}
	return saved
}

func (t *SpeciesTree) restore(saved []SpeciesNode) {
	for _, n := range saved {
		t.nodes[n.Index] = n
	}
	t.invalidateCaches()
}

// CanChangeRoot reports whether the root can move one step in the
// given direction.
func (t *SpeciesTree) CanChangeRoot(direction int) bool {
	r := &t.nodes[t.root]
	pivot := r.Left
	if direction >= RootRightLeft {
		pivot = r.Right
	}
	return t.nodes[pivot].Left != None
}

// ChangeRoot moves the root one step onto a grandchild branch. The
// unrooted topology is preserved.
func (t *SpeciesTree) ChangeRoot(direction int) (RootRollback, error) {
	if !t.CanChangeRoot(direction) {
		return RootRollback{}, fmt.Errorf("cannot change root in direction %d", direction)
	}
	r := &t.nodes[t.root]
	pivot, other := r.Left, r.Right
	if direction >= RootRightLeft {
		pivot, other = r.Right, r.Left
	}
	p := &t.nodes[pivot]
	keep, disc := p.Left, p.Right
	if direction == RootLeftRight || direction == RootRightRight {
		keep, disc = p.Right, p.Left
	}
	rb := RootRollback{saved: t.save(t.root, pivot, other, keep, disc)}

	// The pivot node is reused to group its discarded child with the
	// former sibling subtree.
	r.Left, r.Right = keep, pivot
	t.nodes[keep].Parent = t.root
	p.Left, p.Right = disc, other
	p.Parent = t.root
	t.nodes[disc].Parent = pivot
	t.nodes[other].Parent = pivot
	t.invalidateCaches()
	return rb, nil
}

// Revert undoes the corresponding ChangeRoot.
func (rb RootRollback) Revert(t *SpeciesTree) { t.restore(rb.saved) }

// PossiblePrunes lists the nodes that can be pruned by an SPR move:
// everything except the root and its direct children.
func (t *SpeciesTree) PossiblePrunes() []int {
	prunes := make([]int, 0, len(t.nodes))
	for i := range t.nodes {
		if i == t.root || t.nodes[i].Parent == t.root || t.nodes[i].Parent == None {
			continue
		}
		prunes = append(prunes, i)
	}
	return prunes
}

// PossibleRegrafts lists regraft destinations for prune within the
// given radius (in traversal steps from the pruned branch).
func (t *SpeciesTree) PossibleRegrafts(prune, radius int) []int {
	parent := t.nodes[prune].Parent
	sibling := t.sibling(prune)
	inPruned := t.subtreeSet(prune)

	type visit struct {
		node, dist int
	}
	seen := map[int]bool{parent: true, prune: true}
	queue := []visit{{sibling, 1}}
	if gp := t.nodes[parent].Parent; gp != None {
		queue = append(queue, visit{gp, 1})
	}
	var regrafts []int
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if seen[v.node] || inPruned[v.node] {
			continue
		}
		seen[v.node] = true
		if v.node != t.root && v.node != sibling {
			regrafts = append(regrafts, v.node)
		}
		if v.dist == radius {
			continue
		}
		n := &t.nodes[v.node]
		for _, next := range []int{n.Parent, n.Left, n.Right} {
			if next != None && !seen[next] {
				queue = append(queue, visit{next, v.dist + 1})
			}
		}
	}
	return regrafts
}

func (t *SpeciesTree) sibling(i int) int {
	p := &t.nodes[t.nodes[i].Parent]
	if p.Left == i {
		return p.Right
	}
	return p.Left
}

func (t *SpeciesTree) subtreeSet(i int) map[int]bool {
	set := map[int]bool{}
	var rec func(int)
	rec = func(j int) {
		set[j] = true
		if t.nodes[j].Left != None {
			rec(t.nodes[j].Left)
			rec(t.nodes[j].Right)
		}
	}
	rec(i)
	return set
}

// ApplySPR prunes the subtree at prune and regrafts it above regraft.
// The pruned node's parent is reused as the new attachment node.
func (t *SpeciesTree) ApplySPR(prune, regraft int) (SPRRollback, error) {
	parent := t.nodes[prune].Parent
	if prune == t.root || parent == t.root || parent == None {
		return SPRRollback{}, fmt.Errorf("invalid prune node %d", prune)
	}
	if regraft == t.root || regraft == parent || regraft == prune || regraft == t.sibling(prune) {
		return SPRRollback{}, fmt.Errorf("invalid regraft node %d", regraft)
	}
	if t.subtreeSet(prune)[regraft] {
		return SPRRollback{}, fmt.Errorf("regraft %d inside pruned subtree %d", regraft, prune)
	}
	sibling := t.sibling(prune)
	gp := t.nodes[parent].Parent
	rp := t.nodes[regraft].Parent
	rb := SPRRollback{saved: t.save(prune, parent, sibling, gp, regraft, rp)}

	// Detach: the grandparent adopts the sibling.
	g := &t.nodes[gp]
	if g.Left == parent {
		g.Left = sibling
	} else {
		g.Right = sibling
	}
	t.nodes[sibling].Parent = gp

	// Reattach: parent is spliced onto the regraft branch.
	r := &t.nodes[rp]
	if r.Left == regraft {
		r.Left = parent
	} else {
		r.Right = parent
	}
	p := &t.nodes[parent]
	p.Parent = rp
	if p.Left == prune {
		p.Right = regraft
	} else {
		p.Left = regraft
	}
	t.nodes[regraft].Parent = parent
	t.invalidateCaches()
	return rb, nil
}

// Revert undoes the corresponding ApplySPR.
func (rb SPRRollback) Revert(t *SpeciesTree) { t.restore(rb.saved) }

// AffectedBySPR returns the species nodes whose conditional values may
// change when the subtree at prune is regrafted above regraft: the
// attachment nodes and all their ancestors.
func (t *SpeciesTree) AffectedBySPR(prune, regraft int) []int {
	set := map[int]bool{}
	for _, i := range t.Ancestors(t.nodes[prune].Parent) {
		set[i] = true
	}
	for _, i := range t.Ancestors(regraft) {
		set[i] = true
	}
	affected := make([]int, 0, len(set))
	// Deliver in post-order so dependent values recompute last.
	for _, i := range t.PostOrder() {
		if set[i] {
			affected = append(affected, i)
		}
	}
	return affected
}
