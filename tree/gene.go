package tree

import (
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"strings"
)

// HalfEdge is one directed view of a gene tree branch. Internal nodes
// are cycles of three half-edges linked through Next; leaves are a
// single half-edge with Next == None. Back points to the opposite
// half-edge of the same branch.
type HalfEdge struct {
	Index  int
	Next   int
	Back   int
	Label  string
	Length float64
}

// GeneTree is an unrooted binary tree stored as a flat arena of
// half-edges, with an optional designated root branch.
type GeneTree struct {
	edges []HalfEdge
	root  int
}

// ParseGene reads a newick gene tree. Rooted input is unrooted by
// merging the two root branches.
func ParseGene(rd io.Reader) (*GeneTree, error) {
	p, err := parseNewick(rd)
	if err != nil {
		return nil, err
	}
	return buildGene(p)
}

func buildGene(p *pnode) (*GeneTree, error) {
	if len(p.children) != 2 && len(p.children) != 3 {
		return nil, fmt.Errorf("gene tree root has %d children, want 2 or 3", len(p.children))
	}
	for _, c := range p.children {
		if err := c.checkBinary(); err != nil {
			return nil, err
		}
	}
	t := &GeneTree{root: None}
	if len(p.children) == 2 {
		c1 := t.emit(p.children[0])
		c2 := t.emit(p.children[1])
		t.link(c1, c2, p.children[0].brLen+p.children[1].brLen)
	} else {
		d1 := t.newEdge("")
		d2 := t.newEdge("")
		d3 := t.newEdge("")
		t.edges[d1].Next = d2
		t.edges[d2].Next = d3
		t.edges[d3].Next = d1
		for i, d := range []int{d1, d2, d3} {
			c := t.emit(p.children[i])
			t.link(d, c, p.children[i].brLen)
		}
	}
	return t, nil
}

func (t *GeneTree) newEdge(label string) int {
	idx := len(t.edges)
	t.edges = append(t.edges, HalfEdge{Index: idx, Next: None, Back: None, Label: label})
	return idx
}

// emit creates the half-edges of the subtree rooted at p and returns
// the half-edge pointing up towards the parent.
func (t *GeneTree) emit(p *pnode) int {
	if len(p.children) == 0 {
		return t.newEdge(p.name)
	}
	h := t.newEdge("")
	d1 := t.newEdge("")
	d2 := t.newEdge("")
	t.edges[h].Next = d1
	t.edges[d1].Next = d2
	t.edges[d2].Next = h
	c1 := t.emit(p.children[0])
	c2 := t.emit(p.children[1])
	t.link(d1, c1, p.children[0].brLen)
	t.link(d2, c2, p.children[1].brLen)
	return h
}

func (t *GeneTree) link(a, b int, brLen float64) {
	t.edges[a].Back = b
	t.edges[b].Back = a
	t.edges[a].Length = brLen
	t.edges[b].Length = brLen
}

// NewRandomGene builds a random unrooted gene tree over the labels by
// stepwise insertion into random branches.
func NewRandomGene(labels []string, rng *rand.Rand) (*GeneTree, error) {
	if len(labels) < 2 {
		return nil, fmt.Errorf("cannot build a tree with %d leaves", len(labels))
	}
	shuffled := append([]string{}, labels...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	t := &GeneTree{root: None}
	a := t.newEdge(shuffled[0])
	b := t.newEdge(shuffled[1])
	t.link(a, b, 0.2)
	for _, label := range shuffled[2:] {
		// Pick a random branch and break it with a new node.
		target := rng.Intn(len(t.edges))
		back := t.edges[target].Back
		leaf := t.newEdge(label)
		h := t.newEdge("")
		d1 := t.newEdge("")
		d2 := t.newEdge("")
		t.edges[h].Next = d1
		t.edges[d1].Next = d2
		t.edges[d2].Next = h
		half := t.edges[target].Length / 2
		t.link(d1, target, half)
		t.link(d2, back, half)
		t.link(h, leaf, 0.1)
	}
	return t, nil
}

// Edge gives access to a half-edge by index.
func (t *GeneTree) Edge(i int) *HalfEdge { return &t.edges[i] }

// HalfEdgeCount returns the number of half-edges.
func (t *GeneTree) HalfEdgeCount() int { return len(t.edges) }

// MaxHalfEdge returns the largest half-edge index.
func (t *GeneTree) MaxHalfEdge() int { return len(t.edges) - 1 }

// IsLeaf reports whether half-edge i belongs to a leaf.
func (t *GeneTree) IsLeaf(i int) bool { return t.edges[i].Next == None }

// LeftChild returns the half-edge of the first subtree seen from i.
func (t *GeneTree) LeftChild(i int) int {
	return t.edges[t.edges[i].Next].Back
}

// RightChild returns the half-edge of the second subtree seen from i.
func (t *GeneTree) RightChild(i int) int {
	return t.edges[t.edges[t.edges[i].Next].Next].Back
}

// Root returns the designated root half-edge, None if unset.
func (t *GeneTree) Root() int { return t.root }

// SetRoot designates a root branch.
func (t *GeneTree) SetRoot(i int) { t.root = i }

// Leaves returns the indices of all leaf half-edges.
func (t *GeneTree) Leaves() []int {
	var leaves []int
	for i := range t.edges {
		if t.edges[i].Next == None {
			leaves = append(leaves, i)
		}
	}
	return leaves
}

// LeafLabels returns the labels of all leaves.
func (t *GeneTree) LeafLabels() []string {
	var labels []string
	for _, i := range t.Leaves() {
		labels = append(labels, t.edges[i].Label)
	}
	return labels
}

// PostOrder returns all half-edge indices such that both children of
// an internal half-edge appear before it.
func (t *GeneTree) PostOrder() []int {
	marked := make([]bool, len(t.edges))
	ids := make([]int, 0, len(t.edges))
	for i := range t.edges {
		t.postOrderRec(i, marked, &ids)
	}
	return ids
}

// PostOrderFrom returns the half-edges of the subtrees on both sides
// of the root branch, children first.
func (t *GeneTree) PostOrderFrom(root int) []int {
	marked := make([]bool, len(t.edges))
	ids := make([]int, 0, len(t.edges))
	t.postOrderRec(root, marked, &ids)
	t.postOrderRec(t.edges[root].Back, marked, &ids)
	return ids
}

func (t *GeneTree) postOrderRec(i int, marked []bool, ids *[]int) {
	if marked[i] {
		return
	}
	marked[i] = true
	if t.edges[i].Next != None {
		t.postOrderRec(t.LeftChild(i), marked, ids)
		t.postOrderRec(t.RightChild(i), marked, ids)
	}
	*ids = append(*ids, i)
}

// VirtualRoots returns one half-edge per branch, each a candidate
// virtual root for the likelihood marginalization.
func (t *GeneTree) VirtualRoots() []int {
	marked := make([]bool, len(t.edges))
	var roots []int
	for i := range t.edges {
		if marked[i] || marked[t.edges[i].Back] {
			continue
		}
		marked[i] = true
		roots = append(roots, i)
	}
	return roots
}

// RootNeighborhood returns the current root branch and the branches
// adjacent to it, used to re-score rooting incrementally.
func (t *GeneTree) RootNeighborhood() []int {
	if t.root == None {
		return t.VirtualRoots()
	}
	set := map[int]bool{t.root: true}
	for _, side := range []int{t.root, t.edges[t.root].Back} {
		if t.edges[side].Next == None {
			continue
		}
		set[t.LeftChild(side)] = true
		set[t.RightChild(side)] = true
	}
	roots := make([]int, 0, len(set))
	for i := range set {
		roots = append(roots, i)
	}
	return roots
}

// Hash returns an orientation-independent hash of the unrooted
// topology, anchored at the leaf with the smallest label hash.
func (t *GeneTree) Hash() uint64 {
	anchor := t.minHashLeaf()
	return t.hashRec(anchor, 1) + t.hashRec(t.edges[anchor].Back, 1)
}

func leafHash(label string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(label))
	return h.Sum64()
}

func (t *GeneTree) minHashLeaf() int {
	best, bestHash := None, uint64(0)
	for i := range t.edges {
		if t.edges[i].Next != None {
			continue
		}
		h := leafHash(t.edges[i].Label)
		if best == None || h < bestHash {
			best, bestHash = i, h
		}
	}
	return best
}

func (t *GeneTree) hashRec(i int, depth uint64) uint64 {
	if t.edges[i].Next == None {
		return leafHash(t.edges[i].Label)
	}
	h1 := t.hashRec(t.LeftChild(i), depth+1)
	h2 := t.hashRec(t.RightChild(i), depth+1)
	if h1 > h2 {
		h1, h2 = h2, h1
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d-%d-%d", h1, h2, depth)
	return h.Sum64()
}

// Newick renders the tree rooted at the given branch, with the branch
// length split between the two sides.
func (t *GeneTree) Newick(root int) string {
	if root == None {
		root = 0
	}
	var sb strings.Builder
	sb.WriteByte('(')
	t.writeNode(&sb, root, true)
	sb.WriteByte(',')
	t.writeNode(&sb, t.edges[root].Back, true)
	sb.WriteString(");")
	return sb.String()
}

func (t *GeneTree) writeNode(sb *strings.Builder, i int, isRoot bool) {
	if t.edges[i].Next != None {
		sb.WriteByte('(')
		t.writeNode(sb, t.LeftChild(i), false)
		sb.WriteByte(',')
		t.writeNode(sb, t.RightChild(i), false)
		sb.WriteByte(')')
	} else {
		sb.WriteString(t.edges[i].Label)
	}
	brLen := t.edges[i].Length
	if isRoot {
		brLen /= 2
	}
	fmt.Fprintf(sb, ":%0.6f", brLen)
}

// Copy creates an independent copy of the gene tree.
func (t *GeneTree) Copy() *GeneTree {
	return &GeneTree{edges: append([]HalfEdge{}, t.edges...), root: t.root}
}
