package tree

import (
	"math/rand"
	"strings"
	"testing"
)

func parseSp(tst *testing.T, s string) *SpeciesTree {
	t, err := ParseSpecies(strings.NewReader(s))
	if err != nil {
		tst.Fatal("Error parsing species tree: ", err)
	}
	return t
}

func TestSpeciesParse(tst *testing.T) {
	t := parseSp(tst, "((a:1,b:1)x:1,(c:1,d:1)y:1)r;")
	if t.NodesCount() != 7 {
		tst.Error("Expected 7 nodes, got ", t.NodesCount())
	}
	if t.LeavesCount() != 4 {
		tst.Error("Expected 4 leaves, got ", t.LeavesCount())
	}
	// Indices are dense post-order: leaves before their parents, the
	// root last.
	po := t.PostOrder()
	if po[len(po)-1] != t.Root() {
		tst.Error("root is not last in post-order")
	}
	for i, idx := range po {
		if i != idx {
			tst.Error("post-order index mismatch at ", i, ": ", idx)
		}
	}
	if t.LeafIndex("c") == None || t.LeafIndex("nope") != None {
		tst.Error("leaf label lookup broken")
	}
}

func TestSpeciesAutoLabel(tst *testing.T) {
	t := parseSp(tst, "((a,b),(c,d));")
	t.AutoLabel()
	seen := map[string]bool{}
	for _, i := range t.PostOrder() {
		label := t.Node(i).Label
		if label == "" || seen[label] {
			tst.Error("missing or duplicate label at node ", i)
		}
		seen[label] = true
	}
	if !seen["species_0"] || !seen["species_2"] {
		tst.Error("expected species_<n> labels, got ", seen)
	}
}

func TestSpeciesChangeRootRevert(tst *testing.T) {
	t := parseSp(tst, "((a,b)x,(c,d)y)r;")
	before := t.Hash()
	beforeNewick := t.String()
	rb, err := t.ChangeRoot(RootLeftLeft)
	if err != nil {
		tst.Fatal("Error changing root: ", err)
	}
	if t.Hash() == before {
		tst.Error("root change did not alter the rooted topology")
	}
	rb.Revert(t)
	if t.Hash() != before || t.String() != beforeNewick {
		tst.Error("root change revert is not exact")
	}
}

func TestSpeciesRootChangePreservesUnrooted(tst *testing.T) {
	t := parseSp(tst, "((a,b)x,(c,d)y)r;")
	ref := parseSp(tst, "((a,b)x,(c,d)y)r;")
	if _, err := t.ChangeRoot(RootRightLeft); err != nil {
		tst.Fatal("Error changing root: ", err)
	}
	if d := RobinsonFoulds(t, ref); d != 0 {
		tst.Error("Expected RF 0 after re-rooting, got ", d)
	}
}

func TestSpeciesSPRRollback(tst *testing.T) {
	t := parseSp(tst, "(((a,b)x,(c,d)y)u,(e,f)z)r;")
	before := t.Hash()
	beforeNewick := t.String()
	prune := t.LeafIndex("a")
	regraft := t.LeafIndex("e")
	rb, err := t.ApplySPR(prune, regraft)
	if err != nil {
		tst.Fatal("Error applying SPR: ", err)
	}
	if t.Hash() == before {
		tst.Error("SPR did not change the topology")
	}
	rb.Revert(t)
	if t.Hash() != before || t.String() != beforeNewick {
		tst.Error("SPR rollback is not byte-for-byte")
	}
}

func TestSpeciesRegraftsRespectRadius(tst *testing.T) {
	t := parseSp(tst, "(((a,b)x,(c,d)y)u,((e,f)v,(g,h)w)z)r;")
	prune := t.LeafIndex("a")
	near := t.PossibleRegrafts(prune, 1)
	far := t.PossibleRegrafts(prune, 10)
	if len(near) >= len(far) {
		tst.Error("radius 1 should yield fewer regrafts than radius 10")
	}
	for _, r := range far {
		if r == t.Root() {
			tst.Error("root must not be a regraft destination")
		}
	}
}

func TestRandomSpecies(tst *testing.T) {
	rng := rand.New(rand.NewSource(42))
	labels := []string{"a", "b", "c", "d", "e", "f", "g"}
	t := NewRandomSpecies(labels, rng)
	if t.LeavesCount() != len(labels) {
		tst.Error("Expected ", len(labels), " leaves, got ", t.LeavesCount())
	}
	for _, l := range labels {
		if t.LeafIndex(l) == None {
			tst.Error("missing leaf ", l)
		}
	}
	// Every internal node must have two children.
	for i := 0; i < t.NodesCount(); i++ {
		n := t.Node(i)
		if (n.Left == None) != (n.Right == None) {
			tst.Error("node ", i, " is not binary")
		}
	}
}

func TestRobinsonFoulds(tst *testing.T) {
	a := parseSp(tst, "((a,b),(c,d));")
	b := parseSp(tst, "((a,c),(b,d));")
	if d := RobinsonFoulds(a, a.Copy()); d != 0 {
		tst.Error("Expected 0, got ", d)
	}
	if d := RobinsonFoulds(a, b); d != 2 {
		tst.Error("Expected 2, got ", d)
	}
}
