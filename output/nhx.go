// Package output serializes reconciliations, event counts and the
// run-level result files.
package output

import (
	"fmt"
	"io"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/tree"
)

var log = logging.MustGetLogger("output")

// nodeName returns the gene node label, or a generated one for
// internal nodes.
func nodeName(genes *tree.GeneTree, h int) string {
	if label := genes.Edge(h).Label; label != "" {
		return label
	}
	return fmt.Sprintf("n%d", h)
}

// terminalEvent returns the last event recorded on a gene node.
func terminalEvent(sc *recmodel.Scenario, h int) (recmodel.Event, bool) {
	events := sc.GeneEvents[h]
	if len(events) == 0 {
		return recmodel.Event{Type: recmodel.EventInvalid}, false
	}
	return events[len(events)-1], true
}

// WriteNHX writes the reconciled gene tree with NHX annotations:
// S=species, D/H flags, @donor@recipient for transfers, and B=branch
// length.
func WriteNHX(w io.Writer, sc *recmodel.Scenario) error {
	root := sc.Root
	if root == tree.None {
		return fmt.Errorf("scenario has no root")
	}
	if _, err := io.WriteString(w, "("); err != nil {
		return err
	}
	if err := writeNHXRec(w, sc, root); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ","); err != nil {
		return err
	}
	if err := writeNHXRec(w, sc, sc.Genes.Edge(root).Back); err != nil {
		return err
	}
	_, err := io.WriteString(w, ");")
	return err
}

func writeNHXRec(w io.Writer, sc *recmodel.Scenario, h int) error {
	genes := sc.Genes
	if !genes.IsLeaf(h) {
		if _, err := io.WriteString(w, "("); err != nil {
			return err
		}
		if err := writeNHXRec(w, sc, genes.LeftChild(h)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, ","); err != nil {
			return err
		}
		if err := writeNHXRec(w, sc, genes.RightChild(h)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, ")"); err != nil {
			return err
		}
	}
	brLen := genes.Edge(h).Length
	if _, err := fmt.Fprintf(w, "%s:%g", nodeName(genes, h), brLen); err != nil {
		return err
	}
	event, ok := terminalEvent(sc, h)
	if !ok || !event.Valid() {
		return nil
	}
	sp := sc.Species.Node(event.SpeciesNode)
	if _, err := io.WriteString(w, "[&&NHX"); err != nil {
		return err
	}
	if sp.Label != "" {
		if _, err := fmt.Fprintf(w, ":S=%s", sp.Label); err != nil {
			return err
		}
	}
	d, hgt := "N", "N"
	if event.Type == recmodel.EventD {
		d = "Y"
	}
	if event.Type == recmodel.EventT || event.Type == recmodel.EventTL {
		hgt = "Y"
	}
	if _, err := fmt.Fprintf(w, ":D=%s:H=%s", d, hgt); err != nil {
		return err
	}
	if hgt == "Y" {
		dest := sc.Species.Node(event.DestSpeciesNode)
		if _, err := fmt.Fprintf(w, "@%s@%s", sp.Label, dest.Label); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, ":B=%g]", brLen)
	return err
}
