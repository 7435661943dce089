package output

import (
	"fmt"
	"io"

	"github.com/DavidGoldLab/GeneRax/recmodel"
	"github.com/DavidGoldLab/GeneRax/tree"
)

// WriteRecPhyloXML writes the species tree and the reconciled gene
// tree in the recPhyloXML exchange format.
func WriteRecPhyloXML(w io.Writer, sc *recmodel.Scenario) error {
	if sc.Root == tree.None {
		return fmt.Errorf("scenario has no root")
	}
	fmt.Fprintln(w, "<recPhylo ")
	fmt.Fprintln(w, "\txmlns:xsi=\"http://www.w3.org/2001/XMLSchema-instance\"")
	fmt.Fprintln(w, "\txsi:schemaLocation=\"http://www.recg.org ./recGeneTreeXML.xsd\"")
	fmt.Fprintln(w, "\txmlns=\"http://www.recg.org\">")
	writeSpeciesTreeXML(w, sc)
	writeGeneTreeXML(w, sc)
	_, err := io.WriteString(w, "</recPhylo>")
	return err
}

func writeSpeciesTreeXML(w io.Writer, sc *recmodel.Scenario) {
	fmt.Fprintln(w, "<spTree>")
	fmt.Fprintln(w, "<phylogeny>")
	writeSpeciesCladeXML(w, sc, sc.Species.Root(), "")
	fmt.Fprintln(w, "</phylogeny>")
	fmt.Fprintln(w, "</spTree>")
}

func writeSpeciesCladeXML(w io.Writer, sc *recmodel.Scenario, i int, indent string) {
	node := sc.Species.Node(i)
	fmt.Fprintf(w, "%s<clade>\n", indent)
	fmt.Fprintf(w, "%s\t<name>%s</name>\n", indent, node.Label)
	if node.Left != tree.None {
		writeSpeciesCladeXML(w, sc, node.Left, indent+"\t")
		writeSpeciesCladeXML(w, sc, node.Right, indent+"\t")
	}
	fmt.Fprintf(w, "%s</clade>\n", indent)
}

func writeGeneTreeXML(w io.Writer, sc *recmodel.Scenario) {
	fmt.Fprintln(w, "<recGeneTree>")
	fmt.Fprintln(w, "<phylogeny rooted=\"true\">")
	noEvent := recmodel.Event{Type: recmodel.EventNone}
	vrSlot := sc.Root + sc.Genes.HalfEdgeCount()
	writeGeneCladeXML(w, sc, sc.Root, vrSlot, true, &noEvent, "")
	fmt.Fprintln(w, "</phylogeny>")
	fmt.Fprintln(w, "</recGeneTree>")
}

// writeGeneCladeXML writes one gene node: the intermediate
// speciation-loss and transfer-loss events open nested clades with a
// loss sibling, the terminal event closes the node.
func writeGeneCladeXML(w io.Writer, sc *recmodel.Scenario, h, slot int,
	isVirtualRoot bool, previous *recmodel.Event, indent string) {
	events := sc.GeneEvents[slot]
	if len(events) == 0 {
		return
	}
	opened := 0
	for i := 0; i < len(events)-1; i++ {
		event := events[i]
		fmt.Fprintf(w, "%s<clade>\n", indent)
		indent += "\t"
		opened++
		fmt.Fprintf(w, "%s<name>%s</name>\n", indent, nodeName(sc.Genes, h))
		writeEventXML(w, sc, h, &event, previous, indent)
		previous = &events[i]
		loss := recmodel.Event{Type: recmodel.EventL}
		switch event.Type {
		case recmodel.EventSL:
			parent := sc.Species.Node(event.SpeciesNode)
			lost := parent.Left
			if lost == event.DestSpeciesNode {
				lost = parent.Right
			}
			loss.SpeciesNode = lost
		case recmodel.EventTL:
			loss.SpeciesNode = event.SpeciesNode
		}
		fmt.Fprintf(w, "%s\t<clade>\n", indent)
		fmt.Fprintf(w, "%s\t<name>loss</name>\n", indent)
		writeEventXML(w, sc, h, &loss, previous, indent+"\t")
		fmt.Fprintf(w, "%s\t</clade>\n", indent)
	}

	event, ok := terminalEventOf(sc, slot)
	if !ok {
		return
	}
	fmt.Fprintf(w, "%s<clade>\n", indent)
	indent += "\t"
	fmt.Fprintf(w, "%s<name>%s</name>\n", indent, nodeName(sc.Genes, h))
	writeEventXML(w, sc, h, &event, previous, indent)

	if isVirtualRoot || !sc.Genes.IsLeaf(h) {
		var left, right int
		if isVirtualRoot {
			left, right = h, sc.Genes.Edge(h).Back
		} else {
			left, right = sc.Genes.LeftChild(h), sc.Genes.RightChild(h)
		}
		if event.Type != recmodel.EventNone {
			writeGeneCladeXML(w, sc, left, left, false, &event, indent)
			writeGeneCladeXML(w, sc, right, right, false, &event, indent)
		}
	}
	indent = indent[:len(indent)-1]
	fmt.Fprintf(w, "%s</clade>\n", indent)
	for ; opened > 0; opened-- {
		indent = indent[:len(indent)-1]
		fmt.Fprintf(w, "%s</clade>\n", indent)
	}
}

func terminalEventOf(sc *recmodel.Scenario, slot int) (recmodel.Event, bool) {
	events := sc.GeneEvents[slot]
	if len(events) == 0 {
		return recmodel.Event{Type: recmodel.EventInvalid}, false
	}
	return events[len(events)-1], true
}

func writeEventXML(w io.Writer, sc *recmodel.Scenario, h int,
	event, previous *recmodel.Event, indent string) {
	species := sc.Species.Node(event.SpeciesNode)
	fmt.Fprintf(w, "%s<eventsRec>\n", indent)
	previousWasTransfer := previous.Type == recmodel.EventT || previous.Type == recmodel.EventTL
	if previousWasTransfer && h == previous.TransferredGeneNode && event.Type != recmodel.EventL {
		dest := sc.Species.Node(previous.DestSpeciesNode)
		fmt.Fprintf(w, "%s\t<transferBack destinationSpecies=\"%s\"/>\n", indent, dest.Label)
	}
	switch event.Type {
	case recmodel.EventNone:
		fmt.Fprintf(w, "%s\t<leaf speciesLocation=\"%s\"/>\n", indent, species.Label)
	case recmodel.EventS, recmodel.EventSL:
		fmt.Fprintf(w, "%s\t<speciation speciesLocation=\"%s\"/>\n", indent, species.Label)
	case recmodel.EventD:
		fmt.Fprintf(w, "%s\t<duplication speciesLocation=\"%s\"/>\n", indent, species.Label)
	case recmodel.EventT, recmodel.EventTL:
		fmt.Fprintf(w, "%s\t<branchingOut speciesLocation=\"%s\"/>\n", indent, species.Label)
	case recmodel.EventL:
		fmt.Fprintf(w, "%s\t<loss speciesLocation=\"%s\"/>\n", indent, species.Label)
	default:
		log.Errorf("unhandled reconciliation event %s", event.Type)
	}
	fmt.Fprintf(w, "%s</eventsRec>\n", indent)
}
