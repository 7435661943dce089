package recmodel

import (
	"fmt"
	"io"

	"github.com/DavidGoldLab/GeneRax/tree"
)

// EventType is the nature of a reconciliation event.
type EventType int

const (
	EventS EventType = iota
	EventSL
	EventD
	EventT
	EventTL
	EventL
	EventNone
	EventInvalid
)

// EventNames indexes the short names used in event count files.
var EventNames = [...]string{"S", "SL", "D", "T", "TL", "L", "None", "Invalid"}

func (t EventType) String() string { return EventNames[t] }

// Event is one reconciliation event placed on a gene node.
type Event struct {
	Type                EventType
	GeneNode            int
	SpeciesNode         int
	DestSpeciesNode     int
	TransferredGeneNode int
	// Cross is set on speciation events mapping the left gene child
	// to the right species child.
	Cross bool
}

// Valid reports whether the event carries usable information.
func (e Event) Valid() bool { return e.Type != EventInvalid }

// Scenario is a full annotated reconciliation of one gene tree: an
// ordered event list plus, per gene node, the events along that gene
// branch (intermediate speciation-loss and transfer-loss events
// followed by the terminal event).
type Scenario struct {
	Species *tree.SpeciesTree
	Genes   *tree.GeneTree
	// Root is the virtual root half-edge of the reconciliation.
	Root int

	Events      []Event
	GeneEvents  [][]Event
	eventCounts [len(EventNames)]int

	blacklist map[[2]int]bool
}

// NewScenario creates an empty scenario over the given trees.
func NewScenario(species *tree.SpeciesTree, genes *tree.GeneTree) *Scenario {
	return &Scenario{
		Species:    species,
		Genes:      genes,
		Root:       tree.None,
		GeneEvents: make([][]Event, 2*genes.HalfEdgeCount()),
		blacklist:  make(map[[2]int]bool),
	}
}

// AddEvent records an event on its gene node.
func (s *Scenario) AddEvent(e Event) {
	s.Events = append(s.Events, e)
	s.eventCounts[e.Type]++
	s.GeneEvents[e.GeneNode] = append(s.GeneEvents[e.GeneNode], e)
}

// Count returns how many events of the given type were recorded.
func (s *Scenario) Count(t EventType) int { return s.eventCounts[t] }

// Blacklist marks a (gene, species) transfer-loss as used, so that
// stochastic sampling cannot pick it twice along a path.
func (s *Scenario) Blacklist(gene, species int) {
	s.blacklist[[2]int{gene, species}] = true
}

// IsBlacklisted checks the transfer-loss blacklist.
func (s *Scenario) IsBlacklisted(gene, species int) bool {
	return s.blacklist[[2]int{gene, species}]
}

// ResetBlacklist clears the blacklist between samples.
func (s *Scenario) ResetBlacklist() {
	s.blacklist = make(map[[2]int]bool)
}

// Reset clears the recorded events but keeps the trees.
func (s *Scenario) Reset() {
	s.Events = nil
	s.GeneEvents = make([][]Event, 2*s.Genes.HalfEdgeCount())
	s.eventCounts = [len(EventNames)]int{}
	s.Root = tree.None
}

// SaveEventCounts writes "name:count" lines for every event type.
func (s *Scenario) SaveEventCounts(w io.Writer) error {
	for t := EventS; t < EventInvalid; t++ {
		if _, err := fmt.Fprintf(w, "%s:%d\n", EventNames[t], s.eventCounts[t]); err != nil {
			return err
		}
	}
	return nil
}

// PerSpeciesCounts accumulates per species node the number of
// speciations, duplications, losses, transfers (and ILS slots), the
// layout consumed by the per-species rate seeding.
func (s *Scenario) PerSpeciesCounts(freeParameters int) [][]float64 {
	counts := make([][]float64, s.Species.NodesCount())
	for i := range counts {
		counts[i] = make([]float64, freeParameters+1)
	}
	for _, e := range s.Events {
		switch e.Type {
		case EventS:
			counts[e.SpeciesNode][0]++
		case EventSL:
			counts[e.SpeciesNode][0]++
			// The sibling of the surviving species child lost its copy.
			sp := s.Species.Node(e.SpeciesNode)
			lost := sp.Left
			if lost == e.DestSpeciesNode {
				lost = sp.Right
			}
			counts[lost][2]++
		case EventD:
			counts[e.SpeciesNode][1]++
		case EventT:
			if freeParameters > 2 {
				counts[e.SpeciesNode][3]++
			}
		case EventTL:
			if freeParameters > 2 {
				counts[e.SpeciesNode][3]++
			}
			counts[e.SpeciesNode][2]++
		case EventL:
			counts[e.SpeciesNode][2]++
		}
	}
	return counts
}

// SavePerSpeciesCounts writes one line per species label with its
// event counts.
func (s *Scenario) SavePerSpeciesCounts(w io.Writer, freeParameters int) error {
	counts := s.PerSpeciesCounts(freeParameters)
	for _, i := range s.Species.PostOrder() {
		label := s.Species.Node(i).Label
		if label == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s", label); err != nil {
			return err
		}
		for _, c := range counts[i] {
			if _, err := fmt.Fprintf(w, " %g", c); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransfers writes one "donor recipient" line per transfer event.
func (s *Scenario) SaveTransfers(w io.Writer) error {
	for _, e := range s.Events {
		if e.Type != EventT && e.Type != EventTL {
			continue
		}
		donor := s.Species.Node(e.SpeciesNode).Label
		recipient := s.Species.Node(e.DestSpeciesNode).Label
		if _, err := fmt.Fprintf(w, "%s %s\n", donor, recipient); err != nil {
			return err
		}
	}
	return nil
}
