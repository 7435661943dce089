package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/DavidGoldLab/GeneRax/bio"
	"github.com/DavidGoldLab/GeneRax/family"
	"github.com/DavidGoldLab/GeneRax/tree"
)

// WriteSuperMatrix concatenates one sequence per species from every
// family alignment into a super-matrix, with gap padding for missing
// species, and writes the partition file alongside.
func WriteSuperMatrix(families []family.Family, species *tree.SpeciesTree,
	matrix io.Writer, partitions io.Writer) error {
	labels := species.Labels()
	concat := make(map[string]*strings.Builder, len(labels))
	for _, label := range labels {
		concat[label] = &strings.Builder{}
	}
	offset := 0
	for _, f := range families {
		file, err := os.Open(f.Alignment)
		if err != nil {
			log.Debugf("skipping family %s in super matrix: %v", f.Name, err)
			continue
		}
		seqs, err := bio.ParseFasta(file)
		file.Close()
		if err != nil {
			continue
		}
		length, err := seqs.Length()
		if err != nil || length == 0 {
			continue
		}
		m, err := f.LoadMapping()
		if err != nil {
			continue
		}
		// One representative gene per species.
		bySpecies := map[string]string{}
		for _, seq := range seqs {
			sp := m.Species(seq.Name)
			if sp == "" {
				continue
			}
			if _, ok := bySpecies[sp]; !ok {
				bySpecies[sp] = seq.Sequence
			}
		}
		gaps := strings.Repeat("-", length)
		for _, label := range labels {
			if seq, ok := bySpecies[label]; ok {
				concat[label].WriteString(seq)
			} else {
				concat[label].WriteString(gaps)
			}
		}
		model := f.SubstModel
		if model == "" {
			model = "DNA"
		}
		if _, err := fmt.Fprintf(partitions, "%s, %s = %d-%d\n",
			model, f.Name, offset+1, offset+length); err != nil {
			return err
		}
		offset += length
	}
	var seqs bio.Sequences
	for _, label := range labels {
		seqs = append(seqs, bio.Sequence{Name: label, Sequence: concat[label].String()})
	}
	return bio.WriteFasta(matrix, seqs)
}
