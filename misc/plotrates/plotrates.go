// Plotrates draws the per-species event frequencies produced by a
// reconciliation run (a *_speciesEventCounts.txt file) as a grouped
// bar chart.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app    = kingpin.New("plotrates", "plot per-species reconciliation event frequencies")
	input  = app.Arg("counts", "speciesEventCounts file").Required().ExistingFile()
	output = app.Flag("out", "output image (svg, png or pdf)").Short('o').Default("rates.svg").String()
)

var kindNames = []string{"S", "D", "L", "T", "I"}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	f, err := os.Open(*input)
	if err != nil {
		app.Fatalf("cannot open counts file: %v", err)
	}
	defer f.Close()

	var labels []string
	var columns [][]float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		labels = append(labels, fields[0])
		for i, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				app.Fatalf("invalid count %q: %v", field, err)
			}
			for len(columns) <= i {
				columns = append(columns, make([]float64, len(labels)-1))
			}
			columns[i] = append(columns[i], v)
		}
	}
	if len(labels) == 0 {
		app.Fatalf("no counts in %s", *input)
	}

	p := plot.New()
	p.Title.Text = "Per-species event counts"
	p.Y.Label.Text = "events"
	w := vg.Points(8)
	for i, column := range columns {
		bars, err := plotter.NewBarChart(plotter.Values(column), w)
		if err != nil {
			app.Fatalf("cannot build chart: %v", err)
		}
		bars.Offset = w * vg.Length(i-len(columns)/2)
		bars.Color = plotutil.Color(i)
		p.Add(bars)
		name := fmt.Sprintf("col%d", i)
		if i < len(kindNames) {
			name = kindNames[i]
		}
		p.Legend.Add(name, bars)
	}
	p.NominalX(labels...)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, *output); err != nil {
		app.Fatalf("cannot save plot: %v", err)
	}
	fmt.Println("wrote", *output)
}
