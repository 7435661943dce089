package rateopt

// SeedFromEventCounts builds a per-species starting point from a
// species event-count table (one row per species node: speciations
// followed by the per-kind event counts), written out by a preceding
// best-reconciliation pass.
func SeedFromEventCounts(counts [][]float64, freeParameters int, global Parameters) Parameters {
	values := make([]float64, len(counts)*freeParameters)
	for e, row := range counts {
		s := 1.0
		if len(row) > 0 {
			s = row[0] + 1.0
		}
		for j := 0; j < freeParameters; j++ {
			v := 0.0
			if j < len(global.Values) {
				v = global.Values[j]
			}
			if j+1 < len(row) {
				v = (row[j+1] + 1.0) / s
			}
			values[e*freeParameters+j] = clamp(v)
		}
	}
	return NewParameters(values...)
}

// OptimizePerSpecies refines each species node as an independent
// low-dimensional problem, holding every other node fixed.
func OptimizePerSpecies(o *Objective, start Parameters) Parameters {
	k := o.Model.FreeParameters()
	best := start.Clone()
	best.Score = o.Eval(best.Values)
	factors := []float64{0.5, 0.8, 1.25, 2.0}
	trial := make([]float64, len(best.Values))
	for sweep := 0; sweep < 2; sweep++ {
		improvedAny := false
		for e := 0; e < o.SpeciesCount; e++ {
			for j := 0; j < k; j++ {
				idx := e*k + j
				for _, f := range factors {
					copy(trial, best.Values)
					trial[idx] = clamp(best.Values[idx] * f)
					if score := o.Eval(trial); score > best.Score {
						best.Score = score
						copy(best.Values, trial)
						improvedAny = true
					}
				}
			}
		}
		if !improvedAny {
			break
		}
	}
	// Leave the engines at the optimum.
	best.Score = o.Eval(best.Values)
	return best
}
