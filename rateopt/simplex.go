package rateopt

import "math"

const (
	simplexTiny  = 1e-10
	simplexDelta = 0.1
)

// downhillSimplex is a Nelder-Mead search over the rate vector,
// maximizing the objective.
func downhillSimplex(o *Objective, start Parameters) Parameters {
	dim := o.Dimensions()
	if len(start.Values) != dim {
		start.Values = make([]float64, dim)
		for i := range start.Values {
			start.Values[i] = 0.3
		}
	}

	points := make([][]float64, dim+1)
	l := make([]float64, dim+1)
	points[0] = append([]float64{}, start.Values...)
	for i := 1; i <= dim; i++ {
		points[i] = append([]float64{}, start.Values...)
		points[i][i-1] += simplexDelta
	}
	for i := range points {
		l[i] = o.Eval(points[i])
	}

	psum := make([]float64, dim)
	calcPsum := func() {
		for j := range psum {
			psum[j] = 0
			for _, p := range points {
				psum[j] += p[j]
			}
		}
	}

	// amotry extrapolates by factor fac through the face of the
	// simplex across from the low point, and replaces the low point
	// if the new point is better.
	newPoint := make([]float64, dim)
	amotry := func(ilo int, fac float64) float64 {
		calcPsum()
		fac1 := (1 - fac) / float64(dim)
		fac2 := fac1 - fac
		for j := 0; j < dim; j++ {
			newPoint[j] = psum[j]*fac1 - points[ilo][j]*fac2
		}
		ll := o.Eval(newPoint)
		if ll > l[ilo] {
			copy(points[ilo], newPoint)
			l[ilo] = ll
		}
		return ll
	}

	best := start.Clone()
	best.Score = math.Inf(-1)
	for iter := 1; iter <= maxIterations; iter++ {
		// Lowest (worst), next-lowest and highest points.
		ilo, inlo, ihi := 0, 1, 0
		if l[0] < l[1] {
			inlo = 1
			ihi = 1
		} else {
			ilo, inlo = 1, 0
		}
		for i := 2; i < len(points); i++ {
			if l[i] >= l[ihi] {
				ihi = i
			}
			if l[i] < l[ilo] {
				inlo = ilo
				ilo = i
			} else if l[i] < l[inlo] && i != ilo {
				inlo = i
			}
		}
		if l[ihi] > best.Score {
			best.Score = l[ihi]
			copy(best.Values, points[ihi])
		}
		rtol := 2 * math.Abs(l[ihi]-l[ilo]) / (math.Abs(l[ilo]) + math.Abs(l[ihi]) + simplexTiny)
		if rtol < ftol {
			break
		}
		ll := amotry(ilo, -1)
		switch {
		case ll >= l[ihi]:
			amotry(ilo, 2)
		case ll <= l[inlo]:
			lsave := l[ilo]
			ll = amotry(ilo, 0.5)
			if ll <= lsave {
				// Contract around the best point.
				for i := range points {
					if i == ihi {
						continue
					}
					for j := range points[i] {
						points[i][j] = 0.5 * (points[i][j] + points[ihi][j])
					}
					l[i] = o.Eval(points[i])
				}
			}
		}
	}
	return best
}
