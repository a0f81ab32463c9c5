package calibration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// linear evaluates the piecewise-linear curve through (xs[i], ys[i]) at x,
// clamping to the end values outside the covered range. Points need not be
// sorted; when several points share an x the first one wins.
func linear(xs, ys []float64, x float64) float64 {
	if len(xs) == 0 {
		return x
	}

	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	sx := make([]float64, 0, len(xs))
	sy := make([]float64, 0, len(ys))
	for _, i := range idx {
		if n := len(sx); n > 0 && sx[n-1] == xs[i] {
			continue
		}
		sx = append(sx, xs[i])
		sy = append(sy, ys[i])
	}

	if len(sx) == 1 {
		return sy[0]
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(sx, sy); err != nil {
		return sy[0]
	}
	return pl.Predict(x)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
