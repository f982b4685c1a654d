package calibration

import "math"

// chiSquare2x2 computes the chi-squared statistic and p-value for a 2x2
// contingency table of (accurate, inaccurate) counts per arm, applying the
// Yates continuity correction. With one degree of freedom the p-value has
// the closed form erfc(sqrt(chi/2)).
func chiSquare2x2(aAccurate, aTotal, bAccurate, bTotal int, yates bool) (chi, p float64) {
	if aTotal <= 0 || bTotal <= 0 {
		return 0, 1
	}

	a := float64(aAccurate)
	b := float64(aTotal - aAccurate)
	c := float64(bAccurate)
	d := float64(bTotal - bAccurate)
	n := a + b + c + d

	// Degenerate margins (all accurate or all inaccurate) carry no signal.
	if (a+c) == 0 || (b+d) == 0 {
		return 0, 1
	}

	num := math.Abs(a*d - b*c)
	if yates {
		num -= n / 2
		if num < 0 {
			num = 0
		}
	}
	chi = n * num * num / ((a + b) * (c + d) * (a + c) * (b + d))
	return chi, math.Erfc(math.Sqrt(chi / 2))
}

// twoProportionRates is a small convenience for accuracy comparisons.
func twoProportionRates(a, b ArmCounts) (rateA, rateB float64) {
	if a.Total > 0 {
		rateA = float64(a.Accurate) / float64(a.Total)
	}
	if b.Total > 0 {
		rateB = float64(b.Accurate) / float64(b.Total)
	}
	return rateA, rateB
}
