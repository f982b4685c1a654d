package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChiSquare2x2(t *testing.T) {
	// Equal proportions carry no signal.
	chi, p := chiSquare2x2(50, 100, 50, 100, false)
	assert.InDelta(t, 0, chi, 1e-9)
	assert.InDelta(t, 1, p, 1e-9)

	// A large difference on large arms is clearly significant.
	chi, p = chiSquare2x2(210, 300, 270, 300, true)
	assert.Greater(t, chi, 3.84) // 0.05 critical value at df=1
	assert.Less(t, p, 0.05)

	// A tiny difference on small arms is not.
	_, p = chiSquare2x2(15, 20, 16, 20, true)
	assert.Greater(t, p, 0.05)
}

func TestChiSquare2x2_YatesShrinksStatistic(t *testing.T) {
	plain, _ := chiSquare2x2(60, 100, 70, 100, false)
	corrected, _ := chiSquare2x2(60, 100, 70, 100, true)
	assert.Less(t, corrected, plain)
}

func TestChiSquare2x2_Degenerate(t *testing.T) {
	_, p := chiSquare2x2(0, 0, 10, 20, true)
	assert.InDelta(t, 1, p, 1e-9)

	// All accurate on both arms: degenerate margin.
	chi, p := chiSquare2x2(20, 20, 30, 30, false)
	assert.InDelta(t, 0, chi, 1e-9)
	assert.InDelta(t, 1, p, 1e-9)
}

func TestChiSquare2x2_KnownValue(t *testing.T) {
	// Classic textbook table: |ad-bc| based statistic without correction.
	// a=10, b=10, c=20, d=5: chi = 45*(10*5-10*20)^2/(20*25*30*15)
	chi, _ := chiSquare2x2(10, 20, 20, 25, false)
	assert.InDelta(t, 4.5, chi, 1e-9)
}

func TestTwoProportionRates(t *testing.T) {
	a, b := twoProportionRates(ArmCounts{Accurate: 75, Total: 100}, ArmCounts{Accurate: 41, Total: 50})
	assert.InDelta(t, 0.75, a, 1e-9)
	assert.InDelta(t, 0.82, b, 1e-9)

	a, b = twoProportionRates(ArmCounts{}, ArmCounts{})
	assert.Zero(t, a)
	assert.Zero(t, b)
}
