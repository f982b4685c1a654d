package calibration

import "github.com/avgjoe1017/findable/internal/model"

// enumerateWeightGrid yields every weight vector whose seven components lie
// on the step lattice within [MinPillarWeight, MaxPillarWeight] and sum to
// exactly WeightTotal. maxDistance, when positive, drops candidates whose
// total point deviation from the default vector exceeds it.
//
// With step 5 the full lattice has on the order of twenty thousand valid
// vectors, small enough to enumerate eagerly.
func enumerateWeightGrid(step int, maxDistance float64) []model.PillarWeights {
	if step <= 0 {
		step = 5
	}
	defaults := model.DefaultPillarWeights()

	var out []model.PillarWeights
	var v [7]float64
	var recurse func(idx int, remaining int)
	recurse = func(idx int, remaining int) {
		if idx == 6 {
			// The last component is forced by the sum constraint.
			if remaining < model.MinPillarWeight || remaining > model.MaxPillarWeight || remaining%step != 0 {
				return
			}
			v[6] = float64(remaining)
			w := model.FromValues(v)
			if maxDistance > 0 && w.Distance(defaults) > maxDistance {
				return
			}
			out = append(out, w)
			return
		}

		// Prune branches that cannot reach a valid total.
		left := 6 - idx
		for x := model.MinPillarWeight; x <= model.MaxPillarWeight; x += step {
			rest := remaining - x
			if rest < left*model.MinPillarWeight || rest > left*model.MaxPillarWeight {
				continue
			}
			v[idx] = float64(x)
			recurse(idx+1, rest)
		}
	}
	recurse(0, model.WeightTotal)
	return out
}

// neighborWeightVectors generates bounded pairwise point transfers around a
// base vector: for each ordered pillar pair, move delta points from one to
// the other when both stay in bounds. The sum constraint holds by
// construction.
func neighborWeightVectors(base model.PillarWeights, deltas []float64) []model.PillarWeights {
	bv := base.Values()
	var out []model.PillarWeights
	for _, delta := range deltas {
		for from := 0; from < 7; from++ {
			for to := 0; to < 7; to++ {
				if from == to {
					continue
				}
				v := bv
				v[from] -= delta
				v[to] += delta
				if v[from] < model.MinPillarWeight || v[to] > model.MaxPillarWeight {
					continue
				}
				out = append(out, model.FromValues(v))
			}
		}
	}
	return out
}
