package sift2

import "math"

// Result summarises one completed Run invocation.
type Result struct {
	Iterations int
	CostHistory []float64 // data-term + regularisation cost at the end of each iteration
	Converged   bool
}

// rocCostFunction returns d(Sum of fixel costs)/d(mu) at the given mu,
// identical in spirit to sift.Filter's private helper of the same name:
// both reuse fixel.Dataset's per-fixel DCostDMu to build the mu-only
// correction term used when evaluating a hypothetical change in one
// streamline's contribution without recomputing every fixel from scratch.
func (o *Optimizer) rocCostFunction(mu float64) float64 {
	var sum float64
	for i := range o.Dataset.FD {
		if o.Dataset.Excluded[i] {
			continue
		}
		sum += o.Dataset.DCostDMu(i, mu)
	}
	return sum
}

// evalDataCost returns the global data-term cost were streamline s's
// coefficient hypothetically set to candidateC, without mutating any
// state. It uses the same mu-only-plus-exact-touched-fixel-correction
// decomposition as sift.Filter.gradient, generalised from "remove
// entirely" (multiplier -> 0) to "rescale to exp(candidateC)".
func (o *Optimizer) evalDataCost(s int, candidateC float64) float64 {
	c := o.Contributions[s]
	if len(c.Touches) == 0 {
		return o.CostFunction()
	}
	oldMult := math.Exp(o.Coeffs[s])
	newMult := math.Exp(candidateC)
	deltaMult := newMult - oldMult

	var tdSumDelta float64
	for _, t := range c.Touches {
		tdSumDelta += o.Dataset.Weight[t.FixelIndex] * deltaMult * t.Length
	}
	newTDSum := o.tdSum + tdSumDelta
	if newTDSum <= 0 {
		return math.Inf(1)
	}
	newMu := o.fdSum / newTDSum
	oldMu := o.Mu()

	current := o.CostFunction()
	delta := o.rocCostFunction(oldMu) * (newMu - oldMu)
	for _, t := range c.Touches {
		i := t.FixelIndex
		newTD := o.Dataset.TD[i] + deltaMult*t.Length
		undoMuOnly := o.Dataset.DCostDMu(i, oldMu) * (newMu - oldMu)
		costNew := o.Dataset.CostManualTD(i, newMu, newTD)
		costOld := o.Dataset.Cost(i, oldMu)
		delta = delta - undoMuOnly + (costNew - costOld)
	}
	return current + delta
}

// regularisation returns streamline s's Tikhonov + total-variation penalty
// for a hypothetical coefficient c, the total-variation term measuring
// deviation from each touched fixel's current length-weighted mean
// coefficient (spec.md §4.6's "var_i(c_s * length_{s,i})", read as a
// per-fixel smoothness penalty against fixel-local consensus, computed
// from the mean-coefficient cache of spec.md §4.6 step 1).
func (o *Optimizer) regularisation(s int, c float64) float64 {
	reg := o.cfg.RegTikhonov * c * c
	if o.cfg.RegTV == 0 {
		return reg
	}
	touches := o.Contributions[s].Touches
	for _, t := range touches {
		diff := c - o.meanCoeff[t.FixelIndex]
		reg += o.cfg.RegTV * diff * diff * t.Length
	}
	return reg
}

// objective is the full per-streamline 1-D sub-problem SIFT2 minimises:
// the global data cost plus this streamline's regularisation, holding
// every other streamline's coefficient fixed.
func (o *Optimizer) objective(s int, c float64) float64 {
	return o.evalDataCost(s, c) + o.regularisation(s, c)
}

// updateMeanCoeffs recomputes, per fixel, the length-weighted mean
// coefficient of every streamline currently touching it (spec.md §4.6 step
// 1). Run single-threaded: accumulating into shared per-fixel slices from
// many goroutines would need as much synchronisation as doing it serially
// buys in parallelism, since touches are not partitioned by fixel.
func (o *Optimizer) updateMeanCoeffs() {
	sumWeighted := make([]float64, o.Dataset.NumFixels())
	sumLength := make([]float64, o.Dataset.NumFixels())
	for s, c := range o.Contributions {
		coeff := o.Coeffs[s]
		for _, t := range c.Touches {
			sumWeighted[t.FixelIndex] += coeff * t.Length
			sumLength[t.FixelIndex] += t.Length
		}
	}
	for i := range o.meanCoeff {
		if sumLength[i] > 0 {
			o.meanCoeff[i] = sumWeighted[i] / sumLength[i]
		}
	}
}

// Run iterates the non-linear optimisation loop to convergence, per
// spec.md §4.6: a parallel line search per streamline (Jacobi-style —
// every streamline searches against the state at the start of the
// iteration, and updates are applied afterwards) followed by a serial
// fixel TD update and mean-coefficient refresh.
func (o *Optimizer) Run() Result {
	var result Result
	lineSearch := o.cfg.Search

	prevCost := math.Inf(1)
	for iter := 0; iter < o.cfg.MaxIters; iter++ {
		o.updateMeanCoeffs()

		candidates := make([]float64, len(o.Contributions))
		parallelFor(len(o.Contributions), func(s int) {
			if len(o.Contributions[s].Touches) == 0 {
				candidates[s] = o.Coeffs[s]
				return
			}
			cur := o.Coeffs[s]
			lo := math.Max(o.cfg.MinCoeff, cur-o.cfg.MaxCoeffStep)
			hi := math.Min(o.cfg.MaxCoeff, cur+o.cfg.MaxCoeffStep)
			if lo >= hi {
				candidates[s] = cur
				return
			}
			candidates[s] = lineSearch(func(c float64) float64 { return o.objective(s, c) }, lo, hi)
		})

		for s, newC := range candidates {
			oldC := o.Coeffs[s]
			if newC == oldC {
				continue
			}
			deltaMult := math.Exp(newC) - math.Exp(oldC)
			for _, t := range o.Contributions[s].Touches {
				o.Dataset.TD[t.FixelIndex] += deltaMult * t.Length
			}
			o.Coeffs[s] = newC
		}
		o.recomputeTDSum()

		dataCost := o.CostFunction()
		total := dataCost + o.totalRegularisation()
		result.Iterations = iter + 1
		result.CostHistory = append(result.CostHistory, total)

		if iter+1 >= o.cfg.MinIters && prevCost > 0 && !math.IsInf(prevCost, 1) {
			fracDecrease := (prevCost - total) / prevCost
			if fracDecrease < o.cfg.MinCFDecrease {
				result.Converged = true
				prevCost = total
				break
			}
		}
		prevCost = total
	}
	return result
}

// totalRegularisation sums Tikhonov + TV regularisation across every
// streamline at the current coefficients, used only for the convergence
// cost history (the per-streamline objective() is what actually drives
// each line search).
func (o *Optimizer) totalRegularisation() float64 {
	var total float64
	for s, c := range o.Coeffs {
		total += o.regularisation(s, c)
	}
	return total
}
