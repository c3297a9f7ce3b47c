package fixel

// Cost-function primitives for one fixel, grounded on
// SIFT::ModelBase::FixelBase / SIFT::SIFTer::Fixel in the reference
// implementation. All take the current proportionality coefficient mu as
// an explicit parameter rather than reading d.Mu() internally, since
// callers (SIFT, SIFT2) frequently need to evaluate these at a
// hypothetical mu without committing to it.

// Diff returns td*mu - fd for fixel i.
func (d *Dataset) Diff(i int, mu float64) float64 {
	return d.TD[i]*mu - d.FD[i]
}

// Cost returns the fixel's contribution to the global cost function,
// w_i * (mu*td_i - fd_i)^2.
func (d *Dataset) Cost(i int, mu float64) float64 {
	diff := d.Diff(i, mu)
	return d.Weight[i] * diff * diff
}

// DCostDMu returns d(cost_i)/d(mu) = 2 * td_i * diff_i * w_i.
func (d *Dataset) DCostDMu(i int, mu float64) float64 {
	return 2 * d.TD[i] * d.Diff(i, mu) * d.Weight[i]
}

// CostWithoutTrack returns the fixel's cost if a streamline contributing
// `length` to it were removed, evaluated at the given mu (which is
// ordinarily the post-removal mu for an exact evaluation).
func (d *Dataset) CostWithoutTrack(i int, mu, length float64) float64 {
	td := d.TD[i] - length
	if td < 0 {
		td = 0
	}
	diff := td*mu - d.FD[i]
	return d.Weight[i] * diff * diff
}

// CostManualTD returns the fixel's cost under a hypothetical TD value,
// holding fd and weight fixed.
func (d *Dataset) CostManualTD(i int, mu, manualTD float64) float64 {
	diff := manualTD*mu - d.FD[i]
	return d.Weight[i] * diff * diff
}

// Quantisation evaluates the cost at the TD value the fixel would have if
// it were perfectly reconstructed at the current mu plus one more unit of
// `length`, used by SIFT's quantisation acceptance guard.
func (d *Dataset) Quantisation(i int, mu, length float64) float64 {
	return d.CostManualTD(i, mu, d.FD[i]/mu+length)
}

// TotalFDWeighted returns Sigma FD_i * w_i across every fixel.
func (d *Dataset) TotalFDWeighted() float64 {
	var sum float64
	for i := range d.FD {
		sum += d.FD[i] * d.Weight[i]
	}
	return sum
}

// TotalTDWeighted returns Sigma TD_i * w_i across every fixel.
func (d *Dataset) TotalTDWeighted() float64 {
	var sum float64
	for i := range d.TD {
		sum += d.TD[i] * d.Weight[i]
	}
	return sum
}

// CostFunction returns the global cost C(mu) = Sigma_i cost_i(mu).
func (d *Dataset) CostFunction(mu float64) float64 {
	var sum float64
	for i := range d.FD {
		sum += d.Cost(i, mu)
	}
	return sum
}
