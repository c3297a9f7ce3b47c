package sift2

import (
	"fmt"
	"io"
	"math"
)

// WriteWeights writes one exported weight per line, with mu recorded as a
// trailing header comment, matching spec.md §6's "the output weights text
// file carries mu as a trailing header comment."
func (o *Optimizer) WriteWeights(w io.Writer) error {
	for s := range o.Coeffs {
		if _, err := fmt.Fprintf(w, "%.10g\n", o.Weight(s)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# mu=%.10g units=%s\n", o.Mu(), o.cfg.Units)
	return err
}

// WriteCoefficients writes the raw c_s values, one per line, to a second
// output file (spec.md §6: "optionally with a second file for raw c_s
// values").
func (o *Optimizer) WriteCoefficients(w io.Writer) error {
	for _, c := range o.Coeffs {
		if _, err := fmt.Fprintf(w, "%.10g\n", c); err != nil {
			return err
		}
	}
	return nil
}

// TestLengthScaling re-weights every streamline by the inverse of its
// length and reports the resulting data-term cost, a debugging aid for
// diagnosing pathological regularisation (SPEC_FULL.md's supplemented
// feature grounded on tckfactor.h's test_streamline_length_scaling).
func (o *Optimizer) TestLengthScaling() float64 {
	saved := make([]float64, len(o.Coeffs))
	copy(saved, o.Coeffs)
	savedTD := make([]float64, len(o.Dataset.TD))
	copy(savedTD, o.Dataset.TD)
	savedTDSum := o.tdSum

	for i := range o.Dataset.TD {
		o.Dataset.TD[i] = 0
	}
	for s, c := range o.Contributions {
		if c.Length <= 0 {
			continue
		}
		newCoeff := -math.Log(c.Length)
		o.Coeffs[s] = newCoeff
		mult := math.Exp(newCoeff)
		for _, t := range c.Touches {
			o.Dataset.TD[t.FixelIndex] += mult * t.Length
		}
	}
	o.recomputeTDSum()
	cost := o.CostFunction()

	copy(o.Coeffs, saved)
	copy(o.Dataset.TD, savedTD)
	o.tdSum = savedTDSum
	return cost
}
