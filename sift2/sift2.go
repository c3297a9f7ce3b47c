// Package sift2 implements the SIFT2 non-linear streamline-weighting
// optimiser (C6): instead of removing streamlines, every streamline is
// assigned a continuous weighting coefficient c_s (physical weight
// f_s = exp(c_s)) chosen so that the weighted track density reproduces the
// fibre density under Tikhonov and total-variation regularisation.
// Grounded on original_source/cpp/core/dwi/tractography/SIFT2/tckfactor.h
// for the public surface and spec.md §4.6 for the optimisation loop itself,
// since no tckfactor.cpp was retrieved for this pack (see DESIGN.md).
package sift2

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/dwimodel/tractosift/fixel"
)

// Contribution is one streamline's precomputed mapping, mirroring
// sift.Contribution but kept package-local so sift2 has no dependency on
// sift.
type Contribution struct {
	Touches []fixel.Contribution
	Length  float64
}

// Default parameter values, named identically to tckfactor.h's
// default_regularisation_tikhonov et al.
const (
	DefaultRegTikhonov    = 0.0
	DefaultRegTV          = 0.1
	DefaultMinTDFraction  = 0.1
	DefaultMinIters       = 10
	DefaultMaxIters       = 1000
	DefaultMaxCoeffStep   = 1.0
	DefaultMinCFDecrease  = 2.5e-5
)

// Units selects the physical interpretation of the exported per-streamline
// weight, per spec.md §4.6 "Units of output".
type Units int

const (
	// UnitsMM2 exports mu * V * exp(c_s), the resolution-invariant default.
	UnitsMM2 Units = iota
	// UnitsAFDPerMM exports mu * exp(c_s).
	UnitsAFDPerMM
	// UnitsNOS exports exp(c_s) directly ("number of streamlines" basis).
	UnitsNOS
)

// Config holds SIFT2's regularisation and convergence parameters.
type Config struct {
	RegTikhonov float64
	RegTV       float64
	MinTDFrac   float64

	MinIters      int
	MaxIters      int
	MinCoeff      float64 // default -Inf
	MaxCoeff      float64 // default +Inf
	MaxCoeffStep  float64
	MinCFDecrease float64

	Units Units

	// LegacyNOSDefault is carried in the configuration but no code reads
	// it; the exported units are selected by Units alone, so setting it does
	// not restore the NOS default.
	LegacyNOSDefault bool

	// Search is the per-streamline 1-D minimiser used each iteration.
	// Defaults to goldenSectionSearch when left nil (see New).
	Search LineSearch
}

// DefaultConfig returns Config populated with tckfactor.h's defaults and
// spec.md §9's mm² default unit.
func DefaultConfig() Config {
	return Config{
		RegTikhonov:   DefaultRegTikhonov,
		RegTV:         DefaultRegTV,
		MinTDFrac:     DefaultMinTDFraction,
		MinIters:      DefaultMinIters,
		MaxIters:      DefaultMaxIters,
		MinCoeff:      math.Inf(-1),
		MaxCoeff:      math.Inf(1),
		MaxCoeffStep:  DefaultMaxCoeffStep,
		MinCFDecrease: DefaultMinCFDecrease,
		Units:         UnitsMM2,
	}
}

// SetMinFactor and SetMaxFactor translate the CLI's mutually-exclusive
// factor-basis options into the coefficient basis, matching
// tckfactor.h's set_min_factor/set_max_factor (coeff = ln(factor)).
func (c *Config) SetMinFactor(factor float64) {
	if factor == 0 {
		c.MinCoeff = math.Inf(-1)
		return
	}
	c.MinCoeff = math.Log(factor)
}

func (c *Config) SetMaxFactor(factor float64) { c.MaxCoeff = math.Log(factor) }

// Optimizer is SIFT2's mutable state: one coefficient per streamline, the
// streamline contributions, and a coupled fixel dataset whose TD column is
// kept consistent with the current coefficients.
type Optimizer struct {
	Dataset       *fixel.Dataset
	Contributions []Contribution
	Coeffs        []float64

	cfg Config

	fdSum float64
	tdSum float64

	meanCoeff []float64 // per-fixel length-weighted mean of touching c_s
}

// New builds an Optimizer with every coefficient initialised to zero
// (f_s = 1), i.e. the streamline is initially assumed to carry a unit
// cross-section. Dataset's TD column is initialised from the contributions
// assuming exp(0)=1 for every streamline.
func New(ds *fixel.Dataset, contributions []Contribution, cfg Config) *Optimizer {
	if cfg.Search == nil {
		cfg.Search = goldenSectionSearch
	}
	o := &Optimizer{
		Dataset:       ds,
		Contributions: contributions,
		Coeffs:        make([]float64, len(contributions)),
		cfg:           cfg,
		meanCoeff:     make([]float64, ds.NumFixels()),
	}
	for _, c := range contributions {
		for _, t := range c.Touches {
			ds.TD[t.FixelIndex] += t.Length
			ds.Count[t.FixelIndex]++
		}
	}
	o.fdSum = ds.TotalFDWeighted()
	o.tdSum = ds.TotalTDWeighted()
	return o
}

// Mu returns the current aggregate proportionality coefficient.
func (o *Optimizer) Mu() float64 {
	if o.tdSum == 0 {
		return 0
	}
	return o.fdSum / o.tdSum
}

// CostFunction returns the data term of the global cost function
// (regularisation excluded), evaluated at the current state.
func (o *Optimizer) CostFunction() float64 {
	mu := o.Mu()
	var sum float64
	for i := range o.Dataset.FD {
		if !o.Dataset.Excluded[i] {
			sum += o.Dataset.Cost(i, mu)
		}
	}
	return sum
}

// ExcludeLowDensityFixels implements spec.md §4.6's pre-processing step:
// fixels whose reconstructed density ratio mu*TD/FD falls below
// cfg.MinTDFrac are latched Excluded and removed from every streamline's
// contribution list (so neither the cost function nor TD bookkeeping see
// them again).
func (o *Optimizer) ExcludeLowDensityFixels() int {
	mu := o.Mu()
	excluded := 0
	for i := range o.Dataset.FD {
		if o.Dataset.Excluded[i] {
			continue
		}
		if o.Dataset.FD[i] <= 0 {
			continue
		}
		ratio := mu * o.Dataset.TD[i] / o.Dataset.FD[i]
		if ratio < o.cfg.MinTDFrac {
			o.Dataset.Excluded[i] = true
			excluded++
		}
	}
	if excluded == 0 {
		return 0
	}
	for i, c := range o.Contributions {
		kept := c.Touches[:0]
		for _, t := range c.Touches {
			if !o.Dataset.Excluded[t.FixelIndex] {
				kept = append(kept, t)
			}
		}
		o.Contributions[i].Touches = kept
	}
	o.fdSum = 0
	for i := range o.Dataset.FD {
		if !o.Dataset.Excluded[i] {
			o.fdSum += o.Dataset.FD[i] * o.Dataset.Weight[i]
		}
	}
	o.recomputeTDSum()
	return excluded
}

func (o *Optimizer) recomputeTDSum() {
	var sum float64
	for i := range o.Dataset.TD {
		if o.Dataset.Excluded[i] {
			continue
		}
		sum += o.Dataset.TD[i] * o.Dataset.Weight[i]
	}
	o.tdSum = sum
}

// Entropy reports the normalised streamline-weight entropy
// -Sum p_s log(p_s), p_s proportional to exp(c_s), Sum p_s = 1.
func (o *Optimizer) Entropy() float64 {
	p := make([]float64, len(o.Coeffs))
	for i, c := range o.Coeffs {
		p[i] = math.Exp(c)
	}
	total := floats.Sum(p)
	if total == 0 {
		return 0
	}
	floats.Scale(1/total, p)
	return stat.Entropy(p)
}

// Weight returns streamline s's exported weight under the configured
// units, per spec.md §4.6 "Units of output".
func (o *Optimizer) Weight(s int) float64 {
	f := math.Exp(o.Coeffs[s])
	switch o.cfg.Units {
	case UnitsNOS:
		return f
	case UnitsAFDPerMM:
		return o.Mu() * f
	default: // UnitsMM2
		return o.Mu() * o.Dataset.VoxelVolume() * f
	}
}

// Validate checks that MinCoeff does not exceed MaxCoeff and that
// MaxCoeffStep is positive. The mutual exclusion of the factor and
// coefficient options is checked by the tcksift2 command, not here.
func (cfg Config) Validate() error {
	if cfg.MinCoeff > cfg.MaxCoeff {
		return fmt.Errorf("sift2: min_coeff %g exceeds max_coeff %g", cfg.MinCoeff, cfg.MaxCoeff)
	}
	if cfg.MaxCoeffStep <= 0 {
		return fmt.Errorf("sift2: max_coeff_step must be positive, got %g", cfg.MaxCoeffStep)
	}
	return nil
}

func numWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}

func parallelFor(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	workers := numWorkers()
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += workers {
				fn(i)
			}
		}(w)
	}
	wg.Wait()
}
