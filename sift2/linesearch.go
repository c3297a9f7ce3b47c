package sift2

import "math"

// LineSearch minimises a scalar function f over [lo,hi] and returns the
// minimiser. spec.md §4.6 names three candidate variants (golden-section,
// quadratic, bounded Newton); this type lets any of them plug into
// Config.Search unchanged. Only goldenSectionSearch is provided (see
// SPEC_FULL.md Open Question 3 for why the others are not built).
type LineSearch func(f func(float64) float64, lo, hi float64) float64

// goldenSectionSearch is the default, and only implemented, LineSearch: it
// needs no derivative of the per-streamline sub-problem and stays
// numerically robust right up against the coefficient-bound clamps.
func goldenSectionSearch(f func(float64) float64, lo, hi float64) float64 {
	const (
		goldenRatio = 0.6180339887498949
		tolerance   = 1e-8
		maxIters    = 100
	)
	a, b := lo, hi
	c := b - goldenRatio*(b-a)
	d := a + goldenRatio*(b-a)
	fc, fd := f(c), f(d)
	for i := 0; i < maxIters && math.Abs(b-a) > tolerance; i++ {
		if fc < fd {
			b = d
			d, fd = c, fc
			c = b - goldenRatio*(b-a)
			fc = f(c)
		} else {
			a = c
			c, fc = d, fd
			d = a + goldenRatio*(b-a)
			fd = f(d)
		}
	}
	mid := 0.5 * (a + b)
	if f(mid) < math.Min(fc, fd) {
		return mid
	}
	if fc < fd {
		return c
	}
	return d
}
