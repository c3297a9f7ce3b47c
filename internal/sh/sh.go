// Package sh provides the minimal real spherical-harmonic basis evaluation
// that the FMLS segmenter needs: SH.value, SH.delta, and a Newton peak
// finder. spec.md treats this as an external collaborator ("SH basis math
// ... treated as a library"); this package is the small, self-contained
// stand-in for that library, since no repository in the retrieval pack
// carries one.
package sh

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// NforL returns the number of real SH coefficients for the given even
// maximum degree, following the MRtrix convention (only even degrees are
// stored, since FODs are antipodally symmetric).
func NforL(lmax int) int {
	return (lmax + 1) * (lmax + 2) / 2
}

// indexLM maps a (degree, order) pair to its position in the coefficient
// vector, for even l and -l <= m <= l.
func indexLM(l, m int) int {
	return (l*(l+1))/2 + m
}

// cartesianToSpherical returns (azimuth, elevation) in radians for a unit
// direction, elevation measured from the +Z pole as in the reference
// implementation's az/el convention.
func cartesianToSpherical(d r3.Vec) (az, el float64) {
	az = math.Atan2(d.Y, d.X)
	el = math.Acos(clamp(d.Z, -1, 1))
	return az, el
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// realBasis evaluates every real SH basis function up to lmax (even degrees
// only) at the given direction, writing NforL(lmax) values into out.
func realBasis(d r3.Vec, lmax int, out []float64) {
	az, el := cartesianToSpherical(d)
	cosEl := math.Cos(el)
	for l := 0; l <= lmax; l += 2 {
		for m := -l; m <= l; m++ {
			plm := assocLegendre(l, iabs(m), cosEl)
			norm := math.Sqrt(float64(2*l+1) / (4 * math.Pi) * factorialRatio(l, iabs(m)))
			var basis float64
			switch {
			case m == 0:
				basis = norm * plm
			case m > 0:
				basis = math.Sqrt2 * norm * plm * math.Cos(float64(m)*az)
			default:
				basis = math.Sqrt2 * norm * plm * math.Sin(float64(-m)*az)
			}
			out[indexLM(l, m)] = basis
		}
	}
}

func iabs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

func factorialRatio(l, m int) float64 {
	// (l-m)! / (l+m)!
	num := 1.0
	for i := l - m + 1; i <= l+m; i++ {
		num *= float64(i)
	}
	return 1.0 / num
}

// assocLegendre evaluates the associated Legendre polynomial P_l^m(x) using
// the standard upward recurrence; this stands in for the reference
// implementation's "precomputed associated-Legendre accelerator", traded
// here for direct evaluation since this package only needs to support
// occasional peak-refinement queries, not a tight per-voxel inner loop.
func assocLegendre(l, m int, x float64) float64 {
	pmm := 1.0
	if m > 0 {
		somx2 := math.Sqrt((1 - x) * (1 + x))
		fact := 1.0
		for i := 1; i <= m; i++ {
			pmm *= -fact * somx2
			fact += 2
		}
	}
	if l == m {
		return pmm
	}
	pmmp1 := x * float64(2*m+1) * pmm
	if l == m+1 {
		return pmmp1
	}
	var pll float64
	for ll := m + 2; ll <= l; ll++ {
		pll = (x*float64(2*ll-1)*pmmp1 - float64(ll+m-1)*pmm) / float64(ll-m)
		pmm = pmmp1
		pmmp1 = pll
	}
	return pll
}

// Transform evaluates a fixed set of SH coefficients over a fixed set of
// sample directions via a precomputed basis matrix, mirroring
// Math::Sphere::SH::Transform in the reference implementation.
type Transform struct {
	lmax  int
	basis *mat.Dense // n directions x NforL(lmax)
}

// NewTransform builds a transform for the given sample directions and
// maximum SH degree.
func NewTransform(dirs []r3.Vec, lmax int) *Transform {
	n := NforL(lmax)
	basis := mat.NewDense(len(dirs), n, nil)
	row := make([]float64, n)
	for i, d := range dirs {
		realBasis(d, lmax, row)
		basis.SetRow(i, row)
	}
	return &Transform{lmax: lmax, basis: basis}
}

// SH2A projects SH coefficients onto the sample directions, returning one
// amplitude per direction.
func (t *Transform) SH2A(coefs []float64) []float64 {
	c := mat.NewVecDense(len(coefs), coefs)
	var out mat.VecDense
	out.MulVec(t.basis, c)
	result := make([]float64, out.Len())
	for i := range result {
		result[i] = out.AtVec(i)
	}
	return result
}

// Value evaluates the SH series at an arbitrary direction (not necessarily
// one of the transform's sample directions).
func Value(coefs []float64, dir r3.Vec, lmax int) float64 {
	basis := make([]float64, NforL(lmax))
	realBasis(dir, lmax, basis)
	var sum float64
	for i, c := range coefs {
		sum += c * basis[i]
	}
	return sum
}

// Delta returns the SH coefficients that best represent (in a least-squares
// sense) a unit-amplitude delta function peaked at dir, used to build
// synthetic test fixtures (spec.md §8 scenario S2).
func Delta(dir r3.Vec, lmax int) []float64 {
	out := make([]float64, NforL(lmax))
	realBasis(dir, lmax, out)
	// A real delta on the sphere has SH coefficients proportional to the
	// basis functions evaluated at its peak, scaled so that the l=0 term
	// equals 1/sqrt(4*pi) (unit total integral).
	l0 := out[indexLM(0, 0)]
	if l0 != 0 {
		scale := 1.0 / (l0 * math.Sqrt(4*math.Pi))
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// tangentBasis returns two orthonormal vectors spanning the plane
// perpendicular to d, used to parameterise small deviations from d for the
// Newton peak search (mirrors the Buss-Fillmore tangent-plane approach used
// elsewhere in this domain, e.g. fmls.Segmenter's least-squares direction).
func tangentBasis(d r3.Vec) (tx, ty r3.Vec) {
	ref := r3.Vec{X: 0, Y: 0, Z: 1}
	if math.Abs(d.Z) > 0.9 {
		ref = r3.Vec{X: 0, Y: 1, Z: 0}
	}
	tx = r3.Unit(r3.Cross(ref, d))
	ty = r3.Unit(r3.Cross(d, tx))
	return
}

// fromTangent maps a small 2-D tangent-plane offset back onto the unit
// sphere, re-centred at d.
func fromTangent(d, tx, ty r3.Vec, u, v float64) r3.Vec {
	p := r3.Add(r3.Add(r3.Scale(u, tx), r3.Scale(v, ty)), d)
	return r3.Unit(p)
}

// NewtonPeak refines an initial peak direction estimate for the given SH
// coefficients using Newton iteration on the tangent plane, mirroring
// Math::Sphere::SH::get_peak in the reference implementation. It returns
// the refined direction and the SH value there; if the optimisation fails
// to converge to a finite result the original direction/value are returned
// unchanged and ok is false.
func NewtonPeak(coefs []float64, initial r3.Vec, lmax int) (dir r3.Vec, value float64, ok bool) {
	const (
		maxIters = 50
		h        = 1e-4
		tol      = 1e-10
	)
	cur := r3.Unit(initial)
	curVal := Value(coefs, cur, lmax)
	for iter := 0; iter < maxIters; iter++ {
		tx, ty := tangentBasis(cur)

		f00 := Value(coefs, fromTangent(cur, tx, ty, 0, 0), lmax)
		fpu := Value(coefs, fromTangent(cur, tx, ty, h, 0), lmax)
		fmu := Value(coefs, fromTangent(cur, tx, ty, -h, 0), lmax)
		fpv := Value(coefs, fromTangent(cur, tx, ty, 0, h), lmax)
		fmv := Value(coefs, fromTangent(cur, tx, ty, 0, -h), lmax)
		fpp := Value(coefs, fromTangent(cur, tx, ty, h, h), lmax)
		fmm := Value(coefs, fromTangent(cur, tx, ty, -h, -h), lmax)

		gu := (fpu - fmu) / (2 * h)
		gv := (fpv - fmv) / (2 * h)
		huu := (fpu - 2*f00 + fmu) / (h * h)
		hvv := (fpv - 2*f00 + fmv) / (h * h)
		huv := (fpp - fpu - fpv + 2*f00 - fmu - fmv + fmm) / (2 * h * h)

		det := huu*hvv - huv*huv
		if !isFinite(det) || math.Abs(det) < 1e-12 {
			break
		}
		du := -(hvv*gu - huv*gv) / det
		dv := -(huu*gv - huv*gu) / det
		// Gauss-Newton maximisation can overshoot on a near-flat Hessian;
		// clamp the step to remain within the local tangent-plane
		// approximation's region of validity.
		const maxStep = 0.3
		step := math.Hypot(du, dv)
		if step > maxStep {
			du *= maxStep / step
			dv *= maxStep / step
		}
		next := fromTangent(cur, tx, ty, du, dv)
		nextVal := Value(coefs, next, lmax)
		if !isFinite(nextVal) {
			break
		}
		if math.Abs(nextVal-curVal) < tol && step < 1e-8 {
			cur, curVal = next, nextVal
			break
		}
		cur, curVal = next, nextVal
	}
	if !isFinite(curVal) || !isFiniteVec(cur) {
		return initial, Value(coefs, initial, lmax), false
	}
	return cur, curVal, true
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func isFiniteVec(v r3.Vec) bool { return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z) }
