package sh

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestDeltaPeaksAtItsOwnDirection(t *testing.T) {
	const lmax = 8
	peak := r3.Unit(r3.Vec{X: 0.3, Y: -0.6, Z: 0.8})
	coefs := Delta(peak, lmax)

	atPeak := Value(coefs, peak, lmax)
	off := r3.Unit(r3.Vec{X: 1, Y: 0, Z: 0})
	atOff := Value(coefs, off, lmax)

	if atPeak <= atOff {
		t.Fatalf("delta value at peak (%v) not greater than at an unrelated direction (%v)", atPeak, atOff)
	}
}

func TestNewtonPeakRecoversDeltaDirection(t *testing.T) {
	const lmax = 8
	peak := r3.Unit(r3.Vec{X: 0.1, Y: 0.2, Z: 0.95})
	coefs := Delta(peak, lmax)

	guess := r3.Unit(r3.Vec{X: 0.2, Y: 0.25, Z: 0.9})
	refined, _, ok := NewtonPeak(coefs, guess, lmax)
	if !ok {
		t.Fatalf("NewtonPeak did not converge")
	}

	dot := r3.Dot(refined, peak)
	if dot < 0.98 {
		t.Fatalf("refined direction too far from true peak: dot=%v refined=%v peak=%v", dot, refined, peak)
	}
}

func TestTransformSH2AMatchesDirectValue(t *testing.T) {
	const lmax = 6
	dirs := []r3.Vec{
		r3.Unit(r3.Vec{X: 1, Y: 0, Z: 0}),
		r3.Unit(r3.Vec{X: 0, Y: 1, Z: 0}),
		r3.Unit(r3.Vec{X: 0, Y: 0, Z: 1}),
		r3.Unit(r3.Vec{X: 1, Y: 1, Z: 1}),
	}
	coefs := Delta(dirs[2], lmax)
	tr := NewTransform(dirs, lmax)
	amps := tr.SH2A(coefs)
	for i, d := range dirs {
		want := Value(coefs, d, lmax)
		if math.Abs(amps[i]-want) > 1e-9 {
			t.Errorf("direction %d: transform gave %v, direct evaluation gave %v", i, amps[i], want)
		}
	}
}

func TestNforL(t *testing.T) {
	cases := map[int]int{0: 1, 2: 6, 4: 15, 8: 45}
	for lmax, want := range cases {
		if got := NforL(lmax); got != want {
			t.Errorf("NforL(%d) = %d, want %d", lmax, got, want)
		}
	}
}
