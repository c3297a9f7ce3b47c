package fmls

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/direction"
	"github.com/dwimodel/tractosift/internal/sh"
)

func newTestDirs(t *testing.T) *direction.Set {
	t.Helper()
	return direction.NewSet(direction.GoldenSpiral(300))
}

func TestSegmentEmptyForNonPositiveDC(t *testing.T) {
	dirs := newTestDirs(t)
	seg := NewSegmenter(dirs, 8)
	coefs := make([]float64, sh.NforL(8))
	coefs[0] = -1.0
	out := seg.Segment(coefs)
	if len(out.List) != 0 {
		t.Fatalf("expected no lobes for non-positive DC term, got %d", len(out.List))
	}
}

func TestSegmentSingleDeltaYieldsOneLobe(t *testing.T) {
	dirs := newTestDirs(t)
	seg := NewSegmenter(dirs, 8)
	peak := r3.Unit(r3.Vec{X: 0.2, Y: 0.4, Z: 0.9})
	coefs := sh.Delta(peak, 8)

	out := seg.Segment(coefs)
	if len(out.List) != 1 {
		t.Fatalf("expected exactly one lobe, got %d", len(out.List))
	}
	lobe := out.List[0]
	if lobe.NumPeaks() != 1 {
		t.Fatalf("expected one peak, got %d", lobe.NumPeaks())
	}
	dot := math.Abs(r3.Dot(lobe.PeakDir(0), peak))
	if dot < math.Cos(2*math.Pi/180) {
		t.Fatalf("peak direction too far from input: dot=%v", dot)
	}
}

func TestSegmentCrossingYieldsTwoDisjointLobes(t *testing.T) {
	dirs := newTestDirs(t)
	seg := NewSegmenter(dirs, 8)

	a := r3.Unit(r3.Vec{X: 1, Y: 0, Z: 0})
	b := r3.Unit(r3.Vec{X: 0, Y: 1, Z: 0})
	ca := sh.Delta(a, 8)
	cb := sh.Delta(b, 8)
	coefs := make([]float64, len(ca))
	for i := range coefs {
		coefs[i] = ca[i] + cb[i]
	}

	out := seg.Segment(coefs)
	if len(out.List) != 2 {
		t.Fatalf("expected two lobes for an orthogonal crossing, got %d", len(out.List))
	}

	for i := 0; i < len(out.List); i++ {
		for j := i + 1; j < len(out.List); j++ {
			for d := 0; d < dirs.Size(); d++ {
				if out.List[i].Mask()[d] && out.List[j].Mask()[d] {
					t.Fatalf("lobes %d and %d share dixel %d", i, j, d)
				}
			}
		}
	}

	for i := 1; i < len(out.List); i++ {
		if out.List[i-1].Integral() < out.List[i].Integral() {
			t.Fatalf("lobes not sorted by descending integral")
		}
	}
}

func TestSegmentMaxNumFixelsKeepsHighestIntegral(t *testing.T) {
	dirs := newTestDirs(t)
	seg := NewSegmenter(dirs, 8)
	seg.MaxNumFixels = 1

	a := r3.Unit(r3.Vec{X: 1, Y: 0, Z: 0})
	b := r3.Unit(r3.Vec{X: 0, Y: 1, Z: 0})
	ca := sh.Delta(a, 8)
	cb := sh.Delta(b, 8)
	coefs := make([]float64, len(ca))
	for i := range coefs {
		// Give peak a a larger integral than peak b by scaling it up.
		coefs[i] = 1.5*ca[i] + cb[i]
	}

	out := seg.Segment(coefs)
	if len(out.List) != 1 {
		t.Fatalf("expected exactly one lobe with max_num_fixels=1, got %d", len(out.List))
	}
	if dot := math.Abs(r3.Dot(out.List[0].PeakDir(0), a)); dot < 0.9 {
		t.Fatalf("retained lobe should be the higher-integral one near a, dot=%v", dot)
	}
}

func TestGenerateNullLobesCoversUnassignedDirections(t *testing.T) {
	dirs := newTestDirs(t)
	seg := NewSegmenter(dirs, 8)
	seg.GenerateNullLobes = true
	seg.CalculateLSQDir = true
	peak := r3.Unit(r3.Vec{X: 0.2, Y: 0.4, Z: 0.9})
	coefs := sh.Delta(peak, 8)

	out := seg.Segment(coefs)
	if len(out.List) != 2 {
		t.Fatalf("expected the one positive lobe plus a trailing null lobe, got %d", len(out.List))
	}
	null := out.List[len(out.List)-1]
	if null.Integral() != 0 {
		t.Fatalf("null lobe must have zero integral, got %v", null.Integral())
	}
	if null.NumPeaks() != 0 {
		t.Fatalf("null lobe must have no peaks, got %d", null.NumPeaks())
	}

	positive := out.List[0]
	for d := 0; d < dirs.Size(); d++ {
		if !positive.Mask()[d] && !null.Mask()[d] {
			t.Fatalf("direction %d is claimed by neither the positive lobe nor the null lobe", d)
		}
		if positive.Mask()[d] && null.Mask()[d] {
			t.Fatalf("direction %d is claimed by both the positive lobe and the null lobe", d)
		}
	}
}

func TestLookupTableConsistentWithMasks(t *testing.T) {
	dirs := newTestDirs(t)
	seg := NewSegmenter(dirs, 8)
	peak := r3.Unit(r3.Vec{X: 0.1, Y: 0.1, Z: 0.98})
	coefs := sh.Delta(peak, 8)

	out := seg.Segment(coefs)
	for li, l := range out.List {
		for d, present := range l.Mask() {
			if present && out.Lookup[d] != li {
				t.Fatalf("direction %d is in lobe %d's mask but lookup says %d", d, li, out.Lookup[d])
			}
		}
	}
}
