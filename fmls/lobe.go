// Package fmls implements the fast marching lobe segmenter: converting one
// voxel's spherical-harmonic fibre orientation distribution into an ordered
// list of discrete fibre lobes, each with a dixel mask, amplitude profile,
// peak direction(s) and integral.
package fmls

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/direction"
)

// NoLobe is the lookup-table sentinel meaning a direction belongs to no
// lobe in a voxel.
const NoLobe = -1

// Lobe is a single segmented fibre population within a voxel.
type Lobe struct {
	mask         []bool
	values       []float64
	maxPeakValue float64
	peakDirs     []r3.Vec
	meanDir      r3.Vec
	lsqDir       r3.Vec
	hasLSQ       bool
	integral     float64
	negative     bool
}

func newLobe(dirs *direction.Set, seed int, value, weight float64) *Lobe {
	mask := make([]bool, dirs.Size())
	values := make([]float64, dirs.Size())
	mask[seed] = true
	values[seed] = value
	peak := dirs.Direction(seed)
	l := &Lobe{
		mask:         mask,
		values:       values,
		maxPeakValue: math.Abs(value),
		peakDirs:     []r3.Vec{peak},
		meanDir:      r3.Scale(math.Abs(value)*weight, peak),
		integral:     math.Abs(value * weight),
		negative:     value <= 0.0,
	}
	return l
}

// newNullLobe builds a zero-size lobe containing all directions not
// assigned to any other lobe in the voxel.
func newNullLobe(mask []bool) *Lobe {
	m := make([]bool, len(mask))
	copy(m, mask)
	return &Lobe{
		mask:   m,
		values: make([]float64, len(mask)),
	}
}

func (l *Lobe) add(dirs *direction.Set, bin int, value, weight float64) {
	l.mask[bin] = true
	l.values[bin] = value
	dir := dirs.Direction(bin)
	multiplier := 1.0
	if r3.Dot(l.meanDir, dir) <= 0.0 {
		multiplier = -1.0
	}
	l.meanDir = r3.Add(l.meanDir, r3.Scale(multiplier*math.Abs(value)*weight, dir))
	l.integral += math.Abs(value * weight)
}

func (l *Lobe) revisePeak(index int, dir r3.Vec, value float64) {
	l.peakDirs[index] = dir
	if index == 0 {
		l.maxPeakValue = value
	}
}

func (l *Lobe) finalise() {
	l.meanDir = r3.Unit(l.meanDir)
}

func (l *Lobe) merge(that *Lobe) {
	for i := range l.mask {
		if that.mask[i] {
			l.mask[i] = true
		}
		l.values[i] += that.values[i]
	}
	if that.maxPeakValue > l.maxPeakValue {
		l.maxPeakValue = that.maxPeakValue
		l.peakDirs = append(append([]r3.Vec{}, that.peakDirs...), l.peakDirs...)
	} else {
		l.peakDirs = append(l.peakDirs, that.peakDirs...)
	}
	multiplier := 1.0
	if r3.Dot(l.meanDir, that.meanDir) <= 0.0 {
		multiplier = -1.0
	}
	l.meanDir = r3.Add(l.meanDir, r3.Scale(that.integral*multiplier, that.meanDir))
	l.integral += that.integral
}

// Mask returns the dixel mask of directions belonging to this lobe.
func (l *Lobe) Mask() []bool { return l.mask }

// Values returns the per-direction signed amplitude, zero outside the mask.
func (l *Lobe) Values() []float64 { return l.values }

// MaxPeakValue returns the largest-magnitude peak amplitude in this lobe.
func (l *Lobe) MaxPeakValue() float64 { return l.maxPeakValue }

// NumPeaks returns how many distinct peaks this lobe contains (more than
// one only after a merge of lobes each seeded from a discrete peak).
func (l *Lobe) NumPeaks() int { return len(l.peakDirs) }

// PeakDir returns the i'th peak direction.
func (l *Lobe) PeakDir(i int) r3.Vec { return l.peakDirs[i] }

// MeanDir returns the amplitude-weighted mean direction (valid after
// Finalise, i.e. once the lobe is returned by Segment).
func (l *Lobe) MeanDir() r3.Vec { return l.meanDir }

// LSQDir returns the least-squares (geodesic) mean direction, and whether
// it was computed (only when the segmenter was configured to do so).
func (l *Lobe) LSQDir() (r3.Vec, bool) { return l.lsqDir, l.hasLSQ }

// Integral returns the lobe's numerical integral (sum of |amplitude| *
// solid-angle weight over its dixel mask).
func (l *Lobe) Integral() float64 { return l.integral }

// IsNegative reports whether this lobe was seeded from a negative-signed
// amplitude sample (such lobes are always discarded before Segment
// returns).
func (l *Lobe) IsNegative() bool { return l.negative }
