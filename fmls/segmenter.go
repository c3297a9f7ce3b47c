package fmls

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/direction"
	"github.com/dwimodel/tractosift/internal/sh"
)

const (
	// DefaultIntegralThreshold disables integral-based lobe rejection.
	DefaultIntegralThreshold = 0.0
	// DefaultPeakValueThreshold matches the reference implementation's
	// default cutoff on the absolute peak amplitude of a retained lobe.
	DefaultPeakValueThreshold = 0.1
	// DefaultLobeMergeRatio never merges lobes generated from distinct
	// peaks; set below 1.0 to permit merging across a shared "bridge".
	DefaultLobeMergeRatio = 1.0
)

// Segmenter turns per-voxel SH coefficients into an ordered set of fibre
// lobes. It is safe for concurrent use by multiple goroutines: all fields
// are read-only after construction.
type Segmenter struct {
	dirs      *direction.Set
	lmax      int
	transform *sh.Transform

	MaxNumFixels       int
	IntegralThreshold  float64
	PeakValueThreshold float64
	LobeMergeRatio     float64
	CalculateLSQDir    bool

	// GenerateNullLobes appends one extra zero-integral lobe per voxel
	// covering every direction not claimed by a retained positive lobe,
	// per spec.md's "positive lobes only are retained unless explicitly
	// generating null lobes". Off by default.
	GenerateNullLobes bool
}

// NewSegmenter builds a segmenter over the given direction set and maximum
// SH degree, with the reference implementation's default thresholds.
func NewSegmenter(dirs *direction.Set, lmax int) *Segmenter {
	sample := make([]r3.Vec, dirs.Size())
	for i := 0; i < dirs.Size(); i++ {
		sample[i] = dirs.Direction(i)
	}
	return &Segmenter{
		dirs:               dirs,
		lmax:               lmax,
		transform:          sh.NewTransform(sample, lmax),
		IntegralThreshold:  DefaultIntegralThreshold,
		PeakValueThreshold: DefaultPeakValueThreshold,
		LobeMergeRatio:     DefaultLobeMergeRatio,
	}
}

// Lobes is the result of segmenting one voxel: the ordered list of
// surviving lobes (sorted by descending integral) plus a dense
// direction-index to lobe-index lookup table.
type Lobes struct {
	List   []*Lobe
	Lookup []int // len == dirs.Size(); value is lobe index or NoLobe
}

// maskAdjacent reports whether dixel is adjacent to some direction already
// present in mask.
func maskAdjacent(dirs *direction.Set, mask []bool, dixel int) bool {
	for _, adj := range dirs.Adjacent(dixel) {
		if mask[adj] {
			return true
		}
	}
	return false
}

type amplitudeSample struct {
	value float64
	index int
}

// Segment maps one voxel's SH coefficients to an ordered sequence of
// positive fibre lobes. coefs must have length sh.NforL(lmax). A voxel
// whose l=0 (isotropic) term is non-positive or non-finite yields an empty
// result with no error, matching the reference implementation's
// fast-reject path.
func (s *Segmenter) Segment(coefs []float64) *Lobes {
	out := &Lobes{}
	if coefs[0] <= 0.0 || !isFinite(coefs[0]) {
		return out
	}

	values := s.transform.SH2A(coefs)

	samples := make([]amplitudeSample, len(values))
	for i, v := range values {
		samples[i] = amplitudeSample{v, i}
	}
	sort.SliceStable(samples, func(a, b int) bool {
		return math.Abs(samples[a].value) > math.Abs(samples[b].value)
	})

	if len(samples) == 0 || samples[0].value <= 0.0 {
		return out
	}

	var lobes []*Lobe

	canAdd := func(amplitude float64, dixel, lobeIdx int) bool {
		signMatches := (amplitude <= 0.0 && lobes[lobeIdx].negative) || (amplitude > 0.0 && !lobes[lobeIdx].negative)
		return signMatches && maskAdjacent(s.dirs, lobes[lobeIdx].mask, dixel)
	}

	var retrospective []int

	for _, sample := range samples {
		var adj []int
		for l := range lobes {
			if canAdd(sample.value, sample.index, l) {
				adj = append(adj, l)
			}
		}

		switch {
		case len(adj) == 0:
			lobes = append(lobes, newLobe(s.dirs, sample.index, sample.value, s.dirs.Weight(sample.index)))

		case len(adj) == 1:
			lobes[adj[0]].add(s.dirs, sample.index, sample.value, s.dirs.Weight(sample.index))

		case math.Abs(sample.value)/lobes[adj[len(adj)-1]].maxPeakValue > s.LobeMergeRatio:
			for j := 1; j < len(adj); j++ {
				lobes[adj[0]].merge(lobes[adj[j]])
			}
			lobes[adj[0]].add(s.dirs, sample.index, sample.value, s.dirs.Weight(sample.index))
			for j := len(adj) - 1; j >= 1; j-- {
				lobes = append(lobes[:adj[j]], lobes[adj[j]+1:]...)
			}

		default:
			retrospective = append(retrospective, sample.index)
		}
	}

	// Dixels adjacent to multiple lobes during the main pass are assigned
	// afterwards, by maximal adjacent amplitude, so the assignment order
	// doesn't itself bias segmentation (produces a stable "seam" between
	// touching lobes).
	for _, i := range retrospective {
		amplitude := values[i]
		maxAbsAdj := 0.0
		chosen := -1
		for l := range lobes {
			if !canAdd(amplitude, i, l) {
				continue
			}
			absAdj := 0.0
			for _, d := range s.dirs.Adjacent(i) {
				if v := math.Abs(lobes[l].values[d]); v > absAdj {
					absAdj = v
				}
			}
			if absAdj > maxAbsAdj {
				maxAbsAdj = absAdj
				chosen = l
			}
		}
		if chosen >= 0 {
			lobes[chosen].add(s.dirs, i, amplitude, s.dirs.Weight(i))
		}
	}

	var kept []*Lobe
	for _, l := range lobes {
		if l.negative || l.integral < s.IntegralThreshold {
			continue
		}
		s.refinePeaks(l, coefs)
		if l.maxPeakValue < s.PeakValueThreshold {
			continue
		}
		l.finalise()
		kept = append(kept, l)
	}

	sort.SliceStable(kept, func(a, b int) bool { return kept[a].integral > kept[b].integral })

	if s.MaxNumFixels > 0 && len(kept) > s.MaxNumFixels {
		kept = kept[:s.MaxNumFixels]
	}

	if s.GenerateNullLobes {
		unassigned := make([]bool, s.dirs.Size())
		for i := range unassigned {
			unassigned[i] = true
		}
		for _, l := range kept {
			for d, present := range l.mask {
				if present {
					unassigned[d] = false
				}
			}
		}
		kept = append(kept, newNullLobe(unassigned))
	}

	if s.CalculateLSQDir {
		for _, l := range kept {
			if l.NumPeaks() == 0 {
				continue // the null lobe has no peak to refine
			}
			s.computeLSQDir(l)
		}
	}

	out.List = kept
	out.Lookup = buildLookup(s.dirs.Size(), kept)
	return out
}

// refinePeaks runs Newton optimisation on each of a lobe's peaks, replacing
// the stored peak only when the refined estimate remains identifiable with
// the same original peak and stays within the lobe's dixel mask.
func (s *Segmenter) refinePeaks(l *Lobe, coefs []float64) {
	for peakIdx := 0; peakIdx < l.NumPeaks(); peakIdx++ {
		original := l.peakDirs[peakIdx]
		refined, value, ok := sh.NewtonPeak(coefs, original, s.lmax)
		if !ok || !isFinite(value) {
			continue
		}

		maxDP, nearest := 0.0, l.NumPeaks()
		for j := 0; j < l.NumPeaks(); j++ {
			dp := math.Abs(r3.Dot(refined, l.peakDirs[j]))
			if dp > maxDP {
				maxDP, nearest = dp, j
			}
		}
		if nearest != peakIdx {
			continue
		}

		closest := s.dirs.Assign(refined)
		if !l.mask[closest] {
			continue
		}
		l.revisePeak(peakIdx, refined, value)
	}
}

func buildLookup(n int, lobes []*Lobe) []int {
	lut := make([]int, n)
	for i := range lut {
		lut[i] = NoLobe
	}
	for li, l := range lobes {
		for d, present := range l.mask {
			if present {
				lut[d] = li
			}
		}
	}
	return lut
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
