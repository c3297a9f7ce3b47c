package sift2

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/fixel"
)

// buildHomogeneousDataset builds spec.md §8 scenario S3: n identical
// fixels with fd=1, weight=1, one per voxel, with n streamlines each of
// length 1 mapping entirely to a distinct fixel.
func buildHomogeneousDataset(t *testing.T, n int) (*fixel.Dataset, []Contribution) {
	t.Helper()
	ds := fixel.NewDataset(r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{})
	for i := 0; i < n; i++ {
		if err := ds.AddVoxel(fixel.VoxelSegmentation{
			Voxel:  fixel.VoxelIndex{X: i, Y: 0, Z: 0},
			Lobes:  []fixel.LobeSummary{{Direction: r3.Vec{X: 1}, Integral: 1.0}},
			Lookup: []int{0},
		}, 1); err != nil {
			t.Fatalf("AddVoxel: %v", err)
		}
	}
	ds.Build()
	contributions := make([]Contribution, n)
	for i := 0; i < n; i++ {
		contributions[i] = Contribution{
			Touches: []fixel.Contribution{{FixelIndex: i, Length: 1.0}},
			Length:  1.0,
		}
	}
	return ds, contributions
}

func TestLinearModeHomogeneousMap(t *testing.T) {
	const n = 8
	ds, contributions := buildHomogeneousDataset(t, n)
	cfg := DefaultConfig()
	o := New(ds, contributions, cfg)

	if mu := o.Mu(); math.Abs(mu-1.0) > 1e-12 {
		t.Fatalf("Mu() = %v, want 1.0", mu)
	}

	o.RunLinear()
	for s := range o.Coeffs {
		got := math.Exp(o.Coeffs[s])
		if math.Abs(got-1.0) > 1e-9 {
			t.Fatalf("streamline %d: exp(c_s) = %v, want 1.0", s, got)
		}
	}

	wantEntropy := math.Log(float64(n))
	if e := o.Entropy(); math.Abs(e-wantEntropy) > 1e-9 {
		t.Fatalf("Entropy() = %v, want %v", e, wantEntropy)
	}
}

func TestUnitConversionMM2EqualsAFDPerMMTimesVolume(t *testing.T) {
	const n = 4
	ds, contributions := buildHomogeneousDataset(t, n)

	cfgAFD := DefaultConfig()
	cfgAFD.Units = UnitsAFDPerMM
	oAFD := New(ds, contributions, cfgAFD)
	oAFD.RunLinear()

	ds2, contributions2 := buildHomogeneousDataset(t, n)
	cfgMM2 := DefaultConfig()
	cfgMM2.Units = UnitsMM2
	oMM2 := New(ds2, contributions2, cfgMM2)
	oMM2.RunLinear()

	v := ds.VoxelVolume()
	for s := 0; s < n; s++ {
		want := oAFD.Weight(s) * v
		got := oMM2.Weight(s)
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("streamline %d: mm2 weight %v, want AFD/mm weight * V = %v", s, got, want)
		}
	}
}

func TestNonlinearFixedPointAtZeroStepBudget(t *testing.T) {
	const n = 5
	ds, contributions := buildHomogeneousDataset(t, n)
	cfg := DefaultConfig()
	cfg.MaxCoeffStep = 0
	cfg.MinIters = 1
	cfg.MaxIters = 3
	o := New(ds, contributions, cfg)

	before := make([]float64, n)
	copy(before, o.Coeffs)

	o.Run()

	for s := range o.Coeffs {
		if o.Coeffs[s] != before[s] {
			t.Fatalf("streamline %d: coefficient changed from %v to %v despite zero step budget", s, before[s], o.Coeffs[s])
		}
	}
}

func TestConfigSearchOverridesDefaultLineSearch(t *testing.T) {
	const n = 3
	ds, contributions := buildHomogeneousDataset(t, n)
	cfg := DefaultConfig()
	cfg.MinIters, cfg.MaxIters = 1, 1
	cfg.MinCoeff = -0.5    // finite, and well inside a -10 step budget, so lo == MinCoeff exactly
	cfg.MaxCoeffStep = 10

	var calls int
	cfg.Search = func(f func(float64) float64, lo, hi float64) float64 {
		calls++
		return lo // always return the lower bound, unlike goldenSectionSearch
	}
	o := New(ds, contributions, cfg)
	o.Run()

	if calls == 0 {
		t.Fatal("Config.Search was never invoked; Run still used the package default")
	}
	for s, c := range o.Coeffs {
		if c != cfg.MinCoeff {
			t.Fatalf("streamline %d: coefficient = %v, want the configured lower bound %v", s, c, cfg.MinCoeff)
		}
	}
}

func TestExcludeLowDensityFixels(t *testing.T) {
	ds := fixel.NewDataset(r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{})
	if err := ds.AddVoxel(fixel.VoxelSegmentation{
		Voxel:  fixel.VoxelIndex{X: 0},
		Lobes:  []fixel.LobeSummary{{Direction: r3.Vec{X: 1}, Integral: 1.0}},
		Lookup: []int{0},
	}, 1); err != nil {
		t.Fatalf("AddVoxel: %v", err)
	}
	if err := ds.AddVoxel(fixel.VoxelSegmentation{
		Voxel:  fixel.VoxelIndex{X: 1},
		Lobes:  []fixel.LobeSummary{{Direction: r3.Vec{X: 1}, Integral: 1.0}},
		Lookup: []int{0},
	}, 1); err != nil {
		t.Fatalf("AddVoxel: %v", err)
	}
	ds.Build()

	contributions := []Contribution{
		{Touches: []fixel.Contribution{{FixelIndex: 0, Length: 1.0}}, Length: 1.0},
		{Touches: []fixel.Contribution{{FixelIndex: 1, Length: 0.01}}, Length: 0.01},
	}
	cfg := DefaultConfig()
	o := New(ds, contributions, cfg)
	excluded := o.ExcludeLowDensityFixels()
	if excluded != 1 {
		t.Fatalf("ExcludeLowDensityFixels() = %d, want 1", excluded)
	}
	if !ds.Excluded[1] {
		t.Fatalf("expected fixel 1 (the under-reconstructed one) to be excluded")
	}
	if ds.Excluded[0] {
		t.Fatalf("fixel 0 should not be excluded")
	}
	if len(o.Contributions[1].Touches) != 0 {
		t.Fatalf("streamline 1's touch of the excluded fixel should have been dropped")
	}
}
