package sift

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/fixel"
)

// buildRedundantDataset builds spec.md §8 scenario S1: n streamlines all
// mapping to a single fixel with fd=1, each contributing td=1, so the
// fixel starts over-reconstructed by a factor of n.
func buildRedundantDataset(t *testing.T, n int) (*fixel.Dataset, []*Contribution) {
	t.Helper()
	ds := fixel.NewDataset(r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{})
	if err := ds.AddVoxel(fixel.VoxelSegmentation{
		Voxel:  fixel.VoxelIndex{X: 0},
		Lobes:  []fixel.LobeSummary{{Direction: r3.Vec{X: 1}, Integral: 1.0}},
		Lookup: []int{0},
	}, 1); err != nil {
		t.Fatalf("AddVoxel: %v", err)
	}
	ds.Build()

	contributions := make([]*Contribution, n)
	for i := 0; i < n; i++ {
		touches := []fixel.Contribution{{FixelIndex: 0, Length: 1.0}}
		c := NewContribution(ds, touches, 1.0)
		contributions[i] = &c
		ds.AccumulateContribution(touches)
	}
	return ds, contributions
}

func TestRunRemovesDownToTermNumber(t *testing.T) {
	const n = 6
	ds, contributions := buildRedundantDataset(t, n)
	filter := NewFilter(ds, contributions, Config{TermNumber: 2, TermNumberSet: true})

	result, err := filter.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if filter.NumRemaining() != 2 {
		t.Fatalf("NumRemaining() = %d, want 2", filter.NumRemaining())
	}
	if result.TerminationInfo != TermCount {
		t.Fatalf("TerminationInfo = %v, want TermCount", result.TerminationInfo)
	}
	if result.RemovedTotal != n-2 {
		t.Fatalf("RemovedTotal = %d, want %d", result.RemovedTotal, n-2)
	}
}

func TestRunConvergesWithoutTermination(t *testing.T) {
	const n = 4
	ds, contributions := buildRedundantDataset(t, n)
	filter := NewFilter(ds, contributions, Config{})

	result, err := filter.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if filter.NumRemaining() < 1 {
		t.Fatalf("NumRemaining() = %d, want at least 1 (removing the last streamline is never an improvement)", filter.NumRemaining())
	}
	if result.TerminationInfo != PositiveGradient {
		t.Fatalf("TerminationInfo = %v, want PositiveGradient (natural convergence)", result.TerminationInfo)
	}
}

func TestMuApproachesFDOverTD(t *testing.T) {
	ds, contributions := buildRedundantDataset(t, 3)
	filter := NewFilter(ds, contributions, Config{})
	want := ds.TotalFDWeighted() / ds.TotalTDWeighted()
	if got := filter.Mu(); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Mu() = %v, want %v", got, want)
	}
}

func TestCostFunctionDecreasesMonotonically(t *testing.T) {
	ds, contributions := buildRedundantDataset(t, 8)
	filter := NewFilter(ds, contributions, Config{})
	result, err := filter.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	for i := 1; i < len(result.CostHistory); i++ {
		if result.CostHistory[i] > result.CostHistory[i-1]+1e-9 {
			t.Fatalf("cost increased at iteration %d: %v -> %v", i, result.CostHistory[i-1], result.CostHistory[i])
		}
	}
}

func TestOnIntermediateFiresOnceAtEachConfiguredCount(t *testing.T) {
	const n = 8
	ds, contributions := buildRedundantDataset(t, n)

	var fired []int
	filter := NewFilter(ds, contributions, Config{
		OutputAtCounts: []int{6, 4, 4}, // duplicate target must still fire once
		OnIntermediate: func(remaining int, _ []*Contribution) {
			fired = append(fired, remaining)
		},
	})
	if _, err := filter.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("OnIntermediate fired %d times, want 2 (one per distinct threshold): %v", len(fired), fired)
	}
}

func TestWriteCSVEmitsFullColumnSet(t *testing.T) {
	ds, contributions := buildRedundantDataset(t, 4)
	filter := NewFilter(ds, contributions, Config{})
	result, err := filter.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var buf bytes.Buffer
	if err := filter.WriteCSV(&buf, result); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	wantHeader := "Iteration,Removed this iteration,Total removed,Remaining,Cost,TD,Mu,Recalculation"
	if lines[0] != wantHeader {
		t.Fatalf("header = %q, want %q", lines[0], wantHeader)
	}
	if len(lines) != len(result.Records)+1 {
		t.Fatalf("wrote %d rows, want %d (one per iteration record)", len(lines)-1, len(result.Records))
	}
}
