// Package pipeline wires the core packages together into the two
// end-to-end operations the command-line programs need: turning a raw FOD
// image into a fixel dataset, and mapping a whole tractogram against one.
// It is intentionally thin — each step it calls is implemented and tested
// in its own package; this is just the assembly the teacher's cmd/*
// programs do inline in main().
package pipeline

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/dwimodel/tractosift/direction"
	"github.com/dwimodel/tractosift/fixel"
	"github.com/dwimodel/tractosift/fmls"
	"github.com/dwimodel/tractosift/internal/imgio"
	"github.com/dwimodel/tractosift/mapping"
	"github.com/dwimodel/tractosift/track"
)

// SegmentFODImage runs FMLS segmentation over every voxel of img in
// parallel (grounded on sift.Filter's worker-pool-over-index-range
// idiom: goroutines stride across the voxel range, each computing an
// independent Lobes result, with AddVoxel committed back serially since
// Dataset's voxel map is not safe for concurrent writes).
func SegmentFODImage(img *imgio.FODImage, seg *fmls.Segmenter, dirs *direction.Set) (*fixel.Dataset, error) {
	n := img.NumVoxels()
	coefs := make([][]float64, n)
	for i := 0; i < n; i++ {
		c, err := img.Next()
		if err != nil {
			return nil, fmt.Errorf("pipeline: reading voxel %d: %w", i, err)
		}
		coefs[i] = c
	}

	lobes := make([]*fmls.Lobes, n)
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += workers {
				lobes[i] = seg.Segment(coefs[i])
			}
		}(w)
	}
	wg.Wait()

	ds := fixel.NewDataset(img.VoxelSize, img.Origin)
	for i := 0; i < n; i++ {
		if len(lobes[i].List) == 0 {
			continue
		}
		vseg := fixel.VoxelSegmentation{
			Voxel:  img.VoxelIndex(i),
			Lobes:  make([]fixel.LobeSummary, len(lobes[i].List)),
			Lookup: lobes[i].Lookup,
		}
		for j, l := range lobes[i].List {
			dir := l.MeanDir()
			if l.NumPeaks() > 0 {
				dir = l.PeakDir(0)
			}
			vseg.Lobes[j] = fixel.LobeSummary{Direction: dir, Integral: l.Integral()}
		}
		if err := ds.AddVoxel(vseg, dirs.Size()); err != nil {
			return nil, err
		}
	}
	ds.Build()
	return ds, nil
}

// MappedStreamline is one streamline's mapped contribution plus its
// index in the source track file, the unit of work MapTractogram hands
// to its per-streamline consumer.
type MappedStreamline struct {
	Index   int
	Touches []fixel.Contribution
	Length  float64
}

// MapTractogram streams every streamline from r through m.Map and invokes
// consume with each result in file order. Mapping itself is pure and
// read-only with respect to the dataset, so a future caller wanting
// parallel mapping can fan this out; today's callers (tcksift, tcksift2)
// need the per-streamline order preserved for their own Contribution
// slices, so this stays sequential.
func MapTractogram(m *mapping.Mapper, r track.Reader, consume func(MappedStreamline) error) error {
	return m.MapAll(r, func(index int, contrib []fixel.Contribution, length float64) error {
		return consume(MappedStreamline{Index: index, Touches: contrib, Length: length})
	})
}

// CountStreamlines returns the "count" property recorded in a track
// file's header, or 0 if absent/unparseable. Neither command calls it.
func CountStreamlines(props track.Properties) int {
	s, ok := props["count"]
	if !ok {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0
	}
	return n
}
