// Package fixel owns the per-fixel columnar model: fibre density, track
// density, model weight and the auxiliary state SIFT, SIFT2 and the
// dynamic seeder layer on top of it. It is the shared data structure
// described by spec.md's fixel-streamline mapping model, grounded on
// MRtrix3's SIFT::ModelBase and, for its struct-of-arrays layout and
// thread-safe mutation idiom, on the teacher's Cell/InMAPdata columns.
package fixel

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/sparse"
)

// VoxelIndex locates a fixel's owning voxel in image space.
type VoxelIndex struct {
	X, Y, Z int
}

// voxelEntry is the "(first_fixel_index, count)" record plus the
// per-direction lookup table spec.md describes for each voxel. A typical
// voxel resolves only a handful of fixels out of the few hundred to few
// thousand sampled directions in |D|, so the lookup is backed by a sparse
// array keyed by direction index rather than a dense slice: stored value
// is (lobe offset + 1), so an absent (default-zero) entry means "no
// lobe", matching sparse.SparseArray's zero-valued-by-default semantics.
type voxelEntry struct {
	first  int
	count  int
	lookup *sparse.SparseArray // len == |D|; Get(i) == 0 means NoLobe, else offset = Get(i)-1
}

// NoLobe mirrors fmls.NoLobe; duplicated here (rather than imported) to
// keep this package's on-disk lookup encoding independent of the
// segmenter's in-memory sentinel value.
const NoLobe = -1

// Dataset is the per-fixel columnar model: the "(fd, td, count, weight,
// ...)" table of spec.md §3, addressed either by a dense fixel index or by
// (voxel, direction) pair via the voxel lookup table.
type Dataset struct {
	mu sync.Mutex // guards td/count mutation during serial-commit mapping

	Direction []r3.Vec // one direction per fixel (nearest D member)

	FD       []float64 // fibre density, constant after construction
	TD       []float64 // track density, mutates during mapping
	Count    []int32   // streamline count, mutates during mapping
	Weight   []float64 // model weight in [0,1], constant after init
	Excluded []bool    // SIFT2 pre-processing exclusion latch

	voxels    map[VoxelIndex]*voxelEntry
	voxelSize r3.Vec // edge lengths of one voxel, scanner-space units
	origin    r3.Vec

	index *rtree.Rtree // bounding-box spatial index over populated voxels
}

// VoxelSize returns the voxel edge lengths in scanner-space units.
func (d *Dataset) VoxelSize() r3.Vec { return d.voxelSize }

// Origin returns the scanner-space coordinate of the (0,0,0) voxel's
// minimum corner.
func (d *Dataset) Origin() r3.Vec { return d.origin }

// VoxelVolume returns the volume of a single voxel.
func (d *Dataset) VoxelVolume() float64 {
	return d.voxelSize.X * d.voxelSize.Y * d.voxelSize.Z
}

// NumFixels returns the total number of fixels across all voxels.
func (d *Dataset) NumFixels() int { return len(d.FD) }

// VoxelSegmentation is one voxel's FMLS segmentation as passed to AddVoxel:
// its lobes and the direction-to-lobe lookup table.
type VoxelSegmentation struct {
	Voxel  VoxelIndex
	Lobes  []LobeSummary
	Lookup []int // len == |D|, index into Lobes or NoLobe
}

// LobeSummary is the subset of an fmls.Lobe the fixel dataset needs to
// retain: direction and integral (fibre density).
type LobeSummary struct {
	Direction r3.Vec
	Integral  float64
}

// NewDataset builds an empty dataset over the given voxel geometry.
func NewDataset(voxelSize, origin r3.Vec) *Dataset {
	return &Dataset{
		voxels:    make(map[VoxelIndex]*voxelEntry),
		voxelSize: voxelSize,
		origin:    origin,
	}
}

// AddVoxel appends one voxel's fixels to the dataset. Voxels must be added
// at most once each; directionCount is the size of the shared direction
// set |D|, used to size the per-voxel lookup table.
func (d *Dataset) AddVoxel(seg VoxelSegmentation, directionCount int) error {
	if _, exists := d.voxels[seg.Voxel]; exists {
		return fmt.Errorf("fixel: voxel %+v already populated", seg.Voxel)
	}
	first := len(d.FD)
	for _, l := range seg.Lobes {
		d.Direction = append(d.Direction, l.Direction)
		d.FD = append(d.FD, l.Integral)
		d.TD = append(d.TD, 0)
		d.Count = append(d.Count, 0)
		d.Weight = append(d.Weight, 1.0)
		d.Excluded = append(d.Excluded, false)
	}
	lut := sparse.ZerosSparse(directionCount)
	for i, v := range seg.Lookup {
		if v != NoLobe {
			lut.Set(float64(v+1), i)
		}
	}
	d.voxels[seg.Voxel] = &voxelEntry{first: first, count: len(seg.Lobes), lookup: lut}
	return nil
}

// Build finalises the dataset's spatial index; call once after every voxel
// has been added via AddVoxel. The index is keyed on each voxel's (X,Y)
// footprint, matching the teacher's per-layer rtree convention
// (neighbors.go queries a 2-D rtree and filters by layer/Z explicitly);
// VoxelsNear filters candidate voxels by Z after the 2-D intersect.
func (d *Dataset) Build() {
	d.index = rtree.NewTree(25, 50)
	for v := range d.voxels {
		d.index.Insert(voxelBounds{idx: v, bounds: d.xyBounds(v)})
	}
}

type voxelBounds struct {
	idx    VoxelIndex
	bounds *geom.Bounds
}

func (b voxelBounds) Bounds() *geom.Bounds { return b.bounds }

func (d *Dataset) xyBounds(v VoxelIndex) *geom.Bounds {
	minX := d.origin.X + float64(v.X)*d.voxelSize.X
	minY := d.origin.Y + float64(v.Y)*d.voxelSize.Y
	return &geom.Bounds{
		Min: geom.Point{X: minX, Y: minY},
		Max: geom.Point{X: minX + d.voxelSize.X, Y: minY + d.voxelSize.Y},
	}
}

// VoxelsNear returns every populated voxel whose (X,Y) footprint
// intersects the axis-aligned box [loX,hiX] x [loY,hiY], at the given Z
// layer. The streamline mapper does not use it; it locates voxels with
// VoxelAt.
func (d *Dataset) VoxelsNear(loX, loY, hiX, hiY float64, z int) []VoxelIndex {
	box := &geom.Bounds{Min: geom.Point{X: loX, Y: loY}, Max: geom.Point{X: hiX, Y: hiY}}
	var out []VoxelIndex
	for _, r := range d.index.SearchIntersect(box) {
		vb := r.(voxelBounds)
		if vb.idx.Z == z {
			out = append(out, vb.idx)
		}
	}
	return out
}

// VoxelAt locates the voxel index containing a scanner-space point, and
// whether that voxel is populated in the dataset.
func (d *Dataset) VoxelAt(p r3.Vec) (VoxelIndex, bool) {
	idx := VoxelIndex{
		X: int(math.Floor((p.X - d.origin.X) / d.voxelSize.X)),
		Y: int(math.Floor((p.Y - d.origin.Y) / d.voxelSize.Y)),
		Z: int(math.Floor((p.Z - d.origin.Z) / d.voxelSize.Z)),
	}
	_, ok := d.voxels[idx]
	return idx, ok
}

// FixelAt returns the fixel index containing direction dirIdx within voxel
// v, or (0, false) if the voxel is unpopulated or that direction maps to no
// lobe there.
func (d *Dataset) FixelAt(v VoxelIndex, dirIdx int) (int, bool) {
	ve, ok := d.voxels[v]
	if !ok {
		return 0, false
	}
	stored := ve.lookup.Get(dirIdx)
	if stored == 0 {
		return 0, false
	}
	return ve.first + int(stored) - 1, true
}

// Mu returns the aggregate proportionality coefficient μ = ΣFD·w / ΣTD·w.
func (d *Dataset) Mu() float64 {
	var num, den float64
	for i := range d.FD {
		if d.Excluded[i] {
			continue
		}
		num += d.FD[i] * d.Weight[i]
		den += d.TD[i] * d.Weight[i]
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// AccumulateContribution adds one streamline's (fixel, length) touches to
// td/count. It serialises per-dataset via an internal mutex (spec.md's
// "serial commit" regime); callers needing the lock-free compare-exchange
// regime for dynamic seeding use seed.Dynamic instead.
func (d *Dataset) AccumulateContribution(contrib []Contribution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range contrib {
		d.TD[c.FixelIndex] += c.Length
		d.Count[c.FixelIndex]++
	}
}

// RemoveContribution reverses AccumulateContribution, used by SIFT when a
// streamline is filtered out.
func (d *Dataset) RemoveContribution(contrib []Contribution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range contrib {
		d.TD[c.FixelIndex] -= c.Length
		d.Count[c.FixelIndex]--
	}
}

// Contribution is one streamline's touch of a fixel: the fixel it passed
// through and the length of its sub-segments classified into it.
type Contribution struct {
	FixelIndex int
	Length     float64
}
