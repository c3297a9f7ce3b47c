// Package seed implements the dynamic seeder (C7): a specialisation of the
// fixel-streamline model that exposes GetSeed, biasing seed selection
// towards fixels whose current reconstruction is most deficient relative
// to their fibre density. Grounded on
// original_source/src/dwi/tractography/seeding/dynamic.{h,cpp}.
package seed

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/fixel"
	"github.com/dwimodel/tractosift/internal/imgio"
)

// initialTDSum prevents a divide-by-zero at the very start of tracking,
// matching DYNAMIC_SEED_INITIAL_TD_SUM in dynamic.h.
const initialTDSum = 1e-6

// initialProb is the starting cumulative seed probability assigned to
// every fixel, matching DYNAMIC_SEED_INITIAL_PROB.
const initialProb = 1e-3

// maskThreshold excludes small/unreliable fixels from probability updates
// (fd*weight below this is masked, matching perform_fixel_masking).
const maskThreshold = 0.1

// fixelState is the per-fixel mutable state of the dynamic seeder: an
// atomic track-density accumulator plus the probability bookkeeping
// (old/applied probability, the track count it was last updated at, and
// how many seeds have been drawn from it), all guarded by a lock-free
// spin latch rather than a mutex (spec.md §4.7/§9).
type fixelState struct {
	td      atomic.Uint64 // float64 bits, compare-exchange updated
	latch   atomic.Bool   // true while a goroutine holds the read-modify-write
	masked  bool          // excluded from probability updates (small/noisy fixel)
	voxel   fixel.VoxelIndex

	oldProb              float64
	appliedProb          float64
	trackCountAtLastUpdate uint64
	seedCount             uint64
}

func (f *fixelState) lock() {
	for !f.latch.CompareAndSwap(false, true) {
		// spin; contention is bounded because fixel selection is uniform
		// random across a large fixel population (spec.md §5).
	}
}

func (f *fixelState) unlock() { f.latch.Store(false) }

func (f *fixelState) loadTD() float64 {
	return math.Float64frombits(f.td.Load())
}

func (f *fixelState) addTD(delta float64) {
	for {
		old := f.td.Load()
		oldF := math.Float64frombits(old)
		newF := oldF + delta
		if f.td.CompareAndSwap(old, math.Float64bits(newF)) {
			return
		}
	}
}

// ACT is the optional 5TT-derived admissibility check for a candidate seed
// point, mirroring Dynamic_ACT_additions::check_seed: CSF is rejected,
// white-matter-dominant points are accepted outright, and anything else is
// referred to an interface-snapping finder.
type ACT interface {
	// CheckSeed inspects (and may relocate, e.g. snapping to the GM/WM
	// interface) a candidate scanner-space point. It returns the
	// (possibly adjusted) point and whether it is an admissible seed.
	CheckSeed(p r3.Vec) (r3.Vec, bool)
}

// Dynamic extends a fixel dataset with the atomic per-fixel state and
// global counters the dynamic seeder needs to answer GetSeed while
// tracking is concurrently feeding back mapped streamlines through
// operator()-equivalent Update calls.
type Dynamic struct {
	Dataset *fixel.Dataset

	states []*fixelState

	fdSum float64 // Sigma FD_i * w_i, constant after construction

	targetTrackCount uint64
	trackCount       atomic.Uint64
	attempts         atomic.Uint64
	seeds            atomic.Uint64

	act ACT

	randMu sync.Mutex
	rng    *rand.Rand
}

// New builds a Dynamic seeder over ds, targeting targetTrackCount total
// accepted streamlines. voxelOf must return the owning voxel for fixel
// index i (callers typically derive this during FMLS segmentation,
// mirroring Dynamic::operator()'s set_voxel call).
func New(ds *fixel.Dataset, targetTrackCount uint64, voxelOf func(fixelIdx int) fixel.VoxelIndex, act ACT, rng *rand.Rand) *Dynamic {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	d := &Dynamic{
		Dataset:          ds,
		states:           make([]*fixelState, ds.NumFixels()),
		targetTrackCount: targetTrackCount,
		act:              act,
		rng:              rng,
	}
	for i := range d.states {
		st := &fixelState{
			oldProb:     initialProb,
			appliedProb: initialProb,
			voxel:       voxelOf(i),
			masked:      ds.FD[i]*ds.Weight[i] < maskThreshold,
		}
		d.states[i] = st
		d.fdSum += ds.FD[i] * ds.Weight[i]
	}
	return d
}

// Mu returns the aggregate proportionality coefficient, using the atomic
// TD accumulators rather than Dataset.TD (which this seeder does not
// mutate).
func (d *Dynamic) Mu() float64 {
	tdSum := initialTDSum
	for i, st := range d.states {
		tdSum += st.loadTD() * d.Dataset.Weight[i]
	}
	return d.fdSum / tdSum
}

// Attempts and Seeds report the cumulative sampling statistics: the number
// of fixel draws made by GetSeed calls that returned a seed, and the number
// of seeds returned.
func (d *Dynamic) Attempts() uint64 { return d.attempts.Load() }
func (d *Dynamic) Seeds() uint64    { return d.seeds.Load() }

// Update applies one streamline's mapped contribution to the atomic TD
// accumulators and advances the global track count. It returns false once
// the target track count has been reached, signalling the caller's
// streamline generator to wind down (spec.md §4.7 termination).
func (d *Dynamic) Update(contrib []fixel.Contribution) bool {
	if len(contrib) > 0 {
		if d.trackCount.Add(1) >= d.targetTrackCount {
			return false
		}
	}
	for _, c := range contrib {
		d.states[c.FixelIndex].addTD(c.Length)
	}
	return true
}

// cumulativeProb returns the fixel's damped cumulative probability given
// the current global track count, and advances its bookkeeping, matching
// Fixel_TD_seed::get_cumulative_prob exactly (a blend of the probability
// in force since the last update and the probability applied most
// recently, weighted by how many tracks elapsed under each).
func (st *fixelState) cumulativeProb(trackCount uint64) float64 {
	st.lock()
	defer st.unlock()
	prob := st.oldProb
	if trackCount > st.trackCountAtLastUpdate {
		elapsedOld := float64(st.trackCountAtLastUpdate)
		elapsedNew := float64(trackCount - st.trackCountAtLastUpdate)
		prob = (elapsedOld*st.oldProb + elapsedNew*st.appliedProb) / float64(trackCount)
		st.oldProb = prob
		st.trackCountAtLastUpdate = trackCount
	}
	return prob
}

func (st *fixelState) updateProb(newProb float64, seedDrawn bool) {
	st.lock()
	st.appliedProb = newProb
	if seedDrawn {
		st.seedCount++
	}
	st.unlock()
}

// GetSeed draws one seed location and direction, implementing the
// ratio/forced-seed/damping probability formula of spec.md §4.7 exactly as
// Dynamic::get_seed does: pick a fixel uniformly at random, derive its
// current acceptance probability, accept or retry.
func (d *Dynamic) GetSeed() (pos, dir r3.Vec, ok bool) {
	if len(d.states) == 0 {
		return r3.Vec{}, r3.Vec{}, false
	}
	var thisAttempts uint64
	for {
		thisAttempts++
		fixelIdx := d.uniformFixel()
		st := d.states[fixelIdx]

		var seedProb float64
		if !st.masked {
			ratio := d.ratio(fixelIdx)
			forceSeed := st.loadTD() == 0
			currentTrackCount := d.trackCount.Load()
			cumulative := st.cumulativeProb(currentTrackCount)
			if forceSeed {
				seedProb = 1.0
			} else {
				seedProb = cumulative
				if ratio >= 1.0 {
					seedProb = 0
				} else {
					target := d.targetTrackCount
					sz := 2 * currentTrackCount
					if target < sz {
						sz = target
					}
					denom := ratio * (float64(sz) - float64(currentTrackCount))
					if denom == 0 {
						seedProb = 0
					} else {
						seedProb = cumulative * (float64(sz) - float64(currentTrackCount)*ratio) / denom
					}
					seedProb = clamp01(seedProb)
				}
			}
		} else {
			st.lock()
			seedProb = st.oldProb
			st.unlock()
		}

		if seedProb > d.uniformFloat() {
			p := d.drawSubVoxelPosition(st.voxel)
			goodSeed := true
			if d.act != nil {
				var admitted bool
				p, admitted = d.act.CheckSeed(p)
				if admitted {
					v, _ := d.Dataset.VoxelAt(p)
					goodSeed = v == st.voxel
				} else {
					goodSeed = false
				}
			}
			if goodSeed {
				d.attempts.Add(thisAttempts)
				d.seeds.Add(1)
				st.updateProb(seedProb, true)
				return p, d.Dataset.Direction[fixelIdx], true
			}
		}
		st.updateProb(seedProb, false)
	}
}

// DumpState writes the current per-fixel seed probability and
// density-reconstruction ratio to dir as fixel data files, matching
// dynamic.cpp's output_fixel_images debug dump (called by the original at
// the midpoint and end of tracking, under the names mid_seed_probs and
// final_seed_probs; callers here choose the directory to get the same
// effect). The files use imgio.WriteFixelData's scalar format (not the main
// dataset's WriteFixelFile format) and the main dataset's fixel-index
// ordering, so they can be paired with the same index/directions files for
// visualisation.
func (d *Dynamic) DumpState(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("seed: creating dump directory %q: %w", dir, err)
	}
	trackCount := d.trackCount.Load()
	probs := make([]float64, len(d.states))
	ratios := make([]float64, len(d.states))
	for i, st := range d.states {
		probs[i] = st.cumulativeProb(trackCount)
		ratios[i] = d.ratio(i)
	}
	if err := writeFixelDataFile(filepath.Join(dir, "seed_probs.tsfv"), probs); err != nil {
		return err
	}
	if err := writeFixelDataFile(filepath.Join(dir, "seed_ratios.tsfv"), ratios); err != nil {
		return err
	}
	return nil
}

func writeFixelDataFile(path string, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("seed: creating %q: %w", path, err)
	}
	defer f.Close()
	if err := imgio.WriteFixelData(f, values); err != nil {
		return fmt.Errorf("seed: writing %q: %w", path, err)
	}
	return nil
}

func (d *Dynamic) ratio(fixelIdx int) float64 {
	fd := d.Dataset.FD[fixelIdx]
	if fd == 0 {
		return math.Inf(1)
	}
	return d.Mu() * d.states[fixelIdx].loadTD() / fd
}

func (d *Dynamic) uniformFixel() int {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.rng.Intn(len(d.states))
}

func (d *Dynamic) uniformFloat() float64 {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.rng.Float64()
}

func (d *Dynamic) drawSubVoxelPosition(v fixel.VoxelIndex) r3.Vec {
	d.randMu.Lock()
	dx, dy, dz := d.rng.Float64()-0.5, d.rng.Float64()-0.5, d.rng.Float64()-0.5
	d.randMu.Unlock()
	size := d.Dataset.VoxelSize()
	origin := d.Dataset.Origin()
	return r3.Vec{
		X: origin.X + (float64(v.X)+0.5+dx)*size.X,
		Y: origin.Y + (float64(v.Y)+0.5+dy)*size.Y,
		Z: origin.Z + (float64(v.Z)+0.5+dz)*size.Z,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
