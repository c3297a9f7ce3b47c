// Package mapping implements the precise streamline-to-fixel mapper (C3):
// converting a polyline in scanner space into a set of (fixel, length)
// contributions, by exact intersection of each segment with the voxel
// grid. Grounded on the traversal style of
// original_source/src/dwi/tractography/mapping/voxel.h (exact sub-segment
// lengths per voxel) and on the teacher's neighbors.go grid-walk idiom.
package mapping

import (
	"io"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/direction"
	"github.com/dwimodel/tractosift/fixel"
	"github.com/dwimodel/tractosift/track"
)

// DefaultMaxStepFraction is the largest allowed streamline step, as a
// fraction of the voxel edge, before a segment is subdivided into shorter
// straight sub-steps. It does not affect the geometric exactness of the
// voxel intersection itself (that is always exact), and it does not change
// the direction assignment: every sub-step of an input segment uses the
// single direction assigned to that segment's tangent.
const DefaultMaxStepFraction = 0.1

// Mapper converts streamlines into fixel contributions using a shared
// direction set and fixel dataset.
type Mapper struct {
	Dirs    *direction.Set
	Dataset *fixel.Dataset
}

// New builds a Mapper over the given direction set and fixel dataset.
func New(dirs *direction.Set, dataset *fixel.Dataset) *Mapper {
	return &Mapper{Dirs: dirs, Dataset: dataset}
}

// Map converts one streamline into an aggregated list of fixel
// contributions (at most one entry per distinct fixel touched) and the
// streamline's total length.
func (m *Mapper) Map(streamline []r3.Vec) ([]fixel.Contribution, float64) {
	if len(streamline) < 2 {
		return nil, 0
	}

	totals := make(map[int]float64)
	var totalLength float64

	for i := 1; i < len(streamline); i++ {
		p0, p1 := streamline[i-1], streamline[i]
		segVec := r3.Sub(p1, p0)
		segLen := r3.Norm(segVec)
		if segLen == 0 {
			continue
		}
		totalLength += segLen
		tangent := r3.Scale(1/segLen, segVec)

		// Subdivide long segments into straight sub-steps relative to the
		// voxel size; the direction index below is assigned once per input
		// segment and shared by all of its sub-steps.
		voxelEdge := minComponent(m.Dataset.VoxelSize())
		maxStep := DefaultMaxStepFraction * voxelEdge
		nSteps := 1
		if maxStep > 0 {
			nSteps = int(math.Ceil(segLen / maxStep))
			if nSteps < 1 {
				nSteps = 1
			}
		}

		dirIdx := m.Dirs.Assign(tangent)

		stepLen := segLen / float64(nSteps)
		a := p0
		for s := 0; s < nSteps; s++ {
			b := a
			if s == nSteps-1 {
				b = p1
			} else {
				b = r3.Add(p0, r3.Scale(float64(s+1)*stepLen, tangent))
			}
			m.walkSegment(a, b, dirIdx, totals)
			a = b
		}
	}

	contrib := make([]fixel.Contribution, 0, len(totals))
	for idx, length := range totals {
		contrib = append(contrib, fixel.Contribution{FixelIndex: idx, Length: length})
	}
	return contrib, totalLength
}

// MapAll reads every streamline from r in order, mapping each one and
// invoking consume with its contributions, total length, and zero-based
// index. Reading stops at the first error other than io.EOF, which is
// returned to the caller (nil on a clean end of stream).
func (m *Mapper) MapAll(r track.Reader, consume func(index int, contrib []fixel.Contribution, length float64) error) error {
	for i := 0; ; i++ {
		streamline, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		contrib, length := m.Map(streamline)
		if err := consume(i, contrib, length); err != nil {
			return err
		}
	}
}

func minComponent(v r3.Vec) float64 {
	m := math.Abs(v.X)
	if math.Abs(v.Y) < m {
		m = math.Abs(v.Y)
	}
	if math.Abs(v.Z) < m {
		m = math.Abs(v.Z)
	}
	return m
}

