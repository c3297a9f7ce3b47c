package mapping

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/fixel"
)

// walkSegment intersects the straight segment [a,b] with the voxel grid
// using the Amanatides-Woo traversal, accumulating exact per-voxel
// sub-segment length into the fixel contribution identified by
// (voxel, dirIdx) for every voxel the segment crosses. Sub-segments in
// unpopulated voxels, or whose direction maps to no lobe in that voxel,
// contribute nothing, per spec.md's mapper semantics.
func (m *Mapper) walkSegment(a, b r3.Vec, dirIdx int, totals map[int]float64) {
	voxelSize := m.Dataset.VoxelSize()
	origin := m.Dataset.Origin()
	delta := r3.Sub(b, a)
	length := r3.Norm(delta)
	if length == 0 {
		return
	}

	rel := r3.Sub(a, origin)
	ix := int(math.Floor(rel.X / voxelSize.X))
	iy := int(math.Floor(rel.Y / voxelSize.Y))
	iz := int(math.Floor(rel.Z / voxelSize.Z))

	stepX, tMaxX, tDeltaX := axisStep(rel.X, delta.X, voxelSize.X, ix)
	stepY, tMaxY, tDeltaY := axisStep(rel.Y, delta.Y, voxelSize.Y, iy)
	stepZ, tMaxZ, tDeltaZ := axisStep(rel.Z, delta.Z, voxelSize.Z, iz)

	t := 0.0
	for t < 1.0 {
		tNext := math.Min(1.0, math.Min(tMaxX, math.Min(tMaxY, tMaxZ)))

		subLength := (tNext - t) * length
		if subLength > 0 {
			v := fixel.VoxelIndex{X: ix, Y: iy, Z: iz}
			if fi, ok := m.Dataset.FixelAt(v, dirIdx); ok {
				totals[fi] += subLength
			}
		}

		if tNext >= 1.0 {
			break
		}

		switch {
		case tMaxX <= tMaxY && tMaxX <= tMaxZ:
			ix += stepX
			t = tMaxX
			tMaxX += tDeltaX
		case tMaxY <= tMaxZ:
			iy += stepY
			t = tMaxY
			tMaxY += tDeltaY
		default:
			iz += stepZ
			t = tMaxZ
			tMaxZ += tDeltaZ
		}
	}
}

// axisStep computes the grid step direction, the parametric distance to
// the first voxel-boundary crossing along one axis, and the parametric
// distance between successive crossings.
func axisStep(start, delta, voxelEdge float64, idx int) (step int, tMax, tDelta float64) {
	if delta == 0 {
		return 0, math.Inf(1), math.Inf(1)
	}
	if delta > 0 {
		boundary := float64(idx+1) * voxelEdge
		return 1, (boundary - start) / delta, voxelEdge / delta
	}
	boundary := float64(idx) * voxelEdge
	return -1, (boundary - start) / delta, voxelEdge / -delta
}
