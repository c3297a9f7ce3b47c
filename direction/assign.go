package direction

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// cartesianGrid is a cube of side resolution spanning [-1,+1]^3, caching a
// nearest-direction guess for every cell whose centre lies near the unit
// sphere. spec.md's assigner intentionally departs from the reference
// implementation's az/el grid in favour of this Cartesian scheme.
type cartesianGrid struct {
	resolution int
	cell       []int // resolution^3 entries; -1 where no guess was computed
}

func (s *Set) buildGrid() {
	n := s.Size()
	r := int(math.Ceil(math.Cbrt(float64(2*n)) / 2))
	r *= 2
	if r < 2 {
		r = 2
	}
	s.resolution = r

	g := cartesianGrid{resolution: r, cell: make([]int, r*r*r)}
	cellSize := 2.0 / float64(r)
	shellRadius := math.Sqrt(3 * cellSize * cellSize)

	for ix := 0; ix < r; ix++ {
		cx := -1 + (float64(ix)+0.5)*cellSize
		for iy := 0; iy < r; iy++ {
			cy := -1 + (float64(iy)+0.5)*cellSize
			for iz := 0; iz < r; iz++ {
				cz := -1 + (float64(iz)+0.5)*cellSize
				idx := g.index(ix, iy, iz)
				dist := math.Abs(math.Sqrt(cx*cx+cy*cy+cz*cz) - 1)
				if dist > shellRadius {
					g.cell[idx] = -1
					continue
				}
				g.cell[idx] = s.bruteForceNearest(r3.Vec{X: cx, Y: cy, Z: cz})
			}
		}
	}
	s.grid = g
}

func (g *cartesianGrid) index(ix, iy, iz int) int {
	return (ix*g.resolution+iy)*g.resolution + iz
}

func (g *cartesianGrid) clampedIndex(v float64) int {
	cell := int((v + 1) / 2 * float64(g.resolution))
	if cell < 0 {
		cell = 0
	}
	if cell >= g.resolution {
		cell = g.resolution - 1
	}
	return cell
}

func (g *cartesianGrid) guess(dir r3.Vec) int {
	ix := g.clampedIndex(dir.X)
	iy := g.clampedIndex(dir.Y)
	iz := g.clampedIndex(dir.Z)
	return g.cell[g.index(ix, iy, iz)]
}

// bruteForceNearest scans every direction and returns the index whose
// |dot product| with dir is largest. Used only at set-construction time to
// seed the Cartesian grid, and exported indirectly via Set.BruteForceAssign
// for testing the fast assigner against an unconditionally correct oracle.
func (s *Set) bruteForceNearest(dir r3.Vec) int {
	best, bestDot := -1, -1.0
	for i, d := range s.dirs {
		if dot := absDot(dir, d); dot > bestDot {
			best, bestDot = i, dot
		}
	}
	return best
}

// BruteForceAssign performs an exhaustive O(n) nearest-direction search,
// with no dependency on the Cartesian grid or adjacency graph. It exists so
// the fast Assign path can be checked against an unconditionally correct
// oracle in tests.
func (s *Set) BruteForceAssign(dir r3.Vec) int {
	return s.bruteForceNearest(r3.Unit(dir))
}

// Assign returns the index of the direction in the set nearest to dir
// (under antipodally-symmetric angular distance), using the Cartesian-grid
// guess followed by adjacency hill-climbing.
func (s *Set) Assign(dir r3.Vec) int {
	u := r3.Unit(dir)
	guess := s.grid.guess(u)
	if guess < 0 {
		guess = s.bruteForceNearest(u)
	}
	return s.AssignWithGuess(u, guess)
}

// AssignWithGuess performs the adjacency hill-climb starting from an
// explicit initial guess, skipping the grid lookup. This is the path used
// when a caller already has a nearby index from a previous query (e.g.
// tracking direction continuity along a streamline).
func (s *Set) AssignWithGuess(dir r3.Vec, guess int) int {
	u := r3.Unit(dir)
	cur := guess
	curDot := absDot(u, s.dirs[cur])
	for {
		improved := false
		for _, nb := range s.adjacency[cur] {
			if d := absDot(u, s.dirs[nb]); d > curDot {
				cur, curDot = nb, d
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}
