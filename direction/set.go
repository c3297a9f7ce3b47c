// Package direction implements the direction set and nearest-direction
// assigner used throughout the toolkit to discretise continuous unit
// vectors onto a fixed, precomputed set of sample directions.
package direction

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// Set is an ordered, immutable collection of hemispherical unit directions
// together with an adjacency graph and per-direction solid-angle weights,
// grounded on MR::Math::Sphere::Set::Assigner in the reference
// implementation.
type Set struct {
	dirs      []r3.Vec
	adjacency [][]int
	weights   []float64

	grid       cartesianGrid
	resolution int
}

// adjacencyDegree is the number of nearest neighbours kept per direction
// when building the hill-climb adjacency graph; electrostatically-repelled
// direction sets of the size this toolkit uses (several hundred to ~1300
// directions) have a near-uniform local valence around six, matching a
// spherical Delaunay triangulation.
const adjacencyDegree = 6

// NewSet builds a direction set from raw unit (or near-unit) vectors. Input
// vectors are re-normalised; duplicate antipodal pairs are not collapsed,
// matching the reference set format where direction files already list one
// representative per hemisphere.
func NewSet(raw []r3.Vec) *Set {
	dirs := make([]r3.Vec, len(raw))
	for i, d := range raw {
		dirs[i] = r3.Unit(d)
	}
	s := &Set{dirs: dirs}
	s.buildAdjacency()
	s.buildWeights()
	s.buildGrid()
	return s
}

// Size returns the number of directions in the set.
func (s *Set) Size() int { return len(s.dirs) }

// Direction returns the unit vector at index i.
func (s *Set) Direction(i int) r3.Vec { return s.dirs[i] }

// Adjacent returns the indices adjacent to direction i in the hill-climb
// graph.
func (s *Set) Adjacent(i int) []int { return s.adjacency[i] }

// Weight returns the solid-angle weight assigned to direction i (the cap
// area out to half the angle to its nearest neighbour, normalised so the
// weights sum to 2*pi).
func (s *Set) Weight(i int) float64 { return s.weights[i] }

func absDot(a, b r3.Vec) float64 {
	d := r3.Dot(a, b)
	if d < 0 {
		return -d
	}
	return d
}

// buildAdjacency connects each direction to its adjacencyDegree nearest
// neighbours under antipodally-symmetric angular distance, by exhaustive
// pairwise scan. This runs once at set-construction time, so O(n^2) is
// acceptable for the few-hundred-to-few-thousand direction sets used here.
func (s *Set) buildAdjacency() {
	n := len(s.dirs)
	type scored struct {
		idx int
		dot float64
	}
	sets := make([]map[int]bool, n)
	for i := range sets {
		sets[i] = make(map[int]bool, adjacencyDegree*2)
	}
	for i := 0; i < n; i++ {
		cands := make([]scored, 0, n-1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			cands = append(cands, scored{j, absDot(s.dirs[i], s.dirs[j])})
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].dot > cands[b].dot })
		k := adjacencyDegree
		if k > len(cands) {
			k = len(cands)
		}
		// Union the k-nearest relation both ways so the resulting graph is
		// symmetric: the hill-climb in Assign only needs *an* edge toward
		// every locally-closer direction, and a one-sided kNN graph can
		// otherwise miss the reverse edge for an asymmetric neighbourhood.
		for m := 0; m < k; m++ {
			j := cands[m].idx
			sets[i][j] = true
			sets[j][i] = true
		}
	}
	s.adjacency = make([][]int, n)
	for i, set := range sets {
		adj := make([]int, 0, len(set))
		for j := range set {
			adj = append(adj, j)
		}
		sort.Ints(adj)
		s.adjacency[i] = adj
	}
}

// buildWeights approximates each direction's solid-angle weight via its
// nearest-neighbour angular spacing, normalised so the weights sum to 2*pi
// (one hemisphere of the unit sphere, consistent with antipodal symmetry).
func (s *Set) buildWeights() {
	n := len(s.dirs)
	s.weights = make([]float64, n)
	raw := make([]float64, n)
	var total float64
	for i := range s.dirs {
		best := -1.0
		for _, j := range s.adjacency[i] {
			if d := absDot(s.dirs[i], s.dirs[j]); d > best {
				best = d
			}
		}
		theta := math.Acos(clamp(best, -1, 1))
		w := 2 * math.Pi * (1 - math.Cos(theta/2))
		raw[i] = w
		total += w
	}
	if total == 0 {
		total = 1
	}
	scale := 2 * math.Pi / total
	for i := range raw {
		s.weights[i] = raw[i] * scale
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
