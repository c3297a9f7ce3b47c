package fmls

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// computeLSQDir runs the Buss-Fillmore tangent-plane averaging iteration
// to convergence, replacing the lobe's mean-direction estimate with the
// geodesic-distance-minimising least-squares direction.
//
// Buss, S.R. and Fillmore, J.P., "Spherical averages and applications to
// spherical splines and interpolation", ACM Trans. Graph. 2001:20;95-126.
func (s *Segmenter) computeLSQDir(l *Lobe) {
	lsq := l.meanDir
	const tol = 1e-6
	for {
		tx := tangentX(lsq)
		ty := r3.Unit(r3.Cross(lsq, tx))

		var u r3.Vec
		var sumWeights float64

		for d := 0; d < s.dirs.Size(); d++ {
			v := l.values[d]
			if v == 0 {
				continue
			}
			dir := s.dirs.Direction(d)
			p := r3.Vec{X: r3.Dot(dir, tx), Y: r3.Dot(dir, ty), Z: r3.Dot(dir, lsq)}
			if p.Z < 0 {
				p = r3.Scale(-1, p)
			}
			p.Z = 0

			dp := math.Abs(r3.Dot(lsq, dir))
			var theta float64
			if dp < 1.0 {
				theta = math.Acos(dp)
			}
			logTransform := 1.0
			if theta != 0 {
				logTransform = theta / math.Sin(theta)
			}
			p = r3.Scale(logTransform, p)

			u = r3.Add(u, r3.Scale(v, p))
			sumWeights += v
		}

		if sumWeights == 0 {
			break
		}
		u = r3.Scale(1.0/sumWeights, u)

		r := r3.Norm(u)
		expTransform := 1.0
		if r != 0 {
			expTransform = math.Sin(r) / r
		}
		u = r3.Scale(expTransform, u)

		euclid := r3.Vec{
			X: u.X*tx.X + u.Y*ty.X + u.Z*lsq.X,
			Y: u.X*tx.Y + u.Y*ty.Y + u.Z*lsq.Y,
			Z: u.X*tx.Z + u.Y*ty.Z + u.Z*lsq.Z,
		}

		lsq = r3.Unit(r3.Add(lsq, euclid))

		if r3.Norm(euclid) <= tol {
			break
		}
	}
	l.lsqDir = lsq
	l.hasLSQ = true
}

func tangentX(axis r3.Vec) r3.Vec {
	tx := r3.Unit(r3.Cross(r3.Vec{X: 0, Y: 0, Z: 1}, axis))
	if !isFiniteVec(tx) {
		tx = r3.Unit(r3.Cross(r3.Vec{X: 0, Y: 1, Z: 0}, axis))
	}
	return tx
}

func isFiniteVec(v r3.Vec) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}
