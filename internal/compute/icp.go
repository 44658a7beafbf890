package compute

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// minCorrespondences is the smallest pair count that determines a rigid
// transform.
const minCorrespondences = 3

type correspondence struct {
	src, tgt r3.Vec
}

// RegisterICP runs point-to-point ICP of src onto tgt. Each iteration pairs
// every current source point with its nearest target point, keeps pairs
// within p.MaxDist, and solves the best rigid motion for them with the
// Kabsch method. Iteration stops once the mean pair distance changes by no
// more than p.Delta, or after p.MaxIter iterations.
func (*Local) RegisterICP(ctx context.Context, src, tgt pointcloud.PointCloud, p ICPParams) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return Outcome{}, err
	}
	if src.Len() < minCorrespondences || tgt.Len() < minCorrespondences {
		return Outcome{}, fmt.Errorf("%w: need at least %d points in each cloud (src=%d, tgt=%d)",
			ErrNoConvergence, minCorrespondences, src.Len(), tgt.Len())
	}

	index := newNeighbourIndex(tgt, p.Closest)
	maxDist2 := p.MaxDist * p.MaxDist

	cur := make([]pointcloud.Point, len(src.Points))
	copy(cur, src.Points)
	total := pointcloud.Identity()
	prevErr := math.Inf(1)
	pairs := make([]correspondence, 0, len(cur))

	out := Outcome{}
	for iter := 1; iter <= p.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		pairs = pairs[:0]
		var sumDist float64
		for i, q := range cur {
			if i%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return Outcome{}, err
				}
			}
			nn, d2 := index.nearest(q)
			if d2 > maxDist2 {
				continue
			}
			pairs = append(pairs, correspondence{src: toVec(q), tgt: toVec(nn)})
			sumDist += math.Sqrt(d2)
		}
		if len(pairs) < minCorrespondences {
			return Outcome{}, fmt.Errorf("%w: %d correspondences within %g at iteration %d",
				ErrNoConvergence, len(pairs), p.MaxDist, iter)
		}

		step, err := kabsch(pairs)
		if err != nil {
			return Outcome{}, err
		}
		for i := range cur {
			cur[i] = step.Apply(cur[i])
		}
		total = step.Compose(total)

		meanErr := sumDist / float64(len(pairs))
		out.Iterations = iter
		out.MeanError = meanErr
		if math.Abs(prevErr-meanErr) <= p.Delta {
			out.Converged = true
			break
		}
		prevErr = meanErr
	}

	if !total.IsValid() {
		return Outcome{}, fmt.Errorf("%w: estimated transform is not rigid", ErrNoConvergence)
	}
	out.Transform = total
	out.Aligned = pointcloud.New(cur)
	return out, nil
}

// kabsch returns the rigid transform minimising the squared distance from
// the source to the target points of pairs.
func kabsch(pairs []correspondence) (pointcloud.Transform, error) {
	n := float64(len(pairs))
	var cs, ct r3.Vec
	for _, c := range pairs {
		cs = r3.Add(cs, c.src)
		ct = r3.Add(ct, c.tgt)
	}
	cs = r3.Scale(1/n, cs)
	ct = r3.Scale(1/n, ct)

	// Cross-covariance of the centred sets.
	h := mat.NewDense(3, 3, nil)
	for _, c := range pairs {
		a := r3.Sub(c.src, cs)
		b := r3.Sub(c.tgt, ct)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for k := 0; k < 3; k++ {
				h.Set(r, k, h.At(r, k)+av[r]*bv[k])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return pointcloud.Transform{}, fmt.Errorf("%w: svd factorisation failed", ErrNoConvergence)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Reflection guard.
	d := 1.0
	if mat.Det(&v)*mat.Det(&u) < 0 {
		d = -1
	}
	var r mat.Dense
	r.Product(&v, mat.NewDiagDense(3, []float64{1, 1, d}), u.T())

	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = r.At(i, j)
		}
	}
	rc := pointcloud.FromRotationTranslation(rot, pointcloud.Point{}).Apply(fromVec(cs))
	t := r3.Sub(ct, toVec(rc))
	return pointcloud.FromRotationTranslation(rot, fromVec(t)), nil
}

func toVec(p pointcloud.Point) r3.Vec { return r3.Vec{X: p.X, Y: p.Y, Z: p.Z} }

func fromVec(v r3.Vec) pointcloud.Point { return pointcloud.Point{X: v.X, Y: v.Y, Z: v.Z} }
