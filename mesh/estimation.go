package mesh

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// PointPair is a correspondence resolved to positions, as seen by an estimator.
type PointPair struct {
	Source       r3.Vector
	Target       r3.Vector
	TargetNormal r3.Vector
	HasNormal    bool
	DistanceSq   float64
}

// TransformationEstimator computes the rigid transform taking the source
// side of the pairs onto the target side.
type TransformationEstimator interface {
	Estimate(pairs []PointPair) (Matrix4, error)
}

// EstimatorFunc adapts a function to TransformationEstimator.
type EstimatorFunc func(pairs []PointPair) (Matrix4, error)

func (f EstimatorFunc) Estimate(pairs []PointPair) (Matrix4, error) { return f(pairs) }

// EstimatorByName maps config names to estimators.
func EstimatorByName(name string) (TransformationEstimator, bool) {
	switch name {
	case "", "svd":
		return SVDEstimator{}, true
	case "weighted":
		return WeightedSVDEstimator{}, true
	case "point-to-plane":
		return PointToPlaneEstimator{}, true
	}
	return nil, false
}

// SVDEstimator is the closed-form point-to-point least-squares fit (Kabsch).
type SVDEstimator struct{}

// Estimate implements TransformationEstimator.
func (SVDEstimator) Estimate(pairs []PointPair) (Matrix4, error) {
	return kabsch(pairs, nil)
}

// WeightedSVDEstimator down-weights distant pairs before the Kabsch fit.
// Weight defaults to 1/(1 + d²/Scale) with Scale defaulting to 1.
type WeightedSVDEstimator struct {
	Scale  float64
	Weight func(distSq float64) float64
}

// Estimate implements TransformationEstimator.
func (e WeightedSVDEstimator) Estimate(pairs []PointPair) (Matrix4, error) {
	weight := e.Weight
	if weight == nil {
		scale := e.Scale
		if scale <= 0 {
			scale = 1
		}
		weight = func(d2 float64) float64 { return 1 / (1 + d2/scale) }
	}
	w := make([]float64, len(pairs))
	for i, p := range pairs {
		w[i] = weight(p.DistanceSq)
	}
	return kabsch(pairs, w)
}

// rankTolerance is the smallest ratio of the second to the first singular
// value of the cross-covariance that kabsch accepts.
const rankTolerance = 1e-12

// kabsch fits R, t minimizing Σ wᵢ|R sᵢ + t - tᵢ|². A nil w means unit weights.
func kabsch(pairs []PointPair, w []float64) (Matrix4, error) {
	if len(pairs) < 3 {
		return Identity(), fmt.Errorf("%w: %d pairs", ErrDegenerateEstimate, len(pairs))
	}
	weight := func(i int) float64 {
		if w == nil {
			return 1
		}
		return w[i]
	}

	var cs, ct r3.Vector
	var total float64
	for i, p := range pairs {
		wi := weight(i)
		if wi < 0 || math.IsNaN(wi) {
			return Identity(), fmt.Errorf("%w: invalid weight %v", ErrDegenerateEstimate, wi)
		}
		cs = cs.Add(p.Source.Mul(wi))
		ct = ct.Add(p.Target.Mul(wi))
		total += wi
	}
	if total <= 0 {
		return Identity(), fmt.Errorf("%w: zero total weight", ErrDegenerateEstimate)
	}
	cs = cs.Mul(1 / total)
	ct = ct.Mul(1 / total)

	// H = Σ w (s - cs)(t - ct)ᵀ
	h := mat.NewDense(3, 3, nil)
	for i, p := range pairs {
		wi := weight(i)
		s := p.Source.Sub(cs)
		t := p.Target.Sub(ct)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+wi*sv[r]*tv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity(), fmt.Errorf("%w: SVD did not converge", ErrDegenerateEstimate)
	}
	// Rank below 2 (collinear or coincident points) leaves the rotation
	// about the line undetermined. Coplanar input has rank 2 and is fine.
	if sv := svd.Values(nil); sv[0] == 0 || sv[1] <= rankTolerance*sv[0] {
		return Identity(), fmt.Errorf("%w: rank-deficient correspondences", ErrDegenerateEstimate)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		// Reflection: flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		rot.Mul(&v, u.T())
	}

	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = rot.At(i, j)
		}
	}
	m := FromRotationTranslation(r, r3.Vector{})
	t := ct.Sub(m.ApplyRotation(cs))
	m[0][3], m[1][3], m[2][3] = t.X, t.Y, t.Z
	if !m.IsFinite() {
		return Identity(), fmt.Errorf("%w: non-finite result", ErrDegenerateEstimate)
	}
	return m, nil
}

// PointToPlaneEstimator minimizes the squared distance of each source point
// to the tangent plane at its target, using the small-angle linearization.
// Every pair needs a target normal.
type PointToPlaneEstimator struct{}

// Estimate implements TransformationEstimator.
func (PointToPlaneEstimator) Estimate(pairs []PointPair) (Matrix4, error) {
	if len(pairs) < 6 {
		return Identity(), fmt.Errorf("%w: %d pairs, point-to-plane needs 6", ErrDegenerateEstimate, len(pairs))
	}
	a := mat.NewDense(len(pairs), 6, nil)
	b := mat.NewVecDense(len(pairs), nil)
	for i, p := range pairs {
		if !p.HasNormal {
			return Identity(), ErrMissingNormals
		}
		n := p.TargetNormal
		c := p.Source.Cross(n)
		a.SetRow(i, []float64{c.X, c.Y, c.Z, n.X, n.Y, n.Z})
		b.SetVec(i, p.Target.Sub(p.Source).Dot(n))
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return Identity(), fmt.Errorf("%w: %v", ErrDegenerateEstimate, err)
	}
	m := FromRotationTranslation(
		EulerRotation(x.AtVec(0), x.AtVec(1), x.AtVec(2)),
		r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)},
	)
	if !m.IsFinite() {
		return Identity(), fmt.Errorf("%w: non-finite result", ErrDegenerateEstimate)
	}
	return m, nil
}
