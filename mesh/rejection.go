package mesh

import (
	"math/rand"
	"sort"

	"github.com/golang/geo/r3"
)

// CorrespondenceRejector removes implausible correspondences. The bool is
// false when no model could be found, in which case the input is returned
// unchanged.
type CorrespondenceRejector interface {
	Reject(src, tgt Vec3RandomAccessor, corrs []Correspondence) ([]Correspondence, bool)
}

// RejectorByName maps config names to rejectors.
func RejectorByName(name string, cfg ICPConfig) (CorrespondenceRejector, bool) {
	switch name {
	case "", "ransac":
		return NewRANSACRejector(cfg), true
	case "percentile":
		return PercentileRejector{Percentile: 0.8}, true
	case "none":
		return NoopRejector{}, true
	}
	return nil, false
}

// RANSACRejector keeps the correspondences consistent with the best rigid
// motion found by sample consensus over 3-point samples.
type RANSACRejector struct {
	InlierThreshold float64
	MaxIterations   int
	Probability     float64
	RNG             *rand.Rand
}

// NewRANSACRejector seeds a rejector from the loop parameters.
func NewRANSACRejector(cfg ICPConfig) *RANSACRejector {
	return &RANSACRejector{
		InlierThreshold: cfg.InlierThreshold,
		MaxIterations:   cfg.RANSACIterations,
		Probability:     cfg.RANSACProbability,
		RNG:             rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Reject implements CorrespondenceRejector.
func (r *RANSACRejector) Reject(src, tgt Vec3RandomAccessor, corrs []Correspondence) ([]Correspondence, bool) {
	model := &registrationModel{
		src:   src,
		tgt:   tgt,
		corrs: corrs,
		thrSq: r.InlierThreshold * r.InlierThreshold,
	}
	rng := r.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
		r.RNG = rng
	}
	sac := NewSAC(NewRandomSampler(rng), model, r.MaxIterations)
	sac.Probability = r.Probability
	if !sac.Compute() {
		return corrs, false
	}

	inliers := sac.Coefficients().Inliers()
	out := make([]Correspondence, len(inliers))
	for i, k := range inliers {
		out[i] = corrs[k]
	}
	return out, true
}

// registrationModel fits a rigid motion to three correspondences.
type registrationModel struct {
	src, tgt Vec3RandomAccessor
	corrs    []Correspondence
	thrSq    float64
}

func (m *registrationModel) SampleSize() int { return 3 }
func (m *registrationModel) Len() int        { return len(m.corrs) }

func (m *registrationModel) pair(k int) PointPair {
	c := m.corrs[k]
	return PointPair{
		Source:     m.src.Vec3At(c.SourceIndex),
		Target:     m.tgt.Vec3At(c.TargetIndex),
		DistanceSq: c.DistanceSq,
	}
}

func (m *registrationModel) Fit(sample []int) (ModelCoefficients, bool) {
	if len(sample) != 3 {
		return nil, false
	}
	pairs := make([]PointPair, 3)
	for i, k := range sample {
		pairs[i] = m.pair(k)
	}
	if colinear(pairs[0].Source, pairs[1].Source, pairs[2].Source) ||
		colinear(pairs[0].Target, pairs[1].Target, pairs[2].Target) {
		return nil, false
	}
	t, err := kabsch(pairs, nil)
	if err != nil {
		return nil, false
	}

	coeff := &registrationCoefficients{}
	for k := range m.corrs {
		p := m.pair(k)
		if t.Apply(p.Source).Sub(p.Target).Norm2() < m.thrSq {
			coeff.inliers = append(coeff.inliers, k)
		}
	}
	return coeff, true
}

type registrationCoefficients struct {
	inliers []int
}

func (c *registrationCoefficients) Evaluate() int  { return len(c.inliers) }
func (c *registrationCoefficients) Inliers() []int { return c.inliers }

// colinear reports whether three points lie (nearly) on one line,
// relative to the size of the triangle they span.
func colinear(a, b, c r3.Vector) bool {
	ab, ac := b.Sub(a), c.Sub(a)
	scale := ab.Norm2() * ac.Norm2()
	if scale == 0 {
		return true
	}
	return ab.Cross(ac).Norm2() <= 1e-12*scale
}

// PercentileRejector keeps correspondences whose distance is at or below
// the given percentile (0-1) of all distances.
type PercentileRejector struct {
	Percentile float64
}

// Reject implements CorrespondenceRejector.
func (r PercentileRejector) Reject(_, _ Vec3RandomAccessor, corrs []Correspondence) ([]Correspondence, bool) {
	if len(corrs) == 0 || r.Percentile >= 1.0 || r.Percentile <= 0 {
		return corrs, false
	}

	sorted := make([]float64, len(corrs))
	for i, c := range corrs {
		sorted[i] = c.DistanceSq
	}
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * r.Percentile)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	threshold := sorted[idx]

	var out []Correspondence
	for _, c := range corrs {
		if c.DistanceSq <= threshold {
			out = append(out, c)
		}
	}
	return out, true
}

// NoopRejector keeps everything.
type NoopRejector struct{}

func (NoopRejector) Reject(_, _ Vec3RandomAccessor, corrs []Correspondence) ([]Correspondence, bool) {
	return corrs, true
}
