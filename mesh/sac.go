package mesh

import (
	"math"
	"math/rand"
)

// Sampler draws k distinct indices from [0, n).
type Sampler interface {
	Sample(n, k int) []int
}

type randomSampler struct {
	rng *rand.Rand
}

// NewRandomSampler returns a sampler driven by rng.
func NewRandomSampler(rng *rand.Rand) Sampler {
	return &randomSampler{rng: rng}
}

func (s *randomSampler) Sample(n, k int) []int {
	if k > n {
		return nil
	}
	out := make([]int, 0, k)
	for len(out) < k {
		c := s.rng.Intn(n)
		dup := false
		for _, o := range out {
			if o == c {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// Model is a parametric model fitted from minimal samples.
type Model interface {
	// SampleSize is the number of data items in a minimal sample.
	SampleSize() int
	// Len is the number of data items.
	Len() int
	// Fit returns false for samples the model cannot be fitted from.
	Fit(sample []int) (ModelCoefficients, bool)
}

// ModelCoefficients is a fitted model scored against all data.
type ModelCoefficients interface {
	Evaluate() int
	Inliers() []int
}

// SAC runs random sample consensus. The model with the most inliers wins;
// on equal counts the earliest model is kept.
type SAC struct {
	Sampler       Sampler
	Model         Model
	MaxIterations int
	// Probability enables the adaptive stop: once enough samples have been
	// drawn to hit an all-inlier sample with this probability, stop early.
	Probability float64

	bestCoeff  ModelCoefficients
	iterations int
}

// NewSAC creates a sample consensus driver.
func NewSAC(s Sampler, m Model, maxIterations int) *SAC {
	return &SAC{Sampler: s, Model: m, MaxIterations: maxIterations}
}

// Compute searches for a model and reports whether one was found.
func (s *SAC) Compute() bool {
	s.bestCoeff = nil
	s.iterations = 0

	k := s.Model.SampleSize()
	n := s.Model.Len()
	if n < k || s.MaxIterations <= 0 {
		return false
	}

	var bestCoeff ModelCoefficients
	bestE := 0
	needed := float64(s.MaxIterations)
	maxSkip := s.MaxIterations * 10
	skipped := 0

	for s.iterations < s.MaxIterations && float64(s.iterations) < needed {
		sample := s.Sampler.Sample(n, k)
		coeff, ok := s.Model.Fit(sample)
		if !ok {
			skipped++
			if skipped >= maxSkip {
				break
			}
			continue
		}
		s.iterations++

		e := coeff.Evaluate()
		if e > bestE {
			bestE = e
			bestCoeff = coeff
			if s.Probability > 0 {
				needed = requiredIterations(s.Probability, float64(e)/float64(n), k)
			}
		}
	}
	if bestCoeff == nil {
		return false
	}
	s.bestCoeff = bestCoeff
	return true
}

// Coefficients returns the winning model of the last Compute.
func (s *SAC) Coefficients() ModelCoefficients {
	return s.bestCoeff
}

// Iterations returns the number of fitted samples of the last Compute.
func (s *SAC) Iterations() int {
	return s.iterations
}

// requiredIterations is log(1-p) / log(1-w^k).
func requiredIterations(p, inlierRatio float64, k int) float64 {
	wk := math.Pow(inlierRatio, float64(k))
	if wk >= 1 {
		return 1
	}
	if wk <= 0 {
		return math.Inf(1)
	}
	return math.Log(1-p) / math.Log(1-wk)
}
