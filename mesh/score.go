package mesh

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Fitness summarizes how well an aligned cloud sits on its target.
type Fitness struct {
	MeanSq   float64 `json:"meanSq"`   // mean squared NN distance of points within range
	RMSE     float64 `json:"rmse"`     // sqrt of MeanSq
	StdDev   float64 `json:"stdDev"`   // spread of the NN distances within range
	Inliers  int     `json:"inliers"`  // points within range
	Fraction float64 `json:"fraction"` // Inliers / all points
}

// FitnessScore measures nearest-neighbor residuals of every point of cloud
// against the searcher's target, counting only points within maxDist.
// ok is false when no point is within range or a search fails.
func FitnessScore(cloud Vec3RandomAccessor, searcher NeighborSearcher, maxDist float64) (Fitness, bool) {
	n := cloud.Len()
	if n == 0 {
		return Fitness{}, false
	}
	maxSq := maxDist * maxDist
	sq := make([]float64, 0, n)
	dist := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		_, d, ok := searcher.Nearest(cloud.Vec3At(i))
		if !ok {
			return Fitness{}, false
		}
		if d <= maxSq {
			sq = append(sq, d)
			dist = append(dist, math.Sqrt(d))
		}
	}
	if len(sq) == 0 {
		return Fitness{}, false
	}

	f := Fitness{
		MeanSq:   stat.Mean(sq, nil),
		Inliers:  len(sq),
		Fraction: float64(len(sq)) / float64(n),
	}
	f.RMSE = math.Sqrt(f.MeanSq)
	if len(dist) > 1 {
		f.StdDev = stat.StdDev(dist, nil)
	}
	return f, true
}
