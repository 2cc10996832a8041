package mesh

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// ICP registers source clouds against one fixed target cloud.
//
// Each Align call runs synchronously to completion on the calling goroutine.
// An ICP is not safe for concurrent use: rejectors carry random state.
type ICP[S PointType[S], T Point] struct {
	target    Cloud[T]
	cfg       ICPConfig
	searcher  NeighborSearcher
	rejector  CorrespondenceRejector
	estimator TransformationEstimator
	logger    *log.Logger
}

type icpOptions struct {
	searcher  NeighborSearcher
	rejector  CorrespondenceRejector
	estimator TransformationEstimator
	logger    *log.Logger
}

// Option customizes an ICP.
type Option func(*icpOptions)

// WithSearcher replaces the default k-d tree over the target.
func WithSearcher(s NeighborSearcher) Option {
	return func(o *icpOptions) { o.searcher = s }
}

// WithRejector replaces the default RANSAC rejector. A rejector passed here
// keeps its random state across Align calls.
func WithRejector(r CorrespondenceRejector) Option {
	return func(o *icpOptions) { o.rejector = r }
}

// WithEstimator replaces the default SVD estimator.
func WithEstimator(e TransformationEstimator) Option {
	return func(o *icpOptions) { o.estimator = e }
}

// WithLogger sets the logger used for iteration and failure reports.
func WithLogger(l *log.Logger) Option {
	return func(o *icpOptions) { o.logger = l }
}

// NewICP prepares registration against target.
func NewICP[S PointType[S], T Point](target Cloud[T], cfg ICPConfig, opts ...Option) (*ICP[S, T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := icpOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.searcher == nil {
		o.searcher = NewKDTreeSearcher(target)
	}
	if o.estimator == nil {
		o.estimator = SVDEstimator{}
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	return &ICP[S, T]{
		target:    target,
		cfg:       cfg,
		searcher:  o.searcher,
		rejector:  o.rejector,
		estimator: o.estimator,
		logger:    o.logger,
	}, nil
}

// Config returns the loop parameters.
func (icp *ICP[S, T]) Config() ICPConfig { return icp.cfg }

// guessRigidTolerance bounds how far an initial guess may stray from a rigid
// motion.
const guessRigidTolerance = 1e-6

// Align registers the points of source selected by indices (all points when
// indices is nil) against the target. guess, when non-nil, is applied to the
// working cloud before the first search and seeds the final transform. It
// must be rigid (see guessRigidTolerance) or Align returns ErrInvalidConfig.
//
// The returned Result is populated on failure as well: Output holds the
// working cloud as last moved and State the committed loop state with
// Converged false and Stage naming the failing step. Failures are
// *NeighborSearchError, *InsufficientCorrespondencesError and *EstimationError.
func (icp *ICP[S, T]) Align(source Cloud[S], indices Indices, guess *Matrix4) (Result[S], error) {
	start := time.Now()
	if indices == nil {
		indices = AllIndices(source.Len())
	}
	if err := indices.Validate(source.Len()); err != nil {
		return Result[S]{}, err
	}
	if guess != nil && !guess.IsFinite() {
		return Result[S]{}, fmt.Errorf("%w: initial guess is not finite", ErrInvalidConfig)
	}
	if guess != nil && !guess.IsRigid(guessRigidTolerance) {
		return Result[S]{}, fmt.Errorf("%w: initial guess is not a rigid transform", ErrInvalidConfig)
	}

	res := Result[S]{ID: uuid.NewString(), Output: source.Clone()}
	st := newState(guess)
	if guess != nil {
		transformInPlace(res.Output, *guess)
	}
	rejector := icp.rejector
	if rejector == nil {
		rejector = NewRANSACRejector(icp.cfg)
	}
	logger := icp.logger.With("run", res.ID)
	thrSq := icp.cfg.CorrespondenceDistance * icp.cfg.CorrespondenceDistance

	fail := func(err error) (Result[S], error) {
		st.Converged = false
		res.State = st
		res.Duration = time.Since(start)
		logger.Error("registration aborted", "stage", st.Stage, "iterations", st.Iterations, "err", err)
		return res, err
	}

	all := make([]Correspondence, 0, len(indices))
	filtered := make([]Correspondence, 0, len(indices))
	for {
		st.Stage = StageSearching
		st.PreviousTransformation = st.Transformation

		all = all[:0]
		for _, i := range indices {
			j, d, ok := icp.searcher.Nearest(res.Output.Vec3At(i))
			if !ok {
				return fail(&NeighborSearchError{PointIndex: i})
			}
			all = append(all, Correspondence{SourceIndex: i, TargetIndex: j, DistanceSq: d})
		}

		st.Stage = StageFiltering
		filtered = filtered[:0]
		for _, c := range all {
			if c.DistanceSq <= thrSq {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) < icp.cfg.MinCorrespondences {
			return fail(&InsufficientCorrespondencesError{Actual: len(filtered), Required: icp.cfg.MinCorrespondences})
		}
		inliers, found := rejector.Reject(res.Output, icp.target, filtered)
		if !found {
			logger.Debug("rejection found no model, keeping unfiltered set", "iteration", st.Iterations+1, "correspondences", len(filtered))
		}
		if len(inliers) < icp.cfg.MinCorrespondences {
			return fail(&InsufficientCorrespondencesError{Actual: len(inliers), Required: icp.cfg.MinCorrespondences})
		}

		st.Stage = StageEstimating
		increment, err := icp.estimator.Estimate(icp.pairs(res.Output, inliers))
		if err != nil {
			return fail(&EstimationError{Iteration: st.Iterations + 1, Err: err})
		}
		st.Transformation = increment

		st.Stage = StageApplying
		transformInPlace(res.Output, increment)
		st.FinalTransformation = increment.Mul(st.FinalTransformation)
		st.Iterations++

		st.Stage = StageCheckingConvergence
		delta := st.Transformation.Sub(st.PreviousTransformation).AbsSum()
		res.Trace = append(res.Trace, IterationStats{
			Iteration:       st.Iterations,
			Correspondences: len(filtered),
			Inliers:         len(inliers),
			Fallback:        !found,
			Delta:           delta,
			Increment:       increment,
		})
		logger.Debug("iteration", "n", st.Iterations, "correspondences", len(filtered), "inliers", len(inliers), "delta", delta)

		if st.Iterations >= icp.cfg.MaxIterations || delta < icp.cfg.TransformationEpsilon {
			st.Converged = true
			break
		}
	}

	res.State = st
	if fit, ok := FitnessScore(res.Output, icp.searcher, icp.cfg.CorrespondenceDistance); ok {
		res.Fitness = fit.MeanSq
	}
	res.Duration = time.Since(start)
	logger.Info("registration converged", "iterations", st.Iterations, "fitness", res.Fitness, "duration", res.Duration)
	return res, nil
}

// pairs resolves correspondences to positions, attaching target normals
// when the target point type has them.
func (icp *ICP[S, T]) pairs(output Cloud[S], corrs []Correspondence) []PointPair {
	out := make([]PointPair, len(corrs))
	for k, c := range corrs {
		tp := icp.target.Points[c.TargetIndex]
		p := PointPair{
			Source:     output.Vec3At(c.SourceIndex),
			Target:     tp.Position(),
			DistanceSq: c.DistanceSq,
		}
		if np, ok := any(tp).(NormalPoint); ok {
			p.TargetNormal = np.Normal()
			p.HasNormal = true
		}
		out[k] = p
	}
	return out
}

// CentroidGuess returns the translation moving the source centroid onto the
// target centroid. It is a coarse initial guess for clouds that overlap
// mostly but are offset by about the size of their features.
func CentroidGuess(source, target Vec3RandomAccessor) Matrix4 {
	d := Centroid(target).Sub(Centroid(source))
	return Translation(d.X, d.Y, d.Z)
}
