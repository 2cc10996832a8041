package mesh

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
)

// Point is anything that has a position in 3D space.
type Point interface {
	Position() r3.Vector
}

// NormalPoint is a point that also carries a surface normal.
type NormalPoint interface {
	Point
	Normal() r3.Vector
}

// PointType constrains the point types the registration loop can move.
// Transform returns a rigidly moved copy; extra fields (normals, color)
// are carried along.
type PointType[P any] interface {
	Point
	Transform(m Matrix4) P
}

// XYZ is a bare position.
type XYZ struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Position implements Point.
func (p XYZ) Position() r3.Vector { return r3.Vector{X: p.X, Y: p.Y, Z: p.Z} }

// Transform implements PointType.
func (p XYZ) Transform(m Matrix4) XYZ {
	v := m.Apply(p.Position())
	return XYZ{X: v.X, Y: v.Y, Z: v.Z}
}

// XYZNormal is a position with a unit surface normal.
type XYZNormal struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	NX float64 `json:"nx"`
	NY float64 `json:"ny"`
	NZ float64 `json:"nz"`
}

func (p XYZNormal) Position() r3.Vector { return r3.Vector{X: p.X, Y: p.Y, Z: p.Z} }
func (p XYZNormal) Normal() r3.Vector   { return r3.Vector{X: p.NX, Y: p.NY, Z: p.NZ} }

// Transform moves the position and rotates the normal.
func (p XYZNormal) Transform(m Matrix4) XYZNormal {
	v := m.Apply(p.Position())
	n := m.ApplyRotation(p.Normal())
	return XYZNormal{X: v.X, Y: v.Y, Z: v.Z, NX: n.X, NY: n.Y, NZ: n.Z}
}

// XYZRGB is a colored position.
type XYZRGB struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	R uint8   `json:"r"`
	G uint8   `json:"g"`
	B uint8   `json:"b"`
}

func (p XYZRGB) Position() r3.Vector { return r3.Vector{X: p.X, Y: p.Y, Z: p.Z} }

func (p XYZRGB) Transform(m Matrix4) XYZRGB {
	v := m.Apply(p.Position())
	return XYZRGB{X: v.X, Y: v.Y, Z: v.Z, R: p.R, G: p.G, B: p.B}
}

// Vec3RandomAccessor gives indexed read access to positions.
type Vec3RandomAccessor interface {
	Vec3At(i int) r3.Vector
	Len() int
}

// Cloud is an ordered point sequence. Width and Height describe an
// organized (row-major grid) cloud; unorganized clouds have Height 1.
type Cloud[P Point] struct {
	Points []P `json:"points"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NewCloud wraps points as an unorganized cloud.
func NewCloud[P Point](points []P) Cloud[P] {
	return Cloud[P]{Points: points, Width: len(points), Height: 1}
}

func (c Cloud[P]) Len() int               { return len(c.Points) }
func (c Cloud[P]) Vec3At(i int) r3.Vector { return c.Points[i].Position() }

// IsOrganized reports whether the cloud is laid out as an image-like grid.
func (c Cloud[P]) IsOrganized() bool { return c.Height > 1 }

// Clone returns a deep copy of the point slice.
func (c Cloud[P]) Clone() Cloud[P] {
	out := c
	out.Points = make([]P, len(c.Points))
	copy(out.Points, c.Points)
	return out
}

// Centroid returns the mean position of all points, or the zero vector when empty.
func Centroid(a Vec3RandomAccessor) r3.Vector {
	n := a.Len()
	if n == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for i := 0; i < n; i++ {
		sum = sum.Add(a.Vec3At(i))
	}
	return sum.Mul(1 / float64(n))
}

// Indices selects the points of a cloud taking part in registration.
type Indices []int

// AllIndices returns 0..n-1.
func AllIndices(n int) Indices {
	idx := make(Indices, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// Validate checks that every index addresses a point of a cloud of size n
// and that the subset is not larger than the cloud.
func (ix Indices) Validate(n int) error {
	if len(ix) > n {
		return fmt.Errorf("%w: %d indices for %d points", ErrInvalidIndices, len(ix), n)
	}
	for k, i := range ix {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: index %d at position %d out of range [0,%d)", ErrInvalidIndices, i, k, n)
		}
	}
	return nil
}

// Correspondence pairs a source point with its nearest target point.
// SourceIndex addresses the source cloud, not the index subset.
type Correspondence struct {
	SourceIndex int     `json:"sourceIndex"`
	TargetIndex int     `json:"targetIndex"`
	DistanceSq  float64 `json:"distanceSq"`
}

// Stage names a step of the registration loop.
type Stage int

const (
	StageSearching Stage = iota
	StageFiltering
	StageEstimating
	StageApplying
	StageCheckingConvergence
)

func (s Stage) String() string {
	switch s {
	case StageSearching:
		return "searching"
	case StageFiltering:
		return "filtering"
	case StageEstimating:
		return "estimating"
	case StageApplying:
		return "applying"
	case StageCheckingConvergence:
		return "checking-convergence"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// MarshalText lets stages appear by name in JSON results.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// State is the loop state of one registration call.
// Transformation is the latest per-iteration increment,
// FinalTransformation the cumulative transform since the start of the call.
type State struct {
	Iterations             int     `json:"iterations"`
	Converged              bool    `json:"converged"`
	Stage                  Stage   `json:"stage"`
	Transformation         Matrix4 `json:"transformation"`
	PreviousTransformation Matrix4 `json:"previousTransformation"`
	FinalTransformation    Matrix4 `json:"finalTransformation"`
}

// newState resets the loop state, seeding the cumulative transform with guess if given.
func newState(guess *Matrix4) State {
	s := State{
		Stage:                  StageSearching,
		Transformation:         Identity(),
		PreviousTransformation: Identity(),
		FinalTransformation:    Identity(),
	}
	if guess != nil {
		s.FinalTransformation = *guess
	}
	return s
}

// IterationStats records what one iteration did.
type IterationStats struct {
	Iteration       int     `json:"iteration"`
	Correspondences int     `json:"correspondences"`
	Inliers         int     `json:"inliers"`
	Fallback        bool    `json:"fallback"` // rejection found no model, unfiltered set used
	Delta           float64 `json:"delta"`
	Increment       Matrix4 `json:"increment"`
}

// Result is what a registration call produces.
type Result[P Point] struct {
	ID       string           `json:"id"`
	Output   Cloud[P]         `json:"output"`
	State    State            `json:"state"`
	Trace    []IterationStats `json:"trace"`
	Fitness  float64          `json:"fitness"`
	Duration time.Duration    `json:"duration"`
}

// ReachedMaxIterations reports whether the call stopped because of the
// iteration cap rather than the epsilon test. Converged alone does not tell.
func (r Result[P]) ReachedMaxIterations(maxIterations int) bool {
	return r.State.Converged && r.State.Iterations >= maxIterations
}

// ICPConfig holds the numeric parameters of the registration loop.
// Distances are in cloud units; CorrespondenceDistance is compared squared.
type ICPConfig struct {
	MaxIterations          int
	TransformationEpsilon  float64
	CorrespondenceDistance float64
	InlierThreshold        float64
	MinCorrespondences     int
	RANSACIterations       int
	RANSACProbability      float64 // 0 disables adaptive early stop
	Seed                   int64
}

// DefaultICPConfig returns the parameters used when a config file omits them.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations:          50,
		TransformationEpsilon:  1e-8,
		CorrespondenceDistance: 1.0,
		InlierThreshold:        0.05,
		MinCorrespondences:     3,
		RANSACIterations:       1000,
		RANSACProbability:      0.99,
		Seed:                   1,
	}
}

// Validate reports the first invalid parameter.
func (c ICPConfig) Validate() error {
	switch {
	case c.MaxIterations < 0:
		return fmt.Errorf("%w: maxIterations must be >= 0, got %d", ErrInvalidConfig, c.MaxIterations)
	case c.TransformationEpsilon < 0 || math.IsNaN(c.TransformationEpsilon):
		return fmt.Errorf("%w: transformationEpsilon must be >= 0", ErrInvalidConfig)
	case c.CorrespondenceDistance < 0 || math.IsNaN(c.CorrespondenceDistance):
		return fmt.Errorf("%w: correspondenceDistance must be >= 0", ErrInvalidConfig)
	case c.InlierThreshold < 0 || math.IsNaN(c.InlierThreshold):
		return fmt.Errorf("%w: inlierThreshold must be >= 0", ErrInvalidConfig)
	case c.MinCorrespondences < 1:
		return fmt.Errorf("%w: minCorrespondences must be >= 1, got %d", ErrInvalidConfig, c.MinCorrespondences)
	case c.RANSACIterations < 0:
		return fmt.Errorf("%w: ransacIterations must be >= 0", ErrInvalidConfig)
	case c.RANSACProbability < 0 || c.RANSACProbability >= 1:
		return fmt.Errorf("%w: ransacProbability must be in [0,1)", ErrInvalidConfig)
	}
	return nil
}

// GuessConfig is an initial pose given in a config file. Angles are degrees.
type GuessConfig struct {
	X     float64 `yaml:"x" json:"x"`
	Y     float64 `yaml:"y" json:"y"`
	Z     float64 `yaml:"z" json:"z"`
	Roll  float64 `yaml:"roll" json:"roll"`
	Pitch float64 `yaml:"pitch" json:"pitch"`
	Yaw   float64 `yaml:"yaw" json:"yaw"`
}

// Matrix returns the rigid transform for the pose.
func (g GuessConfig) Matrix() Matrix4 {
	return FromRotationTranslation(EulerRotation(deg2rad(g.Roll), deg2rad(g.Pitch), deg2rad(g.Yaw)), r3.Vector{X: g.X, Y: g.Y, Z: g.Z})
}

// PairConfig defines a source/target pair to keep registered.
type PairConfig struct {
	ID          string       `yaml:"id" json:"id"`
	SourceTopic string       `yaml:"sourceTopic" json:"sourceTopic"`
	TargetTopic string       `yaml:"targetTopic,omitempty" json:"targetTopic,omitempty"`
	TargetURL   *string      `yaml:"targetUrl,omitempty" json:"targetUrl,omitempty"` // fetched once when no target topic delivers
	Color       string       `yaml:"color" json:"color"`
	Guess       *GuessConfig `yaml:"guess,omitempty" json:"guess,omitempty"`
}

// RegistrationConfig is the registration section of the config file.
type RegistrationConfig struct {
	MaxIterations          *int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	TransformationEpsilon  *float64 `yaml:"transformationEpsilon,omitempty" json:"transformationEpsilon,omitempty"`
	CorrespondenceDistance *float64 `yaml:"correspondenceDistance,omitempty" json:"correspondenceDistance,omitempty"`
	InlierThreshold        *float64 `yaml:"inlierThreshold,omitempty" json:"inlierThreshold,omitempty"`
	MinCorrespondences     *int     `yaml:"minCorrespondences,omitempty" json:"minCorrespondences,omitempty"`
	RANSACIterations       *int     `yaml:"ransacIterations,omitempty" json:"ransacIterations,omitempty"`
	RANSACProbability      *float64 `yaml:"ransacProbability,omitempty" json:"ransacProbability,omitempty"`
	Seed                   *int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	Estimator              string   `yaml:"estimator,omitempty" json:"estimator,omitempty"` // svd, weighted, point-to-plane
	Searcher               string   `yaml:"searcher,omitempty" json:"searcher,omitempty"`   // kdtree, brute
	Rejector               string   `yaml:"rejector,omitempty" json:"rejector,omitempty"`   // ransac, percentile, none
	CentroidGuess          bool     `yaml:"centroidGuess,omitempty" json:"centroidGuess,omitempty"`
}

// ICPConfig overlays the configured values on the defaults.
func (r RegistrationConfig) ICPConfig() ICPConfig {
	c := DefaultICPConfig()
	if r.MaxIterations != nil {
		c.MaxIterations = *r.MaxIterations
	}
	if r.TransformationEpsilon != nil {
		c.TransformationEpsilon = *r.TransformationEpsilon
	}
	if r.CorrespondenceDistance != nil {
		c.CorrespondenceDistance = *r.CorrespondenceDistance
	}
	if r.InlierThreshold != nil {
		c.InlierThreshold = *r.InlierThreshold
	}
	if r.MinCorrespondences != nil {
		c.MinCorrespondences = *r.MinCorrespondences
	}
	if r.RANSACIterations != nil {
		c.RANSACIterations = *r.RANSACIterations
	}
	if r.RANSACProbability != nil {
		c.RANSACProbability = *r.RANSACProbability
	}
	if r.Seed != nil {
		c.Seed = *r.Seed
	}
	return c
}

// Config represents the full configuration file
type Config struct {
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Pairs        []PairConfig       `yaml:"pairs" json:"pairs"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetPairByID returns the pair config for the given ID
func (c *Config) GetPairByID(id string) *PairConfig {
	for i := range c.Pairs {
		if c.Pairs[i].ID == id {
			return &c.Pairs[i]
		}
	}
	return nil
}

// PairsForTopic returns the pairs reading the topic as source and as target.
func (c *Config) PairsForTopic(topic string) (sources, targets []*PairConfig) {
	for i := range c.Pairs {
		p := &c.Pairs[i]
		if p.SourceTopic == topic {
			sources = append(sources, p)
		}
		if p.TargetTopic != "" && p.TargetTopic == topic {
			targets = append(targets, p)
		}
	}
	return sources, targets
}
