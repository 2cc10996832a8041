package mesh

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockReportPublisher records published reports.
type mockReportPublisher struct {
	mock.Mock
}

func (m *mockReportPublisher) PublishReport(r RegistrationReport) error {
	args := m.Called(r)
	return args.Error(0)
}

func alignerConfig() *Config {
	url := "http://maps.local/dock.json"
	return &Config{
		Registration: RegistrationConfig{CentroidGuess: true},
		Pairs: []PairConfig{
			{ID: "arm", SourceTopic: "robot/arm/cloud", TargetTopic: "robot/base/cloud", Color: "#00FF00"},
			{ID: "dock", SourceTopic: "robot/dock/cloud", TargetURL: &url},
		},
	}
}

// offsetClouds returns a target grid and the same grid shifted by offset.
func offsetClouds(offset Matrix4) (source, target *CloudDocument) {
	grid := jitteredGrid(rand.New(rand.NewSource(3)), 4, 1, 0.05)
	return NewCloudDocument(TransformCloud(grid, offset), "arm"), NewCloudDocument(grid, "base")
}

func newTestAligner(t *testing.T, config *Config, pub ReportPublisher) (*Aligner, *StateTracker) {
	t.Helper()
	st := NewStateTracker(0)
	a := NewAligner(config, nil, "", st, pub)
	a.SetLogger(quietLogger)
	return a, st
}

func latestRun(st *StateTracker, pairID string) *RunSnapshot {
	snap, _ := st.LatestRun(pairID)
	return snap
}

func TestNewAlignerSetsPairColors(t *testing.T) {
	_, st := newTestAligner(t, alignerConfig(), nil)
	assert.Equal(t, "#00FF00", st.Color("arm"))
	assert.Equal(t, "#FF0000", st.Color("dock"), "pairs without a color keep the default")
}

func TestAlignerOnCloudRegistersPair(t *testing.T) {
	pub := &mockReportPublisher{}
	pub.On("PublishReport", mock.MatchedBy(func(r RegistrationReport) bool {
		return r.PairID == "arm" && r.Converged
	})).Return(nil).Once()

	a, st := newTestAligner(t, alignerConfig(), pub)
	source, target := offsetClouds(Translation(0.4, -0.3, 0.2))

	// Source first: the target has not arrived, nothing runs.
	a.OnCloud("robot/arm/cloud", source, nil)
	assert.Nil(t, latestRun(st, "arm"))

	// A target update does not trigger the pair by itself.
	a.OnCloud("robot/base/cloud", target, nil)
	assert.Nil(t, latestRun(st, "arm"))

	a.OnCloud("robot/arm/cloud", source, nil)

	snap := latestRun(st, "arm")
	require.NotNil(t, snap)
	assert.Equal(t, "#00FF00", snap.Color)
	assert.True(t, snap.Report.Converged)
	assert.True(t, snap.Report.Transform.ApproxEqual(Translation(-0.4, 0.3, -0.2), 1e-6))
	pub.AssertExpectations(t)

	status := a.Status()
	assert.Equal(t, []string{"arm"}, status.RegisteredPairs)
	assert.Equal(t, []string{"dock"}, status.MissingPairs)
}

func TestAlignerDecodeErrorIsIgnored(t *testing.T) {
	a, st := newTestAligner(t, alignerConfig(), nil)
	a.OnCloud("robot/arm/cloud", nil, errors.New("bad payload"))

	_, ok := st.GetCloud("robot/arm/cloud")
	assert.False(t, ok)
}

func TestAlignerDebounce(t *testing.T) {
	pub := &mockReportPublisher{}
	pub.On("PublishReport", mock.Anything).Return(nil)

	a, _ := newTestAligner(t, alignerConfig(), pub)
	a.MinInterval = time.Hour
	source, target := offsetClouds(Translation(0.1, 0, 0))
	a.OnCloud("robot/base/cloud", target, nil)
	a.OnCloud("robot/arm/cloud", source, nil)
	a.OnCloud("robot/arm/cloud", source, nil)
	pub.AssertNumberOfCalls(t, "PublishReport", 1)

	_, err := a.Register(context.Background(), "arm", false)
	assert.ErrorIs(t, err, ErrDebounced)

	report, err := a.Register(context.Background(), "arm", true)
	require.NoError(t, err)
	assert.Equal(t, "arm", report.PairID)
	pub.AssertNumberOfCalls(t, "PublishReport", 2)
}

func TestAlignerOnTriggerForcesRun(t *testing.T) {
	pub := &mockReportPublisher{}
	pub.On("PublishReport", mock.Anything).Return(nil)

	a, st := newTestAligner(t, alignerConfig(), pub)
	a.MinInterval = time.Hour
	source, target := offsetClouds(Translation(0, 0.2, 0))
	a.OnCloud("robot/base/cloud", target, nil)
	a.OnCloud("robot/arm/cloud", source, nil)
	first := latestRun(st, "arm")
	require.NotNil(t, first)

	a.OnTrigger("arm")
	second := latestRun(st, "arm")
	require.NotNil(t, second)
	assert.NotEqual(t, first.Report.RunID, second.Report.RunID)
	pub.AssertNumberOfCalls(t, "PublishReport", 2)

	// Unknown pairs are logged, not run.
	a.OnTrigger("ghost")
	pub.AssertNumberOfCalls(t, "PublishReport", 2)
}

func TestAlignerRegisterErrors(t *testing.T) {
	a, _ := newTestAligner(t, alignerConfig(), nil)

	_, err := a.Register(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, ErrUnknownPair)

	_, err = a.Register(context.Background(), "arm", true)
	assert.ErrorIs(t, err, ErrNoCloud)
}

func TestAlignerFetchesTargetURLOnce(t *testing.T) {
	pub := &mockReportPublisher{}
	pub.On("PublishReport", mock.Anything).Return(nil)

	a, _ := newTestAligner(t, alignerConfig(), pub)
	source, target := offsetClouds(Translation(0.2, 0.2, 0))

	var urls []string
	a.SetFetcher(func(ctx context.Context, url string) (*CloudDocument, error) {
		urls = append(urls, url)
		return target, nil
	})

	a.OnCloud("robot/dock/cloud", source, nil)
	_, err := a.Register(context.Background(), "dock", true)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://maps.local/dock.json"}, urls)
	pub.AssertNumberOfCalls(t, "PublishReport", 2)
}

func TestAlignerFetchFailure(t *testing.T) {
	a, _ := newTestAligner(t, alignerConfig(), nil)
	a.SetFetcher(func(ctx context.Context, url string) (*CloudDocument, error) {
		return nil, &StatusError{URL: url, StatusCode: 404}
	})
	source, _ := offsetClouds(Identity())
	a.OnCloud("robot/dock/cloud", source, nil)

	_, err := a.Register(context.Background(), "dock", true)
	assert.ErrorIs(t, err, ErrNoCloud)
	var se *StatusError
	assert.False(t, errors.As(err, &se), "fetch error is flattened into the message")
}

func TestAlignerPersistsCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "results.json")
	st := NewStateTracker(0)
	a := NewAligner(alignerConfig(), nil, path, st, nil)
	a.SetLogger(quietLogger)

	source, target := offsetClouds(Translation(0.3, 0, 0))
	a.OnCloud("robot/base/cloud", target, nil)
	a.OnCloud("robot/arm/cloud", source, nil)

	cache, err := LoadResultCache(path)
	require.NoError(t, err)
	require.NotNil(t, cache)
	cached, ok := cache.Pairs["arm"]
	require.True(t, ok)
	assert.True(t, cached.Converged)
	assert.Equal(t, latestRun(st, "arm").Report.RunID, cached.RunID)

	// The cached transform seeds the next run of a fresh aligner.
	guesses := InitialGuesses(alignerConfig(), cache)
	assert.True(t, guesses["arm"].ApproxEqual(cached.Transform, 1e-12))
}

func TestAlignerPublishesFailures(t *testing.T) {
	pub := &mockReportPublisher{}
	pub.On("PublishReport", mock.MatchedBy(func(r RegistrationReport) bool {
		return !r.Converged && r.Error != ""
	})).Return(errors.New("broker down"))

	cfg := alignerConfig()
	minCorr := 500
	cfg.Registration.MinCorrespondences = &minCorr
	a, st := newTestAligner(t, cfg, pub)

	source, target := offsetClouds(Translation(0.1, 0, 0))
	a.OnCloud("robot/base/cloud", target, nil)
	_, err := a.Register(context.Background(), "arm", true)
	assert.ErrorIs(t, err, ErrNoCloud, "source not seen yet")

	a.OnCloud("robot/arm/cloud", source, nil)
	report, err := a.Register(context.Background(), "arm", true)
	var ice *InsufficientCorrespondencesError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 500, ice.Required)
	assert.False(t, report.Converged)
	assert.NotNil(t, latestRun(st, "arm"), "failed runs are kept for inspection")
	pub.AssertNumberOfCalls(t, "PublishReport", 2)
}

func TestRunRegistration(t *testing.T) {
	source, target := offsetClouds(Translation(0.25, -0.15, 0.05))

	tests := []struct {
		name string
		reg  RegistrationConfig
	}{
		{"defaults", RegistrationConfig{CentroidGuess: true}},
		{"weighted brute force", RegistrationConfig{CentroidGuess: true, Estimator: "weighted", Searcher: "brute"}},
		{"percentile", RegistrationConfig{CentroidGuess: true, Rejector: "percentile"}},
		{"no rejection", RegistrationConfig{CentroidGuess: true, Rejector: "none"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, res, err := RunRegistration("arm", source, target, tt.reg, nil, quietLogger)
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.True(t, res.State.Converged)
			assert.Equal(t, len(source.Points), snap.Aligned.Len())
			assert.Equal(t, res.ID, snap.Report.RunID)
			assert.True(t, res.State.FinalTransformation.ApproxEqual(Translation(-0.25, 0.15, -0.05), 1e-6))
		})
	}
}

func TestRunRegistrationExplicitGuess(t *testing.T) {
	source, target := offsetClouds(Translation(0.2, 0, 0))
	guess := Translation(-0.2, 0, 0)

	snap, res, err := RunRegistration("arm", source, target, RegistrationConfig{}, &guess, quietLogger)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, res.State.FinalTransformation.ApproxEqual(guess, 1e-6))
}

func TestRunRegistrationPointToPlane(t *testing.T) {
	// Three orthogonal walls meeting at the origin, with wall normals.
	var pts []XYZNormal
	for a := 0.25; a <= 2.0; a += 0.25 {
		for b := 0.25; b <= 2.0; b += 0.25 {
			pts = append(pts,
				XYZNormal{X: 0, Y: a, Z: b, NX: 1},
				XYZNormal{X: a, Y: 0, Z: b, NY: 1},
				XYZNormal{X: a, Y: b, Z: 0, NZ: 1})
		}
	}
	walls := NewCloud(pts)
	target := NewCloudDocument(walls, "base")

	truth := Translation(0.04, -0.03, 0.02)
	src := make([]XYZ, len(pts))
	for i, p := range pts {
		v := truth.Inverse().Apply(p.Position())
		src[i] = XYZ{X: v.X, Y: v.Y, Z: v.Z}
	}
	source := NewCloudDocument(NewCloud(src), "arm")

	reg := RegistrationConfig{Estimator: "point-to-plane", Rejector: "none"}
	snap, res, err := RunRegistration("arm", source, target, reg, nil, quietLogger)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, res.State.FinalTransformation.ApproxEqual(truth, 1e-6))
	assert.Equal(t, walls.Len(), snap.Target.Len())

	_, plain := offsetClouds(Identity())
	snap, _, err = RunRegistration("arm", source, plain, reg, nil, quietLogger)
	assert.ErrorIs(t, err, ErrMissingNormals)
	assert.Nil(t, snap)
}

func TestRunRegistrationInvalidConfig(t *testing.T) {
	source, target := offsetClouds(Identity())
	neg := -1
	snap, _, err := RunRegistration("arm", source, target, RegistrationConfig{MaxIterations: &neg}, nil, quietLogger)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, snap)

	snap, _, err = RunRegistration("arm", source, target, RegistrationConfig{Estimator: "lsq"}, nil, quietLogger)
	assert.Error(t, err)
	assert.Nil(t, snap)
}
