package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultMinRegistrationInterval debounces cloud-triggered registrations of
// one pair. Explicit requests are never debounced.
const DefaultMinRegistrationInterval = 2 * time.Second

var (
	// ErrUnknownPair is returned for pair IDs missing from the configuration.
	ErrUnknownPair = errors.New("unknown pair")
	// ErrNoCloud is returned when a pair's source or target cloud has not arrived yet.
	ErrNoCloud = errors.New("cloud not available")
	// ErrDebounced is returned when a registration was skipped for running too soon.
	ErrDebounced = errors.New("registration debounced")
)

// ReportPublisher receives the report of every registration run.
type ReportPublisher interface {
	PublishReport(r RegistrationReport) error
}

// CloudFetcher loads a cloud from a URL.
type CloudFetcher func(ctx context.Context, url string) (*CloudDocument, error)

// Aligner runs registrations for the configured pairs when their clouds
// arrive. Runs of one pair are serialized; different pairs run concurrently.
type Aligner struct {
	config      *Config
	cache       *ResultCache
	cachePath   string
	state       *StateTracker
	publisher   ReportPublisher
	fetch       CloudFetcher
	logger      *log.Logger
	MinInterval time.Duration

	mu        sync.Mutex // guards publisher, cache, lastRun, fetched and pairLocks
	pairLocks map[string]*sync.Mutex
	lastRun   map[string]time.Time
	fetched   map[string]*CloudDocument // pair ID -> target fetched over HTTP
}

// NewAligner creates an aligner. cache may be nil; cachePath "" disables
// persisting results; publisher may be nil.
func NewAligner(config *Config, cache *ResultCache, cachePath string, st *StateTracker, publisher ReportPublisher) *Aligner {
	if cache == nil {
		cache = NewResultCache()
	}
	for _, p := range config.Pairs {
		if p.Color != "" {
			st.SetColor(p.ID, p.Color)
		}
	}
	return &Aligner{
		config:    config,
		cache:     cache,
		cachePath: cachePath,
		state:     st,
		publisher: publisher,
		fetch: func(ctx context.Context, url string) (*CloudDocument, error) {
			return FetchCloud(ctx, url)
		},
		logger:      log.Default(),
		MinInterval: DefaultMinRegistrationInterval,
		pairLocks:   make(map[string]*sync.Mutex),
		lastRun:     make(map[string]time.Time),
		fetched:     make(map[string]*CloudDocument),
	}
}

// SetFetcher replaces the HTTP fetcher for target URLs.
func (a *Aligner) SetFetcher(f CloudFetcher) { a.fetch = f }

// SetPublisher sets where reports go; nil stops publishing.
func (a *Aligner) SetPublisher(p ReportPublisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publisher = p
}

// SetLogger replaces the default logger.
func (a *Aligner) SetLogger(l *log.Logger) { a.logger = l }

// OnCloud is the CloudHandler registered with the MQTT client. It stores the
// cloud and registers every pair whose source topic it is.
func (a *Aligner) OnCloud(topic string, doc *CloudDocument, err error) {
	observeCloudMessage(topic, err)
	if err != nil {
		return
	}
	a.state.UpdateCloud(topic, doc)

	sources, _ := a.config.PairsForTopic(topic)
	for _, p := range sources {
		_, err := a.Register(context.Background(), p.ID, false)
		switch {
		case err == nil, errors.Is(err, ErrDebounced):
		case errors.Is(err, ErrNoCloud):
			a.logger.Debug("Waiting for clouds", "pair", p.ID, "err", err)
		default:
			a.logger.Warn("Registration failed", "pair", p.ID, "err", err)
		}
	}
}

// OnTrigger is the TriggerHandler registered with the MQTT client.
func (a *Aligner) OnTrigger(pairID string) {
	if _, err := a.Register(context.Background(), pairID, true); err != nil {
		a.logger.Warn("Requested registration failed", "pair", pairID, "err", err)
	}
}

// Register runs one registration of a pair with the latest clouds. Unless
// force is set, a pair registered less than MinInterval ago is skipped with
// ErrDebounced. A failed registration still yields its report.
func (a *Aligner) Register(ctx context.Context, pairID string, force bool) (RegistrationReport, error) {
	pair := a.config.GetPairByID(pairID)
	if pair == nil {
		return RegistrationReport{}, fmt.Errorf("%w: %s", ErrUnknownPair, pairID)
	}

	lock := a.pairLock(pairID)
	lock.Lock()
	defer lock.Unlock()

	if !force && a.recentlyRun(pairID) {
		return RegistrationReport{}, ErrDebounced
	}

	source, ok := a.state.GetCloud(pair.SourceTopic)
	if !ok {
		return RegistrationReport{}, fmt.Errorf("%w: source %s", ErrNoCloud, pair.SourceTopic)
	}
	target, err := a.target(ctx, pair)
	if err != nil {
		return RegistrationReport{}, err
	}

	a.mu.Lock()
	guesses := InitialGuesses(a.config, a.cache)
	a.mu.Unlock()
	var guess *Matrix4
	if g, ok := guesses[pairID]; ok {
		guess = &g
	}

	logger := a.logger.With("pair", pairID)
	logger.Info("Registering", "source", len(source.Points), "target", len(target.Points))

	snap, res, regErr := RunRegistration(pairID, source, target, a.config.Registration, guess, logger)
	if snap == nil {
		// Invalid input or parameters; nothing ran.
		return RegistrationReport{}, regErr
	}
	snap.Color = a.state.Color(pairID)

	a.state.RecordRun(snap)
	observeRegistration(snap.Report, a.config.Registration.ICPConfig().MaxIterations)
	a.record(pairID, res, regErr)

	a.mu.Lock()
	pub := a.publisher
	a.mu.Unlock()
	if pub != nil {
		if err := pub.PublishReport(snap.Report); err != nil {
			logger.Warn("Publishing report failed", "err", err)
		}
	}
	return snap.Report, regErr
}

// target returns the pair's target cloud: the latest on its topic, or the
// one fetched from its URL, fetched on first use.
func (a *Aligner) target(ctx context.Context, pair *PairConfig) (*CloudDocument, error) {
	if pair.TargetTopic != "" {
		if doc, ok := a.state.GetCloud(pair.TargetTopic); ok {
			return doc, nil
		}
		if pair.TargetURL == nil || *pair.TargetURL == "" {
			return nil, fmt.Errorf("%w: target %s", ErrNoCloud, pair.TargetTopic)
		}
	}

	a.mu.Lock()
	doc, ok := a.fetched[pair.ID]
	a.mu.Unlock()
	if ok {
		return doc, nil
	}

	a.logger.Info("Fetching target cloud", "pair", pair.ID, "url", *pair.TargetURL)
	doc, err := a.fetch(ctx, *pair.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching target: %v", ErrNoCloud, err)
	}
	a.mu.Lock()
	a.fetched[pair.ID] = doc
	a.mu.Unlock()
	return doc, nil
}

func (a *Aligner) pairLock(pairID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.pairLocks[pairID]
	if !ok {
		l = &sync.Mutex{}
		a.pairLocks[pairID] = l
	}
	return l
}

func (a *Aligner) recentlyRun(pairID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastRun[pairID]
	return ok && time.Since(last) < a.MinInterval
}

// record updates the result cache and persists it.
func (a *Aligner) record(pairID string, res Result[XYZ], regErr error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastRun[pairID] = time.Now()
	a.cache.Record(pairID, res.State, res.ID, res.Fitness, regErr)
	if a.cachePath == "" {
		return
	}
	if err := SaveResultCache(a.cachePath, a.cache); err != nil {
		a.logger.Error("Saving result cache failed", "path", a.cachePath, "err", err)
	}
}

// Status reports which configured pairs have a converged result.
func (a *Aligner) Status() CacheStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, len(a.config.Pairs))
	for i, p := range a.config.Pairs {
		ids[i] = p.ID
	}
	return a.cache.GetStatus(ids)
}

// RunRegistration aligns source onto target with the strategies named in
// reg. guess may be nil, in which case reg.CentroidGuess decides whether the
// centroid offset seeds the run. Point-to-plane estimation reads the target
// normals. The snapshot is nil only when the inputs were rejected before the
// loop started.
func RunRegistration(pairID string, source, target *CloudDocument, reg RegistrationConfig, guess *Matrix4, logger *log.Logger) (*RunSnapshot, Result[XYZ], error) {
	if err := reg.Validate(); err != nil {
		return nil, Result[XYZ]{}, err
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg := reg.ICPConfig()
	src := source.XYZ()
	tgt := target.XYZ()

	if guess == nil && reg.CentroidGuess {
		g := CentroidGuess(src, tgt)
		guess = &g
	}

	opts := []Option{WithLogger(logger)}
	estimator, _ := EstimatorByName(reg.Estimator)
	opts = append(opts, WithEstimator(estimator))
	if reg.Rejector != "" {
		rejector, _ := RejectorByName(reg.Rejector, cfg)
		opts = append(opts, WithRejector(rejector))
	}
	factory, _ := SearcherByName(reg.Searcher)

	var res Result[XYZ]
	var err error
	if _, ok := estimator.(PointToPlaneEstimator); ok {
		withNormals, nerr := target.XYZNormal()
		if nerr != nil {
			return nil, Result[XYZ]{}, nerr
		}
		opts = append(opts, WithSearcher(factory(withNormals)))
		res, err = align(withNormals, src, source.Subset(), cfg, guess, opts)
	} else {
		opts = append(opts, WithSearcher(factory(tgt)))
		res, err = align(tgt, src, source.Subset(), cfg, guess, opts)
	}

	var rerr *InsufficientCorrespondencesError
	var serr *NeighborSearchError
	var eerr *EstimationError
	if err != nil && !errors.As(err, &rerr) && !errors.As(err, &serr) && !errors.As(err, &eerr) {
		return nil, res, err
	}

	return &RunSnapshot{
		Report:  NewRegistrationReport(pairID, res, err),
		Trace:   res.Trace,
		Source:  src,
		Aligned: res.Output,
		Target:  tgt,
	}, res, err
}

func align[T Point](target Cloud[T], source Cloud[XYZ], indices Indices, cfg ICPConfig, guess *Matrix4, opts []Option) (Result[XYZ], error) {
	icp, err := NewICP[XYZ](target, cfg, opts...)
	if err != nil {
		return Result[XYZ]{}, err
	}
	return icp.Align(source, indices, guess)
}
