package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kwv/cloudmesh/mesh"
)

const (
	defaultConfigPath = "config.yaml"
	defaultCachePath  = mesh.DefaultResultCachePath

	// cliPreviewColor draws the aligned cloud in previews written by register.
	cliPreviewColor = "#1E90FF"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	Cache        *mesh.ResultCache
	StateTracker *mesh.StateTracker
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher
	Aligner      *mesh.Aligner
	Logger       *log.Logger
}

// NewApp creates a new App instance
func NewApp(logger *log.Logger) *App {
	if logger == nil {
		logger = log.Default()
	}
	return &App{Logger: logger}
}

// registrationOverrides holds the numeric flags that were set explicitly.
type registrationOverrides struct {
	MaxIterations      *int
	Epsilon            *float64
	MaxDistance        *float64
	InlierThreshold    *float64
	MinCorrespondences *int
	Seed               *int64
}

// RegisterOptions are the inputs of a one-off registration.
type RegisterOptions struct {
	Source, Target string
	ConfigFile     string

	Output, Result, SVG, PNG, Trace string

	CentroidGuess                 bool
	Estimator, Searcher, Rejector string
	Overrides                     registrationOverrides

	// flag storage; copied into Overrides when the flag was set
	maxIterations, minCorrespondences    int
	epsilon, maxDistance, inlierThreshold float64
	seed                                  int64
}

// registration resolves the settings: config file first, flags on top.
func (o RegisterOptions) registration() (mesh.RegistrationConfig, error) {
	var reg mesh.RegistrationConfig
	if o.ConfigFile != "" {
		config, err := mesh.LoadConfig(o.ConfigFile)
		if err != nil {
			return reg, err
		}
		reg = config.Registration
	}

	ov := o.Overrides
	if ov.MaxIterations != nil {
		reg.MaxIterations = ov.MaxIterations
	}
	if ov.Epsilon != nil {
		reg.TransformationEpsilon = ov.Epsilon
	}
	if ov.MaxDistance != nil {
		reg.CorrespondenceDistance = ov.MaxDistance
	}
	if ov.InlierThreshold != nil {
		reg.InlierThreshold = ov.InlierThreshold
	}
	if ov.MinCorrespondences != nil {
		reg.MinCorrespondences = ov.MinCorrespondences
	}
	if ov.Seed != nil {
		reg.Seed = ov.Seed
	}
	if o.Estimator != "" {
		reg.Estimator = o.Estimator
	}
	if o.Searcher != "" {
		reg.Searcher = o.Searcher
	}
	if o.Rejector != "" {
		reg.Rejector = o.Rejector
	}
	if o.CentroidGuess {
		reg.CentroidGuess = true
	}
	return reg, reg.Validate()
}

// runFile is the --result document.
type runFile struct {
	Report mesh.RegistrationReport `json:"report"`
	Trace  []mesh.IterationStats   `json:"trace"`
}

// RunRegister aligns one cloud file onto another and writes the requested
// outputs. Outputs are written for failed registrations too; the
// registration error is returned afterwards.
func (a *App) RunRegister(w io.Writer, opts RegisterOptions) error {
	source, err := mesh.DecodeCloudFile(opts.Source)
	if err != nil {
		return fmt.Errorf("loading source %s: %w", opts.Source, err)
	}
	target, err := mesh.DecodeCloudFile(opts.Target)
	if err != nil {
		return fmt.Errorf("loading target %s: %w", opts.Target, err)
	}
	reg, err := opts.registration()
	if err != nil {
		return err
	}

	name := strings.TrimSuffix(filepath.Base(opts.Source), filepath.Ext(opts.Source))
	snap, res, regErr := mesh.RunRegistration(name, source, target, reg, nil, a.Logger)
	if snap == nil {
		return regErr
	}
	snap.Color = cliPreviewColor

	printReport(w, snap.Report)

	var errs []error
	if opts.Output != "" {
		errs = append(errs, mesh.WriteCloudFile(opts.Output, mesh.NewCloudDocument(res.Output, target.Frame)))
	}
	if opts.Result != "" {
		errs = append(errs, writeJSON(opts.Result, runFile{Report: snap.Report, Trace: snap.Trace}))
	}
	if opts.Trace != "" {
		errs = append(errs, writeJSON(opts.Trace, mesh.BuildTrace(snap, mesh.DefaultTraceTolerance)))
	}
	if opts.SVG != "" {
		errs = append(errs, writeSVG(opts.SVG, snap))
	}
	if opts.PNG != "" {
		r := mesh.NewCompositeRenderer(mesh.PreviewLayers(snap))
		r.Caption = mesh.PreviewCaption(snap.Report)
		errs = append(errs, r.SavePNG(opts.PNG))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("writing outputs: %w", err)
	}
	return regErr
}

func printReport(w io.Writer, r mesh.RegistrationReport) {
	status := "converged"
	if !r.Converged {
		status = "FAILED at " + r.Stage
	}
	fmt.Fprintf(w, "=== %s ===\n", r.PairID)
	fmt.Fprintf(w, "Run: %s\n", r.RunID)
	fmt.Fprintf(w, "Status: %s after %d iteration(s) in %.1fms\n", status, r.Iterations, r.DurationMs)
	fmt.Fprintf(w, "Translation: (%.4f, %.4f, %.4f)  yaw: %.2f°\n",
		r.Translation[0], r.Translation[1], r.Translation[2], r.YawDeg)
	fmt.Fprintf(w, "Fitness: %.6g\n", r.Fitness)
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0644)
}

func writeSVG(path string, snap *mesh.RunSnapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := mesh.NewRunRenderer(snap).RenderToSVG(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RunInspect prints a summary of each cloud file. Unreadable files are
// reported and skipped.
func (a *App) RunInspect(w io.Writer, paths []string) error {
	failed := 0
	for _, path := range paths {
		fmt.Fprintf(w, "=== %s ===\n", filepath.Base(path))
		doc, err := mesh.DecodeCloudFile(path)
		if err != nil {
			fmt.Fprintf(w, "ERROR: %v\n\n", err)
			failed++
			continue
		}

		s := mesh.Summarize(doc)
		if s.Frame != "" {
			fmt.Fprintf(w, "Frame: %s\n", s.Frame)
		}
		fmt.Fprintf(w, "Points: %d (%dx%d", s.Points, s.Width, s.Height)
		if s.Height > 1 {
			fmt.Fprint(w, ", organized")
		}
		fmt.Fprintln(w, ")")
		if s.Selected != s.Points {
			fmt.Fprintf(w, "Selected: %d\n", s.Selected)
		}
		if s.Points > 0 {
			fmt.Fprintf(w, "Bounds: (%.3f, %.3f, %.3f) - (%.3f, %.3f, %.3f)\n",
				s.Min.X, s.Min.Y, s.Min.Z, s.Max.X, s.Max.Y, s.Max.Z)
			fmt.Fprintf(w, "Centroid: (%.3f, %.3f, %.3f)\n", s.Centroid.X, s.Centroid.Y, s.Centroid.Z)
		}
		fmt.Fprintf(w, "Has Normals: %v, Has Color: %v\n\n", s.HasNormals, s.HasColor)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) could not be read", failed, len(paths))
	}
	return nil
}

// ServeOptions configure the long-running service.
type ServeOptions struct {
	ConfigFile string
	CachePath  string
	DataDir    string
	MqttMode   bool
	HttpMode   bool
	HttpPort   int
	MaxRuns    int
}

// resolvePaths places default config and cache paths inside DataDir.
func (o ServeOptions) resolvePaths() (configPath, cachePath string) {
	configPath, cachePath = o.ConfigFile, o.CachePath
	if o.DataDir == "" || o.DataDir == "." {
		return configPath, cachePath
	}
	if configPath == defaultConfigPath {
		configPath = filepath.Join(o.DataDir, defaultConfigPath)
	}
	if cachePath == defaultCachePath {
		cachePath = filepath.Join(o.DataDir, defaultCachePath)
	}
	return configPath, cachePath
}

// setup loads config and cache and builds the aligner.
func (a *App) setup(opts ServeOptions) error {
	configPath, cachePath := opts.resolvePaths()

	config, err := mesh.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config (looked at %s): %w", configPath, err)
	}
	a.Config = config
	a.Logger.Info("Loaded config", "path", configPath, "pairs", len(config.Pairs))

	cache, err := mesh.LoadResultCache(cachePath)
	switch {
	case err != nil:
		a.Logger.Warn("Failed to load result cache, starting empty", "path", cachePath, "err", err)
		cache = nil
	case cache == nil:
		a.Logger.Info("No result cache yet", "path", cachePath)
	default:
		a.Logger.Info("Loaded result cache", "path", cachePath, "pairs", len(cache.Pairs))
	}
	if cache == nil {
		cache = mesh.NewResultCache()
	}
	a.Cache = cache

	a.StateTracker = mesh.NewStateTracker(opts.MaxRuns)
	a.Aligner = mesh.NewAligner(config, cache, cachePath, a.StateTracker, nil)
	a.Aligner.SetLogger(a.Logger.WithPrefix("aligner"))
	return nil
}

// RunService runs until ctx is cancelled or SIGINT/SIGTERM arrives.
func (a *App) RunService(ctx context.Context, opts ServeOptions) error {
	a.Logger.Info("Starting cloudmesh service", "version", Version)

	if err := a.setup(opts); err != nil {
		return err
	}

	if opts.MqttMode {
		client, err := mesh.InitMQTT(a.Config, a.Aligner.OnCloud)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured: set mqtt.broker or MQTT_BROKER")
		}
		a.MQTTClient = client
		a.Publisher = mesh.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix)
		a.Aligner.SetPublisher(a.Publisher)
		client.SetTriggerHandler(a.Aligner.OnTrigger)

		for _, topic := range client.Topics() {
			a.Logger.Info("Subscribed", "topic", topic)
		}
		a.Logger.Info("Publishing results", "topic", a.Publisher.ResultTopic("{pair}"), "combined", a.Publisher.ResultsTopic())
	}

	serverErr := make(chan error, 1)
	var server *http.Server
	if opts.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", opts.HttpPort),
			Handler:           newHTTPServer(a.StateTracker, a.Aligner, a.Logger.WithPrefix("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.Info("Starting HTTP server", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Shutting down service")
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server: %w", err)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("HTTP shutdown", "err", err)
		}
		cancel()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	a.Logger.Info("Service stopped")
	return runErr
}
