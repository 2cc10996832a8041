package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every command finds its logger in the
// command context.
func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "cloudmesh",
		Short:        "cloudmesh keeps point clouds registered onto each other",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if verbose {
				level = log.DebugLevel
			}
			logger := newLogger(os.Stderr, level)
			log.SetDefault(logger)
			cmd.SetContext(withLogger(cmd.Context(), logger))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRegisterCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newRegisterCmd() *cobra.Command {
	var opts RegisterOptions

	cmd := &cobra.Command{
		Use:   "register --source FILE --target FILE",
		Short: "Align a source cloud onto a target cloud once",
		Long: `Runs a single registration of two cloud files and writes the requested
outputs. Registration settings come from --config when given; flags that are
set override them. Exits non-zero when the registration aborts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opts.Overrides = registrationOverrides{}
			if flags.Changed("max-iterations") {
				opts.Overrides.MaxIterations = &opts.maxIterations
			}
			if flags.Changed("epsilon") {
				opts.Overrides.Epsilon = &opts.epsilon
			}
			if flags.Changed("max-distance") {
				opts.Overrides.MaxDistance = &opts.maxDistance
			}
			if flags.Changed("inlier-threshold") {
				opts.Overrides.InlierThreshold = &opts.inlierThreshold
			}
			if flags.Changed("min-correspondences") {
				opts.Overrides.MinCorrespondences = &opts.minCorrespondences
			}
			if flags.Changed("seed") {
				opts.Overrides.Seed = &opts.seed
			}

			app := NewApp(loggerFromContext(cmd.Context()))
			return app.RunRegister(cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Source, "source", "", "source cloud file (JSON, optionally zlib-compressed)")
	f.StringVar(&opts.Target, "target", "", "target cloud file")
	f.StringVar(&opts.ConfigFile, "config", "", "config file to read registration settings from")
	f.StringVar(&opts.Output, "output", "", "write the aligned source cloud to this file")
	f.StringVar(&opts.Result, "result", "", "write the report and iteration trace as JSON")
	f.StringVar(&opts.SVG, "svg", "", "write a vector preview")
	f.StringVar(&opts.PNG, "png", "", "write a raster preview")
	f.StringVar(&opts.Trace, "trace", "", "write the iteration trace as GeoJSON")
	f.BoolVar(&opts.CentroidGuess, "centroid-guess", false, "start from the centroid offset")
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "iteration cap")
	f.Float64Var(&opts.epsilon, "epsilon", 0, "transformation epsilon")
	f.Float64Var(&opts.maxDistance, "max-distance", 0, "maximum correspondence distance")
	f.Float64Var(&opts.inlierThreshold, "inlier-threshold", 0, "RANSAC inlier threshold")
	f.IntVar(&opts.minCorrespondences, "min-correspondences", 0, "minimum correspondences per iteration")
	f.Int64Var(&opts.seed, "seed", 0, "seed for correspondence rejection sampling")
	f.StringVar(&opts.Estimator, "estimator", "", "svd, weighted or point-to-plane")
	f.StringVar(&opts.Searcher, "searcher", "", "kdtree or brute")
	f.StringVar(&opts.Rejector, "rejector", "", "ransac, percentile or none")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Print a summary of cloud files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := NewApp(loggerFromContext(cmd.Context()))
			return app.RunInspect(cmd.OutOrStdout(), args)
		},
	}
}

func newServeCmd() *cobra.Command {
	var opts ServeOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register configured pairs as clouds arrive over MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.MqttMode && !opts.HttpMode {
				return fmt.Errorf("nothing to serve: enable --mqtt or --http")
			}
			app := NewApp(loggerFromContext(cmd.Context()))
			return app.RunService(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ConfigFile, "config", defaultConfigPath, "path to configuration file")
	f.StringVar(&opts.CachePath, "cache", defaultCachePath, "path to the result cache file")
	f.StringVar(&opts.DataDir, "data-dir", ".", "directory the default config and cache paths resolve against")
	f.BoolVar(&opts.MqttMode, "mqtt", true, "subscribe to cloud topics and publish results")
	f.BoolVar(&opts.HttpMode, "http", true, "serve results, previews and metrics over HTTP")
	f.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	f.IntVar(&opts.MaxRuns, "max-runs", 0, "runs kept in memory for inspection (0 uses the default)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cloudmesh version: %s\n", Version)
		},
	}
}

// newLogger creates a logger with short timestamps.
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

type ctxKey int

const loggerKey ctxKey = 0

func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFromContext returns the command logger, or log.Default() when none
// was attached.
func loggerFromContext(ctx context.Context) *log.Logger {
	if ctx == nil {
		return log.Default()
	}
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}
