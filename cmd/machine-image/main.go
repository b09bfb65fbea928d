// Package main wires the machine-image CLI entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scylladb/scylla-machine-image/internal/buildinfo"
	"github.com/scylladb/scylla-machine-image/pkg/blockdev"
	"github.com/scylladb/scylla-machine-image/pkg/cloud"
	"github.com/scylladb/scylla-machine-image/pkg/metadata"
)

const (
	defaultConfigPath = "/etc/scylla-machine-image/config.yaml"
	defaultLogLevel   = "info"

	exitCodeSuccess          = 0
	exitCodeRuntimeError     = 1
	exitCodeUnsupportedClass = 3
)

func main() {
	code := run(context.Background(), os.Args[1:], defaultRunDeps())
	if code != 0 {
		exitProcess(code)
	}
}

var exitProcess = os.Exit //nolint:gochecknoglobals // replaceable for tests

type runDeps struct {
	newLogger        func(level string) (*zap.Logger, error)
	newDetector      func(cfg runtimeConfig) *cloud.Detector
	newInstance      func(kind cloud.Kind, cfg runtimeConfig) (cloud.Instance, error)
	currentBuildInfo func() buildinfo.Info
	loadConfig       func(path string) (runtimeConfig, error)
}

func defaultRunDeps() runDeps {
	return runDeps{
		newLogger:        newLogger,
		newDetector:      defaultDetectorFactory,
		newInstance:      defaultInstanceFactory,
		currentBuildInfo: buildinfo.Current,
		loadConfig:       loadConfig,
	}
}

func run(ctx context.Context, args []string, deps runDeps) int {
	root := newRootCommand(deps)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}

		return exitCodeRuntimeError
	}

	return exitCodeSuccess
}

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// commandEnv is the resolved per-invocation state shared by subcommands.
type commandEnv struct {
	cfg    runtimeConfig
	logger *zap.Logger
	deps   runDeps
}

func newRootCommand(deps runDeps) *cobra.Command {
	var (
		configPath string
		logLevel   string
		env        commandEnv
	)

	root := &cobra.Command{
		Use:           "scylla-machine-image",
		Short:         "Boot-time cloud instance identification and I/O setup",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := deps.loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger, err := deps.newLogger(logLevel)
			if err != nil {
				return fmt.Errorf("failed to configure logger: %w", err)
			}

			info := deps.currentBuildInfo()
			logger.Debug(
				"starting scylla-machine-image",
				zap.String("version", info.Version),
				zap.String("commit", info.GitCommit),
				zap.String("buildDate", info.BuildDate),
				zap.String("configPath", configPath),
			)

			env = commandEnv{cfg: cfg, logger: logger, deps: deps}

			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if env.logger != nil {
				_ = env.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(
		&configPath,
		"config",
		defaultConfigPath,
		"Path to the machine-image configuration file",
	)
	root.PersistentFlags().StringVar(
		&logLevel,
		"log-level",
		defaultLogLevel,
		"Structured log level (debug, info, warn, error)",
	)

	root.AddCommand(
		newDetectCommand(&env),
		newDisksCommand(&env),
		newIOSetupCommand(&env),
		newSysinfoCommand(&env),
	)

	return root
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = defaultLogLevel
	}

	cfg := zap.NewProductionConfig()

	err := cfg.Level.UnmarshalText([]byte(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.CallerKey = "caller"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger, nil
}

func defaultDetectorFactory(cfg runtimeConfig) *cloud.Detector {
	endpoints := cfg.Metadata
	if endpoints == (metadataConfig{}) {
		return cloud.NewDetector()
	}

	probes := []cloud.Probe{}
	for _, probe := range cloud.DefaultProbes(nil) {
		override := endpointOverride(probe.Kind, endpoints)
		if override == "" {
			probes = append(probes, probe)

			continue
		}

		probes = append(probes, cloud.ProbeFor(probe.Kind, nil, override))
	}

	return cloud.NewDetector(cloud.WithProbes(probes...))
}

func endpointOverride(kind cloud.Kind, endpoints metadataConfig) string {
	switch kind {
	case cloud.AWS:
		return endpoints.AWSEndpoint
	case cloud.GCP:
		return endpoints.GCPEndpoint
	case cloud.Azure:
		return endpoints.AzureEndpoint
	case cloud.OCI:
		return endpoints.OCIEndpoint
	}

	return ""
}

//nolint:ireturn // factory returns interface for dependency substitution
func defaultInstanceFactory(kind cloud.Kind, cfg runtimeConfig) (cloud.Instance, error) {
	inspector := blockdev.NewSysInspector()

	fetcher := func(endpoint string) *metadata.Fetcher {
		if endpoint == "" {
			return nil
		}

		return metadata.NewFetcher(nil, metadata.WithBaseURL(endpoint))
	}

	switch kind {
	case cloud.AWS:
		return cloud.NewAWSInstance(fetcher(cfg.Metadata.AWSEndpoint), inspector, nil), nil
	case cloud.GCP:
		return cloud.NewGCPInstance(fetcher(cfg.Metadata.GCPEndpoint), inspector), nil
	case cloud.Azure:
		return cloud.NewAzureInstance(fetcher(cfg.Metadata.AzureEndpoint), inspector), nil
	case cloud.OCI:
		return cloud.NewOCIInstance(fetcher(cfg.Metadata.OCIEndpoint), inspector), nil
	}

	return nil, fmt.Errorf("no instance descriptor for platform %q", kind)
}
