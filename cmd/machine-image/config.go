package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envDataDir    = "SCYLLA_MACHINE_IMAGE_DATA_DIR"
	envOutputDir  = "SCYLLA_MACHINE_IMAGE_OUTPUT_DIR"
	envOCIPresets = "SCYLLA_MACHINE_IMAGE_OCI_PRESETS"

	envAWSEndpoint   = "SCYLLA_MACHINE_IMAGE_AWS_ENDPOINT"
	envGCPEndpoint   = "SCYLLA_MACHINE_IMAGE_GCP_ENDPOINT"
	envAzureEndpoint = "SCYLLA_MACHINE_IMAGE_AZURE_ENDPOINT"
	envOCIEndpoint   = "SCYLLA_MACHINE_IMAGE_OCI_ENDPOINT"
)

type runtimeConfig struct {
	Paths    pathsConfig
	Metadata metadataConfig
}

type pathsConfig struct {
	// DataDir is the database data directory recorded in io_properties.yaml.
	DataDir string
	// OutputDir receives io_properties.yaml and io.conf.
	OutputDir string
	// OCIPresets is the shape-keyed preset table shipped with the image.
	OCIPresets string
}

// metadataConfig overrides the per-provider metadata endpoints. Empty means
// the provider's real link-local address; tests point these at local servers.
type metadataConfig struct {
	AWSEndpoint   string
	GCPEndpoint   string
	AzureEndpoint string
	OCIEndpoint   string
}

type fileConfig struct {
	Paths    pathsFileConfig    `yaml:"paths"`
	Metadata metadataFileConfig `yaml:"metadata"`
}

type pathsFileConfig struct {
	DataDir    *string `yaml:"dataDir"`
	OutputDir  *string `yaml:"outputDir"`
	OCIPresets *string `yaml:"ociPresets"`
}

type metadataFileConfig struct {
	AWSEndpoint   *string `yaml:"awsEndpoint"`
	GCPEndpoint   *string `yaml:"gcpEndpoint"`
	AzureEndpoint *string `yaml:"azureEndpoint"`
	OCIEndpoint   *string `yaml:"ociEndpoint"`
}

func defaultRuntimeConfig() runtimeConfig {
	var cfg runtimeConfig

	cfg.Paths.DataDir = "/var/lib/scylla"
	cfg.Paths.OutputDir = "/etc/scylla.d"
	cfg.Paths.OCIPresets = "/opt/scylladb/scylla-machine-image/oci_io_params.yaml"

	return cfg
}

func loadConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		applyEnvOverrides(&cfg)

		return cfg, nil
	}

	data, err := os.ReadFile(trimmed)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return runtimeConfig{}, fmt.Errorf("read config file %q: %w", trimmed, err)
		}
	} else {
		var fileCfg fileConfig

		err := yaml.Unmarshal(data, &fileCfg)
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("decode config file %q: %w", trimmed, err)
		}

		mergePathsConfig(&cfg.Paths, fileCfg.Paths)
		mergeMetadataConfig(&cfg.Metadata, fileCfg.Metadata)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func mergePathsConfig(dst *pathsConfig, src pathsFileConfig) {
	assignString(&dst.DataDir, src.DataDir)
	assignString(&dst.OutputDir, src.OutputDir)
	assignString(&dst.OCIPresets, src.OCIPresets)
}

func mergeMetadataConfig(dst *metadataConfig, src metadataFileConfig) {
	assignString(&dst.AWSEndpoint, src.AWSEndpoint)
	assignString(&dst.GCPEndpoint, src.GCPEndpoint)
	assignString(&dst.AzureEndpoint, src.AzureEndpoint)
	assignString(&dst.OCIEndpoint, src.OCIEndpoint)
}

func applyEnvOverrides(cfg *runtimeConfig) {
	cfg.Paths.DataDir = envString(envDataDir, cfg.Paths.DataDir)
	cfg.Paths.OutputDir = envString(envOutputDir, cfg.Paths.OutputDir)
	cfg.Paths.OCIPresets = envString(envOCIPresets, cfg.Paths.OCIPresets)
	cfg.Metadata.AWSEndpoint = envString(envAWSEndpoint, cfg.Metadata.AWSEndpoint)
	cfg.Metadata.GCPEndpoint = envString(envGCPEndpoint, cfg.Metadata.GCPEndpoint)
	cfg.Metadata.AzureEndpoint = envString(envAzureEndpoint, cfg.Metadata.AzureEndpoint)
	cfg.Metadata.OCIEndpoint = envString(envOCIEndpoint, cfg.Metadata.OCIEndpoint)
}

var lookupEnv = os.LookupEnv //nolint:gochecknoglobals // overridden in tests

func assignString(target *string, value *string) {
	if value != nil {
		*target = strings.TrimSpace(*value)
	}
}

func envString(key, fallback string) string {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	return trimmed
}
