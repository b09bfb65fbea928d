package main

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("./testdata/missing.yaml")
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	if cfg.Paths.DataDir != "/var/lib/scylla" {
		t.Fatalf("unexpected data dir: %q", cfg.Paths.DataDir)
	}

	if cfg.Paths.OutputDir != "/etc/scylla.d" {
		t.Fatalf("unexpected output dir: %q", cfg.Paths.OutputDir)
	}

	if cfg.Metadata.AWSEndpoint != "" {
		t.Fatalf("unexpected aws endpoint: %q", cfg.Metadata.AWSEndpoint)
	}
}

func TestLoadConfigAppliesFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	if cfg.Paths.DataDir != "/mnt/scylla-data" {
		t.Fatalf("expected data dir override, got %q", cfg.Paths.DataDir)
	}

	if cfg.Paths.OutputDir != "/tmp/scylla.d" {
		t.Fatalf("expected output dir override, got %q", cfg.Paths.OutputDir)
	}

	if cfg.Paths.OCIPresets != "/tmp/oci_io_params.yaml" {
		t.Fatalf("expected oci presets override, got %q", cfg.Paths.OCIPresets)
	}

	if cfg.Metadata.AWSEndpoint != "http://127.0.0.1:8111/latest" {
		t.Fatalf("expected aws endpoint override, got %q", cfg.Metadata.AWSEndpoint)
	}

	if cfg.Metadata.GCPEndpoint != "http://127.0.0.1:8112" {
		t.Fatalf("expected gcp endpoint override, got %q", cfg.Metadata.GCPEndpoint)
	}

	// Keys absent from the file keep their defaults.
	if cfg.Metadata.AzureEndpoint != "" {
		t.Fatalf("unexpected azure endpoint: %q", cfg.Metadata.AzureEndpoint)
	}
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	t.Setenv(envDataDir, " /srv/scylla ")
	t.Setenv(envOutputDir, "/run/scylla.d")
	t.Setenv(envOCIEndpoint, "http://127.0.0.1:8114/opc/v2")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	if cfg.Paths.DataDir != "/srv/scylla" {
		t.Fatalf("expected env override for data dir, got %q", cfg.Paths.DataDir)
	}

	if cfg.Paths.OutputDir != "/run/scylla.d" {
		t.Fatalf("expected env override for output dir, got %q", cfg.Paths.OutputDir)
	}

	if cfg.Metadata.OCIEndpoint != "http://127.0.0.1:8114/opc/v2" {
		t.Fatalf("expected env override for oci endpoint, got %q", cfg.Metadata.OCIEndpoint)
	}
}

func TestLoadConfigEnvBeatsFile(t *testing.T) {
	t.Setenv(envDataDir, "/srv/override")

	cfg, err := loadConfig(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	if cfg.Paths.DataDir != "/srv/override" {
		t.Fatalf("expected env to beat file, got %q", cfg.Paths.DataDir)
	}

	if cfg.Paths.OutputDir != "/tmp/scylla.d" {
		t.Fatalf("expected file override to survive, got %q", cfg.Paths.OutputDir)
	}
}
