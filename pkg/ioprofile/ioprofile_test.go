package ioprofile_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/scylladb/scylla-machine-image/pkg/ioprofile"
)

func TestWriterEmitsPropertiesAndIOConf(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	err := ioprofile.Writer{Dir: dir}.Write(ioprofile.Profile{
		Mountpoint:     "/var/lib/scylla",
		ReadIOPS:       111000,
		ReadBandwidth:  653925080,
		WriteIOPS:      36800,
		WriteBandwidth: 215066473,
	})
	if err != nil {
		t.Fatalf("Write(): %v", err)
	}

	propertiesPath := filepath.Join(dir, "io_properties.yaml")

	payload, err := os.ReadFile(propertiesPath)
	if err != nil {
		t.Fatalf("read io_properties.yaml: %v", err)
	}

	var decoded struct {
		Disks []ioprofile.Profile `yaml:"disks"`
	}

	err = yaml.Unmarshal(payload, &decoded)
	if err != nil {
		t.Fatalf("decode io_properties.yaml: %v", err)
	}

	if len(decoded.Disks) != 1 {
		t.Fatalf("disks entries = %d, want 1", len(decoded.Disks))
	}

	if decoded.Disks[0].ReadIOPS != 111000 || decoded.Disks[0].Mountpoint != "/var/lib/scylla" {
		t.Fatalf("decoded profile = %+v", decoded.Disks[0])
	}

	conf, err := os.ReadFile(filepath.Join(dir, "io.conf"))
	if err != nil {
		t.Fatalf("read io.conf: %v", err)
	}

	want := `SEASTAR_IO="--io-properties-file=` + propertiesPath + `"` + "\n"
	if string(conf) != want {
		t.Fatalf("io.conf = %q, want %q", conf, want)
	}

	stat, err := os.Stat(propertiesPath)
	if err != nil {
		t.Fatalf("stat io_properties.yaml: %v", err)
	}

	if perm := stat.Mode().Perm(); perm != 0o644 {
		t.Fatalf("io_properties.yaml mode = %o, want 644", perm)
	}
}

func TestLoadOCIPresetsMissingFileIsEmptyTable(t *testing.T) {
	t.Parallel()

	table, err := ioprofile.LoadOCIPresets(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOCIPresets(): %v", err)
	}

	if len(table) != 0 {
		t.Fatalf("table entries = %d, want 0", len(table))
	}
}

func TestLoadOCIPresetsParsesShapeTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "oci_io_params.yaml")

	content := strings.Join([]string{
		"VM.DenseIO2.8:",
		"  read_iops: 400000",
		"  read_bandwidth: 2509015040",
		"  write_iops: 350000",
		"  write_bandwidth: 1800000000",
	}, "\n")

	err := os.WriteFile(path, []byte(content+"\n"), 0o600)
	if err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	table, err := ioprofile.LoadOCIPresets(path)
	if err != nil {
		t.Fatalf("LoadOCIPresets(): %v", err)
	}

	if len(table) != 1 {
		t.Fatalf("table entries = %d, want 1", len(table))
	}

	if _, ok := table.Lookup("VM.DenseIO2.8", 0); !ok {
		t.Fatal("Lookup(VM.DenseIO2.8) missed")
	}
}

func TestMeasurerRunsIOSetup(t *testing.T) {
	t.Parallel()

	var gotName string

	measurer := ioprofile.NewMeasurer(
		func(ctx context.Context, name string, args ...string) (string, error) {
			gotName = name

			if _, ok := ctx.Deadline(); !ok {
				t.Error("measurement context carries no deadline")
			}

			if len(args) != 0 {
				t.Errorf("args = %v, want none", args)
			}

			return "", nil
		},
	)

	err := measurer.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure(): %v", err)
	}

	if gotName != "scylla_io_setup" {
		t.Fatalf("command = %q, want scylla_io_setup", gotName)
	}
}
