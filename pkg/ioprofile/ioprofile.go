// Package ioprofile resolves the I/O properties the database should assume
// for the local disk array, either from measured per-instance-type presets
// or by delegating to a live measurement run.
package ioprofile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedInstanceClass means the instance family carries no local
	// NVMe storage suitable for the data directory.
	ErrUnsupportedInstanceClass = errors.New("unsupported instance class")
	// ErrPresetNotFound means the instance type is supported but has no
	// recorded preset; the caller should fall back to live measurement.
	ErrPresetNotFound = errors.New("no I/O preset for instance type")
)

// Profile is one disk entry of io_properties.yaml. Bandwidth is bytes per
// second.
type Profile struct {
	Mountpoint     string `yaml:"mountpoint"`
	ReadIOPS       int64  `yaml:"read_iops"`
	ReadBandwidth  int64  `yaml:"read_bandwidth"`
	WriteIOPS      int64  `yaml:"write_iops"`
	WriteBandwidth int64  `yaml:"write_bandwidth"`
}

// preset holds the measured rates for one instance type or disk-count
// bucket. perDisk entries scale linearly with the local disk count.
type preset struct {
	readIOPS  int64
	readBW    int64
	writeIOPS int64
	writeBW   int64
	perDisk   bool
}

func (p preset) profile(mountpoint string, nrDisks int) Profile {
	factor := int64(1)
	if p.perDisk {
		factor = int64(nrDisks)
	}

	return Profile{
		Mountpoint:     mountpoint,
		ReadIOPS:       p.readIOPS * factor,
		ReadBandwidth:  p.readBW * factor,
		WriteIOPS:      p.writeIOPS * factor,
		WriteBandwidth: p.writeBW * factor,
	}
}

type propertiesFile struct {
	Disks []Profile `yaml:"disks"`
}

// Writer persists a resolved profile where the database startup scripts
// expect it: io_properties.yaml plus an io.conf pointing at it.
type Writer struct {
	// Dir is the configuration drop directory, normally /etc/scylla.d.
	Dir string
}

// Write emits both files with 0644 so the database user can read them.
func (w Writer) Write(profile Profile) error {
	propertiesPath := filepath.Join(w.Dir, "io_properties.yaml")

	payload, err := yaml.Marshal(propertiesFile{Disks: []Profile{profile}})
	if err != nil {
		return fmt.Errorf("encode io properties: %w", err)
	}

	err = os.WriteFile(propertiesPath, payload, 0o644)
	if err != nil {
		return fmt.Errorf("write io properties: %w", err)
	}

	ioConf := fmt.Sprintf("SEASTAR_IO=\"--io-properties-file=%s\"\n", propertiesPath)

	err = os.WriteFile(filepath.Join(w.Dir, "io.conf"), []byte(ioConf), 0o644)
	if err != nil {
		return fmt.Errorf("write io.conf: %w", err)
	}

	return nil
}
