package blockdev

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var errUnknownDevice = errors.New("blockdev: unknown device")

// Fixture is an in-memory Inspector describing a synthetic machine. It backs
// the enumerator tests and the offline CLI paths.
type Fixture struct {
	Devices     []string
	Mounts      []Partition
	NVMeModels  map[string]string
	Symlinks    map[string]string
	Present     map[string]bool
	DeviceSizes map[string]int64
}

// ListDevices returns the fixture device names.
func (f *Fixture) ListDevices() ([]string, error) {
	return f.Devices, nil
}

// Partitions returns the fixture mount table.
func (f *Fixture) Partitions() ([]Partition, error) {
	return f.Mounts, nil
}

// NVMeModel returns the configured model string for a controller.
func (f *Fixture) NVMeModel(controller string) (string, error) {
	model, ok := f.NVMeModels[controller]
	if !ok {
		return "", fmt.Errorf("%w: nvme controller %s", errUnknownDevice, controller)
	}

	return model, nil
}

// Realpath resolves a configured symlink, or returns the path unchanged.
func (f *Fixture) Realpath(path string) (string, error) {
	if target, ok := f.Symlinks[path]; ok {
		return target, nil
	}

	return path, nil
}

// Exists reports presence of a path. Bare device names listed in Devices are
// also considered present under /dev.
func (f *Fixture) Exists(path string) bool {
	if present, ok := f.Present[path]; ok {
		return present
	}

	if _, ok := f.Symlinks[path]; ok {
		return true
	}

	if strings.HasPrefix(path, "/dev/") {
		name := filepath.Base(path)
		for _, dev := range f.Devices {
			if dev == name {
				return true
			}
		}
	}

	return false
}

// DeviceSize returns the configured size of a device.
func (f *Fixture) DeviceSize(device string) (int64, error) {
	size, ok := f.DeviceSizes[strings.TrimPrefix(device, "/dev/")]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errUnknownDevice, device)
	}

	return size, nil
}
