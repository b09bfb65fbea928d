// Package blockdev inspects the local block-device namespace: device names
// under /dev, the mounted-partition table, and per-device attributes needed
// to classify disks.
package blockdev

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Partition describes one mounted partition as reported by the OS.
type Partition struct {
	Device     string
	Mountpoint string
}

// Inspector is the OS surface the disk enumerators depend on. The live
// implementation reads /dev, /proc and /sys; tests substitute fixtures.
type Inspector interface {
	// ListDevices returns the bare device names present under /dev.
	ListDevices() ([]string, error)
	// Partitions returns the mounted-partition table.
	Partitions() ([]Partition, error)
	// NVMeModel returns the model attribute of an NVMe controller, e.g.
	// the model of nvme0 for device nvme0n1.
	NVMeModel(controller string) (string, error)
	// Realpath resolves a symlink to its target device path.
	Realpath(path string) (string, error)
	// Exists reports whether the given path is present.
	Exists(path string) bool
	// DeviceSize returns the size in bytes of a block device.
	DeviceSize(device string) (int64, error)
}

// NewSysInspector returns the Inspector backed by the running system.
func NewSysInspector() Inspector {
	return sysInspector{}
}

type sysInspector struct{}

func (sysInspector) ListDevices() ([]string, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, fmt.Errorf("list /dev: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names, nil
}

func (sysInspector) Partitions() ([]Partition, error) {
	data, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return nil, fmt.Errorf("read mounts: %w", err)
	}

	var parts []Partition

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		// Only real block devices matter for classification.
		if !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}

		parts = append(parts, Partition{Device: fields[0], Mountpoint: fields[1]})
	}

	return parts, nil
}

func (sysInspector) NVMeModel(controller string) (string, error) {
	data, err := os.ReadFile(filepath.Join("/sys/class/nvme", controller, "model"))
	if err != nil {
		return "", fmt.Errorf("read nvme model for %s: %w", controller, err)
	}

	return strings.TrimSpace(string(data)), nil
}

func (sysInspector) Realpath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	return resolved, nil
}

func (sysInspector) Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func (sysInspector) DeviceSize(device string) (int64, error) {
	if !strings.HasPrefix(device, "/dev/") {
		device = "/dev/" + device
	}

	fd, err := unix.Open(device, unix.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", device, err)
	}
	defer unix.Close(fd)

	size, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek %s: %w", device, err)
	}

	return size, nil
}
