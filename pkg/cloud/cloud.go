// Package cloud identifies the cloud platform a machine boots on and exposes
// a uniform description of the instance: its type, addresses, user data and
// the classification of its block devices.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Device-name patterns shared by the enumerator variants.
var (
	nvmeNamespaceRe  = regexp.MustCompile(`^nvme\d+n\d+$`)
	persistentDiskRe = regexp.MustCompile(`^sd[b-z]+$`)
)

// Kind names one of the supported cloud platforms.
type Kind string

// Supported platforms. Detection yields exactly one of these per process.
const (
	AWS   Kind = "aws"
	GCP   Kind = "gcp"
	Azure Kind = "azure"
	OCI   Kind = "oci"
)

var (
	// ErrDetectionFailed means no provider signature matched in either
	// detection phase. The boot step cannot proceed without a platform.
	ErrDetectionFailed = errors.New("cloud: no provider detected")
	// ErrAmbiguousRootDevice means the mount table did not report exactly one
	// partition at /, which violates the enumerator's environment assumptions.
	ErrAmbiguousRootDevice = errors.New("cloud: ambiguous root device")
)

// DiskSet partitions the observed block devices into disjoint buckets.
// Devices that cannot be confidently classified appear in no bucket.
type DiskSet struct {
	Root       []string `yaml:"root"`
	Ephemeral  []string `yaml:"ephemeral"`
	Persistent []string `yaml:"persistent"`
	Swap       []string `yaml:"swap,omitempty"`
}

// Instance describes the machine as seen by one cloud provider. All
// metadata-backed values are fetched lazily and cached for the lifetime of
// the instance object; they cannot change within a single boot.
type Instance interface {
	// Kind returns the provider this instance runs on.
	Kind() Kind
	// InstanceType returns the provider-specific type, e.g. "i3.2xlarge".
	InstanceType(ctx context.Context) (string, error)
	// PrivateIPv4 returns the primary private address.
	PrivateIPv4(ctx context.Context) (string, error)
	// PublicIPv4 returns the public address, or empty when the instance has
	// none or the provider exposes no mechanism to learn it.
	PublicIPv4(ctx context.Context) (string, error)
	// UserData returns the boot payload attached to the instance. A missing
	// payload yields an empty slice, not an error.
	UserData(ctx context.Context) ([]byte, error)
	// SupportedInstanceClass reports whether the instance family is known to
	// carry local NVMe storage usable by the database.
	SupportedInstanceClass(ctx context.Context) (bool, error)
	// DevInstanceType reports whether this is a development-only size.
	DevInstanceType(ctx context.Context) (bool, error)
	// EndpointSnitch returns the topology snitch the node should use.
	EndpointSnitch() string
	// DiskSet enumerates and classifies every observed block device.
	DiskSet(ctx context.Context) (DiskSet, error)
	// LocalDisks returns the ephemeral bucket of DiskSet.
	LocalDisks(ctx context.Context) ([]string, error)
	// RemoteDisks returns the persistent bucket of DiskSet.
	RemoteDisks(ctx context.Context) ([]string, error)
	// NVMeDiskCount returns the number of NVMe disks available for the data
	// RAID, reconciled with provider metadata where possible.
	NVMeDiskCount(ctx context.Context) (int, error)
}

// CommandRunner executes a host command and returns its trimmed stdout.
// Enumerators use it for the few lookups that have no file-based source.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// RunCommand is the CommandRunner backed by the real host.
func RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", name, err)
	}

	return strings.TrimSpace(string(out)), nil
}

// baseName strips a /dev/ prefix so bucket entries are bare device names.
func baseName(device string) string {
	return strings.TrimPrefix(device, "/dev/")
}

// hasRootPrefix reports whether one of the root partitions lives on the given
// bare device name, e.g. /dev/nvme0n1p1 on nvme0n1.
func hasRootPrefix(device string, rootDevs []string) bool {
	for _, root := range rootDevs {
		if strings.HasPrefix(root, "/dev/"+device) {
			return true
		}
	}

	return false
}
