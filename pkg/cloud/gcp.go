package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/scylladb/scylla-machine-image/pkg/blockdev"
	"github.com/scylladb/scylla-machine-image/pkg/metadata"
)

const (
	gcpMetadataBaseURL = "http://metadata.google.internal/computeMetadata/v1/instance"
	gcpEndpointSnitch  = "GoogleCloudSnitch"

	gcpMetadataFlavorHeader = "Metadata-Flavor"
	gcpMetadataFlavorValue  = "Google"

	// gcpNVMeDiskSizeGB is the local-SSD unit size GCP carves its physical
	// devices into. A smaller first disk means the listing is not trustworthy.
	gcpNVMeDiskSizeGB = 375

	// gcpM1Supported is the single m1 shape with local-SSD support.
	gcpM1Supported = "m1-megamem-96"
)

var errMemTotalNotFound = errors.New("meminfo: MemTotal not found")

func gcpIdentifyProbe(client *http.Client, baseURL string) func(ctx context.Context) error {
	fetcher := metadata.NewFetcher(client,
		metadata.WithBaseURL(baseURL),
		metadata.WithMaxAttempts(1),
	)

	return func(ctx context.Context) error {
		// A GKE sandbox resolves the metadata host but rejects this resource,
		// which correctly rules GCE out.
		_, err := fetcher.Text(ctx, metadata.Request{
			Path:    "machine-type?recursive=false",
			Headers: map[string]string{gcpMetadataFlavorHeader: gcpMetadataFlavorValue},
		})

		return err
	}
}

// GCPInstance describes the current GCE instance.
type GCPInstance struct {
	fetcher   *metadata.Fetcher
	inspector blockdev.Inspector

	cpuCount    func() int
	memoryBytes func() (int64, error)

	instanceType  string
	disks         *DiskSet
	nvmeDiskCount int
	countLoaded   bool
}

// GCPOption mutates GCE descriptor construction.
type GCPOption func(*GCPInstance)

// WithCPUCount overrides the vCPU probe used by the sizing heuristics.
func WithCPUCount(count func() int) GCPOption {
	return func(g *GCPInstance) {
		if count != nil {
			g.cpuCount = count
		}
	}
}

// WithMemoryBytes overrides the total-memory probe used by the sizing
// heuristics.
func WithMemoryBytes(total func() (int64, error)) GCPOption {
	return func(g *GCPInstance) {
		if total != nil {
			g.memoryBytes = total
		}
	}
}

// NewGCPInstance builds the GCE descriptor. A nil fetcher targets the real
// metadata service.
func NewGCPInstance(fetcher *metadata.Fetcher, inspector blockdev.Inspector, opts ...GCPOption) *GCPInstance {
	if fetcher == nil {
		fetcher = metadata.NewFetcher(nil, metadata.WithBaseURL(gcpMetadataBaseURL))
	}

	if inspector == nil {
		inspector = blockdev.NewSysInspector()
	}

	instance := &GCPInstance{
		fetcher:     fetcher,
		inspector:   inspector,
		cpuCount:    runtime.NumCPU,
		memoryBytes: readMemTotal,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}

		opt(instance)
	}

	return instance
}

// Kind returns GCP.
func (g *GCPInstance) Kind() Kind { return GCP }

// EndpointSnitch returns the GCE topology snitch.
func (g *GCPInstance) EndpointSnitch() string { return gcpEndpointSnitch }

func (g *GCPInstance) metadataText(ctx context.Context, path string) (string, error) {
	return g.fetcher.Text(ctx, metadata.Request{
		Path:    path,
		Headers: map[string]string{gcpMetadataFlavorHeader: gcpMetadataFlavorValue},
	})
}

// InstanceType returns the machine type, e.g. "n2-standard-2".
func (g *GCPInstance) InstanceType(ctx context.Context) (string, error) {
	if g.instanceType != "" {
		return g.instanceType, nil
	}

	// The resource is a full path like projects/NNN/machineTypes/n2-standard-2.
	machineType, err := g.metadataText(ctx, "machine-type")
	if err != nil {
		return "", fmt.Errorf("fetch machine type: %w", err)
	}

	parts := strings.Split(machineType, "/")
	g.instanceType = parts[len(parts)-1]

	return g.instanceType, nil
}

// InstanceClass returns the series, e.g. "n2".
func (g *GCPInstance) InstanceClass(ctx context.Context) (string, error) {
	instanceType, err := g.InstanceType(ctx)
	if err != nil {
		return "", err
	}

	return strings.SplitN(instanceType, "-", 2)[0], nil
}

// SupportedInstanceClass reports whether the series supports local SSD.
func (g *GCPInstance) SupportedInstanceClass(ctx context.Context) (bool, error) {
	instanceType, err := g.InstanceType(ctx)
	if err != nil {
		return false, err
	}

	if instanceType == gcpM1Supported {
		return true, nil
	}

	class, err := g.InstanceClass(ctx)
	if err != nil {
		return false, err
	}

	switch class {
	case "n1", "n2", "n2d", "c2":
		return true, nil
	default:
		return false, nil
	}
}

// DevInstanceType reports whether this is a development-only size.
func (g *GCPInstance) DevInstanceType(ctx context.Context) (bool, error) {
	instanceType, err := g.InstanceType(ctx)
	if err != nil {
		return false, err
	}

	switch instanceType {
	case "e2-micro", "e2-small", "e2-medium":
		return true, nil
	default:
		return false, nil
	}
}

// PrivateIPv4 returns the primary private address.
func (g *GCPInstance) PrivateIPv4(ctx context.Context) (string, error) {
	return g.metadataText(ctx, "network-interfaces/0/ip")
}

// PublicIPv4 returns the external address, or empty when none is assigned.
func (g *GCPInstance) PublicIPv4(ctx context.Context) (string, error) {
	address, err := g.metadataText(ctx, "network-interfaces/0/external-ip")
	if err != nil {
		if metadata.IsClientStatus(err) {
			return "", nil
		}

		return "", err
	}

	return address, nil
}

// UserData returns the boot payload, or empty when none is attached.
func (g *GCPInstance) UserData(ctx context.Context) ([]byte, error) {
	payload, err := g.fetcher.Fetch(ctx, metadata.Request{
		Path:    "attributes/user-data",
		Headers: map[string]string{gcpMetadataFlavorHeader: gcpMetadataFlavorValue},
	})
	if err != nil {
		if metadata.IsClientStatus(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("fetch user data: %w", err)
	}

	return payload, nil
}

// DiskSet enumerates the block devices once and caches the classification.
func (g *GCPInstance) DiskSet(ctx context.Context) (DiskSet, error) {
	if g.disks != nil {
		return *g.disks, nil
	}

	disks, err := g.enumerate()
	if err != nil {
		return DiskSet{}, err
	}

	g.disks = &disks

	return disks, nil
}

// LocalDisks returns the local-SSD devices.
func (g *GCPInstance) LocalDisks(ctx context.Context) ([]string, error) {
	disks, err := g.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Ephemeral, nil
}

// RemoteDisks returns the persistent-disk devices.
func (g *GCPInstance) RemoteDisks(ctx context.Context) ([]string, error) {
	disks, err := g.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Persistent, nil
}

// NVMeDiskCount reconciles the OS-observed local-SSD count with the count
// instance metadata reports, trusting the smaller of the two. Neither source
// alone is reliable across virtualization generations.
func (g *GCPInstance) NVMeDiskCount(ctx context.Context) (int, error) {
	if g.countLoaded {
		return g.nvmeDiskCount, nil
	}

	local, err := g.LocalDisks(ctx)
	if err != nil {
		return 0, err
	}

	count := len(local)

	metadataCount := g.nvmeCountFromMetadata(ctx)
	if metadataCount < count {
		count = metadataCount
	}

	g.nvmeDiskCount = count
	g.countLoaded = true

	return count, nil
}

// FirstNVMeSizeGB returns the size of the first local SSD in GB, or 0 when
// there is none or it is implausibly small.
func (g *GCPInstance) FirstNVMeSizeGB(ctx context.Context) (int64, error) {
	local, err := g.LocalDisks(ctx)
	if err != nil {
		return 0, err
	}

	if len(local) == 0 {
		return 0, nil
	}

	size, err := g.inspector.DeviceSize(local[0])
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", local[0], err)
	}

	sizeGB := size / (1 << 30)
	if sizeGB < gcpNVMeDiskSizeGB {
		return 0, nil
	}

	return sizeGB, nil
}

// RecommendedInstance applies the sizing heuristics for a production node:
// supported series, at least 2 vCPUs, at most 2 vCPU per GB of RAM, at least
// one local SSD, and a disk-to-RAM ratio within bounds.
func (g *GCPInstance) RecommendedInstance(ctx context.Context) (bool, error) {
	supported, err := g.SupportedInstanceClass(ctx)
	if err != nil {
		return false, err
	}

	if !supported {
		return false, nil
	}

	cpus := g.cpuCount()
	if cpus < 2 {
		return false, nil
	}

	memBytes, err := g.memoryBytes()
	if err != nil {
		return false, fmt.Errorf("read memory size: %w", err)
	}

	memGB := float64(memBytes) / float64(1<<30)
	if float64(cpus)/memGB >= 0.5 {
		return false, nil
	}

	diskCount, err := g.NVMeDiskCount(ctx)
	if err != nil {
		return false, err
	}

	if diskCount < 1 {
		return false, nil
	}

	diskSizeGB, err := g.FirstNVMeSizeGB(ctx)
	if err != nil {
		return false, err
	}

	// 30:1 disk-to-RAM must hold on AWS; GCP copes with a laxer bound.
	const maxDiskToRAMRatio = 105

	ratio := float64(diskCount) * float64(diskSizeGB) / memGB

	return ratio <= maxDiskToRAMRatio, nil
}

func (g *GCPInstance) enumerate() (DiskSet, error) {
	parts, err := g.inspector.Partitions()
	if err != nil {
		return DiskSet{}, err
	}

	var rootDevs []string

	for _, part := range parts {
		if part.Mountpoint == "/" {
			rootDevs = append(rootDevs, part.Device)
		}
	}

	if len(rootDevs) != 1 {
		return DiskSet{}, fmt.Errorf("%w: %d partitions mounted at /", ErrAmbiguousRootDevice, len(rootDevs))
	}

	devices, err := g.inspector.ListDevices()
	if err != nil {
		return DiskSet{}, err
	}

	disks := DiskSet{Root: []string{baseName(rootDevs[0])}}

	for _, dev := range devices {
		switch {
		case nvmeNamespaceRe.MatchString(dev):
			if !hasRootPrefix(dev, rootDevs) {
				disks.Ephemeral = append(disks.Ephemeral, dev)
			}
		case persistentDiskRe.MatchString(dev):
			if !hasRootPrefix(dev, rootDevs) {
				disks.Persistent = append(disks.Persistent, dev)
			}
		}
	}

	return disks, nil
}

type gcpDisk struct {
	Interface string `json:"interface"`
}

// nvmeCountFromMetadata counts NVMe entries in the metadata disks resource.
// Parse or fetch failures degrade to zero rather than failing enumeration.
func (g *GCPInstance) nvmeCountFromMetadata(ctx context.Context) int {
	payload, err := g.fetcher.Fetch(ctx, metadata.Request{
		Path:    "disks/?recursive=true",
		Headers: map[string]string{gcpMetadataFlavorHeader: gcpMetadataFlavorValue},
	})
	if err != nil {
		return 0
	}

	var entries []gcpDisk

	err = json.Unmarshal(payload, &entries)
	if err != nil {
		return 0
	}

	count := 0

	for _, entry := range entries {
		if entry.Interface == "NVME" {
			count++
		}
	}

	return count
}

func readMemTotal() (int64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}

		kb, parseErr := strconv.ParseInt(fields[1], 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("parse MemTotal: %w", parseErr)
		}

		return kb * 1024, nil
	}

	return 0, errMemTotalNotFound
}
