package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/scylladb/scylla-machine-image/pkg/blockdev"
	"github.com/scylladb/scylla-machine-image/pkg/metadata"
)

const (
	azureMetadataBaseURL = "http://169.254.169.254/metadata/instance"
	azureEndpointSnitch  = "AzureSnitch"

	// azureAPIVersion pins the metadata API revision every request targets.
	azureAPIVersion = "2021-01-01"

	azureMetadataHeader = "Metadata"
	azureMetadataValue  = "True"

	// azureSwapSymlink points at the provider-reserved resource disk used
	// for swap. It is the only reliable signal for that device.
	azureSwapSymlink = "/dev/disk/cloud/azure_resource"
)

// azureDiskCounts maps the Lsv2/Lasv3 instance class to its local NVMe disk
// count. The storage profile in instance metadata omits it, so the count is
// pinned per VM size.
var azureDiskCounts = map[string]int{
	"L8s": 1, "L16s": 2, "L32s": 4, "L48s": 6, "L64s": 8, "L80s": 10,
	"L8as": 1, "L16as": 2, "L32as": 4, "L48as": 6, "L64as": 8, "L80as": 10,
}

func azureIdentifyProbe(client *http.Client, baseURL string) func(ctx context.Context) error {
	fetcher := metadata.NewFetcher(client,
		metadata.WithBaseURL(baseURL),
		metadata.WithMaxAttempts(1),
	)

	return func(ctx context.Context) error {
		_, err := fetcher.Text(ctx, metadata.Request{
			Path:    azurePath(""),
			Headers: map[string]string{azureMetadataHeader: azureMetadataValue},
		})

		return err
	}
}

func azurePath(path string) string {
	return fmt.Sprintf("%s?api-version=%s&format=text", path, azureAPIVersion)
}

// AzureInstance describes the current Azure VM.
type AzureInstance struct {
	fetcher   *metadata.Fetcher
	inspector blockdev.Inspector

	instanceType string
	disks        *DiskSet
}

// NewAzureInstance builds the Azure descriptor. A nil fetcher targets the
// real metadata service.
func NewAzureInstance(fetcher *metadata.Fetcher, inspector blockdev.Inspector) *AzureInstance {
	if fetcher == nil {
		fetcher = metadata.NewFetcher(nil, metadata.WithBaseURL(azureMetadataBaseURL))
	}

	if inspector == nil {
		inspector = blockdev.NewSysInspector()
	}

	return &AzureInstance{fetcher: fetcher, inspector: inspector}
}

// Kind returns Azure.
func (z *AzureInstance) Kind() Kind { return Azure }

// EndpointSnitch returns the Azure topology snitch.
func (z *AzureInstance) EndpointSnitch() string { return azureEndpointSnitch }

func (z *AzureInstance) metadataText(ctx context.Context, path string) (string, error) {
	return z.fetcher.Text(ctx, metadata.Request{
		Path:    azurePath(path),
		Headers: map[string]string{azureMetadataHeader: azureMetadataValue},
	})
}

// InstanceType returns the VM size, e.g. "Standard_L8s_v2".
func (z *AzureInstance) InstanceType(ctx context.Context) (string, error) {
	if z.instanceType != "" {
		return z.instanceType, nil
	}

	vmSize, err := z.metadataText(ctx, "/compute/vmSize")
	if err != nil {
		return "", fmt.Errorf("fetch vm size: %w", err)
	}

	z.instanceType = vmSize

	return vmSize, nil
}

// InstanceClass returns the size family, e.g. "L8s" for Standard_L8s_v2.
func (z *AzureInstance) InstanceClass(ctx context.Context) (string, error) {
	instanceType, err := z.InstanceType(ctx)
	if err != nil {
		return "", err
	}

	parts := strings.Split(instanceType, "_")
	if len(parts) < 2 {
		return "", nil
	}

	return parts[1], nil
}

// SupportedInstanceClass reports whether the VM size carries local NVMe.
func (z *AzureInstance) SupportedInstanceClass(ctx context.Context) (bool, error) {
	class, err := z.InstanceClass(ctx)
	if err != nil {
		return false, err
	}

	_, ok := azureDiskCounts[class]

	return ok, nil
}

// DevInstanceType always reports false; Azure has no dev-only size.
func (z *AzureInstance) DevInstanceType(context.Context) (bool, error) {
	return false, nil
}

// Location returns the region, e.g. "eastus".
func (z *AzureInstance) Location(ctx context.Context) (string, error) {
	return z.metadataText(ctx, "/compute/location")
}

// Zone returns the availability zone within the region.
func (z *AzureInstance) Zone(ctx context.Context) (string, error) {
	return z.metadataText(ctx, "/compute/zone")
}

// PrivateIPv4 returns the primary private address.
func (z *AzureInstance) PrivateIPv4(ctx context.Context) (string, error) {
	return z.metadataText(ctx, "/network/interface/0/ipv4/ipAddress/0/privateIpAddress")
}

// PublicIPv4 returns the public address, or empty when none is assigned.
func (z *AzureInstance) PublicIPv4(ctx context.Context) (string, error) {
	address, err := z.metadataText(ctx, "/network/interface/0/ipv4/ipAddress/0/publicIpAddress")
	if err != nil {
		if metadata.IsClientStatus(err) {
			return "", nil
		}

		return "", err
	}

	return address, nil
}

// UserData returns the boot payload. Azure serves it base64-encoded.
func (z *AzureInstance) UserData(ctx context.Context) ([]byte, error) {
	encoded, err := z.metadataText(ctx, "/compute/userData")
	if err != nil {
		return nil, fmt.Errorf("fetch user data: %w", err)
	}

	if encoded == "" {
		return nil, nil
	}

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode user data: %w", err)
	}

	return payload, nil
}

// DiskSet enumerates the block devices once and caches the classification.
func (z *AzureInstance) DiskSet(ctx context.Context) (DiskSet, error) {
	if z.disks != nil {
		return *z.disks, nil
	}

	disks, err := z.enumerate()
	if err != nil {
		return DiskSet{}, err
	}

	z.disks = &disks

	return disks, nil
}

// LocalDisks returns the local NVMe devices.
func (z *AzureInstance) LocalDisks(ctx context.Context) ([]string, error) {
	disks, err := z.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Ephemeral, nil
}

// RemoteDisks returns the attached block-volume devices.
func (z *AzureInstance) RemoteDisks(ctx context.Context) ([]string, error) {
	disks, err := z.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Persistent, nil
}

// SwapDisks returns the provider-reserved resource disk, when present.
func (z *AzureInstance) SwapDisks(ctx context.Context) ([]string, error) {
	disks, err := z.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Swap, nil
}

// NVMeDiskCount reconciles the OS-observed local disk count with the count
// pinned per VM size, trusting the smaller. All local SSDs are NVMe with no
// distinguishing model string, so the name listing alone proves nothing.
func (z *AzureInstance) NVMeDiskCount(ctx context.Context) (int, error) {
	local, err := z.LocalDisks(ctx)
	if err != nil {
		return 0, err
	}

	count := len(local)

	class, err := z.InstanceClass(ctx)
	if err != nil {
		return 0, err
	}

	if tableCount := azureDiskCounts[class]; tableCount < count {
		count = tableCount
	}

	return count, nil
}

func (z *AzureInstance) enumerate() (DiskSet, error) {
	parts, err := z.inspector.Partitions()
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

	devices, err := z.inspector.ListDevices()
	if err != nil {
		return DiskSet{}, err
	}

	disks := DiskSet{Root: []string{baseName(rootDevs[0])}}

	swapDev := ""
	if z.inspector.Exists(azureSwapSymlink) {
		resolved, resolveErr := z.inspector.Realpath(azureSwapSymlink)
		if resolveErr != nil {
			return DiskSet{}, fmt.Errorf("resolve swap symlink: %w", resolveErr)
		}

		swapDev = resolved
		disks.Swap = append(disks.Swap, baseName(swapDev))
	}

	for _, dev := range devices {
		switch {
		case nvmeNamespaceRe.MatchString(dev):
			if !hasRootPrefix(dev, rootDevs) {
				disks.Ephemeral = append(disks.Ephemeral, dev)
			}
		case persistentDiskRe.MatchString(dev):
			if hasRootPrefix(dev, rootDevs) || "/dev/"+dev == swapDev {
				continue
			}

			disks.Persistent = append(disks.Persistent, dev)
		}
	}

	return disks, nil
}
