package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/scylladb/scylla-machine-image/pkg/blockdev"
	"github.com/scylladb/scylla-machine-image/pkg/metadata"
)

const (
	ociMetadataBaseURL = "http://169.254.169.254/opc/v2"
	// OCI has no cloud-specific snitch; topology comes from the property file.
	ociEndpointSnitch = "GossipingPropertyFileSnitch"

	ociAuthHeader = "Authorization"
	ociAuthValue  = "Bearer Oracle"
)

var ociSupportedClasses = map[string]struct{}{
	"VM.Standard": {}, "VM.DenseIO": {}, "BM.Standard": {}, "BM.DenseIO": {},
}

func ociIdentifyProbe(client *http.Client, baseURL string) func(ctx context.Context) error {
	fetcher := metadata.NewFetcher(client,
		metadata.WithBaseURL(baseURL),
		metadata.WithMaxAttempts(1),
	)

	return func(ctx context.Context) error {
		_, err := fetcher.Fetch(ctx, metadata.Request{
			Path:    "instance/",
			Headers: map[string]string{ociAuthHeader: ociAuthValue},
		})

		return err
	}
}

type ociInstanceDoc struct {
	Shape              string `json:"shape"`
	Region             string `json:"region"`
	AvailabilityDomain string `json:"availabilityDomain"`
}

type ociShapeConfig struct {
	OCPUs float64 `json:"ocpus"`
}

// OCIInstance describes the current OCI compute instance.
type OCIInstance struct {
	fetcher   *metadata.Fetcher
	inspector blockdev.Inspector

	doc   *ociInstanceDoc
	disks *DiskSet
}

// NewOCIInstance builds the OCI descriptor. A nil fetcher targets the real
// IMDSv2 service.
func NewOCIInstance(fetcher *metadata.Fetcher, inspector blockdev.Inspector) *OCIInstance {
	if fetcher == nil {
		fetcher = metadata.NewFetcher(nil, metadata.WithBaseURL(ociMetadataBaseURL))
	}

	if inspector == nil {
		inspector = blockdev.NewSysInspector()
	}

	return &OCIInstance{fetcher: fetcher, inspector: inspector}
}

// Kind returns OCI.
func (o *OCIInstance) Kind() Kind { return OCI }

// EndpointSnitch returns the property-file snitch.
func (o *OCIInstance) EndpointSnitch() string { return ociEndpointSnitch }

func (o *OCIInstance) instanceDoc(ctx context.Context) (ociInstanceDoc, error) {
	if o.doc != nil {
		return *o.doc, nil
	}

	payload, err := o.fetcher.Fetch(ctx, metadata.Request{
		Path:    "instance/",
		Headers: map[string]string{ociAuthHeader: ociAuthValue},
	})
	if err != nil {
		return ociInstanceDoc{}, fmt.Errorf("fetch instance document: %w", err)
	}

	var doc ociInstanceDoc

	err = json.Unmarshal(payload, &doc)
	if err != nil {
		return ociInstanceDoc{}, fmt.Errorf("decode instance document: %w", err)
	}

	o.doc = &doc

	return doc, nil
}

// InstanceType returns the shape, e.g. "VM.DenseIO2.8".
func (o *OCIInstance) InstanceType(ctx context.Context) (string, error) {
	doc, err := o.instanceDoc(ctx)
	if err != nil {
		return "", err
	}

	return doc.Shape, nil
}

// InstanceClass returns the shape family with the generation digits removed,
// e.g. "VM.DenseIO" for VM.DenseIO2.8.
func (o *OCIInstance) InstanceClass(ctx context.Context) (string, error) {
	shape, err := o.InstanceType(ctx)
	if err != nil {
		return "", err
	}

	parts := strings.Split(shape, ".")
	if len(parts) < 2 {
		return shape, nil
	}

	return parts[0] + "." + strings.TrimRight(parts[1], "0123456789"), nil
}

// SupportedInstanceClass reports whether the shape family is supported.
func (o *OCIInstance) SupportedInstanceClass(ctx context.Context) (bool, error) {
	class, err := o.InstanceClass(ctx)
	if err != nil {
		return false, err
	}

	_, ok := ociSupportedClasses[class]

	return ok, nil
}

// DevInstanceType reports whether this is the always-free micro shape.
func (o *OCIInstance) DevInstanceType(ctx context.Context) (bool, error) {
	shape, err := o.InstanceType(ctx)
	if err != nil {
		return false, err
	}

	return shape == "VM.Standard.E2.1.Micro", nil
}

// Region returns the canonical region, e.g. "us-ashburn-1".
func (o *OCIInstance) Region(ctx context.Context) (string, error) {
	doc, err := o.instanceDoc(ctx)
	if err != nil {
		return "", err
	}

	return doc.Region, nil
}

// AvailabilityDomain returns the AD label within the region.
func (o *OCIInstance) AvailabilityDomain(ctx context.Context) (string, error) {
	doc, err := o.instanceDoc(ctx)
	if err != nil {
		return "", err
	}

	return doc.AvailabilityDomain, nil
}

// OCPUs returns the OCPU count from the shape configuration. Flex shapes
// need it to select an I/O preset.
func (o *OCIInstance) OCPUs(ctx context.Context) (int, error) {
	payload, err := o.fetcher.Fetch(ctx, metadata.Request{
		Path:    "instance/shape-config",
		Headers: map[string]string{ociAuthHeader: ociAuthValue},
	})
	if err != nil {
		return 0, fmt.Errorf("fetch shape config: %w", err)
	}

	var cfg ociShapeConfig

	err = json.Unmarshal(payload, &cfg)
	if err != nil {
		return 0, fmt.Errorf("decode shape config: %w", err)
	}

	return int(cfg.OCPUs), nil
}

// PrivateIPv4 returns the primary VNIC's private address.
func (o *OCIInstance) PrivateIPv4(ctx context.Context) (string, error) {
	return o.fetcher.Text(ctx, metadata.Request{
		Path:    "vnics/0/privateIp",
		Headers: map[string]string{ociAuthHeader: ociAuthValue},
	})
}

// PublicIPv4 always returns empty: the IMDS exposes no supported mechanism
// to learn the public address.
func (o *OCIInstance) PublicIPv4(context.Context) (string, error) {
	return "", nil
}

// UserData returns the boot payload. OCI serves it base64-encoded; an absent
// payload yields empty.
func (o *OCIInstance) UserData(ctx context.Context) ([]byte, error) {
	encoded, err := o.fetcher.Text(ctx, metadata.Request{
		Path:    "instance/metadata/user_data",
		Headers: map[string]string{ociAuthHeader: ociAuthValue},
	})
	if err != nil {
		if metadata.IsClientStatus(err) {
			return nil, nil
		}

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
// Classification is by name pattern only: the IMDS has no disk-topology
// resource and local NVMe carries no distinguishing model string, so a
// network-attached NVMe volume would land in the ephemeral bucket.
func (o *OCIInstance) DiskSet(ctx context.Context) (DiskSet, error) {
	if o.disks != nil {
		return *o.disks, nil
	}

	disks, err := o.enumerate()
	if err != nil {
		return DiskSet{}, err
	}

	o.disks = &disks

	return disks, nil
}

// LocalDisks returns the NVMe devices.
func (o *OCIInstance) LocalDisks(ctx context.Context) ([]string, error) {
	disks, err := o.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Ephemeral, nil
}

// RemoteDisks returns the attached block-volume devices.
func (o *OCIInstance) RemoteDisks(ctx context.Context) ([]string, error) {
	disks, err := o.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Persistent, nil
}

// NVMeDiskCount returns the local NVMe count; there is no second source to
// reconcile against.
func (o *OCIInstance) NVMeDiskCount(ctx context.Context) (int, error) {
	local, err := o.LocalDisks(ctx)
	if err != nil {
		return 0, err
	}

	return len(local), nil
}

func (o *OCIInstance) enumerate() (DiskSet, error) {
	parts, err := o.inspector.Partitions()
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

	devices, err := o.inspector.ListDevices()
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
