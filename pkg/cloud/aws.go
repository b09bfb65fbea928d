package cloud

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/scylladb/scylla-machine-image/pkg/blockdev"
	"github.com/scylladb/scylla-machine-image/pkg/metadata"
)

const (
	awsMetadataBaseURL = "http://169.254.169.254/latest"
	awsEndpointSnitch  = "Ec2Snitch"

	// ebsModel is the NVMe model attribute of network-attached EBS volumes.
	// Local instance-store NVMe devices report an instance-storage model, so
	// the attribute is the only reliable local/remote signal on AWS.
	ebsModel = "Amazon Elastic Block Store"

	awsTokenHeader = "X-aws-ec2-metadata-token"
)

var awsSupportedClasses = map[string]struct{}{
	"i2": {}, "i3": {}, "i3en": {}, "c5d": {}, "m5d": {}, "m5ad": {},
	"r5d": {}, "z1d": {}, "c6gd": {}, "m6gd": {}, "r6gd": {}, "x2gd": {},
	"im4gn": {}, "is4gen": {}, "i4i": {}, "i4g": {}, "i7ie": {},
}

var (
	nvmeControllerRe = regexp.MustCompile(`^(nvme\d+)n\d+$`)
	mappingTypeRe    = regexp.MustCompile(`^\D+`)
)

func awsIdentifyProbe(client *http.Client, baseURL string) func(ctx context.Context) error {
	fetcher := metadata.NewFetcher(client,
		metadata.WithBaseURL(baseURL),
		metadata.WithMaxAttempts(1),
	)
	tokens := metadata.NewTokenSource(fetcher)

	return func(ctx context.Context) error {
		_, err := tokens.Token(ctx)

		return err
	}
}

// AWSInstance describes the current EC2 instance.
type AWSInstance struct {
	fetcher   *metadata.Fetcher
	tokens    *metadata.TokenSource
	inspector blockdev.Inspector
	run       CommandRunner
	readLine  func(path string) string

	instanceType string
	disks        *DiskSet
	userData     []byte
	userDataSet  bool
}

// AWSOption mutates EC2 descriptor construction.
type AWSOption func(*AWSInstance)

// WithMACReader overrides how NIC hardware addresses are read from sysfs.
func WithMACReader(read func(path string) string) AWSOption {
	return func(a *AWSInstance) {
		if read != nil {
			a.readLine = read
		}
	}
}

// NewAWSInstance builds the EC2 descriptor. A nil fetcher targets the real
// metadata service; a nil runner uses the host command runner.
func NewAWSInstance(fetcher *metadata.Fetcher, inspector blockdev.Inspector, run CommandRunner, opts ...AWSOption) *AWSInstance {
	if fetcher == nil {
		fetcher = metadata.NewFetcher(nil, metadata.WithBaseURL(awsMetadataBaseURL))
	}

	if inspector == nil {
		inspector = blockdev.NewSysInspector()
	}

	if run == nil {
		run = RunCommand
	}

	instance := &AWSInstance{
		fetcher:   fetcher,
		tokens:    metadata.NewTokenSource(fetcher),
		inspector: inspector,
		run:       run,
		readLine:  readOneLine,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}

		opt(instance)
	}

	return instance
}

// Kind returns AWS.
func (a *AWSInstance) Kind() Kind { return AWS }

// EndpointSnitch returns the EC2 topology snitch.
func (a *AWSInstance) EndpointSnitch() string { return awsEndpointSnitch }

func (a *AWSInstance) metadataText(ctx context.Context, path string) (string, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	return a.fetcher.Text(ctx, metadata.Request{
		Path:    path,
		Headers: map[string]string{awsTokenHeader: token},
	})
}

// InstanceType returns the EC2 instance type, e.g. "i3.16xlarge".
func (a *AWSInstance) InstanceType(ctx context.Context) (string, error) {
	if a.instanceType != "" {
		return a.instanceType, nil
	}

	instanceType, err := a.metadataText(ctx, "meta-data/instance-type")
	if err != nil {
		return "", fmt.Errorf("fetch instance type: %w", err)
	}

	a.instanceType = instanceType

	return instanceType, nil
}

// InstanceClass returns the family part of the type, e.g. "i3".
func (a *AWSInstance) InstanceClass(ctx context.Context) (string, error) {
	instanceType, err := a.InstanceType(ctx)
	if err != nil {
		return "", err
	}

	return strings.SplitN(instanceType, ".", 2)[0], nil
}

// InstanceSize returns the size part of the type, e.g. "16xlarge".
func (a *AWSInstance) InstanceSize(ctx context.Context) (string, error) {
	instanceType, err := a.InstanceType(ctx)
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(instanceType, ".", 2)
	if len(parts) < 2 {
		return "", nil
	}

	return parts[1], nil
}

// SupportedInstanceClass reports whether the family carries usable local NVMe.
func (a *AWSInstance) SupportedInstanceClass(ctx context.Context) (bool, error) {
	class, err := a.InstanceClass(ctx)
	if err != nil {
		return false, err
	}

	_, ok := awsSupportedClasses[class]

	return ok, nil
}

// DevInstanceType reports whether this is a development-only size.
func (a *AWSInstance) DevInstanceType(ctx context.Context) (bool, error) {
	instanceType, err := a.InstanceType(ctx)
	if err != nil {
		return false, err
	}

	return instanceType == "t3.micro", nil
}

// PrivateIPv4 returns the primary private address.
func (a *AWSInstance) PrivateIPv4(ctx context.Context) (string, error) {
	return a.metadataText(ctx, "meta-data/local-ipv4")
}

// PublicIPv4 returns the public address, or empty when the instance has none.
func (a *AWSInstance) PublicIPv4(ctx context.Context) (string, error) {
	address, err := a.metadataText(ctx, "meta-data/public-ipv4")
	if err != nil {
		if metadata.IsClientStatus(err) {
			return "", nil
		}

		return "", err
	}

	return address, nil
}

// UserData returns the boot payload, or empty when none is attached. The
// metadata root listing is consulted first: fetching an absent user-data
// resource would otherwise surface as an error.
func (a *AWSInstance) UserData(ctx context.Context) ([]byte, error) {
	if a.userDataSet {
		return a.userData, nil
	}

	listing, err := a.metadataText(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list metadata root: %w", err)
	}

	if !containsLine(listing, "user-data") {
		a.userDataSet = true

		return nil, nil
	}

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := a.fetcher.Fetch(ctx, metadata.Request{
		Path:    "user-data",
		Headers: map[string]string{awsTokenHeader: token},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch user data: %w", err)
	}

	a.userData = payload
	a.userDataSet = true

	return payload, nil
}

// EnhancedNetworkingDriver returns the expected NIC driver for the instance
// family, or empty when enhanced networking is unavailable.
func (a *AWSInstance) EnhancedNetworkingDriver(ctx context.Context) (string, error) {
	class, err := a.InstanceClass(ctx)
	if err != nil {
		return "", err
	}

	switch class {
	case "c3", "c4", "d2", "i2", "r3":
		return "ixgbevf", nil
	case "m4":
		size, sizeErr := a.InstanceSize(ctx)
		if sizeErr != nil {
			return "", sizeErr
		}

		if size == "16xlarge" {
			return "ena", nil
		}

		return "ixgbevf", nil
	}

	if _, ok := awsENAClasses[class]; ok {
		return "ena", nil
	}

	return "", nil
}

// VPCEnabled reports whether the given NIC is attached to a VPC.
func (a *AWSInstance) VPCEnabled(ctx context.Context, nic string) (bool, error) {
	mac := a.readLine(fmt.Sprintf("/sys/class/net/%s/address", nic))
	if mac == "" {
		return false, fmt.Errorf("read mac address for nic %s", nic)
	}

	stat, err := a.metadataText(ctx, "meta-data/network/interfaces/macs/"+mac)
	if err != nil {
		return false, err
	}

	return containsLine(stat, "vpc-id"), nil
}

// DiskSet enumerates the block devices once and caches the classification.
func (a *AWSInstance) DiskSet(ctx context.Context) (DiskSet, error) {
	if a.disks != nil {
		return *a.disks, nil
	}

	disks, err := a.enumerate(ctx)
	if err != nil {
		return DiskSet{}, err
	}

	a.disks = &disks

	return disks, nil
}

// LocalDisks returns the instance-store devices.
func (a *AWSInstance) LocalDisks(ctx context.Context) ([]string, error) {
	disks, err := a.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Ephemeral, nil
}

// RemoteDisks returns the EBS devices.
func (a *AWSInstance) RemoteDisks(ctx context.Context) ([]string, error) {
	disks, err := a.DiskSet(ctx)
	if err != nil {
		return nil, err
	}

	return disks.Persistent, nil
}

// NVMeDiskCount counts every non-root disk, local and network-attached.
func (a *AWSInstance) NVMeDiskCount(ctx context.Context) (int, error) {
	disks, err := a.DiskSet(ctx)
	if err != nil {
		return 0, err
	}

	return len(disks.Ephemeral) + len(disks.Persistent), nil
}

func (a *AWSInstance) enumerate(ctx context.Context) (DiskSet, error) {
	rootDev, err := a.rootDevice(ctx)
	if err != nil {
		return DiskSet{}, err
	}

	devices, err := a.inspector.ListDevices()
	if err != nil {
		return DiskSet{}, err
	}

	var disks DiskSet

	disks.Root = []string{baseName(rootDev)}

	for _, dev := range devices {
		match := nvmeControllerRe.FindStringSubmatch(dev)
		if match == nil {
			continue
		}

		model, modelErr := a.inspector.NVMeModel(match[1])
		if modelErr != nil {
			return DiskSet{}, fmt.Errorf("classify %s: %w", dev, modelErr)
		}

		if model != ebsModel {
			disks.Ephemeral = append(disks.Ephemeral, dev)

			continue
		}

		if !strings.HasPrefix(rootDev, "/dev/"+dev) {
			disks.Persistent = append(disks.Persistent, dev)
		}
	}

	err = a.addMappedDisks(ctx, &disks)
	if err != nil {
		return DiskSet{}, err
	}

	return disks, nil
}

// rootDevice resolves the partition mounted at /. Anything but exactly one
// candidate means the enumerator runs in an unexpected environment.
func (a *AWSInstance) rootDevice(ctx context.Context) (string, error) {
	parts, err := a.inspector.Partitions()
	if err != nil {
		return "", err
	}

	var candidates []string

	for _, part := range parts {
		if part.Mountpoint == "/" {
			candidates = append(candidates, part.Device)
		}
	}

	if len(candidates) != 1 {
		return "", fmt.Errorf("%w: %d partitions mounted at /", ErrAmbiguousRootDevice, len(candidates))
	}

	rootDev := candidates[0]
	if rootDev == "/dev/root" {
		resolved, runErr := a.run(ctx, "findmnt", "-n", "-o", "SOURCE", "/")
		if runErr != nil {
			return "", fmt.Errorf("resolve /dev/root: %w", runErr)
		}

		rootDev = resolved
	}

	return rootDev, nil
}

// addMappedDisks folds the legacy block-device-mapping entries into the
// buckets. Mapping names use the pre-rename sd* scheme and are translated to
// the xvd* names the OS actually exposes.
func (a *AWSInstance) addMappedDisks(ctx context.Context, disks *DiskSet) error {
	mapping, err := a.metadataText(ctx, "meta-data/block-device-mapping")
	if err != nil {
		return fmt.Errorf("fetch block device mapping: %w", err)
	}

	hasNVMeEphemeral := len(disks.Ephemeral) > 0

	for _, entry := range strings.Split(mapping, "\n") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		bucket := mappingTypeRe.FindString(entry)
		if bucket != "ephemeral" && bucket != "ebs" {
			continue
		}

		// On NVMe generations the mapping still lists ephemeralN names that
		// no longer exist as separate devices.
		if bucket == "ephemeral" && hasNVMeEphemeral {
			continue
		}

		device, xenifyErr := a.xenify(ctx, entry)
		if xenifyErr != nil {
			return xenifyErr
		}

		if !a.inspector.Exists("/dev/" + device) {
			continue
		}

		if bucket == "ephemeral" {
			disks.Ephemeral = append(disks.Ephemeral, device)
		} else {
			disks.Persistent = append(disks.Persistent, device)
		}
	}

	return nil
}

func (a *AWSInstance) xenify(ctx context.Context, mappingName string) (string, error) {
	device, err := a.metadataText(ctx, "meta-data/block-device-mapping/"+mappingName)
	if err != nil {
		return "", fmt.Errorf("resolve mapping %s: %w", mappingName, err)
	}

	return strings.ReplaceAll(baseName(device), "sd", "xvd"), nil
}

var awsENAClasses = map[string]struct{}{
	"a1": {}, "c5": {}, "c5a": {}, "c5d": {}, "c5n": {}, "c6g": {}, "c6gd": {},
	"f1": {}, "g3": {}, "g4": {}, "h1": {}, "i3": {}, "i3en": {}, "inf1": {},
	"m5": {}, "m5a": {}, "m5ad": {}, "m5d": {}, "m5dn": {}, "m5n": {},
	"m6g": {}, "m6gd": {}, "p2": {}, "p3": {}, "r4": {}, "r5": {}, "r5a": {},
	"r5ad": {}, "r5b": {}, "r5d": {}, "r5dn": {}, "r5n": {}, "t3": {},
	"t3a": {}, "t4g": {}, "u-6tb1": {}, "u-9tb1": {}, "u-12tb1": {},
	"u-18tn1": {}, "u-24tb1": {}, "x1": {}, "x1e": {}, "z1d": {}, "r6g": {},
	"r6gd": {}, "x2gd": {}, "im4gn": {}, "is4gen": {}, "i4i": {}, "i4g": {},
	"i7ie": {},
}

func containsLine(text, want string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}

	return false
}
