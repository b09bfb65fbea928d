package cloud

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	dmiProductVersionPath = "/sys/class/dmi/id/product_version"
	dmiBiosVendorPath     = "/sys/class/dmi/id/bios_vendor"
	dmiProductNamePath    = "/sys/class/dmi/id/product_name"
	dmiSysVendorPath      = "/sys/class/dmi/id/sys_vendor"
	dmiChassisAssetPath   = "/sys/class/dmi/id/chassis_asset_tag"

	waagentConfPath = "/etc/waagent.conf"

	defaultProbeTimeout = 15 * time.Second
)

// Probe is one network check against a provider's metadata service. Check
// returns nil when the service answered, confirming the platform.
type Probe struct {
	Kind  Kind
	Check func(ctx context.Context) error
}

// DefaultProbes returns the identification probes for all supported
// platforms. A nil client uses per-probe private clients with short timeouts.
func DefaultProbes(client *http.Client) []Probe {
	return []Probe{
		{Kind: AWS, Check: awsIdentifyProbe(client, awsMetadataBaseURL)},
		{Kind: GCP, Check: gcpIdentifyProbe(client, gcpMetadataBaseURL)},
		{Kind: Azure, Check: azureIdentifyProbe(client, azureMetadataBaseURL)},
		{Kind: OCI, Check: ociIdentifyProbe(client, ociMetadataBaseURL)},
	}
}

// ProbeFor builds the identification probe for one platform against an
// alternate endpoint.
func ProbeFor(kind Kind, client *http.Client, baseURL string) Probe {
	switch kind {
	case AWS:
		return Probe{Kind: AWS, Check: awsIdentifyProbe(client, baseURL)}
	case GCP:
		return Probe{Kind: GCP, Check: gcpIdentifyProbe(client, baseURL)}
	case Azure:
		return Probe{Kind: Azure, Check: azureIdentifyProbe(client, baseURL)}
	case OCI:
		return Probe{Kind: OCI, Check: ociIdentifyProbe(client, baseURL)}
	}

	return Probe{Kind: kind, Check: func(context.Context) error {
		return fmt.Errorf("%w: unknown platform %q", ErrDetectionFailed, kind)
	}}
}

// DetectorOption mutates detector construction.
type DetectorOption func(*Detector)

// WithSysfsReader overrides how DMI identification files are read. The
// reader returns the trimmed first line, or empty for a missing file.
func WithSysfsReader(read func(path string) string) DetectorOption {
	return func(d *Detector) {
		if read != nil {
			d.readLine = read
		}
	}
}

// WithFileChecker overrides how marker-file presence is tested.
func WithFileChecker(exists func(path string) bool) DetectorOption {
	return func(d *Detector) {
		if exists != nil {
			d.fileExists = exists
		}
	}
}

// WithProbes replaces the network identification probes.
func WithProbes(probes ...Probe) DetectorOption {
	return func(d *Detector) {
		if len(probes) > 0 {
			d.probes = probes
		}
	}
}

// WithProbeTimeout bounds the whole network race.
func WithProbeTimeout(timeout time.Duration) DetectorOption {
	return func(d *Detector) {
		if timeout > 0 {
			d.probeTimeout = timeout
		}
	}
}

// NewDetector builds a platform detector. The result of Detect is computed
// once and memoized for the detector's lifetime; construct one detector per
// process and pass it down.
func NewDetector(opts ...DetectorOption) *Detector {
	detector := &Detector{
		readLine:     readOneLine,
		fileExists:   fileExists,
		probes:       DefaultProbes(nil),
		probeTimeout: defaultProbeTimeout,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}

		opt(detector)
	}

	return detector
}

// Detector resolves which cloud platform the machine runs on, first from
// local DMI identification strings and, when those are inconclusive, by
// racing one metadata probe per candidate platform.
type Detector struct {
	once sync.Once
	kind Kind
	err  error

	readLine     func(path string) string
	fileExists   func(path string) bool
	probes       []Probe
	probeTimeout time.Duration
}

// Detect returns the platform the machine runs on. Failure is fatal to the
// calling boot step: there is no sensible default platform to assume.
func (d *Detector) Detect(ctx context.Context) (Kind, error) {
	d.once.Do(func() {
		d.kind, d.err = d.detect(ctx)
	})

	return d.kind, d.err
}

func (d *Detector) detect(ctx context.Context) (Kind, error) {
	if kind, ok := d.identifyDMI(); ok {
		return kind, nil
	}

	return d.race(ctx)
}

// identifyDMI pattern-matches the chassis identification files against each
// platform's known signature. It succeeds only when exactly one matches.
func (d *Detector) identifyDMI() (Kind, bool) {
	var matches []Kind

	productVersion := d.readLine(dmiProductVersionPath)
	biosVendor := d.readLine(dmiBiosVendorPath)
	// Xen instances carry a product_version like "4.11.amazon"; Nitro and
	// baremetal expose the vendor instead.
	if strings.HasSuffix(productVersion, ".amazon") || biosVendor == "Amazon EC2" {
		matches = append(matches, AWS)
	}

	if d.readLine(dmiProductNamePath) == "Google Compute Engine" {
		matches = append(matches, GCP)
	}

	// DMI cannot discriminate Azure from baremetal Hyper-V, but only Azure
	// ships waagent.
	if d.readLine(dmiSysVendorPath) == "Microsoft Corporation" &&
		d.fileExists(waagentConfPath) {
		matches = append(matches, Azure)
	}

	if d.readLine(dmiChassisAssetPath) == "OracleCloud.com" {
		matches = append(matches, OCI)
	}

	if len(matches) == 1 {
		return matches[0], true
	}

	return "", false
}

// race issues every probe concurrently and resolves to the first success.
// Losers are cancelled; they mutate nothing, so discarding them is safe.
func (d *Detector) race(ctx context.Context) (Kind, error) {
	ctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	winner := make(chan Kind, len(d.probes))

	for _, probe := range d.probes {
		probe := probe
		group.Go(func() error {
			err := probe.Check(groupCtx)
			if err != nil {
				return nil //nolint:nilerr // a failed probe only rules out one candidate
			}

			select {
			case winner <- probe.Kind:
				cancel()
			default:
			}

			return nil
		})
	}

	_ = group.Wait()

	select {
	case kind := <-winner:
		return kind, nil
	default:
		return "", ErrDetectionFailed
	}
}

func readOneLine(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
