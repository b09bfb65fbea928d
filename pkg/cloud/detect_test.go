package cloud_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scylladb/scylla-machine-image/pkg/cloud"
)

var errProbeRefused = errors.New("connection refused")

func dmiReader(values map[string]string) func(path string) string {
	return func(path string) string {
		for suffix, value := range values {
			if strings.HasSuffix(path, suffix) {
				return value
			}
		}

		return ""
	}
}

func countingProbe(kind cloud.Kind, calls *atomic.Int32, err error) cloud.Probe {
	return cloud.Probe{
		Kind: kind,
		Check: func(context.Context) error {
			calls.Add(1)

			return err
		},
	}
}

func TestDetectorDMIShortCircuitSkipsProbes(t *testing.T) {
	t.Parallel()

	var probeCalls atomic.Int32

	detector := cloud.NewDetector(
		cloud.WithSysfsReader(dmiReader(map[string]string{
			"product_version": "4.11.amazon",
		})),
		cloud.WithProbes(countingProbe(cloud.GCP, &probeCalls, nil)),
	)

	kind, err := detector.Detect(context.Background())
	requireNoError(t, err, "Detect()")
	requireEqual(t, "Detect()", kind, cloud.AWS)
	requireEqual(t, "probe calls", probeCalls.Load(), int32(0))
}

func TestDetectorDMISignatures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		values map[string]string
		files  map[string]bool
		want   cloud.Kind
	}{
		{
			name:   "aws nitro",
			values: map[string]string{"bios_vendor": "Amazon EC2"},
			want:   cloud.AWS,
		},
		{
			name:   "gcp",
			values: map[string]string{"product_name": "Google Compute Engine"},
			want:   cloud.GCP,
		},
		{
			name:   "azure with waagent",
			values: map[string]string{"sys_vendor": "Microsoft Corporation"},
			files:  map[string]bool{"/etc/waagent.conf": true},
			want:   cloud.Azure,
		},
		{
			name:   "oci",
			values: map[string]string{"chassis_asset_tag": "OracleCloud.com"},
			want:   cloud.OCI,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			detector := cloud.NewDetector(
				cloud.WithSysfsReader(dmiReader(tc.values)),
				cloud.WithFileChecker(func(path string) bool { return tc.files[path] }),
				cloud.WithProbes(cloud.Probe{
					Kind: "none",
					Check: func(context.Context) error {
						t.Error("probe called despite DMI match")

						return errProbeRefused
					},
				}),
			)

			kind, err := detector.Detect(context.Background())
			requireNoError(t, err, "Detect()")
			requireEqual(t, "Detect()", kind, tc.want)
		})
	}
}

func TestDetectorHypervVendorWithoutWaagentIsInconclusive(t *testing.T) {
	t.Parallel()

	var probeCalls atomic.Int32

	detector := cloud.NewDetector(
		cloud.WithSysfsReader(dmiReader(map[string]string{
			"sys_vendor": "Microsoft Corporation",
		})),
		cloud.WithFileChecker(func(string) bool { return false }),
		cloud.WithProbes(countingProbe(cloud.Azure, &probeCalls, nil)),
	)

	kind, err := detector.Detect(context.Background())
	requireNoError(t, err, "Detect()")
	requireEqual(t, "Detect()", kind, cloud.Azure)
	requireEqual(t, "probe calls", probeCalls.Load(), int32(1))
}

func TestDetectorRaceFirstSuccessWins(t *testing.T) {
	t.Parallel()

	var failedCalls atomic.Int32

	detector := cloud.NewDetector(
		cloud.WithSysfsReader(func(string) string { return "" }),
		cloud.WithProbeTimeout(2*time.Second),
		cloud.WithProbes(
			countingProbe(cloud.AWS, &failedCalls, errProbeRefused),
			cloud.Probe{
				Kind: cloud.GCP,
				Check: func(context.Context) error {
					time.Sleep(20 * time.Millisecond)

					return nil
				},
			},
			cloud.Probe{
				Kind: cloud.OCI,
				// A stalled probe: only the cancellation from the winner
				// releases it.
				Check: func(ctx context.Context) error {
					<-ctx.Done()

					return ctx.Err()
				},
			},
		),
	)

	kind, err := detector.Detect(context.Background())
	requireNoError(t, err, "Detect()")
	requireEqual(t, "Detect()", kind, cloud.GCP)
	requireEqual(t, "failed probe calls", failedCalls.Load(), int32(1))
}

func TestDetectorAllProbesFail(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	detector := cloud.NewDetector(
		cloud.WithSysfsReader(func(string) string { return "" }),
		cloud.WithProbes(
			countingProbe(cloud.AWS, &calls, errProbeRefused),
			countingProbe(cloud.GCP, &calls, errProbeRefused),
		),
	)

	_, err := detector.Detect(context.Background())
	if !errors.Is(err, cloud.ErrDetectionFailed) {
		t.Fatalf("Detect() error = %v, want ErrDetectionFailed", err)
	}

	requireEqual(t, "probe calls", calls.Load(), int32(2))
}

func TestDetectorMemoizesResult(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	detector := cloud.NewDetector(
		cloud.WithSysfsReader(func(string) string { return "" }),
		cloud.WithProbes(countingProbe(cloud.Azure, &calls, nil)),
	)

	ctx := context.Background()

	first, err := detector.Detect(ctx)
	requireNoError(t, err, "Detect()")

	second, err := detector.Detect(ctx)
	requireNoError(t, err, "Detect()")

	requireEqual(t, "Detect()", first, second)
	requireEqual(t, "probe calls", calls.Load(), int32(1))
}
