package ioprofile

import (
	"context"
	"fmt"

	"github.com/scylladb/scylla-machine-image/pkg/cloud"
)

const defaultMountpoint = "/var/lib/scylla"

// Resolver maps the current instance to an I/O profile from the measured
// preset tables.
type Resolver struct {
	// Mountpoint is the data directory recorded in the profile. Empty means
	// the default install location.
	Mountpoint string
	// OCIPresets is consulted for OCI shapes. A nil or empty table makes
	// every OCI lookup a preset miss.
	OCIPresets OCIPresetTable
}

// Resolve returns the preset profile for the instance. The two failure modes
// are distinct: ErrUnsupportedInstanceClass is final, while ErrPresetNotFound
// invites a live measurement run.
func (r *Resolver) Resolve(ctx context.Context, inst cloud.Instance) (Profile, error) {
	supported, err := inst.SupportedInstanceClass(ctx)
	if err != nil {
		return Profile{}, err
	}

	if !supported {
		instanceType, typeErr := inst.InstanceType(ctx)
		if typeErr != nil {
			instanceType = "unknown"
		}

		return Profile{}, fmt.Errorf("%w: %s", ErrUnsupportedInstanceClass, instanceType)
	}

	mountpoint := r.Mountpoint
	if mountpoint == "" {
		mountpoint = defaultMountpoint
	}

	p, err := r.preset(ctx, inst)
	if err != nil {
		return Profile{}, err
	}

	nrDisks, err := scalingDiskCount(ctx, inst)
	if err != nil {
		return Profile{}, err
	}

	return p.profile(mountpoint, nrDisks), nil
}

// scalingDiskCount returns the disk count per-disk presets multiply by: the
// local disks that will form the data RAID. On AWS NVMeDiskCount also counts
// network-attached EBS volumes, which must not inflate the rates, so the
// ephemeral bucket is counted directly. The other providers' NVMeDiskCount
// is already the reconciled local count.
func scalingDiskCount(ctx context.Context, inst cloud.Instance) (int, error) {
	if inst.Kind() == cloud.AWS {
		local, err := inst.LocalDisks(ctx)
		if err != nil {
			return 0, err
		}

		return len(local), nil
	}

	return inst.NVMeDiskCount(ctx)
}

func (r *Resolver) preset(ctx context.Context, inst cloud.Instance) (preset, error) {
	instanceType, err := inst.InstanceType(ctx)
	if err != nil {
		return preset{}, err
	}

	var (
		p  preset
		ok bool
	)

	switch inst.Kind() {
	case cloud.AWS:
		p, ok = awsPreset(instanceType)
	case cloud.GCP:
		nrDisks, countErr := inst.NVMeDiskCount(ctx)
		if countErr != nil {
			return preset{}, countErr
		}

		p, ok = gcpPreset(nrDisks)
	case cloud.Azure:
		nrDisks, countErr := inst.NVMeDiskCount(ctx)
		if countErr != nil {
			return preset{}, countErr
		}

		p, ok = azurePreset(nrDisks)
	case cloud.OCI:
		ocpus := 0
		if counter, hasOCPUs := inst.(interface {
			OCPUs(ctx context.Context) (int, error)
		}); hasOCPUs {
			ocpus, err = counter.OCPUs(ctx)
			if err != nil {
				return preset{}, err
			}
		}

		p, ok = r.OCIPresets.Lookup(instanceType, ocpus)
	}

	if !ok {
		return preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, instanceType)
	}

	return p, nil
}
