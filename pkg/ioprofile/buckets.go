package ioprofile

const mib = 1024 * 1024

// GCP publishes rates per local SSD up to three disks and fixed aggregates
// beyond that; the 16- and 24-disk bandwidths are our own measurements,
// which come in under the published numbers.
func gcpPreset(nrDisks int) (preset, bool) {
	switch {
	case nrDisks >= 1 && nrDisks < 4:
		return preset{
			readIOPS: 170000, readBW: 660 * mib,
			writeIOPS: 90000, writeBW: 350 * mib,
			perDisk: true,
		}, true
	case nrDisks >= 4 && nrDisks <= 8:
		return preset{
			readIOPS: 680000, readBW: 2650 * mib,
			writeIOPS: 360000, writeBW: 1400 * mib,
		}, true
	case nrDisks == 16:
		return preset{
			readIOPS: 1600000, readBW: 4521251328,
			writeIOPS: 800000, writeBW: 2759452672,
		}, true
	case nrDisks == 24:
		return preset{
			readIOPS: 2400000, readBW: 5921532416,
			writeIOPS: 1200000, writeBW: 4663037952,
		}, true
	}

	return preset{}, false
}

// Azure documents read rates for the Lsv2 line; the write rates are our own
// measurements.
var azureDiskCountPresets = map[int]preset{
	1:  {readIOPS: 400000, readBW: 2000 * mib, writeIOPS: 271696, writeBW: 1314 * mib},
	2:  {readIOPS: 800000, readBW: 4000 * mib, writeIOPS: 552434, writeBW: 2478 * mib},
	4:  {readIOPS: 1500000, readBW: 8000 * mib, writeIOPS: 1105063, writeBW: 4948 * mib},
	6:  {readIOPS: 2200000, readBW: 14000 * mib, writeIOPS: 1616847, writeBW: 7892 * mib},
	8:  {readIOPS: 2900000, readBW: 16000 * mib, writeIOPS: 2208081, writeBW: 9694 * mib},
	10: {readIOPS: 3800000, readBW: 20000 * mib, writeIOPS: 2546511, writeBW: 11998 * mib},
}

func azurePreset(nrDisks int) (preset, bool) {
	p, ok := azureDiskCountPresets[nrDisks]

	return p, ok
}
