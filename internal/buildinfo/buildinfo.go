// Package buildinfo holds release metadata stamped into the binary.
package buildinfo

// Overridden through -ldflags when cutting a release.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info identifies a single build of the machine-image tool.
type Info struct {
	Version   string
	GitCommit string
	BuildDate string
}

// Current snapshots the stamped metadata for startup logging.
func Current() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	}
}
