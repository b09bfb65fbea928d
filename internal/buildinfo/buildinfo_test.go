package buildinfo

import "testing"

func TestCurrentSnapshotsStampedValues(t *testing.T) {
	savedVersion, savedCommit, savedDate := Version, GitCommit, BuildDate
	t.Cleanup(func() {
		Version = savedVersion
		GitCommit = savedCommit
		BuildDate = savedDate
	})

	Version = "2025.2.0"
	GitCommit = "9b1f04e"
	BuildDate = "2025-08-14T09:30:00Z"

	got := Current()
	want := Info{Version: "2025.2.0", GitCommit: "9b1f04e", BuildDate: "2025-08-14T09:30:00Z"}
	if got != want {
		t.Fatalf("Current() = %+v, want %+v", got, want)
	}
}

func TestCurrentDefaultsAreNonEmpty(t *testing.T) {
	got := Current()
	if got.Version == "" || got.GitCommit == "" || got.BuildDate == "" {
		t.Fatalf("unstamped build metadata should still carry placeholders, got %+v", got)
	}
}
