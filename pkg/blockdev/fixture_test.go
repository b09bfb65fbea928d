package blockdev

import "testing"

func TestFixtureExists(t *testing.T) {
	t.Parallel()

	fixture := &Fixture{
		Devices:  []string{"sda", "nvme0n1"},
		Symlinks: map[string]string{"/dev/disk/cloud/azure_resource": "/dev/sdb"},
		Present:  map[string]bool{"/etc/waagent.conf": true, "/dev/sda": false},
	}

	cases := []struct {
		path string
		want bool
	}{
		{path: "/dev/nvme0n1", want: true},
		{path: "/dev/disk/cloud/azure_resource", want: true},
		{path: "/etc/waagent.conf", want: true},
		{path: "/dev/sdz", want: false},
		{path: "nvme0n1", want: false},
		// An explicit Present entry overrides the device listing.
		{path: "/dev/sda", want: false},
	}

	for _, tc := range cases {
		if got := fixture.Exists(tc.path); got != tc.want {
			t.Errorf("Exists(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestFixtureDeviceSizeStripsDevPrefix(t *testing.T) {
	t.Parallel()

	fixture := &Fixture{DeviceSizes: map[string]int64{"nvme0n1": 375 << 30}}

	size, err := fixture.DeviceSize("/dev/nvme0n1")
	if err != nil {
		t.Fatalf("DeviceSize(): %v", err)
	}

	if size != 375<<30 {
		t.Fatalf("DeviceSize() = %d, want %d", size, int64(375)<<30)
	}

	_, err = fixture.DeviceSize("sdq")
	if err == nil {
		t.Fatal("DeviceSize(sdq) expected error")
	}
}
