package internal

import (
	"path/filepath"
	"testing"
)

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in      string
		want    VersionIdentifier
		unknown bool
	}{
		{in: "1.2.3", want: MakeVersion(1, 2, 3)},
		{in: "0.0.0", want: MakeVersion(0, 0, 0)},
		{in: " 10.0.7 \n", want: MakeVersion(10, 0, 7)},
		{in: "1.2", unknown: true},
		{in: "1.2.3.4", unknown: true},
		{in: "1.2.x", unknown: true},
		{in: "-1.2.3", unknown: true},
		{in: "", unknown: true},
		{in: "garbage", unknown: true},
	}
	for _, tc := range cases {
		got := ParseVersion(tc.in)
		if tc.unknown {
			if !got.IsUnknown() {
				t.Errorf("ParseVersion(%q) = %v, want unknown", tc.in, got)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestVersionCompare_UnknownSortsLowest(t *testing.T) {
	if UnknownVersion.Compare(MakeVersion(0, 0, 0)) != -1 {
		t.Fatal("unknown should compare below 0.0.0")
	}
	if MakeVersion(0, 0, 1).Compare(UnknownVersion) != 1 {
		t.Fatal("0.0.1 should compare above unknown")
	}
	if UnknownVersion.Compare(UnknownVersion) != 0 {
		t.Fatal("unknown vs unknown should be equal")
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		local, remote string
		want          VersionStatus
	}{
		{"1.2.0", "1.2.0", UpToDate},
		{"0.0.0", "1.2.0", UpdateAvailable},
		{"1.2.0", "1.2.1", UpdateAvailable},
		{"1.3.0", "1.2.9", LocalNewer},
		{"2.0.0", "1.9.9", LocalNewer},
		{"not-a-version", "1.0.0", UpdateAvailable},
		{"1.0.0", "not-a-version", VersionUnknown},
	}
	for _, tc := range cases {
		got := CompareVersions(ParseVersion(tc.local), ParseVersion(tc.remote))
		if got != tc.want {
			t.Errorf("CompareVersions(%q, %q) = %v, want %v", tc.local, tc.remote, got, tc.want)
		}
	}
}

func TestVersionMarkerRoundTrip(t *testing.T) {
	root := t.TempDir()

	if got := ReadVersionMarker(root); !got.IsUnknown() {
		t.Fatalf("missing marker should read unknown, got %v", got)
	}

	v := MakeVersion(1, 4, 2)
	if err := WriteVersionMarker(root, v); err != nil {
		t.Fatal(err)
	}
	if got := ReadVersionMarker(root); got != v {
		t.Fatalf("marker round trip: got %v, want %v", got, v)
	}

	if err := WriteVersionMarker(root, UnknownVersion); err == nil {
		t.Fatal("persisting the unknown sentinel should fail")
	}

	// A corrupted marker degrades to unknown, not an error.
	if err := writeFileAtomic(filepath.Join(root, versionMarkerName), []byte("zzz"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ReadVersionMarker(root); !got.IsUnknown() {
		t.Fatalf("corrupt marker should read unknown, got %v", got)
	}
}
