package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// VersionIdentifier is a semantic (major, minor, patch) triple. The zero
// value is not meaningful; use UnknownVersion for the unparseable sentinel.
type VersionIdentifier struct {
	Major int
	Minor int
	Patch int

	known bool
}

// UnknownVersion is the sentinel for unparseable or missing version strings.
// It compares lower than every known version so a broken marker always
// resolves toward updating rather than silently staying stale.
var UnknownVersion = VersionIdentifier{}

// MakeVersion builds a known version triple.
func MakeVersion(major, minor, patch int) VersionIdentifier {
	return VersionIdentifier{Major: major, Minor: minor, Patch: patch, known: true}
}

// ParseVersion parses "major.minor.patch". Anything that does not parse
// cleanly yields UnknownVersion; parsing never fails hard.
func ParseVersion(s string) VersionIdentifier {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return UnknownVersion
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return UnknownVersion
		}
		nums[i] = n
	}
	return MakeVersion(nums[0], nums[1], nums[2])
}

// IsUnknown reports whether v is the unparseable sentinel.
func (v VersionIdentifier) IsUnknown() bool {
	return !v.known
}

func (v VersionIdentifier) String() string {
	if v.IsUnknown() {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 ordering v against other. UnknownVersion sorts
// below every known version.
func (v VersionIdentifier) Compare(other VersionIdentifier) int {
	if v.IsUnknown() || other.IsUnknown() {
		switch {
		case v.IsUnknown() && other.IsUnknown():
			return 0
		case v.IsUnknown():
			return -1
		default:
			return 1
		}
	}
	a := [3]int{v.Major, v.Minor, v.Patch}
	b := [3]int{other.Major, other.Minor, other.Patch}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// VersionStatus is the outcome of a local-vs-remote version comparison.
type VersionStatus int

const (
	UpToDate VersionStatus = iota
	UpdateAvailable
	LocalNewer
	VersionUnknown
)

func (s VersionStatus) String() string {
	switch s {
	case UpToDate:
		return "up to date"
	case UpdateAvailable:
		return "update available"
	case LocalNewer:
		return "local newer"
	case VersionUnknown:
		return "version unknown"
	default:
		return "invalid"
	}
}

// CompareVersions resolves the local installation against the remote release.
// An unknown local version means the install state cannot be trusted, so it
// reports UpdateAvailable. An unknown remote version reports VersionUnknown;
// the state machine treats that as needing an update as well.
func CompareVersions(local, remote VersionIdentifier) VersionStatus {
	if remote.IsUnknown() {
		return VersionUnknown
	}
	if local.IsUnknown() {
		return UpdateAvailable
	}
	switch local.Compare(remote) {
	case -1:
		return UpdateAvailable
	case 1:
		return LocalNewer
	default:
		return UpToDate
	}
}

// versionMarkerName is the well-known version marker file under the install
// root.
const versionMarkerName = "version.dat"

// ReadVersionMarker loads the local version marker. A missing or unreadable
// marker yields UnknownVersion.
func ReadVersionMarker(root string) VersionIdentifier {
	raw, err := os.ReadFile(filepath.Join(root, versionMarkerName))
	if err != nil {
		return UnknownVersion
	}
	return ParseVersion(string(raw))
}

// WriteVersionMarker persists the local version marker atomically.
func WriteVersionMarker(root string, v VersionIdentifier) error {
	if v.IsUnknown() {
		return fmt.Errorf("%w: refusing to persist unknown version", ErrMalformed)
	}
	return writeFileAtomic(filepath.Join(root, versionMarkerName), []byte(v.String()+"\n"), 0o644)
}
