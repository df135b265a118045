package omada

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// Version thresholds where the controller API changed shape.
var (
	// v5 introduced controller-id path prefixes, opaque site ids and
	// the Csrf-Token header.
	v5 = goversion.Must(goversion.NewVersion("5.0.0"))

	// v448 replaced the single SSID settings endpoint with per-WLAN
	// SSID lists.
	v448 = goversion.Must(goversion.NewVersion("4.4.8"))
)

// parseVersion parses a controller version string such as "5.13.30.8".
// Components are compared numerically, so "5.10.0" sorts after "5.9.0".
func parseVersion(s string) (*goversion.Version, error) {
	if s == "" {
		return nil, ErrUnsupportedVersion
	}
	v, err := goversion.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, s, err)
	}
	return v, nil
}

// CompareVersions returns -1, 0 or 1. Unparseable versions sort first.
func CompareVersions(a, b string) int {
	va, errA := parseVersion(a)
	vb, errB := parseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}
