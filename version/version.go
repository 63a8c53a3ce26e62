// Package version compares configuration bundle versions.
//
// Versions are written by hand in release tags and in the controller's
// firmware_version file, so the accepted forms are loose: "1.3", "v1.3.13",
// "1.4a2". They are normalized to semantic versions before comparing.
package version

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

var loose = regexp.MustCompile(`^[vV]?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:([ab])(\d+))?$`)

// Canonical returns s as a semantic version with a "v" prefix.
func Canonical(s string) (string, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty version")
	}
	raw := fields[len(fields)-1]

	m := loose.FindStringSubmatch(raw)
	if m == nil {
		if v := "v" + strings.TrimPrefix(raw, "v"); semver.IsValid(v) {
			return semver.Canonical(v), nil
		}
		return "", fmt.Errorf("invalid version %q", s)
	}

	major, minor, patch := m[1], m[2], m[3]
	if minor == "" {
		minor = "0"
	}
	if patch == "" {
		patch = "0"
	}
	v := fmt.Sprintf("v%s.%s.%s", major, minor, patch)
	if m[4] != "" {
		v += "-" + m[4] + "." + m[5]
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", s)
	}
	return v, nil
}

// Compare returns -1, 0 or +1 as a is older than, equal to or newer than b.
func Compare(a, b string) (int, error) {
	ca, err := Canonical(a)
	if err != nil {
		return 0, err
	}
	cb, err := Canonical(b)
	if err != nil {
		return 0, err
	}
	return semver.Compare(ca, cb), nil
}

// Newer reports whether latest should replace installed. An installed
// version that cannot be parsed (never recorded, garbled file) is always
// replaced by a valid latest version.
func Newer(latest, installed string) bool {
	cl, err := Canonical(latest)
	if err != nil {
		return false
	}
	ci, err := Canonical(installed)
	if err != nil {
		return true
	}
	return semver.Compare(cl, ci) > 0
}
