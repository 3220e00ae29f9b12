package validation

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
)

// ValidateVersion accepts any non-empty version string without whitespace.
// Plugin versions are free-form, so this does not enforce semver.
func ValidateVersion(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("version is required")
	}
	if strings.ContainsAny(v, " \t\r\n") {
		return fmt.Errorf("version must not contain whitespace")
	}
	if len(v) > 64 {
		return fmt.Errorf("version is longer than 64 characters")
	}
	return nil
}

// CompareVersions orders two plugin versions. Versions go-version can parse
// compare numerically (1.10 > 1.9); otherwise they compare as strings.
// Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	}
	return strings.Compare(a, b)
}

// IsNewer reports whether candidate is strictly newer than installed
func IsNewer(candidate, installed string) bool {
	return CompareVersions(candidate, installed) > 0
}
