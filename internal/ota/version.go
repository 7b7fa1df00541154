package ota

import (
	"fmt"
	"strconv"
	"strings"
)

// IsNewerVersion reports whether target is a strictly newer semantic
// version than current. Comparison is numeric, major first, then minor,
// then patch; missing segments count as 0. A segment that does not parse
// as a number is an error, which callers treat as "no update".
func IsNewerVersion(target, current string) (bool, error) {
	if target == "" || current == "" {
		return false, nil
	}
	t, err := parseVersion(target)
	if err != nil {
		return false, fmt.Errorf("target version %q: %w", target, err)
	}
	c, err := parseVersion(current)
	if err != nil {
		return false, fmt.Errorf("current version %q: %w", current, err)
	}
	for i := 0; i < 3; i++ {
		if t[i] != c[i] {
			return t[i] > c[i], nil
		}
	}
	return false, nil
}

func parseVersion(s string) ([3]int, error) {
	var v [3]int
	parts := strings.SplitN(strings.TrimPrefix(s, "v"), ".", 3)
	for i, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return v, fmt.Errorf("bad segment %q", p)
		}
		v[i] = n
	}
	return v, nil
}

// ArtifactName builds the release artifact path for a target version and
// battery chemistry, e.g. "v1.0.2/firmware-leadacid.bin".
func ArtifactName(targetVersion, chemistry string) string {
	slug := strings.ReplaceAll(chemistry, "-", "")
	return fmt.Sprintf("v%s/firmware-%s.bin", targetVersion, slug)
}
