package manifest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedVersion is returned when a version string has a non-numeric
// component.
var ErrMalformedVersion = errors.New("malformed version")

// CompareVersions orders two dotted numeric version strings component-wise,
// left to right. The shorter sequence is padded with zeros, so "0.9" equals
// "0.9.0". Returns -1, 0 or 1.
func CompareVersions(a, b string) (int, error) {
	av, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	bv, err := parseVersion(b)
	if err != nil {
		return 0, err
	}

	n := len(av)
	if len(bv) > n {
		n = len(bv)
	}
	for i := 0; i < n; i++ {
		var x, y uint64
		if i < len(av) {
			x = av[i]
		}
		if i < len(bv) {
			y = bv[i]
		}
		if x < y {
			return -1, nil
		}
		if x > y {
			return 1, nil
		}
	}
	return 0, nil
}

func parseVersion(s string) ([]uint64, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrMalformedVersion)
	}
	parts := strings.Split(s, ".")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		out[i] = v
	}
	return out, nil
}
