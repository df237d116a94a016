package manifest

import (
	"errors"
	"testing"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"0.6.0", "0.5.0", 1},
		{"0.5.0", "0.6.0", -1},
		{"0.5.0", "0.5.0", 0},
		{"1.0.0", "0.9.9", 1},
		{"0.10.0", "0.9.5", 1},
		{"0.9", "0.9.0", 0},
		{"0.9.0.1", "0.9", 1},
		{"2", "10", -1},
	}
	for _, tt := range tests {
		got, err := CompareVersions(tt.a, tt.b)
		if err != nil {
			t.Errorf("compare(%q, %q): %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.want {
			t.Errorf("compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCompareVersionsMalformed(t *testing.T) {
	for _, bad := range []string{"1.x.0", "", "1..2", "v1.0", "-1.0"} {
		if _, err := CompareVersions(bad, "1.0"); !errors.Is(err, ErrMalformedVersion) {
			t.Errorf("compare(%q, 1.0) err = %v, want ErrMalformedVersion", bad, err)
		}
	}
}
