package utils

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		path          string
		allowAbsolute bool
		wantErr       string
	}{
		{name: "relative dataset", path: "pos0/s0"},
		{name: "absolute allowed", path: "/data/exp.n5", allowAbsolute: true},
		{name: "absolute rejected", path: "/data/exp.n5", wantErr: "absolute paths not allowed"},
		{name: "traversal", path: "pos0/../../etc", wantErr: "directory traversal"},
		{name: "dots inside a name are fine", path: "run..2/s0"},
		{name: "empty", path: "", wantErr: "cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidatePath(tt.path, tt.allowAbsolute)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidatePath() unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidatePath() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "exp.n5")

	got, err := SecureJoin(base, "pos0", "s1", "attributes.json")
	if err != nil {
		t.Fatalf("SecureJoin() error = %v", err)
	}
	if want := filepath.Join(base, "pos0", "s1", "attributes.json"); got != want {
		t.Errorf("SecureJoin() = %q, want %q", got, want)
	}

	if _, err := SecureJoin(base, "..", "other.n5"); err == nil {
		t.Error("SecureJoin() should reject escaping the base")
	}
	if _, err := SecureJoin("", "x"); err == nil {
		t.Error("SecureJoin() should reject an empty base")
	}
}

func TestJoinKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		segments []string
		want     string
	}{
		{[]string{"data/", "/pos0", "metadata.txt"}, "data/pos0/metadata.txt"},
		{[]string{"", "pos0", "metadata.txt"}, "pos0/metadata.txt"},
		{[]string{"a//b/", "c"}, "a/b/c"},
		{[]string{"", "/"}, ""},
	}

	for _, tt := range tests {
		if got := JoinKey(tt.segments...); got != tt.want {
			t.Errorf("JoinKey(%q) = %q, want %q", tt.segments, got, tt.want)
		}
	}
}
