package locator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/breeze-rmm/deltaupdate/internal/update"
)

func TestSourcePathOf(t *testing.T) {
	dir := t.TempDir()
	installed := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(installed, []byte("v1"), 0o600); err != nil {
		t.Fatal(err)
	}
	self := filepath.Join(dir, "deltaupdate")
	if err := os.WriteFile(self, []byte("self"), 0o700); err != nil {
		t.Fatal(err)
	}

	l := New(map[string]string{
		"com.example.app":  installed,
		"com.example.gone": filepath.Join(dir, "missing.bin"),
		"com.example.dir":  dir,
	}, "deltaupdate")
	l.executable = func() (string, error) { return self, nil }

	tests := []struct {
		id      string
		want    string
		missing bool
	}{
		{"com.example.app", installed, false},
		{"deltaupdate", self, false},
		{"com.example.gone", "", true},
		{"com.example.dir", "", true},
		{"com.example.unknown", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := l.SourcePathOf(tt.id)
			if tt.missing {
				if !errors.Is(err, update.ErrPackageNotFound) {
					t.Fatalf("err = %v, want ErrPackageNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			want, _ := filepath.EvalSymlinks(tt.want)
			if got != want {
				t.Fatalf("SourcePathOf = %q, want %q", got, want)
			}
		})
	}
}
