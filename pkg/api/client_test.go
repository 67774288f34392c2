package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/breeze-rmm/deltaupdate/internal/httputil"
	"github.com/breeze-rmm/deltaupdate/internal/update"
)

func TestCheckUpdate(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    update.Descriptor
		wantErr bool
	}{
		{
			name:   "patch available",
			status: http.StatusOK,
			body:   `{"patchUrl":"https://cdn.example.com/app--1.2.3.patch","expectedChecksum":"abc","message":"fixes","latestVersion":"1.2.3"}`,
			want: update.Descriptor{
				PatchURL:         "https://cdn.example.com/app--1.2.3.patch",
				ExpectedChecksum: "abc",
				Message:          "fixes",
			},
		},
		{name: "no content", status: http.StatusNoContent},
		{name: "empty object", status: http.StatusOK, body: `{}`},
		{name: "not found", status: http.StatusNotFound, body: "unknown package", wantErr: true},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v1/updates/com.example.app" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if got := r.URL.Query().Get("currentVersion"); got != "1.2.0" {
					t.Errorf("currentVersion = %q", got)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok", "com.example.app").WithRetry(httputil.NoRetry())
			got, err := c.CheckUpdate(context.Background(), "1.2.0")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckUpdate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("descriptor = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReportResult(t *testing.T) {
	got := make(chan ResultReport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/updates/com.example.app/results" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var rep ResultReport
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- rep
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "com.example.app").WithRetry(httputil.NoRetry())
	err := c.ReportResult(context.Background(), ResultReport{
		Attempt: 4,
		State:   update.StateError,
		Kind:    update.KindPatch,
		Code:    update.CodeMergeFailed,
	})
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	rep := <-got
	if rep.Attempt != 4 || rep.State != update.StateError || rep.Kind != update.KindPatch || rep.Code != update.CodeMergeFailed {
		t.Fatalf("report = %+v", rep)
	}
}

func TestReportResultServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "p").WithRetry(httputil.NoRetry())
	if err := c.ReportResult(context.Background(), ResultReport{}); err == nil {
		t.Fatal("expected error for 400")
	}
}

func TestLoadDescriptor(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
		want update.Descriptor
	}{
		{
			name: "yaml",
			file: "d.yaml",
			body: "fullPackageUrl: https://cdn.example.com/app-1.2.3.apk\nexpectedChecksum: 5d41402abc4b2a76b9719d911017c592\n",
			want: update.Descriptor{
				FullPackageURL:   "https://cdn.example.com/app-1.2.3.apk",
				ExpectedChecksum: "5d41402abc4b2a76b9719d911017c592",
			},
		},
		{
			name: "json",
			file: "d.json",
			body: `{"patchUrl": "https://cdn.example.com/a--2.0.patch", "message": "hi"}`,
			want: update.Descriptor{PatchURL: "https://cdn.example.com/a--2.0.patch", Message: "hi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
				t.Fatal(err)
			}
			got, err := LoadDescriptor(path)
			if err != nil {
				t.Fatalf("LoadDescriptor: %v", err)
			}
			if got != tt.want {
				t.Fatalf("descriptor = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := LoadDescriptor(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := ParseDescriptor([]byte("fullPackageUrl: [unterminated")); err == nil {
		t.Fatal("expected parse error")
	}
}
