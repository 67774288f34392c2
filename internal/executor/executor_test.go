package executor

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	res, err := Run(context.Background(), Command{Argv: []string{"/bin/sh", "-c", "echo merged; echo warn >&2"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "merged" || strings.TrimSpace(res.Stderr) != "warn" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunReportsNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	res, err := Run(context.Background(), Command{Argv: []string{"/bin/sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	skipOnWindows(t)
	start := time.Now()
	res, err := Run(context.Background(), Command{Argv: []string{"/bin/sh", "-c", "sleep 10"}, Timeout: 100 * time.Millisecond})
	if err == nil || !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("Run = %+v, %v; want timeout", res, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not kill the command")
	}
}

func TestRunCancelled(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res, err := Run(ctx, Command{Argv: []string{"/bin/sh", "-c", "sleep 10"}})
	if err != context.Canceled || res.ExitCode != -1 {
		t.Fatalf("Run = %+v, %v; want context.Canceled", res, err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	res, err := Run(context.Background(), Command{Argv: []string{"/nonexistent/bspatch"}})
	if err == nil || res.ExitCode != -1 {
		t.Fatalf("Run = %+v, %v; want start failure", res, err)
	}
	if _, err := Run(context.Background(), Command{}); err == nil {
		t.Fatal("empty argv should fail")
	}
}

func TestExpand(t *testing.T) {
	got := Expand([]string{"bspatch", "{base}", "{output}", "{patch}", "--tag={base}"}, map[string]string{
		"base":   "/opt/app.bin",
		"output": "/work/new.pkg",
		"patch":  "/work/patchfile.patch",
	})
	want := []string{"bspatch", "/opt/app.bin", "/work/new.pkg", "/work/patchfile.patch", "--tag=/opt/app.bin"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expand = %v, want %v", got, want)
		}
	}
}

func TestLimitedWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: 4}
	n, err := w.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	w.Write([]byte("gh"))
	if buf.String() != "abcd" {
		t.Fatalf("buffer = %q", buf.String())
	}
}
