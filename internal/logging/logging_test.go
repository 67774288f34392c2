package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("orchestrator")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("classified", "kind", "patch")

	out := buf.String()
	if !strings.Contains(out, "msg=classified") {
		t.Fatalf("expected plain classified message, got: %s", out)
	}
	if !strings.Contains(out, "component=orchestrator") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "kind=patch") {
		t.Fatalf("expected kind field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("download")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormatAndAttemptFields(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithAttempt(L("orchestrator"), 7, "full").Debug("ready")

	out := buf.String()
	if !strings.Contains(out, `"attempt":7`) {
		t.Fatalf("expected attempt field in json output, got: %s", out)
	}
	if !strings.Contains(out, `"kind":"full"`) {
		t.Fatalf("expected kind field in json output, got: %s", out)
	}
}

func TestURLAttributeIsRedacted(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	L("download").Info("starting", KeyURL, "https://user:pw@cdn.example.com/app-1.2.3.apk?X-Amz-Signature=secret")

	out := buf.String()
	if strings.Contains(out, "secret") || strings.Contains(out, "pw@") {
		t.Fatalf("signed url leaked into log: %s", out)
	}
	if !strings.Contains(out, "cdn.example.com/app-1.2.3.apk") {
		t.Fatalf("expected host and path to survive redaction: %s", out)
	}
}

func TestRedactURLUnparseable(t *testing.T) {
	if got := RedactURL("http://[::1"); got != "<unparseable>" {
		t.Fatalf("RedactURL = %q, want <unparseable>", got)
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "deltaupdate.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup to exist: %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backups beyond maxBackups must not exist, stat err = %v", err)
	}
}
