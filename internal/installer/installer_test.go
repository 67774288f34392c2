package installer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/breeze-rmm/deltaupdate/internal/update"
)

func elevated(i *Installer) *Installer {
	i.isElevated = func() bool { return true }
	return i
}

func TestNewValidatesStrategy(t *testing.T) {
	if _, err := New(Options{Strategy: StrategyCommand}); err == nil {
		t.Fatal("command strategy without a command should fail")
	}
	if _, err := New(Options{Strategy: StrategyReplace}); err == nil {
		t.Fatal("replace strategy without a replacer should fail")
	}
	if _, err := New(Options{Strategy: "magic", Command: []string{"x"}}); err == nil {
		t.Fatal("unknown strategy should fail")
	}
}

func TestInstallInteractiveUsesOpener(t *testing.T) {
	i, err := New(Options{Command: []string{"true"}})
	if err != nil {
		t.Fatal(err)
	}
	var opened string
	i.open = func(path string) error { opened = path; return nil }

	if err := i.InstallInteractive("/work/new.pkg"); err != nil {
		t.Fatal(err)
	}
	if opened != "/work/new.pkg" {
		t.Fatalf("opened %q", opened)
	}
}

func TestInstallSilentRequiresElevation(t *testing.T) {
	i, _ := New(Options{Command: []string{"true"}})
	i.isElevated = func() bool { return false }
	if i.InstallSilent(context.Background(), "/work/new.pkg", update.InstallOptions{}) {
		t.Fatal("silent install must fail without privileges")
	}
}

func TestInstallSilentCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	artifact := filepath.Join(dir, "new.pkg")
	marker := filepath.Join(dir, "installed")
	if err := os.WriteFile(artifact, []byte("pkg"), 0o600); err != nil {
		t.Fatal(err)
	}

	i, err := New(Options{
		Command: []string{"/bin/sh", "-c", `echo "$1 $2 $3" > "$4"`, "sh", "{path}", "{version}", "{replace}", marker},
	})
	if err != nil {
		t.Fatal(err)
	}
	elevated(i)

	if !i.InstallSilent(context.Background(), artifact, update.InstallOptions{Replace: true, Version: "1.2.3"}) {
		t.Fatal("InstallSilent failed")
	}
	got, _ := os.ReadFile(marker)
	if strings.TrimSpace(string(got)) != artifact+" 1.2.3 true" {
		t.Fatalf("command saw %q", got)
	}
	info, _ := os.Stat(artifact)
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("artifact mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestInstallSilentCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	artifact := filepath.Join(t.TempDir(), "new.pkg")
	os.WriteFile(artifact, []byte("pkg"), 0o600)

	i, _ := New(Options{Command: []string{"/bin/sh", "-c", "exit 1"}})
	elevated(i)
	if i.InstallSilent(context.Background(), artifact, update.InstallOptions{}) {
		t.Fatal("non-zero exit must report failure")
	}
}

func TestInstallSilentReplace(t *testing.T) {
	binaryPath, newPath := writeBinaries(t)
	i, err := New(Options{Strategy: StrategyReplace, Replacer: NewReplacer(binaryPath, "", nil)})
	if err != nil {
		t.Fatal(err)
	}
	elevated(i)

	if !i.InstallSilent(context.Background(), newPath, update.InstallOptions{}) {
		t.Fatal("replace install failed")
	}
	content, _ := os.ReadFile(binaryPath)
	if string(content) != "v1.2.3 binary" {
		t.Fatalf("binary content = %q", content)
	}
}

func TestInteractiveOnlyInstallerRefusesSilent(t *testing.T) {
	i, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	elevated(i)
	if i.InstallSilent(context.Background(), "/work/new.pkg", update.InstallOptions{}) {
		t.Fatal("silent install without a strategy must fail")
	}
}
