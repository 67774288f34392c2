package installer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
)

// Replacer swaps an installed binary for a verified artifact, keeping a
// backup and restoring it when the swap or the restart fails.
type Replacer struct {
	BinaryPath string
	BackupPath string
	// Restart is called after a successful swap. Nil skips the restart.
	Restart func() error
}

// NewReplacer returns a Replacer. An empty backupPath defaults to
// binaryPath + ".bak".
func NewReplacer(binaryPath, backupPath string, restart func() error) *Replacer {
	if backupPath == "" {
		backupPath = binaryPath + ".bak"
	}
	return &Replacer{BinaryPath: binaryPath, BackupPath: backupPath, Restart: restart}
}

// Replace backs up the current binary, installs newPath over it and restarts.
func (r *Replacer) Replace(newPath string) error {
	if r.BinaryPath == "" {
		return errors.New("binary path is not configured")
	}
	log.Info("replacing binary", "target", r.BinaryPath, "source", newPath)

	if err := r.backupCurrentBinary(); err != nil {
		return fmt.Errorf("failed to backup current binary: %w", err)
	}

	if err := r.replaceBinary(newPath); err != nil {
		if rbErr := r.Rollback(); rbErr != nil {
			log.Error("rollback also failed after replace error", "replaceError", err, "rollbackError", rbErr)
			return fmt.Errorf("failed to replace binary: %w (rollback also failed: %v)", err, rbErr)
		}
		return fmt.Errorf("failed to replace binary (rolled back): %w", err)
	}

	if r.Restart == nil {
		return nil
	}
	if err := r.Restart(); err != nil {
		if rbErr := r.Rollback(); rbErr != nil {
			log.Error("rollback also failed after restart error", "restartError", err, "rollbackError", rbErr)
			return fmt.Errorf("failed to restart: %w (rollback also failed: %v)", err, rbErr)
		}
		return fmt.Errorf("failed to restart (rolled back): %w", err)
	}
	return nil
}

// backupCurrentBinary copies the current binary to the backup path, keeping
// its permissions.
func (r *Replacer) backupCurrentBinary() error {
	os.Remove(r.BackupPath)

	info, err := os.Stat(r.BinaryPath)
	if err != nil {
		return err
	}
	if err := copyFile(r.BinaryPath, r.BackupPath); err != nil {
		return err
	}
	return os.Chmod(r.BackupPath, info.Mode())
}

// replaceBinary writes newPath over the binary. Windows cannot overwrite a
// running executable, so the old file is renamed out of the way first.
func (r *Replacer) replaceBinary(newPath string) error {
	if runtime.GOOS == "windows" {
		oldPath := r.BinaryPath + ".old"
		os.Remove(oldPath)
		if err := os.Rename(r.BinaryPath, oldPath); err != nil {
			return err
		}
	}
	if err := copyFile(newPath, r.BinaryPath); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		return os.Chmod(r.BinaryPath, 0o755)
	}
	return nil
}

// Rollback restores the backup binary.
func (r *Replacer) Rollback() error {
	log.Info("rolling back to previous binary", "target", r.BinaryPath)

	if _, err := os.Stat(r.BackupPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup found at %s", r.BackupPath)
	}
	if err := copyFile(r.BackupPath, r.BinaryPath); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		return os.Chmod(r.BinaryPath, 0o755)
	}
	return nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
