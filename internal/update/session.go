package update

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Session is the mutable state of one update attempt. It is owned by the
// Orchestrator and guarded by its mutex.
type Session struct {
	ID               uint64
	Kind             Kind
	Descriptor       Descriptor
	TargetVersion    string
	WorkDir          string
	ArtifactPath     string
	PatchPath        string
	ExpectedChecksum string
	Manual           bool
	AutoInstall      bool
	ForceInstall     bool

	running bool
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

// SessionInfo is a read-only snapshot of the active session.
type SessionInfo struct {
	ID            uint64
	Kind          Kind
	Descriptor    Descriptor
	TargetVersion string
	ArtifactPath  string
	PatchPath     string
	Running       bool
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:            s.ID,
		Kind:          s.Kind,
		Descriptor:    s.Descriptor,
		TargetVersion: s.TargetVersion,
		ArtifactPath:  s.ArtifactPath,
		PatchPath:     s.PatchPath,
		Running:       s.running,
	}
}

// destination is where the downloaded artifact of the session kind lands.
func (s *Session) destination() string {
	if s.Kind == KindPatch {
		return s.PatchPath
	}
	return s.ArtifactPath
}

// prepareWorkDir creates the work directory and removes stale files at both
// well-known paths. Missing files are not an error.
func (s *Session) prepareWorkDir() error {
	if err := os.MkdirAll(s.WorkDir, 0o700); err != nil {
		return err
	}
	return removeFiles(s.ArtifactPath, s.PatchPath)
}

func removeFiles(paths ...string) error {
	var result *multierror.Error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func sessionPaths(workDir, artifactName, patchName string) (artifact, patch string) {
	return filepath.Join(workDir, artifactName), filepath.Join(workDir, patchName)
}
