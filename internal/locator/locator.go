package locator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/breeze-rmm/deltaupdate/internal/update"
)

// Locator resolves installed artifacts from a static table. A package listed
// as the self package resolves to the running executable when it has no
// table entry.
type Locator struct {
	paths       map[string]string
	selfPackage string
	executable  func() (string, error)
}

func New(paths map[string]string, selfPackage string) *Locator {
	copied := make(map[string]string, len(paths))
	for id, p := range paths {
		copied[id] = p
	}
	return &Locator{paths: copied, selfPackage: selfPackage, executable: os.Executable}
}

// SourcePathOf returns the path of the installed artifact for packageID.
func (l *Locator) SourcePathOf(packageID string) (string, error) {
	path, ok := l.paths[packageID]
	if !ok && packageID != "" && packageID == l.selfPackage {
		exe, err := l.executable()
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", update.ErrPackageNotFound, packageID, err)
		}
		path, ok = exe, true
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", update.ErrPackageNotFound, packageID)
	}

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", update.ErrPackageNotFound, packageID, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s: %s is not a regular file", update.ErrPackageNotFound, packageID, path)
	}
	return path, nil
}
