package update

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

const (
	// DefaultFullPattern captures the version token of a package file name,
	// e.g. "app-1.2.3.apk" or "agent_v2.0.1.tar.gz".
	DefaultFullPattern = `(?:^|[/_-])v?(\d[0-9A-Za-z.\-]*?)\.(?:apk|bin|exe|msi|pkg|deb|rpm|zip|tar\.gz|tgz)$`
	// DefaultPatchPattern captures the token between "--" and ".patch".
	DefaultPatchPattern = `--([^/]*)\.patch$`
)

// Extractor derives human-readable version labels from artifact URLs.
type Extractor struct {
	full  *regexp.Regexp
	patch *regexp.Regexp
}

// NewExtractor compiles the two patterns. Empty patterns select the defaults.
// A pattern with a capture group yields group 1, otherwise the whole match.
func NewExtractor(fullPattern, patchPattern string) (*Extractor, error) {
	if fullPattern == "" {
		fullPattern = DefaultFullPattern
	}
	if patchPattern == "" {
		patchPattern = DefaultPatchPattern
	}
	full, err := regexp.Compile(fullPattern)
	if err != nil {
		return nil, fmt.Errorf("full version pattern: %w", err)
	}
	patch, err := regexp.Compile(patchPattern)
	if err != nil {
		return nil, fmt.Errorf("patch version pattern: %w", err)
	}
	return &Extractor{full: full, patch: patch}, nil
}

// DefaultExtractor uses the built-in patterns.
func DefaultExtractor() *Extractor {
	return &Extractor{
		full:  regexp.MustCompile(DefaultFullPattern),
		patch: regexp.MustCompile(DefaultPatchPattern),
	}
}

// Label extracts the version label for an artifact of the given kind.
func (e *Extractor) Label(kind Kind, rawURL, fallback string) string {
	switch kind {
	case KindFull:
		return ExtractVersion(e.full, rawURL, fallback)
	case KindPatch:
		return ExtractVersion(e.patch, rawURL, fallback)
	default:
		return fallback
	}
}

// ExtractVersion returns the last non-empty match of re in the path of rawURL
// with "-" normalized to ".". Query and fragment are ignored. Without a match
// the fallback is returned unchanged.
func ExtractVersion(re *regexp.Regexp, rawURL, fallback string) string {
	subject := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		subject = u.Path
	}

	result := ""
	for _, m := range re.FindAllStringSubmatch(subject, -1) {
		token := m[0]
		if len(m) > 1 {
			token = m[1]
		}
		if token != "" {
			result = token
		}
	}
	if result == "" {
		return fallback
	}
	return strings.ReplaceAll(result, "-", ".")
}

// IsNewer reports whether target is a newer version than current. ok is false
// when either label does not parse as a version.
func IsNewer(target, current string) (newer bool, ok bool) {
	t, err := goversion.NewVersion(target)
	if err != nil {
		return false, false
	}
	c, err := goversion.NewVersion(current)
	if err != nil {
		return false, false
	}
	return t.GreaterThan(c), true
}
