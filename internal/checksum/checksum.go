package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

var log = logging.L("checksum")

// Algorithm names accepted by New.
const (
	MD5    = "md5"
	SHA256 = "sha256"
	SHA512 = "sha512"
)

// Verifier hashes files with a default algorithm. Matches picks the algorithm
// from the length of the expected hex digest, so an md5 default still accepts
// a sha256 value from the server.
type Verifier struct {
	algorithm string
}

func New(algorithm string) (*Verifier, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = MD5
	}
	if _, err := newHash(algorithm); err != nil {
		return nil, err
	}
	return &Verifier{algorithm: algorithm}, nil
}

// Algorithm returns the default algorithm.
func (v *Verifier) Algorithm() string { return v.algorithm }

// Digest returns the lowercase hex digest of path using the default algorithm.
func (v *Verifier) Digest(path string) (string, error) {
	return File(path, v.algorithm)
}

// Matches reports whether path hashes to expected. An empty expected value
// never matches.
func (v *Verifier) Matches(path, expected string) bool {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return false
	}
	algorithm := Detect(expected, v.algorithm)
	actual, err := File(path, algorithm)
	if err != nil {
		log.Warn("failed to hash file", "path", path, logging.KeyError, err)
		return false
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

// Detect infers the algorithm of a hex digest from its length.
func Detect(digest, fallback string) string {
	if _, err := hex.DecodeString(digest); err != nil {
		return fallback
	}
	switch len(digest) {
	case md5.Size * 2:
		return MD5
	case sha256.Size * 2:
		return SHA256
	case sha512.Size * 2:
		return SHA512
	default:
		return fallback
	}
}

// File hashes the file at path.
func File(path, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}
