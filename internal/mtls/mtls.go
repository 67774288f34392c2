// Package mtls loads the client certificate and CA bundle used to talk to
// update servers that require mutual TLS.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

var log = logging.L("mtls")

// Files names the PEM files of a TLS client identity. CAFile is optional and
// replaces the system roots when set.
type Files struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Enabled reports whether any TLS material is configured.
func (f Files) Enabled() bool {
	return f.CertFile != "" || f.KeyFile != "" || f.CAFile != ""
}

// LoadClientCert reads a PEM certificate and private key pair. The parsed
// leaf is attached so callers can inspect its validity window.
func LoadClientCert(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse mTLS certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config carrying the client certificate and CA
// pool described by f. Returns nil when f configures nothing.
func BuildTLSConfig(f Files) (*tls.Config, error) {
	if !f.Enabled() {
		return nil, nil
	}
	if (f.CertFile == "") != (f.KeyFile == "") {
		return nil, errors.New("mTLS needs both a certificate and a key file")
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if f.CertFile != "" {
		cert, err := LoadClientCert(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		if cert.Leaf != nil {
			switch {
			case IsExpired(cert.Leaf.NotAfter, now):
				log.Warn("mTLS client certificate has expired", "notAfter", cert.Leaf.NotAfter)
			case NeedsRenewal(cert.Leaf.NotBefore, cert.Leaf.NotAfter, now):
				log.Info("mTLS client certificate is due for renewal", "notAfter", cert.Leaf.NotAfter)
			}
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}

	if f.CAFile != "" {
		pem, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", f.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// HTTPClient returns a client using tlsCfg. A nil tlsCfg keeps the default
// transport settings.
func HTTPClient(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	if tlsCfg == nil {
		return &http.Client{Timeout: timeout}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &http.Client{Timeout: timeout, Transport: transport}
}

// IsExpired reports whether a certificate valid until notAfter has expired.
func IsExpired(notAfter, now time.Time) bool {
	return now.After(notAfter)
}

// NeedsRenewal reports whether 2/3 of the certificate lifetime has passed.
func NeedsRenewal(notBefore, notAfter, now time.Time) bool {
	if !notAfter.After(notBefore) {
		return false
	}
	lifetime := notAfter.Sub(notBefore)
	threshold := notBefore.Add(lifetime * 2 / 3)
	return now.After(threshold)
}
