package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T, dir string, notBefore, notAfter time.Time) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "deltaupdate-test"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "client.crt")
	keyFile = filepath.Join(dir, "client.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestBuildTLSConfigDisabled(t *testing.T) {
	cfg, err := BuildTLSConfig(Files{})
	if err != nil || cfg != nil {
		t.Fatalf("BuildTLSConfig(empty) = %v, %v", cfg, err)
	}
}

func TestBuildTLSConfigRequiresPair(t *testing.T) {
	if _, err := BuildTLSConfig(Files{CertFile: "/tmp/only.crt"}); err == nil {
		t.Fatal("expected error for certificate without key")
	}
}

func TestBuildTLSConfigLoadsCertAndCA(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	certFile, keyFile := writeSelfSigned(t, dir, now.Add(-time.Hour), now.Add(24*time.Hour))

	cfg, err := BuildTLSConfig(Files{CertFile: certFile, KeyFile: keyFile, CAFile: certFile})
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 || cfg.Certificates[0].Leaf == nil {
		t.Fatal("client certificate not loaded")
	}
	if cfg.RootCAs == nil {
		t.Fatal("CA pool not set")
	}

	client := HTTPClient(cfg, time.Second)
	if client.Transport == nil {
		t.Fatal("custom transport expected")
	}
	if HTTPClient(nil, time.Second).Transport != nil {
		t.Fatal("nil TLS config should keep the default transport")
	}
}

func TestBuildTLSConfigBadCA(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(ca, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := BuildTLSConfig(Files{CAFile: ca}); err == nil {
		t.Fatal("expected error for CA file without certificates")
	}
}

func TestExpiryWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * 24 * time.Hour)

	tests := []struct {
		name        string
		now         time.Time
		wantExpired bool
		wantRenew   bool
	}{
		{name: "fresh", now: start.Add(24 * time.Hour)},
		{name: "past two thirds", now: start.Add(61 * 24 * time.Hour), wantRenew: true},
		{name: "expired", now: end.Add(time.Hour), wantExpired: true, wantRenew: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(end, tt.now); got != tt.wantExpired {
				t.Errorf("IsExpired = %v, want %v", got, tt.wantExpired)
			}
			if got := NeedsRenewal(start, end, tt.now); got != tt.wantRenew {
				t.Errorf("NeedsRenewal = %v, want %v", got, tt.wantRenew)
			}
		})
	}
	if NeedsRenewal(end, start, end) {
		t.Error("inverted window never needs renewal")
	}
}
