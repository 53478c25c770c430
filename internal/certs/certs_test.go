package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func parse(t *testing.T, c *CertInfo) *x509.Certificate {
	t.Helper()
	if len(c.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	x, err := x509.ParseCertificate(c.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	return x
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(7*24*time.Hour, "scope.internal", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x := parse(t, cert)

	if x.Subject.CommonName != "av1scope" {
		t.Errorf("common name: %q", x.Subject.CommonName)
	}
	if d := x.NotAfter.Sub(x.NotBefore); d != 7*24*time.Hour {
		t.Errorf("validity: %v", d)
	}
	if x.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if !slices.Contains(x.DNSNames, "localhost") || !slices.Contains(x.DNSNames, "scope.internal") {
		t.Errorf("DNS names: %v", x.DNSNames)
	}
	if !slices.ContainsFunc(x.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.7")) }) {
		t.Errorf("IP addresses: %v", x.IPAddresses)
	}
}

func TestGenerateClampsValidity(t *testing.T) {
	t.Parallel()
	for _, v := range []time.Duration{30 * 24 * time.Hour, 0, -time.Hour} {
		cert, err := Generate(v)
		if err != nil {
			t.Fatalf("Generate(%v) failed: %v", v, err)
		}
		if d := parse(t, cert).NotAfter.Sub(parse(t, cert).NotBefore); d != MaxValidity {
			t.Errorf("Generate(%v): validity %v, want %v", v, d, MaxValidity)
		}
	}
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cfg := cert.TLSConfig("h3")
	if len(cfg.Certificates) != 1 || !slices.Equal(cfg.NextProtos, []string{"h3"}) || cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("config: %+v", cfg)
	}
}
