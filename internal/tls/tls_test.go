package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Config{})
	if err != nil || cfg != nil {
		t.Fatalf("disabled TLS should return nil, nil; got %v, %v", cfg, err)
	}
}

func TestSetupRequiresSource(t *testing.T) {
	if _, err := Setup(Config{Enabled: true}); err == nil {
		t.Fatalf("expected error without cert files or dir")
	}
}

func TestSetupAutoGenerates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"station.local", "10.0.0.5"}, MinVersion: "1.2"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("min version = %x", cfg.MinVersion)
	}
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "station.local" {
		t.Fatalf("dns names = %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "10.0.0.5" {
		t.Fatalf("ip addresses = %v", leaf.IPAddresses)
	}

	info, err := os.Stat(filepath.Join(dir, tlsKey))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %v", info.Mode().Perm())
	}
}

func TestSetupKeepsExistingCertificate(t *testing.T) {
	dir := t.TempDir()
	if _, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatalf("first setup: %v", err)
	}
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if _, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatalf("second setup: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if string(before) != string(after) {
		t.Fatalf("existing certificate was regenerated")
	}
	if b, _ := pem.Decode(after); b == nil || b.Type != "CERTIFICATE" {
		t.Fatalf("certificate file is not PEM")
	}
}

func TestSetupMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Setup(Config{Enabled: true, CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")})
	if err == nil {
		t.Fatalf("expected error for missing files")
	}
}
