package tls

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ERPlora/module-messaging/internal/config"
)

// generateTestCertificate creates a self-signed certificate and key for testing
func generateTestCertificate() (certPEM, keyPEM []byte, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM, nil
}

func writeTestCertificate(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	tmpDir := t.TempDir()
	certFile = filepath.Join(tmpDir, "cert.pem")
	keyFile = filepath.Join(tmpDir, "key.pem")

	certPEM, keyPEM, err := generateTestCertificate()
	if err != nil {
		t.Fatalf("failed to generate test certificate: %v", err)
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestLoadCertificate(t *testing.T) {
	certFile, keyFile := writeTestCertificate(t)

	t.Run("valid certificate", func(t *testing.T) {
		cfg, err := LoadCertificate(certFile, keyFile)
		if err != nil {
			t.Fatalf("unexpected error loading valid certificate: %v", err)
		}
		if len(cfg.Certificates) != 1 {
			t.Errorf("len(Certificates) = %d, want 1", len(cfg.Certificates))
		}
	})

	t.Run("non-existent cert file", func(t *testing.T) {
		if _, err := LoadCertificate("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
			t.Error("expected error for non-existent files")
		}
	})

	t.Run("invalid cert", func(t *testing.T) {
		invalidCert := filepath.Join(filepath.Dir(certFile), "invalid.pem")
		if err := os.WriteFile(invalidCert, []byte("invalid"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCertificate(invalidCert, keyFile); err == nil {
			t.Error("expected error for invalid certificate")
		}
	})
}

func TestGetCertificateInfo(t *testing.T) {
	certFile, _ := writeTestCertificate(t)

	info, err := GetCertificateInfo(certFile)
	if err != nil {
		t.Fatalf("GetCertificateInfo() error = %v", err)
	}
	if info.Subject != "localhost" {
		t.Errorf("Subject = %q, want localhost", info.Subject)
	}
	if info.DaysLeft != 1 {
		t.Errorf("DaysLeft = %d, want 1", info.DaysLeft)
	}
}

func TestSetup(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		tlsConfig, acme, err := Setup(config.TLSConfig{})
		if err != nil || tlsConfig != nil || acme != nil {
			t.Errorf("Setup() = %v, %v, %v; want all nil", tlsConfig, acme, err)
		}
	})

	t.Run("manual certificates", func(t *testing.T) {
		certFile, keyFile := writeTestCertificate(t)
		tlsConfig, acme, err := Setup(config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
		if err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		if tlsConfig == nil || acme != nil {
			t.Errorf("Setup() = %v, %v; want config without manager", tlsConfig, acme)
		}
	})

	t.Run("acme", func(t *testing.T) {
		cacheDir := t.TempDir()
		tlsConfig, acme, err := Setup(config.TLSConfig{ACME: config.ACMEConfig{
			Enabled:  true,
			Email:    "ops@example.com",
			Domains:  []string{"api.example.com"},
			CacheDir: cacheDir,
		}})
		if err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		if tlsConfig.GetCertificate == nil {
			t.Error("expected GetCertificate to be set")
		}
		if acme == nil || len(acme.Domains()) != 1 {
			t.Fatalf("expected a manager for one domain")
		}

		certs, err := acme.CachedCertificates(context.Background())
		if err != nil {
			t.Fatalf("CachedCertificates() error = %v", err)
		}
		if len(certs) != 0 {
			t.Errorf("len(certs) = %d, want 0 for an empty cache", len(certs))
		}
	})
}
