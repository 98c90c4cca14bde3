package dkim

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
)

const testMessage = "From: Salon <noreply@example.com>\r\n" +
	"To: ana@example.org\r\n" +
	"Subject: Reminder\r\n" +
	"Date: Wed, 1 May 2024 09:00:00 +0000\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=UTF-8\r\n" +
	"\r\n" +
	"Hi Ana, your appointment is on 2024-05-01\r\n"

func TestGenerateKey(t *testing.T) {
	kp, err := GenerateKey("example.com", "mail")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if kp.PrivateKey.N.BitLen() < 2048 {
		t.Errorf("key size = %d bits, want >= 2048", kp.PrivateKey.N.BitLen())
	}
	if got, want := kp.DNSName(), "mail._domainkey.example.com"; got != want {
		t.Errorf("DNSName() = %q, want %q", got, want)
	}

	record, err := kp.DNSRecord()
	if err != nil {
		t.Fatalf("DNSRecord failed: %v", err)
	}
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("DNSRecord() = %q, want v=DKIM1 prefix", record)
	}
}

func TestSaveAndLoadPrivateKey(t *testing.T) {
	kp, err := GenerateKey("example.com", "mail")
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "keys", "example.com.pem")
	if err := kp.SavePrivateKey(path); err != nil {
		t.Fatalf("SavePrivateKey failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	loaded, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if !loaded.Equal(kp.PrivateKey) {
		t.Error("loaded key differs from saved key")
	}
}

func TestLoadPrivateKeyErrors(t *testing.T) {
	dir := t.TempDir()

	notPEM := filepath.Join(dir, "garbage.pem")
	os.WriteFile(notPEM, []byte("not a key"), 0600)

	wrongType := filepath.Join(dir, "cert.pem")
	os.WriteFile(wrongType, []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), 0600)

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.pem")},
		{"not PEM", notPEM},
		{"unsupported type", wrongType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPrivateKey(tt.path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSignVerifies(t *testing.T) {
	kp, err := GenerateKey("example.com", "mail")
	if err != nil {
		t.Fatal(err)
	}
	record, _ := kp.DNSRecord()

	signed, err := NewSigner(kp.PrivateKey, "example.com", "mail").Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Fatal("signed message should start with DKIM-Signature header")
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != kp.DNSName() {
				t.Errorf("lookup for %q, want %q", domain, kp.DNSName())
			}
			return []string{record}, nil
		},
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(verifications) != 1 {
		t.Fatalf("got %d verifications, want 1", len(verifications))
	}
	if verifications[0].Err != nil {
		t.Errorf("signature invalid: %v", verifications[0].Err)
	}
}

func TestKeyringReloadsChangedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.pem")

	first, _ := GenerateKey("example.com", "mail")
	if err := first.SavePrivateKey(path); err != nil {
		t.Fatal(err)
	}

	ring := NewKeyring()
	s1, err := ring.Signer(path, "example.com", "mail")
	if err != nil {
		t.Fatalf("Signer failed: %v", err)
	}
	if !s1.key.Equal(first.PrivateKey) {
		t.Error("signer does not use the key on disk")
	}

	again, _ := ring.Signer(path, "example.org", "s2")
	if again.key != s1.key {
		t.Error("unchanged key file should be served from cache")
	}
	if again.Domain() != "example.org" || again.Selector() != "s2" {
		t.Errorf("signer = %s/%s, want example.org/s2", again.Domain(), again.Selector())
	}

	second, _ := GenerateKey("example.com", "mail")
	if err := second.SavePrivateKey(path); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	os.Chtimes(path, later, later)

	s2, err := ring.Signer(path, "example.com", "mail")
	if err != nil {
		t.Fatal(err)
	}
	if !s2.key.Equal(second.PrivateKey) {
		t.Error("rotated key file was not reloaded")
	}
}

func TestKeyringMissingFile(t *testing.T) {
	if _, err := NewKeyring().Signer("/nonexistent/key.pem", "example.com", "mail"); err == nil {
		t.Error("expected error for missing key file")
	}
}

func TestKeyPath(t *testing.T) {
	got := KeyPath("/keys/salon-a", "Example.COM.", "mail")
	want := filepath.Join("/keys/salon-a", "example.com", "mail.key")
	if got != want {
		t.Errorf("KeyPath() = %q, want %q", got, want)
	}
}
