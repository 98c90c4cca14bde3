// Package dkim signs outgoing email with per-tenant DKIM keys.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are the header fields covered by the signature
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"}

// Signer signs messages for one domain and selector
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// NewSigner creates a signer for domain using key
func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{key: key, domain: domain, selector: selector}
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

func (s *Signer) Domain() string   { return s.domain }
func (s *Signer) Selector() string { return s.selector }

type cachedKey struct {
	key     *rsa.PrivateKey
	modTime time.Time
}

// Keyring loads private keys on first use and reloads them when the file changes.
// Tenants share keys by path.
type Keyring struct {
	mu   sync.Mutex
	keys map[string]cachedKey
}

// NewKeyring creates an empty keyring
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]cachedKey)}
}

// Signer returns a signer for domain/selector using the key at keyFile
func (k *Keyring) Signer(keyFile, domain, selector string) (*Signer, error) {
	info, err := os.Stat(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat DKIM key: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if c, ok := k.keys[keyFile]; ok && c.modTime.Equal(info.ModTime()) {
		return NewSigner(c.key, domain, selector), nil
	}

	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	k.keys[keyFile] = cachedKey{key: key, modTime: info.ModTime()}

	return NewSigner(key, domain, selector), nil
}
