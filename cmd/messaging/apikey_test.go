package main

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAPIKey(t *testing.T) {
	k1, err := generateAPIKey()
	if err != nil {
		t.Fatalf("generateAPIKey() error = %v", err)
	}
	if len(k1) != 64 {
		t.Errorf("len(key) = %d, want 64", len(k1))
	}

	k2, _ := generateAPIKey()
	if k1 == k2 {
		t.Error("generateAPIKey should generate unique keys")
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := hashAPIKey("secret-key")
	if err != nil {
		t.Fatalf("hashAPIKey() error = %v", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret-key")); err != nil {
		t.Errorf("hash does not match key: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("other")); err == nil {
		t.Error("hash matched a different key")
	}
}
