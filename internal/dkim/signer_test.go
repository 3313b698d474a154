package dkim

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func writeKeyFile(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.key")
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewSigner(t *testing.T) {
	signer := NewSigner(generateTestKey(t), "example.com", "postwave")

	if signer.Domain() != "example.com" {
		t.Errorf("Domain() = %q, want %q", signer.Domain(), "example.com")
	}
}

func TestNewSignerFromFile(t *testing.T) {
	keyPath := writeKeyFile(t, generateTestKey(t))

	t.Run("valid key file", func(t *testing.T) {
		signer, err := NewSignerFromFile(keyPath, "example.com", "postwave")
		if err != nil {
			t.Fatalf("NewSignerFromFile failed: %v", err)
		}
		if signer.Domain() != "example.com" {
			t.Errorf("Domain() = %q, want %q", signer.Domain(), "example.com")
		}
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := NewSignerFromFile("/nonexistent/key.pem", "example.com", "postwave")
		if err == nil {
			t.Error("expected error for non-existent file")
		}
	})
}

func TestSign(t *testing.T) {
	signer := NewSigner(generateTestKey(t), "example.com", "postwave")

	message := []byte("From: sender@example.com\r\n" +
		"To: recipient@example.org\r\n" +
		"Subject: Test Message\r\n" +
		"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"This is a test message.\r\n")

	signed, err := signer.Sign(message)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !bytes.Contains(signed, []byte("DKIM-Signature:")) {
		t.Error("signed message missing DKIM-Signature header")
	}
	if !bytes.Contains(signed, []byte("d=example.com")) {
		t.Error("signature missing domain tag")
	}
	if !bytes.Contains(signed, []byte("s=postwave")) {
		t.Error("signature missing selector tag")
	}
	if !bytes.Contains(signed, []byte("This is a test message.")) {
		t.Error("signed message lost its body")
	}
}

func TestLoadPrivateKeyPKCS8(t *testing.T) {
	key := generateTestKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "pkcs8.key")
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loaded.N.Cmp(key.N) != 0 {
		t.Error("loaded key does not match the original")
	}
}

func TestLoadPrivateKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte("not a pem file"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadPrivateKey(path); err == nil {
		t.Error("expected error for non-PEM data")
	}
}
