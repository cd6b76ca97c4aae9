package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "key.pem")
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return path, key
}

func TestLoadCredentials(t *testing.T) {
	path, _ := writeTestKey(t)

	creds, err := LoadCredentials("key-id", path)
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if creds.KeyID != "key-id" {
		t.Errorf("KeyID = %q, want %q", creds.KeyID, "key-id")
	}
	if creds.PrivateKey == nil {
		t.Error("PrivateKey is nil")
	}
}

func TestLoadCredentials_MissingFields(t *testing.T) {
	if _, err := LoadCredentials("", "some/path"); err == nil {
		t.Error("expected error for empty key id")
	}
	if _, err := LoadCredentials("key-id", ""); err == nil {
		t.Error("expected error for empty key path")
	}
	if _, err := LoadCredentials("key-id", "/nonexistent/key.pem"); err == nil {
		t.Error("expected error for missing key file")
	}
}

func TestSignRequest(t *testing.T) {
	path, key := writeTestKey(t)

	creds, err := LoadCredentials("key-id", path)
	if err != nil {
		t.Fatal(err)
	}

	headers, err := creds.SignRequest("POST", "/trade-api/v2/portfolio/orders")
	if err != nil {
		t.Fatalf("SignRequest() error = %v", err)
	}

	if headers["KALSHI-ACCESS-KEY"] != "key-id" {
		t.Errorf("access key header = %q, want %q", headers["KALSHI-ACCESS-KEY"], "key-id")
	}

	ts, err := strconv.ParseInt(headers["KALSHI-ACCESS-TIMESTAMP"], 10, 64)
	if err != nil {
		t.Fatalf("timestamp header not numeric: %v", err)
	}

	sig, err := base64.StdEncoding.DecodeString(headers["KALSHI-ACCESS-SIGNATURE"])
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}

	message := fmt.Sprintf("%d%s%s", ts, "POST", "/trade-api/v2/portfolio/orders")
	hashed := sha256.Sum256([]byte(message))
	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, hashed[:], sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}
