package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreate_New(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "signing.key")

	s, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if len(s.PublicKeyHex()) != 64 {
		t.Fatalf("expected 64 hex chars for public key, got %d", len(s.PublicKeyHex()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if len(data) != ed25519.SeedSize {
		t.Fatalf("key file should be %d bytes (seed), got %d", ed25519.SeedSize, len(data))
	}
}

func TestLoadOrCreate_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "signing.key")

	s1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	s2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if s1.PublicKeyHex() != s2.PublicKeyHex() {
		t.Fatalf("reloaded key has different public key: %s vs %s", s1.PublicKeyHex(), s2.PublicKeyHex())
	}
}

func TestLoadOrCreate_RejectsPermissiveMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.key")

	if _, err := LoadOrCreate(path); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	_, err := LoadOrCreate(path)
	if err == nil {
		t.Fatal("expected error for group/other readable key file")
	}
	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindKeyUnreadable {
		t.Fatalf("expected KeyUnreadable, got %v", err)
	}
}

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrCreate(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	data := []byte(`{"site_id":"test","checks":[]}`)
	sigHex := s.Sign(data)

	v, err := NewVerifier(s.PublicKeyHex())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if !v.HasKey() {
		t.Fatal("expected HasKey true")
	}
	if err := v.Verify(data, sigHex); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Tampered payload must fail verification.
	if err := v.Verify([]byte(`{"site_id":"tampered"}`), sigHex); err == nil {
		t.Fatal("expected verification failure on tampered data")
	}
}

func TestVerifierSetPublicKeyRejectsMalformed(t *testing.T) {
	v, _ := NewVerifier("")
	if v.HasKey() {
		t.Fatal("expected no key before SetPublicKey")
	}
	if err := v.SetPublicKey("not-hex"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
	if err := v.SetPublicKey(hex.EncodeToString([]byte("too-short"))); err == nil {
		t.Fatal("expected error for wrong-size key")
	}
}

func TestSHA256Hex(t *testing.T) {
	h1 := SHA256Hex([]byte("hello"))
	h2 := SHA256Hex([]byte("hello"))
	if h1 != h2 {
		t.Fatal("SHA256Hex not deterministic")
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}
