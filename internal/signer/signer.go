// Package signer implements the Ed25519 signer and hasher (spec §4.1):
// signing of evidence bundles, verification of control-plane orders, and
// SHA-256 hashing of arbitrary byte content.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Kind tags for the failure modes spec §4.1 names.
const (
	KindKeyUnreadable   = "KeyUnreadable"
	KindKeyMalformed    = "KeyMalformed"
	KindSignatureInvalid = "SignatureInvalid"
)

// Error wraps one of the Kind constants with context. Never includes key
// material (spec §4.1: "no key material is ever logged or included in
// error messages").
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

// Signer holds an Ed25519 keypair used to sign evidence bundles.
type Signer struct {
	priv   ed25519.PrivateKey
	pubHex string
}

// LoadOrCreate loads an Ed25519 signing key from path, generating and
// persisting a new one if the file doesn't exist. Fails loudly (spec §4.1)
// if an existing key file permits group/other read — Unix-only check, a
// no-op on platforms without POSIX permission bits.
func LoadOrCreate(path string) (*Signer, error) {
	info, statErr := os.Stat(path)
	if statErr == nil {
		if runtime.GOOS != "windows" {
			if mode := info.Mode().Perm(); mode&0o077 != 0 {
				return nil, &Error{Kind: KindKeyUnreadable, Msg: fmt.Sprintf("signing key %s has mode %o, want no group/other access", path, mode)}
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Kind: KindKeyUnreadable, Msg: err.Error()}
		}
		if len(data) != ed25519.SeedSize {
			return nil, &Error{Kind: KindKeyMalformed, Msg: fmt.Sprintf("expected %d-byte seed, got %d", ed25519.SeedSize, len(data))}
		}
		priv := ed25519.NewKeyFromSeed(data)
		return &Signer{priv: priv, pubHex: hex.EncodeToString(priv.Public().(ed25519.PublicKey))}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return &Signer{priv: priv, pubHex: hex.EncodeToString(pub)}, nil
}

// PublicKeyHex returns the hex-encoded Ed25519 public key.
func (s *Signer) PublicKeyHex() string { return s.pubHex }

// Sign returns the 64-byte Ed25519 signature of data, hex-encoded.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// Verifier checks Ed25519 signatures against a known public key — used to
// validate orders and rule bundles received from the control plane. Unlike
// Signer, a Verifier may exist before any public key is known (SetPublicKey
// installs one later; until then Verify fails).
type Verifier struct {
	pub ed25519.PublicKey
}

// NewVerifier creates a Verifier. publicKeyHex may be empty, in which case
// HasKey returns false until SetPublicKey is called.
func NewVerifier(publicKeyHex string) (*Verifier, error) {
	v := &Verifier{}
	if publicKeyHex == "" {
		return v, nil
	}
	if err := v.SetPublicKey(publicKeyHex); err != nil {
		return nil, err
	}
	return v, nil
}

// SetPublicKey installs or rotates the control plane's public key.
func (v *Verifier) SetPublicKey(hexKey string) error {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return &Error{Kind: KindKeyMalformed, Msg: "public key is not valid hex"}
	}
	if len(raw) != ed25519.PublicKeySize {
		return &Error{Kind: KindKeyMalformed, Msg: fmt.Sprintf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)}
	}
	v.pub = ed25519.PublicKey(raw)
	return nil
}

// HasKey reports whether a public key has been installed.
func (v *Verifier) HasKey() bool { return v.pub != nil }

// Verify checks a hex-encoded 64-byte signature over data using the
// constant-time ed25519.Verify (spec §4.1: "verification is constant-time").
func (v *Verifier) Verify(data []byte, signatureHex string) error {
	if v.pub == nil {
		return &Error{Kind: KindSignatureInvalid, Msg: "no public key configured"}
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return &Error{Kind: KindSignatureInvalid, Msg: "signature is not valid hex"}
	}
	if len(sig) != ed25519.SignatureSize {
		return &Error{Kind: KindSignatureInvalid, Msg: fmt.Sprintf("signature is %d bytes, want %d", len(sig), ed25519.SignatureSize)}
	}
	if !ed25519.Verify(v.pub, data, sig) {
		return &Error{Kind: KindSignatureInvalid, Msg: "Ed25519 verification failed"}
	}
	return nil
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256FileHex returns the hex-encoded SHA-256 digest of the file at path.
func SHA256FileHex(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return SHA256Hex(data), nil
}
