package orders

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/osiriscare/agentcore/internal/signer"
)

func testValidator(t *testing.T, signingRequired bool) (*Validator, *signer.Signer) {
	t.Helper()
	dir := t.TempDir()

	s, err := signer.LoadOrCreate(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	v, err := signer.NewVerifier(s.PublicKeyHex())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	seen, err := OpenSeenStore(filepath.Join(dir, "orders_seen.db"))
	if err != nil {
		t.Fatalf("OpenSeenStore: %v", err)
	}
	wl := NewWhitelist(map[string]bool{"restart_av_service": false, "rebuild_generation": true})

	return NewValidator(v, seen, wl, 900, signingRequired), s
}

func signOrder(t *testing.T, s *signer.Signer, o *Order) {
	t.Helper()
	payload, err := o.signedPayload()
	if err != nil {
		t.Fatalf("signedPayload: %v", err)
	}
	o.Signature = s.Sign(payload)
}

func TestValidateAcceptsWellFormedOrder(t *testing.T) {
	validator, s := testValidator(t, true)
	now := time.Now()

	o := &Order{OrderID: "ord-1", RunbookID: "restart_av_service", Nonce: "n1", TTLSec: 300, IssuedAt: now}
	signOrder(t, s, o)

	if err := validator.Validate(o, now.Add(time.Second)); err != nil {
		t.Fatalf("expected order to be accepted, got %v", err)
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	validator, _ := testValidator(t, true)
	now := time.Now()

	o := &Order{OrderID: "ord-1", RunbookID: "restart_av_service", Nonce: "n1", TTLSec: 300, IssuedAt: now, Signature: "deadbeef"}

	err := validator.Validate(o, now)
	rej, ok := err.(*Rejection)
	if !ok || rej.Outcome != "rejected" {
		t.Fatalf("expected rejected outcome for bad signature, got %v", err)
	}
}

func TestValidateExpiresOldOrder(t *testing.T) {
	validator, s := testValidator(t, true)
	now := time.Now()
	issued := now.Add(-time.Hour)

	o := &Order{OrderID: "ord-1", RunbookID: "restart_av_service", Nonce: "n1", TTLSec: 300, IssuedAt: issued}
	signOrder(t, s, o)

	err := validator.Validate(o, now)
	rej, ok := err.(*Rejection)
	if !ok || rej.Outcome != "expired" {
		t.Fatalf("expected expired outcome, got %v", err)
	}
}

func TestValidateRejectsTTLAboveCap(t *testing.T) {
	validator, s := testValidator(t, true)
	now := time.Now()

	o := &Order{OrderID: "ord-1", RunbookID: "restart_av_service", Nonce: "n1", TTLSec: 99999, IssuedAt: now}
	signOrder(t, s, o)

	err := validator.Validate(o, now)
	rej, ok := err.(*Rejection)
	if !ok || rej.Outcome != "expired" {
		t.Fatalf("expected expired outcome for ttl above cap, got %v", err)
	}
}

func TestValidateRejectsUnknownRunbook(t *testing.T) {
	validator, s := testValidator(t, true)
	now := time.Now()

	o := &Order{OrderID: "ord-1", RunbookID: "not_a_real_runbook", Nonce: "n1", TTLSec: 300, IssuedAt: now}
	signOrder(t, s, o)

	err := validator.Validate(o, now)
	rej, ok := err.(*Rejection)
	if !ok || rej.Outcome != "rejected" {
		t.Fatalf("expected rejected outcome for unknown runbook, got %v", err)
	}
}

func TestValidateSilentlyDropsAlreadySeenOrder(t *testing.T) {
	validator, s := testValidator(t, true)
	now := time.Now()

	o := &Order{OrderID: "ord-1", RunbookID: "restart_av_service", Nonce: "n1", TTLSec: 300, IssuedAt: now}
	signOrder(t, s, o)

	if err := validator.Seen.Record(o.OrderID); err != nil {
		t.Fatalf("Record: %v", err)
	}

	err := validator.Validate(o, now.Add(time.Second))
	if err == nil {
		t.Fatal("expected an error for already-applied order")
	}
	if !AlreadyApplied(err) {
		t.Fatalf("expected AlreadyApplied(err) == true, got %v", err)
	}
}

func TestSeenStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders_seen.db")

	s1, err := OpenSeenStore(path)
	if err != nil {
		t.Fatalf("OpenSeenStore: %v", err)
	}
	if err := s1.Record("ord-xyz"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	s2, err := OpenSeenStore(path)
	if err != nil {
		t.Fatalf("reopen OpenSeenStore: %v", err)
	}
	if !s2.Seen("ord-xyz") {
		t.Fatal("expected order_id to survive reopen")
	}
}

func TestValidateSkipsSignatureWhenSigningDisabled(t *testing.T) {
	validator, _ := testValidator(t, false)
	now := time.Now()

	o := &Order{OrderID: "ord-1", RunbookID: "restart_av_service", Nonce: "n1", TTLSec: 300, IssuedAt: now}
	// No signature set.

	if err := validator.Validate(o, now.Add(time.Second)); err != nil {
		t.Fatalf("expected acceptance with signing disabled, got %v", err)
	}
}
