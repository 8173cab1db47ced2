// Package orders implements the inbound Order tuple (spec §3.2) and its
// acceptance protocol: signature, TTL, at-most-once replay protection, and
// runbook whitelist checks (spec §4.7 "Order acceptance").
package orders

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/osiriscare/agentcore/internal/signer"
)

// Order is the inbound control-plane order tuple (spec §3.2).
type Order struct {
	OrderID   string                 `json:"order_id"`
	RunbookID string                 `json:"runbook_id"`
	Params    map[string]interface{} `json:"params"`
	Nonce     string                 `json:"nonce"`
	TTLSec    int                    `json:"ttl_sec"`
	IssuedAt  time.Time              `json:"issued_at"`
	Signature string                 `json:"signature,omitempty"`
}

// Rejection is the outcome of a failed acceptance check, mapping directly to
// an evidence bundle outcome of "rejected" or "expired" (spec §3.2, §7).
type Rejection struct {
	Outcome string // "rejected" | "expired"
	Reason  string
}

func (r *Rejection) Error() string { return fmt.Sprintf("%s: %s", r.Outcome, r.Reason) }

// signedPayload returns the canonical bytes of the field set an order's signature covers
// (spec §4.7 step 1): {order_id, runbook_id, params, nonce, issued_at, ttl_sec}.
func (o *Order) signedPayload() ([]byte, error) {
	obj := map[string]interface{}{
		"order_id":   o.OrderID,
		"runbook_id": o.RunbookID,
		"params":     o.Params,
		"nonce":      o.Nonce,
		"issued_at":  o.IssuedAt.UTC().Format(time.RFC3339),
		"ttl_sec":    o.TTLSec,
	}
	return canonicalJSON(obj)
}

// canonicalJSON renders obj with sorted keys — matching the canonicalization
// the control-plane server uses to produce the bytes it signs.
func canonicalJSON(obj map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kj, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vj, err := json.Marshal(obj[k])
		if err != nil {
			return nil, err
		}
		out = append(out, kj...)
		out = append(out, ':')
		out = append(out, vj...)
	}
	out = append(out, '}')
	return out, nil
}

// Whitelist maps runbook_id to whether it is disruptive, replacing atomically
// whenever GET /api/sites/{site_id}/runbooks is refreshed (spec §6.2).
type Whitelist struct {
	mu         sync.RWMutex
	disruptive map[string]bool
}

// NewWhitelist builds a Whitelist from an id -> disruptive map.
func NewWhitelist(entries map[string]bool) *Whitelist {
	return &Whitelist{disruptive: entries}
}

// Replace atomically swaps the whitelist contents.
func (w *Whitelist) Replace(entries map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disruptive = entries
}

// Lookup reports whether runbookID is known, and if so, whether it is
// disruptive.
func (w *Whitelist) Lookup(runbookID string) (disruptive bool, known bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	d, ok := w.disruptive[runbookID]
	return d, ok
}

// seenRecord is the on-disk persisted form of the at-most-once order_id set.
type seenRecord struct {
	OrderIDs map[string]time.Time `json:"order_ids"`
}

// seenRetention bounds how long an applied order_id is remembered; orders
// are rejected on TTL long before this, so this is purely a disk-growth
// bound.
const seenRetention = 30 * 24 * time.Hour

// SeenStore persists the set of order_ids already applied by this host,
// surviving restarts (spec §4.7 step 3: "persisted across restarts").
type SeenStore struct {
	mu   sync.Mutex
	path string
	seen map[string]time.Time
}

// OpenSeenStore loads (or creates) the persisted seen-order-id set at path.
func OpenSeenStore(path string) (*SeenStore, error) {
	s := &SeenStore{path: path, seen: map[string]time.Time{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seen-orders store: %w", err)
	}

	var rec seenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("[orders] seen-orders store at %s is corrupt, starting fresh: %v", path, err)
		return s, nil
	}

	cutoff := time.Now().Add(-seenRetention)
	for id, ts := range rec.OrderIDs {
		if ts.After(cutoff) {
			s.seen[id] = ts
		}
	}
	return s, nil
}

// Seen reports whether orderID has already been applied.
func (s *SeenStore) Seen(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[orderID]
	return ok
}

// Record marks orderID as applied and persists the updated set atomically.
func (s *SeenStore) Record(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen[orderID] = time.Now()
	cutoff := time.Now().Add(-seenRetention)
	for id, ts := range s.seen {
		if ts.Before(cutoff) {
			delete(s.seen, id)
		}
	}

	data, err := json.Marshal(seenRecord{OrderIDs: s.seen})
	if err != nil {
		return fmt.Errorf("marshal seen-orders store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create seen-orders dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write seen-orders store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Validator runs the full order-acceptance protocol (spec §4.7).
type Validator struct {
	Verifier     *signer.Verifier
	Seen         *SeenStore
	Whitelist    *Whitelist
	OrderTTLCap  int // order_ttl_sec config ceiling
	SigningReqd  bool
}

// NewValidator constructs a Validator. signingRequired reflects whether
// order signing is enabled on the control plane for this deployment.
func NewValidator(v *signer.Verifier, seen *SeenStore, wl *Whitelist, orderTTLCap int, signingRequired bool) *Validator {
	return &Validator{Verifier: v, Seen: seen, Whitelist: wl, OrderTTLCap: orderTTLCap, SigningReqd: signingRequired}
}

// Validate runs the five-step acceptance protocol from spec §4.7. A nil
// return means the order is accepted; the supervisor hands it to the healer
// and calls Seen.Record only after the healer has run it, since only then is
// the order known to have been picked up.
func (v *Validator) Validate(o *Order, now time.Time) error {
	if v.SigningReqd {
		payload, err := o.signedPayload()
		if err != nil {
			return &Rejection{Outcome: "rejected", Reason: fmt.Sprintf("build signed payload: %v", err)}
		}
		if err := v.Verifier.Verify(payload, o.Signature); err != nil {
			return &Rejection{Outcome: "rejected", Reason: fmt.Sprintf("signature verification failed: %v", err)}
		}
	}

	if o.TTLSec > v.OrderTTLCap {
		return &Rejection{Outcome: "expired", Reason: fmt.Sprintf("ttl_sec %d exceeds order_ttl_sec cap %d", o.TTLSec, v.OrderTTLCap)}
	}
	expiresAt := o.IssuedAt.Add(time.Duration(o.TTLSec) * time.Second)
	if !now.Before(expiresAt) {
		return &Rejection{Outcome: "expired", Reason: fmt.Sprintf("order issued_at=%s ttl_sec=%d has expired", o.IssuedAt, o.TTLSec)}
	}

	if v.Seen.Seen(o.OrderID) {
		return &Rejection{Outcome: "", Reason: "already applied (at-most-once), silently dropped"}
	}

	if _, known := v.Whitelist.Lookup(o.RunbookID); !known {
		return &Rejection{Outcome: "rejected", Reason: fmt.Sprintf("runbook_id %q not in local whitelist", o.RunbookID)}
	}

	return nil
}

// AlreadyApplied reports whether err represents the silent-drop case (order
// already seen) rather than a rejected/expired evidence-producing case.
func AlreadyApplied(err error) bool {
	rej, ok := err.(*Rejection)
	return ok && rej.Outcome == ""
}
