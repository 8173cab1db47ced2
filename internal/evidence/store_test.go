package evidence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osiriscare/agentcore/internal/signer"
)

func newTestStore(t *testing.T) (*Store, *signer.Signer) {
	t.Helper()
	dir := t.TempDir()
	s, err := signer.LoadOrCreate(filepath.Join(dir, "keys", "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return NewStore(filepath.Join(dir, "evidence"), s), s
}

func TestStoreAndLoadRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	b := sampleBundle(OutcomeSuccess)

	bundlePath, sigPath, err := st.Store(b, true)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := os.Stat(bundlePath); err != nil {
		t.Fatalf("bundle.json not written: %v", err)
	}
	if _, err := os.Stat(sigPath); err != nil {
		t.Fatalf("bundle.sig not written: %v", err)
	}

	loaded, err := st.Load(b.BundleID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.BundleID != b.BundleID || loaded.Check != b.Check {
		t.Fatalf("loaded bundle mismatch: %+v", loaded)
	}
}

func TestStoreLayoutIsDateSharded(t *testing.T) {
	st, _ := newTestStore(t)
	b := sampleBundle(OutcomeSuccess)
	b.TimestampStart = time.Date(2026, 3, 14, 1, 2, 3, 0, time.UTC)

	bundlePath, _, err := st.Store(b, false)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	expected := filepath.Join(st.root, "2026", "03", "14", b.BundleID, "bundle.json")
	if bundlePath != expected {
		t.Fatalf("expected path %s, got %s", expected, bundlePath)
	}
}

func TestLoadUnknownBundleNotFound(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Load("does-not-exist")
	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindBundleNotFound {
		t.Fatalf("expected BundleNotFound, got %v", err)
	}
}

func TestVerifyDetectsTamperedBundle(t *testing.T) {
	st, s := newTestStore(t)
	b := sampleBundle(OutcomeSuccess)
	bundlePath, sigPath, err := st.Store(b, true)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	v, err := signer.NewVerifier(s.PublicKeyHex())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if err := st.Verify(v, bundlePath, sigPath); err != nil {
		t.Fatalf("Verify of untouched bundle failed: %v", err)
	}

	if err := os.WriteFile(bundlePath, []byte(`{"tampered":true}`), 0o600); err != nil {
		t.Fatalf("tamper write: %v", err)
	}
	err = st.Verify(v, bundlePath, sigPath)
	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindSignatureMismatch {
		t.Fatalf("expected SignatureMismatch after tampering, got %v", err)
	}
}

func TestListFiltersByCheckAndOutcome(t *testing.T) {
	st, _ := newTestStore(t)

	b1 := sampleBundle(OutcomeSuccess)
	b1.Check = "firewall"
	b2 := sampleBundle(OutcomeFailed)
	b2.Check = "backup"

	if _, _, err := st.Store(b1, false); err != nil {
		t.Fatalf("Store b1: %v", err)
	}
	if _, _, err := st.Store(b2, false); err != nil {
		t.Fatalf("Store b2: %v", err)
	}

	firewallOnly, err := st.List(Filter{Check: "firewall"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(firewallOnly) != 1 || firewallOnly[0].BundleID != b1.BundleID {
		t.Fatalf("expected only firewall bundle, got %+v", firewallOnly)
	}

	failedOnly, err := st.List(Filter{Outcome: OutcomeFailed})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failedOnly) != 1 || failedOnly[0].BundleID != b2.BundleID {
		t.Fatalf("expected only failed bundle, got %+v", failedOnly)
	}
}

func TestPruneKeepsRetentionCountAndRecentSuccess(t *testing.T) {
	st, _ := newTestStore(t)

	old := time.Now().Add(-200 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		b := sampleBundle(OutcomeFailed)
		b.TimestampStart = old
		if _, _, err := st.Store(b, false); err != nil {
			t.Fatalf("Store: %v", err)
		}
		// Back-date the file's mtime so pruning sees it as old.
		dir := st.dirFor(b)
		_ = os.Chtimes(filepath.Join(dir, "bundle.json"), old, old)
	}

	deleted, err := st.Prune(2, 90)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deletions leaving retention_count=2, got %d", deleted)
	}

	remaining, err := st.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 bundles remaining, got %d", len(remaining))
	}
}

func TestPruneNeverDeletesMostRecentSuccessPerCheck(t *testing.T) {
	st, _ := newTestStore(t)
	old := time.Now().Add(-200 * 24 * time.Hour)

	success := sampleBundle(OutcomeSuccess)
	success.Check = "backup"
	success.TimestampStart = old
	if _, _, err := st.Store(success, false); err != nil {
		t.Fatalf("Store: %v", err)
	}
	dir := st.dirFor(success)
	_ = os.Chtimes(filepath.Join(dir, "bundle.json"), old, old)

	for i := 0; i < 3; i++ {
		b := sampleBundle(OutcomeFailed)
		b.Check = "backup"
		b.TimestampStart = old
		if _, _, err := st.Store(b, false); err != nil {
			t.Fatalf("Store: %v", err)
		}
		d := st.dirFor(b)
		_ = os.Chtimes(filepath.Join(d, "bundle.json"), old, old)
	}

	if _, err := st.Prune(0, 0); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	loaded, err := st.Load(success.BundleID)
	if err != nil {
		t.Fatalf("expected most recent successful bundle to survive prune: %v", err)
	}
	if loaded.BundleID != success.BundleID {
		t.Fatal("loaded wrong bundle")
	}
}

func TestStatsCountsByCheckAndOutcome(t *testing.T) {
	st, _ := newTestStore(t)

	b1 := sampleBundle(OutcomeSuccess)
	b1.Check = "firewall"
	b2 := sampleBundle(OutcomeFailed)
	b2.Check = "firewall"

	if _, _, err := st.Store(b1, false); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, _, err := st.Store(b2, false); err != nil {
		t.Fatalf("Store: %v", err)
	}

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("expected total 2, got %d", stats.Total)
	}
	if stats.ByCheck["firewall"] != 2 {
		t.Fatalf("expected 2 firewall bundles, got %d", stats.ByCheck["firewall"])
	}
	if stats.ByOutcome[OutcomeSuccess] != 1 || stats.ByOutcome[OutcomeFailed] != 1 {
		t.Fatalf("unexpected outcome counts: %+v", stats.ByOutcome)
	}
}
