package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/osiriscare/agentcore/internal/signer"
)

// Failure kinds named by spec §4.6.
const (
	KindDiskFull          = "DiskFull"
	KindSignatureMismatch = "SignatureMismatch"
	KindBundleNotFound    = "BundleNotFound"
)

// Error wraps one of the Kind constants above with context.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

// Store persists EvidenceBundles under a root directory laid out as
// YYYY/MM/DD/<bundle_id>/{bundle.json,bundle.sig}.
type Store struct {
	root   string
	signer *signer.Signer
}

// NewStore creates a Store rooted at root. signer may be nil, in which case
// Store never signs bundles (store(bundle, sign=false) semantics).
func NewStore(root string, s *signer.Signer) *Store {
	return &Store{root: root, signer: s}
}

// Create builds a Bundle from fields, validating it before returning.
func (st *Store) Create(fields Bundle) (*Bundle, error) {
	b := New(fields)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (st *Store) dirFor(b *Bundle) string {
	day := b.TimestampStart.UTC()
	return filepath.Join(st.root,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", day.Month()),
		fmt.Sprintf("%02d", day.Day()),
		b.BundleID,
	)
}

// Store writes a bundle to disk atomically (write-to-.tmp, then rename),
// optionally signing the canonical JSON's SHA-256 digest. It returns the
// paths to the written bundle and, if signed, its detached signature.
func (st *Store) Store(b *Bundle, sign bool) (bundlePath string, sigPath string, err error) {
	dir := st.dirFor(b)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", &Error{Kind: KindDiskFull, Msg: err.Error()}
	}

	canonical, err := b.CanonicalJSON()
	if err != nil {
		return "", "", fmt.Errorf("canonicalize bundle: %w", err)
	}

	bundlePath = filepath.Join(dir, "bundle.json")
	if err := atomicWrite(bundlePath, canonical, 0o600); err != nil {
		return "", "", &Error{Kind: KindDiskFull, Msg: err.Error()}
	}

	if sign && st.signer != nil {
		digest := signer.SHA256Hex(canonical)
		sigHex := st.signer.Sign([]byte(digest))
		sigPath = filepath.Join(dir, "bundle.sig")
		if err := atomicWrite(sigPath, []byte(sigHex), 0o600); err != nil {
			return bundlePath, "", &Error{Kind: KindDiskFull, Msg: err.Error()}
		}
	}

	return bundlePath, sigPath, nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	f, err := os.Open(tmp)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	return os.Rename(tmp, path)
}

// Load finds and reads the bundle with the given bundle_id by walking the
// date-sharded tree. Returns BundleNotFound if no matching directory exists.
func (st *Store) Load(bundleID string) (*Bundle, error) {
	var found string
	_ = filepath.WalkDir(st.root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || found != "" {
			return nil
		}
		if d.IsDir() && d.Name() == bundleID {
			found = path
		}
		return nil
	})
	if found == "" {
		return nil, &Error{Kind: KindBundleNotFound, Msg: bundleID}
	}

	data, err := os.ReadFile(filepath.Join(found, "bundle.json"))
	if err != nil {
		return nil, &Error{Kind: KindBundleNotFound, Msg: err.Error()}
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal bundle %s: %w", bundleID, err)
	}
	return &b, nil
}

// Filter narrows List/Prune/Stats to a subset of stored bundles.
type Filter struct {
	Check   string
	Outcome Outcome
	Since   time.Time
}

type storedBundle struct {
	bundle  *Bundle
	dir     string
	modTime time.Time
}

func (st *Store) walkAll() ([]storedBundle, error) {
	var out []storedBundle
	err := filepath.WalkDir(st.root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() || d.Name() != "bundle.json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, storedBundle{bundle: &b, dir: filepath.Dir(path), modTime: info.ModTime()})
		return nil
	})
	return out, err
}

func matches(b *Bundle, f Filter) bool {
	if f.Check != "" && b.Check != f.Check {
		return false
	}
	if f.Outcome != "" && b.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && b.TimestampStart.Before(f.Since) {
		return false
	}
	return true
}

// List returns every stored bundle matching filter, oldest first.
func (st *Store) List(filter Filter) ([]*Bundle, error) {
	all, err := st.walkAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].modTime.Before(all[j].modTime) })

	var out []*Bundle
	for _, sb := range all {
		if matches(sb.bundle, filter) {
			out = append(out, sb.bundle)
		}
	}
	return out, nil
}

// Verify checks that the signature at sigPath is a valid Ed25519 signature,
// under v, of the SHA-256 digest of the canonical JSON at bundlePath.
func (st *Store) Verify(v *signer.Verifier, bundlePath, sigPath string) error {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return &Error{Kind: KindBundleNotFound, Msg: err.Error()}
	}
	sigHex, err := os.ReadFile(sigPath)
	if err != nil {
		return &Error{Kind: KindBundleNotFound, Msg: err.Error()}
	}
	digest := signer.SHA256Hex(data)
	if err := v.Verify([]byte(digest), string(sigHex)); err != nil {
		return &Error{Kind: KindSignatureMismatch, Msg: err.Error()}
	}
	return nil
}

// Prune deletes old bundles per spec §4.6's two-condition rule: a bundle is
// a deletion candidate only if (a) removing it still leaves at least
// retentionCount bundles in the store, and (b) its age is at least
// retentionDays. The most recent successful bundle for each distinct check
// value is never deleted, regardless of age or count.
func (st *Store) Prune(retentionCount int, retentionDays int) (int, error) {
	all, err := st.walkAll()
	if err != nil {
		return 0, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].modTime.Before(all[j].modTime) })

	mostRecentSuccess := map[string]string{} // check -> bundle_id
	for _, sb := range all {
		if sb.bundle.Outcome == OutcomeSuccess {
			mostRecentSuccess[sb.bundle.Check] = sb.bundle.BundleID
		}
	}

	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	total := len(all)
	deleted := 0

	for _, sb := range all {
		if total-deleted <= retentionCount {
			break
		}
		if sb.modTime.After(cutoff) {
			continue
		}
		if mostRecentSuccess[sb.bundle.Check] == sb.bundle.BundleID {
			continue
		}
		if err := os.RemoveAll(sb.dir); err != nil {
			continue
		}
		deleted++
	}

	return deleted, nil
}

// Stats summarizes the bundle population for diagnostics.
type Stats struct {
	Total         int
	ByCheck       map[string]int
	ByOutcome     map[Outcome]int
	OldestModTime time.Time
	NewestModTime time.Time
}

// Stats computes aggregate counts across every stored bundle.
func (st *Store) Stats() (Stats, error) {
	all, err := st.walkAll()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{ByCheck: map[string]int{}, ByOutcome: map[Outcome]int{}}
	for _, sb := range all {
		s.Total++
		s.ByCheck[sb.bundle.Check]++
		s.ByOutcome[sb.bundle.Outcome]++
		if s.OldestModTime.IsZero() || sb.modTime.Before(s.OldestModTime) {
			s.OldestModTime = sb.modTime
		}
		if sb.modTime.After(s.NewestModTime) {
			s.NewestModTime = sb.modTime
		}
	}
	return s, nil
}
