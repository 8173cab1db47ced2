// Package evidence implements the evidence store (spec §4.6): creation,
// signing, on-disk persistence, querying, and retention pruning of
// EvidenceBundles, the appliance's central audit artifact (spec §3.6).
package evidence

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/agentcore/internal/phi"
)

// Outcome is one of the terminal states an EvidenceBundle can carry.
// Exactly one outcome is ever set per bundle (spec §3.6 "Outcome partition").
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeReverted Outcome = "reverted"
	OutcomeDeferred Outcome = "deferred"
	OutcomeAlert    Outcome = "alert"
	OutcomeRejected Outcome = "rejected"
	OutcomeExpired  Outcome = "expired"
)

// hasPostState reports whether outcome requires a post_state capture
// (spec §3.6: "post_state is present iff outcome in {success, failed,
// reverted}").
func (o Outcome) hasPostState() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeReverted:
		return true
	default:
		return false
	}
}

// ActionStep is one entry in a bundle's ordered action_taken list (spec §3.5).
type ActionStep struct {
	StepIndex     int     `json:"step_index"`
	ActionName    string  `json:"action_name"`
	Command       string  `json:"command,omitempty"`
	ExitCode      *int    `json:"exit_code,omitempty"`
	DurationSec   float64 `json:"duration_sec"`
	ResultSummary string  `json:"result_summary"`
}

// Bundle is the EvidenceBundle entity from spec §3.6.
type Bundle struct {
	BundleID        string                 `json:"bundle_id"`
	SiteID          string                 `json:"site_id"`
	HostID          string                 `json:"host_id"`
	DeploymentMode  string                 `json:"deployment_mode"`
	ResellerID      string                 `json:"reseller_id,omitempty"`
	TimestampStart  time.Time              `json:"timestamp_start"`
	TimestampEnd    time.Time              `json:"timestamp_end"`
	PolicyVersion   string                 `json:"policy_version"`
	RulesetHash     string                 `json:"ruleset_hash,omitempty"`
	NixOSRevision   string                 `json:"nixos_revision,omitempty"`
	DerivationDigest string                `json:"derivation_digest,omitempty"`
	NTPOffsetMs     *int64                 `json:"ntp_offset_ms,omitempty"`
	Check           string                 `json:"check"`
	HIPAAControls   []string               `json:"hipaa_controls,omitempty"`
	PreState        map[string]interface{} `json:"pre_state,omitempty"`
	PostState       map[string]interface{} `json:"post_state,omitempty"`
	ActionTaken     []ActionStep           `json:"action_taken"`
	RollbackAvail   bool                   `json:"rollback_available"`
	RollbackGen     string                 `json:"rollback_generation,omitempty"`
	Outcome         Outcome                `json:"outcome"`
	Error           string                 `json:"error,omitempty"`
	OrderID         string                 `json:"order_id,omitempty"`
	RunbookID       string                 `json:"runbook_id,omitempty"`
}

// New constructs a Bundle, assigning a fresh bundle_id and scrubbing PHI
// (spec §3.6 "No-PHI" invariant) from Error, PreState, PostState and each
// ActionTaken step's Command and ResultSummary. The other string fields
// (site, host, check, version and id fields) are kept as given.
func New(fields Bundle) *Bundle {
	b := fields
	if b.BundleID == "" {
		b.BundleID = uuid.NewString()
	}
	if b.ActionTaken == nil {
		b.ActionTaken = []ActionStep{}
	}
	scrub(&b)
	return &b
}

func scrub(b *Bundle) {
	s := phi.NewScrubber()
	b.Error = s.Redact(b.Error)
	if b.PreState != nil {
		b.PreState = s.RedactValue(b.PreState).(map[string]interface{})
	}
	if b.PostState != nil {
		b.PostState = s.RedactValue(b.PostState).(map[string]interface{})
	}
	for i := range b.ActionTaken {
		b.ActionTaken[i].Command = s.Redact(b.ActionTaken[i].Command)
		b.ActionTaken[i].ResultSummary = s.Redact(b.ActionTaken[i].ResultSummary)
	}
}

// Validate checks the structural invariants spec §8 requires of every bundle.
func (b *Bundle) Validate() error {
	if b.TimestampEnd.Before(b.TimestampStart) {
		return fmt.Errorf("bundle %s: timestamp_end before timestamp_start", b.BundleID)
	}
	switch b.Outcome {
	case OutcomeSuccess, OutcomeFailed, OutcomeReverted, OutcomeDeferred, OutcomeAlert, OutcomeRejected, OutcomeExpired:
	default:
		return fmt.Errorf("bundle %s: invalid outcome %q", b.BundleID, b.Outcome)
	}
	if b.Outcome.hasPostState() && b.PostState == nil {
		return fmt.Errorf("bundle %s: outcome %s requires post_state", b.BundleID, b.Outcome)
	}
	if !b.Outcome.hasPostState() && b.PostState != nil {
		return fmt.Errorf("bundle %s: outcome %s must not carry post_state", b.BundleID, b.Outcome)
	}
	switch b.Outcome {
	case OutcomeFailed, OutcomeReverted, OutcomeRejected, OutcomeExpired, OutcomeAlert:
		if b.Error == "" {
			return fmt.Errorf("bundle %s: outcome %s requires an error", b.BundleID, b.Outcome)
		}
	}
	return nil
}

// CanonicalJSON renders the bundle as UTF-8 JSON with keys sorted at every
// level and no insignificant whitespace, per spec §4.6/§6.3. Timestamps are
// rendered as RFC 3339 with millisecond precision.
func (b *Bundle) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal for canonicalization: %w", err)
	}
	generic = canonicalizeTimestamps(generic)

	return canonicalMarshal(generic)
}

// canonicalizeTimestamps rewrites any RFC3339(-nano) string produced by the
// default time.Time JSON marshaler into RFC3339 with exactly millisecond
// precision, matching spec §4.6's canonicalization rule.
func canonicalizeTimestamps(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		}
		return val
	case map[string]interface{}:
		for k, item := range val {
			val[k] = canonicalizeTimestamps(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = canonicalizeTimestamps(item)
		}
		return val
	default:
		return v
	}
}

// canonicalMarshal writes v as compact JSON with map keys sorted at every
// nesting level — Go's encoding/json already sorts map[string]interface{}
// keys, but struct-derived maps decoded via Unmarshal need re-traversal to
// guarantee byte-for-bit reproducibility across re-encodes.
func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, keyJSON...)
			out = append(out, ':')
			valJSON, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valJSON...)
		}
		out = append(out, '}')
		return out, nil

	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			itemJSON, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemJSON...)
		}
		out = append(out, ']')
		return out, nil

	default:
		return json.Marshal(val)
	}
}
