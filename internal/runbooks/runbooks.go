// Package runbooks embeds the local remediation-runbook registry the
// self-healer and order whitelist consult (spec §3.5, §4.10).
package runbooks

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
)

// Step is a single ordered action within a runbook (spec §4.10 step 6).
type Step struct {
	Name          string `json:"name"`
	Platform      string `json:"platform"` // "local" | "windows" | "ssh"
	Command       string `json:"command,omitempty"`
	WindowsScript string `json:"windows_script,omitempty"`
	Optional      bool   `json:"optional"`
	TimeoutSec    int    `json:"timeout_sec"`
}

// Runbook is one whitelisted remediation procedure.
type Runbook struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Disruptive      bool     `json:"disruptive"`
	InvolvesRebuild bool     `json:"involves_rebuild"`
	RollbackCommand string   `json:"rollback_command,omitempty"`
	Steps           []Step   `json:"steps"`
	HIPAAControls   []string `json:"hipaa_controls"`
	Severity        string   `json:"severity"`
}

//go:embed runbooks.json
var runbooksJSON []byte

// Registry is the parsed runbook lookup table, keyed by runbook id.
var registry map[string]*Runbook

func init() {
	registry = make(map[string]*Runbook)

	var raw map[string]*Runbook
	if err := json.Unmarshal(runbooksJSON, &raw); err != nil {
		log.Printf("[runbooks] failed to parse embedded runbooks.json: %v", err)
		return
	}
	registry = raw
	log.Printf("[runbooks] loaded %d embedded runbooks", len(registry))
}

// Lookup returns the runbook for id, if whitelisted.
func Lookup(id string) (*Runbook, bool) {
	rb, ok := registry[id]
	return rb, ok
}

// DisruptiveMap returns a runbook_id -> disruptive map suitable for
// orders.NewWhitelist, reflecting the embedded registry.
func DisruptiveMap() map[string]bool {
	out := make(map[string]bool, len(registry))
	for id, rb := range registry {
		out[id] = rb.Disruptive
	}
	return out
}

// All returns every embedded runbook, primarily for diagnostics/tests.
func All() map[string]*Runbook {
	return registry
}

// Validate checks a runbook's structural invariants (non-empty id/steps,
// known platform values, rollback command present when involves_rebuild;
// a rollback command on a runbook without involves_rebuild is not rejected).
func (r *Runbook) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("runbook missing id")
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("runbook %s has no steps", r.ID)
	}
	for i, s := range r.Steps {
		if s.Platform != "local" && s.Platform != "windows" && s.Platform != "ssh" {
			return fmt.Errorf("runbook %s step %d: unknown platform %q", r.ID, i, s.Platform)
		}
		if (s.Platform == "local" || s.Platform == "ssh") && s.Command == "" {
			return fmt.Errorf("runbook %s step %d: %s step missing command", r.ID, i, s.Platform)
		}
		if s.Platform == "windows" && s.WindowsScript == "" {
			return fmt.Errorf("runbook %s step %d: windows step missing windows_script", r.ID, i)
		}
	}
	if r.InvolvesRebuild && r.RollbackCommand == "" {
		return fmt.Errorf("runbook %s involves_rebuild but has no rollback_command", r.ID)
	}
	return nil
}
