package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// flywheelState is one signature's L2 outcome history, persisted to disk so
// the streak survives a process restart (spec §4.11 "data-flywheel rule").
type flywheelState struct {
	Signature         string `json:"signature"`
	IncidentType      string `json:"incident_type"`
	RunbookID         string `json:"runbook_id"`
	ConsecutiveWins   int    `json:"consecutive_wins"`
	TotalAttempts     int    `json:"total_attempts"`
	TotalSuccesses    int    `json:"total_successes"`
	Promoted          bool   `json:"promoted"`
}

func (s *flywheelState) rate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(s.TotalAttempts)
}

// Flywheel tracks L2-resolved incident outcomes per pattern signature and
// stages an L1 rule once a signature has proven itself (spec §4.11
// "data-flywheel rule": ≥5 consecutive successes, ≥0.9 overall success rate).
type Flywheel struct {
	mu       sync.Mutex
	statePath string
	states    map[string]*flywheelState
}

// NewFlywheel loads (or initializes) flywheel state from statePath.
func NewFlywheel(statePath string) *Flywheel {
	f := &Flywheel{statePath: statePath, states: make(map[string]*flywheelState)}
	f.load()
	return f
}

func (f *Flywheel) load() {
	data, err := os.ReadFile(f.statePath)
	if err != nil {
		return
	}
	var states []*flywheelState
	if err := json.Unmarshal(data, &states); err != nil {
		return
	}
	for _, s := range states {
		f.states[s.Signature] = s
	}
}

func (f *Flywheel) persist() error {
	states := make([]*flywheelState, 0, len(f.states))
	for _, s := range f.states {
		states = append(states, s)
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.statePath)
}

// RecordL2Outcome records an L2-resolved incident's execution outcome and,
// if the signature now qualifies, stages an L1 rule promotion. Returns true
// if this call triggered a new promotion.
func (f *Flywheel) RecordL2Outcome(incident Incident, runbookID string, success bool, rulesDir string) (promoted bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.states[incident.Signature]
	if !ok {
		s = &flywheelState{Signature: incident.Signature, IncidentType: incident.IncidentType, RunbookID: runbookID}
		f.states[incident.Signature] = s
	}
	s.TotalAttempts++
	if success {
		s.TotalSuccesses++
		s.ConsecutiveWins++
	} else {
		s.ConsecutiveWins = 0
	}

	if !s.Promoted && s.ConsecutiveWins >= 5 && s.rate() >= 0.9 {
		if err := f.stagePromotion(s, rulesDir); err != nil {
			return false, fmt.Errorf("stage promotion: %w", err)
		}
		s.Promoted = true
		promoted = true
	}

	if err := f.persist(); err != nil {
		return promoted, fmt.Errorf("persist flywheel state: %w", err)
	}
	return promoted, nil
}

// stagePromotion appends a new promoted-rule definition to the staging file.
// It is NOT written into the active promoted/ directory, so it has no
// effect on the current process's L1 engine (spec §4.11: "Promotions ...
// only become active on next process start").
func (f *Flywheel) stagePromotion(s *flywheelState, rulesDir string) error {
	rule := &Rule{
		ID:        "promoted-" + s.Signature,
		Signature: s.Signature,
		IncidentTypes: []string{s.IncidentType},
		RunbookID: s.RunbookID,
		Enabled:   true,
		Priority:  50,
		CooldownSeconds: 300,
		Source:    "promoted",
		// Seeded with stats already clearing the L1 eligibility bar, since
		// the promotion criteria themselves (≥5 consecutive, ≥0.9 overall)
		// are at least as strict as the L1 threshold.
		Successes: s.TotalSuccesses,
		Total:     s.TotalAttempts,
	}

	stagingPath := filepath.Join(rulesDir, "promoted-staging.json")
	var staged []*Rule
	if data, err := os.ReadFile(stagingPath); err == nil {
		_ = json.Unmarshal(data, &staged)
	}
	staged = append(staged, rule)

	data, err := json.MarshalIndent(staged, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(rulesDir, 0700); err != nil {
		return err
	}
	tmp := stagingPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, stagingPath)
}

// ActivateStagedPromotions moves any staged rule promotions into the active
// promoted/ directory and clears the staging file. Call this once at
// process start, before constructing the L1 Engine, so the activation never
// happens mid-cycle (spec §4.11: "no runtime mutation of rules").
func ActivateStagedPromotions(rulesDir string) error {
	stagingPath := filepath.Join(rulesDir, "promoted-staging.json")
	data, err := os.ReadFile(stagingPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read staged promotions: %w", err)
	}

	promotedDir := filepath.Join(rulesDir, "promoted")
	if err := os.MkdirAll(promotedDir, 0700); err != nil {
		return fmt.Errorf("create promoted dir: %w", err)
	}

	destName := fmt.Sprintf("activated-%d.json", time.Now().UTC().Unix())
	destPath := filepath.Join(promotedDir, destName)
	if err := os.WriteFile(destPath, data, 0600); err != nil {
		return fmt.Errorf("write activated promotions: %w", err)
	}
	return os.Remove(stagingPath)
}
