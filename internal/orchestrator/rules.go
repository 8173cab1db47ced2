// Package orchestrator implements the tiered incident resolver (spec §4.11):
// an ordered L1 deterministic rule table, an optional L2 planner adapter,
// and L3 human escalation, plus the data-flywheel rule-promotion mechanism.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Operator is a condition comparison operator for a rule.
type Operator string

const (
	OpEquals   Operator = "eq"
	OpNotEq    Operator = "ne"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
	OpGT       Operator = "gt"
	OpLT       Operator = "lt"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpExists   Operator = "exists"
)

// Condition is a single field test against an incident's data payload.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// Matches evaluates the condition against an incident's flattened data map.
func (c *Condition) Matches(data map[string]interface{}) bool {
	actual := fieldValue(data, c.Field)

	if c.Operator == OpExists {
		exists := actual != nil
		if want, ok := c.Value.(bool); ok {
			return exists == want
		}
		return exists
	}
	if actual == nil {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return equalValues(actual, c.Value)
	case OpNotEq:
		return !equalValues(actual, c.Value)
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", c.Value))
	case OpRegex:
		re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	case OpGT:
		af, aok := toFloat(actual)
		vf, vok := toFloat(c.Value)
		return aok && vok && af > vf
	case OpLT:
		af, aok := toFloat(actual)
		vf, vok := toFloat(c.Value)
		return aok && vok && af < vf
	case OpIn:
		return valueIn(actual, c.Value)
	case OpNotIn:
		return !valueIn(actual, c.Value)
	}
	return false
}

// Rule is one L1 deterministic pattern → runbook mapping (spec §4.11 step 1).
type Rule struct {
	ID              string      `json:"id"`
	Signature       string      `json:"signature"` // opaque pattern signature, for flywheel promotion matching
	IncidentTypes   []string    `json:"incident_types"`
	SeverityFilter  []string    `json:"severity_filter"`
	Conditions      []Condition `json:"conditions"`
	RunbookID       string      `json:"runbook_id"`
	Enabled         bool        `json:"enabled"`
	Priority        int         `json:"priority"`
	CooldownSeconds int         `json:"cooldown_seconds"`
	Source          string      `json:"source"` // builtin | custom | synced | promoted

	// Success-rate tracking (spec §4.11). Successes and Total count every
	// application recorded for the rule; there is no window limiting them
	// to recent applications. A rule with zero recorded applications is
	// treated as pre-vetted (builtin/custom rules are operator-authored;
	// promoted rules are only staged once they already cleared the
	// threshold) and resolves immediately.
	Successes int `json:"successes"`
	Total     int `json:"total"`
}

// successRate reports the rule's success rate over all recorded
// applications; an untested rule
// reports a perfect rate so it can resolve before it has accumulated history.
func (r *Rule) successRate() float64 {
	if r.Total == 0 {
		return 1.0
	}
	return float64(r.Successes) / float64(r.Total)
}

// eligible reports whether the rule currently qualifies to resolve at L1.
func (r *Rule) eligible() bool {
	if !r.Enabled {
		return false
	}
	if r.Total == 0 {
		return true
	}
	return r.Total >= 5 && r.successRate() >= 0.9
}

// matches reports whether the rule applies to this incident's type, severity,
// and condition set.
func (r *Rule) matches(incidentType, severity string, data map[string]interface{}) bool {
	if len(r.IncidentTypes) > 0 && !contains(r.IncidentTypes, incidentType) {
		return false
	}
	if len(r.SeverityFilter) > 0 && !contains(r.SeverityFilter, severity) {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Matches(data) {
			return false
		}
	}
	return true
}

// Engine is the L1 deterministic rule table.
type Engine struct {
	rulesDir string
	mu       sync.RWMutex
	rules    []*Rule
	cooldown map[string]time.Time
}

// NewEngine constructs an L1 engine and loads rules from rulesDir (builtin
// rules are always present; rulesDir may be empty to run builtin-only).
func NewEngine(rulesDir string) *Engine {
	e := &Engine{rulesDir: rulesDir, cooldown: make(map[string]time.Time)}
	e.Reload()
	return e
}

// Reload re-reads builtin, custom, synced, and promoted rules from disk.
// Promoted rules only change across a Reload, never mid-cycle, matching
// spec §4.11's "no runtime mutation of rules".
func (e *Engine) Reload() {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := append([]*Rule{}, builtinRules()...)
	if e.rulesDir != "" {
		rules = append(rules, loadJSONRules(e.rulesDir)...)
		rules = append(rules, loadJSONRules(filepath.Join(e.rulesDir, "promoted"))...)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	e.rules = rules
	log.Printf("[orchestrator] L1 engine loaded %d rules", len(e.rules))
}

// Match returns the first eligible, non-cooled-down rule matching the
// incident, or nil if none apply (caller should fall through to L2).
func (e *Engine) Match(incident Incident) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if !r.eligible() {
			continue
		}
		if !r.matches(incident.IncidentType, incident.Severity, incident.Data) {
			continue
		}
		key := r.ID + ":" + incident.HostID
		if last, ok := e.cooldown[key]; ok && time.Since(last).Seconds() < float64(r.CooldownSeconds) {
			continue
		}
		return r
	}
	return nil
}

// RecordOutcome updates a rule's cumulative success-rate stats after a healer
// invocation it triggered completes (spec §4.11 "Failure semantics"). A
// rule whose rate drops below 0.5 is disabled and the caller should queue an
// operator notification (surfaced via the returned disabled flag).
func (e *Engine) RecordOutcome(ruleID, hostID string, success bool) (disabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.rules {
		if r.ID != ruleID {
			continue
		}
		r.Total++
		if success {
			r.Successes++
		}
		e.cooldown[r.ID+":"+hostID] = time.Now().UTC()
		if r.Total >= 2 && r.successRate() < 0.5 {
			r.Enabled = false
			return true
		}
		return false
	}
	return false
}

// Rules returns a snapshot of the currently loaded rule table, for
// diagnostics and tests.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

func loadJSONRules(dir string) []*Rule {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*Rule
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Printf("[orchestrator] read rule file %s: %v", entry.Name(), err)
			continue
		}
		var rules []*Rule
		if err := json.Unmarshal(data, &rules); err != nil {
			log.Printf("[orchestrator] parse rule file %s: %v", entry.Name(), err)
			continue
		}
		out = append(out, rules...)
	}
	return out
}

// builtinRules returns the small set of rules shipped with the agent,
// covering the drift check families the self-healer already has
// non-disruptive runbooks for.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID:             "builtin-endpoint-protection-down",
			Signature:      "endpoint_protection:inactive",
			IncidentTypes:  []string{"endpoint_protection"},
			SeverityFilter: []string{"high", "critical"},
			Conditions:     []Condition{{Field: "drifted", Operator: OpEquals, Value: true}},
			RunbookID:      "restart_endpoint_protection",
			Enabled:        true,
			Priority:       10,
			CooldownSeconds: 300,
			Source:         "builtin",
		},
		{
			ID:             "builtin-backup-stale",
			Signature:      "backup:stale",
			IncidentTypes:  []string{"backup"},
			SeverityFilter: []string{"high", "critical"},
			Conditions:     []Condition{{Field: "drifted", Operator: OpEquals, Value: true}},
			RunbookID:      "trigger_backup_job",
			Enabled:        true,
			Priority:       10,
			CooldownSeconds: 1800,
			Source:         "builtin",
		},
		{
			ID:             "builtin-logging-continuity-broken",
			Signature:      "logging:inactive",
			IncidentTypes:  []string{"logging"},
			SeverityFilter: []string{"critical"},
			Conditions:     []Condition{{Field: "drifted", Operator: OpEquals, Value: true}},
			RunbookID:      "restart_logging_pipeline",
			Enabled:        true,
			Priority:       10,
			CooldownSeconds: 300,
			Source:         "builtin",
		},
	}
}

func fieldValue(data map[string]interface{}, field string) interface{} {
	parts := strings.Split(field, ".")
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func equalValues(a, b interface{}) bool {
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func valueIn(actual, list interface{}) bool {
	arr, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		if equalValues(actual, item) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
