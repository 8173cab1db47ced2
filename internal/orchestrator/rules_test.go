package orchestrator

import "testing"

func TestConditionMatchesEquals(t *testing.T) {
	c := Condition{Field: "drifted", Operator: OpEquals, Value: true}
	if !c.Matches(map[string]interface{}{"drifted": true}) {
		t.Fatal("expected match")
	}
	if c.Matches(map[string]interface{}{"drifted": false}) {
		t.Fatal("expected no match")
	}
}

func TestConditionMatchesNestedField(t *testing.T) {
	c := Condition{Field: "pre_state.error", Operator: OpExists, Value: true}
	data := map[string]interface{}{"pre_state": map[string]interface{}{"error": "boom"}}
	if !c.Matches(data) {
		t.Fatal("expected nested field to exist")
	}
}

func TestRuleEligibleWithNoHistory(t *testing.T) {
	r := &Rule{Enabled: true}
	if !r.eligible() {
		t.Fatal("expected untested rule to be eligible")
	}
}

func TestRuleIneligibleBelowFiveApplications(t *testing.T) {
	r := &Rule{Enabled: true, Total: 3, Successes: 3}
	if r.eligible() {
		t.Fatal("expected rule with <5 applications but nonzero total to require more history")
	}
}

func TestRuleIneligibleBelowNinetyPercent(t *testing.T) {
	r := &Rule{Enabled: true, Total: 10, Successes: 8}
	if r.eligible() {
		t.Fatal("expected 80%% success rate to be ineligible")
	}
}

func TestEngineMatchRespectsCooldown(t *testing.T) {
	e := NewEngine("")
	e.rules = []*Rule{{
		ID: "r1", Enabled: true, IncidentTypes: []string{"backup"},
		RunbookID: "trigger_backup_job", CooldownSeconds: 3600,
	}}
	incident := Incident{IncidentType: "backup", HostID: "host-1", Data: map[string]interface{}{}}

	if e.Match(incident) == nil {
		t.Fatal("expected first match to succeed")
	}
	e.RecordOutcome("r1", "host-1", true)
	if e.Match(incident) != nil {
		t.Fatal("expected match to be suppressed during cooldown")
	}
}

func TestEngineRecordOutcomeDisablesRuleBelowHalf(t *testing.T) {
	e := NewEngine("")
	e.rules = []*Rule{{ID: "r1", Enabled: true}}

	e.RecordOutcome("r1", "host-1", false)
	disabled := e.RecordOutcome("r1", "host-1", false)
	if !disabled {
		t.Fatal("expected rule to be disabled after repeated failures")
	}
	if e.rules[0].Enabled {
		t.Fatal("expected rule.Enabled to be false")
	}
}
