package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/osiriscare/agentcore/internal/evidence"
	"github.com/osiriscare/agentcore/internal/orders"
)

// HealFunc invokes the self-healer for an accepted runbook. Implementations
// wrap *healer.Healer.Heal with a nil triggering order, since incidents
// (unlike control-plane orders) don't carry one.
type HealFunc func(ctx context.Context, runbookID string, params map[string]interface{}) (*evidence.Bundle, error)

// Tier identifies which level resolved an incident.
type Tier string

const (
	TierL1 Tier = "L1"
	TierL2 Tier = "L2"
	TierL3 Tier = "L3"
)

// Resolution is the result of routing one incident through the tiers.
type Resolution struct {
	Tier      Tier
	RuleID    string // set for L1
	RunbookID string // set for L1/L2
	Bundle    *evidence.Bundle
	Ticket    *Ticket // set for L3
}

// Config carries the orchestrator's wiring.
type Config struct {
	RulesDir          string
	FlywheelStatePath string
}

// Orchestrator implements resolve(incident) → (tier, outcome) (spec §4.11).
type Orchestrator struct {
	engine    *Engine
	planner   Planner // may be nil: "MAY be absent in minimal builds"
	escalator Escalator
	flywheel  *Flywheel
	whitelist *orders.Whitelist
	heal      HealFunc
	rulesDir  string
}

// New constructs an Orchestrator. planner and escalator may both be nil;
// a nil escalator means L3 tickets are only ever returned to the caller for
// attachment to the next check-in (spec §4.11 step 3's fallback path).
func New(cfg Config, whitelist *orders.Whitelist, planner Planner, escalator Escalator, heal HealFunc) *Orchestrator {
	return &Orchestrator{
		engine:    NewEngine(cfg.RulesDir),
		planner:   planner,
		escalator: escalator,
		flywheel:  NewFlywheel(cfg.FlywheelStatePath),
		whitelist: whitelist,
		heal:      heal,
		rulesDir:  cfg.RulesDir,
	}
}

// ReloadRules re-reads the L1 rule table, picking up any promotions that
// ActivateStagedPromotions wrote before this process started.
func (o *Orchestrator) ReloadRules() {
	o.engine.Reload()
}

// Resolve routes a single incident through L1 → L2 → L3 (spec §4.11).
func (o *Orchestrator) Resolve(ctx context.Context, incident Incident) (*Resolution, error) {
	if rule := o.engine.Match(incident); rule != nil {
		bundle, err := o.heal(ctx, rule.RunbookID, incident.Data)
		if err != nil {
			return nil, fmt.Errorf("L1 heal %s: %w", rule.RunbookID, err)
		}
		o.recordRuleOutcome(rule.ID, incident.HostID, bundle)
		return &Resolution{Tier: TierL1, RuleID: rule.ID, RunbookID: rule.RunbookID, Bundle: bundle}, nil
	}

	if o.planner != nil {
		decision, err := o.planner.Plan(ctx, incident)
		if err != nil {
			log.Printf("[orchestrator] L2 planner error for incident %s: %v", incident.IncidentID, err)
			return o.escalate(incident, nil, "planner_error")
		}

		known := false
		if o.whitelist != nil {
			_, known = o.whitelist.Lookup(decision.RunbookID)
		}

		if decision.Confidence >= minL2Confidence && known {
			bundle, err := o.heal(ctx, decision.RunbookID, decision.Params)
			if err != nil {
				return nil, fmt.Errorf("L2 heal %s: %w", decision.RunbookID, err)
			}
			o.recordFlywheelOutcome(incident, decision.RunbookID, bundle)
			return &Resolution{Tier: TierL2, RunbookID: decision.RunbookID, Bundle: bundle}, nil
		}

		reason := "low_confidence"
		if decision.Confidence >= minL2Confidence && !known {
			reason = "runbook_not_whitelisted"
		}
		return o.escalate(incident, decision, reason)
	}

	return o.escalate(incident, nil, "no_l1_match_no_planner")
}

func (o *Orchestrator) recordRuleOutcome(ruleID, hostID string, bundle *evidence.Bundle) {
	switch bundle.Outcome {
	case evidence.OutcomeSuccess:
		if disabled := o.engine.RecordOutcome(ruleID, hostID, true); disabled {
			log.Printf("[orchestrator] L1 rule %s disabled: success rate dropped below 0.5", ruleID)
		}
	case evidence.OutcomeFailed, evidence.OutcomeReverted:
		if disabled := o.engine.RecordOutcome(ruleID, hostID, false); disabled {
			log.Printf("[orchestrator] L1 rule %s disabled: success rate dropped below 0.5, operator notification queued", ruleID)
		}
	}
}

func (o *Orchestrator) recordFlywheelOutcome(incident Incident, runbookID string, bundle *evidence.Bundle) {
	success := bundle.Outcome == evidence.OutcomeSuccess
	switch bundle.Outcome {
	case evidence.OutcomeSuccess, evidence.OutcomeFailed, evidence.OutcomeReverted:
		promoted, err := o.flywheel.RecordL2Outcome(incident, runbookID, success, o.rulesDir)
		if err != nil {
			log.Printf("[orchestrator] flywheel record error: %v", err)
			return
		}
		if promoted {
			log.Printf("[orchestrator] staged L1 promotion for signature %s -> %s (active next start)", incident.Signature, runbookID)
		}
	}
}

func (o *Orchestrator) escalate(incident Incident, decision *Decision, reason string) (*Resolution, error) {
	ticket := Ticket{Incident: incident, Reason: reason}
	if decision != nil {
		ticket.ProposedRunbookID = decision.RunbookID
		ticket.ProposedConfidence = decision.Confidence
		ticket.Reasoning = decision.Reasoning
	}

	if o.escalator != nil {
		if err := o.escalator.Escalate(ticket); err != nil {
			log.Printf("[orchestrator] L3 escalation delivery failed, will attach to next check-in: %v", err)
		}
	}

	return &Resolution{Tier: TierL3, Ticket: &ticket}, nil
}
