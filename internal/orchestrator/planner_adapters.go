package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/osiriscare/agentcore/internal/l2bridge"
	"github.com/osiriscare/agentcore/internal/l2planner"
)

// NativePlannerAdapter wraps internal/l2planner.Planner (direct Anthropic API
// calls) as a Planner. This is the default adapter for "direct" deployment
// mode, grounded on l2planner.Planner.Plan's budget→scrub→call→guardrail
// pipeline.
type NativePlannerAdapter struct {
	planner *l2planner.Planner
}

// NewNativePlannerAdapter wraps an already-configured l2planner.Planner.
func NewNativePlannerAdapter(p *l2planner.Planner) *NativePlannerAdapter {
	return &NativePlannerAdapter{planner: p}
}

func (a *NativePlannerAdapter) Plan(ctx context.Context, incident Incident) (*Decision, error) {
	decision, err := a.planner.Plan(toBridgeIncident(incident))
	if err != nil {
		return nil, err
	}
	return fromBridgeDecision(decision), nil
}

// SidecarPlannerAdapter wraps internal/l2bridge.Client (the Unix-socket
// JSON-RPC sidecar) as a Planner, for deployments that run the planner as a
// separate process rather than linking it in-process.
type SidecarPlannerAdapter struct {
	client *l2bridge.Client
}

// NewSidecarPlannerAdapter wraps an already-connected l2bridge.Client.
func NewSidecarPlannerAdapter(c *l2bridge.Client) *SidecarPlannerAdapter {
	return &SidecarPlannerAdapter{client: c}
}

func (a *SidecarPlannerAdapter) Plan(ctx context.Context, incident Incident) (*Decision, error) {
	if !a.client.IsConnected() {
		if err := a.client.Connect(); err != nil {
			return nil, fmt.Errorf("l2 sidecar connect: %w", err)
		}
	}
	decision, err := a.client.PlanWithRetry(toBridgeIncident(incident), 1)
	if err != nil {
		return nil, err
	}
	return fromBridgeDecision(decision), nil
}

func toBridgeIncident(incident Incident) *l2bridge.Incident {
	createdAt := incident.DetectedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}
	return &l2bridge.Incident{
		ID:               incident.IncidentID,
		SiteID:           incident.SiteID,
		HostID:           incident.HostID,
		IncidentType:     incident.IncidentType,
		Severity:         incident.Severity,
		RawData:          incident.Data,
		PatternSignature: incident.Signature,
		CreatedAt:        createdAt,
	}
}

func fromBridgeDecision(d *l2bridge.LLMDecision) *Decision {
	return &Decision{
		RunbookID:  d.RunbookID,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
		Params:     d.ActionParams,
	}
}
