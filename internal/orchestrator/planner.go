package orchestrator

import "context"

// Incident is what the Drift detector and received Orders feed into the
// orchestrator (spec §4.11's resolve(incident) input).
type Incident struct {
	IncidentID   string
	SiteID       string
	HostID       string
	IncidentType string
	Severity     string
	Signature    string // stable pattern signature for flywheel promotion
	Data         map[string]interface{}
	DetectedAt   string
}

// Decision is an L2 planner's proposed remediation.
type Decision struct {
	RunbookID  string
	Confidence float64
	Reasoning  string
	Params     map[string]interface{}
}

// Planner is the external L2 collaborator (spec §4.11 step 2): "the agent
// defines an interface; the planner itself is an external collaborator and
// MAY be absent in minimal builds, in which case skip to L3." Both
// internal/l2planner.Planner (direct Anthropic API calls) and
// internal/l2bridge.Client (Unix-socket sidecar) satisfy this interface via
// the adapters below.
type Planner interface {
	Plan(ctx context.Context, incident Incident) (*Decision, error)
}

// minL2Confidence is the acceptance threshold for an L2 decision (spec
// §4.11 step 2).
const minL2Confidence = 0.7
