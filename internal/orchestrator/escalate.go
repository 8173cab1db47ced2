package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"log/syslog"
	"net/http"
	"time"
)

// Ticket is the rich record produced for an L3-escalated incident (spec
// §4.11 step 3): the incident itself, any context gathered, and whatever
// remediation an L2 planner proposed but couldn't auto-execute.
type Ticket struct {
	Incident           Incident
	ProposedRunbookID  string
	ProposedConfidence float64
	Reasoning          string
	Reason             string // why this escalated: "no_l1_match_no_planner", "low_confidence", "planner_error", ...
}

// Escalator delivers an L3 ticket to a reseller-mode sink. A nil Escalator
// (or one returning an error) means the ticket is instead attached to the
// next control-plane check-in (spec §4.11 step 3's "or attach it to the
// next check-in otherwise"), which the orchestrator's caller is responsible
// for using the ticket returned in Resolution.Ticket.
type Escalator interface {
	Escalate(t Ticket) error
}

// WebhookEscalator posts tickets to an RMM webhook URL (spec §3.1
// rmm_webhook_url), generalized from internal/daemon/incident_reporter.go's
// POST-with-bearer-auth idiom.
type WebhookEscalator struct {
	URL    string
	APIKey string
	client *http.Client
}

// NewWebhookEscalator constructs a WebhookEscalator posting to url.
func NewWebhookEscalator(url, apiKey string) *WebhookEscalator {
	return &WebhookEscalator{URL: url, APIKey: apiKey, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookEscalator) Escalate(t Ticket) error {
	payload := map[string]interface{}{
		"site_id":             t.Incident.SiteID,
		"host_id":             t.Incident.HostID,
		"incident_id":         t.Incident.IncidentID,
		"incident_type":       t.Incident.IncidentType,
		"severity":            t.Incident.Severity,
		"detected_at":         t.Incident.DetectedAt,
		"data":                t.Incident.Data,
		"proposed_runbook_id": t.ProposedRunbookID,
		"proposed_confidence": t.ProposedConfidence,
		"reasoning":           t.Reasoning,
		"reason":              t.Reason,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.APIKey)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SyslogEscalator writes tickets to a remote syslog target (spec §3.1
// syslog_target), the other reseller-mode sink. No third-party syslog
// client appears anywhere in the example pack, so this uses the standard
// library's log/syslog, which already speaks the RFC 3164/5424 wire
// protocol this sink needs.
type SyslogEscalator struct {
	writer *syslog.Writer
}

// NewSyslogEscalator dials the syslog target addr ("host:port") over
// network ("udp" or "tcp").
func NewSyslogEscalator(network, addr string) (*SyslogEscalator, error) {
	w, err := syslog.Dial(network, addr, syslog.LOG_WARNING|syslog.LOG_DAEMON, "agentcore")
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s://%s: %w", network, addr, err)
	}
	return &SyslogEscalator{writer: w}, nil
}

func (s *SyslogEscalator) Escalate(t Ticket) error {
	msg := fmt.Sprintf("incident=%s type=%s severity=%s host=%s proposed_runbook=%s reason=%s",
		t.Incident.IncidentID, t.Incident.IncidentType, t.Incident.Severity, t.Incident.HostID,
		t.ProposedRunbookID, t.Reason)
	return s.writer.Warning(msg)
}

// MultiEscalator fans a ticket out to every configured sink, matching spec
// §3.1's "additionally emits per-event notifications" (both sinks may be
// configured at once in reseller mode).
type MultiEscalator struct {
	sinks []Escalator
}

func NewMultiEscalator(sinks ...Escalator) *MultiEscalator {
	var filtered []Escalator
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiEscalator{sinks: filtered}
}

func (m *MultiEscalator) Escalate(t Ticket) error {
	if len(m.sinks) == 0 {
		return fmt.Errorf("no escalation sinks configured")
	}
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Escalate(t); err != nil {
			log.Printf("[orchestrator] escalation sink failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
