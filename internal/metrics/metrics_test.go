package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteToProducesPrometheusTextFormat(t *testing.T) {
	c := New()
	c.RecordCycle(250 * time.Millisecond)
	c.RecordQueueDepth(3)
	c.RecordDriftFinding("ntp_sync", false)
	c.RecordDriftFinding("firewall_rules", true)
	c.RecordHealOutcome("L1", "success")

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := c.WriteTo(path); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)

	for _, want := range []string{
		"agentcore_cycles_total 1",
		"agentcore_cycle_duration_seconds 0.25",
		"agentcore_offline_queue_depth 3",
		`agentcore_drift_findings_total{check="ntp_sync",drifted="false"} 1`,
		`agentcore_drift_findings_total{check="firewall_rules",drifted="true"} 1`,
		`agentcore_heal_outcomes_total{outcome="success",tier="L1"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestWriteToIsAtomicNoTmpFileLeftBehind(t *testing.T) {
	c := New()
	c.RecordCycle(time.Second)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := c.WriteTo(path); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected .tmp file to be renamed away, stat err = %v", err)
	}
}

func TestRecordHealOutcomeAccumulatesAcrossTiers(t *testing.T) {
	c := New()
	c.RecordHealOutcome("L1", "success")
	c.RecordHealOutcome("L1", "success")
	c.RecordHealOutcome("L2", "failed")

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := c.WriteTo(path); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `agentcore_heal_outcomes_total{outcome="success",tier="L1"} 2`) {
		t.Errorf("expected L1/success counter at 2, got:\n%s", out)
	}
	if !strings.Contains(out, `agentcore_heal_outcomes_total{outcome="failed",tier="L2"} 1`) {
		t.Errorf("expected L2/failed counter at 1, got:\n%s", out)
	}
}
