package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "site_id: site-1\nhost_id: host-1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalSec != 60 {
		t.Errorf("expected default poll_interval_sec=60, got %d", cfg.PollIntervalSec)
	}
	if cfg.MaintenanceWindow != "02:00-04:00" {
		t.Errorf("expected default maintenance_window, got %s", cfg.MaintenanceWindow)
	}
	if cfg.DeploymentMode != ModeDirect {
		t.Errorf("expected default deployment_mode=direct, got %s", cfg.DeploymentMode)
	}
}

func TestLoadRequiresSiteAndHostID(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "deployment_mode: direct\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing site_id/host_id")
	}
	ferr, ok := err.(*FatalError)
	if !ok || ferr.ExitCode() != 1 {
		t.Fatalf("expected config FatalError with exit code 1, got %v", err)
	}
}

func TestLoadRequiresResellerID(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "site_id: s\nhost_id: h\ndeployment_mode: reseller\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for reseller mode missing reseller_id")
	}
}

func TestLoadRejectsBadMaintenanceWindow(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "site_id: s\nhost_id: h\nmaintenance_window: \"not-a-window\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for malformed maintenance_window")
	}
}

func TestLoadRejectsPermissiveReferencedFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(keyPath, []byte("not-a-real-key"), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}

	path := writeYAML(t, dir, "site_id: s\nhost_id: h\nsigning_key_file: "+keyPath+"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for group/other readable signing_key_file")
	}
	ferr, ok := err.(*FatalError)
	if !ok || ferr.ExitCode() != 2 {
		t.Fatalf("expected permission FatalError with exit code 2, got %v", err)
	}
}

func TestLoadAcceptsProperlyModedReferencedFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(keyPath, []byte("not-a-real-key"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	path := writeYAML(t, dir, "site_id: s\nhost_id: h\nsigning_key_file: "+keyPath+"\n")

	if _, err := Load(path); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestEnvOverridesApply(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "site_id: s\nhost_id: h\n")

	t.Setenv("STATE_DIR", "/tmp/custom-state")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/tmp/custom-state" {
		t.Errorf("expected STATE_DIR override, got %s", cfg.StateDir)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("expected LOG_LEVEL override uppercased, got %s", cfg.LogLevel)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/var/lib/agentcore"

	if cfg.EvidenceDir() != "/var/lib/agentcore/evidence" {
		t.Errorf("unexpected EvidenceDir: %s", cfg.EvidenceDir())
	}
	if cfg.QueueDBPath() != "/var/lib/agentcore/queue/queue.db" {
		t.Errorf("unexpected QueueDBPath: %s", cfg.QueueDBPath())
	}
	if cfg.LivenessFilePath() != "/var/lib/agentcore/run/healthy" {
		t.Errorf("unexpected LivenessFilePath: %s", cfg.LivenessFilePath())
	}
}
