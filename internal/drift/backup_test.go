package drift

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeMarker(t *testing.T, path string, age time.Duration, checksum string) {
	t.Helper()
	ts := time.Now().Add(-age).UTC().Format(time.RFC3339)
	content := fmt.Sprintf("%s %s\n", ts, checksum)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

func TestBackupCheckNoDriftWhenRecentAndChecksummed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last_backup")
	writeMarker(t, path, time.Hour, "abc123")

	c := &BackupCheck{MarkerPath: path, MaxAge: 24 * time.Hour, RunbookID: "run_backup"}
	r := c.Run(context.Background())
	if r.Drifted {
		t.Fatalf("expected no drift, got %+v", r)
	}
}

func TestBackupCheckDriftsWhenStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last_backup")
	writeMarker(t, path, 48*time.Hour, "abc123")

	c := &BackupCheck{MarkerPath: path, MaxAge: 24 * time.Hour, RunbookID: "run_backup"}
	r := c.Run(context.Background())
	if !r.Drifted {
		t.Fatal("expected drift for stale backup")
	}
	if r.RecommendedRunbookID == nil || *r.RecommendedRunbookID != "run_backup" {
		t.Errorf("expected recommended runbook 'run_backup', got %v", r.RecommendedRunbookID)
	}
}

func TestBackupCheckDriftsWhenChecksumMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last_backup")
	writeMarker(t, path, time.Hour, "-")

	c := &BackupCheck{MarkerPath: path, MaxAge: 24 * time.Hour, RunbookID: "run_backup"}
	r := c.Run(context.Background())
	if !r.Drifted {
		t.Fatal("expected drift when checksum is missing")
	}
}

func TestBackupCheckFailsClosedOnMissingMarker(t *testing.T) {
	c := &BackupCheck{MarkerPath: "/nonexistent/marker", MaxAge: 24 * time.Hour, RunbookID: "run_backup"}
	r := c.Run(context.Background())
	if r.Drifted {
		t.Error("expected failure result to not be marked drifted")
	}
	if r.RecommendedRunbookID != nil {
		t.Error("expected nil recommended runbook on failure")
	}
}
