package drift

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestPatchingCheckNoDriftWhenGenerationsMatch(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "current-system")
	target := filepath.Join(dir, "system-42-link")
	os.WriteFile(target, []byte("x"), 0o600)
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	c := &PatchingCheck{CurrentGenerationLink: link, TargetGeneration: target, RunbookID: "rebuild"}
	r := c.Run(context.Background())
	if r.Drifted {
		t.Fatalf("expected no drift, got %+v", r)
	}
	if r.RecommendedRunbookID != nil {
		t.Error("expected no recommended runbook when not drifted")
	}
}

func TestPatchingCheckDriftsOnGenerationMismatch(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "current-system")
	target := filepath.Join(dir, "system-42-link")
	os.WriteFile(target, []byte("x"), 0o600)
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	c := &PatchingCheck{CurrentGenerationLink: link, TargetGeneration: filepath.Join(dir, "system-43-link"), RunbookID: "rebuild"}
	r := c.Run(context.Background())
	if !r.Drifted {
		t.Fatal("expected drift on generation mismatch")
	}
	if r.RecommendedRunbookID == nil || *r.RecommendedRunbookID != "rebuild" {
		t.Errorf("expected recommended runbook 'rebuild', got %v", r.RecommendedRunbookID)
	}
}

func TestPatchingCheckFailsClosedOnMissingLink(t *testing.T) {
	c := &PatchingCheck{CurrentGenerationLink: "/nonexistent/path", TargetGeneration: "x"}
	r := c.Run(context.Background())
	if r.Drifted {
		t.Error("expected failure result to not be marked drifted")
	}
	if r.Severity != SeverityMedium {
		t.Errorf("expected medium severity on read failure, got %s", r.Severity)
	}
	if r.RecommendedRunbookID != nil {
		t.Error("expected nil recommended runbook on failure")
	}
}
