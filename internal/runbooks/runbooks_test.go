package runbooks

import "testing"

func TestRegistryLoadsEmbeddedRunbooks(t *testing.T) {
	if len(All()) == 0 {
		t.Fatal("expected embedded registry to be non-empty")
	}
}

func TestLookupFindsKnownRunbook(t *testing.T) {
	rb, ok := Lookup("restart_endpoint_protection")
	if !ok {
		t.Fatal("expected restart_endpoint_protection to be in the registry")
	}
	if rb.Disruptive {
		t.Error("expected restart_endpoint_protection to be non-disruptive")
	}
}

func TestLookupMissesUnknownRunbook(t *testing.T) {
	if _, ok := Lookup("not_a_real_runbook"); ok {
		t.Fatal("expected unknown runbook to miss")
	}
}

func TestDisruptiveMapReflectsRegistry(t *testing.T) {
	m := DisruptiveMap()
	if !m["rebuild_to_target_generation"] {
		t.Error("expected rebuild_to_target_generation to be marked disruptive")
	}
	if m["restart_endpoint_protection"] {
		t.Error("expected restart_endpoint_protection to be marked non-disruptive")
	}
}

func TestEveryEmbeddedRunbookValidates(t *testing.T) {
	for id, rb := range All() {
		if err := rb.Validate(); err != nil {
			t.Errorf("runbook %s failed validation: %v", id, err)
		}
	}
}

func TestRebuildRunbooksCarryRollbackCommand(t *testing.T) {
	for id, rb := range All() {
		if rb.InvolvesRebuild && rb.RollbackCommand == "" {
			t.Errorf("runbook %s involves_rebuild but has no rollback_command", id)
		}
	}
}
