package drift

import (
	"context"
	"os"
	"time"
)

// PatchingCheck compares the declarative system generation currently active
// against the last known good (target) generation (spec §4.9 "Patching").
type PatchingCheck struct {
	CurrentGenerationLink string // e.g. /run/current-system
	TargetGeneration      string
	RunbookID             string
}

func (c *PatchingCheck) Name() string { return "patching" }

func (c *PatchingCheck) Run(ctx context.Context) DriftResult {
	hipaa := []string{"164.308(a)(5)(ii)(A)"}

	current, err := os.Readlink(c.CurrentGenerationLink)
	if err != nil {
		return failureResult(c.Name(), err, hipaa)
	}

	drifted := c.TargetGeneration != "" && current != c.TargetGeneration

	result := DriftResult{
		Check:     c.Name(),
		Drifted:   drifted,
		Severity:  SeverityHigh,
		PreState:  map[string]interface{}{"current_generation": current, "target_generation": c.TargetGeneration},
		HIPAAControls: hipaa,
		CheckedAt: time.Now().UTC(),
	}
	if drifted {
		result.RecommendedRunbookID = recommend(c.RunbookID)
	}
	return result
}
