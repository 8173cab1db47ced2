package drift

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// FirewallCheck compares a hash of the effective ruleset against a signed
// baseline hash (spec §4.9 "Firewall baseline").
type FirewallCheck struct {
	Table            string // e.g. "inet filter"
	BaselineHashPath string
	RunbookID        string
}

func (c *FirewallCheck) Name() string { return "firewall" }

func (c *FirewallCheck) Run(ctx context.Context) DriftResult {
	hipaa := []string{"164.312(e)(1)"}

	out, err := exec.CommandContext(ctx, "nft", "list", "ruleset").CombinedOutput()
	if err != nil {
		return failureResult(c.Name(), fmt.Errorf("nft list ruleset: %w: %s", err, strings.TrimSpace(string(out))), hipaa)
	}

	sum := sha256.Sum256(out)
	actualHash := hex.EncodeToString(sum[:])

	baselineRaw, err := os.ReadFile(c.BaselineHashPath)
	if err != nil {
		return failureResult(c.Name(), fmt.Errorf("read firewall baseline hash: %w", err), hipaa)
	}
	expectedHash := strings.TrimSpace(string(baselineRaw))

	drifted := actualHash != expectedHash

	result := DriftResult{
		Check:    c.Name(),
		Drifted:  drifted,
		Severity: SeverityHigh,
		PreState: map[string]interface{}{
			"actual_hash":   actualHash,
			"expected_hash": expectedHash,
		},
		HIPAAControls: hipaa,
		CheckedAt:     time.Now().UTC(),
	}
	if drifted {
		result.RecommendedRunbookID = recommend(c.RunbookID)
	}
	return result
}
