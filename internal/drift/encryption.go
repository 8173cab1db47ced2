package drift

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// EncryptionCheck verifies every protected volume is disk-encrypted (spec
// §4.9 "Encryption"). This check is alert-only: it never sets a recommended
// runbook, even when drift is found, since remediation requires an operator
// to re-encrypt a volume out of band.
type EncryptionCheck struct {
	Volumes []string // mapper names, e.g. "luks-data"
}

func (c *EncryptionCheck) Name() string { return "encryption" }

func (c *EncryptionCheck) Run(ctx context.Context) DriftResult {
	hipaa := []string{"164.312(a)(2)(iv)"}

	unencrypted := []string{}
	for _, volume := range c.Volumes {
		out, err := exec.CommandContext(ctx, "cryptsetup", "status", volume).CombinedOutput()
		if err != nil {
			return failureResult(c.Name(), fmt.Errorf("cryptsetup status %s: %w", volume, err), hipaa)
		}
		if !strings.Contains(string(out), "is active") {
			unencrypted = append(unencrypted, volume)
		}
	}

	drifted := len(unencrypted) > 0

	// RecommendedRunbookID intentionally left nil: encryption drift is
	// operator-only, never auto-remediated.
	return DriftResult{
		Check:    c.Name(),
		Drifted:  drifted,
		Severity: SeverityCritical,
		PreState: map[string]interface{}{
			"unencrypted_volumes": unencrypted,
		},
		HIPAAControls:        hipaa,
		RecommendedRunbookID: nil,
		CheckedAt:            time.Now().UTC(),
	}
}
