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

// EndpointProtectionCheck verifies the monitored endpoint-protection service
// is alive and its binary matches an approved digest (spec §4.9 "Endpoint
// protection").
type EndpointProtectionCheck struct {
	ServiceName     string
	BinaryPath      string
	ApprovedDigests []string
	RunbookID       string
}

func (c *EndpointProtectionCheck) Name() string { return "endpoint_protection" }

func (c *EndpointProtectionCheck) Run(ctx context.Context) DriftResult {
	hipaa := []string{"164.308(a)(5)(ii)(B)"}

	active, err := c.serviceActive(ctx)
	if err != nil {
		return failureResult(c.Name(), err, hipaa)
	}

	digest, err := c.binaryDigest()
	if err != nil {
		return failureResult(c.Name(), err, hipaa)
	}

	approved := false
	for _, d := range c.ApprovedDigests {
		if d == digest {
			approved = true
			break
		}
	}

	drifted := !active || !approved

	result := DriftResult{
		Check:    c.Name(),
		Drifted:  drifted,
		Severity: SeverityHigh,
		PreState: map[string]interface{}{
			"service_active": active,
			"binary_digest":  digest,
			"digest_approved": approved,
		},
		HIPAAControls: hipaa,
		CheckedAt:     time.Now().UTC(),
	}
	if drifted {
		result.RecommendedRunbookID = recommend(c.RunbookID)
	}
	return result
}

func (c *EndpointProtectionCheck) serviceActive(ctx context.Context) (bool, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", c.ServiceName).CombinedOutput()
	status := strings.TrimSpace(string(out))
	if err != nil && status == "" {
		return false, fmt.Errorf("systemctl is-active %s: %w", c.ServiceName, err)
	}
	return status == "active", nil
}

func (c *EndpointProtectionCheck) binaryDigest() (string, error) {
	data, err := os.ReadFile(c.BinaryPath)
	if err != nil {
		return "", fmt.Errorf("read endpoint binary %s: %w", c.BinaryPath, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
