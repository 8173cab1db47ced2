package drift

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// LoggingCheck verifies the logging pipeline is alive end to end: every
// named service must be active, and a unique canary line written through the
// system logger must reach the local spool within CanaryTimeout (spec §4.9
// "Logging continuity" — "any subsystem failing" drifts).
type LoggingCheck struct {
	ServiceNames  []string
	SpoolPath     string
	CanaryTimeout time.Duration
	RunbookID     string
}

func (c *LoggingCheck) Name() string { return "logging" }

func (c *LoggingCheck) Run(ctx context.Context) DriftResult {
	hipaa := []string{"164.312(b)"}

	inactive := []string{}
	for _, svc := range c.ServiceNames {
		out, err := exec.CommandContext(ctx, "systemctl", "is-active", svc).CombinedOutput()
		if err != nil && strings.TrimSpace(string(out)) == "" {
			return failureResult(c.Name(), fmt.Errorf("systemctl is-active %s: %w", svc, err), hipaa)
		}
		if strings.TrimSpace(string(out)) != "active" {
			inactive = append(inactive, svc)
		}
	}

	canaryReached, err := c.emitAndAwaitCanary(ctx)
	if err != nil {
		return failureResult(c.Name(), err, hipaa)
	}

	drifted := len(inactive) > 0 || !canaryReached

	result := DriftResult{
		Check:    c.Name(),
		Drifted:  drifted,
		Severity: SeverityCritical,
		PreState: map[string]interface{}{
			"inactive_services": inactive,
			"canary_reached":    canaryReached,
		},
		HIPAAControls: hipaa,
		CheckedAt:     time.Now().UTC(),
	}
	if drifted {
		result.RecommendedRunbookID = recommend(c.RunbookID)
	}
	return result
}

// emitAndAwaitCanary writes a unique token through the system logger and
// polls the spool file for it until CanaryTimeout elapses.
func (c *LoggingCheck) emitAndAwaitCanary(ctx context.Context) (bool, error) {
	token, err := randomToken()
	if err != nil {
		return false, fmt.Errorf("generate canary token: %w", err)
	}
	marker := "drift-canary-" + token

	if err := exec.CommandContext(ctx, "logger", "-t", "agentcore-canary", marker).Run(); err != nil {
		return false, fmt.Errorf("emit canary via logger: %w", err)
	}

	deadline := time.Now().Add(c.CanaryTimeout)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(c.SpoolPath)
		if err == nil && strings.Contains(string(data), marker) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false, nil
}

func randomToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
