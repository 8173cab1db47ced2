// Package drift implements the six independent drift checks the supervisor
// runs each cycle (spec §4.9): patching, endpoint protection, backup,
// logging continuity, firewall baseline, and encryption.
package drift

import (
	"context"
	"sync"
	"time"
)

// Severity mirrors the evidence bundle's severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DriftResult is the outcome of a single check (spec §4.9).
type DriftResult struct {
	Check                string
	Drifted              bool
	Severity             Severity
	PreState             map[string]interface{}
	HIPAAControls         []string
	RecommendedRunbookID *string
	CheckedAt             time.Time
}

// Checker is implemented by each of the six check families.
type Checker interface {
	Name() string
	Run(ctx context.Context) DriftResult
}

// recommend is a small helper for building a *string inline.
func recommend(runbookID string) *string {
	return &runbookID
}

// failureResult implements the "check cannot be run" failure semantics from
// spec §4.9: missing tool or permission error never recommends a runbook and
// is always surfaced as a medium-severity, non-drifted result so the caller
// emits an alert evidence bundle rather than attempting a heal.
func failureResult(check string, err error, hipaaControls []string) DriftResult {
	return DriftResult{
		Check:                 check,
		Drifted:               false,
		Severity:              SeverityMedium,
		PreState:              map[string]interface{}{"error": err.Error()},
		HIPAAControls:         hipaaControls,
		RecommendedRunbookID:  nil,
		CheckedAt:             time.Now().UTC(),
	}
}

// DetectAll runs every registered check concurrently and returns all results,
// matching spec §4.9's "the six checks are independent and may be run
// concurrently."
func DetectAll(ctx context.Context, checkers []Checker) []DriftResult {
	results := make([]DriftResult, len(checkers))
	var wg sync.WaitGroup
	wg.Add(len(checkers))

	for i, c := range checkers {
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = c.Run(ctx)
		}(i, c)
	}

	wg.Wait()
	return results
}

// DefaultCheckers builds the standard six-check set from DriftConfig.
func DefaultCheckers(cfg DriftConfig) []Checker {
	return []Checker{
		&PatchingCheck{CurrentGenerationLink: cfg.CurrentGenerationLink, TargetGeneration: cfg.TargetGeneration, RunbookID: "rebuild_to_target_generation"},
		&EndpointProtectionCheck{ServiceName: cfg.EndpointServiceName, BinaryPath: cfg.EndpointBinaryPath, ApprovedDigests: cfg.EndpointApprovedDigests, RunbookID: "restart_endpoint_protection"},
		&BackupCheck{MarkerPath: cfg.BackupMarkerPath, MaxAge: cfg.BackupMaxAge, RunbookID: "trigger_backup_job"},
		&LoggingCheck{ServiceNames: cfg.LoggingServiceNames, SpoolPath: cfg.LoggingSpoolPath, CanaryTimeout: cfg.LoggingCanaryTimeout, RunbookID: "restart_logging_pipeline"},
		&FirewallCheck{Table: cfg.FirewallTable, BaselineHashPath: cfg.FirewallBaselineHashPath, RunbookID: "restore_firewall_baseline"},
		&EncryptionCheck{Volumes: cfg.EncryptedVolumes},
	}
}

// DriftConfig carries the host-specific paths and thresholds each check
// needs; populated from the agent's loaded configuration.
type DriftConfig struct {
	CurrentGenerationLink string
	TargetGeneration      string

	EndpointServiceName     string
	EndpointBinaryPath      string
	EndpointApprovedDigests []string

	BackupMarkerPath string
	BackupMaxAge     time.Duration

	LoggingServiceNames  []string
	LoggingSpoolPath     string
	LoggingCanaryTimeout time.Duration

	FirewallTable            string
	FirewallBaselineHashPath string

	EncryptedVolumes []string
}
