package drift

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// BackupCheck verifies the last successful backup is recent enough and
// recorded a checksum (spec §4.9 "Backup"). MarkerPath points at a file the
// backup job writes on success, formatted "<rfc3339 timestamp> <checksum>".
type BackupCheck struct {
	MarkerPath string
	MaxAge     time.Duration
	RunbookID  string
}

func (c *BackupCheck) Name() string { return "backup" }

func (c *BackupCheck) Run(ctx context.Context) DriftResult {
	hipaa := []string{"164.308(a)(7)(ii)(A)"}

	data, err := os.ReadFile(c.MarkerPath)
	if err != nil {
		return failureResult(c.Name(), err, hipaa)
	}

	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) < 2 {
		return failureResult(c.Name(), fmt.Errorf("backup marker at %s is malformed: %q", c.MarkerPath, string(data)), hipaa)
	}

	lastBackup, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return failureResult(c.Name(), fmt.Errorf("parse backup marker timestamp: %w", err), hipaa)
	}
	checksum := fields[1]

	age := time.Since(lastBackup)
	drifted := age > c.MaxAge || checksum == "" || checksum == "-"

	result := DriftResult{
		Check:    c.Name(),
		Drifted:  drifted,
		Severity: SeverityHigh,
		PreState: map[string]interface{}{
			"last_backup_at": lastBackup.UTC().Format(time.RFC3339),
			"age_seconds":    int(age.Seconds()),
			"max_age_seconds": int(c.MaxAge.Seconds()),
			"checksum":       checksum,
		},
		HIPAAControls: hipaa,
		CheckedAt:     time.Now().UTC(),
	}
	if drifted {
		result.RecommendedRunbookID = recommend(c.RunbookID)
	}
	return result
}
