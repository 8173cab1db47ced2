// Package config loads and validates the appliance's immutable, per-process
// configuration (spec §3.1).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentMode is either direct or reseller (spec §3.1).
type DeploymentMode string

const (
	ModeDirect   DeploymentMode = "direct"
	ModeReseller DeploymentMode = "reseller"
)

// Config holds appliance configuration. Built once at start and never
// mutated afterward — every component receives a *Config and treats it
// as read-only.
type Config struct {
	SiteID string `yaml:"site_id"`
	HostID string `yaml:"host_id"`

	DeploymentMode DeploymentMode `yaml:"deployment_mode"`
	ResellerID     string         `yaml:"reseller_id"`

	MCPURL       string   `yaml:"mcp_url"`
	AllowedHosts []string `yaml:"allowed_hosts"`

	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
	SigningKeyFile string `yaml:"signing_key_file"`

	PolicyVersion string `yaml:"policy_version"`
	BaselinePath  string `yaml:"baseline_path"`

	PollIntervalSec int `yaml:"poll_interval_sec"`
	OrderTTLSec     int `yaml:"order_ttl_sec"`

	MaintenanceWindow            string `yaml:"maintenance_window"`
	AllowDisruptiveOutsideWindow bool   `yaml:"allow_disruptive_outside_window"`

	EvidenceRetentionCount int `yaml:"evidence_retention_count"`
	EvidenceRetentionDays  int `yaml:"evidence_retention_days"`

	NTPMaxSkewMs                int `yaml:"ntp_max_skew_ms"`
	RebuildHealthCheckTimeoutSec int `yaml:"rebuild_health_check_timeout_sec"`

	RMMWebhookURL string `yaml:"rmm_webhook_url"`
	SyslogTarget  string `yaml:"syslog_target"`

	LogLevel string `yaml:"log_level"`

	StateDir string `yaml:"state_dir"`
}

// Default returns a Config with the defaults spec §3.1 names.
func Default() Config {
	return Config{
		DeploymentMode:               ModeDirect,
		PollIntervalSec:              60,
		OrderTTLSec:                  900,
		MaintenanceWindow:            "02:00-04:00",
		AllowDisruptiveOutsideWindow: false,
		EvidenceRetentionCount:       200,
		EvidenceRetentionDays:        90,
		NTPMaxSkewMs:                 5000,
		RebuildHealthCheckTimeoutSec: 60,
		LogLevel:                     "INFO",
		StateDir:                     "/var/lib/agentcore",
	}
}

var windowPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)-([01]\d|2[0-3]):([0-5]\d)$`)

// FatalError is a configuration error that must abort startup. Kind is
// either "config" (exit code 1) or "permission" (exit code 2), per
// spec §6.1/§6.6.
type FatalError struct {
	Kind string
	Msg  string
}

func (e *FatalError) Error() string { return e.Msg }

// ExitCode returns the process exit code spec §6.6 assigns to this error.
func (e *FatalError) ExitCode() int {
	if e.Kind == "permission" {
		return 2
	}
	return 1
}

func configErr(format string, args ...interface{}) error {
	return &FatalError{Kind: "config", Msg: fmt.Sprintf(format, args...)}
}

func permErr(format string, args ...interface{}) error {
	return &FatalError{Kind: "permission", Msg: fmt.Sprintf(format, args...)}
}

// Load reads configuration from a YAML file, applies environment overrides,
// and validates every invariant spec §3.1/§6.1 names. Returns a *FatalError
// on any violation; callers should exit with its ExitCode().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErr("read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, configErr("parse config %s: %v", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SITE_ID"); v != "" {
		cfg.SiteID = v
	}
	if v := os.Getenv("HOST_ID"); v != "" {
		cfg.HostID = v
	}
	if v := os.Getenv("MCP_URL"); v != "" {
		cfg.MCPURL = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("MAINTENANCE_WINDOW"); v != "" {
		cfg.MaintenanceWindow = v
	}
	if v := os.Getenv("POLL_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSec = n
		}
	}
	if v := os.Getenv("ALLOW_DISRUPTIVE_OUTSIDE_WINDOW"); v != "" {
		cfg.AllowDisruptiveOutsideWindow = !isFalsy(v)
	}
}

// validate enforces every invariant from spec §3.1/§6.1. File-permission
// checks are skipped on Windows, which has no POSIX mode bits.
func (c *Config) validate() error {
	if c.SiteID == "" {
		return configErr("site_id is required")
	}
	if c.HostID == "" {
		return configErr("host_id is required")
	}
	switch c.DeploymentMode {
	case ModeDirect, ModeReseller:
	default:
		return configErr("deployment_mode must be %q or %q, got %q", ModeDirect, ModeReseller, c.DeploymentMode)
	}
	if c.DeploymentMode == ModeReseller && c.ResellerID == "" {
		return configErr("reseller_id is required when deployment_mode=reseller")
	}
	if !windowPattern.MatchString(c.MaintenanceWindow) {
		return configErr("maintenance_window %q does not match HH:MM-HH:MM", c.MaintenanceWindow)
	}

	for _, path := range []string{c.ClientCertFile, c.ClientKeyFile, c.SigningKeyFile, c.BaselinePath} {
		if path == "" {
			continue
		}
		if err := checkOwnedAndReadable(path); err != nil {
			return err
		}
	}

	return nil
}

// checkOwnedAndReadable enforces spec §6.1: referenced files/directories
// must exist and carry no group/other permission bits (0600 files, 0700
// directories, or stricter). File ownership and readability are not
// checked, and on Windows only existence is checked.
func checkOwnedAndReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return permErr("%s: %v", path, err)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		want := "0600"
		if info.IsDir() {
			want = "0700"
		}
		return permErr("%s has mode %o, want %s (no group/other access)", path, mode, want)
	}
	return nil
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}

// EvidenceDir returns the evidence storage directory (spec §6.3).
func (c *Config) EvidenceDir() string { return filepath.Join(c.StateDir, "evidence") }

// QueueDir returns the offline queue's directory (spec §6.3).
func (c *Config) QueueDir() string { return filepath.Join(c.StateDir, "queue") }

// QueueDBPath returns the durable queue log file path (spec §6.3).
func (c *Config) QueueDBPath() string { return filepath.Join(c.QueueDir(), "queue.db") }

// DeadLetterDir returns the dead-letter directory for bundles that
// exceeded the queue's retry cap (spec §6.3).
func (c *Config) DeadLetterDir() string { return filepath.Join(c.QueueDir(), "dead_letter") }

// OrdersSeenPath returns the append-only applied-order-id set path (spec §6.3).
func (c *Config) OrdersSeenPath() string { return filepath.Join(c.StateDir, "orders_seen.db") }

// StagedL1RulesPath returns the path to proposed L1 rule promotions,
// activated only at the next process start (spec §6.3, §4.11).
func (c *Config) StagedL1RulesPath() string {
	return filepath.Join(c.StateDir, "l1_rules.staged.json")
}

// RunDir returns the directory holding the pid file and liveness file.
func (c *Config) RunDir() string { return filepath.Join(c.StateDir, "run") }

// PidFilePath returns the supervising process's pid file path (spec §6.3).
func (c *Config) PidFilePath() string { return filepath.Join(c.RunDir(), "agent.pid") }

// LivenessFilePath returns the liveness file touched at the end of each
// successful cycle (spec §6.5).
func (c *Config) LivenessFilePath() string { return filepath.Join(c.RunDir(), "healthy") }

// MetricsFilePath returns the optional Prometheus-style text metrics file
// path (spec §6.5).
func (c *Config) MetricsFilePath() string { return filepath.Join(c.RunDir(), "metrics.prom") }
