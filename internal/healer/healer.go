// Package healer implements the self-healing runbook executor (spec §4.10):
// gating (clock sanity, maintenance window), pre/post state capture, ordered
// step execution across the local command runner and the Windows target
// executor, rebuild rollback, and evidence-bundle emission.
package healer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/osiriscare/agentcore/internal/cmdrunner"
	"github.com/osiriscare/agentcore/internal/evidence"
	"github.com/osiriscare/agentcore/internal/maintenance"
	"github.com/osiriscare/agentcore/internal/orders"
	"github.com/osiriscare/agentcore/internal/queue"
	"github.com/osiriscare/agentcore/internal/runbooks"
	"github.com/osiriscare/agentcore/internal/sshexec"
	"github.com/osiriscare/agentcore/internal/winrmexec"
)

// defaultStepTimeout bounds a runbook step with no explicit timeout_sec
// (spec §5 "Timeouts": subprocess default 300s).
const defaultStepTimeout = 300 * time.Second

// HealthChecker reports whether the system is healthy after a rebuild step,
// polled until it returns true or the deadline in Config.RebuildHealthCheckTimeout
// elapses (spec §4.10 step 7).
type HealthChecker func(ctx context.Context) (bool, error)

// ClockOffset returns the current |local - server| NTP offset in
// milliseconds, used for the clock-sanity gate (spec §4.10 step 3, §6.2).
type ClockOffset func() (int64, error)

// WindowsTargetResolver resolves a hostname (from runbook params) to a
// reachable WinRM target for windows-platform steps.
type WindowsTargetResolver func(hostname string) (*winrmexec.Target, error)

// LinuxTargetResolver resolves a hostname (from runbook params) to a
// reachable SSH target for ssh-platform steps (self-host remediation on a
// Linux workstation the appliance does not run on directly).
type LinuxTargetResolver func(hostname string) (*sshexec.Target, error)

// StateCapture gathers the "relevant subset" of system state spec §4.10
// step 5/9 calls for (service states, generation number, ruleset hash, disk
// status). Callers typically wire this to rerun the drift checker matching
// the runbook's check family.
type StateCapture func(ctx context.Context, rb *runbooks.Runbook) map[string]interface{}

// Config carries the site/host identity stamped onto every evidence bundle
// and the gating thresholds from the loaded agent configuration.
type Config struct {
	SiteID                    string
	HostID                    string
	DeploymentMode            string
	ResellerID                string
	PolicyVersion             string
	Window                    maintenance.Window
	AllowDisruptiveOutsideWindow bool
	RebuildHealthCheckTimeout time.Duration
	NTPMaxSkewMs              int
}

// Healer runs the heal(runbook_id, params, triggering_order?) operation.
type Healer struct {
	cfg                  Config
	store                *evidence.Store
	queue                *queue.Queue
	winrm                *winrmexec.Executor
	resolveWindowsTarget WindowsTargetResolver
	ssh                  *sshexec.Executor
	resolveLinuxTarget   LinuxTargetResolver
	healthCheck          HealthChecker
	clockOffset          ClockOffset
	captureState         StateCapture
	lookupRunbook        func(id string) (*runbooks.Runbook, bool)
	now                  func() time.Time
}

// New constructs a Healer. healthCheck, resolveWindowsTarget, and
// resolveLinuxTarget may be nil if the deployment never runs
// rebuild-involving, windows-platform, or ssh-platform runbooks;
// captureState may be nil to fall back to a minimal snapshot.
func New(cfg Config, store *evidence.Store, q *queue.Queue, winrm *winrmexec.Executor, resolveWindowsTarget WindowsTargetResolver, ssh *sshexec.Executor, resolveLinuxTarget LinuxTargetResolver, healthCheck HealthChecker, clockOffset ClockOffset, captureState StateCapture) *Healer {
	return &Healer{
		cfg:                  cfg,
		store:                store,
		queue:                q,
		winrm:                winrm,
		resolveWindowsTarget: resolveWindowsTarget,
		ssh:                  ssh,
		resolveLinuxTarget:   resolveLinuxTarget,
		healthCheck:          healthCheck,
		clockOffset:          clockOffset,
		captureState:         captureState,
		lookupRunbook:        runbooks.Lookup,
		now:                  func() time.Time { return time.Now().UTC() },
	}
}

// Heal runs the full nine-step protocol from spec §4.10 and returns the
// finalized, stored, and enqueued evidence bundle. A non-nil error is only
// returned for infrastructure failures (evidence store I/O); every gating or
// execution outcome is represented in the returned bundle's Outcome field.
func (h *Healer) Heal(ctx context.Context, runbookID string, params map[string]interface{}, triggeringOrder *orders.Order) (*evidence.Bundle, error) {
	start := h.now()

	// Step 1: whitelist lookup.
	rb, ok := h.lookupRunbook(runbookID)
	if !ok {
		return h.finalize(start, runbookID, "", triggeringOrder, evidence.OutcomeRejected,
			fmt.Sprintf("unknown runbook_id %q", runbookID), nil, nil, nil, false, "")
	}

	// Step 2: disruptive classification.
	disruptive := rb.Disruptive

	// Step 3: clock sanity, disruptive runbooks only.
	if disruptive && h.clockOffset != nil {
		offsetMs, err := h.clockOffset()
		if err != nil || math.Abs(float64(offsetMs)) > float64(h.cfg.NTPMaxSkewMs) {
			msg := fmt.Sprintf("clock offset %dms exceeds ntp_max_skew_ms %d", offsetMs, h.cfg.NTPMaxSkewMs)
			if err != nil {
				msg = fmt.Sprintf("clock sanity check failed: %v", err)
			}
			return h.finalize(start, runbookID, rb.ID, triggeringOrder, evidence.OutcomeAlert, msg, rb.HIPAAControls, nil, nil, false, "")
		}
	}

	// Step 4: maintenance window, disruptive runbooks only.
	if disruptive && !h.cfg.Window.InWindow(start) && !h.cfg.AllowDisruptiveOutsideWindow {
		return h.finalize(start, runbookID, rb.ID, triggeringOrder, evidence.OutcomeDeferred,
			"disruptive runbook outside maintenance window", rb.HIPAAControls, nil, nil, false, "")
	}

	// Step 5: pre_state capture.
	preState := h.capturePreOrPost(ctx, rb)

	// Step 6: execute ordered steps.
	hostname, _ := params["hostname"].(string)
	steps, aborted, stepErr := h.runSteps(ctx, rb, hostname)

	outcome := evidence.OutcomeSuccess
	errMsg := ""
	rollbackAvail := rb.InvolvesRebuild && rb.RollbackCommand != ""
	rollbackGen := ""

	if aborted {
		outcome = evidence.OutcomeFailed
		errMsg = stepErr.Error()
	}

	// Step 7: rebuild health check + rollback.
	if !aborted && rb.InvolvesRebuild {
		healthy := true
		var healthErr error
		if h.healthCheck != nil {
			healthy, healthErr = h.awaitHealthy(ctx)
		}
		if !healthy {
			rollbackStep, rbErr := h.runRollback(ctx, rb)
			steps = append(steps, rollbackStep)
			outcome = evidence.OutcomeReverted
			rollbackGen = rb.RollbackCommand
			switch {
			case rbErr != nil:
				errMsg = fmt.Sprintf("health check failed and rollback errored: %v", rbErr)
			case healthErr != nil:
				errMsg = fmt.Sprintf("health check error: %v, rolled back", healthErr)
			default:
				errMsg = "rebuild health check did not pass within timeout, rolled back"
			}
		}
	}

	// Step 8 already folded into the outcome above (success vs failed vs reverted).

	// Step 9: post_state, finalize, sign, store, enqueue.
	var postState map[string]interface{}
	switch outcome {
	case evidence.OutcomeSuccess, evidence.OutcomeFailed, evidence.OutcomeReverted:
		postState = h.capturePreOrPost(ctx, rb)
	}

	return h.finalize(start, runbookID, rb.ID, triggeringOrder, outcome, errMsg, rb.HIPAAControls, preState, postState, rollbackAvail, rollbackGen, steps...)
}

func (h *Healer) capturePreOrPost(ctx context.Context, rb *runbooks.Runbook) map[string]interface{} {
	if h.captureState != nil {
		return h.captureState(ctx, rb)
	}
	return map[string]interface{}{"runbook_id": rb.ID, "captured_at": h.now().Format(time.RFC3339)}
}

// runSteps executes rb.Steps strictly in order, aborting on the first
// non-optional step failure (spec §4.10 step 6).
func (h *Healer) runSteps(ctx context.Context, rb *runbooks.Runbook, hostname string) (steps []evidence.ActionStep, aborted bool, err error) {
	for i, step := range rb.Steps {
		timeout := time.Duration(step.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = defaultStepTimeout
		}

		stepStart := h.now()
		var exitCode int
		var summary string
		var stepErr error

		switch step.Platform {
		case "local":
			res := cmdrunner.Run(ctx, timeout, nil, "bash", "-c", step.Command)
			exitCode = res.ExitCode
			summary = res.Stdout
			if res.Stderr != "" {
				summary = summary + "\n" + res.Stderr
			}
			if res.Err != nil {
				stepErr = res.Err
			} else if res.ExitCode != 0 {
				stepErr = fmt.Errorf("step %q exited %d", step.Name, res.ExitCode)
			}
		case "windows":
			if h.resolveWindowsTarget == nil || h.winrm == nil {
				stepErr = fmt.Errorf("step %q requires a windows target but no executor is configured", step.Name)
				exitCode = -1
				break
			}
			target, resolveErr := h.resolveWindowsTarget(hostname)
			if resolveErr != nil {
				stepErr = fmt.Errorf("resolve windows target %q: %w", hostname, resolveErr)
				exitCode = -1
				break
			}
			res := h.winrm.Execute(stepStart, target, step.WindowsScript, step.Name, step.TimeoutSec, 0, 0)
			exitCode = res.ExitCode
			if out, ok := res.Output["std_out"].(string); ok {
				summary = out
			}
			if !res.Success {
				stepErr = fmt.Errorf("step %q failed: %s", step.Name, res.Error)
			}
		case "ssh":
			if h.resolveLinuxTarget == nil || h.ssh == nil {
				stepErr = fmt.Errorf("step %q requires a linux target but no ssh executor is configured", step.Name)
				exitCode = -1
				break
			}
			target, resolveErr := h.resolveLinuxTarget(hostname)
			if resolveErr != nil {
				stepErr = fmt.Errorf("resolve ssh target %q: %w", hostname, resolveErr)
				exitCode = -1
				break
			}
			res := h.ssh.Execute(ctx, target, step.Command, rb.ID, step.Name, step.TimeoutSec, 0, 0, false, rb.HIPAAControls)
			if out, ok := res.Output["stdout"].(string); ok {
				summary = out
			}
			exitCode = res.ExitCode
			if !res.Success {
				stepErr = fmt.Errorf("step %q failed: %s", step.Name, res.Error)
			}
		default:
			stepErr = fmt.Errorf("step %q has unknown platform %q", step.Name, step.Platform)
			exitCode = -1
		}

		duration := h.now().Sub(stepStart).Seconds()
		ec := exitCode
		steps = append(steps, evidence.ActionStep{
			StepIndex:     i,
			ActionName:    step.Name,
			Command:       step.Command,
			ExitCode:      &ec,
			DurationSec:   duration,
			ResultSummary: summary,
		})

		if stepErr != nil && !step.Optional {
			return steps, true, stepErr
		}
	}
	return steps, false, nil
}

// awaitHealthy polls HealthChecker until it reports healthy or the
// rebuild health check timeout elapses (spec §4.10 step 7).
func (h *Healer) awaitHealthy(ctx context.Context) (bool, error) {
	deadline := h.now().Add(h.cfg.RebuildHealthCheckTimeout)
	var lastErr error
	for h.now().Before(deadline) {
		healthy, err := h.healthCheck(ctx)
		if err == nil && healthy {
			return true, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return false, lastErr
}

// runRollback invokes the runbook's rollback command locally and records it
// as the final action_taken step.
func (h *Healer) runRollback(ctx context.Context, rb *runbooks.Runbook) (evidence.ActionStep, error) {
	stepStart := h.now()
	res := cmdrunner.Run(ctx, defaultStepTimeout, nil, "bash", "-c", rb.RollbackCommand)
	ec := res.ExitCode
	summary := res.Stdout
	if res.Stderr != "" {
		summary += "\n" + res.Stderr
	}
	step := evidence.ActionStep{
		StepIndex:     len(rb.Steps),
		ActionName:    "rollback",
		Command:       rb.RollbackCommand,
		ExitCode:      &ec,
		DurationSec:   h.now().Sub(stepStart).Seconds(),
		ResultSummary: summary,
	}
	var err error
	if res.Err != nil {
		err = res.Err
	} else if res.ExitCode != 0 {
		err = fmt.Errorf("rollback command exited %d", res.ExitCode)
	}
	return step, err
}

// finalize builds, validates, signs, stores, and enqueues the evidence
// bundle for this heal invocation.
func (h *Healer) finalize(start time.Time, runbookID, matchedRunbookID string, triggeringOrder *orders.Order, outcome evidence.Outcome, errMsg string, hipaaControls []string, preState, postState map[string]interface{}, rollbackAvail bool, rollbackGen string, steps ...evidence.ActionStep) (*evidence.Bundle, error) {
	check := runbookID
	if matchedRunbookID != "" {
		check = matchedRunbookID
	}

	orderID := ""
	if triggeringOrder != nil {
		orderID = triggeringOrder.OrderID
	}

	fields := evidence.Bundle{
		SiteID:         h.cfg.SiteID,
		HostID:         h.cfg.HostID,
		DeploymentMode: h.cfg.DeploymentMode,
		ResellerID:     h.cfg.ResellerID,
		TimestampStart: start,
		TimestampEnd:   h.now(),
		PolicyVersion:  h.cfg.PolicyVersion,
		Check:          check,
		HIPAAControls:  hipaaControls,
		PreState:       preState,
		PostState:      postState,
		ActionTaken:    steps,
		RollbackAvail:  rollbackAvail,
		RollbackGen:    rollbackGen,
		Outcome:        outcome,
		Error:          errMsg,
		OrderID:        orderID,
		RunbookID:      runbookID,
	}

	bundle, err := h.store.Create(fields)
	if err != nil {
		return nil, fmt.Errorf("build evidence bundle: %w", err)
	}

	bundlePath, sigPath, err := h.store.Store(bundle, true)
	if err != nil {
		return nil, fmt.Errorf("store evidence bundle: %w", err)
	}

	if h.queue != nil {
		if _, err := h.queue.Enqueue(bundle.BundleID, bundlePath, sigPath); err != nil {
			return bundle, fmt.Errorf("enqueue evidence bundle: %w", err)
		}
	}

	return bundle, nil
}
