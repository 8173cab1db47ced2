// Package supervisor owns the appliance's main loop (spec §4.12): one poll
// cycle checks in with the control plane, refreshes the egress allowlist,
// runs drift detection, routes drift findings through the tiered
// orchestrator, hands validated orders straight to the healer (orders do not
// pass through the orchestrator), and drains the offline evidence queue. The
// Windows target list a check-in returns is not used by the cycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/osiriscare/agentcore/internal/config"
	"github.com/osiriscare/agentcore/internal/controlplane"
	"github.com/osiriscare/agentcore/internal/drift"
	"github.com/osiriscare/agentcore/internal/evidence"
	"github.com/osiriscare/agentcore/internal/orchestrator"
	"github.com/osiriscare/agentcore/internal/orders"
	"github.com/osiriscare/agentcore/internal/queue"
	"github.com/osiriscare/agentcore/internal/sdnotify"
)

// shutdownDrain bounds how long Run waits for in-flight work to finish once
// ctx is cancelled (spec §4.12: "responds to shutdown signals within 5s").
const shutdownDrain = 5 * time.Second

// uploadBatchSize bounds how many offline-queue entries one cycle drains, so
// a huge backlog doesn't starve check-ins.
const uploadBatchSize = 20

// Drift suppression tuning, ported from the cooldown/flap state machine this
// supervisor replaces (spec §4.9's "avoid re-alerting every cycle").
const (
	defaultCooldown = 10 * time.Minute
	flapCooldown    = 1 * time.Hour
	flapThreshold   = 3
	flapWindow      = 30 * time.Minute
	cooldownCleanup = 2 * time.Hour
)

// MetricsWriter renders the supervisor's counters to a file once per cycle.
// Implemented by internal/metrics.Collector; nil disables metrics output.
type MetricsWriter interface {
	WriteTo(path string) error
	RecordCycle(dur time.Duration)
	RecordQueueDepth(n int)
	RecordDriftFinding(check string, drifted bool)
	RecordHealOutcome(tier, outcome string)
}

// ControlPlaneClient is the subset of *controlplane.Client the supervisor
// calls, narrowed to an interface so tests can substitute a fake instead of
// standing up mTLS and an HTTP server.
type ControlPlaneClient interface {
	CheckIn(ctx context.Context, siteID, hostID, agentVersion string, metrics map[string]interface{}, localNow time.Time) (*controlplane.CheckinResult, error)
	UploadEvidence(ctx context.Context, bundlePath, signaturePath string) (controlplane.UploadOutcome, error)
}

// EgressRefresher is the subset of *egress.Refresher the supervisor calls.
type EgressRefresher interface {
	RefreshNow(ctx context.Context) ([]string, error)
}

// HealerFunc is the subset of *healer.Healer the supervisor calls.
type HealerFunc interface {
	Heal(ctx context.Context, runbookID string, params map[string]interface{}, triggeringOrder *orders.Order) (*evidence.Bundle, error)
}

// OrchestratorFunc is the subset of *orchestrator.Orchestrator the supervisor
// calls.
type OrchestratorFunc interface {
	Resolve(ctx context.Context, incident orchestrator.Incident) (*orchestrator.Resolution, error)
}

// Deps carries every collaborator the supervisor wires together.
// ControlPlane, Orchestrator, EgressRefresher, Queue, EvidenceStore, and
// Metrics may all be nil; each nil collaborator simply disables the cycle
// step it backs, so a minimal build can run with only drift detection and
// local healing wired up.
type Deps struct {
	Config          *config.Config
	ControlPlane    ControlPlaneClient
	Whitelist       *orders.Whitelist
	OrderValidator  *orders.Validator
	SeenStore       *orders.SeenStore
	Orchestrator    OrchestratorFunc
	Healer          HealerFunc
	DriftCheckers   []drift.Checker
	EgressRefresher EgressRefresher
	Queue           *queue.Queue
	EvidenceStore   *evidence.Store
	Metrics         MetricsWriter
	Now             func() time.Time // overridable in tests
}

// Supervisor runs the main poll loop.
type Supervisor struct {
	deps Deps
	now  func() time.Time

	wg        sync.WaitGroup
	healMu    sync.Mutex // global cap: one healer invocation at a time (spec §4.12)
	coolMu    sync.Mutex
	cooldowns map[string]*cooldownState
}

type cooldownState struct {
	lastSeen time.Time
	count    int
	dur      time.Duration
}

// New constructs a Supervisor from deps.
func New(deps Deps) *Supervisor {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Supervisor{
		deps:      deps,
		now:       deps.Now,
		cooldowns: make(map[string]*cooldownState),
	}
}

// Run blocks, running one cycle immediately and then every poll_interval_sec
// (±10% jitter, to avoid a fleet-wide thundering herd against the control
// plane) until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.deps.Config.RunDir(), 0o700); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	s.runCycle(ctx)

	if err := sdnotify.Ready(); err != nil {
		log.Printf("[supervisor] sd_notify READY failed: %v", err)
	}

	for {
		interval := jitter(time.Duration(s.deps.Config.PollIntervalSec) * time.Second)
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return s.shutdown()
		case <-timer.C:
			_ = sdnotify.Watchdog()
			s.runCycle(ctx)
		}
	}
}

func (s *Supervisor) shutdown() error {
	log.Println("[supervisor] shutting down")
	_ = sdnotify.Stopping()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrain):
		log.Printf("[supervisor] goroutine drain timed out after %s", shutdownDrain)
	}
	return nil
}

// jitter returns d scaled by a uniform random factor in [0.9, 1.1].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * factor)
}

// runCycle executes one full pass: check-in, drift detection, order and
// incident routing, and offline-queue drain (spec §4.12).
func (s *Supervisor) runCycle(ctx context.Context) {
	start := s.now()

	result, err := s.runCheckin(ctx)
	if err != nil {
		log.Printf("[supervisor] checkin failed: %v", err)
		var skewErr *controlplane.SkewError
		if errors.As(err, &skewErr) {
			s.recordCheckinSkewAlert(skewErr)
		}
	} else if result != nil {
		s.processOrders(ctx, result.Orders)
	}

	if s.deps.EgressRefresher != nil {
		if _, err := s.deps.EgressRefresher.RefreshNow(ctx); err != nil {
			log.Printf("[supervisor] egress refresh failed: %v", err)
			s.recordEgressFailure(err)
		}
	}

	s.runDriftDetection(ctx)
	s.drainQueue(ctx)

	elapsed := s.now().Sub(start)
	s.touchLiveness()
	s.reportMetrics(elapsed)

	log.Printf("[supervisor] cycle complete in %s", elapsed)
}

// runCheckin phones home. A nil ControlPlane means the local drift/heal
// surfaces still run but no orders or windows targets are ever received —
// useful for offline-capable minimal deployments.
func (s *Supervisor) runCheckin(ctx context.Context) (*controlplane.CheckinResult, error) {
	if s.deps.ControlPlane == nil {
		return nil, nil
	}
	cfg := s.deps.Config
	result, err := s.deps.ControlPlane.CheckIn(ctx, cfg.SiteID, cfg.HostID, "agentcore", map[string]interface{}{}, s.now())
	if err != nil {
		return nil, err
	}
	return result, nil
}

// processOrders validates and dispatches every order from this cycle's
// check-in response (spec §4.7 "Order acceptance").
func (s *Supervisor) processOrders(ctx context.Context, orderList []orders.Order) {
	if s.deps.OrderValidator == nil || s.deps.Healer == nil {
		return
	}
	for i := range orderList {
		o := orderList[i]
		if err := s.deps.OrderValidator.Validate(&o, s.now()); err != nil {
			if orders.AlreadyApplied(err) {
				continue
			}
			log.Printf("[supervisor] order %s rejected: %v", o.OrderID, err)
			var rej *orders.Rejection
			if errors.As(err, &rej) {
				s.recordOrderRejection(o, rej)
			}
			continue
		}

		s.healMu.Lock()
		bundle, err := s.deps.Healer.Heal(ctx, o.RunbookID, o.Params, &o)
		s.healMu.Unlock()
		if err != nil {
			log.Printf("[supervisor] order %s heal error: %v", o.OrderID, err)
			continue
		}

		if s.deps.SeenStore != nil {
			if err := s.deps.SeenStore.Record(o.OrderID); err != nil {
				log.Printf("[supervisor] order %s: failed to record seen: %v", o.OrderID, err)
			}
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordHealOutcome("order", string(bundle.Outcome))
		}
	}
}

// runDriftDetection runs every configured check and routes drifted findings
// through the orchestrator, applying the cooldown/flap gate so a flapping
// check doesn't re-trigger healing every cycle (spec §4.9).
func (s *Supervisor) runDriftDetection(ctx context.Context) {
	if len(s.deps.DriftCheckers) == 0 {
		return
	}

	results := drift.DetectAll(ctx, s.deps.DriftCheckers)
	for _, r := range results {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordDriftFinding(r.Check, r.Drifted)
		}

		if !r.Drifted {
			if errMsg, ok := r.PreState["error"].(string); ok && errMsg != "" {
				s.recordAlert(r)
			}
			continue
		}

		key := s.deps.Config.HostID + ":" + r.Check
		if s.shouldSuppressDrift(key) {
			continue
		}

		s.resolveIncident(ctx, r)
	}
}

// recordAlert persists a standalone alert bundle for a check that could not
// run at all (spec §4.9's failure semantics: never recommends a runbook).
func (s *Supervisor) recordAlert(r drift.DriftResult) {
	errMsg, _ := r.PreState["error"].(string)
	fields := evidence.Bundle{
		SiteID:         s.deps.Config.SiteID,
		HostID:         s.deps.Config.HostID,
		DeploymentMode: string(s.deps.Config.DeploymentMode),
		ResellerID:     s.deps.Config.ResellerID,
		TimestampStart: r.CheckedAt,
		TimestampEnd:   r.CheckedAt,
		PolicyVersion:  s.deps.Config.PolicyVersion,
		Check:          r.Check,
		HIPAAControls:  r.HIPAAControls,
		PreState:       r.PreState,
		Outcome:        evidence.OutcomeAlert,
		Error:          errMsg,
	}
	s.storeAndEnqueue(fields, r.Check)
}

// recordOrderRejection persists an evidence bundle for an order the
// validator rejected or expired (spec §3.2, §4.7, §7).
func (s *Supervisor) recordOrderRejection(o orders.Order, rej *orders.Rejection) {
	now := s.now()
	fields := evidence.Bundle{
		SiteID:         s.deps.Config.SiteID,
		HostID:         s.deps.Config.HostID,
		DeploymentMode: string(s.deps.Config.DeploymentMode),
		ResellerID:     s.deps.Config.ResellerID,
		TimestampStart: now,
		TimestampEnd:   now,
		PolicyVersion:  s.deps.Config.PolicyVersion,
		Outcome:        evidence.Outcome(rej.Outcome),
		Error:          rej.Reason,
		OrderID:        o.OrderID,
		RunbookID:      o.RunbookID,
	}
	s.storeAndEnqueue(fields, "order "+o.OrderID)
}

// recordEgressFailure persists an alert bundle when every allowed host
// fails to resolve during an egress refresh (spec §4.4).
func (s *Supervisor) recordEgressFailure(err error) {
	now := s.now()
	fields := evidence.Bundle{
		SiteID:         s.deps.Config.SiteID,
		HostID:         s.deps.Config.HostID,
		DeploymentMode: string(s.deps.Config.DeploymentMode),
		ResellerID:     s.deps.Config.ResellerID,
		TimestampStart: now,
		TimestampEnd:   now,
		PolicyVersion:  s.deps.Config.PolicyVersion,
		Check:          "egress_refresh",
		Outcome:        evidence.OutcomeAlert,
		Error:          err.Error(),
	}
	s.storeAndEnqueue(fields, "egress_refresh")
}

// recordCheckinSkewAlert persists an alert bundle when the control plane's
// checkin response is rejected for exceeding ntp_max_skew_ms (spec §6.2).
func (s *Supervisor) recordCheckinSkewAlert(skewErr *controlplane.SkewError) {
	now := s.now()
	offsetMs := skewErr.SkewMs
	fields := evidence.Bundle{
		SiteID:         s.deps.Config.SiteID,
		HostID:         s.deps.Config.HostID,
		DeploymentMode: string(s.deps.Config.DeploymentMode),
		ResellerID:     s.deps.Config.ResellerID,
		TimestampStart: now,
		TimestampEnd:   now,
		PolicyVersion:  s.deps.Config.PolicyVersion,
		Check:          "checkin_clock_skew",
		NTPOffsetMs:    &offsetMs,
		Outcome:        evidence.OutcomeAlert,
		Error:          skewErr.Error(),
	}
	s.storeAndEnqueue(fields, "checkin_clock_skew")
}

// storeAndEnqueue signs, persists, and queues an evidence bundle built from
// fields, logging rather than failing the cycle on any step's error. label
// identifies the bundle in log lines.
func (s *Supervisor) storeAndEnqueue(fields evidence.Bundle, label string) {
	if s.deps.EvidenceStore == nil {
		return
	}
	bundle, err := s.deps.EvidenceStore.Create(fields)
	if err != nil {
		log.Printf("[supervisor] alert bundle build failed for %s: %v", label, err)
		return
	}
	bundlePath, sigPath, err := s.deps.EvidenceStore.Store(bundle, true)
	if err != nil {
		log.Printf("[supervisor] alert bundle store failed for %s: %v", label, err)
		return
	}
	if s.deps.Queue != nil {
		if _, err := s.deps.Queue.Enqueue(bundle.BundleID, bundlePath, sigPath); err != nil {
			log.Printf("[supervisor] alert bundle enqueue failed for %s: %v", label, err)
		}
	}
}

// resolveIncident routes one drifted finding through the orchestrator,
// enforcing the global single-heal-in-flight cap.
func (s *Supervisor) resolveIncident(ctx context.Context, r drift.DriftResult) {
	if s.deps.Orchestrator == nil {
		return
	}

	runbookID := ""
	if r.RecommendedRunbookID != nil {
		runbookID = *r.RecommendedRunbookID
	}

	incident := orchestrator.Incident{
		IncidentID:   fmt.Sprintf("%s-%s-%d", s.deps.Config.HostID, r.Check, s.now().UnixMilli()),
		SiteID:       s.deps.Config.SiteID,
		HostID:       s.deps.Config.HostID,
		IncidentType: r.Check,
		Severity:     string(r.Severity),
		Signature:    r.Check + ":" + runbookID,
		Data:         r.PreState,
		DetectedAt:   r.CheckedAt.Format(time.RFC3339),
	}

	s.healMu.Lock()
	res, err := s.deps.Orchestrator.Resolve(ctx, incident)
	s.healMu.Unlock()
	if err != nil {
		log.Printf("[supervisor] orchestrator resolve failed for %s: %v", r.Check, err)
		return
	}

	if s.deps.Metrics != nil {
		outcome := "escalated"
		if res.Bundle != nil {
			outcome = string(res.Bundle.Outcome)
		}
		s.deps.Metrics.RecordHealOutcome(string(res.Tier), outcome)
	}
}

// shouldSuppressDrift reports whether key is still within its cooldown
// window, escalating the cooldown to flapCooldown once flapThreshold
// occurrences land inside flapWindow.
func (s *Supervisor) shouldSuppressDrift(key string) bool {
	s.coolMu.Lock()
	defer s.coolMu.Unlock()

	now := s.now()

	if len(s.cooldowns) > 100 {
		for k, entry := range s.cooldowns {
			if now.Sub(entry.lastSeen) > cooldownCleanup {
				delete(s.cooldowns, k)
			}
		}
	}

	entry, exists := s.cooldowns[key]
	if !exists {
		s.cooldowns[key] = &cooldownState{lastSeen: now, count: 1, dur: defaultCooldown}
		return false
	}

	elapsed := now.Sub(entry.lastSeen)
	if elapsed < entry.dur {
		if elapsed < flapWindow {
			entry.count++
			if entry.count >= flapThreshold {
				entry.dur = flapCooldown
			}
		}
		return true
	}

	entry.lastSeen = now
	entry.count = 1
	entry.dur = defaultCooldown
	return false
}

// drainQueue uploads every due offline-queue entry, oldest first, up to
// uploadBatchSize per cycle (spec §4.5).
func (s *Supervisor) drainQueue(ctx context.Context) {
	if s.deps.Queue == nil || s.deps.ControlPlane == nil {
		return
	}

	due := s.deps.Queue.PeekDue(uploadBatchSize, s.now())
	for _, e := range due {
		outcome, err := s.deps.ControlPlane.UploadEvidence(ctx, e.BundlePath, e.SignaturePath)
		switch outcome {
		case controlplane.UploadAck:
			if ackErr := s.deps.Queue.Ack(e.ID); ackErr != nil {
				log.Printf("[supervisor] ack queue entry %d failed: %v", e.ID, ackErr)
			}
		case controlplane.UploadPermanent:
			log.Printf("[supervisor] evidence %s permanently rejected: %v", e.BundleID, err)
			s.nackAndAlert(e, err)
		default:
			s.nackAndAlert(e, err)
		}
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordQueueDepth(s.deps.Queue.Len())
	}
}

// nackAndAlert schedules a retry for e, or, once it exceeds MaxRetryCount
// and moves to the dead-letter directory, records an alert bundle for the
// loss (spec §4.5).
func (s *Supervisor) nackAndAlert(e queue.Entry, uploadErr error) {
	deadLettered, err := s.deps.Queue.Nack(e.ID, uploadErr)
	if err != nil {
		log.Printf("[supervisor] nack queue entry %d failed: %v", e.ID, err)
		return
	}
	if !deadLettered {
		return
	}

	errMsg := ""
	if uploadErr != nil {
		errMsg = uploadErr.Error()
	}
	now := s.now()
	fields := evidence.Bundle{
		SiteID:         s.deps.Config.SiteID,
		HostID:         s.deps.Config.HostID,
		DeploymentMode: string(s.deps.Config.DeploymentMode),
		ResellerID:     s.deps.Config.ResellerID,
		TimestampStart: now,
		TimestampEnd:   now,
		PolicyVersion:  s.deps.Config.PolicyVersion,
		Check:          "offline_queue",
		Outcome:        evidence.OutcomeAlert,
		Error:          fmt.Sprintf("bundle %s exceeded retry cap and moved to dead letter: %s", e.BundleID, errMsg),
	}
	s.storeAndEnqueue(fields, "dead_letter:"+e.BundleID)
}

// touchLiveness updates the liveness file's mtime, the external health
// check's signal that the supervisor completed a cycle recently (spec §6.5).
func (s *Supervisor) touchLiveness() {
	path := s.deps.Config.LivenessFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.Printf("[supervisor] liveness dir create failed: %v", err)
		return
	}
	if err := os.WriteFile(path, []byte(s.now().Format(time.RFC3339)), 0o600); err != nil {
		log.Printf("[supervisor] liveness write failed: %v", err)
	}
}

func (s *Supervisor) reportMetrics(cycleDur time.Duration) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.RecordCycle(cycleDur)
	if err := s.deps.Metrics.WriteTo(s.deps.Config.MetricsFilePath()); err != nil {
		log.Printf("[supervisor] metrics write failed: %v", err)
	}
}
