// Package metrics exposes the supervisor's per-cycle counters as a
// Prometheus text-format file (spec §6.5's optional metrics.prom), so an
// external node_exporter textfile collector can pick them up without the
// appliance ever opening a listening port.
package metrics

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector holds every gauge/counter the supervisor updates once per cycle.
type Collector struct {
	registry *prometheus.Registry

	CyclesTotal        prometheus.Counter
	CycleDurationSec   prometheus.Gauge
	LastCycleUnix      prometheus.Gauge
	QueueDepth         prometheus.Gauge
	DriftFindingsTotal *prometheus.CounterVec
	HealOutcomesTotal  *prometheus.CounterVec
}

// New creates a Collector registered against a private registry, so the
// agent's metrics never collide with anything else sharing the process.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_cycles_total",
			Help: "Total number of supervisor poll cycles completed.",
		}),
		CycleDurationSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentcore_cycle_duration_seconds",
			Help: "Wall-clock duration of the most recent poll cycle.",
		}),
		LastCycleUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentcore_last_cycle_timestamp_seconds",
			Help: "Unix timestamp at which the most recent cycle completed.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentcore_offline_queue_depth",
			Help: "Number of evidence bundles currently waiting in the offline queue.",
		}),
		DriftFindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_drift_findings_total",
			Help: "Drift findings observed, by check and drifted state.",
		}, []string{"check", "drifted"}),
		HealOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_heal_outcomes_total",
			Help: "Heal invocations, by resolving tier and outcome.",
		}, []string{"tier", "outcome"}),
	}

	reg.MustRegister(c.CyclesTotal, c.CycleDurationSec, c.LastCycleUnix, c.QueueDepth, c.DriftFindingsTotal, c.HealOutcomesTotal)
	return c
}

// RecordCycle records one completed poll cycle and its duration.
func (c *Collector) RecordCycle(dur time.Duration) {
	c.CyclesTotal.Inc()
	c.CycleDurationSec.Set(dur.Seconds())
	c.LastCycleUnix.Set(float64(time.Now().Unix()))
}

// RecordQueueDepth records the offline queue's current backlog size.
func (c *Collector) RecordQueueDepth(n int) {
	c.QueueDepth.Set(float64(n))
}

// RecordDriftFinding records one drift check's result.
func (c *Collector) RecordDriftFinding(check string, drifted bool) {
	c.DriftFindingsTotal.WithLabelValues(check, fmt.Sprintf("%v", drifted)).Inc()
}

// RecordHealOutcome records one heal invocation's resolving tier and outcome.
func (c *Collector) RecordHealOutcome(tier, outcome string) {
	c.HealOutcomesTotal.WithLabelValues(tier, outcome).Inc()
}

// WriteTo renders every registered metric as Prometheus text format and
// writes it to path atomically (write-to-.tmp, then rename).
func (c *Collector) WriteTo(path string) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
