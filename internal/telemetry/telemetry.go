// Package telemetry exposes pipeline and rollout internals as Prometheus
// metrics and periodic snapshots. The ticker-driven collection loop and
// subscriber fan-out are adapted from stats.Collector.Run/Subscribe; the
// metric surface itself is new (spec.md treats operator-facing metrics as
// out of scope for the core logic, but the ambient concern of exposing
// internal counters is carried regardless, per the teacher's convention of
// instrumenting every long-running component).
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/model"
	"github.com/otto-bgp/control-plane/internal/rollout"
)

// Metrics is the process-wide set of Prometheus collectors. Construct one
// per process and register it on the default or a dedicated registry.
type Metrics struct {
	DevicesProcessed  prometheus.Counter
	DevicesFailed     prometheus.Counter
	PoliciesGenerated prometheus.Counter
	PolicyCacheHits   prometheus.Counter
	RPKIInvalidTotal  prometheus.Counter
	GuardrailBlocked  prometheus.Counter
	PipelineDuration  prometheus.Histogram
	RolloutTargets    *prometheus.GaugeVec
}

// NewMetrics constructs and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DevicesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto_bgp", Name: "devices_processed_total", Help: "Devices successfully collected and adapted.",
		}),
		DevicesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto_bgp", Name: "devices_failed_total", Help: "Devices that failed collection, generation, or validation.",
		}),
		PoliciesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto_bgp", Name: "policies_generated_total", Help: "Policy generations that reached bgpq4 (cache misses).",
		}),
		PolicyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto_bgp", Name: "policy_cache_hits_total", Help: "Policy generations served from cache.",
		}),
		RPKIInvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto_bgp", Name: "rpki_invalid_total", Help: "RPKI validations that returned INVALID and were not allowlisted.",
		}),
		GuardrailBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto_bgp", Name: "guardrail_blocked_total", Help: "Change sets the guardrail engine marked unsafe.",
		}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "otto_bgp", Name: "pipeline_duration_seconds", Help: "Wall-clock duration of one pipeline Run call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		RolloutTargets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "otto_bgp", Name: "rollout_targets", Help: "Current rollout target count by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.DevicesProcessed, m.DevicesFailed, m.PoliciesGenerated, m.PolicyCacheHits,
		m.RPKIInvalidTotal, m.GuardrailBlocked, m.PipelineDuration, m.RolloutTargets)
	return m
}

// Snapshot is a point-in-time view of rollout progress, handed to
// subscribers the same way stats.Snapshot is.
type Snapshot struct {
	Timestamp      time.Time
	StageIndex     int
	StageCount     int
	TargetsByState map[model.TargetState]int
}

// Collector periodically polls a rollout.Coordinator's RunStatus and
// updates the RolloutTargets gauge, fanning the raw snapshot out to
// subscribers — the same Run/Subscribe shape as stats.Collector, applied
// to rollout progress instead of BPF counters.
type Collector struct {
	log      *zap.Logger
	metrics  *Metrics
	coord    *rollout.Coordinator
	interval time.Duration

	mu      sync.RWMutex
	current *Snapshot

	subs   []chan<- *Snapshot
	subsMu sync.RWMutex
}

// NewCollector builds a Collector polling coord every interval.
func NewCollector(log *zap.Logger, metrics *Metrics, coord *rollout.Coordinator, interval time.Duration) *Collector {
	return &Collector{log: log, metrics: metrics, coord: coord, interval: interval}
}

// Subscribe returns a channel receiving every snapshot taken while it
// remains open. A slow subscriber drops snapshots rather than block
// collection, matching stats.Collector.Subscribe.
func (c *Collector) Subscribe(bufSize int) <-chan *Snapshot {
	ch := make(chan *Snapshot, bufSize)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

// Run polls the coordinator on a ticker until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if c.log != nil {
		c.log.Info("telemetry collector started", zap.Duration("interval", c.interval))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	status, err := c.coord.RunStatus(ctx)
	if err != nil {
		// No active run yet, or the run concluded; not worth a warning log
		// on every tick.
		return
	}

	snap := &Snapshot{
		Timestamp: time.Now(), StageIndex: status.StageIndex, StageCount: status.StageCount,
		TargetsByState: status.TargetsByState,
	}

	c.mu.Lock()
	c.current = snap
	c.mu.Unlock()

	for state, count := range snap.TargetsByState {
		c.metrics.RolloutTargets.WithLabelValues(string(state)).Set(float64(count))
	}

	c.subsMu.RLock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	c.subsMu.RUnlock()
}

// Current returns the most recent snapshot, or nil before the first tick.
func (c *Collector) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}
