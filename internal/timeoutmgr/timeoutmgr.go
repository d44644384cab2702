// Package timeoutmgr is the process-wide timeout manager: a single
// env-configured source of truth for the bounded operations spread across
// the pipeline (spec.md §5, §6, §9 "global mutable state").
package timeoutmgr

import (
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// bound pairs an environment variable with its clamped [min,max] range and
// default, matching the table in spec.md §6.
type bound struct {
	env        string
	def        int
	min, max   int
}

var bounds = map[string]bound{
	"process": {"OTTO_BGP_PROCESS_TIMEOUT", 30, 5, 300},
	"thread":  {"OTTO_BGP_THREAD_TIMEOUT", 60, 10, 600},
	"network": {"OTTO_BGP_NETWORK_TIMEOUT", 10, 2, 60},
	"ssh":     {"OTTO_BGP_SSH_TIMEOUT", 15, 5, 60},
	"netconf": {"OTTO_BGP_NETCONF_TIMEOUT", 45, 10, 300},
	"batch":   {"OTTO_BGP_BATCH_TIMEOUT", 300, 60, 1800},
	"rpki":    {"OTTO_BGP_RPKI_TIMEOUT", 120, 30, 600},
}

// refreshInterval is how often cached values are recomputed from the
// environment, so edits take effect without a restart (spec.md §5).
const refreshInterval = 5 * time.Minute

// Manager is the process-wide timeout source. The zero value is not usable;
// construct with New.
type Manager struct {
	log *zap.Logger

	mu     sync.RWMutex
	values map[string]time.Duration

	stop chan struct{}
	once sync.Once
}

// New builds a Manager and performs an initial read from the environment.
func New(log *zap.Logger) *Manager {
	m := &Manager{log: log, stop: make(chan struct{})}
	m.refresh()
	return m
}

// Run runs the periodic refresh loop until stopCh is closed or Stop is called.
func (m *Manager) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

// Stop ends the refresh loop. Safe to call multiple times.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Manager) refresh() {
	next := make(map[string]time.Duration, len(bounds))
	for name, b := range bounds {
		next[name] = time.Duration(readClamped(m.log, b)) * time.Second
	}
	m.mu.Lock()
	m.values = next
	m.mu.Unlock()
}

func readClamped(log *zap.Logger, b bound) int {
	raw := os.Getenv(b.env)
	if raw == "" {
		return b.def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		if log != nil {
			log.Warn("invalid timeout value, using default",
				zap.String("env", b.env), zap.String("value", raw), zap.Int("default", b.def))
		}
		return b.def
	}
	if v < b.min {
		if log != nil {
			log.Warn("timeout below minimum, clamping",
				zap.String("env", b.env), zap.Int("value", v), zap.Int("min", b.min))
		}
		return b.min
	}
	if v > b.max {
		if log != nil {
			log.Warn("timeout above maximum, clamping",
				zap.String("env", b.env), zap.Int("value", v), zap.Int("max", b.max))
		}
		return b.max
	}
	return v
}

func (m *Manager) get(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[name]
}

// Process is the default per-process bounded-operation timeout.
func (m *Manager) Process() time.Duration { return m.get("process") }

// Thread is the default per-worker bounded-operation timeout.
func (m *Manager) Thread() time.Duration { return m.get("thread") }

// Network is the default generic network I/O timeout.
func (m *Manager) Network() time.Duration { return m.get("network") }

// SSH is the per-session SSH connect/command timeout.
func (m *Manager) SSH() time.Duration { return m.get("ssh") }

// NETCONF is the per-RPC NETCONF timeout.
func (m *Manager) NETCONF() time.Duration { return m.get("netconf") }

// Batch is the ceiling for an entire batch operation (generation, validation).
func (m *Manager) Batch() time.Duration { return m.get("batch") }

// RPKI is the timeout for VRP snapshot load and validation passes.
func (m *Manager) RPKI() time.Duration { return m.get("rpki") }
