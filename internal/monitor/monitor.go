// Package monitor periodically samples system, container, pool, and session
// health, persists the readings, and raises threshold alerts.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/akarpov/sandpool/internal/config"
	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/pool"
	"github.com/akarpov/sandpool/internal/runtime"
	"github.com/akarpov/sandpool/internal/session"
	"github.com/akarpov/sandpool/internal/store"
)

// maxActiveAlerts bounds the active alert list.
const maxActiveAlerts = 100

// retentionSweepInterval is how often expired metric rows are purged.
const retentionSweepInterval = time.Hour

// systemSample is the persisted payload of a system metric reading.
type systemSample struct {
	ContainersRunning int    `json:"containers_running"`
	MemoryTotal       int64  `json:"memory_total"`
	NCPU              int    `json:"ncpu"`
	DiskUsageBytes    int64  `json:"disk_usage_bytes"`
	ManagedContainers int    `json:"managed_containers"`
	Hostname          string `json:"hostname,omitempty"`
}

// containerSample is the persisted payload of one container's reading.
type containerSample struct {
	ContainerID   string  `json:"container_id"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
}

// Monitor samples the runtime and the pool on a fixed interval. Collector
// failures are isolated per tick: one failing source never blocks the
// others, and the next tick retries everything.
type Monitor struct {
	rt       runtime.Runtime
	pool     *pool.Pool
	sessions *session.Manager
	repo     store.Repository
	cfg      config.MonitorConfig

	mu        sync.Mutex
	alerts    map[string]domain.Alert // keyed by type/level
	lastSweep time.Time
}

// New creates a resource monitor.
func New(rt runtime.Runtime, p *pool.Pool, sm *session.Manager, repo store.Repository, cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		rt:       rt,
		pool:     p,
		sessions: sm,
		repo:     repo,
		cfg:      cfg,
		alerts:   make(map[string]domain.Alert),
	}
}

// Start runs the collection loop until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Resource monitor started", "interval", m.cfg.Interval)
		for {
			select {
			case <-ticker.C:
				m.Collect(ctx)
			case <-ctx.Done():
				slog.Info("Resource monitor stopped", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Collect runs all collectors once. Each collector's failure is logged and
// the rest still run.
func (m *Monitor) Collect(ctx context.Context) {
	if err := m.collectSystem(ctx); err != nil {
		slog.Warn("System metrics collection failed", "error", err)
	}
	m.collectContainers(ctx)
	m.collectPool(ctx)
	m.collectSessions(ctx)
	m.sweepRetention(ctx)
}

func (m *Monitor) collectSystem(ctx context.Context) error {
	stats, err := m.rt.SystemStats(ctx)
	if err != nil {
		return fmt.Errorf("system stats: %w", err)
	}

	managed, err := m.rt.ListManaged(ctx)
	if err != nil {
		slog.Warn("Managed container listing failed", "error", err)
	}

	sample := systemSample{
		ContainersRunning: stats.ContainersRunning,
		MemoryTotal:       stats.MemoryTotal,
		NCPU:              stats.NCPU,
		DiskUsageBytes:    stats.DiskUsageBytes,
		ManagedContainers: len(managed),
	}
	m.persist(ctx, domain.MetricSystem, sample)

	diskGB := float64(stats.DiskUsageBytes) / (1 << 30)
	m.checkThreshold("disk", "disk usage", diskGB,
		m.cfg.DiskWarningGB, m.cfg.DiskCriticalGB)
	m.checkThreshold("containers", "running containers",
		float64(stats.ContainersRunning),
		float64(m.cfg.MaxContainers)*0.8, float64(m.cfg.MaxContainers))
	return nil
}

// collectContainers samples every leased container. Per-container failures
// are tolerated; a container that vanished mid-tick is simply skipped.
func (m *Monitor) collectContainers(ctx context.Context) {
	for _, ctr := range m.pool.Leased() {
		stats, err := m.rt.Stats(ctx, ctr.ID)
		if err != nil {
			slog.Debug("Container stats failed", "container_id", ctr.ID, "error", err)
			continue
		}
		m.persist(ctx, domain.MetricContainer, containerSample{
			ContainerID:   stats.ContainerID,
			CPUPercent:    stats.CPUPercent,
			MemoryPercent: stats.MemoryPercent,
			MemoryUsage:   stats.MemoryUsage,
			MemoryLimit:   stats.MemoryLimit,
		})

		m.checkThreshold("cpu:"+ctr.ID,
			fmt.Sprintf("container %s cpu", ctr.ID), stats.CPUPercent,
			m.cfg.CPUWarning, m.cfg.CPUCritical)
		m.checkThreshold("memory:"+ctr.ID,
			fmt.Sprintf("container %s memory", ctr.ID), stats.MemoryPercent,
			m.cfg.MemWarning, m.cfg.MemCritical)
	}
}

func (m *Monitor) collectPool(ctx context.Context) {
	m.persist(ctx, domain.MetricPool, m.pool.Stats())
}

func (m *Monitor) collectSessions(ctx context.Context) {
	m.persist(ctx, domain.MetricSession, m.sessions.Stats())
}

func (m *Monitor) persist(ctx context.Context, metricType string, sample any) {
	payload, err := json.Marshal(sample)
	if err != nil {
		slog.Warn("Failed to marshal metric sample", "type", metricType, "error", err)
		return
	}
	rec := &domain.MetricRecord{
		Type:       metricType,
		RecordedAt: time.Now(),
		Payload:    string(payload),
	}
	if err := m.repo.InsertMetric(ctx, rec); err != nil {
		slog.Warn("Failed to persist metric", "type", metricType, "error", err)
	}
}

// sweepRetention purges metric rows older than the retention window, at most
// once per sweep interval.
func (m *Monitor) sweepRetention(ctx context.Context) {
	m.mu.Lock()
	due := time.Since(m.lastSweep) >= retentionSweepInterval
	if due {
		m.lastSweep = time.Now()
	}
	m.mu.Unlock()
	if !due {
		return
	}

	cutoff := time.Now().Add(-m.cfg.Retention)
	deleted, err := m.repo.DeleteMetricsBefore(ctx, cutoff)
	if err != nil {
		slog.Warn("Metric retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Metric retention sweep", "deleted", deleted, "cutoff", cutoff)
	}
}

// checkThreshold raises or clears a threshold alert for the named signal.
// A signal holds at most one active alert; crossing back under the warning
// threshold clears it.
func (m *Monitor) checkThreshold(signal, label string, value, warn, crit float64) {
	switch {
	case crit > 0 && value >= crit:
		m.raise(signal, domain.AlertCritical, label, value, crit)
	case warn > 0 && value >= warn:
		m.raise(signal, domain.AlertWarning, label, value, warn)
	default:
		m.clear(signal)
	}
}

func (m *Monitor) raise(signal string, level domain.AlertLevel, label string, value, threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert := domain.Alert{
		Type:      signal,
		Level:     level,
		Message:   fmt.Sprintf("%s at %.1f exceeds %s threshold %.1f", label, value, level, threshold),
		Value:     value,
		Threshold: threshold,
		RaisedAt:  time.Now(),
	}

	// Re-raising at the same level keeps a single entry per signal but
	// refreshes its sample, without re-logging.
	if existing, ok := m.alerts[signal]; ok && existing.Level == level {
		m.alerts[signal] = alert
		return
	}
	if _, ok := m.alerts[signal]; !ok && len(m.alerts) >= maxActiveAlerts {
		m.evictOldestLocked()
	}
	m.alerts[signal] = alert
	slog.Warn("Resource alert raised",
		"signal", signal, "level", level, "value", value, "threshold", threshold)
}

// evictOldestLocked drops the oldest active alert so the list stays a bounded
// window of the most recent ones. Callers hold m.mu.
func (m *Monitor) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for sig, a := range m.alerts {
		if oldest == "" || a.RaisedAt.Before(oldestAt) {
			oldest = sig
			oldestAt = a.RaisedAt
		}
	}
	if oldest != "" {
		delete(m.alerts, oldest)
	}
}

func (m *Monitor) clear(signal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[signal]; ok {
		delete(m.alerts, signal)
		slog.Info("Resource alert cleared", "signal", signal)
	}
}

// Alerts returns a snapshot of the active alerts.
func (m *Monitor) Alerts() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	return out
}
