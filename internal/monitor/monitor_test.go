package monitor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/akarpov/sandpool/internal/config"
	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/pool"
	"github.com/akarpov/sandpool/internal/runtime"
	"github.com/akarpov/sandpool/internal/session"
)

// fakeRuntime serves canned stats for monitor tests.
type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	cpuPercent float64
	memPercent float64
	diskBytes  int64
	running    int
	sysErr     error
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec, readyTimeout time.Duration) (*domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &domain.Container{
		ID:      fmt.Sprintf("ctr-%d", f.seq),
		Type:    spec.Type,
		Host:    "127.0.0.1",
		SSHPort: 22000 + f.seq,
		Status:  domain.ContainerReady,
	}, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string) error { return nil }

func (f *fakeRuntime) Inspect(ctx context.Context, containerID string) (runtime.ContainerState, error) {
	return runtime.ContainerState{Running: true, Health: "healthy"}, nil
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]string, error) {
	return []string{"ctr-1"}, nil
}

func (f *fakeRuntime) Stats(ctx context.Context, containerID string) (*runtime.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &runtime.ContainerStats{
		ContainerID:   containerID,
		CPUPercent:    f.cpuPercent,
		MemoryPercent: f.memPercent,
		MemoryUsage:   256 << 20,
		MemoryLimit:   512 << 20,
	}, nil
}

func (f *fakeRuntime) SystemStats(ctx context.Context) (*runtime.SystemStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sysErr != nil {
		return nil, f.sysErr
	}
	return &runtime.SystemStats{
		ContainersRunning: f.running,
		MemoryTotal:       16 << 30,
		NCPU:              8,
		DiskUsageBytes:    f.diskBytes,
	}, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, containerID string, cmd []string) error { return nil }

func (f *fakeRuntime) BuildImage(ctx context.Context, buildContext io.Reader, tag string) error {
	return nil
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context) (string, error) { return "net-1", nil }
func (f *fakeRuntime) Ping(ctx context.Context) error                    { return nil }

// metricSink records persisted metrics and satisfies the rest of the
// repository interface with no-ops.
type metricSink struct {
	mu      sync.Mutex
	byType  map[string]int
	deleted int64
}

func newMetricSink() *metricSink {
	return &metricSink{byType: make(map[string]int)}
}

func (r *metricSink) InsertMetric(ctx context.Context, rec *domain.MetricRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[rec.Type]++
	return nil
}

func (r *metricSink) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted++
	return 3, nil
}

func (r *metricSink) count(metricType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byType[metricType]
}

func (r *metricSink) InsertSession(ctx context.Context, sess *domain.Session) error { return nil }
func (r *metricSink) UpdateSession(ctx context.Context, sess *domain.Session) error { return nil }
func (r *metricSink) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, terminatedAt *time.Time) error {
	return nil
}
func (r *metricSink) UpdateSessionActivity(ctx context.Context, sessionID string, lastActivity time.Time) error {
	return nil
}
func (r *metricSink) UpdateSessionConnection(ctx context.Context, sessionID, connectionID string) error {
	return nil
}
func (r *metricSink) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return nil, nil
}
func (r *metricSink) FindRestorableByUser(ctx context.Context, userID string, now time.Time) (*domain.Session, error) {
	return nil, nil
}
func (r *metricSink) FindByRestoreKey(ctx context.Context, restoreKey string) (*domain.Session, error) {
	return nil, nil
}
func (r *metricSink) FindByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]*domain.Session, error) {
	return nil, nil
}
func (r *metricSink) RecentMetrics(ctx context.Context, metricType string, limit int) ([]*domain.MetricRecord, error) {
	return nil, nil
}
func (r *metricSink) Ping(ctx context.Context) error { return nil }
func (r *metricSink) Close() error                   { return nil }

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Interval:       30 * time.Second,
		Retention:      24 * time.Hour,
		CPUWarning:     75,
		CPUCritical:    90,
		MemWarning:     80,
		MemCritical:    95,
		DiskWarningGB:  40,
		DiskCriticalGB: 50,
		MaxContainers:  50,
	}
}

func testMonitor(t *testing.T, rt *fakeRuntime) (*Monitor, *metricSink, *pool.Pool) {
	t.Helper()
	sink := newMetricSink()
	p := pool.New(rt, config.PoolConfig{
		DefaultType:  "ssh-terminal",
		DefaultImage: "sandpool/sandbox:test",
		MaxPoolSize:  4,
		ReadyTimeout: time.Second,
	})
	sm := session.NewManager(sink, p, rt, config.SessionConfig{
		IdleTimeout:     time.Hour,
		TTL:             24 * time.Hour,
		PersistDebounce: time.Hour,
		SweepInterval:   time.Minute,
	})
	return New(rt, p, sm, sink, testMonitorConfig()), sink, p
}

func TestCollectPersistsAllSources(t *testing.T) {
	rt := &fakeRuntime{running: 3, diskBytes: 10 << 30}
	mon, sink, p := testMonitor(t, rt)

	if _, err := p.Acquire(context.Background(), "ssh-terminal", pool.AcquireOptions{}); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	mon.Collect(context.Background())

	for _, metricType := range []string{
		domain.MetricSystem, domain.MetricContainer, domain.MetricPool, domain.MetricSession,
	} {
		if sink.count(metricType) == 0 {
			t.Errorf("expected %s metric persisted", metricType)
		}
	}
}

func TestCollectSurvivesSystemFailure(t *testing.T) {
	rt := &fakeRuntime{sysErr: fmt.Errorf("docker down")}
	mon, sink, _ := testMonitor(t, rt)

	mon.Collect(context.Background())

	if sink.count(domain.MetricSystem) != 0 {
		t.Error("system metric should not persist on failure")
	}
	if sink.count(domain.MetricPool) == 0 || sink.count(domain.MetricSession) == 0 {
		t.Error("other collectors must still run when one fails")
	}
}

func TestContainerThresholdAlerts(t *testing.T) {
	rt := &fakeRuntime{cpuPercent: 80}
	mon, _, p := testMonitor(t, rt)

	ctr, err := p.Acquire(context.Background(), "ssh-terminal", pool.AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	mon.Collect(context.Background())
	alerts := mon.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Level != domain.AlertWarning {
		t.Errorf("expected warning level, got %s", alerts[0].Level)
	}
	if alerts[0].Type != "cpu:"+ctr.ID {
		t.Errorf("unexpected alert signal %s", alerts[0].Type)
	}

	// Same level again must not duplicate.
	mon.Collect(context.Background())
	if len(mon.Alerts()) != 1 {
		t.Errorf("expected deduplicated alert, got %d", len(mon.Alerts()))
	}

	// Escalation replaces the warning with a critical.
	rt.mu.Lock()
	rt.cpuPercent = 95
	rt.mu.Unlock()
	mon.Collect(context.Background())
	alerts = mon.Alerts()
	if len(alerts) != 1 || alerts[0].Level != domain.AlertCritical {
		t.Errorf("expected single critical alert, got %+v", alerts)
	}

	// Dropping below the warning threshold clears the alert.
	rt.mu.Lock()
	rt.cpuPercent = 10
	rt.mu.Unlock()
	mon.Collect(context.Background())
	if len(mon.Alerts()) != 0 {
		t.Errorf("expected alerts cleared, got %+v", mon.Alerts())
	}
}

func TestAlertRefreshesOnSameLevel(t *testing.T) {
	rt := &fakeRuntime{}
	mon, _, _ := testMonitor(t, rt)

	mon.checkThreshold("cpu:ctr-1", "container ctr-1 cpu", 80, 75, 90)
	mon.checkThreshold("cpu:ctr-1", "container ctr-1 cpu", 85, 75, 90)

	alerts := mon.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Value != 85 {
		t.Errorf("re-raise kept stale value %.1f, want 85", alerts[0].Value)
	}
}

func TestAlertCapEvictsOldest(t *testing.T) {
	rt := &fakeRuntime{}
	mon, _, _ := testMonitor(t, rt)

	for i := 0; i < maxActiveAlerts+10; i++ {
		mon.checkThreshold(fmt.Sprintf("mem:ctr-%d", i), "container mem", 96, 80, 95)
	}

	alerts := mon.Alerts()
	if len(alerts) != maxActiveAlerts {
		t.Fatalf("expected %d alerts at the cap, got %d", maxActiveAlerts, len(alerts))
	}
	newest := fmt.Sprintf("mem:ctr-%d", maxActiveAlerts+9)
	found := false
	for _, a := range alerts {
		if a.Type == newest {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("newest alert %s was dropped at the cap", newest)
	}
}

func TestDiskAlert(t *testing.T) {
	rt := &fakeRuntime{diskBytes: 55 << 30}
	mon, _, _ := testMonitor(t, rt)

	mon.Collect(context.Background())

	var found bool
	for _, a := range mon.Alerts() {
		if a.Type == "disk" && a.Level == domain.AlertCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("expected critical disk alert, got %+v", mon.Alerts())
	}
}

func TestRetentionSweepThrottled(t *testing.T) {
	rt := &fakeRuntime{}
	mon, sink, _ := testMonitor(t, rt)

	mon.Collect(context.Background())
	mon.Collect(context.Background())

	sink.mu.Lock()
	deleted := sink.deleted
	sink.mu.Unlock()
	if deleted != 1 {
		t.Errorf("expected exactly 1 retention sweep across back-to-back ticks, got %d", deleted)
	}
}
