package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/akarpov/sandpool/internal/config"
	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/runtime"
)

// fakeRuntime is an in-memory Runtime for pool tests.
type fakeRuntime struct {
	mu        sync.Mutex
	seq       int
	created   int
	stopped   map[string]int
	unhealthy map[string]bool
	execCmds  [][]string
	createErr error
	execErr   error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		stopped:   make(map[string]int),
		unhealthy: make(map[string]bool),
	}
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec, readyTimeout time.Duration) (*domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	f.created++
	return &domain.Container{
		ID:        fmt.Sprintf("ctr-%d", f.seq),
		Name:      spec.Name,
		Type:      spec.Type,
		Host:      "127.0.0.1",
		SSHPort:   22000 + f.seq,
		Status:    domain.ContainerReady,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[containerID]++
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, containerID string) (runtime.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy[containerID] {
		return runtime.ContainerState{Running: true, Health: "unhealthy"}, nil
	}
	return runtime.ContainerState{Running: true, Health: "healthy"}, nil
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeRuntime) Stats(ctx context.Context, containerID string) (*runtime.ContainerStats, error) {
	return &runtime.ContainerStats{ContainerID: containerID}, nil
}

func (f *fakeRuntime) SystemStats(ctx context.Context) (*runtime.SystemStats, error) {
	return &runtime.SystemStats{}, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, containerID string, cmd []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return f.execErr
	}
	f.execCmds = append(f.execCmds, cmd)
	return nil
}

func (f *fakeRuntime) BuildImage(ctx context.Context, buildContext io.Reader, tag string) error {
	return nil
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context) (string, error) { return "net-1", nil }

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) stopCount(containerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[containerID]
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func testConfig() config.PoolConfig {
	return config.PoolConfig{
		DefaultType:  "ssh-terminal",
		DefaultImage: "sandpool/sandbox:test",
		MinPoolSize:  1,
		MaxPoolSize:  4,
		IdleTimeout:  time.Hour,
		ReadyTimeout: time.Second,
	}
}

func TestAcquireColdStart(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, testConfig())

	ctr, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ctr.Status != domain.ContainerLeased {
		t.Errorf("expected leased status, got %s", ctr.Status)
	}
	if ctr.SSHPort == 0 {
		t.Error("expected a published SSH port")
	}

	stats := p.Stats()
	if stats.ColdStarts != 1 {
		t.Errorf("expected 1 cold start, got %d", stats.ColdStarts)
	}
	if stats.Leased != 1 {
		t.Errorf("expected 1 leased container, got %d", stats.Leased)
	}
}

func TestAcquireEmptyType(t *testing.T) {
	p := New(newFakeRuntime(), testConfig())
	if _, err := p.Acquire(context.Background(), "", AcquireOptions{}); err == nil {
		t.Fatal("expected error for empty container type")
	}
}

func TestAcquirePoolHit(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, testConfig())

	p.Warmup(context.Background(), "ssh-terminal", 2)
	if got := p.Stats().Pooled["ssh-terminal"]; got != 2 {
		t.Fatalf("expected 2 pooled containers after warmup, got %d", got)
	}

	ctr, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ctr == nil {
		t.Fatal("expected a container")
	}

	stats := p.Stats()
	if stats.PoolHits != 1 {
		t.Errorf("expected 1 pool hit, got %d", stats.PoolHits)
	}
	if stats.ColdStarts != 0 {
		t.Errorf("expected no cold starts, got %d", stats.ColdStarts)
	}
}

// Concurrent acquisitions must never receive the same container.
func TestAcquireExclusive(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 0 // keep replenishment out of the picture
	p := New(rt, cfg)

	p.Warmup(context.Background(), "ssh-terminal", 4)

	const n = 8
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctr, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			seen[ctr.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d distinct containers, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count > 1 {
			t.Errorf("container %s acquired %d times", id, count)
		}
	}
}

func TestAcquireEvictsUnhealthy(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 0
	p := New(rt, cfg)

	p.Warmup(context.Background(), "ssh-terminal", 2)
	rt.mu.Lock()
	rt.unhealthy["ctr-1"] = true
	rt.unhealthy["ctr-2"] = true
	rt.mu.Unlock()

	ctr, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if rt.unhealthy[ctr.ID] {
		t.Errorf("acquired an unhealthy container %s", ctr.ID)
	}

	stats := p.Stats()
	if stats.Evictions != 2 {
		t.Errorf("expected 2 evictions, got %d", stats.Evictions)
	}
	if stats.ColdStarts != 1 {
		t.Errorf("expected 1 cold start after draining the pool, got %d", stats.ColdStarts)
	}
	if rt.stopCount("ctr-1") == 0 || rt.stopCount("ctr-2") == 0 {
		t.Error("evicted containers were not stopped")
	}
}

func TestReleaseTerminate(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 0
	p := New(rt, cfg)

	ctr, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	p.Release(context.Background(), ctr.ID, false)
	if rt.stopCount(ctr.ID) != 1 {
		t.Errorf("expected terminated container to be stopped once, got %d", rt.stopCount(ctr.ID))
	}
	if p.Stats().Leased != 0 {
		t.Errorf("expected no leased containers, got %d", p.Stats().Leased)
	}
}

func TestReleaseReuseRequeues(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 0
	p := New(rt, cfg)

	ctr, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	p.Release(context.Background(), ctr.ID, true)
	if rt.stopCount(ctr.ID) != 0 {
		t.Error("reused container must not be stopped")
	}
	if got := p.Stats().Pooled["ssh-terminal"]; got != 1 {
		t.Fatalf("expected 1 pooled container after reuse, got %d", got)
	}

	rt.mu.Lock()
	resets := len(rt.execCmds)
	rt.mu.Unlock()
	if resets == 0 {
		t.Error("expected reset commands to run before re-queueing")
	}

	again, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire after reuse failed: %v", err)
	}
	if again.ID != ctr.ID {
		t.Errorf("expected reused container %s, got %s", ctr.ID, again.ID)
	}
}

func TestReleaseReuseTerminatesWhenFull(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 0
	cfg.MaxPoolSize = 1
	p := New(rt, cfg)

	p.Warmup(context.Background(), "ssh-terminal", 1)
	ctr, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	// Fill the single slot back up so the reuse has nowhere to go.
	p.Warmup(context.Background(), "ssh-terminal", 1)

	p.Release(context.Background(), ctr.ID, true)
	if rt.stopCount(ctr.ID) != 1 {
		t.Errorf("expected container terminated when pool is full, got %d stops", rt.stopCount(ctr.ID))
	}
}

func TestReleaseUnknownStillStops(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, testConfig())

	p.Release(context.Background(), "never-seen", false)
	if rt.stopCount("never-seen") != 1 {
		t.Error("expected unknown container to be stopped")
	}
}

func TestWarmupToleratesFailures(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = fmt.Errorf("image pull failed")
	p := New(rt, testConfig())

	p.Warmup(context.Background(), "ssh-terminal", 3)
	if got := p.Stats().Pooled["ssh-terminal"]; got != 0 {
		t.Errorf("expected empty pool after failed warmup, got %d", got)
	}

	rt.mu.Lock()
	rt.createErr = nil
	rt.mu.Unlock()
	p.Warmup(context.Background(), "ssh-terminal", 2)
	if got := p.Stats().Pooled["ssh-terminal"]; got != 2 {
		t.Errorf("expected 2 pooled containers, got %d", got)
	}
}

func TestMaintainTopsUpToMinimum(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 2
	p := New(rt, cfg)

	p.Maintain(context.Background())
	if got := p.Stats().Pooled["ssh-terminal"]; got != 2 {
		t.Errorf("expected maintenance to top up to 2, got %d", got)
	}
}

func TestMaintainReplacesUnhealthy(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 2
	p := New(rt, cfg)

	p.Warmup(context.Background(), "ssh-terminal", 2)
	rt.mu.Lock()
	rt.unhealthy["ctr-1"] = true
	rt.unhealthy["ctr-2"] = true
	rt.mu.Unlock()

	p.Maintain(context.Background())

	stats := p.Stats()
	if stats.Evictions != 2 {
		t.Errorf("expected 2 evictions, got %d", stats.Evictions)
	}
	if got := stats.Pooled["ssh-terminal"]; got != 2 {
		t.Errorf("expected pool replenished to 2, got %d", got)
	}
	if rt.createdCount() != 4 {
		t.Errorf("expected 4 total creations, got %d", rt.createdCount())
	}
}

func TestMaintainEvictsIdle(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 0
	cfg.IdleTimeout = time.Nanosecond
	p := New(rt, cfg)

	p.Warmup(context.Background(), "ssh-terminal", 2)
	time.Sleep(5 * time.Millisecond)

	p.Maintain(context.Background())
	if got := p.Stats().Pooled["ssh-terminal"]; got != 0 {
		t.Errorf("expected idle containers evicted, got %d pooled", got)
	}
}

func TestShutdownDrains(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MinPoolSize = 0
	p := New(rt, cfg)

	p.Warmup(context.Background(), "ssh-terminal", 2)
	leased, err := p.Acquire(context.Background(), "ssh-terminal", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	p.Shutdown(context.Background())

	stats := p.Stats()
	if stats.Leased != 0 || stats.Pooled["ssh-terminal"] != 0 {
		t.Errorf("expected empty pool after shutdown, got %+v", stats)
	}
	if rt.stopCount(leased.ID) != 1 {
		t.Error("leased container was not stopped during shutdown")
	}
}
