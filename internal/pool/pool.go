// Package pool maintains per-type pools of pre-warmed sandbox containers.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akarpov/sandpool/internal/config"
	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/runtime"
)

// AcquireOptions carries per-acquisition overrides for the container spec.
type AcquireOptions struct {
	Image       string
	MemoryBytes int64
	NanoCPUs    int64
}

type entry struct {
	ctr      *domain.Container
	pooledAt time.Time
}

// Pool owns container creation, pooling, health checking, and teardown. A
// container lives in exactly one place: a per-type pooled list or the leased
// set; the mutex guarantees a container is never handed to two acquirers.
type Pool struct {
	rt  runtime.Runtime
	cfg config.PoolConfig

	mu     sync.Mutex
	pooled map[string][]*entry
	leased map[string]*domain.Container
	types  map[string]struct{} // every type ever seen, for maintenance top-up

	acquired   int64
	poolHits   int64
	coldStarts int64
	evictions  int64
}

// New creates a pool backed by the given runtime.
func New(rt runtime.Runtime, cfg config.PoolConfig) *Pool {
	p := &Pool{
		rt:     rt,
		cfg:    cfg,
		pooled: make(map[string][]*entry),
		leased: make(map[string]*domain.Container),
		types:  make(map[string]struct{}),
	}
	if cfg.DefaultType != "" {
		p.types[cfg.DefaultType] = struct{}{}
	}
	return p
}

// DefaultType returns the configured default container type.
func (p *Pool) DefaultType() string {
	return p.cfg.DefaultType
}

// imageFor maps a container type to its image reference. The default type
// uses the configured image; any other type names its image directly.
func (p *Pool) imageFor(ctype string) string {
	if ctype == p.cfg.DefaultType {
		return p.cfg.DefaultImage
	}
	return ctype
}

func containerName(ctype string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, ctype)
	return fmt.Sprintf("sandpool-%s-%s", slug, uuid.NewString()[:8])
}

// Acquire returns a healthy pooled container of the given type, provisioning
// one synchronously when the pool is empty. The entry is removed from the
// pool before any health probe so it can never be returned to a second
// caller. Replenishment is scheduled asynchronously and never blocks the
// caller.
func (p *Pool) Acquire(ctx context.Context, ctype string, opts AcquireOptions) (*domain.Container, error) {
	if ctype == "" {
		return nil, fmt.Errorf("acquire: container type is empty")
	}

	p.mu.Lock()
	p.types[ctype] = struct{}{}
	p.acquired++
	p.mu.Unlock()

	// Front-to-back scan with lazy eviction of unhealthy entries.
	for {
		p.mu.Lock()
		list := p.pooled[ctype]
		if len(list) == 0 {
			p.mu.Unlock()
			break
		}
		e := list[0]
		p.pooled[ctype] = list[1:]
		p.mu.Unlock()

		state, err := p.rt.Inspect(ctx, e.ctr.ID)
		if err != nil || !state.Healthy() {
			slog.Warn("Evicting unhealthy pooled container",
				"container_id", e.ctr.ID, "type", ctype, "error", err)
			p.evict(ctx, e.ctr)
			continue
		}

		e.ctr.Status = domain.ContainerLeased
		p.mu.Lock()
		p.poolHits++
		p.leased[e.ctr.ID] = e.ctr
		p.mu.Unlock()

		go p.replenish(ctype)
		slog.Info("Container leased from pool", "container_id", e.ctr.ID, "type", ctype)
		return e.ctr, nil
	}

	// Pool exhausted: provision on demand. Creation blocks the caller so
	// acquisition returns a ready container or a definitive error.
	ctr, err := p.provision(ctx, ctype, opts)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", ctype, err)
	}

	ctr.Status = domain.ContainerLeased
	p.mu.Lock()
	p.coldStarts++
	p.leased[ctr.ID] = ctr
	p.mu.Unlock()

	go p.replenish(ctype)
	slog.Info("Container provisioned on demand", "container_id", ctr.ID, "type", ctype)
	return ctr, nil
}

func (p *Pool) provision(ctx context.Context, ctype string, opts AcquireOptions) (*domain.Container, error) {
	image := opts.Image
	if image == "" {
		image = p.imageFor(ctype)
	}
	spec := runtime.ContainerSpec{
		Name:        containerName(ctype),
		Type:        ctype,
		Image:       image,
		MemoryBytes: opts.MemoryBytes,
		NanoCPUs:    opts.NanoCPUs,
	}
	return p.rt.CreateContainer(ctx, spec, p.cfg.ReadyTimeout)
}

// Release returns a leased container. With terminate the container is
// destroyed; with reuse it is reset in place and re-queued when the type's
// pool has a free slot, otherwise terminated anyway. Runtime teardown
// failures are logged and absorbed so pool bookkeeping always proceeds.
func (p *Pool) Release(ctx context.Context, containerID string, reuse bool) {
	p.mu.Lock()
	ctr, ok := p.leased[containerID]
	delete(p.leased, containerID)
	p.mu.Unlock()

	if !ok {
		// Unknown or already-released container. Stop it anyway so a
		// repeated release stays a no-op at the runtime level.
		if err := p.rt.StopContainer(ctx, containerID); err != nil {
			slog.Warn("Failed to stop unleased container", "container_id", containerID, "error", err)
		}
		return
	}

	if !reuse {
		p.terminate(ctx, ctr)
		return
	}

	if err := p.reset(ctx, ctr.ID); err != nil {
		slog.Warn("Container reset failed, terminating instead",
			"container_id", ctr.ID, "error", err)
		p.terminate(ctx, ctr)
		return
	}

	ctr.Status = domain.ContainerPooled
	p.mu.Lock()
	if len(p.pooled[ctr.Type]) < p.cfg.MaxPoolSize {
		p.pooled[ctr.Type] = append(p.pooled[ctr.Type], &entry{ctr: ctr, pooledAt: time.Now()})
		p.mu.Unlock()
		slog.Info("Container reset and re-queued", "container_id", ctr.ID, "type", ctr.Type)
		return
	}
	p.mu.Unlock()
	p.terminate(ctx, ctr)
}

// reset kills residual user processes and clears shell history so a reused
// container presents a clean environment.
func (p *Pool) reset(ctx context.Context, containerID string) error {
	cmds := [][]string{
		{"sh", "-c", "pkill -9 -u sandbox || true"},
		{"sh", "-c", "rm -f /home/sandbox/.bash_history /root/.bash_history"},
	}
	for _, cmd := range cmds {
		if err := p.rt.Exec(ctx, containerID, cmd); err != nil {
			return fmt.Errorf("reset container %s: %w", containerID, err)
		}
	}
	return nil
}

func (p *Pool) terminate(ctx context.Context, ctr *domain.Container) {
	ctr.Status = domain.ContainerTerminated
	if err := p.rt.StopContainer(ctx, ctr.ID); err != nil {
		slog.Warn("Failed to terminate container", "container_id", ctr.ID, "error", err)
	}
}

func (p *Pool) evict(ctx context.Context, ctr *domain.Container) {
	p.mu.Lock()
	p.evictions++
	p.mu.Unlock()
	ctr.Status = domain.ContainerUnhealthy
	if err := p.rt.StopContainer(ctx, ctr.ID); err != nil {
		slog.Warn("Failed to remove evicted container", "container_id", ctr.ID, "error", err)
	}
}

// Warmup provisions count containers of the given type in parallel,
// best-effort: one failed creation never aborts its siblings.
func (p *Pool) Warmup(ctx context.Context, ctype string, count int) {
	p.mu.Lock()
	p.types[ctype] = struct{}{}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctr, err := p.provision(ctx, ctype, AcquireOptions{})
			if err != nil {
				slog.Warn("Warmup provisioning failed", "type", ctype, "error", err)
				return
			}
			ctr.Status = domain.ContainerPooled
			p.mu.Lock()
			if len(p.pooled[ctype]) < p.cfg.MaxPoolSize {
				p.pooled[ctype] = append(p.pooled[ctype], &entry{ctr: ctr, pooledAt: time.Now()})
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			// Raced past the cap; don't leak the container.
			p.terminate(ctx, ctr)
		}()
	}
	wg.Wait()
}

// replenish tops the type's pool back up to the minimum size in the
// background after an acquisition removed an entry.
func (p *Pool) replenish(ctype string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReadyTimeout+time.Minute)
	defer cancel()

	p.mu.Lock()
	missing := p.cfg.MinPoolSize - len(p.pooled[ctype])
	p.mu.Unlock()
	if missing > 0 {
		p.Warmup(ctx, ctype, missing)
	}
}

// Maintain scans pooled entries, evicts ones the runtime reports as not
// running or unhealthy, evicts entries that sat idle past the idle timeout,
// and tops each known type back up to the minimum pool size. Failures are
// isolated per entry; a bad container never stops the rest of the pass.
func (p *Pool) Maintain(ctx context.Context) {
	p.mu.Lock()
	snapshot := make(map[string][]*entry, len(p.pooled))
	for ctype, list := range p.pooled {
		snapshot[ctype] = append([]*entry(nil), list...)
	}
	types := make([]string, 0, len(p.types))
	for ctype := range p.types {
		types = append(types, ctype)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for ctype, list := range snapshot {
		for _, e := range list {
			state, err := p.rt.Inspect(ctx, e.ctr.ID)
			healthy := err == nil && state.Healthy()
			idle := p.cfg.IdleTimeout > 0 && e.pooledAt.Before(cutoff)
			if healthy && !idle {
				continue
			}

			if p.remove(ctype, e) {
				if !healthy {
					slog.Info("Maintenance evicting unhealthy container",
						"container_id", e.ctr.ID, "type", ctype, "error", err)
					p.evict(ctx, e.ctr)
				} else {
					slog.Info("Maintenance evicting idle container",
						"container_id", e.ctr.ID, "type", ctype, "pooled_at", e.pooledAt)
					p.terminate(ctx, e.ctr)
				}
			}
		}
	}

	var wg sync.WaitGroup
	for _, ctype := range types {
		p.mu.Lock()
		missing := p.cfg.MinPoolSize - len(p.pooled[ctype])
		p.mu.Unlock()
		if missing <= 0 {
			continue
		}
		wg.Add(1)
		go func(ctype string, missing int) {
			defer wg.Done()
			p.Warmup(ctx, ctype, missing)
		}(ctype, missing)
	}
	wg.Wait()
}

// remove deletes the entry from its type's list if still present, returning
// whether this caller owns its teardown.
func (p *Pool) remove(ctype string, target *entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.pooled[ctype]
	for i, e := range list {
		if e == target {
			p.pooled[ctype] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// StartMaintenance runs Maintain on the given interval until ctx is done.
func (p *Pool) StartMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Pool maintenance started", "interval", interval)
		for {
			select {
			case <-ticker.C:
				p.Maintain(ctx)
			case <-ctx.Done():
				slog.Info("Pool maintenance stopped", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Shutdown drains and destroys every pooled and currently-leased container.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	var all []*domain.Container
	for _, list := range p.pooled {
		for _, e := range list {
			all = append(all, e.ctr)
		}
	}
	for _, ctr := range p.leased {
		all = append(all, ctr)
	}
	p.pooled = make(map[string][]*entry)
	p.leased = make(map[string]*domain.Container)
	p.mu.Unlock()

	slog.Info("Pool draining", "containers", len(all))
	var wg sync.WaitGroup
	for _, ctr := range all {
		wg.Add(1)
		go func(ctr *domain.Container) {
			defer wg.Done()
			p.terminate(ctx, ctr)
		}(ctr)
	}
	wg.Wait()
}

// Leased returns a snapshot of currently-leased containers.
func (p *Pool) Leased() []*domain.Container {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*domain.Container, 0, len(p.leased))
	for _, ctr := range p.leased {
		out = append(out, ctr)
	}
	return out
}

// Stats returns a point-in-time snapshot of pool occupancy and counters.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	pooled := make(map[string]int, len(p.pooled))
	for ctype, list := range p.pooled {
		pooled[ctype] = len(list)
	}
	return domain.PoolStats{
		Pooled:     pooled,
		Leased:     len(p.leased),
		Acquired:   p.acquired,
		PoolHits:   p.poolHits,
		ColdStarts: p.coldStarts,
		Evictions:  p.evictions,
	}
}
