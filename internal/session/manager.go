// Package session implements the terminal session state machine with
// persistence and reconnection support.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/akarpov/sandpool/internal/config"
	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/pool"
	"github.com/akarpov/sandpool/internal/runtime"
	"github.com/akarpov/sandpool/internal/store"
)

// tracked pairs an in-memory session with its timer and cleanup state.
type tracked struct {
	mu        sync.Mutex
	sess      *domain.Session
	idleTimer *time.Timer
	// lastPersist is the last time the activity bump was written through.
	lastPersist time.Time
	// cleanedUp ensures the terminate path runs at most once per session
	// regardless of how many triggers race into it.
	cleanedUp atomic.Bool
}

// Manager owns the session state machine. It is the only mutator of the
// active-session map; the relay and monitor interact purely through its
// published operations.
type Manager struct {
	repo store.Repository
	pool *pool.Pool
	rt   runtime.Runtime
	cfg  config.SessionConfig

	mu     sync.Mutex
	byConn map[string]*tracked
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, p *pool.Pool, rt runtime.Runtime, cfg config.SessionConfig) *Manager {
	return &Manager{
		repo:   repo,
		pool:   p,
		rt:     rt,
		cfg:    cfg,
		byConn: make(map[string]*tracked),
	}
}

// Create binds a connection to a session. A restorable persisted session for
// the user (active or disconnected, unexpired, with a container) is restored
// instead of creating anew; restoration failure against a dead container
// falls through to a fresh session. The returned bool reports restoration.
func (m *Manager) Create(ctx context.Context, connectionID, userID, username, containerType string) (*domain.Session, bool, error) {
	if userID != "" {
		persisted, err := m.repo.FindRestorableByUser(ctx, userID, time.Now())
		if err != nil {
			slog.Warn("Restorable session lookup failed", "user_id", userID, "error", err)
		} else if persisted != nil {
			restored, err := m.Restore(ctx, connectionID, persisted)
			if err != nil {
				return nil, false, err
			}
			if restored != nil {
				return restored, true, nil
			}
			// Dead container: the record was terminated, fall through.
		}
	}

	now := time.Now()
	sess := &domain.Session{
		ID:            uuid.NewString(),
		ConnectionID:  connectionID,
		UserID:        userID,
		Username:      username,
		ContainerType: containerType,
		RestoreKey:    uuid.NewString(),
		Status:        domain.SessionCreating,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}

	if err := m.repo.InsertSession(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("persist session: %w", err)
	}

	t := &tracked{sess: sess, lastPersist: now}
	m.mu.Lock()
	m.byConn[connectionID] = t
	m.mu.Unlock()

	slog.Info("Session created", "session_id", sess.ID, "user_id", userID, "connection_id", connectionID)
	return sess, false, nil
}

// AttachContainer binds an acquired container to the session and moves it to
// active. Must be called exactly once per session's active container.
func (m *Manager) AttachContainer(ctx context.Context, sess *domain.Session, ctr *domain.Container) error {
	t := m.lookup(sess.ConnectionID)
	if t == nil {
		return fmt.Errorf("attach container: no session for connection %s", sess.ConnectionID)
	}
	if t.cleanedUp.Load() {
		return fmt.Errorf("attach container: session %s already cleaned up", sess.ID)
	}

	t.mu.Lock()
	sess.ContainerID = ctr.ID
	sess.ContainerType = ctr.Type
	sess.Host = ctr.Host
	sess.SSHPort = ctr.SSHPort
	sess.Status = domain.SessionActive
	sess.LastActivity = time.Now()
	t.mu.Unlock()

	m.resetIdleTimer(t)

	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("persist container attach: %w", err)
	}
	slog.Info("Container attached to session",
		"session_id", sess.ID, "container_id", ctr.ID)
	return nil
}

// Restore rebinds a persisted session to a new connection. The referenced
// container is probed against the runtime first: if it is no longer running
// the record is marked terminated and (nil, nil) is returned. Callers must
// then create a fresh session rather than assume restoration succeeded.
func (m *Manager) Restore(ctx context.Context, newConnectionID string, persisted *domain.Session) (*domain.Session, error) {
	if !persisted.Restorable(time.Now()) {
		m.finalize(ctx, persisted, domain.SessionTerminated)
		return nil, nil
	}

	state, err := m.rt.Inspect(ctx, persisted.ContainerID)
	if err != nil || !state.Running {
		slog.Info("Restore target container not running, terminating record",
			"session_id", persisted.ID, "container_id", persisted.ContainerID, "error", err)
		m.finalize(ctx, persisted, domain.SessionTerminated)
		return nil, nil
	}

	// At most one live connection may be bound to a session. A restore
	// supersedes any binding still held by an earlier connection so that
	// connection's later cleanup triggers cannot touch the container.
	m.unbindLive(persisted.ID)

	persisted.Status = domain.SessionRestoring
	persisted.ConnectionID = newConnectionID
	persisted.LastActivity = time.Now()
	// The restore key is one-time: rotate it on successful rebind.
	persisted.RestoreKey = uuid.NewString()

	persisted.Status = domain.SessionActive
	if err := m.repo.UpdateSession(ctx, persisted); err != nil {
		return nil, fmt.Errorf("persist session restore: %w", err)
	}

	t := &tracked{sess: persisted, lastPersist: time.Now()}
	m.mu.Lock()
	m.byConn[newConnectionID] = t
	m.mu.Unlock()
	m.resetIdleTimer(t)

	slog.Info("Session restored",
		"session_id", persisted.ID, "container_id", persisted.ContainerID,
		"connection_id", newConnectionID)
	return persisted, nil
}

// unbindLive drops any in-memory binding for the session. The superseded
// entry is marked cleaned up so Cleanup or Disconnect arriving later on the
// old connection becomes a no-op and never releases the container.
func (m *Manager) unbindLive(sessionID string) {
	m.mu.Lock()
	var stale *tracked
	var staleConn string
	for connID, t := range m.byConn {
		t.mu.Lock()
		match := t.sess.ID == sessionID
		t.mu.Unlock()
		if match {
			stale = t
			staleConn = connID
			break
		}
	}
	if stale != nil {
		delete(m.byConn, staleConn)
	}
	m.mu.Unlock()
	if stale == nil {
		return
	}

	stale.cleanedUp.Store(true)
	stale.mu.Lock()
	if stale.idleTimer != nil {
		stale.idleTimer.Stop()
	}
	stale.mu.Unlock()
	slog.Info("Superseded live connection for session",
		"session_id", sessionID, "connection_id", staleConn)
}

// RestoreByKey rebinds a session identified by its one-time restore key.
// Returns (nil, nil) when the key is unknown or the container is gone.
func (m *Manager) RestoreByKey(ctx context.Context, newConnectionID, restoreKey string) (*domain.Session, error) {
	persisted, err := m.repo.FindByRestoreKey(ctx, restoreKey)
	if err != nil {
		return nil, fmt.Errorf("restore key lookup: %w", err)
	}
	if persisted == nil {
		return nil, nil
	}
	return m.Restore(ctx, newConnectionID, persisted)
}

// UpdateActivity bumps the session's last-activity time. The in-memory state
// is always updated; the persisted copy is written at most once per debounce
// window to avoid write amplification. Persistence failures are logged and
// never block progress.
func (m *Manager) UpdateActivity(ctx context.Context, connectionID string) {
	t := m.lookup(connectionID)
	if t == nil || t.cleanedUp.Load() {
		return
	}

	now := time.Now()
	t.mu.Lock()
	t.sess.LastActivity = now
	// Activity on a demoted session promotes it back to active.
	if t.sess.Status == domain.SessionDisconnected {
		t.sess.Status = domain.SessionActive
	}
	persist := now.Sub(t.lastPersist) >= m.cfg.PersistDebounce
	if persist {
		t.lastPersist = now
	}
	sessionID := t.sess.ID
	t.mu.Unlock()

	m.resetIdleTimer(t)

	if persist {
		if err := m.repo.UpdateSessionActivity(ctx, sessionID, now); err != nil {
			slog.Warn("Failed to persist activity", "session_id", sessionID, "error", err)
		}
	}
}

// MarkError moves the session to the error state, keeping in-memory and
// timer bookkeeping consistent. The container, if any, is released.
func (m *Manager) MarkError(ctx context.Context, connectionID string) {
	m.teardown(ctx, connectionID, domain.SessionError)
}

// Disconnect handles a dropped transport connection: the session is demoted
// to disconnected and its container retained so the session can be restored
// until it expires. No-op if the session was already finalized.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) {
	m.mu.Lock()
	t, ok := m.byConn[connectionID]
	if ok {
		delete(m.byConn, connectionID)
	}
	m.mu.Unlock()
	if !ok || t.cleanedUp.Load() {
		return
	}

	t.mu.Lock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	if t.sess.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.sess.Status = domain.SessionDisconnected
	sessionID := t.sess.ID
	t.mu.Unlock()

	if err := m.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionDisconnected, nil); err != nil {
		slog.Warn("Failed to persist disconnect", "session_id", sessionID, "error", err)
	}
	slog.Info("Session disconnected, container retained",
		"session_id", sessionID, "connection_id", connectionID)
}

// Cleanup terminates the session bound to the connection: the attached
// container is released for termination and the record finalized. Idempotent;
// any call after the first is a no-op.
func (m *Manager) Cleanup(ctx context.Context, connectionID string) {
	m.teardown(ctx, connectionID, domain.SessionTerminated)
}

func (m *Manager) teardown(ctx context.Context, connectionID string, status domain.SessionStatus) {
	m.mu.Lock()
	t, ok := m.byConn[connectionID]
	if ok {
		delete(m.byConn, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if !t.cleanedUp.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	sess := t.sess
	t.mu.Unlock()

	if sess.ContainerID != "" {
		m.pool.Release(ctx, sess.ContainerID, false)
	}
	m.finalize(ctx, sess, status)
	slog.Info("Session cleaned up",
		"session_id", sess.ID, "status", status, "connection_id", connectionID)
}

// finalize marks a session record terminal, best-effort.
func (m *Manager) finalize(ctx context.Context, sess *domain.Session, status domain.SessionStatus) {
	now := time.Now()
	sess.Status = status
	sess.TerminatedAt = &now
	if err := m.repo.UpdateSessionStatus(ctx, sess.ID, status, &now); err != nil {
		slog.Warn("Failed to finalize session record",
			"session_id", sess.ID, "status", status, "error", err)
	}
}

// resetIdleTimer (re)arms the demotion timer: after the idle timeout with no
// activity, an active session becomes disconnected. The container is not
// touched, which preserves the restore window up to the absolute expiry.
func (m *Manager) resetIdleTimer(t *tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(m.cfg.IdleTimeout, func() {
		m.demote(t)
	})
}

func (m *Manager) demote(t *tracked) {
	if t.cleanedUp.Load() {
		return
	}
	t.mu.Lock()
	if t.sess.Status != domain.SessionActive {
		t.mu.Unlock()
		return
	}
	t.sess.Status = domain.SessionDisconnected
	sessionID := t.sess.ID
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionDisconnected, nil); err != nil {
		slog.Warn("Failed to persist idle demotion", "session_id", sessionID, "error", err)
	}
	slog.Info("Session idle, demoted to disconnected", "session_id", sessionID)
}

// Lookup returns the in-memory session for a connection, or nil.
func (m *Manager) Lookup(connectionID string) *domain.Session {
	t := m.lookup(connectionID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

func (m *Manager) lookup(connectionID string) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byConn[connectionID]
}

// Reconcile probes every persisted session left in active or creating state
// by a previous process run. Sessions with running containers are demoted to
// disconnected so they remain restorable; everything else is terminated.
func (m *Manager) Reconcile(ctx context.Context) error {
	sessions, err := m.repo.FindByStatus(ctx, domain.SessionActive, domain.SessionCreating)
	if err != nil {
		return fmt.Errorf("load sessions for reconciliation: %w", err)
	}

	now := time.Now()
	restorable, terminated := 0, 0
	for _, sess := range sessions {
		if sess.ExpiresAt.After(now) && sess.ContainerID != "" {
			state, err := m.rt.Inspect(ctx, sess.ContainerID)
			if err == nil && state.Running {
				if err := m.repo.UpdateSessionStatus(ctx, sess.ID, domain.SessionDisconnected, nil); err != nil {
					slog.Warn("Reconcile: failed to demote session", "session_id", sess.ID, "error", err)
					continue
				}
				restorable++
				continue
			}
		}
		m.finalize(ctx, sess, domain.SessionTerminated)
		terminated++
	}

	slog.Info("Session reconciliation complete",
		"probed", len(sessions), "restorable", restorable, "terminated", terminated)
	return nil
}

// SweepExpired finalizes sessions whose absolute expiry has passed,
// releasing their containers. Expiry is independent of activity.
func (m *Manager) SweepExpired(ctx context.Context) {
	sessions, err := m.repo.FindByStatus(ctx,
		domain.SessionActive, domain.SessionDisconnected, domain.SessionCreating)
	if err != nil {
		slog.Error("Expiry sweep failed to load sessions", "error", err)
		return
	}

	now := time.Now()
	for _, sess := range sessions {
		if sess.ExpiresAt.After(now) {
			continue
		}
		slog.Info("Session expired", "session_id", sess.ID, "expired_at", sess.ExpiresAt)
		if sess.ContainerID != "" {
			m.pool.Release(ctx, sess.ContainerID, false)
		}
		m.finalize(ctx, sess, domain.SessionExpired)

		// Drop any in-memory binding still pointing at the expired session.
		m.mu.Lock()
		if t, ok := m.byConn[sess.ConnectionID]; ok && t.sess.ID == sess.ID {
			t.cleanedUp.Store(true)
			if t.idleTimer != nil {
				t.idleTimer.Stop()
			}
			delete(m.byConn, sess.ConnectionID)
		}
		m.mu.Unlock()
	}
}

// StartSweeper runs SweepExpired on the configured interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session expiry sweeper started", "interval", m.cfg.SweepInterval)
		for {
			select {
			case <-ticker.C:
				m.SweepExpired(ctx)
			case <-ctx.Done():
				slog.Info("Session expiry sweeper stopped", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ActiveSessions returns summaries of in-memory sessions for the transport's
// session listing.
func (m *Manager) ActiveSessions() []*domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Session, 0, len(m.byConn))
	for _, t := range m.byConn {
		t.mu.Lock()
		copied := *t.sess
		t.mu.Unlock()
		out = append(out, &copied)
	}
	return out
}

// Stats returns a point-in-time snapshot of session counts.
func (m *Manager) Stats() domain.SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := domain.SessionStats{Total: len(m.byConn)}
	for _, t := range m.byConn {
		t.mu.Lock()
		switch t.sess.Status {
		case domain.SessionActive, domain.SessionCreating:
			stats.Active++
		case domain.SessionDisconnected:
			stats.Disconnected++
		}
		t.mu.Unlock()
	}
	return stats
}
