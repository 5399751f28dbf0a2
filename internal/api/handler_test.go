package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akarpov/sandpool/internal/config"
	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/monitor"
	"github.com/akarpov/sandpool/internal/pool"
	"github.com/akarpov/sandpool/internal/runtime"
	"github.com/akarpov/sandpool/internal/session"
)

// fakeRepo stubs the repository surface the handlers touch.
type fakeRepo struct {
	pingErr    error
	restorable *domain.Session
	metrics    []*domain.MetricRecord
}

func (r *fakeRepo) InsertSession(ctx context.Context, sess *domain.Session) error { return nil }
func (r *fakeRepo) UpdateSession(ctx context.Context, sess *domain.Session) error { return nil }
func (r *fakeRepo) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, terminatedAt *time.Time) error {
	return nil
}
func (r *fakeRepo) UpdateSessionActivity(ctx context.Context, sessionID string, lastActivity time.Time) error {
	return nil
}
func (r *fakeRepo) UpdateSessionConnection(ctx context.Context, sessionID, connectionID string) error {
	return nil
}
func (r *fakeRepo) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return nil, nil
}
func (r *fakeRepo) FindRestorableByUser(ctx context.Context, userID string, now time.Time) (*domain.Session, error) {
	return nil, nil
}
func (r *fakeRepo) FindByRestoreKey(ctx context.Context, restoreKey string) (*domain.Session, error) {
	if r.restorable != nil && r.restorable.RestoreKey == restoreKey {
		return r.restorable, nil
	}
	return nil, nil
}
func (r *fakeRepo) FindByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]*domain.Session, error) {
	return nil, nil
}
func (r *fakeRepo) InsertMetric(ctx context.Context, rec *domain.MetricRecord) error { return nil }
func (r *fakeRepo) RecentMetrics(ctx context.Context, metricType string, limit int) ([]*domain.MetricRecord, error) {
	if limit < len(r.metrics) {
		return r.metrics[:limit], nil
	}
	return r.metrics, nil
}
func (r *fakeRepo) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (r *fakeRepo) Ping(ctx context.Context) error { return r.pingErr }
func (r *fakeRepo) Close() error                   { return nil }

// fakeRuntime stubs the runtime surface the handlers touch.
type fakeRuntime struct {
	pingErr  error
	buildErr error
	managed  []string
	built    []string
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec, readyTimeout time.Duration) (*domain.Container, error) {
	return &domain.Container{ID: "ctr-1", Type: spec.Type, Host: "127.0.0.1", SSHPort: 22001}, nil
}
func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string) error { return nil }
func (f *fakeRuntime) Inspect(ctx context.Context, containerID string) (runtime.ContainerState, error) {
	return runtime.ContainerState{Running: true}, nil
}
func (f *fakeRuntime) ListManaged(ctx context.Context) ([]string, error) { return f.managed, nil }
func (f *fakeRuntime) Stats(ctx context.Context, containerID string) (*runtime.ContainerStats, error) {
	return &runtime.ContainerStats{ContainerID: containerID}, nil
}
func (f *fakeRuntime) SystemStats(ctx context.Context) (*runtime.SystemStats, error) {
	return &runtime.SystemStats{}, nil
}
func (f *fakeRuntime) Exec(ctx context.Context, containerID string, cmd []string) error { return nil }
func (f *fakeRuntime) BuildImage(ctx context.Context, buildContext io.Reader, tag string) error {
	if f.buildErr != nil {
		return f.buildErr
	}
	f.built = append(f.built, tag)
	return nil
}
func (f *fakeRuntime) EnsureNetwork(ctx context.Context) (string, error) { return "net-1", nil }
func (f *fakeRuntime) Ping(ctx context.Context) error                    { return f.pingErr }

func newTestRouter(repo *fakeRepo, rt *fakeRuntime) chi.Router {
	p := pool.New(rt, config.PoolConfig{
		DefaultType:  "ssh-terminal",
		DefaultImage: "sandpool/sandbox:test",
		MaxPoolSize:  4,
		ReadyTimeout: time.Second,
	})
	sm := session.NewManager(repo, p, rt, config.SessionConfig{
		IdleTimeout:     time.Hour,
		TTL:             24 * time.Hour,
		PersistDebounce: time.Hour,
		SweepInterval:   time.Minute,
	})
	mon := monitor.New(rt, p, sm, repo, config.MonitorConfig{
		Interval:  30 * time.Second,
		Retention: 24 * time.Hour,
	})

	base := NewHandler(repo, rt, p, sm, mon)
	r := chi.NewRouter()
	NewHealthHandler(repo, rt).RegisterHealth(r)
	NewContainerHandler(base).RegisterRoutes(r)
	NewSessionHandler(base).RegisterRoutes(r)
	return r
}

func TestHealthOK(t *testing.T) {
	router := newTestRouter(&fakeRepo{}, &fakeRuntime{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
}

func TestHealthDegraded(t *testing.T) {
	router := newTestRouter(&fakeRepo{}, &fakeRuntime{pingErr: fmt.Errorf("daemon down")})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	checks := body["checks"].(map[string]interface{})
	if checks["docker"] != "unreachable" {
		t.Errorf("expected docker unreachable, got %v", checks["docker"])
	}
	if checks["database"] != "ok" {
		t.Errorf("expected database ok, got %v", checks["database"])
	}
}

func TestListContainers(t *testing.T) {
	rt := &fakeRuntime{managed: []string{"ctr-1", "ctr-2"}}
	router := newTestRouter(&fakeRepo{}, rt)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/containers", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Containers []string `json:"containers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Containers) != 2 {
		t.Errorf("expected 2 containers, got %d", len(body.Containers))
	}
}

func TestCreateContainersValidation(t *testing.T) {
	router := newTestRouter(&fakeRepo{}, &fakeRuntime{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/containers",
		bytes.NewBufferString(`{"type": "ssh-terminal", "count": 99}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized count, got %d", rec.Code)
	}
}

func TestRestoreCheck(t *testing.T) {
	now := time.Now()
	repo := &fakeRepo{restorable: &domain.Session{
		ID:            "s1",
		ContainerID:   "ctr-1",
		ContainerType: "ssh-terminal",
		RestoreKey:    "key-1",
		Status:        domain.SessionDisconnected,
		ExpiresAt:     now.Add(time.Hour),
	}}
	router := newTestRouter(repo, &fakeRuntime{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/restore",
		bytes.NewBufferString(`{"restoreKey": "key-1"}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Restorable bool   `json:"restorable"`
		SessionID  string `json:"sessionId"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !body.Restorable || body.SessionID != "s1" {
		t.Errorf("expected restorable s1, got %+v", body)
	}
}

func TestRestoreCheckUnknownKey(t *testing.T) {
	router := newTestRouter(&fakeRepo{}, &fakeRuntime{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/restore",
		bytes.NewBufferString(`{"restoreKey": "bogus"}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Restorable bool `json:"restorable"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Restorable {
		t.Error("unknown key must not be restorable")
	}
}

func TestMetricsLimitValidation(t *testing.T) {
	router := newTestRouter(&fakeRepo{}, &fakeRuntime{})

	for _, limit := range []string{"0", "-1", "1001", "abc"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/metrics?limit="+limit, nil)
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit %q: expected 400, got %d", limit, rec.Code)
		}
	}
}

func TestMetricsDefaults(t *testing.T) {
	repo := &fakeRepo{metrics: []*domain.MetricRecord{
		{ID: 1, Type: domain.MetricSystem, RecordedAt: time.Now(), Payload: `{}`},
	}}
	router := newTestRouter(repo, &fakeRuntime{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Metrics []json.RawMessage `json:"metrics"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Metrics) != 1 {
		t.Errorf("expected 1 metric, got %d", len(body.Metrics))
	}
}
