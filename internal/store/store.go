// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/akarpov/sandpool/internal/domain"
)

// Repository defines the interface for persisting session and metric data.
type Repository interface {
	// InsertSession persists a new session record.
	InsertSession(ctx context.Context, sess *domain.Session) error

	// UpdateSession rewrites all mutable fields of a session record.
	UpdateSession(ctx context.Context, sess *domain.Session) error

	// UpdateSessionStatus sets a session's status and, for terminal states,
	// its termination timestamp.
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, terminatedAt *time.Time) error

	// UpdateSessionActivity bumps a session's last-activity timestamp.
	UpdateSessionActivity(ctx context.Context, sessionID string, lastActivity time.Time) error

	// UpdateSessionConnection rebinds a session to a new transport connection.
	UpdateSessionConnection(ctx context.Context, sessionID, connectionID string) error

	// GetSession retrieves a session by its ID. Returns nil when not found.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// FindRestorableByUser returns the most recent restorable session for a
	// user: status active or disconnected, unexpired, with a container
	// reference. Returns nil when none exists.
	FindRestorableByUser(ctx context.Context, userID string, now time.Time) (*domain.Session, error)

	// FindByRestoreKey retrieves a session by its restore key. Returns nil
	// when not found.
	FindByRestoreKey(ctx context.Context, restoreKey string) (*domain.Session, error)

	// FindByStatus returns all sessions in any of the given statuses.
	FindByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]*domain.Session, error)

	// InsertMetric persists a metric record.
	InsertMetric(ctx context.Context, rec *domain.MetricRecord) error

	// RecentMetrics returns the newest records of a type, newest first.
	RecentMetrics(ctx context.Context, metricType string, limit int) ([]*domain.MetricRecord, error)

	// DeleteMetricsBefore removes metric records older than cutoff and
	// returns the number deleted.
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
