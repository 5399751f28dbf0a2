package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/shared"
)

const (
	busyMaxRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		container_id TEXT,
		container_type TEXT,
		host TEXT,
		ssh_port INTEGER NOT NULL DEFAULT 0,
		restore_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		terminated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_status ON sessions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_connection ON sessions(connection_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_container ON sessions(container_id) WHERE container_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_type TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_type_time ON metrics(metric_type, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_metrics_time ON metrics(recorded_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// execRetry runs an exec statement, retrying with exponential backoff when
// SQLite reports a busy or locked conflict. Session updates race between the
// relay, the timers, and the sweeper, so brief lock contention is expected.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	for i := 0; i < busyMaxRetries; i++ {
		result, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !shared.IsSQLiteConflictError(err) || ctx.Err() != nil {
			return result, err
		}
		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "attempt", i+1, "delay", delay)
		time.Sleep(delay)
	}
	return result, err
}

const sessionColumns = `session_id, connection_id, user_id, username, container_id,
	container_type, host, ssh_port, restore_key, status,
	created_at, last_activity, expires_at, terminated_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var containerID, containerType, host sql.NullString
	var createdAt, lastActivity, expiresAt int64
	var terminatedAt sql.NullInt64
	var status string

	err := row.Scan(
		&sess.ID, &sess.ConnectionID, &sess.UserID, &sess.Username, &containerID,
		&containerType, &host, &sess.SSHPort, &sess.RestoreKey, &status,
		&createdAt, &lastActivity, &expiresAt, &terminatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.ContainerID = containerID.String
	sess.ContainerType = containerType.String
	sess.Host = host.String
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivity = time.Unix(lastActivity, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	if terminatedAt.Valid {
		ts := time.Unix(terminatedAt.Int64, 0)
		sess.TerminatedAt = &ts
	}
	return &sess, nil
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// InsertSession persists a new session record.
func (s *SQLiteStore) InsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var terminatedAt interface{}
	if sess.TerminatedAt != nil {
		terminatedAt = sess.TerminatedAt.Unix()
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.ConnectionID, sess.UserID, sess.Username, nullString(sess.ContainerID),
		nullString(sess.ContainerType), nullString(sess.Host), sess.SSHPort, sess.RestoreKey, string(sess.Status),
		sess.CreatedAt.Unix(), sess.LastActivity.Unix(), sess.ExpiresAt.Unix(), terminatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession rewrites all mutable fields of a session record.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	query := `
	UPDATE sessions SET
		connection_id = ?, container_id = ?, container_type = ?, host = ?, ssh_port = ?,
		status = ?, last_activity = ?, expires_at = ?, terminated_at = ?
	WHERE session_id = ?`

	var terminatedAt interface{}
	if sess.TerminatedAt != nil {
		terminatedAt = sess.TerminatedAt.Unix()
	}

	result, err := s.db.ExecContext(ctx, query,
		sess.ConnectionID, nullString(sess.ContainerID), nullString(sess.ContainerType),
		nullString(sess.Host), sess.SSHPort,
		string(sess.Status), sess.LastActivity.Unix(), sess.ExpiresAt.Unix(), terminatedAt,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("session %s not found", sess.ID)
	}
	return nil
}

// UpdateSessionStatus sets a session's status and optional termination time.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, terminatedAt *time.Time) error {
	var ts interface{}
	if terminatedAt != nil {
		ts = terminatedAt.Unix()
	}
	result, err := s.execRetry(ctx,
		`UPDATE sessions SET status = ?, terminated_at = ? WHERE session_id = ?`,
		string(status), ts, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// UpdateSessionActivity bumps a session's last-activity timestamp.
func (s *SQLiteStore) UpdateSessionActivity(ctx context.Context, sessionID string, lastActivity time.Time) error {
	result, err := s.execRetry(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		lastActivity.Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		slog.Warn("UpdateSessionActivity affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// UpdateSessionConnection rebinds a session to a new transport connection.
func (s *SQLiteStore) UpdateSessionConnection(ctx context.Context, sessionID, connectionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET connection_id = ? WHERE session_id = ?`,
		connectionID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session connection: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// GetSession retrieves a session by its ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// FindRestorableByUser returns the most recent restorable session for a user.
func (s *SQLiteStore) FindRestorableByUser(ctx context.Context, userID string, now time.Time) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ?
		  AND status IN ('active', 'disconnected')
		  AND expires_at > ?
		  AND container_id IS NOT NULL
		ORDER BY last_activity DESC
		LIMIT 1`,
		userID, now.Unix())
	return scanSession(row)
}

// FindByRestoreKey retrieves a session by its restore key.
func (s *SQLiteStore) FindByRestoreKey(ctx context.Context, restoreKey string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE restore_key = ?`, restoreKey)
	return scanSession(row)
}

// FindByStatus returns all sessions in any of the given statuses.
func (s *SQLiteStore) FindByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]*domain.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// InsertMetric persists a metric record.
func (s *SQLiteStore) InsertMetric(ctx context.Context, rec *domain.MetricRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (metric_type, recorded_at, payload) VALUES (?, ?, ?)`,
		rec.Type, rec.RecordedAt.Unix(), rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// RecentMetrics returns the newest records of a type, newest first.
func (s *SQLiteStore) RecentMetrics(ctx context.Context, metricType string, limit int) ([]*domain.MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metric_type, recorded_at, payload FROM metrics
		WHERE metric_type = ?
		ORDER BY recorded_at DESC
		LIMIT ?`,
		metricType, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent metrics: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close metric rows", "error", closeErr)
		}
	}()

	var records []*domain.MetricRecord
	for rows.Next() {
		var rec domain.MetricRecord
		var recordedAt int64
		if err := rows.Scan(&rec.ID, &rec.Type, &recordedAt, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		rec.RecordedAt = time.Unix(recordedAt, 0)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return records, nil
}

// DeleteMetricsBefore removes metric records older than cutoff.
func (s *SQLiteStore) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM metrics WHERE recorded_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete old metrics: %w", err)
	}
	return result.RowsAffected()
}
