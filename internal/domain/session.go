package domain

import "time"

// SessionStatus represents the lifecycle state of a terminal session.
type SessionStatus string

const (
	SessionCreating     SessionStatus = "creating"
	SessionActive       SessionStatus = "active"
	SessionDisconnected SessionStatus = "disconnected"
	SessionRestoring    SessionStatus = "restoring"
	SessionTerminated   SessionStatus = "terminated"
	SessionExpired      SessionStatus = "expired"
	SessionError        SessionStatus = "error"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionTerminated || s == SessionExpired || s == SessionError
}

// Session is the persisted record of a terminal session. Secrets are never
// stored: Username is the only credential field that survives sanitization.
// RestoreKey is a one-time secret allowing a new connection to rebind after
// a disconnect.
type Session struct {
	ID            string
	ConnectionID  string
	UserID        string
	Username      string
	ContainerID   string
	ContainerType string
	Host          string
	SSHPort       int
	RestoreKey    string
	Status        SessionStatus
	CreatedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	TerminatedAt  *time.Time
}

// Restorable reports whether the session can still be rebound to a new
// connection at the given instant. The container itself must additionally be
// probed against the runtime before restoration succeeds.
func (s *Session) Restorable(now time.Time) bool {
	if s.Status != SessionActive && s.Status != SessionDisconnected {
		return false
	}
	if s.ContainerID == "" {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// SessionStats is a point-in-time snapshot of session counts, read by the
// resource monitor.
type SessionStats struct {
	Active       int
	Disconnected int
	Total        int
}
