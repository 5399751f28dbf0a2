package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/store"
)

// maxBufferedEvents bounds the per-session in-memory event log.
const maxBufferedEvents = 1000

// persistedEventTail is how many trailing events are written to the audit
// record when a session ends.
const persistedEventTail = 50

// Event is a single lifecycle occurrence on a relayed session: connects,
// disconnects, errors, resizes. Terminal keystrokes and output are never
// recorded.
type Event struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// EventLog is a bounded append-only log of session lifecycle events. When
// full, the oldest events are dropped.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Append records an event, evicting the oldest if the buffer is full.
func (l *EventLog) Append(kind, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= maxBufferedEvents {
		copy(l.events, l.events[1:])
		l.events = l.events[:maxBufferedEvents-1]
	}
	l.events = append(l.events, Event{Kind: kind, Message: message, At: time.Now()})
}

// Tail returns up to n most recent events, oldest first.
func (l *EventLog) Tail(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// Len returns the number of buffered events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// auditRecord is the JSON payload persisted when a session ends.
type auditRecord struct {
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id,omitempty"`
	Events    []Event `json:"events"`
}

// persistAudit writes the tail of the session's event log as an audit metric.
// Best-effort: failures are logged, never surfaced to the client.
func persistAudit(ctx context.Context, repo store.Repository, sessionID, userID string, log *EventLog) {
	payload, err := json.Marshal(auditRecord{
		SessionID: sessionID,
		UserID:    userID,
		Events:    log.Tail(persistedEventTail),
	})
	if err != nil {
		slog.Warn("Failed to marshal session audit", "session_id", sessionID, "error", err)
		return
	}
	rec := &domain.MetricRecord{
		Type:       domain.MetricAudit,
		RecordedAt: time.Now(),
		Payload:    string(payload),
	}
	if err := repo.InsertMetric(ctx, rec); err != nil {
		slog.Warn("Failed to persist session audit", "session_id", sessionID, "error", err)
	}
}
