package domain

import "time"

// Metric record types written by the resource monitor.
const (
	MetricSystem    = "system"
	MetricContainer = "container"
	MetricPool      = "pool"
	MetricSession   = "session"
	MetricAudit     = "session-audit"
)

// MetricRecord is a timestamped, type-tagged measurement persisted for the
// dashboard. Payload is a JSON document whose shape depends on Type.
type MetricRecord struct {
	ID         int64
	Type       string
	RecordedAt time.Time
	Payload    string
}

// AlertLevel grades a triggered alert condition.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is a triggered threshold condition. Alerts are deduplicated by
// (Type, Level), keeping only the most recent occurrence.
type Alert struct {
	Type      string
	Level     AlertLevel
	Message   string
	Value     float64
	Threshold float64
	RaisedAt  time.Time
}
