package models

import "time"

// ReportVersion tags persisted report documents so a future format change
// can be detected when reading old files back.
const ReportVersion = 1

// HealthVerdict is the condensed status exported for the dashboard.
type HealthVerdict string

const (
	VerdictHealthy  HealthVerdict = "healthy"
	VerdictDegraded HealthVerdict = "degraded"
	VerdictCritical HealthVerdict = "critical"
)

// ErrorPattern summarizes one recurring event type within a report window.
type ErrorPattern struct {
	Event      string    `json:"event"`
	Component  string    `json:"component"`
	Count      int       `json:"count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	PerHour    float64   `json:"per_hour"`
	SampleText string    `json:"sample_message"`
}

// DayStats holds the per-day breakdown used both as a daily report body and
// as one entry of a weekly report.
type DayStats struct {
	Date            string         `json:"date"` // YYYY-MM-DD
	TotalEvents     int            `json:"total_events"`
	ByLevel         map[Level]int  `json:"by_level"`
	ByComponent     map[string]int `json:"by_component"`
	ByEvent         map[string]int `json:"by_event"`
	RecoveryActions int            `json:"recovery_actions"`
	MaxRecoveryLvl  int            `json:"max_recovery_level"`
}

// Report is a versioned aggregation document persisted by the reporter.
type Report struct {
	Version     int            `json:"version"`
	Kind        string         `json:"kind"` // "daily" or "weekly"
	GeneratedAt time.Time      `json:"generated_at"`
	PeriodStart string         `json:"period_start"` // YYYY-MM-DD
	PeriodEnd   string         `json:"period_end"`   // YYYY-MM-DD inclusive
	Totals      DayStats       `json:"totals"`
	Days        []DayStats     `json:"days,omitempty"` // weekly only
	TopPatterns []ErrorPattern `json:"top_patterns"`
	Verdict     HealthVerdict  `json:"verdict"`
}

// StatusExport is the condensed health document consumed by the dashboard.
type StatusExport struct {
	Verdict        HealthVerdict `json:"verdict"`
	GeneratedAt    time.Time     `json:"generated_at"`
	WindowHours    int           `json:"window_hours"`
	TotalEvents    int           `json:"total_events"`
	CriticalEvents int           `json:"critical_events"`
	ErrorEvents    int           `json:"error_events"`
	RecoveryCount  int           `json:"recovery_actions"`
	ShipCount      int64         `json:"ship_count"`
	LastShipTime   *time.Time    `json:"last_ship_time,omitempty"`
}
