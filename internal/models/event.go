package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of an event record.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ParseLevel normalizes a level string. Unknown values map to INFO so a
// sloppy producer can never make an event unclassifiable.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR", "ERR":
		return LevelError
	case "CRITICAL", "CRIT", "FATAL":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Event is the atomic record flowing through the whole pipeline: emitted by
// the watchdog, read back from the journal, filtered, shipped and aggregated.
// An Event is immutable once classified; enrichment wraps it in a new
// document and never mutates the original.
type Event struct {
	Timestamp     time.Time              `json:"timestamp"`
	Component     string                 `json:"component"`
	Level         Level                  `json:"level"`
	Event         string                 `json:"event"`
	Message       string                 `json:"message"`
	RecoveryLevel int                    `json:"recovery_level"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Validate reports whether the record carries the minimum an event needs to
// be processed. Malformed records are skipped, never fatal.
func (e *Event) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event missing timestamp")
	}
	if e.Event == "" {
		return fmt.Errorf("event missing event type")
	}
	if e.RecoveryLevel < 0 {
		return fmt.Errorf("negative recovery_level %d", e.RecoveryLevel)
	}
	return nil
}

// Fingerprint derives the dedup key: a stable hash over the semantic fields
// only. Timestamp and details are deliberately excluded so repeated identical
// failures collapse to one fingerprint.
func (e *Event) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", e.Component, e.Level, e.Event, e.Message)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ParseLine decodes one NDJSON line into an Event. The timestamp accepts
// RFC3339 or unix seconds since producers differ; a missing timestamp is
// filled with now so journal lines without one still validate.
func ParseLine(line []byte, now time.Time) (Event, error) {
	var raw struct {
		Timestamp     json.RawMessage        `json:"timestamp"`
		Component     string                 `json:"component"`
		Level         string                 `json:"level"`
		Event         string                 `json:"event"`
		Message       string                 `json:"message"`
		RecoveryLevel int                    `json:"recovery_level"`
		Details       map[string]interface{} `json:"details"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("invalid event JSON: %w", err)
	}

	ev := Event{
		Timestamp:     parseTimestamp(raw.Timestamp, now),
		Component:     raw.Component,
		Level:         ParseLevel(raw.Level),
		Event:         raw.Event,
		Message:       raw.Message,
		RecoveryLevel: raw.RecoveryLevel,
		Details:       raw.Details,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	if len(raw) == 0 {
		return now
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		return now
	}
	var unix float64
	if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
		sec := int64(unix)
		nsec := int64((unix - float64(sec)) * 1e9)
		return time.Unix(sec, nsec)
	}
	return now
}
