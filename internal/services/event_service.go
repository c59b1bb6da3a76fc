package services

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
)

// StoredEvent is one history row: an event record plus the filter's decision
// for it.
type StoredEvent struct {
	ID       string       `json:"id"`
	Event    models.Event `json:"event"`
	Decision string       `json:"decision"`
}

// EventHistoryProvider defines the interface for the event history store.
type EventHistoryProvider interface {
	RecordEvent(ev models.Event, decision string) error
	GetEventsBetween(from, to time.Time) ([]StoredEvent, error)
	GetRecentEvents(limit int) ([]StoredEvent, error)
	PruneOlderThan(cutoff time.Time) (int64, error)
}

// EventService persists processed event records so the reporter can
// aggregate them later.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService.
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// RecordEvent inserts one processed event with its pipeline decision.
func (s *EventService) RecordEvent(ev models.Event, decision string) error {
	var details []byte
	if len(ev.Details) > 0 {
		details, _ = json.Marshal(ev.Details)
	}

	_, err := s.db.Exec(
		"INSERT INTO events (id, timestamp, component, level, event, message, recovery_level, details_json, decision) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		uuid.New().String(), ev.Timestamp.UTC(), ev.Component, string(ev.Level),
		ev.Event, ev.Message, ev.RecoveryLevel, nullable(details), decision,
	)
	return err
}

// GetEventsBetween returns all events with from <= timestamp < to, oldest
// first. This is the aggregator's bulk read.
func (s *EventService) GetEventsBetween(from, to time.Time) ([]StoredEvent, error) {
	rows, err := s.db.Query(
		"SELECT id, timestamp, component, level, event, message, recovery_level, details_json, decision FROM events WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC",
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetRecentEvents retrieves the most recent events from the database.
func (s *EventService) GetRecentEvents(limit int) ([]StoredEvent, error) {
	rows, err := s.db.Query(
		"SELECT id, timestamp, component, level, event, message, recovery_level, details_json, decision FROM events ORDER BY timestamp DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PruneOlderThan deletes history rows older than cutoff and reports how many
// went. Not time-critical; runs with the report retention pass.
func (s *EventService) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		var (
			se      StoredEvent
			level   string
			details sql.NullString
		)
		if err := rows.Scan(&se.ID, &se.Event.Timestamp, &se.Event.Component, &level,
			&se.Event.Event, &se.Event.Message, &se.Event.RecoveryLevel, &details, &se.Decision); err != nil {
			return nil, err
		}
		se.Event.Level = models.Level(level)
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &se.Event.Details)
		}
		events = append(events, se)
	}
	return events, rows.Err()
}

func nullable(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
