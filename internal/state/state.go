// Package state persists pipeline state as small JSON documents under one
// directory. Every write goes to a temp file first and is renamed over the
// original, so a power cut on the kiosk's SD card never leaves a truncated
// document behind.
package state

import "time"

// Clock abstracts time so dedup windows and rate buckets are testable
// without touching the system clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// HourBucket formats t as the coarse hourly rate-limit key.
func HourBucket(t time.Time) string { return t.Format("2006010215") }

// DayBucket formats t as the daily counter key.
func DayBucket(t time.Time) string { return t.Format("20060102") }

// FilterState is the filter's persisted document: dedup fingerprints with
// last-seen times, hourly and daily counters, lifetime totals and the lazy
// cleanup watermark.
type FilterState struct {
	Fingerprints map[string]time.Time `json:"fingerprints"`
	HourlyCounts map[string]int       `json:"hourly_counts"`
	DailyCounts  map[string]int       `json:"daily_counts"`

	ForwardedTotal   int64 `json:"forwarded_total"`
	DuplicateTotal   int64 `json:"duplicate_total"`
	RateLimitedTotal int64 `json:"rate_limited_total"`
	DeliveryFailures int64 `json:"delivery_failures"`

	LastCleanup time.Time `json:"last_cleanup"`
}

// NewFilterState returns an empty filter document, also used to recover from
// a corrupt state file.
func NewFilterState() *FilterState {
	return &FilterState{
		Fingerprints: make(map[string]time.Time),
		HourlyCounts: make(map[string]int),
		DailyCounts:  make(map[string]int),
	}
}

// normalize repairs nil maps after decoding a hand-edited or older document.
func (s *FilterState) normalize() {
	if s.Fingerprints == nil {
		s.Fingerprints = make(map[string]time.Time)
	}
	if s.HourlyCounts == nil {
		s.HourlyCounts = make(map[string]int)
	}
	if s.DailyCounts == nil {
		s.DailyCounts = make(map[string]int)
	}
}

// ShipperState tracks the shipper's coarse cooldown and lifetime counter,
// separate from the filter's hourly quota.
type ShipperState struct {
	LastShipTime time.Time `json:"last_ship_time"`
	ShipCount    int64     `json:"ship_count"`
}

// EscalationState is one recovery domain's position on its ladder. Owned
// exclusively by the escalation machine; everything else reads it only.
type EscalationState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Engaged             bool      `json:"engaged"`
	CurrentLevel        int       `json:"current_level"`
	LevelEnteredAt      time.Time `json:"level_entered_at"`
	LastActionAt        time.Time `json:"last_action_at"`
}
