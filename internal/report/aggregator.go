// Package report aggregates the event history into daily and weekly report
// documents, exports the condensed health verdict for the dashboard, and
// publishes pipeline metrics.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/services"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

const topPatternLimit = 5

// Aggregator batch-reads history rows and computes report documents.
type Aggregator struct {
	history         services.EventHistoryProvider
	reportDir       string
	dailyRetention  time.Duration
	weeklyRetention time.Duration
	clock           state.Clock
}

// NewAggregator returns an aggregator writing reports under reportDir.
func NewAggregator(history services.EventHistoryProvider, reportDir string, dailyRetention, weeklyRetention time.Duration, clock state.Clock) (*Aggregator, error) {
	if err := os.MkdirAll(reportDir, 0700); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	if clock == nil {
		clock = state.SystemClock{}
	}
	return &Aggregator{
		history:         history,
		reportDir:       reportDir,
		dailyRetention:  dailyRetention,
		weeklyRetention: weeklyRetention,
		clock:           clock,
	}, nil
}

// GenerateDailyReport aggregates one calendar day (midnight to midnight,
// local time of the given date) and persists the versioned document.
func (a *Aggregator) GenerateDailyReport(date time.Time) (*models.Report, error) {
	dayStart := truncateDay(date)
	events, err := a.history.GetEventsBetween(dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("query day events: %w", err)
	}

	stats := computeDayStats(dayStart, events)
	rep := &models.Report{
		Version:     models.ReportVersion,
		Kind:        "daily",
		GeneratedAt: a.clock.Now().UTC(),
		PeriodStart: stats.Date,
		PeriodEnd:   stats.Date,
		Totals:      stats,
		TopPatterns: computePatterns(events, 24),
		Verdict:     verdictFor(stats),
	}

	if err := a.writeReport("daily-"+stats.Date+".json", rep); err != nil {
		return nil, err
	}
	log.Info().Str("date", stats.Date).Int("events", stats.TotalEvents).
		Str("verdict", string(rep.Verdict)).Msg("Daily report generated")
	return rep, nil
}

// GenerateWeeklyReport aggregates a 7-day window starting at weekStart,
// including the per-day breakdown.
func (a *Aggregator) GenerateWeeklyReport(weekStart time.Time) (*models.Report, error) {
	start := truncateDay(weekStart)
	end := start.AddDate(0, 0, 7)

	all, err := a.history.GetEventsBetween(start, end)
	if err != nil {
		return nil, fmt.Errorf("query week events: %w", err)
	}

	days := make([]models.DayStats, 0, 7)
	for d := 0; d < 7; d++ {
		dayStart := start.AddDate(0, 0, d)
		dayEnd := dayStart.AddDate(0, 0, 1)
		var dayEvents []services.StoredEvent
		for _, se := range all {
			if !se.Event.Timestamp.Before(dayStart) && se.Event.Timestamp.Before(dayEnd) {
				dayEvents = append(dayEvents, se)
			}
		}
		days = append(days, computeDayStats(dayStart, dayEvents))
	}

	totals := computeDayStats(start, all)
	totals.Date = start.Format("2006-01-02")

	rep := &models.Report{
		Version:     models.ReportVersion,
		Kind:        "weekly",
		GeneratedAt: a.clock.Now().UTC(),
		PeriodStart: start.Format("2006-01-02"),
		PeriodEnd:   end.AddDate(0, 0, -1).Format("2006-01-02"),
		Totals:      totals,
		Days:        days,
		TopPatterns: computePatterns(all, 24*7),
		Verdict:     verdictFor(totals),
	}

	if err := a.writeReport("weekly-"+rep.PeriodStart+".json", rep); err != nil {
		return nil, err
	}
	log.Info().Str("week_start", rep.PeriodStart).Int("events", totals.TotalEvents).
		Str("verdict", string(rep.Verdict)).Msg("Weekly report generated")
	return rep, nil
}

// ExportStatus writes the condensed health document for the dashboard,
// derived from the trailing 24 hours of history plus the shipper counters.
func (a *Aggregator) ExportStatus(path string, shipper state.ShipperState) error {
	now := a.clock.Now()
	events, err := a.history.GetEventsBetween(now.Add(-24*time.Hour), now)
	if err != nil {
		return fmt.Errorf("query status window: %w", err)
	}

	stats := computeDayStats(now, events)
	status := models.StatusExport{
		Verdict:        verdictFor(stats),
		GeneratedAt:    now.UTC(),
		WindowHours:    24,
		TotalEvents:    stats.TotalEvents,
		CriticalEvents: stats.ByLevel[models.LevelCritical],
		ErrorEvents:    stats.ByLevel[models.LevelError],
		RecoveryCount:  stats.RecoveryActions,
		ShipCount:      shipper.ShipCount,
	}
	if !shipper.LastShipTime.IsZero() {
		t := shipper.LastShipTime
		status.LastShipTime = &t
	}

	return writeJSONAtomic(path, status)
}

// ReadReport loads a stored report document by its file name stem, e.g.
// "daily-2026-08-30".
func (a *Aggregator) ReadReport(stem string) (*models.Report, error) {
	data, err := os.ReadFile(filepath.Join(a.reportDir, stem+".json"))
	if err != nil {
		return nil, err
	}
	var rep models.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", stem, err)
	}
	return &rep, nil
}

// PruneReports deletes report files past their retention horizon. A garbage
// collection pass, not time-critical; failures are logged, never fatal.
func (a *Aggregator) PruneReports() {
	entries, err := os.ReadDir(a.reportDir)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot list report dir for pruning")
		return
	}
	now := a.clock.Now()
	for _, entry := range entries {
		var retention time.Duration
		switch {
		case strings.HasPrefix(entry.Name(), "daily-"):
			retention = a.dailyRetention
		case strings.HasPrefix(entry.Name(), "weekly-"):
			retention = a.weeklyRetention
		default:
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > retention {
			if err := os.Remove(filepath.Join(a.reportDir, entry.Name())); err != nil {
				log.Warn().Err(err).Str("file", entry.Name()).Msg("Could not prune report")
			} else {
				log.Debug().Str("file", entry.Name()).Msg("Pruned expired report")
			}
		}
	}
}

func (a *Aggregator) writeReport(name string, rep *models.Report) error {
	return writeJSONAtomic(filepath.Join(a.reportDir, name), rep)
}

// writeJSONAtomic mirrors the state store's temp-file-and-rename discipline
// for report documents.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func computeDayStats(day time.Time, events []services.StoredEvent) models.DayStats {
	stats := models.DayStats{
		Date:        day.Format("2006-01-02"),
		ByLevel:     make(map[models.Level]int),
		ByComponent: make(map[string]int),
		ByEvent:     make(map[string]int),
	}
	for _, se := range events {
		stats.TotalEvents++
		stats.ByLevel[se.Event.Level]++
		if se.Event.Component != "" {
			stats.ByComponent[se.Event.Component]++
		}
		stats.ByEvent[se.Event.Event]++
		if se.Event.RecoveryLevel > 0 {
			stats.RecoveryActions++
			if se.Event.RecoveryLevel > stats.MaxRecoveryLvl {
				stats.MaxRecoveryLvl = se.Event.RecoveryLevel
			}
		}
	}
	return stats
}

// computePatterns ranks recurring ERROR and CRITICAL event types with
// first/last seen and frequency per hour over the window.
func computePatterns(events []services.StoredEvent, windowHours int) []models.ErrorPattern {
	type key struct{ component, event string }
	groups := make(map[key]*models.ErrorPattern)

	for _, se := range events {
		if se.Event.Level != models.LevelError && se.Event.Level != models.LevelCritical {
			continue
		}
		k := key{se.Event.Component, se.Event.Event}
		p, ok := groups[k]
		if !ok {
			p = &models.ErrorPattern{
				Event:      se.Event.Event,
				Component:  se.Event.Component,
				FirstSeen:  se.Event.Timestamp,
				LastSeen:   se.Event.Timestamp,
				SampleText: se.Event.Message,
			}
			groups[k] = p
		}
		p.Count++
		if se.Event.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = se.Event.Timestamp
		}
		if se.Event.Timestamp.After(p.LastSeen) {
			p.LastSeen = se.Event.Timestamp
		}
	}

	patterns := make([]models.ErrorPattern, 0, len(groups))
	for _, p := range groups {
		if windowHours > 0 {
			p.PerHour = float64(p.Count) / float64(windowHours)
		}
		patterns = append(patterns, *p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Event < patterns[j].Event
	})
	if len(patterns) > topPatternLimit {
		patterns = patterns[:topPatternLimit]
	}
	return patterns
}

// verdictFor derives the condensed health verdict: critical when any
// CRITICAL event occurred, degraded on errors or recovery activity, healthy
// otherwise. A quiet day is a healthy day.
func verdictFor(stats models.DayStats) models.HealthVerdict {
	if stats.ByLevel[models.LevelCritical] > 0 {
		return models.VerdictCritical
	}
	if stats.ByLevel[models.LevelError] > 0 || stats.RecoveryActions > 0 {
		return models.VerdictDegraded
	}
	return models.VerdictHealthy
}
