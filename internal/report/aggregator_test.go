package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/services"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

var t0 = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// fakeHistory serves canned rows to the aggregator.
type fakeHistory struct {
	events []services.StoredEvent
}

func (h *fakeHistory) RecordEvent(ev models.Event, decision string) error {
	h.events = append(h.events, services.StoredEvent{Event: ev, Decision: decision})
	return nil
}

func (h *fakeHistory) GetEventsBetween(from, to time.Time) ([]services.StoredEvent, error) {
	var out []services.StoredEvent
	for _, se := range h.events {
		if !se.Event.Timestamp.Before(from) && se.Event.Timestamp.Before(to) {
			out = append(out, se)
		}
	}
	return out, nil
}

func (h *fakeHistory) GetRecentEvents(limit int) ([]services.StoredEvent, error) {
	if len(h.events) > limit {
		return h.events[len(h.events)-limit:], nil
	}
	return h.events, nil
}

func (h *fakeHistory) PruneOlderThan(cutoff time.Time) (int64, error) {
	var kept []services.StoredEvent
	var removed int64
	for _, se := range h.events {
		if se.Event.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, se)
	}
	h.events = kept
	return removed, nil
}

func (h *fakeHistory) add(at time.Time, component string, level models.Level, event, msg string, recovery int) {
	h.events = append(h.events, services.StoredEvent{
		Event: models.Event{
			Timestamp:     at,
			Component:     component,
			Level:         level,
			Event:         event,
			Message:       msg,
			RecoveryLevel: recovery,
		},
		Decision: "forwarded",
	})
}

func newTestAggregator(t *testing.T, h *fakeHistory, now time.Time) (*Aggregator, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := NewAggregator(h, dir, 30*24*time.Hour, 60*24*time.Hour, &fakeClock{now: now})
	if err != nil {
		t.Fatal(err)
	}
	return a, dir
}

func TestGenerateDailyReport(t *testing.T) {
	h := &fakeHistory{}
	h.add(t0.Add(2*time.Hour), "browser", models.LevelInfo, "page.load", "ok", 0)
	h.add(t0.Add(3*time.Hour), "watchdog", models.LevelWarning, "browser.reload", "reload", 0)
	h.add(t0.Add(4*time.Hour), "watchdog", models.LevelError, "watchdog.action_failed", "reload failed", 1)
	h.add(t0.Add(4*time.Hour+time.Minute), "watchdog", models.LevelError, "watchdog.action_failed", "restart failed", 2)
	// Outside the day, must not count.
	h.add(t0.Add(25*time.Hour), "browser", models.LevelCritical, "health.critical", "next day", 0)

	a, dir := newTestAggregator(t, h, t0.Add(26*time.Hour))

	rep, err := a.GenerateDailyReport(t0.Add(5 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if rep.Kind != "daily" || rep.Version != models.ReportVersion {
		t.Errorf("kind/version = %s/%d", rep.Kind, rep.Version)
	}
	if rep.Totals.Date != "2026-03-10" {
		t.Errorf("date = %s", rep.Totals.Date)
	}
	if rep.Totals.TotalEvents != 4 {
		t.Errorf("total_events = %d, want 4 (next-day event excluded)", rep.Totals.TotalEvents)
	}
	if rep.Totals.ByLevel[models.LevelError] != 2 {
		t.Errorf("error count = %d, want 2", rep.Totals.ByLevel[models.LevelError])
	}
	if rep.Totals.RecoveryActions != 2 || rep.Totals.MaxRecoveryLvl != 2 {
		t.Errorf("recovery = %d/%d, want 2 actions max level 2",
			rep.Totals.RecoveryActions, rep.Totals.MaxRecoveryLvl)
	}
	if rep.Verdict != models.VerdictDegraded {
		t.Errorf("verdict = %s, want degraded", rep.Verdict)
	}

	if len(rep.TopPatterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(rep.TopPatterns))
	}
	p := rep.TopPatterns[0]
	if p.Event != "watchdog.action_failed" || p.Count != 2 {
		t.Errorf("pattern = %+v", p)
	}
	if !p.FirstSeen.Equal(t0.Add(4 * time.Hour)) {
		t.Errorf("first_seen = %v", p.FirstSeen)
	}

	// The document landed on disk and reads back.
	if _, err := os.Stat(filepath.Join(dir, "daily-2026-03-10.json")); err != nil {
		t.Fatal(err)
	}
	got, err := a.ReadReport("daily-2026-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if got.Totals.TotalEvents != rep.Totals.TotalEvents {
		t.Error("reread report does not match generated report")
	}
}

func TestDailyVerdicts(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *fakeHistory)
		want  models.HealthVerdict
	}{
		{"no events", func(h *fakeHistory) {}, models.VerdictHealthy},
		{"info only", func(h *fakeHistory) {
			h.add(t0.Add(time.Hour), "browser", models.LevelInfo, "page.load", "ok", 0)
		}, models.VerdictHealthy},
		{"recovery activity", func(h *fakeHistory) {
			h.add(t0.Add(time.Hour), "watchdog", models.LevelWarning, "browser.restart", "restart", 1)
		}, models.VerdictDegraded},
		{"error", func(h *fakeHistory) {
			h.add(t0.Add(time.Hour), "browser", models.LevelError, "render.fail", "boom", 0)
		}, models.VerdictDegraded},
		{"critical trumps all", func(h *fakeHistory) {
			h.add(t0.Add(time.Hour), "browser", models.LevelInfo, "page.load", "ok", 0)
			h.add(t0.Add(2*time.Hour), "watchdog", models.LevelCritical, "system.reboot", "reboot", 4)
		}, models.VerdictCritical},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := &fakeHistory{}
			c.setup(h)
			a, _ := newTestAggregator(t, h, t0.Add(24*time.Hour))
			rep, err := a.GenerateDailyReport(t0)
			if err != nil {
				t.Fatal(err)
			}
			if rep.Verdict != c.want {
				t.Errorf("verdict = %s, want %s", rep.Verdict, c.want)
			}
		})
	}
}

func TestGenerateWeeklyReport(t *testing.T) {
	h := &fakeHistory{}
	// One event on day 0, two on day 3, one critical on day 6.
	h.add(t0.Add(10*time.Hour), "browser", models.LevelInfo, "page.load", "ok", 0)
	h.add(t0.AddDate(0, 0, 3).Add(time.Hour), "watchdog", models.LevelError, "watchdog.action_failed", "x", 1)
	h.add(t0.AddDate(0, 0, 3).Add(2*time.Hour), "watchdog", models.LevelWarning, "browser.restart", "y", 1)
	h.add(t0.AddDate(0, 0, 6).Add(time.Hour), "watchdog", models.LevelCritical, "system.reboot", "z", 4)

	a, _ := newTestAggregator(t, h, t0.AddDate(0, 0, 7))
	rep, err := a.GenerateWeeklyReport(t0)
	if err != nil {
		t.Fatal(err)
	}

	if rep.Kind != "weekly" {
		t.Errorf("kind = %s", rep.Kind)
	}
	if rep.PeriodStart != "2026-03-10" || rep.PeriodEnd != "2026-03-16" {
		t.Errorf("period = %s..%s", rep.PeriodStart, rep.PeriodEnd)
	}
	if len(rep.Days) != 7 {
		t.Fatalf("days = %d, want 7", len(rep.Days))
	}
	if rep.Days[0].TotalEvents != 1 || rep.Days[3].TotalEvents != 2 || rep.Days[6].TotalEvents != 1 {
		t.Errorf("per-day totals = %d/%d/%d",
			rep.Days[0].TotalEvents, rep.Days[3].TotalEvents, rep.Days[6].TotalEvents)
	}
	if rep.Days[1].TotalEvents != 0 {
		t.Errorf("quiet day total = %d, want 0", rep.Days[1].TotalEvents)
	}
	if rep.Totals.TotalEvents != 4 {
		t.Errorf("week total = %d, want 4", rep.Totals.TotalEvents)
	}
	if rep.Verdict != models.VerdictCritical {
		t.Errorf("verdict = %s, want critical", rep.Verdict)
	}
}

func TestExportStatus(t *testing.T) {
	now := t0.Add(30 * time.Hour)
	h := &fakeHistory{}
	// Inside the trailing 24h window.
	h.add(now.Add(-2*time.Hour), "watchdog", models.LevelError, "watchdog.action_failed", "x", 2)
	h.add(now.Add(-time.Hour), "browser", models.LevelInfo, "page.load", "ok", 0)
	// Outside the window.
	h.add(now.Add(-26*time.Hour), "watchdog", models.LevelCritical, "system.reboot", "old", 4)

	a, _ := newTestAggregator(t, h, now)

	shipTime := now.Add(-90 * time.Minute)
	path := filepath.Join(t.TempDir(), "status.json")
	err := a.ExportStatus(path, state.ShipperState{LastShipTime: shipTime, ShipCount: 7})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var status models.StatusExport
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}

	if status.Verdict != models.VerdictDegraded {
		t.Errorf("verdict = %s, want degraded (old critical outside window)", status.Verdict)
	}
	if status.TotalEvents != 2 || status.ErrorEvents != 1 || status.CriticalEvents != 0 {
		t.Errorf("counts = total %d, errors %d, critical %d",
			status.TotalEvents, status.ErrorEvents, status.CriticalEvents)
	}
	if status.RecoveryCount != 1 {
		t.Errorf("recovery_actions = %d, want 1", status.RecoveryCount)
	}
	if status.ShipCount != 7 || status.LastShipTime == nil || !status.LastShipTime.Equal(shipTime) {
		t.Errorf("shipper fields = %d / %v", status.ShipCount, status.LastShipTime)
	}
}

func TestPruneReports(t *testing.T) {
	h := &fakeHistory{}
	now := t0.AddDate(0, 0, 90)
	a, dir := newTestAggregator(t, h, now)

	old := filepath.Join(dir, "daily-2026-01-01.json")
	fresh := filepath.Join(dir, "daily-2026-06-01.json")
	weeklyOld := filepath.Join(dir, "weekly-2026-01-01.json")
	other := filepath.Join(dir, "status.json")
	for _, p := range []string{old, fresh, weeklyOld, other} {
		if err := os.WriteFile(p, []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	// Age files via mtime; retention is mtime-based.
	stale := now.Add(-40 * 24 * time.Hour)
	veryStale := now.Add(-70 * 24 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(weeklyOld, veryStale, veryStale); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, veryStale, veryStale); err != nil {
		t.Fatal(err)
	}

	a.PruneReports()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired daily report not pruned")
	}
	if _, err := os.Stat(weeklyOld); !os.IsNotExist(err) {
		t.Error("expired weekly report not pruned")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh daily report must survive")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-report files must never be pruned")
	}
}
