package filter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

var testPatterns = []string{"reboot", "service.restart", "watchdog.escalate", "health.critical"}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeShipper struct {
	shipped []models.Event
	fail    bool
	skip    bool
}

func (s *fakeShipper) Ship(_ context.Context, ev models.Event) (bool, error) {
	if s.fail {
		return false, errors.New("webhook down")
	}
	if s.skip {
		return false, nil
	}
	s.shipped = append(s.shipped, ev)
	return true, nil
}

func newTestFilter(t *testing.T, ship Shipper) (*Filter, *fakeClock, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: t0}
	f := New(Config{
		DedupWindow:      60 * time.Minute,
		MaxEventsPerHour: 10,
		CriticalPatterns: testPatterns,
	}, store, ship, clock)
	return f, clock, store
}

func criticalEvent(msg string) models.Event {
	return models.Event{
		Timestamp: t0,
		Component: "watchdog",
		Level:     models.LevelCritical,
		Event:     "watchdog.escalate",
		Message:   msg,
	}
}

func TestClassify(t *testing.T) {
	f, _, _ := newTestFilter(t, nil)

	cases := []struct {
		name     string
		level    models.Level
		event    string
		recovery int
		want     bool
	}{
		{"critical level", models.LevelCritical, "anything.at.all", 0, true},
		{"error with deep recovery", models.LevelError, "server.slow", 2, true},
		{"error with shallow recovery", models.LevelError, "server.slow", 1, false},
		{"plain error", models.LevelError, "server.slow", 0, false},
		{"reboot pattern", models.LevelInfo, "system.reboot", 0, true},
		{"service restart pattern", models.LevelInfo, "service.restart", 0, true},
		{"escalate pattern", models.LevelWarning, "watchdog.escalate", 0, true},
		{"health critical pattern", models.LevelInfo, "health.critical", 0, true},
		{"browser restart alone", models.LevelWarning, "browser.restart", 0, false},
		{"browser restart after recovery", models.LevelWarning, "browser.restart", 1, true},
		{"plain info", models.LevelInfo, "page.load", 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev := models.Event{Timestamp: t0, Level: c.level, Event: c.event, RecoveryLevel: c.recovery}
			if got := f.Classify(ev); got != c.want {
				t.Errorf("Classify(%s, %s, rl=%d) = %v, want %v", c.level, c.event, c.recovery, got, c.want)
			}
		})
	}
}

// Raising recovery_level must never turn a critical event non-critical.
func TestClassifyMonotonicInRecoveryLevel(t *testing.T) {
	f, _, _ := newTestFilter(t, nil)

	levels := []models.Level{models.LevelInfo, models.LevelWarning, models.LevelError, models.LevelCritical}
	events := []string{"page.load", "browser.restart", "watchdog.escalate", "server.slow"}

	for _, lvl := range levels {
		for _, evt := range events {
			prev := false
			for rl := 0; rl <= 5; rl++ {
				got := f.Classify(models.Event{Timestamp: t0, Level: lvl, Event: evt, RecoveryLevel: rl})
				if prev && !got {
					t.Fatalf("classification regressed for level=%s event=%s at recovery_level=%d", lvl, evt, rl)
				}
				prev = got
			}
		}
	}
}

func TestDedupIdempotence(t *testing.T) {
	ship := &fakeShipper{}
	f, clock, _ := newTestFilter(t, ship)
	ctx := context.Background()

	ev := criticalEvent("X")
	decisions := make([]Decision, 0, 3)
	for i := 0; i < 3; i++ {
		decisions = append(decisions, f.Process(ctx, ev))
		clock.advance(2 * time.Minute)
	}

	if len(ship.shipped) != 1 {
		t.Fatalf("shipped %d times, want 1", len(ship.shipped))
	}
	if decisions[0] != DecisionForwarded || decisions[1] != DecisionDuplicate || decisions[2] != DecisionDuplicate {
		t.Fatalf("decisions = %v", decisions)
	}

	st := f.State()
	if st.DuplicateTotal != 2 {
		t.Errorf("DuplicateTotal = %d, want 2", st.DuplicateTotal)
	}

	// Past the dedup window the same event forwards again. The window is
	// measured from the latest sighting: duplicates refresh last-seen.
	clock.advance(61 * time.Minute)
	if got := f.Process(ctx, ev); got != DecisionForwarded {
		t.Fatalf("after window elapsed, decision = %s, want forwarded", got)
	}
	if len(ship.shipped) != 2 {
		t.Errorf("shipped %d times, want 2", len(ship.shipped))
	}
}

func TestRateLimitBoundary(t *testing.T) {
	ship := &fakeShipper{}
	f, clock, _ := newTestFilter(t, ship)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ev := criticalEvent(fmt.Sprintf("distinct failure %d", i))
		if got := f.Process(ctx, ev); got != DecisionForwarded {
			t.Fatalf("event %d: decision = %s, want forwarded", i, got)
		}
		clock.advance(time.Minute)
	}

	eleventh := criticalEvent("distinct failure 10")
	if got := f.Process(ctx, eleventh); got != DecisionRateLimited {
		t.Fatalf("11th event decision = %s, want rate_limited", got)
	}
	if len(ship.shipped) != 10 {
		t.Fatalf("shipped %d, want 10", len(ship.shipped))
	}

	// First event of the next hour bucket goes through.
	clock.advance(time.Hour)
	next := criticalEvent("next hour failure")
	if got := f.Process(ctx, next); got != DecisionForwarded {
		t.Fatalf("next-hour decision = %s, want forwarded", got)
	}
}

// A rate-limited event still records its fingerprint; the very next sighting
// is a duplicate, not a second rate-limit drop.
func TestRateLimitedEventStillRecordsFingerprint(t *testing.T) {
	ship := &fakeShipper{}
	f, clock, _ := newTestFilter(t, ship)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.Process(ctx, criticalEvent(fmt.Sprintf("filler %d", i)))
	}

	limited := criticalEvent("over quota")
	if got := f.Process(ctx, limited); got != DecisionRateLimited {
		t.Fatalf("decision = %s, want rate_limited", got)
	}

	clock.advance(time.Minute)
	if got := f.Process(ctx, limited); got != DecisionDuplicate {
		t.Fatalf("repeat decision = %s, want duplicate", got)
	}

	st := f.State()
	if st.RateLimitedTotal != 1 || st.DuplicateTotal != 1 {
		t.Errorf("counters = rate_limited %d, duplicates %d, want 1 and 1",
			st.RateLimitedTotal, st.DuplicateTotal)
	}
}

func TestShipFailureDoesNotBlockStream(t *testing.T) {
	ship := &fakeShipper{fail: true}
	f, clock, _ := newTestFilter(t, ship)
	ctx := context.Background()

	if got := f.Process(ctx, criticalEvent("A")); got != DecisionShipFailed {
		t.Fatalf("decision = %s, want ship_failed", got)
	}

	ship.fail = false
	clock.advance(time.Minute)
	if got := f.Process(ctx, criticalEvent("B")); got != DecisionForwarded {
		t.Fatalf("subsequent event decision = %s, want forwarded", got)
	}

	st := f.State()
	if st.DeliveryFailures != 1 || st.ForwardedTotal != 1 {
		t.Errorf("counters = failures %d, forwarded %d", st.DeliveryFailures, st.ForwardedTotal)
	}
}

func TestProcessLineSkipsMalformedInput(t *testing.T) {
	f, _, _ := newTestFilter(t, &fakeShipper{})
	ctx := context.Background()

	for _, line := range []string{"", "   ", "not json at all", `{"level":"CRITICAL"}`} {
		if got := f.ProcessLine(ctx, []byte(line)); got != DecisionInvalid {
			t.Errorf("line %q decision = %s, want invalid", line, got)
		}
	}

	good := `{"timestamp":"2026-03-10T09:00:00Z","component":"watchdog","level":"CRITICAL","event":"watchdog.escalate","message":"X"}`
	if got := f.ProcessLine(ctx, []byte(good)); got != DecisionForwarded {
		t.Errorf("good line decision = %s, want forwarded", got)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	ship := &fakeShipper{}
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: t0}
	cfg := Config{DedupWindow: time.Hour, MaxEventsPerHour: 10, CriticalPatterns: testPatterns}

	f := New(cfg, store, ship, clock)
	f.Process(context.Background(), criticalEvent("X"))

	// A new filter over the same store sees the fingerprint.
	f2 := New(cfg, store, ship, clock)
	clock.advance(5 * time.Minute)
	if got := f2.Process(context.Background(), criticalEvent("X")); got != DecisionDuplicate {
		t.Fatalf("after restart decision = %s, want duplicate", got)
	}
}

func TestCleanupPrunesExpiredState(t *testing.T) {
	ship := &fakeShipper{}
	f, clock, _ := newTestFilter(t, ship)
	ctx := context.Background()

	f.Process(ctx, criticalEvent("old"))

	// Two hours later the cleanup pass runs with the next processed event
	// and the expired fingerprint goes away.
	clock.advance(2 * time.Hour)
	f.Process(ctx, criticalEvent("new"))

	st := f.State()
	oldEvent := criticalEvent("old")
	newEvent := criticalEvent("new")
	if _, ok := st.Fingerprints[oldEvent.Fingerprint()]; ok {
		t.Error("expired fingerprint not pruned")
	}
	if _, ok := st.Fingerprints[newEvent.Fingerprint()]; !ok {
		t.Error("live fingerprint must survive cleanup")
	}
}

type countingRecorder struct {
	decisions map[Decision]int
}

func (r *countingRecorder) Record(_ models.Event, d Decision) {
	r.decisions[d]++
}

// The same critical event three times within five minutes means one delivery
// and two suppressions.
func TestEndToEndDedupScenario(t *testing.T) {
	ship := &fakeShipper{}
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: t0}
	rec := &countingRecorder{decisions: make(map[Decision]int)}
	f := New(Config{DedupWindow: time.Hour, MaxEventsPerHour: 10, CriticalPatterns: testPatterns}, store, ship, clock, rec)

	line := []byte(`{"level":"CRITICAL","component":"watchdog","event":"watchdog.escalate","message":"X"}`)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.ProcessLine(ctx, line)
		clock.advance(2 * time.Minute)
	}

	if len(ship.shipped) != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", len(ship.shipped))
	}
	if rec.decisions[DecisionForwarded] != 1 || rec.decisions[DecisionDuplicate] != 2 {
		t.Errorf("recorded decisions = %v", rec.decisions)
	}
}
