// Package filter implements the critical event filter: classification,
// content-hash deduplication within a sliding window, and hourly rate
// limiting. Survivors are handed to the shipper; every decision is auditable
// through the log, the recorders and the persisted counters.
package filter

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

// Decision is the outcome of processing one event record. None of these are
// errors; dropping an event is a normal filtering outcome.
type Decision string

const (
	DecisionInvalid     Decision = "invalid"
	DecisionNotCritical Decision = "not_critical"
	DecisionDuplicate   Decision = "duplicate"
	DecisionRateLimited Decision = "rate_limited"
	DecisionForwarded   Decision = "forwarded"
	DecisionShipSkipped Decision = "ship_skipped"
	DecisionShipFailed  Decision = "ship_failed"
)

// Shipper delivers one filtered event to the remote endpoint. Retries are
// its responsibility; the filter never retries.
type Shipper interface {
	Ship(ctx context.Context, ev models.Event) (bool, error)
}

// Recorder observes every processed event and its decision. Implementations
// feed the sqlite history, the prometheus counters and the live websocket
// feed; failures there must never block the stream, so Record returns
// nothing.
type Recorder interface {
	Record(ev models.Event, decision Decision)
}

// Config holds the filter tunables.
type Config struct {
	DedupWindow      time.Duration
	MaxEventsPerHour int
	CriticalPatterns []string

	// cleanup cadence for expired fingerprints and stale buckets; lazy so
	// flash writes stay bounded.
	CleanupInterval time.Duration

	// retention horizons for the rate buckets.
	HourlyHorizon time.Duration
	DailyHorizon  time.Duration
}

func (c *Config) applyDefaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 60 * time.Minute
	}
	if c.MaxEventsPerHour <= 0 {
		c.MaxEventsPerHour = 10
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.HourlyHorizon <= 0 {
		c.HourlyHorizon = 24 * time.Hour
	}
	if c.DailyHorizon <= 0 {
		c.DailyHorizon = 7 * 24 * time.Hour
	}
}

// Filter is the streaming classifier. Not safe for concurrent use; the
// pipeline processes one line at a time by design.
type Filter struct {
	cfg       Config
	store     *state.Store
	st        *state.FilterState
	shipper   Shipper
	clock     state.Clock
	recorders []Recorder
}

// New loads filter state from the store and returns a ready filter.
// shipper may be nil (dry-run): events that would be forwarded are logged
// and counted but nothing leaves the device.
func New(cfg Config, store *state.Store, shipper Shipper, clock state.Clock, recorders ...Recorder) *Filter {
	cfg.applyDefaults()
	if clock == nil {
		clock = state.SystemClock{}
	}
	return &Filter{
		cfg:       cfg,
		store:     store,
		st:        store.LoadFilter(),
		shipper:   shipper,
		clock:     clock,
		recorders: recorders,
	}
}

// State exposes the current counters for the status surface. Read-only.
func (f *Filter) State() state.FilterState { return *f.st }

// Classify reports whether the event is criticality-worthy. Broad
// level-based rules run first and pattern rules last, so patterns can only
// add criticality, never suppress it.
func (f *Filter) Classify(ev models.Event) bool {
	if ev.Level == models.LevelCritical {
		return true
	}
	if ev.Level == models.LevelError && ev.RecoveryLevel > 1 {
		return true
	}
	for _, pat := range f.cfg.CriticalPatterns {
		if strings.Contains(ev.Event, pat) {
			return true
		}
	}
	// A browser restart alone is routine; one that follows a recovery
	// attempt means the gentle fixes are not holding.
	if strings.Contains(ev.Event, "browser.restart") && ev.RecoveryLevel > 0 {
		return true
	}
	return false
}

// IsDuplicate reports whether the event's fingerprint was seen within the
// dedup window. Testing alone has no side effects; state is only updated
// inside Process once a decision is made.
func (f *Filter) IsDuplicate(ev models.Event) bool {
	last, ok := f.st.Fingerprints[ev.Fingerprint()]
	return ok && f.clock.Now().Sub(last) < f.cfg.DedupWindow
}

// IsRateLimited reports whether the current hour's forwarded quota is spent.
func (f *Filter) IsRateLimited() bool {
	return f.st.HourlyCounts[state.HourBucket(f.clock.Now())] >= f.cfg.MaxEventsPerHour
}

// ProcessLine parses one NDJSON line and processes the event. Malformed
// lines are skipped silently (debug log only) and never abort the stream.
func (f *Filter) ProcessLine(ctx context.Context, line []byte) Decision {
	if len(strings.TrimSpace(string(line))) == 0 {
		return DecisionInvalid
	}
	ev, err := models.ParseLine(line, f.clock.Now())
	if err != nil {
		log.Debug().Err(err).Msg("Skipping malformed event line")
		return DecisionInvalid
	}
	return f.Process(ctx, ev)
}

// Process runs the full decision sequence for one event: classify, dedup,
// rate limit, forward, record. Dedup state is updated for every
// classified-critical event regardless of forwarding outcome, so a
// rate-limited duplicate still refreshes its fingerprint; only the forwarded
// counter differs between outcomes.
func (f *Filter) Process(ctx context.Context, ev models.Event) Decision {
	decision := f.decide(ctx, ev)
	for _, r := range f.recorders {
		r.Record(ev, decision)
	}
	return decision
}

func (f *Filter) decide(ctx context.Context, ev models.Event) Decision {
	now := f.clock.Now()

	if !f.Classify(ev) {
		log.Debug().Str("event", ev.Event).Str("level", string(ev.Level)).
			Msg("Event not critical, dropping")
		return DecisionNotCritical
	}

	fp := ev.Fingerprint()
	last, seen := f.st.Fingerprints[fp]
	dup := seen && now.Sub(last) < f.cfg.DedupWindow

	// Fingerprint refresh happens for every classified event, including
	// duplicates and rate-limited ones.
	f.st.Fingerprints[fp] = now

	if dup {
		f.st.DuplicateTotal++
		log.Debug().Str("fingerprint", fp).Str("event", ev.Event).
			Time("last_seen", last).Msg("Duplicate within dedup window, dropping")
		f.persist(now)
		return DecisionDuplicate
	}

	bucket := state.HourBucket(now)
	if f.st.HourlyCounts[bucket] >= f.cfg.MaxEventsPerHour {
		f.st.RateLimitedTotal++
		log.Warn().Str("event", ev.Event).Str("bucket", bucket).
			Int("limit", f.cfg.MaxEventsPerHour).Msg("Hourly rate limit reached, dropping")
		f.persist(now)
		return DecisionRateLimited
	}

	// The event survives the filter: it counts against the hourly quota no
	// matter how delivery goes, so a flapping webhook cannot widen the quota.
	f.st.HourlyCounts[bucket]++
	f.st.DailyCounts[state.DayBucket(now)]++

	decision := f.forward(ctx, ev)
	f.persist(now)
	return decision
}

func (f *Filter) forward(ctx context.Context, ev models.Event) Decision {
	if f.shipper == nil {
		f.st.ForwardedTotal++
		log.Info().Str("event", ev.Event).Msg("Dry run: event would be shipped")
		return DecisionForwarded
	}

	delivered, err := f.shipper.Ship(ctx, ev)
	switch {
	case err != nil:
		f.st.DeliveryFailures++
		log.Error().Err(err).Str("event", ev.Event).
			Msg("Delivery failed after retries, dropping event")
		return DecisionShipFailed
	case !delivered:
		log.Info().Str("event", ev.Event).Msg("Delivery skipped by shipper cooldown")
		return DecisionShipSkipped
	default:
		f.st.ForwardedTotal++
		log.Info().Str("event", ev.Event).Str("component", ev.Component).
			Msg("Critical event shipped")
		return DecisionForwarded
	}
}

// persist saves state and runs the lazy cleanup when it is due. A failed
// save is logged and the stream continues; the next event retries it.
func (f *Filter) persist(now time.Time) {
	if now.Sub(f.st.LastCleanup) >= f.cfg.CleanupInterval {
		f.cleanup(now)
	}
	if err := f.store.SaveFilter(f.st); err != nil {
		log.Error().Err(err).Msg("Failed to persist filter state")
	}
}

// cleanup prunes expired fingerprints and rate buckets past their horizon.
// Runs at most once per CleanupInterval to keep SD card writes bounded.
func (f *Filter) cleanup(now time.Time) {
	expiredFP := 0
	for fp, last := range f.st.Fingerprints {
		if now.Sub(last) >= f.cfg.DedupWindow {
			delete(f.st.Fingerprints, fp)
			expiredFP++
		}
	}

	hourFloor := state.HourBucket(now.Add(-f.cfg.HourlyHorizon))
	for bucket := range f.st.HourlyCounts {
		if bucket < hourFloor {
			delete(f.st.HourlyCounts, bucket)
		}
	}
	dayFloor := state.DayBucket(now.Add(-f.cfg.DailyHorizon))
	for bucket := range f.st.DailyCounts {
		if bucket < dayFloor {
			delete(f.st.DailyCounts, bucket)
		}
	}

	f.st.LastCleanup = now
	log.Debug().Int("expired_fingerprints", expiredFP).Msg("Filter state cleanup complete")
}
