package watchdog

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

// Emitter receives the structured event records the machine produces for
// every escalation, recovery and reset. These records are the primary input
// of the critical event filter downstream.
type Emitter interface {
	Emit(ev models.Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ev models.Event)

// Emit calls f.
func (f EmitterFunc) Emit(ev models.Event) { f(ev) }

// Machine walks one domain's escalation ladder. The policy: try the
// gentlest fix, escalate when the symptom recurs after a successful action
// or when an action fails to execute, fully reset once the symptom clears.
//
// The reset-vs-escalate boundary matters: escalating too eagerly reboots a
// box that a page reload would have fixed, never escalating leaves a dead
// display dead forever.
type Machine struct {
	domain Domain
	store  *state.Store
	clock  state.Clock
	emit   Emitter

	// grace is how long a successful action has to prove itself: a symptom
	// recurring within it escalates, a symptom absent past it resolves.
	grace time.Duration

	// onExhausted chains this ladder into the next-outer one. Nil for the
	// outermost ladder, whose final rung is already the full reboot.
	onExhausted func(ctx context.Context)

	mu sync.Mutex
	st *state.EscalationState
}

// NewMachine loads the domain's persisted position and returns its machine.
func NewMachine(domain Domain, store *state.Store, clock state.Clock, emit Emitter, grace time.Duration) *Machine {
	if clock == nil {
		clock = state.SystemClock{}
	}
	return &Machine{
		domain: domain,
		store:  store,
		clock:  clock,
		emit:   emit,
		grace:  grace,
		st:     store.LoadEscalation(domain.Name),
	}
}

// ChainTo escalates into next when this machine's ladder is exhausted.
func (m *Machine) ChainTo(next *Machine) {
	m.onExhausted = func(ctx context.Context) {
		log.Warn().Str("domain", m.domain.Name).Str("next", next.domain.Name).
			Msg("Ladder exhausted, escalating into outer ladder")
		next.ForceEscalate(ctx)
	}
}

// State returns a copy of the domain's escalation state. Read-only to
// everything outside the machine.
func (m *Machine) State() state.EscalationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.st
}

// Tick processes one health-check observation. Decisions for one domain
// never overlap; the mutex covers domains sharing a store across timers.
func (m *Machine) Tick(ctx context.Context, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if healthy {
		m.observeHealthy(now)
		return
	}

	m.st.ConsecutiveFailures++
	log.Debug().Str("domain", m.domain.Name).
		Int("consecutive_failures", m.st.ConsecutiveFailures).
		Bool("engaged", m.st.Engaged).Msg("Health check failed")

	switch {
	case !m.st.Engaged:
		if m.st.ConsecutiveFailures < m.domain.FailureThreshold {
			m.save()
			return
		}
		// Threshold crossed: enter the ladder at its first rung.
		m.executeFrom(ctx, 0, now)

	case now.Sub(m.st.LastActionAt) <= m.grace:
		// The last action did not hold; the symptom is back within its
		// grace window.
		m.emitEscalation(now)
		m.executeFrom(ctx, m.currentRung()+1, now)

	default:
		// The grace window passed without a healthy observation in between,
		// which only happens when checks were interrupted (process restart,
		// suspended clock). Treat it as a fresh incident from the bottom
		// rather than escalating on stale evidence.
		log.Warn().Str("domain", m.domain.Name).
			Msg("Symptom reappeared long after last action, restarting ladder from bottom")
		m.resetLocked(now)
		m.st.ConsecutiveFailures = 1
	}

	m.save()
}

// ForceEscalate enters the ladder immediately, bypassing the failure
// threshold. Used when an inner ladder chains into this one.
func (m *Machine) ForceEscalate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	rung := 0
	if m.st.Engaged {
		m.emitEscalation(now)
		rung = m.currentRung() + 1
	}
	m.executeFrom(ctx, rung, now)
	m.save()
}

// observeHealthy handles a passing check: any engagement resolves, counters
// clear. Full reset, not just consecutive_failures.
func (m *Machine) observeHealthy(now time.Time) {
	if !m.st.Engaged && m.st.ConsecutiveFailures == 0 {
		return
	}
	if m.st.Engaged {
		m.emit.Emit(models.Event{
			Timestamp:     now,
			Component:     "watchdog",
			Level:         models.LevelInfo,
			Event:         "watchdog.recover",
			Message:       m.domain.Name + " symptom cleared, escalation reset",
			RecoveryLevel: m.st.CurrentLevel,
			Details:       map[string]interface{}{"domain": m.domain.Name},
		})
		log.Info().Str("domain", m.domain.Name).Int("from_level", m.st.CurrentLevel).
			Msg("Symptom cleared, resetting escalation")
	}
	m.resetLocked(now)
	m.save()
}

// currentRung maps the persisted ladder level back to a ladder index.
func (m *Machine) currentRung() int {
	return m.st.CurrentLevel - m.domain.BaseLevel
}

// executeFrom runs the action at the given rung. An action that fails to
// execute escalates immediately, in the same tick, without waiting for
// another health-check cycle. Success resets consecutive_failures and holds
// the level until the next observation decides between reset and escalate.
func (m *Machine) executeFrom(ctx context.Context, rung int, now time.Time) {
	for rung < len(m.domain.Ladder) {
		action := m.domain.Ladder[rung]
		level := m.domain.BaseLevel + rung

		m.st.Engaged = true
		m.st.CurrentLevel = level
		m.st.LevelEnteredAt = now
		m.st.LastActionAt = now

		err := action.Run(ctx)
		if err == nil {
			m.st.ConsecutiveFailures = 0
			m.emit.Emit(models.Event{
				Timestamp:     now,
				Component:     "watchdog",
				Level:         action.Level,
				Event:         action.EventName,
				Message:       "recovery action executed for " + m.domain.Name + " symptom",
				RecoveryLevel: level,
				Details:       map[string]interface{}{"domain": m.domain.Name, "ladder_level": level},
			})
			return
		}

		log.Error().Err(err).Str("domain", m.domain.Name).Int("level", level).
			Str("action", action.EventName).Msg("Recovery action failed to execute, escalating immediately")
		m.emit.Emit(models.Event{
			Timestamp:     now,
			Component:     "watchdog",
			Level:         models.LevelError,
			Event:         "watchdog.action_failed",
			Message:       action.EventName + " failed: " + err.Error(),
			RecoveryLevel: level,
			Details:       map[string]interface{}{"domain": m.domain.Name, "action": action.EventName},
		})
		rung++
	}

	// Past the top of the ladder.
	m.emit.Emit(models.Event{
		Timestamp:     now,
		Component:     "watchdog",
		Level:         models.LevelCritical,
		Event:         "watchdog.exhausted",
		Message:       m.domain.Name + " ladder exhausted without recovery",
		RecoveryLevel: m.domain.BaseLevel + len(m.domain.Ladder) - 1,
		Details:       map[string]interface{}{"domain": m.domain.Name},
	})
	if m.onExhausted != nil {
		m.onExhausted(ctx)
	}
	m.resetLocked(now)
}

// emitEscalation records the escalate transition before the next rung runs.
func (m *Machine) emitEscalation(now time.Time) {
	m.emit.Emit(models.Event{
		Timestamp:     now,
		Component:     "watchdog",
		Level:         models.LevelWarning,
		Event:         "watchdog.escalate",
		Message:       m.domain.Name + " symptom recurred after level " + strconv.Itoa(m.st.CurrentLevel) + " action",
		RecoveryLevel: m.st.CurrentLevel + 1,
		Details:       map[string]interface{}{"domain": m.domain.Name, "from_level": m.st.CurrentLevel},
	})
}

func (m *Machine) resetLocked(now time.Time) {
	m.st.ConsecutiveFailures = 0
	m.st.Engaged = false
	m.st.CurrentLevel = 0
	m.st.LevelEnteredAt = now
}

func (m *Machine) save() {
	if err := m.store.SaveEscalation(m.domain.Name, m.st); err != nil {
		log.Error().Err(err).Str("domain", m.domain.Name).Msg("Failed to persist escalation state")
	}
}
