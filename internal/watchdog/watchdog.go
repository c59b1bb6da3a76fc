package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

// Watchdog drives both escalation machines on a fixed health-check tick.
type Watchdog struct {
	browserCheck HealthCheck
	systemCheck  HealthCheck
	browser      *Machine
	system       *Machine
	interval     time.Duration
	ticker       *time.Ticker
	done         chan bool
}

// Options wires a watchdog.
type Options struct {
	BrowserCheck  HealthCheck
	SystemCheck   HealthCheck
	Runner        *Runner
	Store         *state.Store
	Clock         state.Clock
	Emitter       Emitter
	CheckInterval time.Duration
	GracePeriod   time.Duration
	Threshold     int
}

// New builds the two domain machines, chains the browser ladder into the
// system ladder, and returns the polling watchdog.
func New(opts Options) *Watchdog {
	browser := NewMachine(BrowserDomain(opts.Runner, opts.Threshold), opts.Store, opts.Clock, opts.Emitter, opts.GracePeriod)
	system := NewMachine(SystemDomain(opts.Runner, opts.Threshold), opts.Store, opts.Clock, opts.Emitter, opts.GracePeriod)
	browser.ChainTo(system)

	return &Watchdog{
		browserCheck: opts.BrowserCheck,
		systemCheck:  opts.SystemCheck,
		browser:      browser,
		system:       system,
		interval:     opts.CheckInterval,
		done:         make(chan bool),
	}
}

// Machines exposes the two machines for the status surface.
func (w *Watchdog) Machines() (browser, system *Machine) {
	return w.browser, w.system
}

// Run starts the health-check ticking loop. Checks are synchronous and
// blocking between ticks; two escalation decisions for the same domain can
// never overlap.
func (w *Watchdog) Run(ctx context.Context) {
	log.Info().Dur("interval", w.interval).Msg("Starting watchdog health checks...")
	w.ticker = time.NewTicker(w.interval)
	defer w.ticker.Stop()

	// Run once immediately on start
	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping watchdog: context cancelled.")
			return
		case <-w.done:
			log.Info().Msg("Stopping watchdog.")
			return
		case <-w.ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop halts the polling loop.
func (w *Watchdog) Stop() {
	w.done <- true
}

func (w *Watchdog) tick(ctx context.Context) {
	if err := w.browserCheck.Check(ctx); err != nil {
		log.Warn().Err(err).Msg("Browser heartbeat check failed")
		w.browser.Tick(ctx, false)
	} else {
		w.browser.Tick(ctx, true)
	}

	if err := w.systemCheck.Check(ctx); err != nil {
		log.Warn().Err(err).Msg("System health check failed")
		w.system.Tick(ctx, false)
	} else {
		w.system.Tick(ctx, true)
	}
}
