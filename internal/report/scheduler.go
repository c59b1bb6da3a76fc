package report

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/calkiosk/kiosk-sentinel/internal/services"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

// Cron expressions for the two report kinds. Shortly after midnight so the
// aggregated day is complete; weekly on Monday for the week just ended.
const (
	dailyCronSpec  = "10 0 * * *"
	weeklyCronSpec = "25 0 * * 1"
)

// Scheduler generates reports on a cron cadence and runs the retention
// passes. It follows the same tick-and-check loop the rest of the daemon
// uses rather than running its own cron goroutine, so shutdown stays simple.
type Scheduler struct {
	agg        *Aggregator
	history    services.EventHistoryProvider
	metrics    *Metrics
	statusPath string
	textfile   string
	shipState  func() state.ShipperState
	clock      state.Clock

	dailySchedule  cron.Schedule
	weeklySchedule cron.Schedule
	nextDaily      time.Time
	nextWeekly     time.Time

	ticker *time.Ticker
	done   chan bool
}

// NewScheduler parses the report cron specs and returns a scheduler.
// statusPath and textfile may be empty to skip those exports; shipState
// supplies current shipper counters for the status document.
func NewScheduler(agg *Aggregator, history services.EventHistoryProvider, metrics *Metrics, statusPath, textfile string, shipState func() state.ShipperState, clock state.Clock) (*Scheduler, error) {
	daily, err := cron.ParseStandard(dailyCronSpec)
	if err != nil {
		return nil, err
	}
	weekly, err := cron.ParseStandard(weeklyCronSpec)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = state.SystemClock{}
	}
	now := clock.Now()
	return &Scheduler{
		agg:            agg,
		history:        history,
		metrics:        metrics,
		statusPath:     statusPath,
		textfile:       textfile,
		shipState:      shipState,
		clock:          clock,
		dailySchedule:  daily,
		weeklySchedule: weekly,
		nextDaily:      daily.Next(now),
		nextWeekly:     weekly.Next(now),
		done:           make(chan bool),
	}, nil
}

// Run starts the scheduler's ticking loop.
func (s *Scheduler) Run() {
	log.Info().Time("next_daily", s.nextDaily).Time("next_weekly", s.nextWeekly).
		Msg("Starting report scheduler...")
	s.ticker = time.NewTicker(1 * time.Minute)
	defer s.ticker.Stop()

	for {
		select {
		case <-s.done:
			log.Info().Msg("Stopping report scheduler.")
			return
		case <-s.ticker.C:
			s.checkAndRun()
		}
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.done <- true
}

func (s *Scheduler) checkAndRun() {
	now := s.clock.Now()

	if now.After(s.nextDaily) {
		yesterday := now.AddDate(0, 0, -1)
		if _, err := s.agg.GenerateDailyReport(yesterday); err != nil {
			log.Error().Err(err).Msg("Scheduled daily report failed")
		}
		s.exportStatus()
		s.runRetention(now)
		s.nextDaily = s.dailySchedule.Next(now)
	}

	if now.After(s.nextWeekly) {
		weekStart := now.AddDate(0, 0, -7)
		if _, err := s.agg.GenerateWeeklyReport(weekStart); err != nil {
			log.Error().Err(err).Msg("Scheduled weekly report failed")
		}
		s.nextWeekly = s.weeklySchedule.Next(now)
	}
}

// ExportNow refreshes the status document and metrics snapshot outside the
// cron cadence; the watchdog daemon calls it periodically so the dashboard
// never shows a day-old verdict.
func (s *Scheduler) ExportNow() {
	s.exportStatus()
}

func (s *Scheduler) exportStatus() {
	if s.statusPath != "" {
		if err := s.agg.ExportStatus(s.statusPath, s.shipState()); err != nil {
			log.Error().Err(err).Msg("Status export failed")
		}
	}
	if s.textfile != "" && s.metrics != nil {
		if err := s.metrics.WriteTextfile(s.textfile); err != nil {
			log.Error().Err(err).Msg("Metrics textfile export failed")
		}
	}
}

// runRetention prunes expired reports and history rows. History retention
// follows the weekly horizon so weekly reports can always be regenerated.
func (s *Scheduler) runRetention(now time.Time) {
	s.agg.PruneReports()
	cutoff := now.Add(-s.agg.weeklyRetention)
	if n, err := s.history.PruneOlderThan(cutoff); err != nil {
		log.Warn().Err(err).Msg("History pruning failed")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("Pruned expired history rows")
	}
}
