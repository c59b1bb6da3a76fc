package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calkiosk/kiosk-sentinel/internal/api"
	"github.com/calkiosk/kiosk-sentinel/internal/api/handlers"
	"github.com/calkiosk/kiosk-sentinel/internal/config"
	"github.com/calkiosk/kiosk-sentinel/internal/database"
	"github.com/calkiosk/kiosk-sentinel/internal/filter"
	"github.com/calkiosk/kiosk-sentinel/internal/journal"
	"github.com/calkiosk/kiosk-sentinel/internal/logger"
	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/report"
	"github.com/calkiosk/kiosk-sentinel/internal/services"
	"github.com/calkiosk/kiosk-sentinel/internal/shipper"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
	"github.com/calkiosk/kiosk-sentinel/internal/watchdog"
	ws "github.com/calkiosk/kiosk-sentinel/internal/websocket"
)

const usageText = `kiosk-sentinel: critical event monitoring and progressive recovery for the calendar kiosk

Usage: kiosk-sentinel <command> [flags]

Commands:
  stream       read NDJSON event records from stdin through the filter pipeline
  monitor      follow the system journal live through the filter pipeline
  historical   replay a journal time range through the filter pipeline
  watchdog     run health checks and the recovery escalation machine
  test         send one synthetic critical event end-to-end
  status       print current pipeline counters and verdict
  report       generate daily/weekly reports and the status export

Every command accepts --debug and --dry-run.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "stream":
		err = runStream(args)
	case "monitor":
		err = runMonitor(args)
	case "historical":
		err = runHistorical(args)
	case "watchdog":
		err = runWatchdog(args)
	case "test":
		err = runTest(args)
	case "status":
		err = runStatus(args)
	case "report":
		err = runReport(args)
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usageText)
		os.Exit(1)
	}

	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("Command failed")
		os.Exit(1)
	}
}

type commonFlags struct {
	debug  bool
	dryRun bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.BoolVar(&cf.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&cf.dryRun, "dry-run", false, "log decisions and actions without shipping or executing")
	return cf
}

func setup(fs *flag.FlagSet, args []string) (*config.Config, *commonFlags, error) {
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	logger.Init(cf.debug)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, cf, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// pipeline bundles the components every filtering mode shares.
type pipeline struct {
	cfg     *config.Config
	store   *state.Store
	history *services.EventService
	metrics *report.Metrics
	filter  *filter.Filter
	close   func()
}

// historyRecorder adapts the sqlite history service to the filter's
// Recorder; insert failures are logged and never block the stream.
type historyRecorder struct {
	svc *services.EventService
}

func (r historyRecorder) Record(ev models.Event, decision filter.Decision) {
	if decision == filter.DecisionInvalid {
		return
	}
	if err := r.svc.RecordEvent(ev, string(decision)); err != nil {
		log.Warn().Err(err).Msg("Could not record event in history")
	}
}

// buildPipeline wires store, history, metrics, shipper and filter. With
// shipping disabled or dry-run active the filter runs with a nil shipper.
func buildPipeline(cfg *config.Config, dryRun bool, extra ...filter.Recorder) (*pipeline, error) {
	if !dryRun {
		if err := cfg.ValidateShipping(); err != nil {
			return nil, err
		}
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply database migrations: %w", err)
	}

	history := services.NewEventService(db)
	metrics := report.NewMetrics()

	var ship filter.Shipper
	if cfg.ShipEnabled && !dryRun {
		s, err := shipper.New(shipper.Config{
			URL:            cfg.WebhookURL,
			Token:          cfg.WebhookToken,
			RequestTimeout: cfg.RequestTimeout,
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelay,
			Cooldown:       cfg.ShipCooldown,
			MaxPayloadSize: cfg.MaxPayloadSize,
			TLSInsecure:    cfg.TLSInsecure,
		}, store, nil)
		if err != nil {
			db.Close()
			return nil, err
		}
		ship = s
	} else {
		log.Info().Bool("ship_enabled", cfg.ShipEnabled).Bool("dry_run", dryRun).
			Msg("Remote shipping inactive; forwarded events stay local")
	}

	recorders := append([]filter.Recorder{historyRecorder{history}, metrics}, extra...)
	f := filter.New(filter.Config{
		DedupWindow:      cfg.DedupWindow,
		MaxEventsPerHour: cfg.MaxEventsPerHour,
		CriticalPatterns: cfg.CriticalPatterns,
	}, store, ship, nil, recorders...)

	return &pipeline{
		cfg:     cfg,
		store:   store,
		history: history,
		metrics: metrics,
		filter:  f,
		close:   func() { db.Close() },
	}, nil
}

// newStatusHub returns a running broadcast hub when the status surface is
// enabled, nil otherwise.
func newStatusHub(cfg *config.Config) *ws.Hub {
	if !cfg.StatusEnabled {
		return nil
	}
	hub := ws.NewHub()
	go hub.Run()
	return hub
}

// liveRecorders adapts the optional hub into the filter's recorder list, so
// pipeline decisions reach connected dashboard clients.
func liveRecorders(hub *ws.Hub) []filter.Recorder {
	if hub == nil {
		return nil
	}
	return []filter.Recorder{hub}
}

// startStatusServer serves the local status surface on loopback and returns
// the server for shutdown.
func startStatusServer(cfg *config.Config, hub *ws.Hub, p *pipeline, aggregator *report.Aggregator, source *storeStatusSource) *http.Server {
	router := api.NewRouter(hub, source, p.history, aggregator, p.metrics.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.StatusPort),
		Handler: router,
	}
	go func() {
		log.Info().Int("port", cfg.StatusPort).Msg("Status server listening")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Status server failed")
		}
	}()
	return srv
}

func shutdownStatusServer(srv *http.Server) {
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Status server forced to shut down")
	}
}

// startLiveStatus brings up the hub-fed status server for the streaming
// modes, whose escalation state lives in the watchdog's files.
func startLiveStatus(cfg *config.Config, hub *ws.Hub, p *pipeline) (*http.Server, error) {
	if hub == nil {
		return nil, nil
	}
	aggregator, err := report.NewAggregator(p.history, cfg.ReportDir, cfg.DailyRetention, cfg.WeeklyRetention, nil)
	if err != nil {
		return nil, err
	}
	return startStatusServer(cfg, hub, p, aggregator, &storeStatusSource{store: p.store}), nil
}

func runStream(args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	cfg, cf, err := setup(fs, args)
	if err != nil {
		return err
	}

	hub := newStatusHub(cfg)
	p, err := buildPipeline(cfg, cf.dryRun, liveRecorders(hub)...)
	if err != nil {
		return err
	}
	defer p.close()

	srv, err := startLiveStatus(cfg, hub, p)
	if err != nil {
		return err
	}
	defer shutdownStatusServer(srv)

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().Msg("Reading event records from stdin...")
	return journal.Stream(ctx, os.Stdin, func(line []byte) {
		p.filter.ProcessLine(ctx, line)
	})
}

func runMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	unit := fs.String("unit", "", "journal unit to follow (default from KIOSK_JOURNAL_UNIT)")
	cfg, cf, err := setup(fs, args)
	if err != nil {
		return err
	}
	if *unit == "" {
		*unit = cfg.JournalUnit
	}

	hub := newStatusHub(cfg)
	p, err := buildPipeline(cfg, cf.dryRun, liveRecorders(hub)...)
	if err != nil {
		return err
	}
	defer p.close()

	srv, err := startLiveStatus(cfg, hub, p)
	if err != nil {
		return err
	}
	defer shutdownStatusServer(srv)

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().Str("unit", *unit).Msg("Following journal...")
	return journal.Follow(ctx, *unit, func(line []byte) {
		p.filter.ProcessLine(ctx, line)
	})
}

func runHistorical(args []string) error {
	fs := flag.NewFlagSet("historical", flag.ExitOnError)
	unit := fs.String("unit", "", "journal unit to read (default from KIOSK_JOURNAL_UNIT)")
	since := fs.String("since", "", "start of the window, YYYY-MM-DD or RFC3339 (required)")
	until := fs.String("until", "", "end of the window (default now)")
	ship := fs.Bool("ship", false, "deliver survivors to the webhook instead of replay-only")
	cfg, cf, err := setup(fs, args)
	if err != nil {
		return err
	}
	if *unit == "" {
		*unit = cfg.JournalUnit
	}

	from, err := parseTimeArg(*since)
	if err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	to := time.Now()
	if *until != "" {
		if to, err = parseTimeArg(*until); err != nil {
			return fmt.Errorf("--until: %w", err)
		}
	}

	// Replay never ships unless asked to; a historical re-read must not
	// re-alert the operator by default.
	p, err := buildPipeline(cfg, cf.dryRun || !*ship)
	if err != nil {
		return err
	}
	defer p.close()

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().Str("unit", *unit).Time("since", from).Time("until", to).Msg("Replaying journal range...")
	return journal.Range(ctx, *unit, from, to, func(line []byte) {
		p.filter.ProcessLine(ctx, line)
	})
}

func runWatchdog(args []string) error {
	fs := flag.NewFlagSet("watchdog", flag.ExitOnError)
	cfg, cf, err := setup(fs, args)
	if err != nil {
		return err
	}

	p, err := buildPipeline(cfg, cf.dryRun)
	if err != nil {
		return err
	}
	defer p.close()

	hub := newStatusHub(cfg)

	// The machine emits events as NDJSON on stdout, where the service unit's
	// journal picks them up for the monitor pipeline, and mirrors them into
	// the local history and the live dashboard feed.
	encoder := json.NewEncoder(os.Stdout)
	emitter := watchdog.EmitterFunc(func(ev models.Event) {
		if err := encoder.Encode(ev); err != nil {
			log.Warn().Err(err).Msg("Could not emit event record")
		}
		if err := p.history.RecordEvent(ev, "emitted"); err != nil {
			log.Warn().Err(err).Msg("Could not record emitted event in history")
		}
		if hub != nil {
			hub.PublishEvent(ev)
		}
	})

	runner := watchdog.NewRunner(cfg.BrowserUnit, cfg.DisplayUnit, cfg.KioskService, cf.dryRun)
	wd := watchdog.New(watchdog.Options{
		BrowserCheck:  watchdog.NewBrowserCheck(cfg.HealthURL, cfg.HeartbeatMaxAge, cfg.HealthTimeout),
		SystemCheck:   watchdog.NewSystemCheck(cfg.MemoryCriticalPct, cfg.DiskCriticalPct, cfg.CPUCriticalPct, cfg.LoadCriticalPerCPU),
		Runner:        runner,
		Store:         p.store,
		Emitter:       emitter,
		CheckInterval: cfg.CheckInterval,
		GracePeriod:   cfg.GracePeriod,
		Threshold:     cfg.FailureThreshold,
	})

	aggregator, err := report.NewAggregator(p.history, cfg.ReportDir, cfg.DailyRetention, cfg.WeeklyRetention, nil)
	if err != nil {
		return err
	}
	scheduler, err := report.NewScheduler(aggregator, p.history, p.metrics,
		cfg.ReportDir+"/status.json", cfg.StateDir+"/pipeline.prom",
		func() state.ShipperState { return *p.store.LoadShipper() }, nil)
	if err != nil {
		return err
	}
	go scheduler.Run()

	ctx, cancel := signalContext()
	defer cancel()

	// Refresh the status export and metrics snapshot between cron runs so the
	// dashboard never shows a stale verdict.
	scheduler.ExportNow()
	exportTicker := time.NewTicker(5 * time.Minute)
	defer exportTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-exportTicker.C:
				scheduler.ExportNow()
			}
		}
	}()

	var srv *http.Server
	if hub != nil {
		browser, system := wd.Machines()
		srv = startStatusServer(cfg, hub, p, aggregator,
			&storeStatusSource{store: p.store, browser: browser, system: system})
	}

	go wd.Run(ctx)

	<-ctx.Done()
	log.Info().Msg("Shutting down watchdog...")

	scheduler.Stop()
	shutdownStatusServer(srv)
	return nil
}

func runTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	message := fs.String("message", "synthetic test event", "message for the synthetic event")
	cfg, cf, err := setup(fs, args)
	if err != nil {
		return err
	}

	p, err := buildPipeline(cfg, cf.dryRun)
	if err != nil {
		return err
	}
	defer p.close()

	ctx, cancel := signalContext()
	defer cancel()

	ev := models.Event{
		Timestamp: time.Now(),
		Component: "sentinel",
		Level:     models.LevelCritical,
		Event:     "sentinel.test",
		Message:   *message,
		Details:   map[string]interface{}{"synthetic": true},
	}
	decision := p.filter.Process(ctx, ev)
	fmt.Printf("decision: %s\n", decision)
	if decision == filter.DecisionShipFailed {
		return fmt.Errorf("synthetic event was not delivered")
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg, _, err := setup(fs, args)
	if err != nil {
		return err
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return err
	}

	source := &storeStatusSource{store: store}
	escalation := source.EscalationStates()
	filterState := source.FilterState()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(handlers.PipelineStatus{
		Verdict:     handlers.DeriveVerdict(filterState, escalation),
		Filter:      filterState,
		Shipper:     source.ShipperState(),
		Escalation:  escalation,
		GeneratedAt: time.Now().UTC(),
	})
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	daily := fs.String("daily", "", "generate the daily report for YYYY-MM-DD")
	weekly := fs.String("weekly", "", "generate the weekly report for the week starting YYYY-MM-DD")
	statusOut := fs.String("status-out", "", "write the condensed status export to this path")
	cfg, _, err := setup(fs, args)
	if err != nil {
		return err
	}
	if *daily == "" && *weekly == "" && *statusOut == "" {
		return fmt.Errorf("report: one of --daily, --weekly or --status-out is required")
	}

	p, err := buildPipeline(cfg, true)
	if err != nil {
		return err
	}
	defer p.close()

	aggregator, err := report.NewAggregator(p.history, cfg.ReportDir, cfg.DailyRetention, cfg.WeeklyRetention, nil)
	if err != nil {
		return err
	}

	if *daily != "" {
		date, err := parseTimeArg(*daily)
		if err != nil {
			return fmt.Errorf("--daily: %w", err)
		}
		if _, err := aggregator.GenerateDailyReport(date); err != nil {
			return err
		}
	}
	if *weekly != "" {
		date, err := parseTimeArg(*weekly)
		if err != nil {
			return fmt.Errorf("--weekly: %w", err)
		}
		if _, err := aggregator.GenerateWeeklyReport(date); err != nil {
			return err
		}
	}
	if *statusOut != "" {
		if err := aggregator.ExportStatus(*statusOut, *p.store.LoadShipper()); err != nil {
			return err
		}
	}

	aggregator.PruneReports()
	return nil
}

// storeStatusSource reads pipeline counters from the shared state files, so
// the status server reflects a filter running in a different process.
// Escalation state comes from the in-process machines when the watchdog owns
// the server, and from the watchdog's state files otherwise.
type storeStatusSource struct {
	store   *state.Store
	browser *watchdog.Machine
	system  *watchdog.Machine
}

func (s *storeStatusSource) FilterState() state.FilterState   { return *s.store.LoadFilter() }
func (s *storeStatusSource) ShipperState() state.ShipperState { return *s.store.LoadShipper() }
func (s *storeStatusSource) EscalationStates() map[string]state.EscalationState {
	if s.browser != nil && s.system != nil {
		return map[string]state.EscalationState{
			"browser": s.browser.State(),
			"system":  s.system.State(),
		}
	}
	return map[string]state.EscalationState{
		"browser": *s.store.LoadEscalation("browser"),
		"system":  *s.store.LoadEscalation("system"),
	}
}

func parseTimeArg(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("value required")
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want YYYY-MM-DD or RFC3339)", s)
}
