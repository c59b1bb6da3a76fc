package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	// State and history storage.
	StateDir     string
	DatabasePath string
	ReportDir    string

	// Remote shipping.
	ShipEnabled    bool
	WebhookURL     string
	WebhookToken   string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	ShipCooldown   time.Duration
	MaxPayloadSize int
	TLSInsecure    bool

	// Filter tunables.
	DedupWindow      time.Duration
	MaxEventsPerHour int
	CriticalPatterns []string

	// Watchdog tunables.
	HealthURL        string
	HealthTimeout    time.Duration
	CheckInterval    time.Duration
	FailureThreshold int
	GracePeriod      time.Duration
	BrowserUnit      string
	DisplayUnit      string
	KioskService     string
	HeartbeatMaxAge  time.Duration

	// System health thresholds (percent, and load per core).
	MemoryCriticalPct  float64
	DiskCriticalPct    float64
	CPUCriticalPct     float64
	LoadCriticalPerCPU float64

	// Journal source.
	JournalUnit string

	// Local status surface.
	StatusEnabled bool
	StatusPort    int

	// Report retention.
	DailyRetention  time.Duration
	WeeklyRetention time.Duration
}

// defaultCriticalPatterns is the high-signal substring list for
// classification. Data, not control flow, so tests and operators can see
// exactly what escalates an event.
var defaultCriticalPatterns = []string{
	"reboot",
	"service.restart",
	"watchdog.escalate",
	"health.critical",
}

// Load loads configuration from environment variables or sets defaults.
func Load() (*Config, error) {
	cfg := &Config{
		StateDir:     getEnv("KIOSK_STATE_DIR", "/var/lib/kiosk-sentinel"),
		DatabasePath: getEnv("KIOSK_DB_PATH", ""),
		ReportDir:    getEnv("KIOSK_REPORT_DIR", ""),

		ShipEnabled:    getEnvBool("KIOSK_SHIP_ENABLED", false),
		WebhookURL:     getEnv("KIOSK_WEBHOOK_URL", ""),
		WebhookToken:   getEnv("KIOSK_WEBHOOK_TOKEN", ""),
		RequestTimeout: getEnvDuration("KIOSK_WEBHOOK_TIMEOUT", 10*time.Second),
		MaxRetries:     getEnvInt("KIOSK_MAX_RETRIES", 3),
		RetryDelay:     getEnvDuration("KIOSK_RETRY_DELAY", 5*time.Second),
		ShipCooldown:   getEnvDuration("KIOSK_SHIP_COOLDOWN", 30*time.Minute),
		MaxPayloadSize: getEnvInt("KIOSK_MAX_PAYLOAD_BYTES", 8192),
		TLSInsecure:    getEnvBool("KIOSK_TLS_INSECURE", false),

		DedupWindow:      getEnvDuration("KIOSK_DEDUP_WINDOW", 60*time.Minute),
		MaxEventsPerHour: getEnvInt("KIOSK_MAX_EVENTS_PER_HOUR", 10),
		CriticalPatterns: defaultCriticalPatterns,

		HealthURL:        getEnv("KIOSK_HEALTH_URL", "http://127.0.0.1:8080/api/health"),
		HealthTimeout:    getEnvDuration("KIOSK_HEALTH_TIMEOUT", 5*time.Second),
		CheckInterval:    getEnvDuration("KIOSK_CHECK_INTERVAL", 30*time.Second),
		FailureThreshold: getEnvInt("KIOSK_FAILURE_THRESHOLD", 2),
		GracePeriod:      getEnvDuration("KIOSK_GRACE_PERIOD", 0),
		BrowserUnit:      getEnv("KIOSK_BROWSER_UNIT", "kiosk-browser.service"),
		DisplayUnit:      getEnv("KIOSK_DISPLAY_UNIT", "display-manager.service"),
		KioskService:     getEnv("KIOSK_SERVICE_UNIT", "kiosk-calendar.service"),
		HeartbeatMaxAge:  getEnvDuration("KIOSK_HEARTBEAT_MAX_AGE", 2*time.Minute),

		MemoryCriticalPct:  getEnvFloat("KIOSK_MEM_CRITICAL_PCT", 92),
		DiskCriticalPct:    getEnvFloat("KIOSK_DISK_CRITICAL_PCT", 95),
		CPUCriticalPct:     getEnvFloat("KIOSK_CPU_CRITICAL_PCT", 97),
		LoadCriticalPerCPU: getEnvFloat("KIOSK_LOAD_CRITICAL_PER_CPU", 4),

		JournalUnit: getEnv("KIOSK_JOURNAL_UNIT", "kiosk-calendar.service"),

		StatusEnabled: getEnvBool("KIOSK_STATUS_ENABLED", false),
		StatusPort:    getEnvInt("KIOSK_STATUS_PORT", 8088),

		DailyRetention:  getEnvDuration("KIOSK_DAILY_RETENTION", 30*24*time.Hour),
		WeeklyRetention: getEnvDuration("KIOSK_WEEKLY_RETENTION", 60*24*time.Hour),
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = cfg.StateDir + "/events.db"
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = cfg.StateDir + "/reports"
	}
	// The grace period defaults to two full check intervals: a successful
	// recovery action gets one whole cycle to prove itself before a recurring
	// symptom forces escalation.
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * cfg.CheckInterval
	}

	return cfg, nil
}

// ValidateShipping is the startup check for modes that deliver remotely:
// shipping enabled without a webhook URL is a configuration error, fatal by
// policy.
func (c *Config) ValidateShipping() error {
	if c.ShipEnabled && c.WebhookURL == "" {
		return fmt.Errorf("KIOSK_SHIP_ENABLED is set but KIOSK_WEBHOOK_URL is empty")
	}
	return nil
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("30m") and falls back to plain
// integers meaning seconds, which is what the shell-based deployments export.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
