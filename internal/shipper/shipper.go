// Package shipper delivers one enriched event record at a time to a remote
// webhook, with bounded retries, a payload size ceiling suited to the
// device's small memory, and a coarse global cooldown independent of the
// filter's hourly quota.
package shipper

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

// shipperVersion tags every delivered payload so the remote side can tell
// which sender format it is looking at.
const shipperVersion = "kiosk-sentinel/1.0"

// Config holds the shipper tunables.
type Config struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	Cooldown       time.Duration
	MaxPayloadSize int
	TLSInsecure    bool
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Minute
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 8192
	}
}

// payload wraps the triggering event with a fresh system snapshot. The
// original event is never mutated.
type payload struct {
	Event         models.Event  `json:"event"`
	SystemContext SystemContext `json:"system_context"`
	Shipper       string        `json:"shipper"`
	SentAt        time.Time     `json:"sent_at"`
}

// Shipper posts enriched events to the configured webhook.
type Shipper struct {
	cfg    Config
	client *http.Client
	store  *state.Store
	st     *state.ShipperState
	clock  state.Clock

	// sleep is swapped out in tests so retry delays do not slow the suite.
	sleep func(time.Duration)
}

// New validates the configuration and returns a shipper. A missing webhook
// URL is a configuration error: fatal at startup when shipping is enabled.
func New(cfg Config, store *state.Store, clock state.Clock) (*Shipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required when shipping is enabled")
	}
	cfg.applyDefaults()
	if clock == nil {
		clock = state.SystemClock{}
	}

	client := &http.Client{Timeout: cfg.RequestTimeout}
	if cfg.TLSInsecure {
		// Never silent: an operator who disabled verification should see it
		// in the log every boot.
		log.Warn().Msg("TLS certificate verification is DISABLED for webhook delivery")
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Shipper{
		cfg:    cfg,
		client: client,
		store:  store,
		st:     store.LoadShipper(),
		clock:  clock,
		sleep:  time.Sleep,
	}, nil
}

// State exposes the shipper counters for the status surface. Read-only.
func (s *Shipper) State() state.ShipperState { return *s.st }

// Ship delivers one event. Returns (true, nil) on delivery, (false, nil)
// when skipped by the cooldown window, and (false, err) after exhausting
// retries. The cooldown skip sheds load instead of queueing: event loss is
// preferred over unbounded buffering on this hardware.
func (s *Shipper) Ship(ctx context.Context, ev models.Event) (bool, error) {
	now := s.clock.Now()

	if !s.st.LastShipTime.IsZero() && now.Sub(s.st.LastShipTime) < s.cfg.Cooldown {
		log.Info().Time("last_ship", s.st.LastShipTime).
			Dur("cooldown", s.cfg.Cooldown).Msg("Ship cooldown active, skipping delivery")
		return false, nil
	}

	body, err := s.buildPayload(ev, now)
	if err != nil {
		return false, fmt.Errorf("build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			s.sleep(s.cfg.RetryDelay)
		}
		if err := s.post(ctx, body); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).
				Int("max_retries", s.cfg.MaxRetries).Msg("Webhook delivery attempt failed")
			continue
		}

		s.st.LastShipTime = s.clock.Now()
		s.st.ShipCount++
		if err := s.store.SaveShipper(s.st); err != nil {
			log.Error().Err(err).Msg("Failed to persist shipper state")
		}
		log.Info().Int64("ship_count", s.st.ShipCount).Str("event", ev.Event).
			Msg("Event delivered to webhook")
		return true, nil
	}
	return false, fmt.Errorf("delivery failed after %d attempts: %w", s.cfg.MaxRetries, lastErr)
}

// buildPayload wraps the event with a fresh system snapshot and enforces the
// size ceiling. Oversize payloads are truncated at the byte ceiling rather
// than rejected: some signal beats none. Truncation is plain byte slicing,
// not semantically aware; the remote side detects it by the broken JSON tail.
func (s *Shipper) buildPayload(ev models.Event, now time.Time) ([]byte, error) {
	body, err := json.Marshal(payload{
		Event:         ev,
		SystemContext: collectSystemContext(now),
		Shipper:       shipperVersion,
		SentAt:        now.UTC(),
	})
	if err != nil {
		return nil, err
	}
	if len(body) > s.cfg.MaxPayloadSize {
		log.Warn().Int("size", len(body)).Int("limit", s.cfg.MaxPayloadSize).
			Msg("Payload exceeds size ceiling, truncating")
		body = body[:s.cfg.MaxPayloadSize]
	}
	return body, nil
}

func (s *Shipper) post(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %s", resp.Status)
	}
	return nil
}
