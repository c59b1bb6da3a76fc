package models

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"CRITICAL", LevelCritical},
		{"crit", LevelCritical},
		{"fatal", LevelCritical},
		{"error", LevelError},
		{"ERR", LevelError},
		{"warning", LevelWarning},
		{"warn", LevelWarning},
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"bogus", LevelInfo},
		{"  Error ", LevelError},
	}
	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Event{Timestamp: t0, Component: "watchdog", Level: LevelCritical, Event: "watchdog.escalate", Message: "X"}
	b := a
	b.Timestamp = t0.Add(45 * time.Minute)
	b.Details = map[string]interface{}{"attempt": 3}

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint should ignore timestamp and details: %s != %s", a.Fingerprint(), b.Fingerprint())
	}
}

func TestFingerprintDistinguishesSemanticFields(t *testing.T) {
	base := Event{Timestamp: t0, Component: "watchdog", Level: LevelCritical, Event: "watchdog.escalate", Message: "X"}

	variants := []Event{
		{Timestamp: t0, Component: "server", Level: LevelCritical, Event: "watchdog.escalate", Message: "X"},
		{Timestamp: t0, Component: "watchdog", Level: LevelError, Event: "watchdog.escalate", Message: "X"},
		{Timestamp: t0, Component: "watchdog", Level: LevelCritical, Event: "browser.restart", Message: "X"},
		{Timestamp: t0, Component: "watchdog", Level: LevelCritical, Event: "watchdog.escalate", Message: "Y"},
	}
	for i, v := range variants {
		if v.Fingerprint() == base.Fingerprint() {
			t.Errorf("variant %d should produce a distinct fingerprint", i)
		}
	}
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		wantErr bool
		check   func(t *testing.T, ev Event)
	}{
		{
			name: "full record",
			line: `{"timestamp":"2026-03-10T09:00:00Z","component":"watchdog","level":"CRITICAL","event":"watchdog.escalate","message":"X","recovery_level":2}`,
			check: func(t *testing.T, ev Event) {
				if !ev.Timestamp.Equal(t0) {
					t.Errorf("timestamp = %v, want %v", ev.Timestamp, t0)
				}
				if ev.Level != LevelCritical || ev.RecoveryLevel != 2 {
					t.Errorf("unexpected record: %+v", ev)
				}
			},
		},
		{
			name: "unix timestamp",
			line: `{"timestamp":1773133200,"component":"server","level":"error","event":"server.crash","message":"boom"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Timestamp.Unix() != 1773133200 {
					t.Errorf("timestamp unix = %d", ev.Timestamp.Unix())
				}
			},
		},
		{
			name: "missing timestamp falls back to now",
			line: `{"component":"server","level":"error","event":"server.crash","message":"boom"}`,
			check: func(t *testing.T, ev Event) {
				if !ev.Timestamp.Equal(t0) {
					t.Errorf("timestamp = %v, want now fallback %v", ev.Timestamp, t0)
				}
			},
		},
		{name: "not json", line: `Mar 10 09:00:00 kiosk kernel: oom`, wantErr: true},
		{name: "missing event type", line: `{"level":"CRITICAL","message":"X"}`, wantErr: true},
		{name: "negative recovery level", line: `{"event":"x.y","recovery_level":-1}`, wantErr: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev, err := ParseLine([]byte(c.line), t0)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.check != nil {
				c.check(t, ev)
			}
		})
	}
}
