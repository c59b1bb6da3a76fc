// Package watchdog runs the progressive recovery escalation machine: health
// checks on a fixed tick, per-domain ladders of increasingly disruptive
// actions, escalation on recurrence or execution failure, full reset on
// sustained recovery.
package watchdog

import (
	"context"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
)

// Action is one rung of a recovery ladder.
type Action struct {
	// EventName is the dotted event type emitted when the action runs,
	// e.g. "browser.restart".
	EventName string

	// Level is the severity attached to the emitted event record.
	Level models.Level

	// Run executes the remedy. An execution error escalates immediately.
	Run func(ctx context.Context) error
}

// Domain describes one monitored symptom and its escalation ladder. The
// machine itself is generic over any ladder; the two domains differ only in
// this data.
type Domain struct {
	Name string

	// BaseLevel is the ladder level number of the first rung. The browser
	// ladder starts at level 0 (a soft reload is not a disruptive recovery),
	// the system ladder at level 1.
	BaseLevel int

	// FailureThreshold is the consecutive failed checks required before the
	// ladder is entered.
	FailureThreshold int

	Ladder []Action
}

// BrowserDomain builds the browser heartbeat ladder:
// level 0 soft page reload, level 1 browser restart, level 2 display restart.
func BrowserDomain(r *Runner, threshold int) Domain {
	return Domain{
		Name:             "browser",
		BaseLevel:        0,
		FailureThreshold: threshold,
		Ladder: []Action{
			{EventName: "browser.reload", Level: models.LevelWarning, Run: r.ReloadBrowser},
			{EventName: "browser.restart", Level: models.LevelWarning, Run: r.RestartBrowser},
			{EventName: "display.restart", Level: models.LevelError, Run: r.RestartDisplay},
		},
	}
}

// SystemDomain builds the system health ladder: level 1 browser restart,
// level 2 display restart, level 3 service restart, level 4 full reboot.
func SystemDomain(r *Runner, threshold int) Domain {
	return Domain{
		Name:             "system",
		BaseLevel:        1,
		FailureThreshold: threshold,
		Ladder: []Action{
			{EventName: "browser.restart", Level: models.LevelWarning, Run: r.RestartBrowser},
			{EventName: "display.restart", Level: models.LevelError, Run: r.RestartDisplay},
			{EventName: "service.restart", Level: models.LevelError, Run: r.RestartService},
			{EventName: "system.reboot", Level: models.LevelCritical, Run: r.Reboot},
		},
	}
}
