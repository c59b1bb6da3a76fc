package watchdog

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// commandTimeout bounds every recovery command. A hung systemctl is itself a
// symptom; waiting on it forever would stall the whole machine.
const commandTimeout = 30 * time.Second

// Runner executes recovery commands against systemd units. DryRun replaces
// execution with logging so the whole ladder can be exercised safely.
type Runner struct {
	BrowserUnit string
	DisplayUnit string
	ServiceUnit string
	DryRun      bool

	// execCommand is swapped out in tests.
	execCommand func(ctx context.Context, name string, args ...string) error
}

// NewRunner returns a Runner for the given units.
func NewRunner(browserUnit, displayUnit, serviceUnit string, dryRun bool) *Runner {
	return &Runner{
		BrowserUnit: browserUnit,
		DisplayUnit: displayUnit,
		ServiceUnit: serviceUnit,
		DryRun:      dryRun,
		execCommand: runCommand,
	}
}

// ReloadBrowser asks the browser unit to reload the page in place, the
// gentlest remedy on the ladder.
func (r *Runner) ReloadBrowser(ctx context.Context) error {
	return r.run(ctx, "systemctl", "reload", r.BrowserUnit)
}

// RestartBrowser restarts the browser process.
func (r *Runner) RestartBrowser(ctx context.Context) error {
	return r.run(ctx, "systemctl", "restart", r.BrowserUnit)
}

// RestartDisplay restarts the display manager, taking the X session with it.
func (r *Runner) RestartDisplay(ctx context.Context) error {
	return r.run(ctx, "systemctl", "restart", r.DisplayUnit)
}

// RestartService restarts the calendar backend service.
func (r *Runner) RestartService(ctx context.Context) error {
	return r.run(ctx, "systemctl", "restart", r.ServiceUnit)
}

// Reboot performs the terminal, maximally disruptive remedy.
func (r *Runner) Reboot(ctx context.Context) error {
	return r.run(ctx, "systemctl", "reboot")
}

func (r *Runner) run(ctx context.Context, name string, args ...string) error {
	cmd := name + " " + strings.Join(args, " ")
	if r.DryRun {
		log.Info().Str("command", cmd).Msg("Dry run: skipping recovery command")
		return nil
	}
	log.Info().Str("command", cmd).Msg("Executing recovery command")
	if err := r.execCommand(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(cmdCtx, name, args...).CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return err
	}
	return nil
}
