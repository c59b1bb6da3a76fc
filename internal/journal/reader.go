// Package journal provides the pipeline's input sources: raw NDJSON on
// stdin, or journalctl's JSON output for live and historical reads. Journald
// wraps each line in its own envelope; the structured event payload lives in
// the MESSAGE field and is unwrapped here before the filter sees it.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler receives one candidate event line at a time.
type Handler func(line []byte)

// maxLineSize bounds scanner buffers; a single event is never anywhere near
// this, and a runaway producer must not exhaust the Pi's memory.
const maxLineSize = 256 * 1024

// Stream reads newline-delimited lines from r until EOF or cancellation.
// The blocking read is the pipeline's natural suspension point; ctx is
// checked between lines so termination signals are honored promptly.
func Stream(ctx context.Context, r io.Reader, h Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		h(ExtractEventLine(line))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input stream: %w", err)
	}
	return nil
}

// Follow tails the journal for one unit live, feeding each line to h until
// the context is cancelled.
func Follow(ctx context.Context, unit string, h Handler) error {
	args := []string{"-f", "-o", "json", "--no-pager"}
	if unit != "" {
		args = append(args, "-u", unit)
	}
	return runJournalctl(ctx, args, h)
}

// Range replays a journal time window through h, oldest first.
func Range(ctx context.Context, unit string, since, until time.Time, h Handler) error {
	args := []string{"-o", "json", "--no-pager",
		"--since", since.Format("2006-01-02 15:04:05"),
		"--until", until.Format("2006-01-02 15:04:05"),
	}
	if unit != "" {
		args = append(args, "-u", unit)
	}
	return runJournalctl(ctx, args, h)
}

func runJournalctl(ctx context.Context, args []string, h Handler) error {
	cmd := exec.CommandContext(ctx, "journalctl", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("journalctl stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start journalctl: %w", err)
	}
	log.Debug().Strs("args", args).Msg("Reading from journalctl")

	streamErr := Stream(ctx, stdout, h)

	waitErr := cmd.Wait()
	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		return streamErr
	}
	// Cancellation kills the child; that exit status is expected.
	if waitErr != nil && ctx.Err() == nil {
		return fmt.Errorf("journalctl: %w", waitErr)
	}
	return nil
}

// ExtractEventLine unwraps a journald JSON envelope when the line is one,
// returning the MESSAGE payload. Lines that are not envelopes pass through
// untouched; the filter's own parser decides whether they are events.
func ExtractEventLine(line []byte) []byte {
	var envelope struct {
		Message string `json:"MESSAGE"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil || envelope.Message == "" {
		return line
	}
	return []byte(envelope.Message)
}
