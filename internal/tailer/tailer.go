// Package tailer follows append-only, newline-delimited log files by polling
// and persisting a byte offset per (file, consumer).
package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bc-dunia/fleetbench/internal/events"
	"github.com/bc-dunia/fleetbench/internal/offsets"
)

// DefaultTerminalStatuses are the raw event statuses that end a follow.
var DefaultTerminalStatuses = []string{"done", "completed", "failed", "skipped", "unreachable"}

// Config describes what one tailer follows.
type Config struct {
	// Path is the followed log file.
	Path string
	// Consumer names the reader; offsets are kept per consumer.
	Consumer string
	// Workload and Repetition select which events are reported. Empty
	// workload or zero repetition match any value.
	Workload   string
	Repetition int
	// TerminalStatuses end the follow when a matching event carries one of
	// them. Compared case-insensitively.
	TerminalStatuses []string
	// StopFile, when it exists, ends the follow without reading.
	StopFile string
}

// PollResult is the outcome of one poll pass.
type PollResult struct {
	Lines   []string
	Events  []events.Event
	Done    bool
	Stopped bool
	Offset  int64
}

// Tailer polls one file. It is not safe for concurrent Poll calls.
type Tailer struct {
	cfg      Config
	key      offsets.Key
	store    offsets.Store
	terminal map[string]struct{}
	logger   *slog.Logger
}

// New creates a Tailer backed by store.
func New(cfg Config, store offsets.Store, logger *slog.Logger) (*Tailer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("tailer path cannot be empty")
	}
	if store == nil {
		return nil, fmt.Errorf("tailer requires an offset store")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = fmt.Sprintf("%s#%d", cfg.Workload, cfg.Repetition)
	}
	statuses := cfg.TerminalStatuses
	if len(statuses) == 0 {
		statuses = DefaultTerminalStatuses
	}
	terminal := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		terminal[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		cfg:      cfg,
		key:      offsets.Key{Path: cfg.Path, Consumer: cfg.Consumer},
		store:    store,
		terminal: terminal,
		logger:   logger.With("component", "tailer", "path", cfg.Path, "consumer", cfg.Consumer),
	}, nil
}

// Key returns the offset key this tailer commits under.
func (t *Tailer) Key() offsets.Key {
	return t.key
}

// Poll reads every complete line appended since the committed offset.
// An incomplete trailing line is left for the next poll.
func (t *Tailer) Poll(ctx context.Context) (PollResult, error) {
	if t.cfg.StopFile != "" {
		if _, err := os.Stat(t.cfg.StopFile); err == nil {
			return PollResult{Done: true, Stopped: true}, nil
		}
	}

	offset, err := t.store.Load(ctx, t.key)
	if err != nil {
		return PollResult{}, fmt.Errorf("load offset: %w", err)
	}
	committed := offset
	result := PollResult{Offset: offset}

	f, err := os.Open(t.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("open %s: %w", t.cfg.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return result, fmt.Errorf("stat %s: %w", t.cfg.Path, err)
	}
	if info.Size() < offset {
		t.logger.Warn("tail_file_truncated", "offset", offset, "size", info.Size())
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return result, fmt.Errorf("seek %s: %w", t.cfg.Path, err)
	}

	reader := bufio.NewReader(f)
	consumed := offset
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		line, readErr := reader.ReadString('\n')
		if readErr != nil {
			// Partial line without a newline stays uncommitted.
			if !errors.Is(readErr, io.EOF) {
				t.logger.Debug("tail_read_error", "error", readErr)
			}
			break
		}
		consumed += int64(len(line))
		t.inspect(strings.TrimRight(line, "\r\n"), &result)
	}

	result.Offset = consumed
	if consumed != committed {
		if err := t.store.Commit(ctx, t.key, consumed); err != nil {
			return result, fmt.Errorf("commit offset: %w", err)
		}
	}
	return result, nil
}

func (t *Tailer) inspect(line string, result *PollResult) {
	if !strings.Contains(line, events.Marker) {
		return
	}
	matched := false
	for _, ev := range events.ExtractAll(line) {
		if !t.matches(ev) {
			continue
		}
		matched = true
		result.Events = append(result.Events, ev)
		if _, ok := t.terminal[strings.ToLower(strings.TrimSpace(ev.Status))]; ok {
			result.Done = true
		}
	}
	if matched {
		result.Lines = append(result.Lines, line)
	}
}

func (t *Tailer) matches(ev events.Event) bool {
	if t.cfg.Workload != "" && ev.Workload != t.cfg.Workload {
		return false
	}
	if t.cfg.Repetition != 0 && ev.Repetition != t.cfg.Repetition {
		return false
	}
	return true
}

// Run polls every interval, handing each non-empty result to fn, until a
// poll reports completion or ctx is cancelled. Poll errors are logged and
// polling continues.
func (t *Tailer) Run(ctx context.Context, interval time.Duration, fn func(PollResult)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := t.Poll(ctx)
		if err != nil {
			t.logger.Warn("tail_poll_failed", "error", err)
		}
		if fn != nil && (len(res.Events) > 0 || res.Done) {
			fn(res)
		}
		if res.Done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
