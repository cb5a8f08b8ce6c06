package controller

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bc-dunia/fleetbench/internal/automation"
	"github.com/bc-dunia/fleetbench/internal/events"
	"github.com/bc-dunia/fleetbench/internal/journal"
	"github.com/bc-dunia/fleetbench/internal/lifecycle"
	"github.com/bc-dunia/fleetbench/internal/logsink"
	"github.com/bc-dunia/fleetbench/internal/plan"
	"github.com/bc-dunia/fleetbench/internal/remote"
	"github.com/bc-dunia/fleetbench/internal/tailer"
)

// ingestResult folds every event embedded in an automation result. Events
// without a host are attributed to host when it is known.
func (r *run) ingestResult(res automation.Result, source, host string) {
	for _, ev := range events.ScanTexts(res.Texts()...) {
		if ev.Host == "" {
			ev.Host = host
		}
		r.ingest(ev, source)
	}
}

// ingest filters an event observed from outside the controller and applies
// it. Nothing here returns an error: bad events are logged and dropped.
func (r *run) ingest(ev events.Event, source string) {
	if ev.RunID != "" && ev.RunID != r.id {
		r.el.LogEventDropped("run_id_mismatch:"+source, ev.Raw)
		return
	}
	if r.c.validator != nil {
		if err := r.c.validator.Validate(ev); err != nil {
			r.el.LogEventDropped("schema:"+source+": "+err.Error(), ev.Raw)
			return
		}
	}
	r.apply(ev)
}

// apply is the single writer path into the journal.
func (r *run) apply(ev events.Event) {
	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()

	key := journal.TaskKey{Host: ev.Host, Workload: ev.Workload, Repetition: ev.Repetition}
	prev, _ := r.journal.Get(key)
	state, changed := r.journal.Apply(ev)
	if !changed {
		return
	}

	if state.Status != prev.Status {
		r.el.LogTaskTransition(key.Host, key.Workload, key.Repetition,
			string(prev.Status), string(state.Status), state.Duration())
		status := strings.ToLower(string(state.Status))
		r.c.metrics.RecordTaskStatus(context.Background(), key.Workload, status)
		if state.Status.IsTerminal() {
			r.c.metrics.RecordTaskDuration(context.Background(), key.Workload, status, state.Duration().Seconds())
		}
		if state.Status == journal.StatusUnreachable {
			r.markUnreachable(key.Host, state.Message)
		}
	}
	r.emitTask(state)
}

func (r *run) emitTask(state journal.TaskState) {
	level := slog.LevelInfo
	switch state.Status {
	case journal.StatusFailed, journal.StatusUnreachable:
		level = slog.LevelWarn
	}
	status := strings.ToLower(string(state.Status))
	attrs := map[string]any{
		"status":      status,
		"duration_ms": state.Duration().Milliseconds(),
	}
	if state.Message != "" {
		attrs["message"] = state.Message
	}
	if state.CurrentAction != "" {
		attrs["current_action"] = state.CurrentAction
	}

	rec := logsink.Record{
		Level:      level,
		Message:    "task_event",
		Host:       state.Key.Host,
		Workload:   state.Key.Workload,
		Repetition: state.Key.Repetition,
		Labels:     map[string]string{"kind": "task_event", "status": status},
		Attrs:      attrs,
	}
	if w, ok := r.plan.Workload(state.Key.Workload); ok {
		rec.Package = w.Package
		rec.Plugin = w.Plugin
		rec.Scenario = w.Scenario
	}
	r.emit(rec)
}

func (r *run) emit(rec logsink.Record) {
	if rec.Time.IsZero() {
		rec.Time = r.c.now()
	}
	rec.RunID = r.id
	if rec.Component == "" {
		rec.Component = r.c.cfg.Component
	}
	for _, s := range r.c.sinks {
		s.Emit(rec)
	}
}

// onTransition publishes every lifecycle change to readers, logs and sinks.
func (r *run) onTransition(tr lifecycle.Transition) {
	r.c.mu.Lock()
	r.c.state = tr.To
	r.c.mu.Unlock()

	if tr.From.Phase != tr.To.Phase {
		r.el.LogPhaseStarted(tr.From.Phase.String(), tr.To.Phase.String())
		for _, s := range r.c.sinks {
			s.SetPhase(tr.To.Phase.String())
		}
		r.c.metrics.SetCurrentPhase(int(tr.To.Phase))
	}
	if tr.From.Stop != tr.To.Stop {
		r.el.LogStopStage(tr.From.Stop.String(), tr.To.Stop.String(), tr.To.Phase.String())
	}

	r.emit(logsink.Record{
		Level:   slog.LevelInfo,
		Message: "lifecycle",
		Labels:  map[string]string{"kind": "lifecycle"},
		Attrs: map[string]any{
			"from_phase": tr.From.Phase.String(),
			"phase":      tr.To.Phase.String(),
			"from_stage": tr.From.Stop.String(),
			"stop_stage": tr.To.Stop.String(),
		},
	})
}

// follower polls one task log while its workload runs. Remote logs are
// mirrored locally before each poll.
type follower struct {
	tailer   *tailer.Tailer
	fetcher  *remote.Fetcher
	host     string
	interval time.Duration
	ingest   func(events.Event, string)
	logger   *slog.Logger
}

func (r *run) newFollower(h plan.Host, key journal.TaskKey, logPath string) *follower {
	f := &follower{
		host:     h.Name,
		interval: r.c.cfg.PollInterval,
		ingest:   r.ingest,
		logger:   r.logger.With("host", h.Name, "workload", key.Workload, "repetition", key.Repetition),
	}

	localPath := logPath
	if h.TransportOrDefault() != plan.TransportLocal {
		ex, err := r.c.executors.For(h)
		if err != nil {
			f.logger.Warn("log_mirror_unavailable", "error", err)
		} else {
			localPath = r.mirrorPath(key)
			f.fetcher = &remote.Fetcher{
				Executor:   ex,
				Address:    h.Address,
				RemotePath: logPath,
				LocalPath:  localPath,
			}
		}
		if f.fetcher == nil {
			return f
		}
	}

	t, err := tailer.New(tailer.Config{
		Path:             localPath,
		Consumer:         tailConsumer,
		Workload:         key.Workload,
		Repetition:       key.Repetition,
		TerminalStatuses: r.c.cfg.TerminalStatuses,
	}, r.c.store, r.logger)
	if err != nil {
		f.logger.Warn("tailer_unavailable", "error", err)
		return f
	}
	f.tailer = t
	return f
}

// run polls until the task log reports a terminal event or ctx ends, then
// drains once more so lines written just before exit are not lost.
func (f *follower) run(ctx context.Context) {
	if f.tailer == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if f.poll(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			f.poll(drainCtx)
			cancel()
			return
		case <-ticker.C:
		}
	}
}

func (f *follower) poll(ctx context.Context) bool {
	if f.fetcher != nil {
		if _, err := f.fetcher.Sync(ctx); err != nil && ctx.Err() == nil {
			f.logger.Debug("log_mirror_failed", "error", err)
		}
	}
	res, err := f.tailer.Poll(ctx)
	if err != nil {
		f.logger.Warn("tail_poll_failed", "error", err)
	}
	for _, ev := range res.Events {
		if ev.Host == "" {
			ev.Host = f.host
		}
		f.ingest(ev, "log")
	}
	return res.Done
}
