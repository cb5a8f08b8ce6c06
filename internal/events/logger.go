package events

import (
	"io"
	"log/slog"
	"time"
)

// EventLogger provides structured logging for key controller decisions.
type EventLogger struct {
	logger *slog.Logger
	runID  string
}

// NewEventLoggerWithWriter creates an EventLogger writing JSON to w.
func NewEventLoggerWithWriter(runID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewEventLoggerWithLogger(runID, slog.New(handler))
}

// NewEventLoggerWithLogger wraps an existing logger, adding run_id.
func NewEventLoggerWithLogger(runID string, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{
		logger: logger.With("run_id", runID),
		runID:  runID,
	}
}

// LogPhaseStarted logs entry into a run phase.
// event: "phase_started"
func (el *EventLogger) LogPhaseStarted(from, to string) {
	el.logger.Info("phase_started",
		"from_phase", from,
		"to_phase", to,
	)
}

// LogStopStage logs a stop-stage transition.
// event: "stop_stage"
// Attributes: from_stage, to_stage, phase
func (el *EventLogger) LogStopStage(from, to, phase string) {
	el.logger.Warn("stop_stage",
		"from_stage", from,
		"to_stage", to,
		"phase", phase,
	)
}

// LogStopIgnored logs a stop request that had no effect.
// event: "stop_ignored"
func (el *EventLogger) LogStopIgnored(stage, reason string) {
	el.logger.Info("stop_ignored",
		"stage", stage,
		"reason", reason,
	)
}

// LogTaskTransition logs a task status change applied to the journal.
// event: "task_transition"
// Attributes: host, workload, repetition, from_status, to_status, duration_ms
func (el *EventLogger) LogTaskTransition(host, workload string, repetition int, from, to string, duration time.Duration) {
	el.logger.Info("task_transition",
		"host", host,
		"workload", workload,
		"repetition", repetition,
		"from_status", from,
		"to_status", to,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogEventDropped logs a malformed or rejected event.
// event: "event_dropped"
func (el *EventLogger) LogEventDropped(reason string, raw []byte) {
	el.logger.Warn("event_dropped",
		"reason", reason,
		"raw", string(raw),
	)
}

// LogHostUnreachable logs that a host stopped answering the automation layer.
// event: "host_unreachable"
func (el *EventLogger) LogHostUnreachable(host, detail string) {
	el.logger.Warn("host_unreachable",
		"host", host,
		"detail", detail,
	)
}

// LogRunFinished logs the end of a run.
// event: "run_finished"
// Attributes: phase, stop_stage, tasks, elapsed_ms
func (el *EventLogger) LogRunFinished(phase, stopStage string, counts map[string]int, elapsed time.Duration) {
	el.logger.Info("run_finished",
		"phase", phase,
		"stop_stage", stopStage,
		"tasks", counts,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
