// Package logsink ships controller and workload log records to a remote
// Loki-compatible endpoint and to rotating local JSONL files. Sinks never
// block or fail the caller; every delivery problem is absorbed and
// self-logged.
package logsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"
)

// Record is one structured log record handed to a sink.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Message string

	Component  string
	Host       string
	RunID      string
	Workload   string
	Package    string
	Plugin     string
	Scenario   string
	Repetition int

	// Phase, when set, overrides the sink's current phase tag.
	Phase string

	// Labels is the per-record dynamic label map.
	Labels map[string]string

	// Attrs are extra structured fields rendered into the line.
	Attrs map[string]any

	// Line, when set, is shipped verbatim instead of a rendered line.
	Line string
}

// fieldLabels returns the non-empty identity fields of r as labels.
func (r Record) fieldLabels() map[string]string {
	out := make(map[string]string, 8)
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("component", r.Component)
	set("host", r.Host)
	set("run_id", r.RunID)
	set("workload", r.Workload)
	set("package", r.Package)
	set("plugin", r.Plugin)
	set("scenario", r.Scenario)
	if r.Repetition > 0 {
		out["repetition"] = strconv.Itoa(r.Repetition)
	}
	return out
}

// render produces the line text shipped for r.
func (r Record) render() string {
	if r.Line != "" {
		return r.Line
	}
	doc := make(map[string]any, len(r.Attrs)+2)
	for k, v := range r.Attrs {
		doc[k] = v
	}
	doc["level"] = r.Level.String()
	doc["msg"] = r.Message
	data, err := json.Marshal(doc)
	if err != nil {
		return r.Message
	}
	return string(data)
}

// LogEntry is what the remote sink queues and ships: a label set, a
// nanosecond timestamp and the rendered line.
type LogEntry struct {
	Labels    map[string]string
	Timestamp int64
	Line      string
}

// Sink consumes records. Emit must not block on I/O failures and never
// reports delivery errors.
type Sink interface {
	Emit(rec Record)
	SetPhase(phase string)
	Close(ctx context.Context) error
}

// mergeLabels layers maps from lowest to highest precedence. Empty keys and
// values are skipped.
func mergeLabels(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			if k == "" || v == "" {
				continue
			}
			out[k] = v
		}
	}
	return out
}
