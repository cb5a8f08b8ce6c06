package logsink

import (
	"context"
	"log/slog"

	"github.com/bc-dunia/fleetbench/internal/otel"
)

// LabelsKey is the attribute group whose members become dynamic labels.
const LabelsKey = "labels"

type contextKey struct{}

// ContextWith returns ctx carrying lc. A Handler merges it over its own
// static Context for records logged with that ctx.
func ContextWith(ctx context.Context, lc Context) context.Context {
	if prev, ok := ctx.Value(contextKey{}).(Context); ok {
		lc = prev.Merge(lc)
	}
	return context.WithValue(ctx, contextKey{}, lc)
}

// ContextFrom returns the Context carried by ctx, if any.
func ContextFrom(ctx context.Context) Context {
	lc, _ := ctx.Value(contextKey{}).(Context)
	return lc
}

// Handler is a slog.Handler that converts records and forwards them to
// sinks. It never returns an error from Handle.
type Handler struct {
	static Context
	level  slog.Leveler
	sinks  []Sink
	attrs  []slog.Attr
	group  string
}

// NewHandler creates a Handler with static labels and a minimum level.
func NewHandler(static Context, level slog.Leveler, sinks ...Sink) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{static: static, level: level, sinks: sinks}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return len(h.sinks) > 0 && level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	rec := Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Labels:  h.static.Merge(ContextFrom(ctx)).Labels(),
	}
	for _, a := range h.attrs {
		h.apply(&rec, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.apply(&rec, h.group, a)
		return true
	})
	if traceID, spanID := otel.GetTraceInfo(ctx); traceID != "" {
		setAttr(&rec, "trace_id", traceID)
		setAttr(&rec, "span_id", spanID)
	}

	for _, sink := range h.sinks {
		sink.Emit(rec)
	}
	return nil
}

func (h *Handler) apply(rec *Record, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if group == "" {
		if a.Key == LabelsKey && a.Value.Kind() == slog.KindGroup {
			for _, la := range a.Value.Group() {
				if rec.Labels == nil {
					rec.Labels = make(map[string]string)
				}
				if v := la.Value.Resolve().String(); v != "" {
					rec.Labels[la.Key] = v
				}
			}
			return
		}
		if applyField(rec, a) {
			return
		}
	}

	key := a.Key
	if group != "" {
		key = group + "." + a.Key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.apply(rec, key, ga)
		}
		return
	}
	setAttr(rec, key, attrValue(a.Value))
}

// applyField maps well-known attribute keys onto record identity fields.
func applyField(rec *Record, a slog.Attr) bool {
	switch a.Key {
	case "component":
		rec.Component = a.Value.String()
	case "host":
		rec.Host = a.Value.String()
	case "run_id":
		rec.RunID = a.Value.String()
	case "workload":
		rec.Workload = a.Value.String()
	case "package":
		rec.Package = a.Value.String()
	case "plugin":
		rec.Plugin = a.Value.String()
	case "scenario":
		rec.Scenario = a.Value.String()
	case "phase":
		rec.Phase = a.Value.String()
	case "repetition":
		switch a.Value.Kind() {
		case slog.KindInt64:
			rec.Repetition = int(a.Value.Int64())
		case slog.KindUint64:
			rec.Repetition = int(a.Value.Uint64())
		default:
			return false
		}
	default:
		return false
	}
	return true
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	case slog.KindDuration:
		return v.Duration().String()
	default:
		return v.Any()
	}
}

func setAttr(rec *Record, key string, value any) {
	if rec.Attrs == nil {
		rec.Attrs = make(map[string]any)
	}
	rec.Attrs[key] = value
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a = slog.Attr{Key: h.group, Value: slog.GroupValue(a)}
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h.group != "" {
		h2.group = h.group + "." + name
	} else {
		h2.group = name
	}
	return &h2
}
