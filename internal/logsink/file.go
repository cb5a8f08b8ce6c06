package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultPathTemplate places one file per component and host under the run
// directory.
const DefaultPathTemplate = "{output_dir}/{run_id}/{component}-{host}.jsonl"

// FileConfig configures a RotatingFileSink.
type FileConfig struct {
	OutputDir    string
	PathTemplate string
	Component    string
	Host         string
	RunID        string

	// MaxSizeMB is the size at which the file is rotated. Default 100.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Default 5.
	MaxBackups int

	// Tags are static tags merged under every record's tags.
	Tags map[string]string
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c FileConfig) WithDefaults() FileConfig {
	if c.PathTemplate == "" {
		c.PathTemplate = DefaultPathTemplate
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.Component == "" {
		c.Component = "controller"
	}
	if c.Host == "" {
		c.Host, _ = os.Hostname()
		if c.Host == "" {
			c.Host = "localhost"
		}
	}
	if c.RunID == "" {
		c.RunID = "unknown"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	return c
}

// RenderPath expands the {output_dir}, {component}, {host} and {run_id}
// placeholders of c.PathTemplate.
func (c FileConfig) RenderPath() string {
	r := strings.NewReplacer(
		"{output_dir}", c.OutputDir,
		"{component}", sanitizePathPart(c.Component),
		"{host}", sanitizePathPart(c.Host),
		"{run_id}", sanitizePathPart(c.RunID),
	)
	return filepath.Clean(r.Replace(c.PathTemplate))
}

func sanitizePathPart(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
}

type fileLine struct {
	Time       string            `json:"ts"`
	Level      string            `json:"level"`
	Message    string            `json:"msg"`
	Component  string            `json:"component"`
	Host       string            `json:"host"`
	RunID      string            `json:"run_id"`
	Workload   string            `json:"workload,omitempty"`
	Package    string            `json:"package,omitempty"`
	Plugin     string            `json:"plugin,omitempty"`
	Scenario   string            `json:"scenario,omitempty"`
	Repetition int               `json:"repetition,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Attrs      map[string]any    `json:"attrs,omitempty"`
}

// RotatingFileSink writes one JSON object per line to a size-rotated file.
// Writes are synchronous and ordered.
type RotatingFileSink struct {
	cfg    FileConfig
	path   string
	logger *slog.Logger
	phase  atomic.Value

	mu     sync.Mutex
	writer *lumberjack.Logger
	closed bool
}

// NewRotatingFileSink creates the sink. lumberjack creates the file and its
// parent directories on first write.
func NewRotatingFileSink(cfg FileConfig, logger *slog.Logger) *RotatingFileSink {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.RenderPath()
	s := &RotatingFileSink{
		cfg:    cfg,
		path:   path,
		logger: logger.With("component", "file_sink", "path", path),
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		},
	}
	s.phase.Store("")
	return s
}

// Path returns the file being written.
func (s *RotatingFileSink) Path() string {
	return s.path
}

// SetPhase sets the phase tag for subsequent records.
func (s *RotatingFileSink) SetPhase(phase string) {
	s.phase.Store(phase)
}

// Emit writes rec. Failures are logged, never returned.
func (s *RotatingFileSink) Emit(rec Record) {
	if err := s.write(rec); err != nil {
		s.logger.Debug("file_sink_write_failed", "error", err)
	}
}

func (s *RotatingFileSink) write(rec Record) error {
	phase := rec.Phase
	if phase == "" {
		phase, _ = s.phase.Load().(string)
	}
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	line := fileLine{
		Time:       ts.UTC().Format(time.RFC3339Nano),
		Level:      rec.Level.String(),
		Message:    rec.Message,
		Component:  firstNonEmpty(rec.Component, s.cfg.Component),
		Host:       firstNonEmpty(rec.Host, s.cfg.Host),
		RunID:      firstNonEmpty(rec.RunID, s.cfg.RunID),
		Workload:   rec.Workload,
		Package:    rec.Package,
		Plugin:     rec.Plugin,
		Scenario:   rec.Scenario,
		Repetition: rec.Repetition,
		Tags:       mergeLabels(s.cfg.Tags, map[string]string{"phase": phase}, rec.Labels),
		Attrs:      rec.Attrs,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *RotatingFileSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
