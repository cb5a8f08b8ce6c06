// Package config holds the fully resolved fleetbench configuration and the
// layer that resolves it from defaults, a YAML file, the environment and
// explicit overrides. Only this package reads configuration sources; every
// other package receives resolved values.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bc-dunia/fleetbench/internal/logsink"
	"github.com/bc-dunia/fleetbench/internal/otel"
	"github.com/bc-dunia/fleetbench/internal/retention"
)

// Config is the resolved configuration of one fleetbench process.
type Config struct {
	OutputDir  string `yaml:"output_dir"`
	Component  string `yaml:"component"`
	LogLevel   string `yaml:"log_level"`
	StatusAddr string `yaml:"status_addr"`
	// OffsetsDB is the SQLite offsets database, relative to OutputDir
	// unless absolute.
	OffsetsDB string `yaml:"offsets_db"`
	// StrictEvents validates every event against the event schema before
	// it reaches the journal.
	StrictEvents bool `yaml:"strict_events"`

	Loki       LokiConfig       `yaml:"loki"`
	FileLog    FileLogConfig    `yaml:"file_log"`
	Tailer     TailerConfig     `yaml:"tailer"`
	Controller ControllerConfig `yaml:"controller"`
	Automation AutomationConfig `yaml:"automation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Retention  RetentionConfig  `yaml:"retention"`
	SSH        SSHConfig        `yaml:"ssh"`
	WinRM      WinRMConfig      `yaml:"winrm"`
}

// LokiConfig configures the remote batch sink.
type LokiConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Endpoint      string            `yaml:"endpoint"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxRetries    int               `yaml:"max_retries"`
	QueueSize     int               `yaml:"queue_size"`
	BackoffBase   time.Duration     `yaml:"backoff_base"`
	BackoffFactor float64           `yaml:"backoff_factor"`
	Labels        map[string]string `yaml:"labels"`
}

// FileLogConfig configures the rotating JSONL sink.
type FileLogConfig struct {
	Enabled      bool              `yaml:"enabled"`
	PathTemplate string            `yaml:"path_template"`
	MaxSizeMB    int               `yaml:"max_size_mb"`
	MaxBackups   int               `yaml:"max_backups"`
	Tags         map[string]string `yaml:"tags"`
}

// TailerConfig configures task log following.
type TailerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	TerminalStatuses []string      `yaml:"terminal_statuses"`
	StopFileName     string        `yaml:"stop_file_name"`
}

// ControllerConfig bounds controller concurrency.
type ControllerConfig struct {
	MaxParallelHosts int           `yaml:"max_parallel_hosts"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
}

// AutomationConfig configures the command runner. Each command is run
// through the shell with FLEETBENCH_* variables describing the step.
type AutomationConfig struct {
	SetupCommand    string            `yaml:"setup_command"`
	WorkloadCommand string            `yaml:"workload_command"`
	TeardownCommand string            `yaml:"teardown_command"`
	Env             map[string]string `yaml:"env"`
}

// TelemetryConfig configures OpenTelemetry tracing and metrics.
type TelemetryConfig struct {
	TracingEnabled bool    `yaml:"tracing_enabled"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	Insecure       bool    `yaml:"insecure"`
	SampleRate     float64 `yaml:"sample_rate"`
}

// RetentionConfig configures run directory cleanup.
type RetentionConfig struct {
	Background           bool `yaml:"background"`
	RunsTTLHours         int  `yaml:"runs_ttl_hours"`
	CleanupIntervalHours int  `yaml:"cleanup_interval_hours"`
}

// SSHConfig holds credentials for hosts reached over SSH.
type SSHConfig struct {
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
}

// WinRMConfig holds credentials for hosts reached over WinRM.
type WinRMConfig struct {
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Port     int           `yaml:"port"`
	HTTPS    bool          `yaml:"https"`
	Insecure bool          `yaml:"insecure"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns a Config with default values. The file sink is enabled,
// the remote sink is not.
func Default() Config {
	return Config{
		OutputDir: DefaultOutputDir,
		Component: DefaultComponent,
		LogLevel:  DefaultLogLevel,
		OffsetsDB: DefaultOffsetsDB,
		Loki: LokiConfig{
			BatchSize:     DefaultLokiBatchSize,
			FlushInterval: DefaultLokiFlushInterval,
			Timeout:       DefaultLokiTimeout,
			MaxRetries:    DefaultLokiMaxRetries,
			QueueSize:     DefaultLokiQueueSize,
			BackoffBase:   DefaultLokiBackoffBase,
			BackoffFactor: DefaultLokiBackoffFactor,
			Labels:        map[string]string{"job": "fleetbench"},
		},
		FileLog: FileLogConfig{
			Enabled:      true,
			PathTemplate: logsink.DefaultPathTemplate,
			MaxSizeMB:    DefaultFileMaxSizeMB,
			MaxBackups:   DefaultFileMaxBackups,
		},
		Tailer: TailerConfig{
			PollInterval: DefaultPollInterval,
			StopFileName: DefaultStopFile,
		},
		Controller: ControllerConfig{
			MaxParallelHosts: DefaultMaxParallelHosts,
			ProbeInterval:    DefaultProbeInterval,
		},
		Telemetry: TelemetryConfig{
			Exporter:   string(otel.ExporterNone),
			SampleRate: 1.0,
		},
		Retention: RetentionConfig{
			RunsTTLHours:         DefaultRunsTTLHours,
			CleanupIntervalHours: DefaultCleanupIntervalHours,
		},
		SSH:   SSHConfig{Port: DefaultSSHPort, Timeout: 10 * time.Second},
		WinRM: WinRMConfig{Port: DefaultWinRMPort, Timeout: 60 * time.Second},
	}
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
// Booleans are left as they are.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	if c.Component == "" {
		c.Component = d.Component
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.OffsetsDB == "" {
		c.OffsetsDB = d.OffsetsDB
	}

	if c.Loki.BatchSize <= 0 {
		c.Loki.BatchSize = d.Loki.BatchSize
	}
	if c.Loki.FlushInterval <= 0 {
		c.Loki.FlushInterval = d.Loki.FlushInterval
	}
	if c.Loki.Timeout <= 0 {
		c.Loki.Timeout = d.Loki.Timeout
	}
	if c.Loki.MaxRetries < 0 {
		c.Loki.MaxRetries = 0
	}
	if c.Loki.QueueSize <= 0 {
		c.Loki.QueueSize = d.Loki.QueueSize
	}
	if c.Loki.BackoffBase <= 0 {
		c.Loki.BackoffBase = d.Loki.BackoffBase
	}
	if c.Loki.BackoffFactor <= 0 {
		c.Loki.BackoffFactor = d.Loki.BackoffFactor
	}

	if c.FileLog.PathTemplate == "" {
		c.FileLog.PathTemplate = d.FileLog.PathTemplate
	}
	if c.FileLog.MaxSizeMB <= 0 {
		c.FileLog.MaxSizeMB = d.FileLog.MaxSizeMB
	}
	if c.FileLog.MaxBackups < 0 {
		c.FileLog.MaxBackups = 0
	}

	if c.Tailer.PollInterval <= 0 {
		c.Tailer.PollInterval = d.Tailer.PollInterval
	}
	if c.Tailer.StopFileName == "" {
		c.Tailer.StopFileName = d.Tailer.StopFileName
	}

	if c.Controller.MaxParallelHosts <= 0 {
		c.Controller.MaxParallelHosts = d.Controller.MaxParallelHosts
	}
	if c.Controller.ProbeInterval <= 0 {
		c.Controller.ProbeInterval = d.Controller.ProbeInterval
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = d.Telemetry.Exporter
	}
	if c.Telemetry.SampleRate <= 0 {
		c.Telemetry.SampleRate = d.Telemetry.SampleRate
	}

	if c.Retention.RunsTTLHours <= 0 {
		c.Retention.RunsTTLHours = d.Retention.RunsTTLHours
	}
	if c.Retention.CleanupIntervalHours <= 0 {
		c.Retention.CleanupIntervalHours = d.Retention.CleanupIntervalHours
	}

	if c.SSH.Port <= 0 {
		c.SSH.Port = d.SSH.Port
	}
	if c.SSH.Timeout <= 0 {
		c.SSH.Timeout = d.SSH.Timeout
	}
	if c.WinRM.Port <= 0 {
		c.WinRM.Port = d.WinRM.Port
	}
	if c.WinRM.Timeout <= 0 {
		c.WinRM.Timeout = d.WinRM.Timeout
	}
	return c
}

// Validate checks the resolved configuration for values that would fail
// later at construction time.
func (c Config) Validate() error {
	var errs []string

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Loki.Enabled {
		if _, err := logsink.NormalizeEndpoint(c.Loki.Endpoint); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Loki.BackoffFactor < 1 {
		errs = append(errs, fmt.Sprintf("loki.backoff_factor must be >= 1, got %v", c.Loki.BackoffFactor))
	}
	switch otel.ExporterType(c.Telemetry.Exporter) {
	case otel.ExporterNone, otel.ExporterStdout, otel.ExporterOTLPGRPC, otel.ExporterOTLPHTTP:
	default:
		errs = append(errs, fmt.Sprintf("unknown telemetry exporter %q", c.Telemetry.Exporter))
	}
	if c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.sample_rate must be <= 1, got %v", c.Telemetry.SampleRate))
	}
	if strings.ContainsAny(c.Tailer.StopFileName, `/\`) {
		errs = append(errs, fmt.Sprintf("tailer.stop_file_name must be a bare file name, got %q", c.Tailer.StopFileName))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

// RemoteSink returns the logsink configuration for the Loki sink.
func (c Config) RemoteSink() logsink.RemoteConfig {
	return logsink.RemoteConfig{
		Name:          "loki",
		Endpoint:      c.Loki.Endpoint,
		BatchSize:     c.Loki.BatchSize,
		FlushInterval: c.Loki.FlushInterval,
		Timeout:       c.Loki.Timeout,
		MaxRetries:    c.Loki.MaxRetries,
		QueueSize:     c.Loki.QueueSize,
		BackoffBase:   c.Loki.BackoffBase,
		BackoffFactor: c.Loki.BackoffFactor,
		DefaultLabels: map[string]string{"component": c.Component},
		StaticLabels:  c.Loki.Labels,
	}
}

// FileSink returns the logsink configuration for the JSONL sink of one run.
func (c Config) FileSink(host, runID string) logsink.FileConfig {
	return logsink.FileConfig{
		OutputDir:    c.OutputDir,
		PathTemplate: c.FileLog.PathTemplate,
		Component:    c.Component,
		Host:         host,
		RunID:        runID,
		MaxSizeMB:    c.FileLog.MaxSizeMB,
		MaxBackups:   c.FileLog.MaxBackups,
		Tags:         c.FileLog.Tags,
	}
}

// Tracing returns the tracer configuration.
func (c Config) Tracing(version string) *otel.Config {
	cfg := otel.DefaultConfig()
	cfg.Enabled = c.Telemetry.TracingEnabled
	cfg.ServiceVersion = version
	cfg.ExporterType = otel.ExporterType(c.Telemetry.Exporter)
	cfg.OTLPEndpoint = c.Telemetry.Endpoint
	cfg.OTLPInsecure = c.Telemetry.Insecure
	cfg.SampleRate = c.Telemetry.SampleRate
	return cfg
}

// Metrics returns the metrics configuration.
func (c Config) Metrics(version string) *otel.MetricsConfig {
	cfg := otel.DefaultMetricsConfig()
	cfg.Enabled = c.Telemetry.MetricsEnabled
	cfg.ServiceVersion = version
	cfg.ExporterType = otel.ExporterType(c.Telemetry.Exporter)
	cfg.OTLPEndpoint = c.Telemetry.Endpoint
	cfg.OTLPInsecure = c.Telemetry.Insecure
	return cfg
}

// RetentionPolicy returns the retention manager configuration.
func (c Config) RetentionPolicy() retention.Config {
	return retention.Config{
		RunsTTLHours:         c.Retention.RunsTTLHours,
		CleanupIntervalHours: c.Retention.CleanupIntervalHours,
	}
}
