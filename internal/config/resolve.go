package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Resolve.
const EnvPrefix = "FLEETBENCH_"

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Override applies an explicit value, typically from a command-line flag.
type Override func(*Config)

// Resolve builds a Config with precedence defaults < YAML file < environment
// < overrides. An empty path skips the file layer and a nil env skips the
// environment layer. The result has defaults filled in and is validated.
func Resolve(path string, env LookupFunc, overrides ...Override) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if env != nil {
		if err := ApplyEnv(&cfg, env); err != nil {
			return Config{}, err
		}
	}
	for _, o := range overrides {
		if o != nil {
			o(&cfg)
		}
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes the YAML file at path over cfg. Keys absent from the
// file keep their current values; unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays FLEETBENCH_* variables onto cfg. Invalid values are
// reported rather than ignored.
func ApplyEnv(cfg *Config, env LookupFunc) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := env(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(name string, dst *bool) {
		v, ok := env(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := parseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
	integer := func(name string, dst *int) {
		v, ok := env(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	float := func(name string, dst *float64) {
		v, ok := env(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = f
	}
	duration := func(name string, dst *time.Duration) {
		v, ok := env(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}

	str("OUTPUT_DIR", &cfg.OutputDir)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("STATUS_ADDR", &cfg.StatusAddr)

	boolean("LOKI_ENABLED", &cfg.Loki.Enabled)
	str("LOKI_URL", &cfg.Loki.Endpoint)
	integer("LOKI_BATCH_SIZE", &cfg.Loki.BatchSize)
	duration("LOKI_FLUSH_INTERVAL", &cfg.Loki.FlushInterval)
	duration("LOKI_TIMEOUT", &cfg.Loki.Timeout)
	integer("LOKI_MAX_RETRIES", &cfg.Loki.MaxRetries)
	integer("LOKI_QUEUE_SIZE", &cfg.Loki.QueueSize)
	duration("LOKI_BACKOFF_BASE", &cfg.Loki.BackoffBase)
	float("LOKI_BACKOFF_FACTOR", &cfg.Loki.BackoffFactor)

	boolean("FILE_LOG_ENABLED", &cfg.FileLog.Enabled)
	integer("FILE_LOG_MAX_SIZE_MB", &cfg.FileLog.MaxSizeMB)
	integer("FILE_LOG_MAX_BACKUPS", &cfg.FileLog.MaxBackups)

	integer("MAX_PARALLEL_HOSTS", &cfg.Controller.MaxParallelHosts)

	str("SSH_USER", &cfg.SSH.User)
	str("SSH_PASSWORD", &cfg.SSH.Password)
	str("SSH_KEY", &cfg.SSH.PrivateKeyPath)
	str("WINRM_USER", &cfg.WinRM.User)
	str("WINRM_PASSWORD", &cfg.WinRM.Password)

	return errors.Join(errs...)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
