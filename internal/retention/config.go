// Package retention removes old run output directories and the tail offsets
// recorded for them.
package retention

// Config holds retention policy configuration.
type Config struct {
	// RunsTTLHours is the time-to-live for run directories in hours.
	// A run directory whose newest file is older than this is deleted.
	// Default: 168 (7 days)
	RunsTTLHours int

	// CleanupIntervalHours is the interval between background cleanup runs in hours.
	// Default: 24 (once per day)
	CleanupIntervalHours int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		RunsTTLHours:         168, // 7 days
		CleanupIntervalHours: 24,  // once per day
	}
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	result := c
	if result.RunsTTLHours <= 0 {
		result.RunsTTLHours = 168
	}
	if result.CleanupIntervalHours <= 0 {
		result.CleanupIntervalHours = 24
	}
	return result
}
