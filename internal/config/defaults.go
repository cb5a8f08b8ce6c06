package config

import "time"

// Default configuration constants for the controller, its sinks and tailers.
const (
	DefaultOutputDir  = "./fleetbench-output"
	DefaultComponent  = "controller"
	DefaultLogLevel   = "info"
	DefaultStopFile   = ".fleetbench-stop"
	DefaultOffsetsDB  = "offsets.db"
	DefaultStatusAddr = ""

	DefaultLokiBatchSize     = 100
	DefaultLokiFlushInterval = time.Second
	DefaultLokiTimeout       = 5 * time.Second
	DefaultLokiMaxRetries    = 3
	DefaultLokiQueueSize     = 10000
	DefaultLokiBackoffBase   = 500 * time.Millisecond
	DefaultLokiBackoffFactor = 2.0

	DefaultFileMaxSizeMB  = 50
	DefaultFileMaxBackups = 5

	DefaultPollInterval     = 500 * time.Millisecond
	DefaultMaxParallelHosts = 8
	DefaultProbeInterval    = 5 * time.Second

	DefaultRunsTTLHours         = 168 // 7 days
	DefaultCleanupIntervalHours = 24

	DefaultSSHPort   = 22
	DefaultWinRMPort = 5985
)
