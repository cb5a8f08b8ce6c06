package retention

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OffsetPruner deletes persisted tail offsets of files under a directory.
type OffsetPruner interface {
	DeleteUnder(ctx context.Context, dir string) (int64, error)
}

// Report summarizes one cleanup pass.
type Report struct {
	DeletedRuns   []string
	PrunedOffsets int64
}

// Manager handles periodic cleanup of old run directories.
type Manager struct {
	config    Config
	outputDir string
	pruner    OffsetPruner
	logger    *slog.Logger
	now       func() time.Time

	protectMu sync.Mutex
	protected map[string]struct{}

	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewManager creates a Manager for the run directories under outputDir.
// pruner may be nil.
func NewManager(config Config, outputDir string, pruner OffsetPruner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:    config.WithDefaults(),
		outputDir: outputDir,
		pruner:    pruner,
		logger:    logger.With("component", "retention"),
		now:       time.Now,
		protected: make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Protect excludes runID from deletion, e.g. the run in progress.
func (m *Manager) Protect(runID string) {
	m.protectMu.Lock()
	defer m.protectMu.Unlock()
	m.protected[runID] = struct{}{}
}

func (m *Manager) isProtected(runID string) bool {
	m.protectMu.Lock()
	defer m.protectMu.Unlock()
	_, ok := m.protected[runID]
	return ok
}

// Start begins the background cleanup goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	go m.run()
}

// Stop signals the background goroutine to stop and waits for it to exit.
func (m *Manager) Stop() {
	shouldStop := false
	func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.running {
			return
		}
		m.running = false
		shouldStop = true
	}()

	if !shouldStop {
		return
	}

	close(m.stopCh)
	<-m.stoppedCh
}

func (m *Manager) run() {
	defer close(m.stoppedCh)

	interval := time.Duration(m.config.CleanupIntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunCleanupNow(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// RunCleanupNow performs one cleanup pass immediately.
func (m *Manager) RunCleanupNow(ctx context.Context) Report {
	var report Report
	if m.outputDir == "" {
		return report
	}

	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("retention_read_dir_failed", "dir", m.outputDir, "error", err)
		}
		return report
	}

	ttl := time.Duration(m.config.RunsTTLHours) * time.Hour
	now := m.now()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		if m.isProtected(runID) {
			continue
		}

		runDir := filepath.Join(m.outputDir, runID)
		modTime, err := getDirectoryModTime(runDir)
		if err != nil {
			m.logger.Warn("retention_stat_failed", "run_id", runID, "error", err)
			continue
		}
		if now.Sub(modTime) <= ttl {
			continue
		}

		if err := os.RemoveAll(runDir); err != nil {
			m.logger.Warn("retention_delete_failed", "run_id", runID, "error", err)
			continue
		}
		report.DeletedRuns = append(report.DeletedRuns, runID)

		if m.pruner != nil {
			n, err := m.pruner.DeleteUnder(ctx, runDir)
			if err != nil {
				m.logger.Warn("retention_prune_offsets_failed", "run_id", runID, "error", err)
			}
			report.PrunedOffsets += n
		}
	}

	if len(report.DeletedRuns) > 0 {
		m.logger.Info("retention_cleanup",
			"deleted_runs", len(report.DeletedRuns),
			"pruned_offsets", report.PrunedOffsets,
			"ttl_hours", m.config.RunsTTLHours,
		)
	}
	return report
}

func getDirectoryModTime(dir string) (time.Time, error) {
	var latestModTime time.Time

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if info.ModTime().After(latestModTime) {
			latestModTime = info.ModTime()
		}

		return nil
	})

	if err != nil {
		return time.Time{}, err
	}

	return latestModTime, nil
}
