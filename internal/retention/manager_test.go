package retention

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

type mockPruner struct {
	mu   sync.Mutex
	dirs []string
}

func (m *mockPruner) DeleteUnder(_ context.Context, dir string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, dir)
	return 2, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRunDir(t *testing.T, base, runID string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(base, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := filepath.Join(dir, "controller-node-a.jsonl")
	if err := os.WriteFile(file, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-age)
	for _, p := range []string{file, dir} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	return dir
}

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RunsTTLHours != 168 {
		t.Errorf("expected RunsTTLHours=168, got %d", cfg.RunsTTLHours)
	}
	if cfg.CleanupIntervalHours != 24 {
		t.Errorf("expected CleanupIntervalHours=24, got %d", cfg.CleanupIntervalHours)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.RunsTTLHours != 168 || cfg.CleanupIntervalHours != 24 {
		t.Errorf("unexpected defaults %+v", cfg)
	}

	cfg = Config{RunsTTLHours: 1, CleanupIntervalHours: 2}.WithDefaults()
	if cfg.RunsTTLHours != 1 || cfg.CleanupIntervalHours != 2 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}

func TestManager_StartStop(t *testing.T) {
	m := NewManager(DefaultConfig(), t.TempDir(), nil, quietLogger())
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}

func TestManager_CleanupOldRuns(t *testing.T) {
	base := t.TempDir()
	oldDir := makeRunDir(t, base, "run-old", 3*time.Hour)
	makeRunDir(t, base, "run-new", 10*time.Minute)
	makeRunDir(t, base, "run-active", 5*time.Hour)
	if err := os.WriteFile(filepath.Join(base, "offsets.db"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pruner := &mockPruner{}
	m := NewManager(Config{RunsTTLHours: 2}, base, pruner, quietLogger())
	m.Protect("run-active")

	report := m.RunCleanupNow(context.Background())

	if len(report.DeletedRuns) != 1 || report.DeletedRuns[0] != "run-old" {
		t.Fatalf("unexpected deleted runs %v", report.DeletedRuns)
	}
	if report.PrunedOffsets != 2 {
		t.Errorf("expected 2 pruned offsets, got %d", report.PrunedOffsets)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed", oldDir)
	}
	if len(pruner.dirs) != 1 || pruner.dirs[0] != oldDir {
		t.Errorf("pruner called with %v", pruner.dirs)
	}

	remaining, _ := os.ReadDir(base)
	var names []string
	for _, e := range remaining {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	want := []string{"offsets.db", "run-active", "run-new"}
	if len(names) != len(want) {
		t.Fatalf("remaining entries %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("remaining entries %v, want %v", names, want)
		}
	}
}

func TestManager_NewFileKeepsRun(t *testing.T) {
	base := t.TempDir()
	dir := makeRunDir(t, base, "run-1", 5*time.Hour)
	if err := os.WriteFile(filepath.Join(dir, "fresh.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewManager(Config{RunsTTLHours: 1}, base, nil, quietLogger())
	if report := m.RunCleanupNow(context.Background()); len(report.DeletedRuns) != 0 {
		t.Fatalf("run with a fresh file should be kept, deleted %v", report.DeletedRuns)
	}
}

func TestManager_NonExistentOrEmptyBaseDir(t *testing.T) {
	m := NewManager(DefaultConfig(), filepath.Join(t.TempDir(), "missing"), nil, quietLogger())
	if report := m.RunCleanupNow(context.Background()); len(report.DeletedRuns) != 0 {
		t.Fatalf("unexpected deletions %v", report.DeletedRuns)
	}

	m = NewManager(DefaultConfig(), "", nil, quietLogger())
	if report := m.RunCleanupNow(context.Background()); len(report.DeletedRuns) != 0 {
		t.Fatalf("unexpected deletions %v", report.DeletedRuns)
	}
}
