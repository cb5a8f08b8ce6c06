package logsink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderPath(t *testing.T) {
	cfg := FileConfig{
		OutputDir: "/var/fleetbench",
		Component: "controller",
		Host:      "node:a",
		RunID:     "run-1",
	}.WithDefaults()
	require.Equal(t, filepath.Clean("/var/fleetbench/run-1/controller-node_a.jsonl"), cfg.RenderPath())

	cfg.PathTemplate = "{output_dir}/logs/{host}/{component}.log"
	require.Equal(t, filepath.Clean("/var/fleetbench/logs/node_a/controller.log"), cfg.RenderPath())
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		out = append(out, doc)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestRotatingFileSinkWritesMergedRecords(t *testing.T) {
	dir := t.TempDir()
	s := NewRotatingFileSink(FileConfig{
		OutputDir: dir,
		Component: "controller",
		Host:      "node-a",
		RunID:     "run-1",
		Tags:      map[string]string{"env": "lab", "phase": "static"},
	}, quietLogger())

	s.SetPhase("GLOBAL_SETUP")
	s.Emit(Record{Message: "setup started"})
	s.Emit(Record{
		Message:    "repetition done",
		Workload:   "dfaas",
		Plugin:     "k6",
		Repetition: 2,
		Phase:      "WORKLOADS",
		Labels:     map[string]string{"env": "override"},
		Attrs:      map[string]any{"rc": 0},
	})
	require.NoError(t, s.Close(context.Background()))

	path := filepath.Join(dir, "run-1", "controller-node-a.jsonl")
	require.Equal(t, path, s.Path())
	lines := readLines(t, path)
	require.Len(t, lines, 2)

	first := lines[0]
	require.Equal(t, "setup started", first["msg"])
	require.Equal(t, "node-a", first["host"])
	require.Equal(t, "run-1", first["run_id"])
	require.Equal(t, map[string]any{"env": "lab", "phase": "GLOBAL_SETUP"}, first["tags"])
	require.NotContains(t, first, "workload")

	second := lines[1]
	require.Equal(t, "dfaas", second["workload"])
	require.EqualValues(t, 2, second["repetition"])
	require.Equal(t, map[string]any{"env": "override", "phase": "WORKLOADS"}, second["tags"])
	require.Equal(t, map[string]any{"rc": float64(0)}, second["attrs"])

	// Writes after close are absorbed.
	s.Emit(Record{Message: "late"})
}

func TestRotatingFileSinkRotates(t *testing.T) {
	dir := t.TempDir()
	s := NewRotatingFileSink(FileConfig{
		OutputDir:  dir,
		Component:  "controller",
		Host:       "node-a",
		RunID:      "run-1",
		MaxSizeMB:  1,
		MaxBackups: 2,
	}, quietLogger())

	payload := strings.Repeat("x", 16*1024)
	for i := 0; i < 100; i++ {
		s.Emit(Record{Message: payload})
	}
	require.NoError(t, s.Close(context.Background()))

	entries, err := os.ReadDir(filepath.Join(dir, "run-1"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2, "expected a rotated backup next to the live file")
}
